package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/irrigation-controller/internal/events"
	"github.com/sweeney/irrigation-controller/internal/gpio"
	"github.com/sweeney/irrigation-controller/internal/metrics"
	"github.com/sweeney/irrigation-controller/internal/mqtt"
	"github.com/sweeney/irrigation-controller/internal/status"
	"github.com/sweeney/irrigation-controller/internal/valve"
)

var t0 = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

// clock is a settable time source shared with runLoop's goroutine.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type busRecord struct {
	subject string
	event   any
}

type recordingBus struct {
	mu   sync.Mutex
	sent []busRecord
	err  error
}

func (b *recordingBus) Publish(_ context.Context, subject string, event any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.sent = append(b.sent, busRecord{subject, event})
	return nil
}

func (b *recordingBus) Close() error { return nil }

type fakeJournal struct {
	mu      sync.Mutex
	records []valve.Event
	prunes  []time.Time
}

func (j *fakeJournal) Record(_ context.Context, e valve.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, e)
	return nil
}

func (j *fakeJournal) Prune(_ context.Context, before time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.prunes = append(j.prunes, before)
	return 0, nil
}

type replies struct {
	mu    sync.Mutex
	lines []string
}

func (r *replies) Println(a ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range a {
		r.lines = append(r.lines, v.(string))
	}
}

func (r *replies) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}

// harness drives runLoop one message at a time.
type harness struct {
	t       *testing.T
	c       *controller
	clk     *clock
	client  *mqtt.FakeClient
	driver  *gpio.FakeDriver
	bus     *recordingBus
	journal *fakeJournal
	out     *replies
	reg     *prometheus.Registry

	tick  chan time.Time
	lines chan string
	sig   chan os.Signal
	errCh chan error
}

func newHarness(t *testing.T, cfg valve.Config, heartbeat time.Duration) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clk:     &clock{t: t0},
		client:  mqtt.NewFakeClient(),
		driver:  gpio.NewFakeDriver(valve.Channels),
		bus:     &recordingBus{},
		journal: &fakeJournal{},
		out:     &replies{},
		reg:     prometheus.NewRegistry(),
		tick:    make(chan time.Time),
		lines:   make(chan string),
		sig:     make(chan os.Signal, 1),
		errCh:   make(chan error, 1),
	}
	h.client.Identity.Start = t0
	h.client.Connected = true

	h.c = &controller{
		sup:       valve.NewSupervisor(cfg, h.driver),
		client:    h.client,
		conn:      h.client,
		tracker:   status.NewTracker("test", "boot", t0, status.Config{}),
		heartbeat: status.NewHeartbeat(heartbeat, t0),
		health:    func() status.Health { return status.Health{MemAvailableKB: 4242, LinkQuality: 61} },
		metrics:   metrics.New(h.reg),
		bus:       h.bus,
		subjects:  events.NewSubjects("irrigation", "test"),
		journal:   h.journal,
		retain:    24 * time.Hour,
		console:   h.out,
		deviceID:  "test",
		lastPrune: t0,
	}
	h.c.tracker.SetClock(h.clk.now)
	return h
}

func (h *harness) start() {
	go func() {
		h.errCh <- h.c.runLoop(h.clk.now, h.tick, h.sig, h.lines)
	}()
}

// at advances the clock and delivers one sweep tick.
func (h *harness) at(d time.Duration) {
	h.clk.set(t0.Add(d))
	h.tick <- time.Time{}
}

// say delivers one console line at offset d.
func (h *harness) say(d time.Duration, line string) {
	h.clk.set(t0.Add(d))
	h.lines <- line
}

// send delivers one MQTT payload at offset d and waits until runLoop has taken it.
func (h *harness) send(d time.Duration, payload string) {
	h.clk.set(t0.Add(d))
	h.client.Inject([]byte(payload))
	deadline := time.Now().Add(2 * time.Second)
	for len(h.client.Commands()) > 0 {
		if time.Now().After(deadline) {
			h.t.Fatal("runLoop did not take the command")
		}
		time.Sleep(time.Millisecond)
	}
	// Any unbuffered send completes only after the command is handled.
	h.at(d)
}

func (h *harness) stop(s os.Signal) {
	h.t.Helper()
	h.sig <- s
	select {
	case err := <-h.errCh:
		require.NoError(h.t, err)
	case <-time.After(2 * time.Second):
		h.t.Fatal("runLoop did not return")
	}
}

func statePayloads(t *testing.T, f *mqtt.FakeClient) []mqtt.StatePayload {
	t.Helper()
	var out []mqtt.StatePayload
	for _, m := range f.OnTopic(f.Topics.Status) {
		var p mqtt.StatePayload
		require.NoError(t, json.Unmarshal(m.Payload, &p))
		if p.Event == string(valve.EventStateChange) {
			out = append(out, p)
		}
	}
	return out
}

func TestRunLoopShutdownPublishesRetainedStatus(t *testing.T) {
	h := newHarness(t, valve.DefaultConfig(), 0)
	h.start()
	h.at(time.Second)
	h.stop(syscall.SIGTERM)

	require.Len(t, h.client.SystemEvents, 1)
	ev := h.client.SystemEvents[0]
	assert.Equal(t, "SHUTDOWN", ev.Event)
	assert.Equal(t, "SIGTERM", ev.Reason)
	assert.True(t, ev.Retained)

	var doc status.StatusJSON
	require.NoError(t, json.Unmarshal(ev.RawPayload, &doc))
	assert.Equal(t, "SHUTDOWN", doc.Event)
	assert.Equal(t, "SIGTERM", doc.Reason)
	assert.Equal(t, "OFF", doc.Pump)
	assert.Empty(t, h.client.Events)
}

func TestRunLoopMQTTOpenRunsForScheduledMinutes(t *testing.T) {
	h := newHarness(t, valve.DefaultConfig(), 0)
	h.start()

	h.send(0, `{"action":"valve_on","valve":3,"duration":1}`)
	h.at(59 * time.Second)
	h.at(time.Minute)
	h.stop(syscall.SIGINT)

	require.Len(t, h.client.Events, 2)
	assert.Equal(t, t0, h.client.Events[0].Timestamp)
	assert.Equal(t, t0.Add(time.Minute), h.client.Events[1].Timestamp)

	got := statePayloads(t, h.client)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Valve)
	assert.Equal(t, "ON", got[0].State)
	assert.Equal(t, "ON", got[0].Pump)
	assert.Equal(t, "OFF", got[1].State)
	assert.Equal(t, "scheduled", got[1].Reason)
	assert.Equal(t, "OFF", got[1].Pump)
	assert.False(t, h.driver.AnyValveOn())
	assert.False(t, h.driver.Pump)

	require.Len(t, h.bus.sent, 2)
	assert.Equal(t, "irrigation.test.valve.on", h.bus.sent[0].subject)
	assert.Equal(t, "irrigation.test.valve.off", h.bus.sent[1].subject)

	assert.Len(t, h.journal.records, 2)
}

func TestRunLoopConsoleStagger(t *testing.T) {
	h := newHarness(t, valve.DefaultConfig(), 0)
	h.start()

	h.say(0, "v1on")
	h.say(10*time.Millisecond, "v2on")
	h.at(400 * time.Millisecond)
	h.at(510 * time.Millisecond)
	h.stop(syscall.SIGTERM)

	require.GreaterOrEqual(t, len(h.client.Events), 2)
	second := h.client.Events[1]
	assert.Equal(t, 2, second.Channel)
	assert.Equal(t, valve.StateOn, second.State)
	assert.Equal(t, t0.Add(510*time.Millisecond), second.Timestamp, "energized one stagger after the request")

	out := h.out.joined()
	assert.Contains(t, out, "valve 2 queued")
	assert.Contains(t, out, "valve 2 ON")
}

// timers records every wake-up runLoop arms and lets the test fire them.
type timers struct {
	mu    sync.Mutex
	waits []time.Duration
	chans []chan time.Time
}

func (tm *timers) after(d time.Duration) <-chan time.Time {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	ch := make(chan time.Time)
	tm.waits = append(tm.waits, d)
	tm.chans = append(tm.chans, ch)
	return ch
}

func (tm *timers) armed() []time.Duration {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return append([]time.Duration(nil), tm.waits...)
}

func (tm *timers) fire(i int) {
	tm.mu.Lock()
	ch := tm.chans[i]
	tm.mu.Unlock()
	ch <- time.Time{}
}

func TestRunLoopArmsWakeOncePerDeadline(t *testing.T) {
	h := newHarness(t, valve.DefaultConfig(), 0)
	tm := &timers{}
	h.c.after = tm.after
	h.start()

	h.say(0, "v1on")
	h.say(10*time.Millisecond, "v2on")
	h.at(100 * time.Millisecond)
	h.at(200 * time.Millisecond)
	h.at(300 * time.Millisecond)
	require.Equal(t, []time.Duration{500 * time.Millisecond}, tm.armed(), "ticks must not re-arm an unchanged deadline")

	h.clk.set(t0.Add(510 * time.Millisecond))
	tm.fire(0)

	h.say(600*time.Millisecond, "v3on")
	h.at(700 * time.Millisecond)
	h.stop(syscall.SIGTERM)

	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, tm.armed())
	require.GreaterOrEqual(t, len(h.client.Events), 2)
	assert.Equal(t, 2, h.client.Events[1].Channel)
	assert.Equal(t, t0.Add(510*time.Millisecond), h.client.Events[1].Timestamp, "woken on the deadline, not the next tick")
}

func TestRunLoopSafetyCeiling(t *testing.T) {
	h := newHarness(t, valve.DefaultConfig(), 0)
	h.start()

	h.say(0, "v5on")
	h.at(valve.DefaultSafetyCeiling)
	h.at(valve.DefaultSafetyCeiling + time.Millisecond)
	h.stop(syscall.SIGTERM)

	assert.False(t, h.driver.Valves[4])
	require.GreaterOrEqual(t, len(h.client.Events), 2)
	off := h.client.Events[1]
	assert.Equal(t, valve.ReasonSafetyTimeout, off.Reason)
	assert.Equal(t, t0.Add(valve.DefaultSafetyCeiling+time.Millisecond), off.Timestamp)

	alerts := h.client.OnTopic(h.client.Topics.Alerts)
	require.Len(t, alerts, 1)
	var a mqtt.AlertPayload
	require.NoError(t, json.Unmarshal(alerts[0].Payload, &a))
	assert.Equal(t, "SAFETY_TIMEOUT", a.AlertType)
	assert.Equal(t, 5, a.Valve)

	var subjects []string
	for _, r := range h.bus.sent {
		subjects = append(subjects, r.subject)
	}
	assert.Contains(t, subjects, "irrigation.test.alert")
	assert.Contains(t, h.out.joined(), "ALERT SAFETY_TIMEOUT valve 5")
}

func TestRunLoopShutdownHaltsOpenValves(t *testing.T) {
	h := newHarness(t, valve.DefaultConfig(), 0)
	h.start()

	h.say(0, "v1on30")
	h.say(time.Second, "v2on")
	h.at(2 * time.Second)
	h.clk.set(t0.Add(3 * time.Second))
	h.stop(syscall.SIGTERM)

	assert.False(t, h.driver.AnyValveOn())
	assert.False(t, h.driver.Pump)

	var opens, halts int
	for _, p := range statePayloads(t, h.client) {
		switch p.Reason {
		case "command":
			opens++
		case "halt":
			halts++
			assert.Equal(t, "OFF", p.Pump)
		}
	}
	assert.Equal(t, 2, opens)
	assert.Equal(t, 2, halts)
}

func TestRunLoopCloseAllFromMQTT(t *testing.T) {
	h := newHarness(t, valve.Config{Stagger: 0, CloseDelay: 100 * time.Millisecond, SafetyCeiling: time.Hour}, 0)
	h.start()

	h.say(0, "v2on")
	h.say(0, "v7on")
	h.send(time.Second, `{"action":"valve_all_off"}`)
	h.at(time.Second + 100*time.Millisecond)
	h.stop(syscall.SIGTERM)

	assert.False(t, h.driver.AnyValveOn())

	var closes []valve.Event
	for _, e := range h.client.Events {
		if e.Reason == valve.ReasonCloseAll {
			closes = append(closes, e)
		}
	}
	require.Len(t, closes, 2)
	assert.Equal(t, 2, closes[0].Channel)
	assert.Equal(t, t0.Add(time.Second), closes[0].Timestamp)
	assert.Equal(t, 7, closes[1].Channel)
	assert.Equal(t, t0.Add(time.Second+100*time.Millisecond), closes[1].Timestamp)
}

func TestRunLoopRejectsBadCommands(t *testing.T) {
	h := newHarness(t, valve.DefaultConfig(), 0)
	h.start()

	h.send(0, `not json`)
	h.send(0, `{"action":"valve_on","valve":11}`)
	h.say(0, "v0on")
	h.say(0, "open the gates")
	h.stop(syscall.SIGTERM)

	assert.Empty(t, h.client.Events)
	assert.False(t, h.driver.AnyValveOn())
	assert.Contains(t, h.out.joined(), "error:")

	expected := `
# HELP irrigation_commands_total Commands received by source and outcome.
# TYPE irrigation_commands_total counter
irrigation_commands_total{result="malformed",source="console"} 2
irrigation_commands_total{result="malformed",source="mqtt"} 2
`
	require.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected), "irrigation_commands_total"))
}

func TestRunLoopGetStatusPublishesSnapshot(t *testing.T) {
	h := newHarness(t, valve.DefaultConfig(), 0)
	h.start()

	h.say(0, "v4on15")
	h.send(time.Minute, `{"action":"get_status"}`)
	h.stop(syscall.SIGTERM)

	var found bool
	for _, m := range h.client.OnTopic(h.client.Topics.Status) {
		var doc status.StatusJSON
		if json.Unmarshal(m.Payload, &doc) != nil || doc.Event != "STATUS" {
			continue
		}
		found = true
		require.Len(t, doc.Valves, valve.Channels)
		assert.Equal(t, "ON", doc.Valves[3].State)
		assert.Equal(t, 1, doc.Valves[3].RunningMinutes)
		assert.Equal(t, 15, doc.Valves[3].ScheduledMinutes)
		assert.Equal(t, "ON", doc.Pump)
	}
	assert.True(t, found, "expected a STATUS document on the status topic")
}

func TestRunLoopConsoleStatusAndHelp(t *testing.T) {
	h := newHarness(t, valve.DefaultConfig(), 0)
	h.start()

	h.say(0, "status")
	h.say(0, "help")
	h.stop(syscall.SIGTERM)

	out := h.out.joined()
	assert.Contains(t, out, `"valves"`)
	assert.Contains(t, out, "alloff")
}

func TestRunLoopHeartbeat(t *testing.T) {
	h := newHarness(t, valve.DefaultConfig(), 30*time.Second)
	h.start()

	h.at(29 * time.Second)
	h.at(30 * time.Second)
	h.at(45 * time.Second)
	h.at(60 * time.Second)
	h.stop(syscall.SIGTERM)

	var beats []mqtt.SystemEvent
	for _, e := range h.client.SystemEvents {
		if e.Event == "HEARTBEAT" {
			beats = append(beats, e)
		}
	}
	require.Len(t, beats, 2)

	var doc status.StatusJSON
	require.NoError(t, json.Unmarshal(beats[0].RawPayload, &doc))
	assert.Equal(t, int64(30), doc.UptimeSeconds)
	assert.Equal(t, int64(4242), doc.Health.MemAvailableKB)
	require.NotNil(t, doc.Health.LinkQuality)
	assert.Equal(t, 61, *doc.Health.LinkQuality)
	assert.True(t, doc.MQTT.Connected)
}

func TestRunLoopSurvivesPublishFailures(t *testing.T) {
	h := newHarness(t, valve.DefaultConfig(), 0)
	h.client.PublishError = errors.New("broker down")
	h.bus.err = errors.New("bus down")
	h.start()

	h.say(0, "v6on")
	h.at(time.Second)
	h.stop(syscall.SIGTERM)

	assert.False(t, h.driver.Valves[5], "halted on shutdown")
	assert.Len(t, h.journal.records, 2, "journal still written")

	expected := `
# HELP irrigation_publish_errors_total Failed publishes by destination.
# TYPE irrigation_publish_errors_total counter
irrigation_publish_errors_total{topic="mqtt"} 2
irrigation_publish_errors_total{topic="nats"} 2
`
	require.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected), "irrigation_publish_errors_total"))
}

func TestRunLoopPrunesHistory(t *testing.T) {
	h := newHarness(t, valve.DefaultConfig(), 0)
	h.start()

	h.at(30 * time.Minute)
	h.at(time.Hour)
	h.at(time.Hour + time.Minute)
	h.stop(syscall.SIGTERM)

	require.Len(t, h.journal.prunes, 1)
	assert.Equal(t, t0.Add(time.Hour-24*time.Hour), h.journal.prunes[0])
}

func TestRunLoopConsoleClosed(t *testing.T) {
	h := newHarness(t, valve.DefaultConfig(), 0)
	h.start()

	close(h.lines)
	h.send(0, `{"action":"valve_on","valve":1}`)
	h.stop(syscall.SIGTERM)

	assert.NotEmpty(t, h.client.Events)
}

func TestRunLoopTracksState(t *testing.T) {
	h := newHarness(t, valve.DefaultConfig(), 0)
	h.start()

	h.say(0, "v9on")
	h.at(time.Second)
	h.clk.set(t0.Add(2 * time.Second))
	h.stop(syscall.SIGTERM)

	snap := h.c.tracker.Snapshot()
	assert.Zero(t, snap.Valves.OpenCount(), "halted on shutdown")
	assert.False(t, snap.Valves.Pump)
	assert.True(t, snap.MQTTConnected)
	assert.Equal(t, 2*time.Second, snap.Uptime())
}

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device_id: horta\nmqtt:\n  password: hunter2\n"), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "--config", path, "--broker", "tcp://10.1.1.1:1883"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.Execute())

	s := out.String()
	assert.Contains(t, s, "device_id: horta")
	assert.Contains(t, s, "tcp://10.1.1.1:1883")
	assert.Contains(t, s, "client_id: agroirriga_horta")
	assert.NotContains(t, s, "hunter2")
}
