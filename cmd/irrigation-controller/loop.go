package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/sweeney/irrigation-controller/internal/command"
	"github.com/sweeney/irrigation-controller/internal/events"
	"github.com/sweeney/irrigation-controller/internal/metrics"
	"github.com/sweeney/irrigation-controller/internal/mqtt"
	"github.com/sweeney/irrigation-controller/internal/status"
	"github.com/sweeney/irrigation-controller/internal/valve"
)

// journal is the subset of history.Journal the loop writes to.
type journal interface {
	Record(ctx context.Context, e valve.Event) error
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// replier receives console replies.
type replier interface {
	Println(a ...any)
}

const pruneEvery = time.Hour

// controller owns the supervisor and fans its events out to every sink.
// Everything except tracker is touched only from runLoop's goroutine.
type controller struct {
	sup       *valve.Supervisor
	client    mqtt.Client
	conn      mqtt.ConnectionStatus // optional
	tracker   *status.Tracker
	heartbeat *status.Heartbeat
	health    func() status.Health       // optional
	network   func() *status.NetworkInfo // optional
	metrics   *metrics.Metrics           // optional
	bus       events.Publisher
	subjects  events.Subjects
	journal   journal // optional
	retain    time.Duration
	console   replier // optional
	deviceID  string

	// after arms the wake-up for the next queued transition.
	after     func(time.Duration) <-chan time.Time
	lastPrune time.Time
}

func (c *controller) runLoop(now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal, lines <-chan string) error {
	var wake <-chan time.Time
	var wakeAt time.Time
	if c.lastPrune.IsZero() {
		c.lastPrune = now()
	}

	for {
		select {
		case s := <-sig:
			c.shutdown(s, now())
			return nil

		case <-tick:
			c.sweep(now())

		case <-wake:
			wake, wakeAt = nil, time.Time{}
			c.sweep(now())

		case payload := <-c.client.Commands():
			t := now()
			cmd, err := command.DecodeJSON(payload)
			if err != nil {
				log.Printf("command rejected: %v", err)
				c.countCommand(command.SourceMQTT, "malformed")
				continue
			}
			c.execute(cmd, t)

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			t := now()
			cmd, err := command.ParseConsole(line)
			if err != nil {
				c.reply(fmt.Sprintf("error: %v (type 'help' for commands)", err))
				c.countCommand(command.SourceConsole, "malformed")
				continue
			}
			c.execute(cmd, t)
		}

		// Re-arm only when the head deadline moves.
		if due, ok := c.sup.NextDue(); ok && c.after != nil && (wake == nil || !due.Equal(wakeAt)) {
			wake, wakeAt = c.after(due.Sub(now())), due
		}
	}
}

// sweep runs the periodic safety pass, heartbeat and housekeeping.
func (c *controller) sweep(t time.Time) {
	c.emit(c.sup.Sweep(t))

	if c.heartbeat != nil && c.heartbeat.Due(t) {
		c.refreshHealth()
		c.refresh(t)
		snap := c.tracker.Snapshot()
		log.Printf("heartbeat: uptime=%v open=%d pending=%d", snap.Uptime().Truncate(time.Second), snap.Valves.OpenCount(), snap.Valves.Pending)
		event := mqtt.SystemEvent{
			Timestamp:  t,
			Event:      "HEARTBEAT",
			RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
		}
		if err := c.client.PublishSystem(event); err != nil {
			log.Printf("heartbeat publish error: %v", err)
			c.publishError("mqtt")
		}
	}

	if c.journal != nil && c.retain > 0 && t.Sub(c.lastPrune) >= pruneEvery {
		c.lastPrune = t
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n, err := c.journal.Prune(ctx, t.Add(-c.retain))
		cancel()
		if err != nil {
			log.Printf("history prune error: %v", err)
		} else if n > 0 {
			log.Printf("history: pruned %d entries", n)
		}
	}

	c.refresh(t)
}

// execute dispatches one decoded command.
func (c *controller) execute(cmd command.Command, t time.Time) {
	log.Printf("command: %s", cmd)
	res, err := command.Dispatch(c.sup, cmd, t)
	if err != nil {
		log.Printf("command %s failed: %v", cmd, err)
		c.reply(fmt.Sprintf("error: %v", err))
		c.countCommand(cmd.Source, "rejected")
		return
	}
	c.countCommand(cmd.Source, "ok")
	c.emit(res.Events)

	if cmd.Kind == command.KindOpen && len(res.Events) == 0 && c.sup.Pending() > 0 {
		c.reply(fmt.Sprintf("valve %d queued", cmd.Valve))
	}
	if res.WantHelp {
		c.reply(command.ConsoleHelp)
	}

	c.refresh(t)

	if res.WantStatus {
		snap := c.tracker.Snapshot()
		if cmd.Source == command.SourceConsole {
			c.reply(string(status.FormatJSON(snap)))
			return
		}
		if err := c.client.PublishStatus(status.FormatStatusEvent(snap, "STATUS", "")); err != nil {
			log.Printf("status publish error: %v", err)
			c.publishError("mqtt")
		}
	}
}

// emit logs and forwards events to MQTT, NATS, the journal and metrics.
// Sink failures are logged and never stop the loop.
func (c *controller) emit(evs []valve.Event) {
	if len(evs) == 0 {
		return
	}
	if c.metrics != nil {
		c.metrics.ObserveEvents(evs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, e := range evs {
		switch e.Type {
		case valve.EventAlert:
			log.Printf("alert: %s valve=%d %s", e.Alert, e.Channel, e.Message)
			c.reply(fmt.Sprintf("ALERT %s valve %d: %s", e.Alert, e.Channel, e.Message))
		default:
			log.Printf("event: valve %d %s (reason=%s pump=%s)", e.Channel, e.State, e.Reason, e.Pump)
			c.reply(fmt.Sprintf("valve %d %s", e.Channel, e.State))
		}

		if err := c.client.Publish(e); err != nil {
			log.Printf("publish error: %v", err)
			c.publishError("mqtt")
		}

		subject, payload := c.subjects.Route(c.deviceID, e)
		if err := c.bus.Publish(ctx, subject, payload); err != nil {
			log.Printf("nats publish error: %v", err)
			c.publishError("nats")
		}

		if c.journal != nil {
			if err := c.journal.Record(ctx, e); err != nil {
				log.Printf("history error: %v", err)
			}
		}
	}
}

// refresh copies supervisor and connection state into the tracker and gauges.
func (c *controller) refresh(t time.Time) {
	snap := c.sup.Snapshot(t)
	c.tracker.Update(snap)
	if c.conn != nil {
		c.tracker.SetMQTTConnected(c.conn.IsConnected())
	}
	if c.metrics != nil {
		c.metrics.ObserveSnapshot(snap)
	}
}

func (c *controller) refreshHealth() {
	if c.health != nil {
		c.tracker.SetHealth(c.health())
	}
	if c.network != nil {
		if net := c.network(); net != nil {
			c.tracker.SetNetwork(net)
		}
	}
}

// shutdown de-energizes every output at once and publishes a retained SHUTDOWN.
func (c *controller) shutdown(s os.Signal, t time.Time) {
	log.Printf("received %v, shutting down", s)
	signalName := "UNKNOWN"
	if s == syscall.SIGINT {
		signalName = "SIGINT"
	} else if s == syscall.SIGTERM {
		signalName = "SIGTERM"
	}

	c.emit(c.sup.Halt(t))
	c.refresh(t)

	snap := c.tracker.Snapshot()
	event := mqtt.SystemEvent{
		Timestamp:  t,
		Event:      "SHUTDOWN",
		Reason:     signalName,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", signalName),
	}
	if err := c.client.PublishSystem(event); err != nil {
		log.Printf("failed to publish shutdown event: %v", err)
	} else {
		log.Printf("published shutdown event")
	}
}

func (c *controller) reply(msg string) {
	if c.console != nil {
		c.console.Println(msg)
	}
}

func (c *controller) countCommand(src command.Source, result string) {
	if c.metrics != nil {
		c.metrics.CommandResult(string(src), result)
	}
}

func (c *controller) publishError(topic string) {
	if c.metrics != nil {
		c.metrics.PublishError(topic)
	}
}
