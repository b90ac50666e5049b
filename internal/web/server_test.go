package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/irrigation-controller/internal/history"
	"github.com/sweeney/irrigation-controller/internal/status"
	"github.com/sweeney/irrigation-controller/internal/valve"
)

type fakeHistory struct {
	entries []history.Entry
	err     error
	limit   int
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]history.Entry, error) {
	f.limit = limit
	return f.entries, f.err
}

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *status.Tracker) {
	t.Helper()
	start := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	cfg := status.Config{
		StaggerMs:       500,
		SafetyCeilingMs: 7200000,
		HeartbeatMs:     30000,
		Broker:          "tcp://192.168.1.200:1883",
		HTTPAddr:        ":80",
	}
	tr := status.NewTracker("garden", "boot-1", start, cfg)
	srv := New(":0", tr, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr
}

func openValve(id, minutes int) valve.Snapshot {
	var v valve.Snapshot
	for i := range v.Channels {
		v.Channels[i].ID = i + 1
	}
	v.Channels[id-1].Open = true
	v.Channels[id-1].ScheduledMinutes = minutes
	v.Pump = true
	return v
}

func getJSON(t *testing.T, url string) status.StatusJSON {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return sj
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t, Options{})
	tr.Update(openValve(4, 20))
	tr.SetMQTTConnected(true)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	sj := getJSON(t, ts.URL+"/index.json")
	if sj.DeviceID != "garden" {
		t.Errorf("DeviceID: got %q, want garden", sj.DeviceID)
	}
	if len(sj.Valves) != valve.Channels {
		t.Fatalf("Valves: got %d, want %d", len(sj.Valves), valve.Channels)
	}
	if sj.Valves[3].State != "ON" || sj.Valves[3].ScheduledMinutes != 20 {
		t.Errorf("valve 4: got %+v", sj.Valves[3])
	}
	if sj.Pump != "ON" {
		t.Errorf("Pump: got %q, want ON", sj.Pump)
	}
	if !sj.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.MQTT.Broker != "tcp://192.168.1.200:1883" {
		t.Errorf("MQTT.Broker: got %q", sj.MQTT.Broker)
	}
	if sj.Config.StaggerMs != 500 {
		t.Errorf("Config.StaggerMs: got %d, want 500", sj.Config.StaggerMs)
	}
}

func TestJSONNetworkInfo(t *testing.T) {
	ts, tr := newTestServer(t, Options{})
	tr.SetNetwork(&status.NetworkInfo{
		Type:   "wifi",
		IP:     "192.168.1.42",
		Status: "connected",
		SSID:   "MyNet",
	})

	sj := getJSON(t, ts.URL+"/index.json")
	if sj.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if sj.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", sj.Network.IP)
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts, tr := newTestServer(t, Options{})
	tr.Update(openValve(7, 0))

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Irrigation garden") {
		t.Error("expected device id in page title")
	}
	if !strings.Contains(string(body), "until off") {
		t.Error("expected open-ended run for valve 7")
	}
}

func TestHTMLEndpointIndexHTML(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	resp, err := http.Get(ts.URL + "/index.html")
	if err != nil {
		t.Fatalf("GET /index.html: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	for _, path := range []string{"/nonexistent", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != 404 {
			t.Errorf("%s: got %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestHistoryDisabled(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	resp, err := http.Get(ts.URL + "/history.json")
	if err != nil {
		t.Fatalf("GET /history.json: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	h := &fakeHistory{entries: []history.Entry{
		{ID: 2, Kind: "VALVE_STATE", Valve: 1, State: "OFF", Reason: "scheduled"},
		{ID: 1, Kind: "VALVE_STATE", Valve: 1, State: "ON", Reason: "command"},
	}}
	ts, _ := newTestServer(t, Options{History: h})

	resp, err := http.Get(ts.URL + "/history.json?limit=2")
	if err != nil {
		t.Fatalf("GET /history.json: %v", err)
	}
	defer resp.Body.Close()

	var got []history.Entry
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Reason != "scheduled" {
		t.Errorf("unexpected entries %+v", got)
	}
	if h.limit != 2 {
		t.Errorf("limit: got %d, want 2", h.limit)
	}
}

func TestHistoryEndpointErrors(t *testing.T) {
	h := &fakeHistory{err: errors.New("disk full")}
	ts, _ := newTestServer(t, Options{History: h})

	resp, err := http.Get(ts.URL + "/history.json")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 500 {
		t.Errorf("status: got %d, want 500", resp.StatusCode)
	}
	if h.limit != DefaultHistoryLimit {
		t.Errorf("limit: got %d, want %d", h.limit, DefaultHistoryLimit)
	}

	resp, err = http.Get(ts.URL + "/history.json?limit=abc")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "irrigation_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	ts, _ := newTestServer(t, Options{Gatherer: reg})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "irrigation_test_total 1") {
		t.Errorf("metrics body missing counter:\n%s", body)
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr := newTestServer(t, Options{})

	if sj := getJSON(t, ts.URL+"/index.json"); sj.Pump != "OFF" {
		t.Errorf("expected pump OFF initially, got %q", sj.Pump)
	}

	tr.Update(openValve(2, 5))
	tr.SetMQTTConnected(true)

	sj := getJSON(t, ts.URL+"/index.json")
	if sj.Valves[1].State != "ON" {
		t.Errorf("valve 2: got %q, want ON", sj.Valves[1].State)
	}
	if !sj.MQTT.Connected {
		t.Error("expected MQTT connected after update")
	}
}
