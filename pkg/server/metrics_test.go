package server

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/vango-dev/shocked/pkg/channel"
)

// metricValue returns the value of the series name{labels} in reg, or -1
// when it does not exist.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !hasLabels(m, labels) {
				continue
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				return m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				return m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return -1
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestMetricsRecordTrackerActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(WithRegistry(reg))
	svc := newTestService(t, Options{Metrics: metrics})
	sess, sock := startSession(t, svc)

	receive(sess, `[13,"g1",{},"s1"]`)
	receive(sess, `[17,"g1",1,"increment",[5]]`)
	receive(sess, `[17,"g1",2,"nope",[]]`)
	receive(sess, `[13,"missing",{},"s2"]`)
	receive(sess, `garbage`)
	receive(sess, `[99]`)
	waitFrame(t, sock, `[18,"g1",2,"error"`)
	waitFrame(t, sock, `[21,"missing"`)

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"shocked_sessions_active", nil, 1},
		{"shocked_sessions_total", nil, 1},
		{"shocked_trackers_active", map[string]string{"tracker": "g1"}, 1},
		{"shocked_tracker_creates_total", map[string]string{"tracker": "g1", "result": "ok"}, 1},
		{"shocked_tracker_creates_total", map[string]string{"tracker": "unknown", "result": "error"}, 1},
		{"shocked_api_calls_total", map[string]string{"tracker": "g1", "api": "increment", "result": "ok"}, 1},
		{"shocked_api_calls_total", map[string]string{"tracker": "g1", "api": "unknown", "result": "error"}, 1},
		{"shocked_api_duration_seconds", map[string]string{"tracker": "g1"}, 2},
		{"shocked_messages_received_total", map[string]string{"kind": "TRACKER_API"}, 2},
		{"shocked_messages_sent_total", map[string]string{"kind": "TRACKER_CREATE_NEW"}, 1},
		{"shocked_messages_sent_total", map[string]string{"kind": "TRACKER_API_RESPONSE"}, 2},
		{"shocked_protocol_errors_total", map[string]string{"type": "malformed"}, 1},
		{"shocked_protocol_errors_total", map[string]string{"type": "unknown_kind"}, 1},
	}
	for _, tt := range tests {
		if got := metricValue(t, reg, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}

	sess.Close()
	if got := metricValue(t, reg, "shocked_sessions_active", nil); got != 0 {
		t.Errorf("sessions_active after close = %v, want 0", got)
	}
	if got := metricValue(t, reg, "shocked_trackers_active", map[string]string{"tracker": "g1"}); got != 0 {
		t.Errorf("trackers_active after close = %v, want 0", got)
	}
}

func TestMetricsObserveDrop(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(WithRegistry(reg), WithNamespace("test"))

	d := channel.NewMemoryDriver(channel.Config{QueueSize: 1, OnDrop: metrics.ObserveDrop})
	inst := d.GetInstance(channel.Named("slow", "1"))
	block := make(chan struct{})
	sub := inst.Subscribe(func(channel.Event) { <-block })
	defer sub.Unsubscribe()
	defer close(block)

	for i := 0; i < 5; i++ {
		inst.Publish(channel.Event{Name: "tick", Data: i})
	}
	if got := metricValue(t, reg, "test_channel_events_dropped_total", nil); got < 3 {
		t.Fatalf("dropped = %v, want at least 3", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.sessionStarted()
	m.sessionClosed()
	m.trackerCreated("x", nil)
	m.trackerClosed("x")
	m.apiCalled("x", "y", "ok", 0)
	m.sendOverflow()
	m.protocolError("malformed")
	m.ObserveDrop(nil, channel.Event{})
}
