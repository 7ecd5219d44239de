package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

var states = []string{"UNCONFIGURED", "DISCOVERING", "PRIMARY_ACTIVE", "SECONDARY_ACTIVE", "RECOVERING"}

func TestStateGauge(t *testing.T) {
	m := New(states)

	if got := testutil.ToFloat64(m.state.WithLabelValues("UNCONFIGURED")); got != 1 {
		t.Fatalf("initial state gauge = %v, want 1", got)
	}

	m.StateChanged("UNCONFIGURED", "PRIMARY_ACTIVE")
	m.StateChanged("PRIMARY_ACTIVE", "SECONDARY_ACTIVE")

	if got := testutil.ToFloat64(m.state.WithLabelValues("SECONDARY_ACTIVE")); got != 1 {
		t.Errorf("SECONDARY_ACTIVE = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.state.WithLabelValues("PRIMARY_ACTIVE")); got != 0 {
		t.Errorf("PRIMARY_ACTIVE = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("PRIMARY_ACTIVE", "SECONDARY_ACTIVE")); got != 1 {
		t.Errorf("transitions = %v, want 1", got)
	}
}

func TestCounters(t *testing.T) {
	m := New(states)

	m.TelemetrySent("primary")
	m.TelemetrySent("primary")
	m.TelemetryDropped("throttled")
	m.AlertDelivered("secondary")
	m.AlertRejected()
	m.QueueLength(4)

	if got := testutil.ToFloat64(m.telemetrySent.WithLabelValues("primary")); got != 2 {
		t.Errorf("telemetry sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.telemetryDropped.WithLabelValues("throttled")); got != 1 {
		t.Errorf("telemetry dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.alertsDelivered.WithLabelValues("secondary")); got != 1 {
		t.Errorf("alerts delivered = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.alertsRejected); got != 1 {
		t.Errorf("alerts rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.queueLength); got != 4 {
		t.Errorf("queue length = %v, want 4", got)
	}
}

func TestHandler(t *testing.T) {
	m := New(states)
	m.AlertRejected()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{"netbro_alerts_rejected_total 1", `netbro_connectivity_state{state="UNCONFIGURED"} 1`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
