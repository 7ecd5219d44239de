package transport

import (
	"errors"
	"testing"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state  State
		want   string
		usable bool
	}{
		{StateUnknown, "unknown", false},
		{StateConnecting, "connecting", false},
		{StateConnected, "connected", true},
		{StateDegraded, "degraded", true},
		{StateFailed, "failed", false},
		{State(42), "invalid", false},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			if got := tt.state.Usable(); got != tt.usable {
				t.Errorf("Usable() = %v, want %v", got, tt.usable)
			}
		})
	}
}

func TestStateCell(t *testing.T) {
	var cell StateCell
	if cell.Load() != StateUnknown {
		t.Fatalf("zero cell = %v, want unknown", cell.Load())
	}
	if prev := cell.Store(StateConnecting); prev != StateUnknown {
		t.Errorf("Store() previous = %v, want unknown", prev)
	}
	if prev := cell.Store(StateConnected); prev != StateConnecting {
		t.Errorf("Store() previous = %v, want connecting", prev)
	}
	if cell.Load() != StateConnected {
		t.Errorf("Load() = %v, want connected", cell.Load())
	}
}

func TestFailureNotifier(t *testing.T) {
	var n FailureNotifier
	n.Notify(errors.New("ignored without callback"))

	var got error
	n.Set(func(err error) { got = err })
	want := errors.New("link lost")
	n.Notify(want)

	if !errors.Is(got, want) {
		t.Errorf("callback got %v, want %v", got, want)
	}
}

func TestKindString(t *testing.T) {
	if KindTelemetry.String() != "telemetry" || KindAlert.String() != "alert" || KindResponse.String() != "response" {
		t.Error("unexpected kind names")
	}
	if Kind(0).String() != "unknown" {
		t.Error("zero kind should be unknown")
	}
}
