package ble

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nerrad567/netbro-agent/internal/transport/secondary"
)

func TestChannelUUIDs(t *testing.T) {
	channels := []secondary.Channel{
		secondary.ChannelTelemetry,
		secondary.ChannelAlerts,
		secondary.ChannelCommands,
		secondary.ChannelResponses,
		secondary.ChannelMetadata,
		secondary.ChannelKeyExchange,
	}

	seen := make(map[string]bool)
	for _, ch := range channels {
		u, ok := channelUUIDs[ch]
		if !ok {
			t.Fatalf("no characteristic for %s", ch)
		}
		s := u.String()
		if !strings.HasSuffix(s, "-90a1-11ec-b909-0242ac120002") {
			t.Errorf("%s UUID %s outside the receiver service range", ch, s)
		}
		if seen[s] {
			t.Errorf("duplicate UUID %s", s)
		}
		seen[s] = true
	}
	if seen[ServiceUUID.String()] {
		t.Error("characteristic reuses the service UUID")
	}
}

func TestOperationsWithoutConnection(t *testing.T) {
	l := New(0)
	ctx := context.Background()

	if err := l.Write(ctx, secondary.ChannelAlerts, []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write() = %v, want ErrNotConnected", err)
	}
	if _, err := l.Read(ctx, secondary.ChannelKeyExchange); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Read() = %v, want ErrNotConnected", err)
	}
	if err := l.Subscribe(secondary.ChannelResponses, func([]byte) {}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() = %v, want ErrNotConnected", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := l.Write(cancelled, secondary.ChannelAlerts, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Write(cancelled) = %v", err)
	}
}
