package secondary

import (
	"context"
	"fmt"
)

// Channel is a logical data path on the link. The BLE implementation maps
// each one to a GATT characteristic of the companion receiver.
type Channel int

const (
	ChannelTelemetry Channel = iota + 1
	ChannelAlerts
	ChannelCommands
	ChannelResponses
	ChannelMetadata
	ChannelKeyExchange
)

// String returns the channel name.
func (c Channel) String() string {
	switch c {
	case ChannelTelemetry:
		return "telemetry"
	case ChannelAlerts:
		return "alerts"
	case ChannelCommands:
		return "commands"
	case ChannelResponses:
		return "responses"
	case ChannelMetadata:
		return "metadata"
	case ChannelKeyExchange:
		return "key_exchange"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Link is a short-range, connection-oriented byte pipe to the companion
// receiver. It carries opaque frames; encryption happens above it.
type Link interface {
	// Connect finds the receiver advertising peerName and connects to it.
	Connect(ctx context.Context, peerName string) error

	// Advertise makes the agent discoverable under name.
	Advertise(name string) error

	// Write sends one frame on a channel.
	Write(ctx context.Context, ch Channel, data []byte) error

	// Read returns the current value of a channel.
	Read(ctx context.Context, ch Channel) ([]byte, error)

	// Subscribe delivers frames the receiver pushes on a channel.
	Subscribe(ch Channel, fn func(data []byte)) error

	// SetOnDisconnect registers a callback for link loss.
	SetOnDisconnect(fn func(err error))

	// Close disconnects and stops advertising.
	Close() error
}
