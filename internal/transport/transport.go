package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Errors shared by every transport implementation.
var (
	// ErrConnect is returned when a session cannot be established.
	ErrConnect = errors.New("transport: connect failed")

	// ErrSend is returned when a message could not be delivered after the
	// transport's own bounded retry.
	ErrSend = errors.New("transport: send failed")

	// ErrNotConnected is returned by Send and HealthCheck without a session.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrThrottled is returned when a best-effort message is dropped by a
	// transport's rate limit. It is not a link failure.
	ErrThrottled = errors.New("transport: message throttled")
)

// Kind classifies an outbound message. It selects the MQTT topic or the
// BCP message type, and the delivery guarantee.
type Kind int

const (
	// KindTelemetry is best effort: at most once, never retried across transports.
	KindTelemetry Kind = iota + 1
	// KindAlert is at least once: Send returns nil only after acknowledgement.
	KindAlert
	// KindResponse answers a command received from the hub.
	KindResponse
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindAlert:
		return "alert"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Message is one outbound payload. Body is UTF-8 JSON.
type Message struct {
	Kind Kind
	Body []byte
}

// Transport is the capability set the connectivity supervisor depends on.
// The primary (MQTT) and secondary (BLE) clients both implement it.
type Transport interface {
	// Name identifies the transport in logs and metrics ("primary", "secondary").
	Name() string

	// Connect establishes a session. It is bounded by ctx and the
	// transport's own connect timeout and wraps ErrConnect on failure.
	Connect(ctx context.Context) error

	// Send delivers one message. Alerts return only after acknowledgement.
	// Failures wrap ErrSend.
	Send(ctx context.Context, msg Message) error

	// HealthCheck performs an acknowledged roundtrip. A failure moves the
	// transport to Failed.
	HealthCheck(ctx context.Context) error

	// State returns the current session state.
	State() State

	// Close tears down the session. Connect may be called again afterwards.
	Close() error

	// SetOnFailure registers a callback invoked from the transport's own
	// goroutines when an established session is lost.
	SetOnFailure(fn func(err error))
}

// CommandHandler receives raw command payloads from the hub.
type CommandHandler func(payload []byte)

// CommandSource is implemented by transports that can receive hub commands.
type CommandSource interface {
	SetCommandHandler(h CommandHandler)
}

// StateCell holds a transport state. Only the owning client writes it.
type StateCell struct {
	v atomic.Int32
}

// Load returns the current state.
func (c *StateCell) Load() State { return State(c.v.Load()) }

// Store sets the state and returns the previous one.
func (c *StateCell) Store(s State) State { return State(c.v.Swap(int32(s))) }

// FailureNotifier stores the failure callback of a transport.
type FailureNotifier struct {
	mu sync.RWMutex
	fn func(error)
}

// Set replaces the callback.
func (n *FailureNotifier) Set(fn func(error)) {
	n.mu.Lock()
	n.fn = fn
	n.mu.Unlock()
}

// Notify invokes the callback if one is registered.
func (n *FailureNotifier) Notify(err error) {
	n.mu.RLock()
	fn := n.fn
	n.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// Logger defines the logging interface used by transports and the supervisor.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
