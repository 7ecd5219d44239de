package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client wraps paho.mqtt.golang for a single broker session.
//
// A Client never reconnects on its own. When the connection drops the
// OnDisconnect callback fires and the owner decides whether to build a
// new Client.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client pahomqtt.Client
	opts   Options

	connected bool
	connMu    sync.RWMutex

	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler is the callback signature for received messages.
//
// Handlers are invoked in separate goroutines by the paho library.
// They should not block for extended periods.
type MessageHandler func(topic string, payload []byte) error

// Connect establishes a connection to the MQTT broker.
//
// It performs the following setup:
//  1. Builds connection options (broker URL, auth, TLS)
//  2. Configures Last Will and Testament when a status topic is set
//  3. Attempts the connection, bounded by ctx and the connect timeout
//  4. Publishes a retained online status
//
// Parameters:
//   - ctx: Cancels the connection attempt
//   - opts: Broker session options
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: Wraps ErrConnectionFailed if the broker cannot be reached in time
func Connect(ctx context.Context, opts Options) (*Client, error) {
	popts := buildClientOptions(opts)
	configureLWT(popts, opts)

	c := &Client{opts: opts}

	popts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	c.client = pahomqtt.NewClient(popts)
	if err := waitToken(ctx, c.client.Connect(), opts.connectTimeout()); err != nil {
		// Stops paho's background goroutines if the attempt is still in flight.
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, opts.BrokerURL(), err)
	}

	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	if opts.StatusTopic != "" {
		token := c.client.Publish(opts.StatusTopic, 1, true, BuildStatusPayload("online", opts.ClientID, ""))
		if err := waitToken(ctx, token, opts.publishTimeout()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("publishing online status failed", "error", err)
			}
		}
	}

	return c, nil
}

// handleDisconnect is called by paho when the connection is lost.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// Close publishes a graceful offline status and disconnects.
//
// Returns:
//   - error: Always nil; a connection that is already gone is not an error
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}

	if c.IsConnected() && c.opts.StatusTopic != "" {
		token := c.client.Publish(c.opts.StatusTopic, 1, true,
			BuildStatusPayload("offline", c.opts.ClientID, "graceful_shutdown"))
		token.WaitTimeout(c.opts.publishTimeout())
	}

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	return nil
}

// HealthCheck reports whether the session is still up.
//
// This is a passive check. Callers wanting an end-to-end check publish a
// QoS 1 message and wait for the acknowledgement.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	if c == nil || c.client == nil {
		return false
	}
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// SetOnDisconnect sets a callback to be invoked when the connection is lost.
// It is not invoked by Close.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for handler errors and panics.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler wraps a MessageHandler with panic recovery and optional logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT handler returned error",
					"topic", msg.Topic(),
					"error", err,
				)
			}
		}
	}
}
