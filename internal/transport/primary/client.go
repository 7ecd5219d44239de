package primary

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/netbro-agent/internal/infrastructure/mqtt"
	"github.com/nerrad567/netbro-agent/internal/transport"
)

// Name is the transport name used in logs and metrics.
const Name = "primary"

// QoS levels per message kind.
const (
	qosTelemetry byte = 0
	qosAlert     byte = 1
	qosResponse  byte = 1
	qosCommands  byte = 1
	qosHeartbeat byte = 1
)

// Session is the subset of *mqtt.Client the transport needs.
type Session interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	Subscribe(ctx context.Context, topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
	SetOnDisconnect(callback func(err error))
	Close() error
}

// Dialer opens a broker session.
type Dialer func(ctx context.Context, opts mqtt.Options) (Session, error)

// MQTTDialer returns a Dialer backed by the paho client.
func MQTTDialer(logger mqtt.Logger) Dialer {
	return func(ctx context.Context, opts mqtt.Options) (Session, error) {
		c, err := mqtt.Connect(ctx, opts)
		if err != nil {
			return nil, err
		}
		if logger != nil {
			c.SetLogger(logger)
		}
		return c, nil
	}
}

// Config configures the primary transport.
type Config struct {
	AgentID string

	// Broker holds host, port, credentials and timeouts. ClientID and
	// StatusTopic are filled in from AgentID when empty.
	Broker mqtt.Options

	// ReconnectDelay is the wait before the single reconnect after a failed send.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps ReconnectDelay, normally the connectivity check interval.
	MaxReconnectDelay time.Duration
}

// Client is the MQTT primary transport.
//
// On a failed send it makes exactly one reconnect attempt after a bounded
// delay and retries once. Anything beyond that is the supervisor's call.
type Client struct {
	cfg    Config
	dial   Dialer
	topics mqtt.Topics
	logger transport.Logger

	state   transport.StateCell
	failure transport.FailureNotifier

	mu      sync.Mutex
	session Session
	gen     uint64

	cmdMu     sync.RWMutex
	onCommand transport.CommandHandler
}

// New creates a primary transport. It does not connect.
func New(cfg Config, dial Dialer, logger transport.Logger) *Client {
	if logger == nil {
		logger = transport.NopLogger{}
	}
	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = "berry_agent_" + cfg.AgentID
	}
	topics := mqtt.Topics{AgentID: cfg.AgentID}
	if cfg.Broker.StatusTopic == "" {
		cfg.Broker.StatusTopic = topics.Status()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay > 0 && cfg.ReconnectDelay > cfg.MaxReconnectDelay {
		cfg.ReconnectDelay = cfg.MaxReconnectDelay
	}

	return &Client{
		cfg:    cfg,
		dial:   dial,
		topics: topics,
		logger: logger,
	}
}

// Name implements transport.Transport.
func (c *Client) Name() string { return Name }

// State implements transport.Transport.
func (c *Client) State() transport.State { return c.state.Load() }

// Broker returns the broker address this client connects to.
func (c *Client) Broker() string {
	return fmt.Sprintf("%s:%d", c.cfg.Broker.Host, c.cfg.Broker.Port)
}

// SetOnFailure implements transport.Transport.
func (c *Client) SetOnFailure(fn func(err error)) { c.failure.Set(fn) }

// SetCommandHandler implements transport.CommandSource.
func (c *Client) SetCommandHandler(h transport.CommandHandler) {
	c.cmdMu.Lock()
	c.onCommand = h
	c.cmdMu.Unlock()
}

// Connect opens a broker session and subscribes to the agent's command topic.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && c.session.IsConnected() {
		return nil
	}
	return c.connectLocked(ctx)
}

// connectLocked replaces the current session. c.mu must be held.
func (c *Client) connectLocked(ctx context.Context) error {
	if c.session != nil {
		c.session.Close() //nolint:errcheck // replacing a dead session
		c.session = nil
	}
	c.gen++
	gen := c.gen

	c.state.Store(transport.StateConnecting)

	s, err := c.dial(ctx, c.cfg.Broker)
	if err != nil {
		c.state.Store(transport.StateFailed)
		return fmt.Errorf("%w: %s: %w", transport.ErrConnect, c.Broker(), err)
	}

	s.SetOnDisconnect(func(err error) {
		c.handleLost(gen, err)
	})

	if err := s.Subscribe(ctx, c.topics.Commands(), qosCommands, c.handleCommand); err != nil {
		s.Close() //nolint:errcheck // already failing
		c.state.Store(transport.StateFailed)
		return fmt.Errorf("%w: subscribing to commands: %w", transport.ErrConnect, err)
	}

	c.session = s
	c.state.Store(transport.StateConnected)
	c.logger.Info("primary transport connected", "broker", c.Broker(), "client_id", c.cfg.Broker.ClientID)
	return nil
}

// handleLost runs on a paho goroutine when a session drops.
func (c *Client) handleLost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.session == nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.state.Store(transport.StateFailed)
	c.logger.Warn("primary transport connection lost", "broker", c.Broker(), "error", err)
	c.failure.Notify(fmt.Errorf("%w: connection lost: %w", transport.ErrNotConnected, err))
}

func (c *Client) handleCommand(_ string, payload []byte) error {
	c.cmdMu.RLock()
	h := c.onCommand
	c.cmdMu.RUnlock()
	if h != nil {
		h(payload)
	}
	return nil
}

func (c *Client) current() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) route(kind transport.Kind) (string, byte, error) {
	switch kind {
	case transport.KindTelemetry:
		return c.topics.Telemetry(), qosTelemetry, nil
	case transport.KindAlert:
		return c.topics.Alerts(), qosAlert, nil
	case transport.KindResponse:
		return c.topics.Responses(), qosResponse, nil
	default:
		return "", 0, fmt.Errorf("%w: unsupported message kind %d", transport.ErrSend, kind)
	}
}

func (c *Client) publish(ctx context.Context, topic string, qos byte, body []byte, retained bool) error {
	s := c.current()
	if s == nil {
		return transport.ErrNotConnected
	}
	return s.Publish(ctx, topic, body, qos, retained)
}

// Send implements transport.Transport.
//
// Alerts use QoS 1 and return only after PUBACK. Telemetry uses QoS 0.
func (c *Client) Send(ctx context.Context, msg transport.Message) error {
	topic, qos, err := c.route(msg.Kind)
	if err != nil {
		return err
	}

	err = c.publish(ctx, topic, qos, msg.Body, false)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", transport.ErrSend, ctx.Err())
	}

	c.state.Store(transport.StateDegraded)
	c.logger.Warn("primary publish failed, reconnecting once",
		"kind", msg.Kind.String(),
		"delay", c.cfg.ReconnectDelay,
		"error", err,
	)

	if rerr := c.reconnect(ctx); rerr != nil {
		c.state.Store(transport.StateFailed)
		return fmt.Errorf("%w: %w (reconnect: %w)", transport.ErrSend, err, rerr)
	}
	if err := c.publish(ctx, topic, qos, msg.Body, false); err != nil {
		c.state.Store(transport.StateFailed)
		return fmt.Errorf("%w: after reconnect: %w", transport.ErrSend, err)
	}
	return nil
}

// reconnect waits the bounded delay then makes one connection attempt.
func (c *Client) reconnect(ctx context.Context) error {
	timer := time.NewTimer(c.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// HealthCheck republishes the retained online status at QoS 1 and waits
// for the broker acknowledgement. A silently dead connection fails here.
func (c *Client) HealthCheck(ctx context.Context) error {
	s := c.current()
	if s == nil || !s.IsConnected() {
		c.state.Store(transport.StateFailed)
		return fmt.Errorf("primary health check: %w", transport.ErrNotConnected)
	}

	body := mqtt.BuildStatusPayload("online", c.cfg.Broker.ClientID, "")
	if err := s.Publish(ctx, c.topics.Status(), body, qosHeartbeat, true); err != nil {
		c.state.Store(transport.StateFailed)
		return fmt.Errorf("primary health check: %w", err)
	}

	if c.state.Load() == transport.StateDegraded {
		c.state.Store(transport.StateConnected)
	}
	return nil
}

// Close implements transport.Transport. It publishes a graceful offline
// status through the session and forgets it.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.gen++
	c.mu.Unlock()

	c.state.Store(transport.StateUnknown)
	if s == nil {
		return nil
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("closing primary session: %w", err)
	}
	return nil
}

var (
	_ transport.Transport     = (*Client)(nil)
	_ transport.CommandSource = (*Client)(nil)
)
