package secondary

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nerrad567/netbro-agent/internal/transport"
	"github.com/nerrad567/netbro-agent/internal/transport/secondary/bcp"
)

// Name is the transport name used in logs and metrics.
const Name = "secondary"

const (
	defaultConnectTimeout   = 15 * time.Second
	defaultAckTimeout       = 10 * time.Second
	defaultTelemetryEvery   = 5 * time.Second
	keyExchangePollInterval = 100 * time.Millisecond
)

// errAckTimeout is returned when the receiver never acknowledged a frame.
var errAckTimeout = errors.New("secondary: no acknowledgement from receiver")

// Config configures the secondary transport.
type Config struct {
	AgentID string

	// PeerName is the companion receiver's advertised name (ble_server_name).
	PeerName string

	ConnectTimeout time.Duration
	AckTimeout     time.Duration

	// TelemetryRate limits best-effort telemetry on the low-bandwidth link.
	// Zero means one sample every five seconds.
	TelemetryRate  rate.Limit
	TelemetryBurst int

	// Advertise makes the agent discoverable as "<PeerName>-<AgentID>".
	Advertise bool
}

type ackResult struct {
	status byte
	err    error
}

// Client is the encrypted BLE fallback transport.
//
// Alerts and heartbeats wait for the receiver's encrypted acknowledgement.
// Telemetry and command responses are written once without waiting.
type Client struct {
	cfg     Config
	link    Link
	logger  transport.Logger
	limiter *rate.Limiter

	state   transport.StateCell
	failure transport.FailureNotifier

	mu      sync.Mutex
	session *bcp.Session
	seq     uint32
	pending map[uint32]chan ackResult
	gen     uint64

	// writeMu serialises link writes.
	writeMu sync.Mutex

	cmdMu     sync.RWMutex
	onCommand transport.CommandHandler
}

// New creates a secondary transport over link. It does not connect.
func New(cfg Config, link Link, logger transport.Logger) *Client {
	if logger == nil {
		logger = transport.NopLogger{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.TelemetryRate <= 0 {
		cfg.TelemetryRate = rate.Every(defaultTelemetryEvery)
	}
	if cfg.TelemetryBurst <= 0 {
		cfg.TelemetryBurst = 1
	}

	return &Client{
		cfg:     cfg,
		link:    link,
		logger:  logger,
		limiter: rate.NewLimiter(cfg.TelemetryRate, cfg.TelemetryBurst),
		pending: make(map[uint32]chan ackResult),
	}
}

// Name implements transport.Transport.
func (c *Client) Name() string { return Name }

// State implements transport.Transport.
func (c *Client) State() transport.State { return c.state.Load() }

// SetOnFailure implements transport.Transport.
func (c *Client) SetOnFailure(fn func(err error)) { c.failure.Set(fn) }

// SetCommandHandler implements transport.CommandSource.
func (c *Client) SetCommandHandler(h transport.CommandHandler) {
	c.cmdMu.Lock()
	c.onCommand = h
	c.cmdMu.Unlock()
}

// AdvertisedName is the name the agent advertises itself under.
func (c *Client) AdvertisedName() string {
	return c.cfg.PeerName + "-" + c.cfg.AgentID
}

// Connect links to the receiver, runs the key exchange and subscribes to
// acknowledgements and commands.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.session != nil && c.state.Load().Usable() {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.session = nil
	c.mu.Unlock()

	c.state.Store(transport.StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	session, err := c.handshake(ctx, gen)
	if err != nil {
		c.link.Close() //nolint:errcheck // already failing
		c.state.Store(transport.StateFailed)
		return fmt.Errorf("%w: %s: %w", transport.ErrConnect, c.cfg.PeerName, err)
	}

	c.mu.Lock()
	c.session = session
	c.seq = 0
	c.mu.Unlock()

	c.state.Store(transport.StateConnected)
	c.logger.Info("secondary transport connected", "peer", c.cfg.PeerName)
	return nil
}

func (c *Client) handshake(ctx context.Context, gen uint64) (*bcp.Session, error) {
	c.link.SetOnDisconnect(func(err error) {
		c.handleLost(gen, err)
	})

	if err := c.link.Connect(ctx, c.cfg.PeerName); err != nil {
		return nil, err
	}

	kp, err := bcp.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := c.link.Write(ctx, ChannelKeyExchange, kp.Packet(0)); err != nil {
		return nil, fmt.Errorf("sending key exchange: %w", err)
	}

	session, err := c.awaitPeerKey(ctx, kp)
	if err != nil {
		return nil, err
	}

	if err := c.link.Subscribe(ChannelResponses, func(data []byte) { c.handleResponse(gen, data) }); err != nil {
		return nil, fmt.Errorf("subscribing to responses: %w", err)
	}
	if err := c.link.Subscribe(ChannelCommands, func(data []byte) { c.handleCommand(gen, data) }); err != nil {
		return nil, fmt.Errorf("subscribing to commands: %w", err)
	}

	if c.cfg.Advertise {
		if err := c.link.Advertise(c.AdvertisedName()); err != nil {
			c.logger.Warn("secondary advertising failed", "name", c.AdvertisedName(), "error", err)
		}
	}
	return session, nil
}

// awaitPeerKey polls the key exchange channel until the receiver has
// published its half of the exchange. Our own packet read back from the
// characteristic is skipped.
func (c *Client) awaitPeerKey(ctx context.Context, kp *bcp.KeyPair) (*bcp.Session, error) {
	for {
		pkt, err := c.link.Read(ctx, ChannelKeyExchange)
		if err != nil {
			return nil, fmt.Errorf("reading key exchange: %w", err)
		}
		if len(pkt) >= bcp.KeyExchangeSize && !kp.IsOwn(pkt) {
			return kp.Session(pkt, bcp.RoleAgent)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receiver key: %w", ctx.Err())
		case <-time.After(keyExchangePollInterval):
		}
	}
}

func (c *Client) activeSession(gen uint64) *bcp.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return nil
	}
	return c.session
}

func (c *Client) handleResponse(gen uint64, data []byte) {
	s := c.activeSession(gen)
	if s == nil {
		return
	}
	ack, err := bcp.OpenAck(s, data)
	if err != nil {
		c.logger.Warn("rejected secondary response frame", "error", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[ack.Seq]
	delete(c.pending, ack.Seq)
	c.mu.Unlock()

	if ok {
		ch <- ackResult{status: ack.Status}
	}
}

func (c *Client) handleCommand(gen uint64, data []byte) {
	s := c.activeSession(gen)
	if s == nil {
		return
	}
	_, body, err := s.Open(bcp.TypeCommand, data)
	if err != nil {
		c.logger.Warn("rejected secondary command frame", "error", err)
		return
	}

	c.cmdMu.RLock()
	h := c.onCommand
	c.cmdMu.RUnlock()
	if h != nil {
		h(body)
	}
}

func (c *Client) handleLost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.session == nil {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.failPendingLocked(transport.ErrNotConnected)
	c.mu.Unlock()

	c.state.Store(transport.StateFailed)
	c.logger.Warn("secondary link lost", "peer", c.cfg.PeerName, "error", err)
	c.failure.Notify(fmt.Errorf("%w: link lost: %w", transport.ErrNotConnected, err))
}

// failPendingLocked releases every waiter. c.mu must be held.
func (c *Client) failPendingLocked(err error) {
	for seq, ch := range c.pending {
		ch <- ackResult{err: err}
		delete(c.pending, seq)
	}
}

// next reserves a sequence number, optionally registering an ack waiter.
func (c *Client) next(wantAck bool) (*bcp.Session, uint32, chan ackResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil, 0, nil, transport.ErrNotConnected
	}
	c.seq++
	var wait chan ackResult
	if wantAck {
		wait = make(chan ackResult, 1)
		c.pending[c.seq] = wait
	}
	return c.session, c.seq, wait, nil
}

func (c *Client) forget(seq uint32) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Client) write(ctx context.Context, ch Channel, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.link.Write(ctx, ch, frame)
}

// roundtrip sends a frame and waits for its acknowledgement. An ack
// timeout is followed by one resend of the identical frame.
func (c *Client) roundtrip(ctx context.Context, ch Channel, t bcp.MessageType, body []byte) error {
	s, seq, wait, err := c.next(true)
	if err != nil {
		return err
	}
	defer c.forget(seq)

	frame, err := s.Seal(t, seq, body)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := c.write(ctx, ch, frame); err != nil {
			return fmt.Errorf("writing %s frame: %w", t, err)
		}

		timer := time.NewTimer(c.cfg.AckTimeout)
		select {
		case res := <-wait:
			timer.Stop()
			if res.err != nil {
				return res.err
			}
			if res.status != bcp.StatusOK {
				return fmt.Errorf("receiver rejected %s frame: status 0x%02x", t, res.status)
			}
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			c.state.Store(transport.StateDegraded)
			c.logger.Warn("secondary ack timeout", "type", t.String(), "seq", seq, "attempt", attempt+1)
		}
	}
	return errAckTimeout
}

// fireAndForget seals and writes a frame without waiting for an ack.
func (c *Client) fireAndForget(ctx context.Context, ch Channel, t bcp.MessageType, body []byte) error {
	s, seq, _, err := c.next(false)
	if err != nil {
		return err
	}
	frame, err := s.Seal(t, seq, body)
	if err != nil {
		return err
	}
	return c.write(ctx, ch, frame)
}

// Send implements transport.Transport.
//
// Telemetry beyond the configured rate returns transport.ErrThrottled.
func (c *Client) Send(ctx context.Context, msg transport.Message) error {
	if !c.state.Load().Usable() {
		return fmt.Errorf("%w: %w", transport.ErrSend, transport.ErrNotConnected)
	}

	var err error
	switch msg.Kind {
	case transport.KindTelemetry:
		if !c.limiter.Allow() {
			return transport.ErrThrottled
		}
		err = c.fireAndForget(ctx, ChannelTelemetry, bcp.TypeTelemetry, msg.Body)
	case transport.KindAlert:
		err = c.roundtrip(ctx, ChannelAlerts, bcp.TypeAlert, msg.Body)
	case transport.KindResponse:
		err = c.fireAndForget(ctx, ChannelResponses, bcp.TypeResponse, msg.Body)
	default:
		return fmt.Errorf("%w: unsupported message kind %d", transport.ErrSend, msg.Kind)
	}

	if err != nil {
		if ctx.Err() == nil {
			c.state.Store(transport.StateFailed)
		}
		return fmt.Errorf("%w: %s: %w", transport.ErrSend, msg.Kind, err)
	}
	if c.state.Load() == transport.StateDegraded {
		c.state.Store(transport.StateConnected)
	}
	return nil
}

// HealthCheck sends an encrypted heartbeat and waits for the ack.
func (c *Client) HealthCheck(ctx context.Context) error {
	body := make([]byte, 5)
	binary.BigEndian.PutUint32(body, uint32(time.Now().Unix()))
	body[4] = bcp.StatusOK

	if err := c.roundtrip(ctx, ChannelMetadata, bcp.TypeHeartbeat, body); err != nil {
		if ctx.Err() == nil {
			c.state.Store(transport.StateFailed)
		}
		return fmt.Errorf("secondary health check: %w", err)
	}
	if c.state.Load() == transport.StateDegraded {
		c.state.Store(transport.StateConnected)
	}
	return nil
}

// Close implements transport.Transport.
func (c *Client) Close() error {
	c.mu.Lock()
	c.gen++
	wasOpen := c.session != nil
	c.session = nil
	c.failPendingLocked(transport.ErrNotConnected)
	c.mu.Unlock()

	c.state.Store(transport.StateUnknown)
	if !wasOpen {
		return nil
	}
	if err := c.link.Close(); err != nil {
		return fmt.Errorf("closing secondary link: %w", err)
	}
	c.logger.Info("secondary transport closed", "peer", c.cfg.PeerName)
	return nil
}

var (
	_ transport.Transport     = (*Client)(nil)
	_ transport.CommandSource = (*Client)(nil)
)
