package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/netbro-agent/internal/alert"
	"github.com/nerrad567/netbro-agent/internal/resolve"
	"github.com/nerrad567/netbro-agent/internal/telemetry"
	"github.com/nerrad567/netbro-agent/internal/transport"
)

// ErrStopped is returned by Alert once Run has returned.
var ErrStopped = errors.New("supervisor: stopped")

const (
	failureBuffer = 8
	commandBuffer = 8
)

// Resolver produces the connectivity configuration. Errors wrapping
// resolve.ErrConfiguration keep the supervisor in StateUnconfigured.
type Resolver func(ctx context.Context) (resolve.ConnectivityConfig, error)

// PrimaryFactory builds a primary transport for a broker. It is called
// again whenever rediscovery moves the broker.
type PrimaryFactory func(cfg resolve.ConnectivityConfig) transport.Transport

// Sampler produces telemetry samples.
type Sampler interface {
	Sample(ctx context.Context) telemetry.Sample
}

// CommandHandler turns a raw hub command into a response body. A nil
// body means no response.
type CommandHandler interface {
	Handle(ctx context.Context, payload []byte) ([]byte, error)
}

// Policy holds the retry and queue limits.
type Policy struct {
	// MaxConnectAttempts bounds primary connects in StateDiscovering.
	MaxConnectAttempts int

	// InitialBackoff is the first wait between connect attempts. It
	// doubles per attempt, capped at the connectivity check interval.
	InitialBackoff time.Duration

	// ConfigRetryInterval is the wait between resolution attempts while
	// unconfigured.
	ConfigRetryInterval time.Duration

	DiscoveryTimeout time.Duration
	QueueCapacity    int
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxConnectAttempts:  3,
		InitialBackoff:      time.Second,
		ConfigRetryInterval: 30 * time.Second,
		DiscoveryTimeout:    10 * time.Second,
		QueueCapacity:       DefaultQueueCapacity,
	}
}

// Deps are the collaborators of a Supervisor. Resolve, NewPrimary and
// Sampler are required.
type Deps struct {
	Resolve    Resolver
	NewPrimary PrimaryFactory

	// Secondary is nil when the fallback link is disabled.
	Secondary transport.Transport

	// Discoverer is used to follow a broker that moved. Nil disables it.
	Discoverer resolve.Discoverer

	Sampler  Sampler
	Commands CommandHandler

	// Outbox mirrors the delivery queue on disk. Nil keeps it in memory.
	Outbox alert.Outbox

	Observer Observer
	Logger   transport.Logger
}

// Snapshot is a point-in-time view of the supervisor.
type Snapshot struct {
	State           State             `json:"state"`
	ActiveTransport string            `json:"active_transport,omitempty"`
	Broker          string            `json:"broker,omitempty"`
	AgentID         string            `json:"agent_id,omitempty"`
	QueueLength     int               `json:"queue_length"`
	LastTransition  time.Time         `json:"last_transition"`
	LastSample      *telemetry.Sample `json:"last_sample,omitempty"`
}

type failure struct {
	t   transport.Transport
	err error
}

// Supervisor is the connectivity state machine. A single goroutine, Run,
// owns the state and the active transport and is the only consumer of the
// delivery queue. Producers append to the queue directly and wake the loop;
// everything else talks to it through channels.
type Supervisor struct {
	policy   Policy
	deps     Deps
	logger   transport.Logger
	observer Observer
	now      func() time.Time

	wake     chan struct{}
	failures chan failure
	commands chan []byte
	stopped  chan struct{}

	mu   sync.RWMutex
	snap Snapshot

	// intake keeps the queue and the outbox in the same order.
	intake sync.Mutex
	queue  *deliveryQueue

	// Owned by Run.
	cfg            resolve.ConnectivityConfig
	configured     bool
	state          State
	primary        transport.Transport
	active         transport.Transport
	lastTransition time.Time
	lastSample     *telemetry.Sample
}

// New creates a supervisor. It does nothing until Run is called.
func New(policy Policy, deps Deps) *Supervisor {
	def := DefaultPolicy()
	if policy.MaxConnectAttempts <= 0 {
		policy.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.ConfigRetryInterval <= 0 {
		policy.ConfigRetryInterval = def.ConfigRetryInterval
	}
	if policy.DiscoveryTimeout <= 0 {
		policy.DiscoveryTimeout = def.DiscoveryTimeout
	}

	s := &Supervisor{
		policy:   policy,
		deps:     deps,
		logger:   deps.Logger,
		observer: deps.Observer,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		failures: make(chan failure, failureBuffer),
		commands: make(chan []byte, commandBuffer),
		stopped:  make(chan struct{}),
		queue:    newDeliveryQueue(policy.QueueCapacity),
		state:    StateUnconfigured,
	}
	if s.logger == nil {
		s.logger = transport.NopLogger{}
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	s.lastTransition = s.now()
	s.snap = Snapshot{State: StateUnconfigured, LastTransition: s.lastTransition}

	if deps.Secondary != nil {
		s.attach(deps.Secondary)
	}
	return s
}

// Snapshot returns the latest published view. Safe for concurrent use.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Alert queues an alert for delivery. It returns once the event is queued,
// not when it is delivered; delivery is retried across transport switches
// until acknowledged. It never waits on transport I/O. A full queue
// returns ErrQueueFull.
func (s *Supervisor) Alert(ctx context.Context, ev alert.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	select {
	case <-s.stopped:
		return ErrStopped
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.intake.Lock()
	n, err := s.queue.enqueue(ev)
	if err == nil && s.deps.Outbox != nil {
		// The event is queued; persisting it must not depend on the caller.
		if perr := s.deps.Outbox.Append(context.WithoutCancel(ctx), ev); perr != nil {
			s.logger.Warn("persisting alert failed", "id", ev.ID.String(), "error", perr)
		}
	}
	s.intake.Unlock()

	if err != nil {
		s.observer.AlertRejected()
		s.logger.Warn("alert rejected", "alert_type", string(ev.Type), "error", err)
		return err
	}

	s.mu.Lock()
	s.snap.QueueLength = n
	s.mu.Unlock()
	s.observer.QueueLength(n)

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the state machine until ctx is cancelled, then closes every
// transport. It returns nil on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.stopped)
	defer s.shutdown()

	s.restoreOutbox(ctx)
	s.publish()

	for !s.configure(ctx) {
		timer := time.NewTimer(s.policy.ConfigRetryInterval)
		ok := s.idle(ctx, timer.C)
		timer.Stop()
		if !ok {
			return nil
		}
	}

	s.start(ctx)
	s.publish()

	check := time.NewTicker(s.cfg.ConnectivityCheckInterval)
	defer check.Stop()

	samples := make(chan telemetry.Sample, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sampleLoop(ctx, samples)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
			s.flush(ctx)
		case smp := <-samples:
			s.handleSample(ctx, smp)
		case <-check.C:
			s.check(ctx)
		case f := <-s.failures:
			s.handleFailure(ctx, f)
		case p := <-s.commands:
			s.handleCommand(ctx, p)
		}
		s.publish()
	}
}

// idle waits for the retry timer while unconfigured. Alerts keep queueing.
func (s *Supervisor) idle(ctx context.Context, until <-chan time.Time) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-until:
			return true
		case <-s.wake:
			s.publish()
		case <-s.failures:
		case <-s.commands:
		}
	}
}

func (s *Supervisor) configure(ctx context.Context) bool {
	cfg, err := s.deps.Resolve(ctx)
	if errors.Is(err, resolve.ErrPersist) {
		s.logger.Warn("resolved record not saved, running with it anyway", "error", err)
		err = nil
	}
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("configuration unresolved, will retry",
				"error", err,
				"retry_in", s.policy.ConfigRetryInterval,
			)
		}
		return false
	}

	s.cfg = cfg
	s.configured = true
	s.logger.Info("configuration resolved",
		"broker", cfg.Broker.String(),
		"agent_id", cfg.AgentID,
		"auto_discover", cfg.AutoDiscover,
	)
	return true
}

func (s *Supervisor) restoreOutbox(ctx context.Context) {
	if s.deps.Outbox == nil {
		return
	}
	pending, err := s.deps.Outbox.Pending(ctx)
	if err != nil {
		s.logger.Warn("reading alert outbox failed", "error", err)
		return
	}
	if dropped := s.queue.restore(pending); dropped > 0 {
		s.logger.Warn("alert outbox exceeds queue capacity", "pending", len(pending), "dropped", dropped, "capacity", s.queue.cap)
	}
	if n := s.queue.len(); n > 0 {
		s.logger.Info("restored undelivered alerts", "count", n)
	}
}

func (s *Supervisor) sampleLoop(ctx context.Context, out chan<- telemetry.Sample) {
	ticker := time.NewTicker(s.cfg.TelemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		smp := s.deps.Sampler.Sample(ctx)
		select {
		case out <- smp:
		case <-ctx.Done():
			return
		default:
			s.observer.TelemetryDropped("busy")
		}
	}
}

// flush delivers queued alerts in order over the active transport. A
// primary failure fails over to secondary, which continues the flush;
// a secondary failure leaves the rest queued.
func (s *Supervisor) flush(ctx context.Context) {
	for {
		ev, ok := s.queue.peek()
		if !ok || s.active == nil || ctx.Err() != nil {
			return
		}

		body, err := ev.Body()
		if err != nil {
			s.logger.Error("dropping unencodable alert", "id", ev.ID.String(), "error", err)
			s.dequeue(ctx, ev)
			continue
		}

		t := s.active
		if err := s.send(ctx, t, transport.KindAlert, body); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("alert delivery failed",
				"transport", t.Name(),
				"queued", s.queue.len(),
				"error", err,
			)
			if t == s.primary && s.state == StatePrimaryActive {
				s.failover(ctx, err)
			} else {
				s.active = nil
			}
			return
		}

		s.dequeue(ctx, ev)
		s.observer.AlertDelivered(t.Name())
		s.logger.Debug("alert delivered", "transport", t.Name(), "alert_type", string(ev.Type))
	}
}

// dequeue drops the acknowledged head. Holding intake means a concurrent
// Alert has finished persisting before the outbox row is removed.
func (s *Supervisor) dequeue(ctx context.Context, ev alert.Event) {
	s.intake.Lock()
	defer s.intake.Unlock()
	s.queue.pop()
	if s.deps.Outbox != nil {
		if err := s.deps.Outbox.Remove(ctx, ev.ID); err != nil {
			s.logger.Warn("removing alert from outbox failed", "id", ev.ID.String(), "error", err)
		}
	}
}

func (s *Supervisor) handleSample(ctx context.Context, smp telemetry.Sample) {
	s.lastSample = &smp

	t := s.active
	if t == nil {
		s.observer.TelemetryDropped("no_transport")
		return
	}
	body, err := json.Marshal(smp)
	if err != nil {
		s.observer.TelemetryDropped("encode")
		return
	}

	err = s.send(ctx, t, transport.KindTelemetry, body)
	switch {
	case err == nil:
		s.observer.TelemetrySent(t.Name())
	case errors.Is(err, transport.ErrThrottled):
		s.observer.TelemetryDropped("throttled")
	default:
		s.observer.TelemetryDropped("send_failed")
		s.logger.Debug("telemetry dropped", "transport", t.Name(), "error", err)
		if ctx.Err() == nil && t == s.primary && s.state == StatePrimaryActive {
			s.failover(ctx, err)
		}
	}
}

func (s *Supervisor) handleCommand(ctx context.Context, payload []byte) {
	if s.deps.Commands == nil {
		return
	}
	resp, err := s.deps.Commands.Handle(ctx, payload)
	if err != nil {
		s.logger.Warn("ignoring malformed command", "error", err)
		return
	}
	if resp == nil {
		return
	}
	if s.active == nil {
		s.logger.Warn("no transport for command response")
		return
	}
	if err := s.send(ctx, s.active, transport.KindResponse, resp); err != nil {
		s.logger.Warn("sending command response failed", "transport", s.active.Name(), "error", err)
	}
}

func (s *Supervisor) handleFailure(ctx context.Context, f failure) {
	switch {
	case f.t == s.primary && s.state == StatePrimaryActive:
		s.failover(ctx, f.err)
	case s.deps.Secondary != nil && f.t == s.deps.Secondary && s.active == f.t:
		s.logger.Warn("secondary transport lost", "error", f.err)
		s.active = nil
		s.bringUpSecondary(ctx)
	default:
		s.logger.Debug("ignoring failure of inactive transport", "transport", f.t.Name(), "error", f.err)
	}
}

// send bounds one delivery attempt by the connectivity check interval.
func (s *Supervisor) send(ctx context.Context, t transport.Transport, kind transport.Kind, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectivityCheckInterval)
	defer cancel()
	return t.Send(ctx, transport.Message{Kind: kind, Body: body})
}

func (s *Supervisor) setState(to State) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	s.lastTransition = s.now()
	s.logger.Info("connectivity state changed", "from", from.String(), "to", to.String())
	s.observer.StateChanged(from.String(), to.String())
	s.publish()
}

func (s *Supervisor) publish() {
	snap := Snapshot{
		State:          s.state,
		AgentID:        s.cfg.AgentID,
		QueueLength:    s.queue.len(),
		LastTransition: s.lastTransition,
		LastSample:     s.lastSample,
	}
	if s.configured {
		snap.Broker = s.cfg.Broker.String()
	}
	if s.active != nil {
		snap.ActiveTransport = s.active.Name()
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	s.observer.QueueLength(snap.QueueLength)
}

// attach routes a transport's failure and command callbacks into the loop.
func (s *Supervisor) attach(t transport.Transport) {
	t.SetOnFailure(func(err error) {
		select {
		case s.failures <- failure{t: t, err: err}:
		default:
			s.logger.Warn("failure notification dropped", "transport", t.Name(), "error", err)
		}
	})
	if src, ok := t.(transport.CommandSource); ok {
		src.SetCommandHandler(func(payload []byte) {
			p := append([]byte(nil), payload...)
			select {
			case s.commands <- p:
			default:
				s.logger.Warn("command dropped, supervisor busy", "transport", t.Name())
			}
		})
	}
}

func (s *Supervisor) shutdown() {
	if s.primary != nil {
		if err := s.primary.Close(); err != nil {
			s.logger.Warn("closing primary transport", "error", err)
		}
	}
	if s.deps.Secondary != nil {
		if err := s.deps.Secondary.Close(); err != nil {
			s.logger.Warn("closing secondary transport", "error", err)
		}
	}
	s.active = nil
	s.publish()
	s.logger.Info("supervisor stopped", "queued_alerts", s.queue.len())
}
