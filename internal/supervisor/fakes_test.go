package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/netbro-agent/internal/alert"
	"github.com/nerrad567/netbro-agent/internal/discovery"
	"github.com/nerrad567/netbro-agent/internal/resolve"
	"github.com/nerrad567/netbro-agent/internal/telemetry"
	"github.com/nerrad567/netbro-agent/internal/transport"
)

// eventLog records calls across fakes so tests can assert ordering.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) index(e string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, got := range l.events {
		if got == e {
			return i
		}
	}
	return -1
}

type fakeTransport struct {
	name string
	log  *eventLog

	mu         sync.Mutex
	state      transport.State
	connectErr error
	sendErr    error
	healthErr  error
	sendHook   func(transport.Message) error
	sent       []transport.Message
	connects   int
	closes     int
	onFailure  func(error)
	onCommand  transport.CommandHandler
}

func newFakeTransport(name string, log *eventLog) *fakeTransport {
	return &fakeTransport{name: name, log: log}
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.log.add(f.name + ".connect")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		f.state = transport.StateFailed
		return fmt.Errorf("%w: %w", transport.ErrConnect, f.connectErr)
	}
	f.state = transport.StateConnected
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, msg transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.Usable() {
		return transport.ErrNotConnected
	}
	if f.sendHook != nil {
		if err := f.sendHook(msg); err != nil {
			return err
		}
	}
	if f.sendErr != nil {
		f.state = transport.StateFailed
		return fmt.Errorf("%w: %w", transport.ErrSend, f.sendErr)
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) HealthCheck(ctx context.Context) error {
	f.log.add(f.name + ".health")
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.Usable() {
		return transport.ErrNotConnected
	}
	if f.healthErr != nil {
		f.state = transport.StateFailed
		return f.healthErr
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.log.add(f.name + ".close")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.state = transport.StateUnknown
	return nil
}

func (f *fakeTransport) SetOnFailure(fn func(error)) {
	f.mu.Lock()
	f.onFailure = fn
	f.mu.Unlock()
}

func (f *fakeTransport) SetCommandHandler(h transport.CommandHandler) {
	f.mu.Lock()
	f.onCommand = h
	f.mu.Unlock()
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

// lose simulates an asynchronous session loss.
func (f *fakeTransport) lose(err error) {
	f.mu.Lock()
	f.state = transport.StateFailed
	fn := f.onFailure
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (f *fakeTransport) command(payload []byte) {
	f.mu.Lock()
	h := f.onCommand
	f.mu.Unlock()
	if h != nil {
		h(payload)
	}
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// sentOf returns the bodies sent with kind.
func (f *fakeTransport) sentOf(kind transport.Kind) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, m := range f.sent {
		if m.Kind == kind {
			out = append(out, m.Body)
		}
	}
	return out
}

// alertNumbers decodes the "n" payload field of every alert sent.
func (f *fakeTransport) alertNumbers(t *testing.T) []int {
	t.Helper()
	var out []int
	for _, body := range f.sentOf(transport.KindAlert) {
		var msg struct {
			Payload struct {
				N int `json:"n"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			t.Fatalf("decoding alert %s: %v", body, err)
		}
		out = append(out, msg.Payload.N)
	}
	return out
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	dropped     map[string]int
	sent        map[string]int
	delivered   map[string]int
	rejected    int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		dropped:   map[string]int{},
		sent:      map[string]int{},
		delivered: map[string]int{},
	}
}

func (o *recordingObserver) StateChanged(from, to string) {
	o.mu.Lock()
	o.transitions = append(o.transitions, from+"->"+to)
	o.mu.Unlock()
}

func (o *recordingObserver) TelemetrySent(tr string) {
	o.mu.Lock()
	o.sent[tr]++
	o.mu.Unlock()
}

func (o *recordingObserver) TelemetryDropped(reason string) {
	o.mu.Lock()
	o.dropped[reason]++
	o.mu.Unlock()
}

func (o *recordingObserver) AlertDelivered(tr string) {
	o.mu.Lock()
	o.delivered[tr]++
	o.mu.Unlock()
}

func (o *recordingObserver) AlertRejected() {
	o.mu.Lock()
	o.rejected++
	o.mu.Unlock()
}

func (o *recordingObserver) QueueLength(int) {}

func (o *recordingObserver) hasTransitions(want ...string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := 0
	for _, got := range o.transitions {
		if i < len(want) && got == want[i] {
			i++
		}
	}
	return i == len(want)
}

func (o *recordingObserver) droppedCount(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped[reason]
}

func (o *recordingObserver) rejectedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rejected
}

func (o *recordingObserver) sentCount(tr string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent[tr]
}

type fixedSampler struct{}

func (fixedSampler) Sample(context.Context) telemetry.Sample {
	return telemetry.Sample{
		Timestamp:          time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		CPUPercent:         telemetry.Value(10),
		RAMPercent:         telemetry.Value(20),
		TemperatureCelsius: telemetry.Unavailable(),
	}
}

type memOutbox struct {
	mu      sync.Mutex
	events  []alert.Event
	removed []uuid.UUID
}

func (o *memOutbox) Append(_ context.Context, ev alert.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
	return nil
}

func (o *memOutbox) Remove(_ context.Context, id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, id)
	for i, ev := range o.events {
		if ev.ID == id {
			o.events = append(o.events[:i], o.events[i+1:]...)
			break
		}
	}
	return nil
}

func (o *memOutbox) Pending(context.Context) ([]alert.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]alert.Event(nil), o.events...), nil
}

func (o *memOutbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

type fakeDiscoverer struct {
	mu    sync.Mutex
	ep    discovery.Endpoint
	err   error
	calls int
}

func (d *fakeDiscoverer) Discover(context.Context, int, time.Duration) (discovery.Endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.ep, d.err
}

func testConfig(auto bool) resolve.ConnectivityConfig {
	return resolve.ConnectivityConfig{
		Broker:                    discovery.Endpoint{Host: "10.0.0.5", Port: 1883},
		AutoDiscover:              auto,
		AgentID:                   "pi-kitchen",
		TelemetryInterval:         time.Hour,
		ConnectivityCheckInterval: time.Hour,
		SecondaryName:             "WatermelonD",
		LogLevel:                  "INFO",
	}
}

func testEvent(t *testing.T, n int) alert.Event {
	t.Helper()
	ev, err := alert.New(alert.TypeCustom, map[string]int{"n": n}, time.Now())
	if err != nil {
		t.Fatalf("alert.New: %v", err)
	}
	return ev
}

type harness struct {
	t           *testing.T
	cfg         resolve.ConnectivityConfig
	policy      Policy
	log         *eventLog
	primary     *fakeTransport
	secondary   *fakeTransport
	noSecondary bool
	obs         *recordingObserver
	outbox      alert.Outbox
	commands    CommandHandler
	discoverer  resolve.Discoverer
	resolveFn   Resolver

	factoryMu  sync.Mutex
	factoryCfg []resolve.ConnectivityConfig

	sup    *Supervisor
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, cfg resolve.ConnectivityConfig) *harness {
	log := &eventLog{}
	return &harness{
		t:   t,
		cfg: cfg,
		policy: Policy{
			MaxConnectAttempts:  3,
			InitialBackoff:      time.Millisecond,
			ConfigRetryInterval: 5 * time.Millisecond,
			DiscoveryTimeout:    10 * time.Millisecond,
			QueueCapacity:       DefaultQueueCapacity,
		},
		log:       log,
		primary:   newFakeTransport("primary", log),
		secondary: newFakeTransport("secondary", log),
		obs:       newRecordingObserver(),
	}
}

func (h *harness) start() {
	h.t.Helper()
	resolveFn := h.resolveFn
	if resolveFn == nil {
		cfg := h.cfg
		resolveFn = func(context.Context) (resolve.ConnectivityConfig, error) { return cfg, nil }
	}
	deps := Deps{
		Resolve: resolveFn,
		NewPrimary: func(cfg resolve.ConnectivityConfig) transport.Transport {
			h.factoryMu.Lock()
			h.factoryCfg = append(h.factoryCfg, cfg)
			h.factoryMu.Unlock()
			return h.primary
		},
		Discoverer: h.discoverer,
		Sampler:    fixedSampler{},
		Commands:   h.commands,
		Outbox:     h.outbox,
		Observer:   h.obs,
	}
	if !h.noSecondary {
		deps.Secondary = h.secondary
	}

	h.sup = New(h.policy, deps)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.sup.Run(ctx) }()
	h.t.Cleanup(func() { h.stop() })
}

func (h *harness) stop() error {
	h.cancel()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("supervisor did not stop")
		return nil
	}
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	waitFor(h.t, func() bool { return h.sup.Snapshot().State == want },
		"state %s (last %s)", want, h.sup.Snapshot().State)
}

func (h *harness) alert(n int) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.sup.Alert(ctx, testEvent(h.t, n)); err != nil {
		h.t.Fatalf("Alert(%d): %v", n, err)
	}
}

func waitFor(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for "+format, args...)
}
