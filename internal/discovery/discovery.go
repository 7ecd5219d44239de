package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned when no broker answered within the timeout.
var ErrNotFound = errors.New("discovery: no broker found")

const (
	defaultService      = "_mqtt._tcp"
	defaultConcurrency  = 32
	defaultProbeTimeout = 500 * time.Millisecond
)

// Endpoint is a broker host and port.
type Endpoint struct {
	Host string
	Port int
}

// String returns host:port.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Browser enumerates hosts advertising a service over mDNS.
type Browser interface {
	Browse(ctx context.Context, service string) ([]Endpoint, error)
}

// Prober checks whether an endpoint accepts connections.
type Prober interface {
	Probe(ctx context.Context, ep Endpoint) error
}

// CandidateSource lists hosts worth sweeping, highest priority first.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]string, error)
}

// Logger defines the logging interface for discovery.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}

// Config tunes a Discoverer.
type Config struct {
	Service      string
	Concurrency  int
	ProbeTimeout time.Duration
}

// Discoverer finds a reachable broker on the local network.
//
// Strategy:
//  1. mDNS browse for the broker service, using half the budget
//  2. Concurrent TCP sweep of candidate hosts
//
// The winner of a sweep is the responsive candidate with the highest
// priority, not the fastest one, so repeated calls on a stable network
// return the same endpoint.
type Discoverer struct {
	cfg        Config
	browser    Browser
	prober     Prober
	candidates CandidateSource
	logger     Logger
}

// New creates a Discoverer. browser may be nil to skip mDNS.
func New(cfg Config, browser Browser, prober Prober, candidates CandidateSource) *Discoverer {
	if cfg.Service == "" {
		cfg.Service = defaultService
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	return &Discoverer{
		cfg:        cfg,
		browser:    browser,
		prober:     prober,
		candidates: candidates,
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger.
func (d *Discoverer) SetLogger(logger Logger) {
	d.logger = logger
}

// Discover returns the first reachable broker on port, or ErrNotFound.
// It never blocks longer than timeout.
func (d *Discoverer) Discover(ctx context.Context, port int, timeout time.Duration) (Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if d.browser != nil {
		if ep, ok := d.viaMDNS(ctx, port, timeout/2); ok {
			d.logger.Info("broker discovered via mDNS", "endpoint", ep.String())
			return ep, nil
		}
	}

	if d.candidates != nil {
		hosts, err := d.candidates.Candidates(ctx)
		if err != nil {
			d.logger.Debug("listing sweep candidates failed", "error", err)
		}
		if ep, ok := d.sweep(ctx, hosts, port); ok {
			d.logger.Info("broker discovered via subnet sweep", "endpoint", ep.String())
			return ep, nil
		}
	}

	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return Endpoint{}, err
	}
	return Endpoint{}, fmt.Errorf("%w on port %d", ErrNotFound, port)
}

func (d *Discoverer) viaMDNS(ctx context.Context, port int, budget time.Duration) (Endpoint, bool) {
	mctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	entries, err := d.browser.Browse(mctx, d.cfg.Service)
	if err != nil {
		d.logger.Debug("mDNS browse failed", "service", d.cfg.Service, "error", err)
	}

	var hosts []string
	for _, e := range entries {
		if e.Port == port {
			hosts = append(hosts, e.Host)
		}
	}
	sort.Strings(hosts)

	return d.sweep(ctx, dedupe(hosts), port)
}

// sweep probes hosts concurrently and returns the lowest-index responder.
func (d *Discoverer) sweep(ctx context.Context, hosts []string, port int) (Endpoint, bool) {
	if len(hosts) == 0 {
		return Endpoint{}, false
	}

	reachable := make([]bool, len(hosts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, host := range hosts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, d.cfg.ProbeTimeout)
			defer cancel()
			if err := d.prober.Probe(pctx, Endpoint{Host: host, Port: port}); err == nil {
				reachable[i] = true
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // probes never return errors

	for i, ok := range reachable {
		if ok {
			return Endpoint{Host: hosts[i], Port: port}, true
		}
	}
	return Endpoint{}, false
}

func dedupe(hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	out := hosts[:0]
	for _, h := range hosts {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}
