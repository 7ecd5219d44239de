package discovery

import (
	"context"
	"errors"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"
)

// fakeProber answers for the listed endpoints, optionally after a delay.
type fakeProber struct {
	mu     sync.Mutex
	up     map[string]time.Duration
	probed []string
}

func (p *fakeProber) Probe(ctx context.Context, ep Endpoint) error {
	p.mu.Lock()
	p.probed = append(p.probed, ep.String())
	delay, ok := p.up[ep.String()]
	p.mu.Unlock()

	if !ok {
		return errors.New("connection refused")
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeBrowser struct {
	entries []Endpoint
	err     error
}

func (b fakeBrowser) Browse(context.Context, string) ([]Endpoint, error) {
	return b.entries, b.err
}

type fixedCandidates []string

func (c fixedCandidates) Candidates(context.Context) ([]string, error) {
	return c, nil
}

func TestDiscover_MDNSFirst(t *testing.T) {
	prober := &fakeProber{up: map[string]time.Duration{
		"10.0.0.5:1883": 0,
		"10.0.0.1:1883": 0,
	}}
	d := New(Config{}, fakeBrowser{entries: []Endpoint{
		{Host: "10.0.0.5", Port: 1883},
		{Host: "10.0.0.9", Port: 8883}, // wrong port
	}}, prober, fixedCandidates{"10.0.0.1"})

	ep, err := d.Discover(context.Background(), 1883, time.Second)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if ep != (Endpoint{Host: "10.0.0.5", Port: 1883}) {
		t.Errorf("Discover() = %v, want 10.0.0.5:1883", ep)
	}
	for _, p := range prober.probed {
		if p == "10.0.0.9:1883" || p == "10.0.0.9:8883" {
			t.Errorf("probed an mDNS entry on another port: %s", p)
		}
	}
}

func TestDiscover_SweepFallback(t *testing.T) {
	prober := &fakeProber{up: map[string]time.Duration{"10.0.0.5:1883": 0}}
	d := New(Config{}, fakeBrowser{err: errors.New("no multicast")}, prober,
		fixedCandidates{"10.0.0.1", "10.0.0.100", "10.0.0.5"})

	ep, err := d.Discover(context.Background(), 1883, time.Second)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if ep.String() != "10.0.0.5:1883" {
		t.Errorf("Discover() = %v", ep)
	}
}

func TestDiscover_PriorityBeatsSpeed(t *testing.T) {
	// The preferred candidate answers slower than a later one.
	prober := &fakeProber{up: map[string]time.Duration{
		"10.0.0.1:1883":   30 * time.Millisecond,
		"10.0.0.254:1883": 0,
	}}
	d := New(Config{}, nil, prober, fixedCandidates{"10.0.0.1", "10.0.0.254"})

	for i := 0; i < 3; i++ {
		ep, err := d.Discover(context.Background(), 1883, time.Second)
		if err != nil {
			t.Fatalf("Discover() error = %v", err)
		}
		if ep.Host != "10.0.0.1" {
			t.Fatalf("call %d: Discover() = %v, want the higher-priority 10.0.0.1", i, ep)
		}
	}
}

func TestDiscover_NotFound(t *testing.T) {
	d := New(Config{}, fakeBrowser{}, &fakeProber{}, fixedCandidates{"10.0.0.1"})

	_, err := d.Discover(context.Background(), 1883, 200*time.Millisecond)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Discover() = %v, want ErrNotFound", err)
	}
	_, err2 := d.Discover(context.Background(), 1883, 200*time.Millisecond)
	if !errors.Is(err2, ErrNotFound) {
		t.Fatalf("second Discover() = %v, want ErrNotFound", err2)
	}
}

func TestDiscover_RespectsTimeout(t *testing.T) {
	// Every probe hangs until its context ends.
	slow := &fakeProber{up: map[string]time.Duration{}}
	hosts := make(fixedCandidates, 0, 100)
	for i := 1; i <= 100; i++ {
		h := net.IPv4(10, 0, 0, byte(i)).String()
		hosts = append(hosts, h)
		slow.up[h+":1883"] = time.Hour
	}
	d := New(Config{Concurrency: 4, ProbeTimeout: time.Hour}, nil, slow, hosts)

	start := time.Now()
	_, err := d.Discover(context.Background(), 1883, 100*time.Millisecond)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Discover() = %v, want ErrNotFound", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Discover() took %v, want about the 100ms budget", elapsed)
	}
}

func TestDiscover_Cancelled(t *testing.T) {
	d := New(Config{}, nil, &fakeProber{}, fixedCandidates{"10.0.0.1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Discover(ctx, 1883, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("Discover() = %v, want context.Canceled", err)
	}
}

func TestSubnetCandidates(t *testing.T) {
	s := SubnetCandidates{Prefixes: []net.IP{net.IPv4(192, 168, 1, 0).To4()}}

	hosts, err := s.Candidates(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"192.168.1.1", "192.168.1.100", "192.168.1.10", "192.168.1.2", "192.168.1.254"}
	if !reflect.DeepEqual(hosts, want) {
		t.Errorf("Candidates() = %v, want %v", hosts, want)
	}

	s.FullSweep = true
	hosts, _ = s.Candidates(context.Background())
	if len(hosts) != 254 {
		t.Errorf("full sweep produced %d hosts, want 254", len(hosts))
	}
	if !reflect.DeepEqual(hosts[:5], want) {
		t.Errorf("full sweep does not start with common suffixes: %v", hosts[:5])
	}
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	p := &TCPProber{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := p.Probe(ctx, Endpoint{Host: "127.0.0.1", Port: port}); err != nil {
		t.Errorf("Probe(listening) = %v", err)
	}
	ln.Close()
	if err := p.Probe(ctx, Endpoint{Host: "127.0.0.1", Port: port}); err == nil {
		t.Error("Probe(closed) = nil, want error")
	}
}

func TestEndpointString(t *testing.T) {
	if got := (Endpoint{Host: "fe80::1", Port: 1883}).String(); got != "[fe80::1]:1883" {
		t.Errorf("String() = %q", got)
	}
}
