package resolve

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/nerrad567/netbro-agent/internal/discovery"
	"github.com/nerrad567/netbro-agent/internal/infrastructure/config"
)

// ErrConfiguration is returned when required settings cannot be resolved.
var ErrConfiguration = errors.New("resolve: configuration error")

// ErrPersist is returned, together with a usable config, when the resolved
// record could not be saved.
var ErrPersist = errors.New("resolve: persisting record failed")

// Documented defaults.
const (
	DefaultBrokerHost        = "192.168.1.100"
	DefaultBrokerPort        = 1883
	DefaultTelemetryInterval = 10 * time.Second
	DefaultCheckInterval     = 30 * time.Second
	DefaultSecondaryName     = "WatermelonD"
	DefaultLogLevel          = "INFO"

	defaultDiscoveryTimeout = 10 * time.Second
)

// ConnectivityConfig is the resolved, immutable connectivity setting set.
// Components receive it by value. A change produces a new value.
type ConnectivityConfig struct {
	Broker discovery.Endpoint

	// AutoDiscover is set when the broker came from discovery, so it may
	// be rediscovered if it moves.
	AutoDiscover bool

	AgentID                   string
	TelemetryInterval         time.Duration
	ConnectivityCheckInterval time.Duration
	SecondaryName             string
	LogLevel                  string
}

// WithBroker returns a copy pointing at another broker.
func (c ConnectivityConfig) WithBroker(ep discovery.Endpoint) ConnectivityConfig {
	c.Broker = ep
	return c
}

// Validate checks the invariants every resolved config satisfies.
func (c ConnectivityConfig) Validate() error {
	var errs []string
	if ParseBrokerAddress(c.Broker.Host).IsAuto() {
		errs = append(errs, "broker address is unresolved")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Sprintf("broker port %d out of range", c.Broker.Port))
	}
	if c.AgentID == "" || strings.EqualFold(c.AgentID, config.AutoValue) {
		errs = append(errs, "agent id is unresolved")
	}
	if c.TelemetryInterval <= 0 {
		errs = append(errs, "telemetry interval must be positive")
	}
	if c.ConnectivityCheckInterval <= 0 {
		errs = append(errs, "connectivity check interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(errs, "; "))
	}
	return nil
}

// Discoverer finds a broker. *discovery.Discoverer implements it.
type Discoverer interface {
	Discover(ctx context.Context, port int, timeout time.Duration) (discovery.Endpoint, error)
}

// Store persists the resolved record.
type Store interface {
	Save(rec *config.Config) error
}

// FileStore saves the record to a file.
type FileStore struct {
	Path string
}

// Save implements Store. Only the flat record is taken from rec; every
// other section keeps the file's own values, so environment overrides
// such as NETBRO_MQTT_PASSWORD are never written to disk.
func (s FileStore) Save(rec *config.Config) error {
	base, err := config.LoadFile(s.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		base = config.Defaults()
	case err != nil:
		return err
	}
	base.ApplyRecord(rec)
	return config.Save(s.Path, base)
}

// Fallback holds explicit values the caller supplies for when discovery fails.
type Fallback struct {
	BrokerHost string
	BrokerPort int
	AgentID    string
}

// Inputs gathers everything Resolve needs. The boundary adapter (CLI,
// service startup) fills it in; Resolve itself never prompts.
type Inputs struct {
	// Existing is the persisted record, nil when none exists.
	Existing *config.Config

	// Template seeds resolution when Existing is nil, typically the
	// defaults with environment overrides. Nil means config.Defaults().
	Template *config.Config

	// Reconfigure forces resolution even for a complete existing record.
	Reconfigure bool

	Fallback Fallback

	// AcceptDefaults lets Resolve use DefaultBrokerHost when discovery
	// fails and no fallback host was given.
	AcceptDefaults bool

	Discoverer       Discoverer
	DiscoveryTimeout time.Duration

	// Hostname derives the agent identity. Defaults to os.Hostname.
	Hostname func() (string, error)

	// Store receives the resolved record. Nil skips persistence.
	Store Store
}

// Resolve produces a ConnectivityConfig. The result never carries an
// unresolved broker address.
//
// An existing record with an explicit broker is returned unchanged unless
// Reconfigure is set. Otherwise an AUTO broker is discovered; if that fails
// the fallback host is used, then the documented default when the caller
// accepted defaults. Anything else is ErrConfiguration.
//
// A failed save returns the resolved config with an ErrPersist error; the
// config is still valid and callers may run with it.
func Resolve(ctx context.Context, in Inputs) (ConnectivityConfig, error) {
	rec := config.Defaults()
	switch {
	case in.Existing != nil:
		cp := *in.Existing
		rec = &cp
	case in.Template != nil:
		cp := *in.Template
		rec = &cp
	}

	agentID, err := resolveAgentID(rec.AgentID, in)
	if err != nil {
		return ConnectivityConfig{}, err
	}

	port := rec.BrokerPort
	if port == 0 {
		port = in.Fallback.BrokerPort
	}
	if port == 0 {
		port = DefaultBrokerPort
	}

	cfg := ConnectivityConfig{
		AgentID:                   agentID,
		TelemetryInterval:         secondsOr(rec.TelemetryInterval, DefaultTelemetryInterval),
		ConnectivityCheckInterval: secondsOr(rec.ConnectivityCheckInterval, DefaultCheckInterval),
		SecondaryName:             stringOr(rec.BLEServerName, DefaultSecondaryName),
		LogLevel:                  stringOr(rec.LogLevel, DefaultLogLevel),
	}

	addr := ParseBrokerAddress(rec.BrokerAddress)
	if in.Existing != nil && !in.Reconfigure && !addr.IsAuto() {
		cfg.Broker = discovery.Endpoint{Host: addr.Host(), Port: port}
		cfg.AutoDiscover = rec.BrokerDiscovered
		return cfg, cfg.Validate()
	}

	if addr.IsAuto() {
		ep, err := discover(ctx, in, port)
		switch {
		case err == nil:
			cfg.Broker = ep
			cfg.AutoDiscover = true
		case ctx.Err() != nil:
			return ConnectivityConfig{}, ctx.Err()
		case in.Fallback.BrokerHost != "":
			cfg.Broker = discovery.Endpoint{Host: in.Fallback.BrokerHost, Port: port}
		case in.AcceptDefaults:
			cfg.Broker = discovery.Endpoint{Host: DefaultBrokerHost, Port: port}
		default:
			return ConnectivityConfig{}, fmt.Errorf("%w: broker not discovered and no address supplied: %w", ErrConfiguration, err)
		}
	} else {
		cfg.Broker = discovery.Endpoint{Host: addr.Host(), Port: port}
	}

	if err := cfg.Validate(); err != nil {
		return ConnectivityConfig{}, err
	}

	if in.Store != nil {
		rec.BrokerAddress = cfg.Broker.Host
		rec.BrokerPort = cfg.Broker.Port
		rec.BrokerDiscovered = cfg.AutoDiscover
		rec.TelemetryInterval = int(cfg.TelemetryInterval / time.Second)
		rec.ConnectivityCheckInterval = int(cfg.ConnectivityCheckInterval / time.Second)
		rec.BLEServerName = cfg.SecondaryName
		rec.LogLevel = cfg.LogLevel
		if err := in.Store.Save(rec); err != nil {
			return cfg, fmt.Errorf("%w: %w", ErrPersist, err)
		}
	}

	return cfg, nil
}

func discover(ctx context.Context, in Inputs, port int) (discovery.Endpoint, error) {
	if in.Discoverer == nil {
		return discovery.Endpoint{}, discovery.ErrNotFound
	}
	timeout := in.DiscoveryTimeout
	if timeout <= 0 {
		timeout = defaultDiscoveryTimeout
	}
	return in.Discoverer.Discover(ctx, port, timeout)
}

func resolveAgentID(id string, in Inputs) (string, error) {
	id = strings.TrimSpace(id)
	if id != "" && !strings.EqualFold(id, config.AutoValue) {
		return id, nil
	}

	hostname := in.Hostname
	if hostname == nil {
		hostname = os.Hostname
	}
	if h, err := hostname(); err == nil && h != "" {
		return h, nil
	}
	if in.Fallback.AgentID != "" {
		return in.Fallback.AgentID, nil
	}
	return "", fmt.Errorf("%w: agent id cannot be derived from the host name", ErrConfiguration)
}

func secondsOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

func stringOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
