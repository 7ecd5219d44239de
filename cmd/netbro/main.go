// Netbro Agent - satellite connectivity for the Tio hub
//
// The agent keeps a satellite device reachable from the central hub. It
// resolves or discovers the broker, publishes telemetry and alerts over
// MQTT, and falls back to an encrypted BLE link when the network is down.
//
// Usage:
//
//	netbro [run]            run the agent until SIGINT/SIGTERM
//	netbro configure        resolve the record and persist it
//	netbro discover         look for a broker and print it
//	netbro version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/nerrad567/netbro-agent/internal/alert"
	"github.com/nerrad567/netbro-agent/internal/command"
	"github.com/nerrad567/netbro-agent/internal/discovery"
	"github.com/nerrad567/netbro-agent/internal/infrastructure/config"
	"github.com/nerrad567/netbro-agent/internal/infrastructure/database"
	"github.com/nerrad567/netbro-agent/internal/infrastructure/logging"
	"github.com/nerrad567/netbro-agent/internal/infrastructure/metrics"
	"github.com/nerrad567/netbro-agent/internal/infrastructure/mqtt"
	"github.com/nerrad567/netbro-agent/internal/resolve"
	"github.com/nerrad567/netbro-agent/internal/status"
	"github.com/nerrad567/netbro-agent/internal/supervisor"
	"github.com/nerrad567/netbro-agent/internal/telemetry"
	"github.com/nerrad567/netbro-agent/internal/transport"
	"github.com/nerrad567/netbro-agent/internal/transport/primary"
	"github.com/nerrad567/netbro-agent/internal/transport/secondary"
	"github.com/nerrad567/netbro-agent/internal/transport/secondary/ble"
	"github.com/nerrad567/netbro-agent/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "/etc/netbro/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches the subcommand. It is separated from main for testability.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	name := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name, args = args[0], args[1:]
	}

	switch name {
	case "run":
		return runAgent(ctx, args)
	case "configure":
		return runConfigure(ctx, args, stdout)
	case "discover":
		return runDiscover(ctx, args, stdout)
	case "version":
		fmt.Fprintf(stdout, "netbro %s (commit %s, built %s)\n", version, commit, date)
		return nil
	default:
		return fmt.Errorf("unknown command %q (want run, configure, discover or version)", name)
	}
}

// runAgent starts the connectivity supervisor and blocks until ctx ends.
func runAgent(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	log := logging.Default()
	log.Info("starting netbro agent",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, found, err := config.LoadOrDefaults(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, cfg.LogLevel, version).With("agent_id", agentIDHint(cfg))
	log.Info("configuration loaded", "path", configPath, "found", found)

	// Optional durable outbox for undelivered alerts.
	var outbox alert.Outbox
	if cfg.Queue.Persist {
		db, err := database.Open(database.Config{Path: cfg.Queue.Path})
		if err != nil {
			return fmt.Errorf("opening outbox: %w", err)
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing outbox", "error", closeErr)
			}
		}()
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrating outbox: %w", err)
		}
		outbox = alert.NewSQLiteOutbox(db)
		log.Info("alert outbox ready", "path", db.Path())
	}

	disc := newDiscoverer(cfg, log)
	host := telemetry.HostSource{ThermalZone: telemetry.DefaultThermalZone}
	m := metrics.New(stateNames())

	var sup *supervisor.Supervisor
	dispatcher := command.NewDispatcher(
		snapshotFunc(func() supervisor.Snapshot { return sup.Snapshot() }),
		host.UptimeSeconds,
		log.With("component", "command"),
	)

	deps := supervisor.Deps{
		Resolve:    configResolver(configPath, disc, cfg.GetDiscoveryTimeout()),
		NewPrimary: primaryFactory(cfg, log.With("component", "primary")),
		Discoverer: disc,
		Sampler:    telemetry.NewSampler(host),
		Commands:   dispatcher,
		Outbox:     outbox,
		Observer:   m,
		Logger:     log.With("component", "supervisor"),
	}
	if cfg.BLEEnabled() {
		deps.Secondary = newSecondary(cfg, log.With("component", "secondary"))
	}
	sup = supervisor.New(policyFrom(cfg), deps)

	if cfg.Status.Enabled {
		srv, err := status.New(status.Deps{
			Config:  cfg.Status,
			Logger:  log.With("component", "status"),
			Status:  sup,
			Alerts:  sup,
			Metrics: m.Handler(),
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("creating status server: %w", err)
		}
		if err := srv.Start(); err != nil {
			return fmt.Errorf("starting status server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing status server", "error", closeErr)
			}
		}()
	}

	log.Info("netbro agent started")
	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	log.Info("netbro agent stopped")
	return nil
}

// runConfigure resolves the record once and persists it. It is what the
// installer runs; flags stand in for interactive answers.
func runConfigure(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("configure", flag.ContinueOnError)
	broker := fs.String("broker", "", "broker host, skips discovery")
	port := fs.Int("port", 0, "broker port")
	agentID := fs.String("agent-id", "", "agent identity, defaults to the host name")
	reconfigure := fs.Bool("reconfigure", false, "resolve again even if the record is complete")
	acceptDefaults := fs.Bool("accept-defaults", false, "use the default broker when discovery fails")
	if err := fs.Parse(args); err != nil {
		return err
	}

	configPath := getConfigPath()
	cfg, found, err := config.LoadOrDefaults(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if *broker != "" {
		cfg.BrokerAddress = *broker
	}
	if *port > 0 {
		cfg.BrokerPort = *port
	}
	if *agentID != "" {
		cfg.AgentID = *agentID
	}
	in := resolve.Inputs{
		Reconfigure:      *reconfigure || *broker != "" || *port > 0 || *agentID != "",
		AcceptDefaults:   *acceptDefaults,
		Discoverer:       newDiscoverer(cfg, logging.Default()),
		DiscoveryTimeout: cfg.GetDiscoveryTimeout(),
		Store:            resolve.FileStore{Path: configPath},
	}
	if found {
		in.Existing = cfg
	} else {
		in.Template = cfg
	}

	cc, err := resolve.Resolve(ctx, in)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "broker:   %s (discovered: %t)\n", cc.Broker, cc.AutoDiscover)
	fmt.Fprintf(stdout, "agent id: %s\n", cc.AgentID)
	fmt.Fprintf(stdout, "record:   %s\n", configPath)
	return nil
}

// runDiscover runs broker discovery and prints the result.
func runDiscover(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	port := fs.Int("port", resolve.DefaultBrokerPort, "broker port")
	timeout := fs.Duration("timeout", 10*time.Second, "overall discovery budget")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := config.LoadOrDefaults(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ep, err := newDiscoverer(cfg, logging.Default()).Discover(ctx, *port, *timeout)
	if errors.Is(err, discovery.ErrNotFound) {
		return fmt.Errorf("no broker answered on port %d within %s", *port, *timeout)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, ep)
	return nil
}

// configResolver reloads the record on every attempt so a fixed file heals
// an unconfigured agent without a restart.
func configResolver(path string, disc resolve.Discoverer, timeout time.Duration) supervisor.Resolver {
	return func(ctx context.Context) (resolve.ConnectivityConfig, error) {
		cfg, found, err := config.LoadOrDefaults(path)
		if err != nil {
			return resolve.ConnectivityConfig{}, fmt.Errorf("%w: %w", resolve.ErrConfiguration, err)
		}
		in := resolve.Inputs{
			Discoverer:       disc,
			DiscoveryTimeout: timeout,
			Store:            resolve.FileStore{Path: path},
		}
		if found {
			in.Existing = cfg
		} else {
			in.Template = cfg
		}
		return resolve.Resolve(ctx, in)
	}
}

func primaryFactory(cfg *config.Config, log *logging.Logger) supervisor.PrimaryFactory {
	return func(cc resolve.ConnectivityConfig) transport.Transport {
		return primary.New(primary.Config{
			AgentID: cc.AgentID,
			Broker: mqtt.Options{
				Host:           cc.Broker.Host,
				Port:           cc.Broker.Port,
				ClientID:       cfg.MQTT.ClientIDPrefix + cc.AgentID,
				TLS:            cfg.MQTT.TLS,
				Username:       cfg.MQTT.Username,
				Password:       cfg.MQTT.Password,
				KeepAlive:      cfg.GetKeepAlive(),
				ConnectTimeout: cfg.GetConnectTimeout(),
				PublishTimeout: cfg.GetPublishTimeout(),
			},
			ReconnectDelay:    cfg.GetReconnectDelay(),
			MaxReconnectDelay: cc.ConnectivityCheckInterval,
		}, primary.MQTTDialer(log), log)
	}
}

func newSecondary(cfg *config.Config, log *logging.Logger) transport.Transport {
	limit := rate.Limit(cfg.BLE.TelemetryPerMin / 60)
	return secondary.New(secondary.Config{
		AgentID:        agentIDHint(cfg),
		PeerName:       cfg.BLEServerName,
		ConnectTimeout: cfg.GetScanTimeout(),
		AckTimeout:     cfg.GetAckTimeout(),
		TelemetryRate:  limit,
		TelemetryBurst: 1,
		Advertise:      cfg.AdvertiseEnabled(),
	}, ble.New(cfg.GetScanTimeout()), log)
}

func newDiscoverer(cfg *config.Config, log *logging.Logger) *discovery.Discoverer {
	d := discovery.New(
		discovery.Config{
			Service:     cfg.Discovery.Service,
			Concurrency: cfg.Discovery.Concurrency,
		},
		discovery.MDNSBrowser{},
		&discovery.TCPProber{},
		discovery.SubnetCandidates{
			FullSweep:   cfg.Discovery.FullSweep,
			GatewayHint: cfg.Discovery.GatewayHint,
		},
	)
	d.SetLogger(log.With("component", "discovery"))
	return d
}

func policyFrom(cfg *config.Config) supervisor.Policy {
	p := supervisor.DefaultPolicy()
	if cfg.Supervisor.MaxConnectAttempts > 0 {
		p.MaxConnectAttempts = cfg.Supervisor.MaxConnectAttempts
	}
	p.InitialBackoff = cfg.GetInitialBackoff()
	p.ConfigRetryInterval = cfg.GetConfigRetryInterval()
	p.DiscoveryTimeout = cfg.GetDiscoveryTimeout()
	if cfg.Queue.Capacity > 0 {
		p.QueueCapacity = cfg.Queue.Capacity
	}
	return p
}

// agentIDHint is the identity known before resolution: the record's value,
// or the host name for AUTO.
func agentIDHint(cfg *config.Config) string {
	if id := strings.TrimSpace(cfg.AgentID); id != "" && !strings.EqualFold(id, config.AutoValue) {
		return id
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown"
}

func stateNames() []string {
	states := supervisor.States()
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.String()
	}
	return names
}

type snapshotFunc func() supervisor.Snapshot

func (f snapshotFunc) Snapshot() supervisor.Snapshot { return f() }

// getConfigPath returns the record path from NETBRO_CONFIG or the default.
func getConfigPath() string {
	if path := os.Getenv("NETBRO_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
