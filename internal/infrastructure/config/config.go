package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AutoValue is the literal the installer writes for fields the agent must work out itself.
const AutoValue = "AUTO"

// Config is the persisted agent record plus the ambient runtime settings.
//
// The flat top-level keys are the record written by the installer and the
// web management interface. Nested sections are optional tuning knobs with
// defaults suitable for a Raspberry Pi class satellite.
type Config struct {
	BrokerAddress             string `yaml:"broker_address" json:"broker_address"`
	BrokerPort                int    `yaml:"broker_port" json:"broker_port" validate:"min=1,max=65535"`
	BrokerDiscovered          bool   `yaml:"broker_discovered,omitempty" json:"broker_discovered,omitempty"`
	AgentID                   string `yaml:"agent_id" json:"agent_id"`
	TelemetryInterval         int    `yaml:"telemetry_interval" json:"telemetry_interval" validate:"gt=0"`
	LogLevel                  string `yaml:"log_level" json:"log_level" validate:"oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	BLEServerName             string `yaml:"ble_server_name" json:"ble_server_name" validate:"required"`
	ConnectivityCheckInterval int    `yaml:"connectivity_check_interval" json:"connectivity_check_interval" validate:"gt=0"`

	Logging    LoggingConfig    `yaml:"logging,omitempty" json:"logging,omitempty"`
	MQTT       MQTTConfig       `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	Discovery  DiscoveryConfig  `yaml:"discovery,omitempty" json:"discovery,omitempty"`
	BLE        BLEConfig        `yaml:"ble,omitempty" json:"ble,omitempty"`
	Supervisor SupervisorConfig `yaml:"supervisor,omitempty" json:"supervisor,omitempty"`
	Queue      QueueConfig      `yaml:"queue,omitempty" json:"queue,omitempty"`
	Status     StatusConfig     `yaml:"status,omitempty" json:"status,omitempty"`
}

// LoggingConfig contains logging output settings. The level lives in the
// flat record (log_level) because the installer owns it.
type LoggingConfig struct {
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// MQTTConfig contains primary transport settings beyond the broker address.
type MQTTConfig struct {
	ClientIDPrefix string `yaml:"client_id_prefix,omitempty" json:"client_id_prefix,omitempty"`
	TLS            bool   `yaml:"tls,omitempty" json:"tls,omitempty"`
	Username       string `yaml:"username,omitempty" json:"username,omitempty"`
	Password       string `yaml:"password,omitempty" json:"password,omitempty"`
	KeepAlive      int    `yaml:"keep_alive,omitempty" json:"keep_alive,omitempty" validate:"gte=0"`
	ConnectTimeout int    `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty" validate:"gte=0"`
	PublishTimeout int    `yaml:"publish_timeout,omitempty" json:"publish_timeout,omitempty" validate:"gte=0"`
	ReconnectDelay int    `yaml:"reconnect_delay,omitempty" json:"reconnect_delay,omitempty" validate:"gte=0"`
}

// DiscoveryConfig controls automatic broker discovery.
type DiscoveryConfig struct {
	Timeout     int    `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`
	Service     string `yaml:"service,omitempty" json:"service,omitempty"`
	FullSweep   bool   `yaml:"full_sweep,omitempty" json:"full_sweep,omitempty"`
	GatewayHint bool   `yaml:"gateway_hint,omitempty" json:"gateway_hint,omitempty"`
	Concurrency int    `yaml:"concurrency,omitempty" json:"concurrency,omitempty" validate:"gte=0"`
}

// BLEConfig contains secondary transport settings.
type BLEConfig struct {
	Enabled         *bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	ScanTimeout     int     `yaml:"scan_timeout,omitempty" json:"scan_timeout,omitempty" validate:"gte=0"`
	AckTimeout      int     `yaml:"ack_timeout,omitempty" json:"ack_timeout,omitempty" validate:"gte=0"`
	TelemetryPerMin float64 `yaml:"telemetry_per_minute,omitempty" json:"telemetry_per_minute,omitempty" validate:"gte=0"`
	Advertise       *bool   `yaml:"advertise,omitempty" json:"advertise,omitempty"`
}

// SupervisorConfig tunes the connectivity state machine.
type SupervisorConfig struct {
	MaxConnectAttempts  int `yaml:"max_connect_attempts,omitempty" json:"max_connect_attempts,omitempty" validate:"gte=0"`
	InitialBackoff      int `yaml:"initial_backoff,omitempty" json:"initial_backoff,omitempty" validate:"gte=0"`
	ConfigRetryInterval int `yaml:"config_retry_interval,omitempty" json:"config_retry_interval,omitempty" validate:"gte=0"`
}

// QueueConfig controls the alert delivery queue.
type QueueConfig struct {
	Capacity int    `yaml:"capacity,omitempty" json:"capacity,omitempty" validate:"gte=0"`
	Persist  bool   `yaml:"persist,omitempty" json:"persist,omitempty"`
	Path     string `yaml:"path,omitempty" json:"path,omitempty"`
}

// StatusConfig controls the local status/metrics HTTP listener.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Listen  string `yaml:"listen,omitempty" json:"listen,omitempty"`
}

// Defaults returns the documented default record.
func Defaults() *Config {
	return &Config{
		BrokerAddress:             AutoValue,
		BrokerPort:                1883,
		AgentID:                   AutoValue,
		TelemetryInterval:         10,
		LogLevel:                  "INFO",
		BLEServerName:             "WatermelonD",
		ConnectivityCheckInterval: 30,
		Logging: LoggingConfig{
			Format: "json",
			Output: "stdout",
		},
		MQTT: MQTTConfig{
			ClientIDPrefix: "berry_agent_",
			KeepAlive:      60,
			ConnectTimeout: 10,
			PublishTimeout: 5,
			ReconnectDelay: 1,
		},
		Discovery: DiscoveryConfig{
			Timeout:     10,
			Service:     "_mqtt._tcp",
			GatewayHint: true,
			Concurrency: 32,
		},
		BLE: BLEConfig{
			ScanTimeout:     10,
			AckTimeout:      10,
			TelemetryPerMin: 12,
		},
		Supervisor: SupervisorConfig{
			MaxConnectAttempts:  3,
			InitialBackoff:      1,
			ConfigRetryInterval: 30,
		},
		Queue: QueueConfig{
			Capacity: 256,
			Path:     "/var/lib/netbro/outbox.db",
		},
		Status: StatusConfig{
			Listen: "127.0.0.1:9273",
		},
	}
}

// Load reads the record at path and applies environment variable overrides.
//
// The loading order is:
//  1. Default values
//  2. File values (YAML; JSON records from the installer parse as well)
//  3. Environment variables NETBRO_*
//
// A missing file yields an error wrapping fs.ErrNotExist.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFile reads defaults and file values only. Environment overrides are
// not applied and nothing is validated; it is the base for rewriting the
// file without leaking environment values into it.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// LoadOrDefaults behaves like Load but treats a missing file as "no record":
// it returns the defaults with environment overrides and found=false.
func LoadOrDefaults(path string) (cfg *Config, found bool, err error) {
	cfg, err = Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	cfg = Defaults()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, false, fmt.Errorf("validating config: %w", err)
	}
	return cfg, false, nil
}

// Save writes the record to path atomically with 0600 permissions.
// Paths ending in .json are written as JSON, anything else as YAML.
func Save(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".netbro-config-*")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck // already failing
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close() //nolint:errcheck // already failing
		return fmt.Errorf("setting config permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}

// ApplyRecord copies the flat installer record from src. Nested sections,
// credentials included, are left alone.
func (c *Config) ApplyRecord(src *Config) {
	c.BrokerAddress = src.BrokerAddress
	c.BrokerPort = src.BrokerPort
	c.BrokerDiscovered = src.BrokerDiscovered
	c.AgentID = src.AgentID
	c.TelemetryInterval = src.TelemetryInterval
	c.LogLevel = src.LogLevel
	c.BLEServerName = src.BLEServerName
	c.ConnectivityCheckInterval = src.ConnectivityCheckInterval
}

// applyEnvOverrides applies NETBRO_* environment variables.
// Malformed integers are ignored so a typo cannot wipe a good file value.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NETBRO_BROKER_ADDRESS"); v != "" {
		cfg.BrokerAddress = v
	}
	if v := os.Getenv("NETBRO_BROKER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BrokerPort = n
		}
	}
	if v := os.Getenv("NETBRO_AGENT_ID"); v != "" {
		cfg.AgentID = v
	}
	if v := os.Getenv("NETBRO_TELEMETRY_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TelemetryInterval = n
		}
	}
	if v := os.Getenv("NETBRO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NETBRO_BLE_SERVER_NAME"); v != "" {
		cfg.BLEServerName = v
	}

	// Credentials belong in the environment, not the record.
	if v := os.Getenv("NETBRO_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("NETBRO_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and cross-field rules.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if strings.TrimSpace(c.BrokerAddress) != c.BrokerAddress {
		errs = append(errs, "broker_address must not have surrounding whitespace")
	}
	if c.MQTT.Password != "" && c.MQTT.Username == "" {
		errs = append(errs, "mqtt.password requires mqtt.username")
	}
	if c.Queue.Persist && c.Queue.Path == "" {
		errs = append(errs, "queue.path is required when queue.persist is enabled")
	}
	if c.Status.Enabled && c.Status.Listen == "" {
		errs = append(errs, "status.listen is required when status.enabled is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// BLEEnabled reports whether the secondary transport should be started.
// Absent means enabled.
func (c *Config) BLEEnabled() bool {
	return c.BLE.Enabled == nil || *c.BLE.Enabled
}

// AdvertiseEnabled reports whether the agent advertises itself over BLE
// once the secondary link is up. Absent means enabled.
func (c *Config) AdvertiseEnabled() bool {
	return c.BLE.Advertise == nil || *c.BLE.Advertise
}

// seconds converts a whole-second config value to a Duration, using def when unset.
func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// GetConnectTimeout returns the MQTT connect timeout.
func (c *Config) GetConnectTimeout() time.Duration { return seconds(c.MQTT.ConnectTimeout, 10) }

// GetPublishTimeout returns the MQTT acknowledgement wait.
func (c *Config) GetPublishTimeout() time.Duration { return seconds(c.MQTT.PublishTimeout, 5) }

// GetKeepAlive returns the MQTT keepalive interval.
func (c *Config) GetKeepAlive() time.Duration { return seconds(c.MQTT.KeepAlive, 60) }

// GetReconnectDelay returns the delay before the single in-transport reconnect.
func (c *Config) GetReconnectDelay() time.Duration { return seconds(c.MQTT.ReconnectDelay, 1) }

// GetDiscoveryTimeout returns the overall discovery budget.
func (c *Config) GetDiscoveryTimeout() time.Duration { return seconds(c.Discovery.Timeout, 10) }

// GetScanTimeout returns the BLE scan budget.
func (c *Config) GetScanTimeout() time.Duration { return seconds(c.BLE.ScanTimeout, 10) }

// GetAckTimeout returns how long the secondary transport waits for a receiver ack.
func (c *Config) GetAckTimeout() time.Duration { return seconds(c.BLE.AckTimeout, 10) }

// GetInitialBackoff returns the first supervisor backoff step.
func (c *Config) GetInitialBackoff() time.Duration { return seconds(c.Supervisor.InitialBackoff, 1) }

// GetConfigRetryInterval returns how often an unresolvable configuration is retried.
func (c *Config) GetConfigRetryInterval() time.Duration {
	return seconds(c.Supervisor.ConfigRetryInterval, 30)
}
