package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection constants.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	maxQoS        = 2
	tlsMinVersion = tls.VersionTLS12
)

// Options describes a single broker session.
//
// Reconnection is deliberately not configured here: the connectivity
// supervisor decides when to retry, so paho's auto-reconnect stays off.
type Options struct {
	Host     string
	Port     int
	ClientID string
	TLS      bool
	Username string
	Password string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	// StatusTopic receives the retained online/offline status and the LWT.
	// Empty disables both.
	StatusTopic string
}

// BrokerURL returns the paho broker URL for these options.
func (o Options) BrokerURL() string {
	scheme := "tcp"
	if o.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, o.Host, o.Port)
}

func (o Options) connectTimeout() time.Duration {
	if o.ConnectTimeout <= 0 {
		return defaultConnectTimeout
	}
	return o.ConnectTimeout
}

func (o Options) publishTimeout() time.Duration {
	if o.PublishTimeout <= 0 {
		return defaultPublishTimeout
	}
	return o.PublishTimeout
}

// buildClientOptions creates paho MQTT options.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID and optional credentials
//   - Clean session with auto-reconnect disabled
//   - Keepalive and connect timeout
func buildClientOptions(o Options) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(o.BrokerURL())
	opts.SetClientID(o.ClientID)

	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(o.connectTimeout())

	keepAlive := o.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	if o.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// StatusPayload is the retained agent presence message. The online and
// offline statuses, the LWT and the transport heartbeat all use it.
type StatusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// BuildStatusPayload encodes a StatusPayload stamped with the current time.
func BuildStatusPayload(status, clientID, reason string) []byte {
	data, _ := json.Marshal(StatusPayload{ //nolint:errcheck // plain strings always marshal
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return data
}

// configureLWT sets up Last Will and Testament so the hub sees an
// unexpected disconnect as an offline status.
//
// QoS: 1, Retained: true
func configureLWT(opts *pahomqtt.ClientOptions, o Options) {
	if o.StatusTopic == "" {
		return
	}
	opts.SetBinaryWill(o.StatusTopic, BuildStatusPayload("offline", o.ClientID, "unexpected_disconnect"), 1, true)
}

// waitToken blocks until the token completes, the timeout passes or ctx ends.
func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
