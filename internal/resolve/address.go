package resolve

import (
	"strings"

	"github.com/nerrad567/netbro-agent/internal/infrastructure/config"
)

// BrokerAddress is either an explicit host or a request for discovery.
// The zero value means AutoDiscover.
type BrokerAddress struct {
	host string
}

// AutoDiscover returns the address meaning "find the broker on the network".
func AutoDiscover() BrokerAddress { return BrokerAddress{} }

// Explicit returns a fixed broker host.
func Explicit(host string) BrokerAddress { return BrokerAddress{host: host} }

// ParseBrokerAddress maps the persisted broker_address value. Empty and
// "AUTO" (any case) mean AutoDiscover.
func ParseBrokerAddress(s string) BrokerAddress {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, config.AutoValue) {
		return AutoDiscover()
	}
	return Explicit(s)
}

// IsAuto reports whether discovery is required.
func (b BrokerAddress) IsAuto() bool { return b.host == "" }

// Host returns the explicit host, or "" for AutoDiscover.
func (b BrokerAddress) Host() string { return b.host }

// String returns the persisted form.
func (b BrokerAddress) String() string {
	if b.IsAuto() {
		return config.AutoValue
	}
	return b.host
}
