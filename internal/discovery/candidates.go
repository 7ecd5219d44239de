package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	natlib "github.com/libp2p/go-nat"
)

// commonSuffixes are the host numbers brokers most often sit on in a
// home /24, in probe order.
var commonSuffixes = []byte{1, 100, 10, 2, 254}

const gatewayHintTimeout = 2 * time.Second

// SubnetCandidates lists sweep targets from the host's IPv4 /24 networks.
type SubnetCandidates struct {
	// FullSweep appends every remaining address of each /24.
	FullSweep bool

	// GatewayHint puts the UPnP/NAT-PMP gateway address first.
	GatewayHint bool

	// Prefixes overrides interface enumeration (tests).
	Prefixes []net.IP
}

// Candidates implements CandidateSource.
func (s SubnetCandidates) Candidates(ctx context.Context) ([]string, error) {
	prefixes := s.Prefixes
	if prefixes == nil {
		var err error
		prefixes, err = localPrefixes()
		if err != nil {
			return nil, err
		}
	}

	var hosts []string
	if s.GatewayHint {
		if gw := gatewayAddress(ctx); gw != "" {
			hosts = append(hosts, gw)
		}
	}
	hosts = append(hosts, expand(prefixes, s.FullSweep)...)
	return dedupe(hosts), nil
}

// expand turns /24 prefixes into host addresses, common suffixes first.
func expand(prefixes []net.IP, full bool) []string {
	var hosts []string
	for _, p := range prefixes {
		for _, n := range commonSuffixes {
			hosts = append(hosts, hostAddr(p, n))
		}
	}
	if !full {
		return hosts
	}
	for _, p := range prefixes {
		for n := 1; n <= 254; n++ {
			hosts = append(hosts, hostAddr(p, byte(n)))
		}
	}
	return hosts
}

func hostAddr(prefix net.IP, n byte) string {
	return net.IPv4(prefix[0], prefix[1], prefix[2], n).String()
}

// localPrefixes returns the /24 prefix of each up, non-loopback IPv4 address.
func localPrefixes() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("discovery: listing interfaces: %w", err)
	}

	var prefixes []net.IP
	seen := make(map[string]bool)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.IsLinkLocalUnicast() {
				continue
			}
			p := net.IP{ip4[0], ip4[1], ip4[2], 0}
			if !seen[p.String()] {
				seen[p.String()] = true
				prefixes = append(prefixes, p)
			}
		}
	}
	return prefixes, nil
}

// gatewayAddress asks the UPnP/NAT-PMP gateway for its LAN address.
// Any failure just means no hint.
func gatewayAddress(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, gatewayHintTimeout)
	defer cancel()

	gw, err := natlib.DiscoverGateway(ctx)
	if err != nil || gw == nil {
		return ""
	}
	ip, err := gw.GetDeviceAddress()
	if err != nil || ip.To4() == nil {
		return ""
	}
	return ip.String()
}
