package discovery

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"
)

// MDNSBrowser browses the local. domain with zeroconf.
type MDNSBrowser struct {
	Domain string
}

// Browse implements Browser. It collects entries until ctx ends.
func (b MDNSBrowser) Browse(ctx context.Context, service string) ([]Endpoint, error) {
	domain := b.Domain
	if domain == "" {
		domain = "local."
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: creating mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("discovery: browsing %s: %w", service, err)
	}

	var found []Endpoint
	for {
		select {
		case <-ctx.Done():
			return found, nil
		case e, ok := <-entries:
			if !ok {
				return found, nil
			}
			for _, ip := range e.AddrIPv4 {
				found = append(found, Endpoint{Host: ip.String(), Port: e.Port})
			}
		}
	}
}
