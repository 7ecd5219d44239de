package discovery

import (
	"context"
	"net"
)

// TCPProber treats a completed TCP handshake as a reachable broker.
type TCPProber struct {
	dialer net.Dialer
}

// Probe implements Prober.
func (p *TCPProber) Probe(ctx context.Context, ep Endpoint) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return err
	}
	return conn.Close()
}
