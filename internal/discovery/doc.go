// Package discovery locates an MQTT broker on the local network.
//
// It first browses mDNS for _mqtt._tcp, then sweeps likely hosts of the
// local /24 networks with TCP connects: the gateway reported by UPnP or
// NAT-PMP, the common host numbers .1 .100 .10 .2 .254, and optionally
// the whole subnet. Discovery is best effort and bounded by its timeout.
//
// Usage:
//
//	d := discovery.New(discovery.Config{}, discovery.MDNSBrowser{},
//	    &discovery.TCPProber{}, discovery.SubnetCandidates{GatewayHint: true})
//	ep, err := d.Discover(ctx, 1883, 10*time.Second)
//	if errors.Is(err, discovery.ErrNotFound) {
//	    // fall back to a configured address
//	}
package discovery
