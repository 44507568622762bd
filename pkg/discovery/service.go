// Package discovery announces and browses rdrop peers on the local network.
// It is a convenience side channel: LAN peers can skip the manual address
// exchange, the wire protocol itself is unchanged.
package discovery

import (
	"context"
	"net"
)

const (
	// ServiceType is the mDNS service rdrop registers under.
	ServiceType = "_rdrop._udp"
	// Domain is the mDNS domain.
	Domain = "local"
)

// Peer is one announced rdrop endpoint.
type Peer struct {
	Name        string
	Addr        net.IP
	Port        int
	Fingerprint string // advertised key digest, empty until secured
}

// Result carries either a peer snapshot or a browse error.
type Result struct {
	Peers []Peer
	Err   error
}

// Adapter abstracts the mDNS implementation for tests.
type Adapter interface {
	Announce(ctx context.Context, peer Peer) error
	Browse(ctx context.Context) <-chan Result
}
