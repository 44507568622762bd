package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/brutella/dnssd"
)

// MDNS implements Adapter with dnssd.
type MDNS struct{}

// Announce registers this endpoint until ctx is cancelled.
func (m *MDNS) Announce(ctx context.Context, peer Peer) error {
	text := map[string]string{}
	if peer.Fingerprint != "" {
		text["fp"] = peer.Fingerprint
	}

	cfg := dnssd.Config{
		Name:   peer.Name,
		Type:   ServiceType,
		Domain: Domain,
		// multicast fills in the interface addresses
		IPs:  nil,
		Text: text,
		Port: peer.Port,
	}
	service, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("create mdns service: %w", err)
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("create mdns responder: %w", err)
	}
	if _, err = rp.Add(service); err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	if err = rp.Respond(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("mdns respond: %w", err)
	}
	return nil
}

// Browse streams snapshots of the visible peers until ctx is cancelled.
func (m *MDNS) Browse(ctx context.Context) <-chan Result {
	var (
		mu      sync.Mutex
		entries = make(map[string]Peer)
		out     = make(chan Result, 10)
	)

	snapshot := func() {
		mu.Lock()
		peers := make([]Peer, 0, len(entries))
		for _, p := range entries {
			peers = append(peers, p)
		}
		mu.Unlock()
		select {
		case out <- Result{Peers: peers}:
		default:
		}
	}

	addFn := func(e dnssd.BrowseEntry) {
		if len(e.IPs) == 0 {
			return
		}
		mu.Lock()
		entries[e.Name] = Peer{
			Name:        e.Name,
			Addr:        e.IPs[0],
			Port:        e.Port,
			Fingerprint: e.Text["fp"],
		}
		mu.Unlock()
		snapshot()
	}
	rmvFn := func(e dnssd.BrowseEntry) {
		mu.Lock()
		delete(entries, e.Name)
		mu.Unlock()
		snapshot()
	}

	go func() {
		defer close(out)
		if err := dnssd.LookupType(ctx, fmt.Sprintf("%s.%s.", ServiceType, Domain), addFn, rmvFn); err != nil && err != context.Canceled {
			select {
			case out <- Result{Err: fmt.Errorf("mdns lookup: %w", err)}:
			default:
			}
		}
	}()
	return out
}
