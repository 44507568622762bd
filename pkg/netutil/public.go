// Package netutil looks up the public address of this host, which the user
// hands to the peer out-of-band together with the bound port.
package netutil

import (
	"fmt"
	"net"

	"github.com/pion/stun/v2"
)

// DefaultSTUNServer answers binding requests when none is configured.
const DefaultSTUNServer = "stun.l.google.com:19302"

// PublicAddr asks a STUN server for the reflexive address of this host. The
// query goes out from a fresh ephemeral UDP socket, not the session socket,
// so the returned port is the NAT mapping of that ephemeral socket.
func PublicAddr(server string) (net.IP, int, error) {
	if server == "" {
		server = DefaultSTUNServer
	}
	conn, err := net.Dial("udp", server)
	if err != nil {
		return nil, 0, fmt.Errorf("dial stun server: %w", err)
	}
	defer conn.Close()

	c, err := stun.NewClient(conn)
	if err != nil {
		return nil, 0, fmt.Errorf("create stun client: %w", err)
	}
	defer c.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	var xorAddr stun.XORMappedAddress
	var queryErr error
	err = c.Do(message, func(res stun.Event) {
		if res.Error != nil {
			queryErr = res.Error
			return
		}
		if err := xorAddr.GetFrom(res.Message); err != nil {
			queryErr = fmt.Errorf("read xor mapped address: %w", err)
		}
	})
	if err != nil {
		return nil, 0, fmt.Errorf("stun query: %w", err)
	}
	if queryErr != nil {
		return nil, 0, queryErr
	}
	return xorAddr.IP, xorAddr.Port, nil
}
