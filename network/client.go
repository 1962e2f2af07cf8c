package network

import (
	"fmt"
	"net"

	"projsync/logging"
)

// Dial connects to a peer, exchanges hello, and returns a ready PeerConnection.
func Dial(address string, options HelloOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", address, opts.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	peer, err := exchangeHello(conn, opts.ConnectionTimeout, func() (Hello, error) {
		return dialHello(conn, opts)
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	opts.Logger.Debug("connected", logging.String("peer", peer.DeviceID), logging.String("address", address))
	return newPeerConnection(conn, opts.connOptions(peer)), nil
}
