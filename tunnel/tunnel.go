// Package tunnel connects a replnet client to a server that is only
// reachable from an SSH gateway, typically one listening on the
// gateway's loopback address. It is built on golang.org/x/crypto/ssh.
package tunnel

import (
	"context"
	"net"
)

// Tunnel is an encrypted link that can open TCP streams on the far side.
type Tunnel interface {
	// Connect dials the gateway and authenticates.
	Connect(ctx context.Context) error

	// Dial opens a stream to address as seen from the gateway.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close tears down the link and every stream on it.
	Close() error

	// IsAlive reports whether the link is still up.
	IsAlive() bool
}
