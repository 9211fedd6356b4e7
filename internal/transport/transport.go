// Package transport opens the client's connections to a replnet server.
// A connection either goes straight to the server over TCP or is
// forwarded through an SSH gateway, for servers bound to a loopback
// address on a remote host.
package transport

import (
	"context"
	"net"
	"time"

	"replnet/tunnel"
	"replnet/util"
)

// Dialer opens the console and control connections.
type Dialer interface {
	// Dial connects to address ("host:port") on network "tcp".
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases long-lived resources such as an SSH connection.
	Close() error
}

// New returns an SSH dialer when gw is set and a TCP dialer otherwise.
func New(gw *tunnel.SSHConfig, timeout time.Duration, logger *util.Logger) Dialer {
	if gw != nil {
		if gw.ConnTimeout == 0 {
			gw.ConnTimeout = timeout
		}
		return NewSSHDialer(gw, logger)
	}
	return &TCPDialer{Timeout: timeout}
}
