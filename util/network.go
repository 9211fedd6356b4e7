package util

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// FindFreePort returns an available TCP port on 127.0.0.1.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// PortOf returns the port of a TCP address, or 0 for other address types.
func PortOf(addr net.Addr) int {
	if ta, ok := addr.(*net.TCPAddr); ok {
		return ta.Port
	}
	return 0
}

// BufferedConn is a net.Conn whose reads are served from a bufio.Reader
// that may already hold data read ahead from the connection.
//
// It has no CloseWrite: a console server treats a half-close as the
// client hanging up, so BidirectionalCopy must not send one.
type BufferedConn struct {
	net.Conn
	R *bufio.Reader
}

// NewBufferedConn wraps conn with a fresh reader.
func NewBufferedConn(conn net.Conn) *BufferedConn {
	return &BufferedConn{Conn: conn, R: bufio.NewReader(conn)}
}

func (c *BufferedConn) Read(p []byte) (int, error) { return c.R.Read(p) }

// ReadLine reads one newline-terminated line and strips the line ending,
// including a carriage return added by terminal output processing.
func (c *BufferedConn) ReadLine() (string, error) {
	line, err := c.R.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
