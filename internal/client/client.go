// Package client connects to a replnet server. It opens the console
// connection, reads the session id the server announces on its first
// line, then opens a control connection and pairs it with that session
// so that Tab and Ctrl-C can be serviced out of band.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"replnet/internal/apiproto"
	errs "replnet/internal/errors"
	"replnet/internal/msg"
	"replnet/internal/retry"
	"replnet/internal/transport"
	"replnet/util"
)

// DefaultRequestTimeout bounds one control request round trip.
const DefaultRequestTimeout = 3 * time.Second

// maxCandidates caps the completion states asked for per Tab press.
const maxCandidates = 256

// Options configures Dial.
type Options struct {
	Host        string
	ConsolePort int
	ControlPort int

	Dialer         transport.Dialer // nil dials plain TCP
	Backoff        *retry.Backoff   // nil makes a single attempt
	RequestTimeout time.Duration
	Limits         msg.Limits
	Logger         *util.Logger
}

// Client holds one console session and its control link.
type Client struct {
	opts    Options
	logger  *util.Logger
	console *util.BufferedConn
	id      string

	// mu serializes control requests; replies carry no request id, so
	// exactly one request may be outstanding.
	mu      sync.Mutex
	control net.Conn
	recv    *apiproto.Receiver
	breaker *retry.Breaker

	infoMu   sync.Mutex
	ps1, ps2 string
	banner   string
	sessions int
}

// Dial opens the console connection, reads the session id and pairs a
// control connection with it. Control failures after the console is up
// are logged, not returned: the console still works without them.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Dialer == nil {
		opts.Dialer = &transport.TCPDialer{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	c := &Client{
		opts:    opts,
		logger:  opts.Logger,
		breaker: retry.NewBreaker(3, 10*time.Second),
	}
	c.breaker.OnStateChange(func(from, to retry.State) {
		c.logger.Verbose("control link %s -> %s", from, to)
	})

	consoleAddr := util.FormatAddr(opts.Host, opts.ConsolePort)
	conn, err := c.dial(ctx, consoleAddr)
	if err != nil {
		return nil, err
	}
	c.console = util.NewBufferedConn(conn)

	conn.SetReadDeadline(time.Now().Add(opts.RequestTimeout)) //nolint:errcheck
	id, err := c.console.ReadLine()
	conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	if err != nil {
		conn.Close()
		return nil, errs.Wrap("read session id", consoleAddr, err)
	}
	if id == "" {
		conn.Close()
		return nil, errs.Wrap("read session id", consoleAddr, errors.New("empty session id"))
	}
	c.id = id
	c.logger.Verbose("session %s on %s", id, consoleAddr)

	c.mu.Lock()
	err = c.connectControl(ctx)
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("control link unavailable, Tab and Ctrl-C stay local: %v", err)
	} else if err := c.describe(ctx); err != nil {
		c.logger.Warn("describe server: %v", err)
	}
	return c, nil
}

// dial connects to addr, retrying refused and timed-out attempts while
// a server may still be coming up.
func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	var conn net.Conn
	attempt := func(n int) error {
		cn, err := c.opts.Dialer.Dial(ctx, "tcp", addr)
		if err != nil {
			werr := errs.Wrap("dial", addr, err)
			if !werr.Retryable && !errors.Is(err, syscall.ECONNREFUSED) {
				return retry.Permanent(werr)
			}
			c.logger.Verbose("dial %s (attempt %d): %v", addr, n, err)
			return werr
		}
		conn = cn
		return nil
	}
	if c.opts.Backoff == nil {
		if err := attempt(1); err != nil {
			if retry.IsPermanent(err) {
				return nil, errors.Unwrap(err)
			}
			return nil, err
		}
		return conn, nil
	}
	if err := c.opts.Backoff.Do(ctx, attempt); err != nil {
		return nil, err
	}
	return conn, nil
}

// connectControl opens and pairs a control connection. mu must be held.
func (c *Client) connectControl(ctx context.Context) error {
	addr := util.FormatAddr(c.opts.Host, c.opts.ControlPort)
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	c.control = conn
	c.recv = apiproto.NewReceiver(msg.StreamSource(conn, 0), c.opts.Limits)

	resp, err := c.roundTrip(apiproto.Payload{
		"command": apiproto.CommandPairWithSession,
		"id":      c.id,
	})
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		c.dropControl()
		return fmt.Errorf("pair with %s: %w", c.id, err)
	}
	c.logger.Debug("control paired with %s", c.id)
	return nil
}

// dropControl discards a control connection whose stream position can
// no longer be trusted. mu must be held.
func (c *Client) dropControl() {
	if c.control != nil {
		c.control.Close()
		c.control = nil
		c.recv = nil
	}
}

// roundTrip sends req and reads one reply. mu must be held. Any error
// leaves the stream out of step, so the caller drops the connection.
func (c *Client) roundTrip(req apiproto.Payload) (apiproto.Response, error) {
	var resp apiproto.Response
	c.control.SetDeadline(time.Now().Add(c.opts.RequestTimeout)) //nolint:errcheck
	defer c.control.SetDeadline(time.Time{})                     //nolint:errcheck

	if err := apiproto.Send(c.control, req); err != nil {
		return resp, err
	}
	if err := c.recv.Recv(&resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Request sends one control request and returns the reply. A lost
// control link is re-established and re-paired on the next request;
// repeated failures open a breaker so that callers fail fast.
func (c *Client) Request(ctx context.Context, req apiproto.Payload) (apiproto.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var resp apiproto.Response
	err := c.breaker.Execute(func() error {
		if c.control == nil {
			if err := c.connectControl(ctx); err != nil {
				return err
			}
		}
		r, err := c.roundTrip(req)
		if err != nil {
			c.dropControl()
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return resp, err
	}
	return resp, resp.Err()
}

func (c *Client) describe(ctx context.Context) error {
	resp, err := c.Request(ctx, apiproto.Payload{"command": apiproto.CommandDescribeServer})
	if err != nil {
		return err
	}
	c.infoMu.Lock()
	c.ps1, c.ps2 = resp.Prompts["ps1"], resp.Prompts["ps2"]
	c.banner, c.sessions = resp.Banner, resp.Sessions
	c.infoMu.Unlock()
	c.logger.Debug("server has %d sessions, prompts %q %q", resp.Sessions, c.ps1, c.ps2)
	return nil
}

// Complete asks the server for every completion of text, in order.
func (c *Client) Complete(ctx context.Context, text string) ([]string, error) {
	var out []string
	for state := 0; state < maxCandidates; state++ {
		resp, err := c.Request(ctx, apiproto.Payload{
			"command": apiproto.CommandTabComplete,
			"text":    text,
			"state":   state,
		})
		if err != nil {
			return out, err
		}
		if resp.Result == nil {
			break
		}
		out = append(out, *resp.Result)
	}
	return out, nil
}

// Interrupt sends a keyboard interrupt to the session.
func (c *Client) Interrupt(ctx context.Context) error {
	_, err := c.Request(ctx, apiproto.Payload{"command": apiproto.CommandKeyboardInterrupt})
	return err
}

// SessionID returns the id the server announced.
func (c *Client) SessionID() string { return c.id }

// Prompts returns the session's prompts as reported by DescribeServer.
func (c *Client) Prompts() (ps1, ps2 string) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.ps1, c.ps2
}

// Banner returns the server banner reported by DescribeServer.
func (c *Client) Banner() string {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.banner
}

// Console returns the console connection. Data the server sent after
// the id line and already buffered is served by its reads.
func (c *Client) Console() *util.BufferedConn { return c.console }

// Close closes both connections and the dialer.
func (c *Client) Close() error {
	c.mu.Lock()
	c.dropControl()
	c.mu.Unlock()
	err := c.console.Close()
	if derr := c.opts.Dialer.Close(); err == nil {
		err = derr
	}
	if util.IsHarmless(err) {
		return nil
	}
	return err
}
