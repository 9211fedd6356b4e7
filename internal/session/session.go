// Package session represents one console connection: a socket, the PTY
// allocated for it and the interactive program running on that PTY.
//
// Every session carries its own terminal handle. A program never reaches
// for process-wide stdio; it reads and writes the slave it is handed, so
// any number of sessions can run side by side in one process.
package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	errs "replnet/internal/errors"
	"replnet/internal/metrics"
	"replnet/internal/ptyproxy"
	"replnet/util"
)

// Program is the interactive program attached to a session's terminal.
type Program interface {
	// Run drives the program on tty until it exits or ctx is done.
	Run(ctx context.Context, tty *os.File) error
	// Interrupt delivers the equivalent of Ctrl-C.
	Interrupt()
	// Hangup asks the program to exit because the client has gone.
	// input feeds the program's terminal.
	Hangup(input io.Writer)
	// Complete returns the state-th completion candidate for text.
	Complete(text string, state int) (string, bool)
	// Prompts returns the primary and continuation prompts.
	Prompts() (ps1, ps2 string)
}

// NewID returns a fresh session identifier.
func NewID() string { return uuid.NewString() }

// Options configures a Session.
type Options struct {
	// Raw puts the terminal in raw mode. The built-in console wants it;
	// an external program usually expects a cooked terminal.
	Raw          bool
	PollInterval time.Duration
	Rows, Cols   uint16

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Session binds one console connection to a PTY and a Program.
type Session struct {
	id      string
	conn    net.Conn
	prog    Program
	opts    Options
	logger  *util.Logger
	started time.Time

	proxy   *ptyproxy.Proxy
	ready   chan struct{} // closed once proxy is set
	pending atomic.Bool   // Terminate arrived before ready
	closing atomic.Bool

	mu      sync.Mutex
	control string // id of the paired control channel
}

// New creates a session for conn. id must be unique within a Registry.
func New(id string, conn net.Conn, prog Program, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	return &Session{
		id:      id,
		conn:    conn,
		prog:    prog,
		opts:    opts,
		logger:  opts.Logger.With("session " + shortID(id)),
		started: time.Now(),
		ready:   make(chan struct{}),
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the client's address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Started returns when the session was created.
func (s *Session) Started() time.Time { return s.started }

// Serve allocates the PTY, announces the session id as the first line on
// the console, registers the session in reg and runs the program until
// it exits. The connection is left open for the caller to close.
func (s *Session) Serve(ctx context.Context, reg *Registry) error {
	proxy, err := ptyproxy.New(s.conn, ptyproxy.Options{
		Raw:                s.opts.Raw,
		PollInterval:       s.opts.PollInterval,
		OnSocketDisconnect: s.peerGone,
		OnSlaveDisconnect:  s.terminalGone,
		Logger:             s.logger,
		Metrics:            s.opts.Metrics,
	})
	if err != nil {
		return errs.WrapSession("start", s.id, err)
	}
	s.proxy = proxy
	close(s.ready)
	if s.pending.Load() {
		s.terminate()
	}
	defer func() {
		if err := proxy.Stop(); err != nil {
			s.logger.Debug("release pty: %v", err)
		}
	}()

	if s.opts.Rows > 0 && s.opts.Cols > 0 {
		if err := proxy.Resize(s.opts.Rows, s.opts.Cols); err != nil {
			s.logger.Debug("resize pty: %v", err)
		}
	}

	if err := reg.Add(s); err != nil {
		return errs.WrapSession("start", s.id, err)
	}
	defer reg.Remove(s.id)
	s.opts.Metrics.SessionOpened()
	defer s.opts.Metrics.SessionClosed()

	// Registered first, so a client can pair as soon as it reads the id.
	if _, err := io.WriteString(s.conn, s.id+"\n"); err != nil {
		return errs.WrapSession("start", s.id, err)
	}
	if err := proxy.Start(); err != nil {
		return errs.WrapSession("start", s.id, err)
	}
	s.logger.Info("started on %s for %s", proxy.Name(), s.conn.RemoteAddr())

	err = s.prog.Run(ctx, proxy.Slave())
	s.logger.Info("ended after %s", time.Since(s.started).Truncate(time.Millisecond))
	if err != nil && ctx.Err() == nil {
		return errs.WrapSession("run", s.id, err)
	}
	return nil
}

// peerGone runs on the relay goroutine when the client disconnects.
func (s *Session) peerGone() {
	s.logger.Verbose("client disconnected")
	s.prog.Hangup(s.proxy)
}

// terminalGone runs on the relay goroutine when the program side of the
// terminal has been closed.
func (s *Session) terminalGone() {
	s.logger.Verbose("terminal closed by program")
}

// Interrupt delivers a keyboard interrupt to the program.
func (s *Session) Interrupt() {
	s.logger.Debug("interrupt")
	s.opts.Metrics.Interrupt()
	s.prog.Interrupt()
}

// Complete queries the program's completer.
func (s *Session) Complete(text string, state int) (string, bool) {
	s.opts.Metrics.Completion()
	return s.prog.Complete(text, state)
}

// Prompts returns the program's prompts.
func (s *Session) Prompts() (ps1, ps2 string) { return s.prog.Prompts() }

// BindControl records the control channel paired with this session. A
// later pairing replaces an earlier one.
func (s *Session) BindControl(controlID string) {
	s.mu.Lock()
	prev := s.control
	s.control = controlID
	s.mu.Unlock()
	if prev != "" && prev != controlID {
		s.logger.Verbose("control %s replaces %s", shortID(controlID), shortID(prev))
	} else {
		s.logger.Verbose("paired with control %s", shortID(controlID))
	}
}

// Control returns the id of the paired control channel, if any.
func (s *Session) Control() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

// Terminate ends the session as if the client had disconnected. The
// socket's read side is shut down so the relay observes the disconnect
// itself; the descriptor stays valid until Serve returns. A session
// that has not allocated its terminal yet ends as soon as it has.
func (s *Session) Terminate() {
	select {
	case <-s.ready:
		s.terminate()
		return
	default:
	}
	s.pending.Store(true)
	// Serve may have become ready since the first check.
	select {
	case <-s.ready:
		s.terminate()
	default:
	}
}

func (s *Session) terminate() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	if cr, ok := s.conn.(interface{ CloseRead() error }); ok {
		if err := cr.CloseRead(); err == nil {
			return
		}
	}
	s.prog.Hangup(s.proxy)
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s)", s.id, s.conn.RemoteAddr())
}
