// Package server runs the two listeners of a replnet server: the console
// listener, which gives every connection its own PTY session, and the
// control listener, which serves structured requests against those
// sessions. Each accepted connection is handled on its own goroutine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"replnet/internal/control"
	errs "replnet/internal/errors"
	"replnet/internal/metrics"
	"replnet/internal/msg"
	"replnet/internal/repl"
	"replnet/internal/session"
	"replnet/util"
)

// Options configures a Server. Zero ports pick ephemeral ports.
type Options struct {
	Host        string
	ConsolePort int
	ControlPort int

	// Console program. With Exec and Command empty, sessions run the
	// built-in console.
	Banner   string
	PS1, PS2 string
	Exec     string
	ExecArgs []string
	Command  string

	PollInterval time.Duration
	Rows, Cols   uint16
	Limits       msg.Limits
}

// Server owns both listeners and the registry of live sessions.
type Server struct {
	opts     Options
	logger   *util.Logger
	metrics  *metrics.Collector
	registry *session.Registry
	control  *control.Handler

	// ctx outlives Start's context so that a halted server can still
	// drain; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	consoleLn net.Listener
	controlLn net.Listener

	listeners sync.WaitGroup
	handlers  sync.WaitGroup

	halted      atomic.Bool
	consoles    atomic.Int64 // console handlers in flight
	drained     chan struct{}
	drainedOnce sync.Once
	closeOnce   sync.Once
}

// New creates a server. Call Start to begin accepting.
func New(opts Options, logger *util.Logger, m *metrics.Collector) *Server {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		logger:   logger,
		metrics:  m,
		registry: session.NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		drained:  make(chan struct{}),
	}
	s.control = &control.Handler{
		Lookup:   s.lookup,
		Describe: s.describe,
		Limits:   opts.Limits,
		Logger:   logger,
		Metrics:  m,
	}
	return s
}

// Registry exposes the live sessions.
func (s *Server) Registry() *session.Registry { return s.registry }

// Start binds both listeners and launches their accept loops.
func (s *Server) Start(ctx context.Context) error {
	if s.halted.Load() {
		return errs.ErrServerHalted
	}
	var lc net.ListenConfig

	consoleAddr := util.FormatAddr(s.opts.Host, s.opts.ConsolePort)
	consoleLn, err := lc.Listen(ctx, "tcp", consoleAddr)
	if err != nil {
		return errs.Wrap("listen", consoleAddr, err)
	}
	controlAddr := util.FormatAddr(s.opts.Host, s.opts.ControlPort)
	controlLn, err := lc.Listen(ctx, "tcp", controlAddr)
	if err != nil {
		consoleLn.Close()
		return errs.Wrap("listen", controlAddr, err)
	}

	s.mu.Lock()
	s.consoleLn, s.controlLn = consoleLn, controlLn
	s.mu.Unlock()

	s.logger.Info("console listening on %s", consoleLn.Addr())
	s.logger.Info("control listening on %s", controlLn.Addr())

	s.listeners.Add(2)
	go s.acceptLoop(consoleLn, "console", s.serveConsole)
	go s.acceptLoop(controlLn, "control", s.serveControl)
	return nil
}

// Addrs returns the bound console and control addresses, or nils before
// Start.
func (s *Server) Addrs() (console, ctrl net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consoleLn == nil {
		return nil, nil
	}
	return s.consoleLn.Addr(), s.controlLn.Addr()
}

// ── Accept loops ─────────────────────────────────────────────────────

func (s *Server) acceptLoop(ln net.Listener, kind string, handle func(net.Conn)) {
	defer s.listeners.Done()
	var backoff time.Duration

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			// Resource exhaustion (EMFILE and friends): back off like
			// net/http does instead of spinning.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Error("accept %s: %v; retrying in %v", kind, err, backoff)
			s.metrics.RecordError(fmt.Sprintf("accept %s: %v", kind, err))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.logger.Verbose("%s connection from %s", kind, conn.RemoteAddr())
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer conn.Close()
			defer s.recoverHandler(kind, conn)
			handle(conn)
		}()
	}
}

func (s *Server) recoverHandler(kind string, conn net.Conn) {
	if r := recover(); r != nil {
		s.logger.Error("%s handler for %s panicked: %v", kind, conn.RemoteAddr(), r)
		s.metrics.RecordError(fmt.Sprintf("%s handler panic: %v", kind, r))
	}
}

func (s *Server) serveConsole(conn net.Conn) {
	s.consoles.Add(1)
	defer s.consoleDone()
	if s.halted.Load() {
		return
	}

	id := session.NewID()
	prog, raw := s.newProgram(id)
	sess := session.New(id, conn, prog, session.Options{
		Raw:          raw,
		PollInterval: s.opts.PollInterval,
		Rows:         s.opts.Rows,
		Cols:         s.opts.Cols,
		Logger:       s.logger,
		Metrics:      s.metrics,
	})
	if err := sess.Serve(s.ctx, s.registry); err != nil {
		s.logger.Warn("%v", err)
		s.metrics.RecordError(err.Error())
	}
}

func (s *Server) serveControl(conn net.Conn) {
	if err := s.control.Serve(s.ctx, conn); err != nil {
		s.logger.Verbose("control %s: %v", conn.RemoteAddr(), err)
	}
}

// newProgram picks the program for a new session and whether its
// terminal should be raw.
func (s *Server) newProgram(id string) (session.Program, bool) {
	if s.opts.Exec != "" || s.opts.Command != "" {
		return &session.Exec{
			Program: s.opts.Exec,
			Args:    s.opts.ExecArgs,
			Command: s.opts.Command,
			Logger:  s.logger,
		}, false
	}
	return repl.New(repl.Options{
		SessionID: id,
		Banner:    s.opts.Banner,
		PS1:       s.opts.PS1,
		PS2:       s.opts.PS2,
		Logger:    s.logger,
	}), true
}

func (s *Server) lookup(id string) (control.Target, bool) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return nil, false
	}
	return sess, true
}

func (s *Server) describe() control.Description {
	ps1, ps2 := s.opts.PS1, s.opts.PS2
	if ps1 == "" {
		ps1 = repl.DefaultPS1
	}
	if ps2 == "" {
		ps2 = repl.DefaultPS2
	}
	return control.Description{
		Banner:   s.opts.Banner,
		PS1:      ps1,
		PS2:      ps2,
		Sessions: s.registry.Len(),
	}
}

// ── Shutdown ─────────────────────────────────────────────────────────

func (s *Server) consoleDone() {
	if s.consoles.Add(-1) == 0 && s.halted.Load() {
		s.signalDrained()
	}
}

func (s *Server) signalDrained() {
	s.drainedOnce.Do(func() { close(s.drained) })
}

// Halt stops accepting console connections. Live sessions keep running
// and the control listener stays up so that they can still be
// interrupted and completed. Halt is idempotent.
func (s *Server) Halt() {
	if s.halted.Swap(true) {
		return
	}
	s.mu.Lock()
	ln := s.consoleLn
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.logger.Verbose("halted with %d sessions", s.registry.Len())
	if s.consoles.Load() == 0 {
		s.signalDrained()
	}
}

// Halted reports whether Halt or Close has been called.
func (s *Server) Halted() bool { return s.halted.Load() }

// Drained reports whether the server is halted and no console session
// is left.
func (s *Server) Drained() bool {
	return s.halted.Load() && s.consoles.Load() == 0
}

// WaitDrained blocks until the server is halted and every console
// session has ended, or ctx is done.
func (s *Server) WaitDrained(ctx context.Context) error {
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSessions ends every live session as if its client had gone away.
func (s *Server) CloseSessions() {
	for _, sess := range s.registry.Snapshot() {
		s.logger.Verbose("closing %s", sess)
		sess.Terminate()
	}
}

// Close halts the server, closes both listeners, cancels the context of
// every connection handler and waits for the accept loops to exit. It
// does not wait for in-flight sessions; use Wait for that.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Halt()
		s.mu.Lock()
		if s.controlLn != nil {
			if cerr := s.controlLn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}
		s.mu.Unlock()
		s.cancel()
		s.listeners.Wait()
		s.logger.Verbose("listeners closed")
	})
	return err
}

// Wait blocks until every connection handler has returned.
func (s *Server) Wait() { s.handlers.Wait() }

// Run starts the server, serves until ctx is done, then shuts down: halt,
// wait up to grace for sessions to end, close what is left, close.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	s.logger.Info("shutting down; %d sessions live", s.registry.Len())
	s.Halt()

	wait, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.WaitDrained(wait); err != nil {
		s.logger.Warn("grace period of %v over; closing %d sessions", grace, s.registry.Len())
		s.CloseSessions()
		last, cancelLast := context.WithTimeout(context.Background(), time.Second)
		defer cancelLast()
		if err := s.WaitDrained(last); err != nil {
			s.logger.Warn("%d sessions still running at exit", s.registry.Len())
		}
	}
	return s.Close()
}
