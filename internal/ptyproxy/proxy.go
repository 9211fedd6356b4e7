// Package ptyproxy relays bytes between a connected stream socket and the
// master side of a freshly allocated pseudo-terminal. The program under
// control reads and writes the slave side as its terminal.
//
// One goroutine multiplexes both descriptors with poll(2). Each direction
// has a single pending buffer; a side is not read again until its previous
// chunk has been written out, so a stalled reader on one side cannot
// stall the other direction.
package ptyproxy

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	errs "replnet/internal/errors"
	"replnet/internal/metrics"
	"replnet/util"
)

// DefaultPollInterval bounds how long the relay waits in poll before it
// re-checks the stop request.
const DefaultPollInterval = 100 * time.Millisecond

// flushWindow bounds how long Stop keeps relaying terminal output that
// was written just before the stop.
const flushWindow = 50 * time.Millisecond

// State is the lifecycle state of a Proxy.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a Proxy.
type Options struct {
	// Raw puts the slave in raw mode: no echo, no line editing, no
	// signal characters, no output processing.
	Raw bool

	PollInterval time.Duration

	// OnSocketDisconnect runs on the relay goroutine when the socket
	// peer goes away. OnSlaveDisconnect runs when the last holder of the
	// slave closes it. At most one of them runs, and the relay has
	// stopped by the time it returns. Neither may call Stop.
	OnSocketDisconnect func()
	OnSlaveDisconnect  func()

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Proxy owns a PTY master/slave pair and relays between the master and a
// socket. The socket stays owned by the caller, who must not close it
// before Stop returns.
type Proxy struct {
	conn     net.Conn
	sockFD   int
	master   *os.File
	masterFD int
	slave    *os.File
	opts     Options

	state    atomic.Int32
	stopping atomic.Bool
	done     chan struct{}

	mu sync.Mutex // serializes Start against Stop

	wmu    sync.Mutex // serializes writes into the master
	closed bool       // descriptors released; guarded by wmu

	slaveOnce sync.Once
	slaveErr  error
	stopOnce  sync.Once
	stopErr   error
}

// New allocates a PTY pair for conn. conn must expose its descriptor
// through syscall.Conn (TCP and Unix sockets do).
func New(conn net.Conn, opts Options) (*Proxy, error) {
	sockFD, err := socketFD(conn)
	if err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("allocate pty: %w", err)
	}
	p := &Proxy{
		conn:   conn,
		sockFD: sockFD,
		master: master,
		slave:  slave,
		opts:   opts,
		done:   make(chan struct{}),
	}

	// Fd leaves the master in blocking mode; the relay drives it with
	// poll and raw reads and writes, so switch it back.
	p.masterFD = int(master.Fd())
	if err := unix.SetNonblock(p.masterFD, true); err != nil {
		master.Close() //nolint:errcheck
		slave.Close()  //nolint:errcheck
		return nil, fmt.Errorf("set pty master %s non-blocking: %w", slave.Name(), err)
	}
	if opts.Raw {
		if err := makeRaw(slave); err != nil {
			master.Close() //nolint:errcheck
			slave.Close()  //nolint:errcheck
			return nil, fmt.Errorf("set pty %s to raw mode: %w", slave.Name(), err)
		}
	}
	return p, nil
}

// socketFD extracts the descriptor of conn without taking it out of the
// runtime poller.
func socketFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, errs.ErrNoDescriptor
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(v uintptr) { fd = int(v) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// makeRaw switches f to raw mode without calling f.Fd, which would take
// the slave out of the runtime poller and break read deadlines on it.
func makeRaw(f *os.File) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var rawErr error
	if err := rc.Control(func(fd uintptr) {
		_, rawErr = term.MakeRaw(int(fd))
	}); err != nil {
		return err
	}
	return rawErr
}

// Slave returns the terminal side of the pair. The proxy keeps ownership
// and closes it in Stop or CloseSlave.
func (p *Proxy) Slave() *os.File { return p.slave }

// Name returns the slave device path.
func (p *Proxy) Name() string { return p.slave.Name() }

// State returns the current lifecycle state.
func (p *Proxy) State() State { return State(p.state.Load()) }

// Done is closed when the relay goroutine has exited.
func (p *Proxy) Done() <-chan struct{} { return p.done }

// Resize sets the terminal window size.
func (p *Proxy) Resize(rows, cols uint16) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.closed {
		return errs.ErrProxyStopped
	}
	return unix.IoctlSetWinsize(p.masterFD, unix.TIOCSWINSZ, &unix.Winsize{Row: rows, Col: cols})
}

// Start launches the relay goroutine. It fails unless the proxy is idle.
func (p *Proxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping.Load() {
		return errs.ErrProxyStopped
	}
	if st := p.State(); st != StateIdle {
		return fmt.Errorf("start pty proxy: already %s", st)
	}
	p.state.Store(int32(StateRunning))
	go p.relay()
	return nil
}

// Stop requests the relay to finish, waits for it, then releases the PTY
// pair. Output the program wrote just before the stop is still relayed,
// within a short window. Stop is idempotent and safe from any goroutine
// except a disconnect callback.
func (p *Proxy) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		started := p.State() != StateIdle
		p.stopping.Store(true)
		p.mu.Unlock()

		if started {
			<-p.done
		} else {
			close(p.done)
		}

		p.wmu.Lock()
		p.closed = true
		p.stopErr = errors.Join(p.master.Close(), p.CloseSlave())
		p.wmu.Unlock()
		p.state.Store(int32(StateStopped))
	})
	return p.stopErr
}

// CloseSlave releases the proxy's handle on the slave. Once every other
// holder (a child process, say) has closed it too, the relay reports a
// slave disconnect.
func (p *Proxy) CloseSlave() error {
	p.slaveOnce.Do(func() {
		p.slaveErr = p.slave.Close()
		if errors.Is(p.slaveErr, os.ErrClosed) {
			p.slaveErr = nil
		}
	})
	return p.slaveErr
}

// Write injects b into the master as if the socket peer had typed it.
// It blocks while the terminal input queue is full and gives up once a
// stop has been requested.
func (p *Proxy) Write(b []byte) (int, error) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.closed {
		return 0, errs.ErrProxyStopped
	}

	pfd := []unix.PollFd{{Fd: int32(p.masterFD), Events: unix.POLLOUT}}
	written := 0
	for written < len(b) {
		n, err := unix.Write(p.masterFD, b[written:])
		switch {
		case err == nil:
			written += n
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if p.stopping.Load() {
				return written, errs.ErrProxyStopped
			}
			if _, err := unix.Poll(pfd, p.pollTimeout()); err != nil && !errors.Is(err, unix.EINTR) {
				return written, err
			}
		default:
			return written, err
		}
	}
	return written, nil
}

func (p *Proxy) pollTimeout() int {
	return int(p.opts.PollInterval / time.Millisecond)
}

// ── Relay ────────────────────────────────────────────────────────────

type outcome int

const (
	keepGoing outcome = iota
	socketGone
	slaveGone
)

func (p *Proxy) relay() {
	defer close(p.done)
	defer p.state.Store(int32(StateStopped))
	defer func() {
		if r := recover(); r != nil {
			p.opts.Logger.Error("pty relay panic: %v", r)
			p.opts.Metrics.RecordError(fmt.Sprintf("pty relay panic: %v", r))
		}
	}()

	inBuf := util.GetRelayBuf() // socket → master
	defer util.PutRelayBuf(inBuf)
	outBuf := util.GetRelayBuf() // master → socket
	defer util.PutRelayBuf(outBuf)

	var toMaster, toSocket []byte
	fds := make([]unix.PollFd, 2)
	timeout := p.pollTimeout()

	for {
		if p.stopping.Load() {
			p.flush(toSocket, *outBuf)
			return
		}

		fds[0] = unix.PollFd{Fd: int32(p.sockFD)}
		fds[1] = unix.PollFd{Fd: int32(p.masterFD)}
		if len(toMaster) == 0 {
			fds[0].Events |= unix.POLLIN
		} else {
			fds[1].Events |= unix.POLLOUT
		}
		if len(toSocket) == 0 {
			fds[1].Events |= unix.POLLIN
		} else {
			fds[0].Events |= unix.POLLOUT
		}
		// poll reports hangups even with no events requested; a side
		// that is only waiting on the other one sits out.
		for i := range fds {
			if fds[i].Events == 0 {
				fds[i].Fd = -1
			}
		}

		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			p.opts.Logger.Error("pty relay poll: %v", err)
			p.opts.Metrics.RecordError("pty relay poll: " + err.Error())
			return
		}
		if n == 0 {
			continue
		}
		sockEv, masterEv := fds[0].Revents, fds[1].Revents
		const readable = unix.POLLIN | unix.POLLHUP | unix.POLLERR

		if len(toSocket) == 0 && masterEv&readable != 0 {
			n, res := p.read(p.masterFD, *outBuf, slaveGone)
			if res != keepGoing {
				p.disconnected(res)
				return
			}
			toSocket = (*outBuf)[:n]
			p.opts.Metrics.BytesSent(int64(n))
		}
		if len(toMaster) == 0 && sockEv&readable != 0 {
			n, res := p.read(p.sockFD, *inBuf, socketGone)
			if res != keepGoing {
				p.disconnected(res)
				return
			}
			toMaster = (*inBuf)[:n]
			p.opts.Metrics.BytesReceived(int64(n))
		}

		if len(toMaster) > 0 {
			p.wmu.Lock()
			n, err := unix.Write(p.masterFD, toMaster)
			p.wmu.Unlock()
			if res := writeOutcome(err, slaveGone); res != keepGoing {
				p.disconnected(res)
				return
			}
			if err == nil {
				toMaster = toMaster[n:]
			}
		}
		if len(toSocket) > 0 {
			n, err := unix.Write(p.sockFD, toSocket)
			if res := writeOutcome(err, socketGone); res != keepGoing {
				p.disconnected(res)
				return
			}
			if err == nil {
				toSocket = toSocket[n:]
			}
		}
	}
}

// read drains one chunk from fd. A zero-length read, or EIO on the
// master, means the side is gone.
func (p *Proxy) read(fd int, buf []byte, gone outcome) (int, outcome) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			return 0, keepGoing
		case errors.Is(err, unix.EIO), errors.Is(err, unix.ECONNRESET):
			return 0, gone
		default:
			p.opts.Logger.Debug("pty relay read fd %d: %v", fd, err)
			return 0, gone
		}
	}
	if n == 0 {
		return 0, gone
	}
	return n, keepGoing
}

func writeOutcome(err error, gone outcome) outcome {
	if err == nil || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return keepGoing
	}
	return gone
}

func (p *Proxy) disconnected(res outcome) {
	switch res {
	case socketGone:
		p.opts.Logger.Debug("pty relay: socket peer disconnected")
		if p.opts.OnSocketDisconnect != nil {
			p.opts.OnSocketDisconnect()
		}
	case slaveGone:
		p.opts.Logger.Debug("pty relay: slave %s disconnected", p.slave.Name())
		if p.opts.OnSlaveDisconnect != nil {
			p.opts.OnSlaveDisconnect()
		}
	}
}

// flush forwards pending and any terminal output that arrives within
// flushWindow to the socket. Errors end the flush silently.
func (p *Proxy) flush(pending, buf []byte) {
	deadline := time.Now().Add(flushWindow)
	masterIn := []unix.PollFd{{Fd: int32(p.masterFD), Events: unix.POLLIN}}
	sockOut := []unix.PollFd{{Fd: int32(p.sockFD), Events: unix.POLLOUT}}

	for {
		remaining := int(time.Until(deadline) / time.Millisecond)
		if remaining <= 0 {
			return
		}
		if len(pending) == 0 {
			n, err := unix.Read(p.masterFD, buf)
			switch {
			case err == nil && n > 0:
				pending = buf[:n]
				p.opts.Metrics.BytesSent(int64(n))
			case errors.Is(err, unix.EAGAIN):
				if n, _ := unix.Poll(masterIn, remaining); n <= 0 {
					return
				}
				continue
			default:
				return
			}
		}
		n, err := unix.Write(p.sockFD, pending)
		switch {
		case err == nil:
			pending = pending[n:]
		case errors.Is(err, unix.EAGAIN):
			unix.Poll(sockOut, remaining) //nolint:errcheck
		default:
			return
		}
	}
}
