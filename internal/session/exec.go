package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"replnet/util"
)

// Exec runs an external program on the session terminal. Either Program
// or Command must be set.
type Exec struct {
	Program string   // executed directly
	Args    []string // arguments for Program
	Command string   // executed via /bin/sh -c
	Env     []string // extra environment, appended to the server's
	Logger  *util.Logger

	mu   sync.Mutex
	proc *os.Process
}

func (e *Exec) command(ctx context.Context) (*exec.Cmd, error) {
	switch {
	case e.Command != "":
		return exec.CommandContext(ctx, "/bin/sh", "-c", e.Command), nil
	case e.Program != "":
		return exec.CommandContext(ctx, e.Program, e.Args...), nil
	default:
		return nil, fmt.Errorf("no command specified for exec mode")
	}
}

// Run starts the program as a session leader with tty as its controlling
// terminal and waits for it. A non-zero exit status is logged, not
// returned.
func (e *Exec) Run(ctx context.Context, tty *os.File) error {
	cmd, err := e.command(ctx)
	if err != nil {
		return err
	}
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.Env = append(os.Environ(), "TERM=xterm")
	cmd.Env = append(cmd.Env, e.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // child's stdin
	}
	cmd.Cancel = func() error { return unix.Kill(-cmd.Process.Pid, unix.SIGHUP) }
	cmd.WaitDelay = 2 * time.Second

	e.logger().Debug("exec: %s", cmd.String())
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("exec %q: %w", cmd.Path, err)
	}
	e.mu.Lock()
	e.proc = cmd.Process
	e.mu.Unlock()

	err = cmd.Wait()

	e.mu.Lock()
	e.proc = nil
	e.mu.Unlock()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		e.logger().Verbose("exec %q: %v", cmd.Path, exitErr)
		return nil
	}
	if err != nil {
		return fmt.Errorf("exec %q: %w", cmd.Path, err)
	}
	return nil
}

// signal sends sig to the program's process group.
func (e *Exec) signal(sig unix.Signal) {
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	if proc == nil {
		return
	}
	if err := unix.Kill(-proc.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		e.logger().Debug("signal %v to %d: %v", sig, proc.Pid, err)
	}
}

// Interrupt sends SIGINT to the program's process group.
func (e *Exec) Interrupt() { e.signal(unix.SIGINT) }

// Hangup sends SIGHUP to the program's process group, as a terminal
// would when its line drops.
func (e *Exec) Hangup(io.Writer) { e.signal(unix.SIGHUP) }

// Complete has no candidates; completion happens in the program itself.
func (e *Exec) Complete(string, int) (string, bool) { return "", false }

// Prompts are unknown for an external program.
func (e *Exec) Prompts() (ps1, ps2 string) { return "", "" }

func (e *Exec) logger() *util.Logger {
	if e.Logger == nil {
		return util.NewLogger(0)
	}
	return e.Logger
}
