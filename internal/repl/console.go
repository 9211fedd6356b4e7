// Package repl implements the built-in line-oriented console that a
// session runs on its terminal when no external program is configured.
//
// The console reads one line at a time, runs it as a command and prints
// a prompt. A line ending in a backslash continues on the next line with
// the secondary prompt. An interrupt cancels the running command, or the
// partial input when idle, and prints "KeyboardInterrupt".
package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"replnet/util"
)

// Default prompts.
const (
	DefaultPS1 = ">>> "
	DefaultPS2 = "... "
)

// quitLine is what a hangup feeds into the terminal.
const quitLine = "quit\n"

// Options configures a Console.
type Options struct {
	SessionID string
	Banner    string
	PS1       string
	PS2       string
	Vars      map[string]string
	Logger    *util.Logger
}

// Console is one interactive command loop. It is driven by exactly one
// Serve call; Interrupt, Hangup and Complete may be called concurrently
// from other goroutines.
type Console struct {
	id       string
	banner   string
	ps1, ps2 string
	logger   *util.Logger
	commands map[string]*command
	names    []string

	mu        sync.Mutex
	vars      map[string]string
	history   []string
	cancelCmd context.CancelFunc

	interrupts chan struct{}
	hangup     chan struct{}
	hangupOnce sync.Once
}

// New builds a console. Empty prompts fall back to the defaults.
func New(opts Options) *Console {
	c := &Console{
		id:         opts.SessionID,
		banner:     opts.Banner,
		ps1:        opts.PS1,
		ps2:        opts.PS2,
		logger:     opts.Logger,
		vars:       make(map[string]string, len(opts.Vars)),
		interrupts: make(chan struct{}, 1),
		hangup:     make(chan struct{}),
	}
	if c.ps1 == "" {
		c.ps1 = DefaultPS1
	}
	if c.ps2 == "" {
		c.ps2 = DefaultPS2
	}
	if c.logger == nil {
		c.logger = util.NewLogger(0)
	}
	for k, v := range opts.Vars {
		c.vars[k] = v
	}
	c.commands, c.names = builtins()
	return c
}

// Prompts returns the primary and continuation prompts.
func (c *Console) Prompts() (ps1, ps2 string) { return c.ps1, c.ps2 }

// Run serves the console on a terminal.
func (c *Console) Run(ctx context.Context, tty *os.File) error {
	return c.Serve(ctx, tty, tty)
}

type lineResult struct {
	line string
	err  error
}

// Serve runs the command loop until quit, end of input or ctx is done.
// End of input and ctx cancellation are not errors.
func (c *Console) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	lines := make(chan lineResult)
	done := make(chan struct{})
	defer close(done)

	go func() {
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if line != "" {
				select {
				case lines <- lineResult{line: strings.TrimRight(line, "\r\n")}:
				case <-done:
					return
				}
			}
			if err != nil {
				select {
				case lines <- lineResult{err: err}:
				case <-done:
				}
				return
			}
		}
	}()

	if c.banner != "" {
		fmt.Fprintln(w, c.banner)
	}
	fmt.Fprint(w, c.ps1)

	var pending strings.Builder
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-c.hangup:
			return nil

		case <-c.interrupts:
			pending.Reset()
			fmt.Fprint(w, "\nKeyboardInterrupt\n"+c.ps1)

		case res := <-lines:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) || util.IsHarmless(res.err) {
					return nil
				}
				return res.err
			}
			if c.hungUp() {
				// Partial input from the peer may have merged with the
				// injected quit line; nothing after a hangup runs.
				return nil
			}
			if strings.HasSuffix(res.line, `\`) {
				pending.WriteString(strings.TrimSuffix(res.line, `\`))
				fmt.Fprint(w, c.ps2)
				continue
			}
			pending.WriteString(res.line)
			line := pending.String()
			pending.Reset()

			if c.execute(ctx, w, line) {
				return nil
			}
			if ctx.Err() != nil || c.hungUp() {
				return nil
			}
			fmt.Fprint(w, c.ps1)
		}
	}
}

// execute runs one complete input line and reports whether the console
// should exit.
func (c *Console) execute(ctx context.Context, w io.Writer, line string) bool {
	name, text, _ := strings.Cut(strings.TrimSpace(line), " ")
	if name == "" {
		return false
	}
	c.mu.Lock()
	c.history = append(c.history, strings.TrimSpace(line))
	c.mu.Unlock()

	cmd, ok := c.commands[name]
	if !ok {
		fmt.Fprintf(w, "unknown command %q (try \"help\")\n", name)
		return false
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelCmd = cancel
	c.mu.Unlock()

	text = strings.TrimSpace(text)
	err := cmd.run(&call{ctx: cmdCtx, console: c, out: w, text: text, args: strings.Fields(text)})

	c.mu.Lock()
	c.cancelCmd = nil
	c.mu.Unlock()
	interrupted := cmdCtx.Err() != nil && ctx.Err() == nil
	cancel()

	switch {
	case errors.Is(err, errQuit):
		return true
	case interrupted:
		fmt.Fprintln(w, "KeyboardInterrupt")
	case err != nil:
		fmt.Fprintf(w, "%s: %v\n", name, err)
	}
	return false
}

func (c *Console) hungUp() bool {
	select {
	case <-c.hangup:
		return true
	default:
		return false
	}
}

// Busy reports whether a command is currently running.
func (c *Console) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelCmd != nil
}

// Interrupt cancels the running command. With no command running it
// discards partial input and re-prompts.
func (c *Console) Interrupt() {
	c.mu.Lock()
	cancel := c.cancelCmd
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		return
	}
	select {
	case c.interrupts <- struct{}{}:
	default:
	}
}

// Hangup asks the console to exit because its peer has gone. It stops
// the command loop, cancels any running command and feeds a quit line
// into input, the writer that reaches the console's terminal, so that a
// read blocked on the terminal returns.
func (c *Console) Hangup(input io.Writer) {
	c.hangupOnce.Do(func() { close(c.hangup) })
	c.mu.Lock()
	cancel := c.cancelCmd
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if _, err := io.WriteString(input, quitLine); err != nil {
		c.logger.Debug("inject quit: %v", err)
	}
}
