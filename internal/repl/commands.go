package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var errQuit = errors.New("quit")

var validName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// call is one invocation of a command.
type call struct {
	ctx     context.Context
	console *Console
	out     io.Writer
	text    string // everything after the command name
	args    []string
}

type command struct {
	usage   string
	summary string
	run     func(*call) error
}

// builtins returns the command table and its sorted names.
func builtins() (map[string]*command, []string) {
	cmds := map[string]*command{
		"echo":    {"echo TEXT", "print TEXT, expanding $NAME variables", runEcho},
		"set":     {"set NAME VALUE", "assign VALUE to variable NAME", runSet},
		"get":     {"get NAME", "print the value of variable NAME", runGet},
		"unset":   {"unset NAME", "remove variable NAME", runUnset},
		"vars":    {"vars", "list all variables", runVars},
		"sleep":   {"sleep SECONDS", "wait; an interrupt cuts it short", runSleep},
		"session": {"session", "print this session's id", runSession},
		"history": {"history", "list the lines entered so far", runHistory},
		"quit":    {"quit", "end the session", runQuit},
		"exit":    {"exit", "end the session", runQuit},
	}
	// help reads the table it lives in.
	cmds["help"] = &command{"help [COMMAND]", "describe commands", func(c *call) error {
		return runHelp(c, cmds)
	}}

	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	return cmds, names
}

func runHelp(c *call, cmds map[string]*command) error {
	if len(c.args) > 0 {
		cmd, ok := cmds[c.args[0]]
		if !ok {
			return fmt.Errorf("no such command %q", c.args[0])
		}
		fmt.Fprintf(c.out, "%s\n    %s\n", cmd.usage, cmd.summary)
		return nil
	}
	for _, name := range c.console.names {
		cmd := cmds[name]
		fmt.Fprintf(c.out, "  %-16s %s\n", cmd.usage, cmd.summary)
	}
	return nil
}

func runEcho(c *call) error {
	c.console.mu.Lock()
	text := os.Expand(c.text, func(name string) string { return c.console.vars[name] })
	c.console.mu.Unlock()
	fmt.Fprintln(c.out, text)
	return nil
}

func runSet(c *call) error {
	name, value, ok := strings.Cut(c.text, " ")
	if !ok || name == "" {
		return errors.New("usage: set NAME VALUE")
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid variable name %q", name)
	}
	c.console.mu.Lock()
	c.console.vars[name] = strings.TrimSpace(value)
	c.console.mu.Unlock()
	return nil
}

func runGet(c *call) error {
	if len(c.args) != 1 {
		return errors.New("usage: get NAME")
	}
	c.console.mu.Lock()
	value, ok := c.console.vars[c.args[0]]
	c.console.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s is not set", c.args[0])
	}
	fmt.Fprintln(c.out, value)
	return nil
}

func runUnset(c *call) error {
	if len(c.args) != 1 {
		return errors.New("usage: unset NAME")
	}
	c.console.mu.Lock()
	delete(c.console.vars, c.args[0])
	c.console.mu.Unlock()
	return nil
}

func runVars(c *call) error {
	c.console.mu.Lock()
	names := make([]string, 0, len(c.console.vars))
	for name := range c.console.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, len(names))
	for i, name := range names {
		lines[i] = name + "=" + c.console.vars[name]
	}
	c.console.mu.Unlock()

	for _, line := range lines {
		fmt.Fprintln(c.out, line)
	}
	return nil
}

func runSleep(c *call) error {
	if len(c.args) != 1 {
		return errors.New("usage: sleep SECONDS")
	}
	d, err := parseSeconds(c.args[0])
	if err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// parseSeconds accepts a plain number of seconds or a Go duration.
func parseSeconds(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func runSession(c *call) error {
	fmt.Fprintln(c.out, c.console.id)
	return nil
}

func runHistory(c *call) error {
	c.console.mu.Lock()
	history := append([]string(nil), c.console.history...)
	c.console.mu.Unlock()
	for i, line := range history {
		fmt.Fprintf(c.out, "%5d  %s\n", i+1, line)
	}
	return nil
}

func runQuit(*call) error { return errQuit }
