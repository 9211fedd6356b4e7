package session

import (
	"bufio"
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	requirePTY(t)
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh:", err)
	}
}

// readUntil reads lines from br until one contains want.
func readUntil(t *testing.T, br *bufio.Reader, want string) {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		if strings.Contains(line, want) {
			return
		}
		if err != nil {
			t.Fatalf("waiting for %q: %v", want, err)
		}
	}
}

func TestExec_RunsOnTerminal(t *testing.T) {
	requireShell(t)
	server, client := socketPair(t)
	prog := &Exec{Command: `if [ -t 0 ]; then echo "tty-ok"; else echo "no-tty"; fi`}
	s := New(NewID(), server, prog, Options{Rows: 24, Cols: 80})

	done := serve(s, NewRegistry())

	client.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	br := bufio.NewReader(client)
	id, err := br.ReadString('\n')
	if err != nil || strings.TrimSpace(id) != s.ID() {
		t.Fatalf("id line = %q, %v", id, err)
	}
	readUntil(t, br, "tty-ok")
	waitServe(t, done)
}

func TestExec_Interrupt(t *testing.T) {
	requireShell(t)
	server, client := socketPair(t)
	prog := &Exec{Command: `trap 'echo caught; exit 0' INT; echo armed; while :; do sleep 0.1; done`}
	s := New(NewID(), server, prog, Options{})

	done := serve(s, NewRegistry())

	client.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	br := bufio.NewReader(client)
	readUntil(t, br, "armed")

	s.Interrupt()
	readUntil(t, br, "caught")
	waitServe(t, done)
}

func TestExec_HangupOnDisconnect(t *testing.T) {
	requireShell(t)
	server, client := socketPair(t)
	prog := &Exec{Command: `echo up; while :; do sleep 0.1; done`}
	s := New(NewID(), server, prog, Options{PollInterval: 20 * time.Millisecond})

	done := serve(s, NewRegistry())

	client.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	readUntil(t, bufio.NewReader(client), "up")

	client.Close()
	waitServe(t, done)
}

func TestExec_NothingToRun(t *testing.T) {
	if _, err := (&Exec{}).command(context.Background()); err == nil {
		t.Error("expected an error with neither Program nor Command")
	}
	var e Exec
	e.Interrupt() // no process: no-op
	if _, ok := e.Complete("x", 0); ok {
		t.Error("exec programs have no completions")
	}
}
