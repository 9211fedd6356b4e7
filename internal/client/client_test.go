package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"replnet/internal/control"
	"replnet/internal/retry"
	"replnet/util"
)

const testID = "5b0c2f0e-7d1a-4c52-9d55-1f6f3e0a9b21"

// fakeSession is the control target behind the fake server.
type fakeSession struct {
	mu         sync.Mutex
	interrupts int
	bound      string
}

func (f *fakeSession) Interrupt() {
	f.mu.Lock()
	f.interrupts++
	f.mu.Unlock()
}

func (f *fakeSession) Complete(text string, state int) (string, bool) {
	var matches []string
	for _, w := range []string{"session", "set", "sleep"} {
		if strings.HasPrefix(w, text) {
			matches = append(matches, w)
		}
	}
	if state < len(matches) {
		return matches[state], true
	}
	return "", false
}

func (f *fakeSession) Prompts() (string, string) { return "$ ", "> " }

func (f *fakeSession) BindControl(id string) {
	f.mu.Lock()
	f.bound = id
	f.mu.Unlock()
}

type fakeServer struct {
	console net.Listener
	control net.Listener
	sess    *fakeSession
	cancel  context.CancelFunc
}

// newFakeServer serves a console that announces testID and echoes lines
// until "quit", and a real control handler over fakeSession.
func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	consoleLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	controlLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &fakeServer{console: consoleLn, control: controlLn, sess: &fakeSession{}, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		consoleLn.Close()
		controlLn.Close()
	})

	go func() {
		for {
			conn, err := consoleLn.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				conn.Write([]byte(testID + "\r\n>>> ")) //nolint:errcheck
				br := bufio.NewReader(conn)
				for {
					line, err := br.ReadString('\n')
					if err != nil || line == "quit\n" {
						return
					}
					conn.Write([]byte("got " + line + ">>> ")) //nolint:errcheck
				}
			}()
		}
	}()

	h := &control.Handler{
		Lookup: func(id string) (control.Target, bool) {
			if id == testID {
				return s.sess, true
			}
			return nil, false
		},
		Describe: func() control.Description {
			return control.Description{Banner: "fake", PS1: ">>> ", PS2: "... ", Sessions: 1}
		},
	}
	go func() {
		for {
			conn, err := controlLn.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				h.Serve(ctx, conn) //nolint:errcheck
			}()
		}
	}()
	return s
}

func (s *fakeServer) options() Options {
	return Options{
		Host:           "127.0.0.1",
		ConsolePort:    util.PortOf(s.console.Addr()),
		ControlPort:    util.PortOf(s.control.Addr()),
		RequestTimeout: 2 * time.Second,
	}
}

func dial(t *testing.T, opts Options) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDial_ReadsIDAndPairs(t *testing.T) {
	s := newFakeServer(t)
	c := dial(t, s.options())

	if c.SessionID() != testID {
		t.Errorf("session id = %q, want %q", c.SessionID(), testID)
	}
	s.sess.mu.Lock()
	bound := s.sess.bound
	s.sess.mu.Unlock()
	if bound == "" {
		t.Error("control channel was not paired")
	}
	if ps1, ps2 := c.Prompts(); ps1 != "$ " || ps2 != "> " {
		t.Errorf("prompts = %q %q, want the session's", ps1, ps2)
	}
	if c.Banner() != "fake" {
		t.Errorf("banner = %q", c.Banner())
	}
}

func TestClient_CompleteAndInterrupt(t *testing.T) {
	s := newFakeServer(t)
	c := dial(t, s.options())
	ctx := context.Background()

	got, err := c.Complete(ctx, "se")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "session,set" {
		t.Errorf("Complete(se) = %q", got)
	}
	if got, _ := c.Complete(ctx, "zz"); len(got) != 0 {
		t.Errorf("Complete(zz) = %q, want none", got)
	}

	if err := c.Interrupt(ctx); err != nil {
		t.Fatal(err)
	}
	s.sess.mu.Lock()
	n := s.sess.interrupts
	s.sess.mu.Unlock()
	if n != 1 {
		t.Errorf("interrupts = %d, want 1", n)
	}
}

func TestClient_RunPipedSendsQuit(t *testing.T) {
	s := newFakeServer(t)
	c := dial(t, s.options())

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.RunPiped(ctx, strings.NewReader("one\ntwo\n"), &out); err != nil {
		t.Fatalf("RunPiped: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("RunPiped only returned at the deadline; quit was not sent")
	}
	for _, want := range []string{">>> ", "got one", "got two"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q lacks %q", out.String(), want)
		}
	}
}

func TestClient_ControlReconnects(t *testing.T) {
	s := newFakeServer(t)
	c := dial(t, s.options())
	ctx := context.Background()

	// Break the control stream under the client.
	c.mu.Lock()
	c.control.Close()
	c.mu.Unlock()

	if err := c.Interrupt(ctx); err == nil {
		t.Fatal("request over a closed control connection succeeded")
	}
	if err := c.Interrupt(ctx); err != nil {
		t.Fatalf("request after reconnect: %v", err)
	}
}

func TestClient_BreakerOpensWithoutControl(t *testing.T) {
	s := newFakeServer(t)
	opts := s.options()
	s.control.Close()

	c := dial(t, opts)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := c.Interrupt(ctx); err == nil {
			t.Fatal("interrupt succeeded with no control listener")
		}
	}
	if err := c.Interrupt(ctx); !errors.Is(err, retry.ErrOpen) {
		t.Errorf("after repeated failures: %v, want ErrOpen", err)
	}
}

func TestDial_NoServer(t *testing.T) {
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	_, err = Dial(context.Background(), Options{Host: "127.0.0.1", ConsolePort: port, ControlPort: port})
	if err == nil {
		t.Fatal("Dial to a closed port succeeded")
	}
}

func TestDial_RetriesUntilListening(t *testing.T) {
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(150 * time.Millisecond)
		ln, err := net.Listen("tcp", util.FormatAddr("127.0.0.1", port))
		if err != nil {
			return
		}
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(testID + "\n")) //nolint:errcheck
		time.Sleep(time.Second)
	}()

	opts := Options{
		Host:           "127.0.0.1",
		ConsolePort:    port,
		ControlPort:    port,
		RequestTimeout: 500 * time.Millisecond,
		Backoff:        &retry.Backoff{InitialDelay: 50 * time.Millisecond, MaxAttempts: 20},
	}
	c := dial(t, opts)
	if c.SessionID() != testID {
		t.Errorf("session id = %q", c.SessionID())
	}
}
