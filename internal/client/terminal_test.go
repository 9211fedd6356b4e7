package client

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestCompleteLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		pos      int
		cands    []string
		wantLine string
		wantPos  int
		wantList int
	}{
		{"no candidates", "xy", 2, nil, "xy", 2, 0},
		{"single", "ech", 3, []string{"echo"}, "echo ", 5, 0},
		{"single mid-line", "set ab=1 ech", 12, []string{"echo"}, "set ab=1 echo ", 14, 0},
		{"common prefix", "s", 1, []string{"session", "set"}, "se", 2, 2},
		{"no progress", "se", 2, []string{"session", "set"}, "se", 2, 2},
		{"variable", "echo $wh", 8, []string{"$who"}, "echo $who ", 10, 0},
		{"cursor before tail", "ec rest", 2, []string{"echo"}, "echo  rest", 5, 0},
		{"empty word", "", 0, []string{"echo", "exit"}, "e", 1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, pos, list := completeLine(tt.line, tt.pos, tt.cands)
			if line != tt.wantLine || pos != tt.wantPos || len(list) != tt.wantList {
				t.Errorf("completeLine(%q, %d, %q) = %q, %d, %q; want %q, %d, %d entries",
					tt.line, tt.pos, tt.cands, line, pos, list, tt.wantLine, tt.wantPos, tt.wantList)
			}
		})
	}
}

func TestCurrentWord(t *testing.T) {
	tests := map[string]struct {
		line string
		pos  int
		want string
	}{
		"whole line":    {"help", 4, "help"},
		"after space":   {"echo $x", 7, "$x"},
		"at space":      {"echo ", 5, ""},
		"cursor inside": {"session", 3, "ses"},
		"pos past end":  {"ab", 9, "ab"},
	}
	for name, tt := range tests {
		if got := currentWord(tt.line, tt.pos); got != tt.want {
			t.Errorf("%s: currentWord(%q, %d) = %q, want %q", name, tt.line, tt.pos, got, tt.want)
		}
	}
}

func TestSplitPrompt(t *testing.T) {
	tests := []struct{ in, lines, rest string }{
		{">>> ", "", ">>> "},
		{"out\n>>> ", "out\n", ">>> "},
		{"a\nb\n", "a\nb\n", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		lines, rest := splitPrompt(tt.in)
		if lines != tt.lines || rest != tt.rest {
			t.Errorf("splitPrompt(%q) = %q, %q; want %q, %q", tt.in, lines, rest, tt.lines, tt.rest)
		}
	}
}

func TestCommonPrefix(t *testing.T) {
	if got := commonPrefix([]string{"session", "set", "sleep"}); got != "s" {
		t.Errorf("commonPrefix = %q, want s", got)
	}
	if got := commonPrefix([]string{"alpha", "beta"}); got != "" {
		t.Errorf("commonPrefix of disjoint words = %q", got)
	}
	if got := commonPrefix(nil); got != "" {
		t.Errorf("commonPrefix(nil) = %q", got)
	}
	long := strings.Repeat("x", 10)
	if got := commonPrefix([]string{long, long}); got != long {
		t.Errorf("commonPrefix of equal words = %q", got)
	}
}

func TestInterruptReader(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		bufSz int
		want  string
		hits  int
	}{
		{"no ctrl-c", "hello\r", 64, "hello\r", 0},
		{"alone", "\x03", 64, "\x05\x15", 1},
		{"mid line", "ab\x03cd\r", 64, "ab\x05\x15cd\r", 1},
		{"twice, small buffer", "\x03x\x03", 2, "\x05\x15x\x05\x15", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits := 0
			ir := &interruptReader{r: strings.NewReader(tt.in), interrupt: func() { hits++ }}
			var got bytes.Buffer
			buf := make([]byte, tt.bufSz)
			for {
				n, err := ir.Read(buf)
				got.Write(buf[:n])
				if err == io.EOF && len(ir.pending) == 0 {
					break
				}
				if err != nil && err != io.EOF {
					t.Fatal(err)
				}
			}
			if got.String() != tt.want || hits != tt.hits {
				t.Errorf("read %q with %d interrupts, want %q with %d", got.String(), hits, tt.want, tt.hits)
			}
		})
	}
}

func TestEditor_CtrlCInterruptsAndKeepsSession(t *testing.T) {
	s := newFakeServer(t)
	c := dial(t, s.options())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pr, pw := io.Pipe()
	defer pw.Close()
	e := newEditor(ctx, c, pr, io.Discard)
	go e.pumpInput() //nolint:errcheck

	// Typed text, then Ctrl-C before Enter.
	if _, err := pw.Write([]byte("partial\x03")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		s.sess.mu.Lock()
		n := s.sess.interrupts
		s.sess.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("interrupts = %d, want 1", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := pw.Write([]byte("hi\r")); err != nil {
		t.Fatal(err)
	}
	c.console.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	line, err := c.console.R.ReadString('\n')
	if err != nil {
		t.Fatalf("console closed after Ctrl-C (quit sent?): %v", err)
	}
	if !strings.Contains(line, "got hi") || strings.Contains(line, "partial") {
		t.Errorf("console echoed %q, want the line typed after Ctrl-C only", line)
	}
}
