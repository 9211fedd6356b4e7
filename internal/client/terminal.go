package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"replnet/util"
)

const (
	keyCtrlC = 3
	keyTab   = '\t'
	quitLine = "quit\n"
)

// Run attaches the session to in and out until the server closes the
// console or ctx is done. A terminal on in gets local line editing with
// remote completion; anything else is relayed as is.
func (c *Client) Run(ctx context.Context, in *os.File, out io.Writer) error {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		return c.runTerminal(ctx, fd, in, out)
	}
	return c.RunPiped(ctx, in, out)
}

// RunPiped relays in to the console and the console to out. At the end
// of in it sends "quit" rather than half-closing: the server takes a
// half-close for a hang-up and would cut short whatever is still
// running.
func (c *Client) RunPiped(ctx context.Context, in io.Reader, out io.Writer) error {
	input := io.MultiReader(in, strings.NewReader(quitLine))
	return util.BidirectionalCopy(ctx, c.console, input, out)
}

// ── Interactive terminal ─────────────────────────────────────────────

func (c *Client) runTerminal(ctx context.Context, fd int, in io.Reader, out io.Writer) error {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, state) //nolint:errcheck

	e := newEditor(ctx, c, in, out)
	if w, h, err := term.GetSize(fd); err == nil {
		e.t.SetSize(w, h) //nolint:errcheck
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outputDone := make(chan error, 1)
	go func() { outputDone <- e.pumpOutput(); cancel() }()

	inputDone := make(chan error, 1)
	go func() { inputDone <- e.pumpInput() }()

	select {
	case err := <-outputDone:
		return err
	case err := <-inputDone:
		if err != nil {
			return err
		}
		// quit was sent; let the server flush and close.
		select {
		case err := <-outputDone:
			return err
		case <-ctx.Done():
			return nil
		}
	case <-ctx.Done():
		return nil
	}
}

// editor wires a term.Terminal to the session. The terminal's own
// prompt stays empty: the server prints prompts as ordinary output, and
// the editor draws typed input after whatever is on the cursor line.
type editor struct {
	c   *Client
	ctx context.Context
	t   *term.Terminal

	mu      sync.Mutex
	partial string // unterminated tail of console output
}

func newEditor(ctx context.Context, c *Client, in io.Reader, out io.Writer) *editor {
	e := &editor{c: c, ctx: ctx}
	e.t = term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{&interruptReader{r: in, interrupt: e.interrupt}, out}, "")
	e.t.AutoCompleteCallback = e.onKey
	return e
}

// interrupt sends a keyboard interrupt without holding up key handling.
func (e *editor) interrupt() {
	e.mu.Lock()
	e.partial = ""
	e.mu.Unlock()
	go func() {
		if err := e.c.Interrupt(e.ctx); err != nil {
			e.c.logger.Verbose("interrupt: %v", err)
		}
	}()
}

// pumpOutput copies console output to the terminal.
func (e *editor) pumpOutput() error {
	buf := util.GetBuf()
	defer util.PutBuf(buf)

	for {
		n, err := e.c.console.Read(*buf)
		if n > 0 {
			chunk := (*buf)[:n]
			e.mu.Lock()
			_, e.partial = splitPrompt(e.partial + string(chunk))
			e.mu.Unlock()
			if _, werr := e.t.Write(chunk); werr != nil {
				return werr
			}
		}
		if err != nil {
			if util.IsHarmless(err) {
				return nil
			}
			return err
		}
	}
}

// pumpInput sends edited lines. Ctrl-D on an empty line ends the
// session with quit.
func (e *editor) pumpInput() error {
	for {
		line, err := e.t.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				_, werr := io.WriteString(e.c.console, quitLine)
				if util.IsHarmless(werr) {
					return nil
				}
				return werr
			}
			return err
		}
		e.mu.Lock()
		e.partial = ""
		e.mu.Unlock()

		if _, err := io.WriteString(e.c.console, line+"\n"); err != nil {
			if util.IsHarmless(err) {
				return nil
			}
			return err
		}
	}
}

// onKey runs while term.Terminal is in the middle of handling a key, so
// a candidate listing is written from a goroutine once it has redrawn
// the line. Ctrl-C never gets here; see interruptReader.
func (e *editor) onKey(line string, pos int, key rune) (string, int, bool) {
	switch key {
	case keyTab:
		text := currentWord(line, pos)
		cands, err := e.c.Complete(e.ctx, text)
		if err != nil {
			e.c.logger.Verbose("complete %q: %v", text, err)
		}
		newLine, newPos, list := completeLine(line, pos, cands)
		if len(list) > 1 {
			e.mu.Lock()
			redraw := strings.Join(list, "  ") + "\n" + e.partial
			e.mu.Unlock()
			go e.t.Write([]byte(redraw)) //nolint:errcheck
		}
		return newLine, newPos, true
	}
	return "", 0, false
}

// ── Ctrl-C ───────────────────────────────────────────────────────────

// clearLine is Ctrl-E Ctrl-U: move to the end of the line, then erase
// back to its start.
var clearLine = []byte{5, 21}

// interruptReader removes Ctrl-C from terminal input and reports it.
// term.Terminal reads Ctrl-C as end of input, so it must never see the
// byte; the line being edited is cleared in its place.
type interruptReader struct {
	r         io.Reader
	interrupt func()
	pending   []byte
}

func (ir *interruptReader) Read(p []byte) (int, error) {
	if len(ir.pending) > 0 {
		n := copy(p, ir.pending)
		ir.pending = ir.pending[n:]
		return n, nil
	}
	n, err := ir.r.Read(p)
	if bytes.IndexByte(p[:n], keyCtrlC) < 0 {
		return n, err
	}
	out := make([]byte, 0, n+len(clearLine))
	for _, b := range p[:n] {
		if b != keyCtrlC {
			out = append(out, b)
			continue
		}
		ir.interrupt()
		out = append(out, clearLine...)
	}
	k := copy(p, out)
	ir.pending = append(ir.pending, out[k:]...)
	return k, err
}

// ── Pure helpers ─────────────────────────────────────────────────────

// splitPrompt splits console output into complete lines and the
// unterminated remainder.
func splitPrompt(s string) (lines, rest string) {
	i := strings.LastIndexByte(s, '\n')
	if i < 0 {
		return "", s
	}
	return s[:i+1], s[i+1:]
}

// currentWord returns the word that ends at pos.
func currentWord(line string, pos int) string {
	if pos > len(line) {
		pos = len(line)
	}
	start := strings.LastIndexAny(line[:pos], " \t") + 1
	return line[start:pos]
}

// completeLine applies completion candidates to the word ending at pos.
// One candidate replaces the word and adds a space. Several extend the
// word to their longest common prefix and are returned for listing.
func completeLine(line string, pos int, cands []string) (string, int, []string) {
	if pos > len(line) {
		pos = len(line)
	}
	word := currentWord(line, pos)
	start := pos - len(word)

	var repl string
	switch len(cands) {
	case 0:
		return line, pos, nil
	case 1:
		repl = cands[0] + " "
	default:
		repl = commonPrefix(cands)
		if len(repl) < len(word) {
			repl = word
		}
	}
	newLine := line[:start] + repl + line[pos:]
	newPos := start + len(repl)
	if len(cands) > 1 {
		return newLine, newPos, cands
	}
	return newLine, newPos, nil
}

func commonPrefix(words []string) string {
	if len(words) == 0 {
		return ""
	}
	prefix := words[0]
	for _, w := range words[1:] {
		for !strings.HasPrefix(w, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	return prefix
}
