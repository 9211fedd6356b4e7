package msg

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"
)

// decodeAll drains d and fails the test on any error other than
// end-of-stream.
func decodeAll(t *testing.T, d *Decoder) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		body, err := d.Decode()
		if errors.Is(err, ErrEndOfStream) {
			return out
		}
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		out = append(out, body)
	}
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestEncode_Format(t *testing.T) {
	got := Encode([]byte("hello world"))
	want := append([]byte{0xFF}, []byte("v01l11;hello world")...)
	if !bytes.Equal(got, want) {
		t.Errorf("Encode = %q, want %q", got, want)
	}

	if got := Encode(nil); !bytes.Equal(got, append([]byte{0xFF}, "v01l0;"...)) {
		t.Errorf("Encode(nil) = %q", got)
	}
}

func TestDecode_Scenarios(t *testing.T) {
	hello := []byte("hello world")
	again := []byte("hello again")

	tests := []struct {
		name   string
		stream []byte
		want   [][]byte
	}{
		{"single", Encode(hello), [][]byte{hello}},
		{"junk between", concat(Encode(hello), []byte("junkjunkjunk"), Encode(again)), [][]byte{hello, again}},
		{"sync run between", concat(Encode(hello), bytes.Repeat([]byte{SyncByte}, 10), Encode(again)), [][]byte{hello, again}},
		{"leading junk", concat([]byte("garbage\x00\x01"), Encode(hello)), [][]byte{hello}},
		{"empty body", Encode(nil), [][]byte{{}}},
		{"bad version skipped", concat([]byte{SyncByte}, []byte("v02l3;abc"), Encode(hello)), [][]byte{hello}},
		{"non-digit length skipped", concat([]byte{SyncByte}, []byte("v01lx;"), Encode(again)), [][]byte{again}},
		{"missing digits skipped", concat([]byte{SyncByte}, []byte("v01l;"), Encode(again)), [][]byte{again}},
		{"truncated body dropped", concat(Encode(hello), Encode(again)[:8]), [][]byte{hello}},
	}

	for _, tt := range tests {
		for _, chunk := range []int{1, 4096, 0} {
			t.Run(tt.name, func(t *testing.T) {
				got := decodeAll(t, NewDecoder(BytesSource(tt.stream, chunk)))
				if len(got) != len(tt.want) {
					t.Fatalf("chunk %d: got %d messages %q, want %d", chunk, len(got), got, len(tt.want))
				}
				for i := range tt.want {
					if !bytes.Equal(got[i], tt.want[i]) {
						t.Errorf("chunk %d: message %d = %q, want %q", chunk, i, got[i], tt.want[i])
					}
				}
			})
		}
	}
}

func TestDecode_RoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		body := make([]byte, rng.Intn(600))
		rng.Read(body)
		// Plant sync bytes and fake headers in some bodies.
		if i%3 == 0 && len(body) > 10 {
			copy(body[rng.Intn(len(body)-10):], []byte{SyncByte, 'v', '0', '1', 'l', '9'})
		}

		d := NewDecoder(BytesSource(Encode(body), 1+rng.Intn(64)))
		got, err := d.Decode()
		if err != nil {
			t.Fatalf("iteration %d: Decode: %v", i, err)
		}
		if !bytes.Equal(got, body) {
			t.Fatalf("iteration %d: body mismatch", i)
		}
		if _, err := d.Decode(); !errors.Is(err, ErrEndOfStream) {
			t.Fatalf("iteration %d: second Decode err = %v, want end-of-stream", i, err)
		}
	}
}

func TestDecode_OrderPreservation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var stream []byte
	var want [][]byte
	for i := 0; i < 50; i++ {
		body := make([]byte, rng.Intn(300))
		rng.Read(body)
		want = append(want, body)
		stream = append(stream, Encode(body)...)
	}

	for _, chunk := range []int{1, 4096, len(stream)} {
		got := decodeAll(t, NewDecoder(BytesSource(stream, chunk)))
		if len(got) != len(want) {
			t.Fatalf("chunk %d: got %d messages, want %d", chunk, len(got), len(want))
		}
		for i := range want {
			if !bytes.Equal(got[i], want[i]) {
				t.Fatalf("chunk %d: message %d out of order or corrupted", chunk, i)
			}
		}
	}
}

func TestDecode_ExactBoundary(t *testing.T) {
	d := NewDecoder(BytesSource(Encode([]byte("exact")), 0))
	body, err := d.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(body) != "exact" {
		t.Errorf("body = %q", body)
	}
	if d.Buffered() != 0 {
		t.Errorf("buffered = %d after exact message, want 0", d.Buffered())
	}
	if _, err := d.Decode(); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("err = %v, want end-of-stream", err)
	}
}

// watchedSource records the largest decoder buffer seen before each read.
type watchedSource struct {
	Source
	d   *Decoder
	max int
}

func (w *watchedSource) Next() ([]byte, error) {
	if n := w.d.Buffered(); n > w.max {
		w.max = n
	}
	return w.Source.Next()
}

func TestDecode_BoundedResync(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"sync only", bytes.Repeat([]byte{SyncByte}, 1<<20)},
		{"junk only", bytes.Repeat([]byte("no sync here "), 1<<16)},
		{"endless digits", concat([]byte{SyncByte}, []byte("v01l"), bytes.Repeat([]byte("1"), 1<<16))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := &watchedSource{Source: BytesSource(tt.input, 4096)}
			d := NewDecoder(ws)
			ws.d = d

			if _, err := d.Decode(); !errors.Is(err, ErrEndOfStream) {
				t.Fatalf("err = %v, want end-of-stream", err)
			}
			if limit := DefaultLimits().MaxHeaderLen + 2*4096; ws.max > limit {
				t.Errorf("buffer grew to %d bytes, limit %d", ws.max, limit)
			}
		})
	}
}

func TestDecode_OversizedLengthResyncs(t *testing.T) {
	limits := Limits{MaxBodyLen: 10}
	stream := concat(Encode([]byte("this body is too long")), Encode([]byte("short")))
	got := decodeAll(t, NewDecoderLimits(BytesSource(stream, 3), limits))
	if len(got) != 1 || string(got[0]) != "short" {
		t.Errorf("got %q, want only %q", got, "short")
	}
}

func TestDecode_LimitBelowOneDigit(t *testing.T) {
	limits := Limits{MaxBodyLen: 5}
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"at limit", "12345", []string{"12345", "ok"}},
		{"single digit above", "123456789", []string{"ok"}},
		{"two digits", "0123456789ab", []string{"ok"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := concat(Encode([]byte(tt.body)), Encode([]byte("ok")))
			got := decodeAll(t, NewDecoderLimits(BytesSource(stream, 0), limits))
			if len(got) != len(tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			for i := range got {
				if string(got[i]) != tt.want[i] {
					t.Errorf("message %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// flakySource fails once with a transient error partway through.
type flakySource struct {
	Source
	calls  int
	failAt int
}

var errTransient = errors.New("transient")

func (f *flakySource) Next() ([]byte, error) {
	f.calls++
	if f.calls == f.failAt {
		return nil, errTransient
	}
	return f.Source.Next()
}

func TestDecode_ResumesAfterSourceError(t *testing.T) {
	body := []byte("resumable message body")
	src := &flakySource{Source: BytesSource(Encode(body), 4), failAt: 4}
	d := NewDecoder(src)

	if _, err := d.Decode(); !errors.Is(err, errTransient) {
		t.Fatalf("first Decode err = %v, want transient", err)
	}
	if d.phase == phaseSync && d.Buffered() == 0 {
		t.Fatalf("decoder lost its position (phase %s)", d.phase)
	}
	got, err := d.Decode()
	if err != nil {
		t.Fatalf("second Decode: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("got %q, want %q", got, body)
	}
}

func TestStreamSource(t *testing.T) {
	stream := concat(Encode([]byte("one")), Encode([]byte("two")))
	got := decodeAll(t, NewDecoder(StreamSource(bytes.NewReader(stream), 5)))
	if len(got) != 2 || string(got[0]) != "one" || string(got[1]) != "two" {
		t.Errorf("got %q", got)
	}
}

func TestSocketSource_MergedSends(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return
		}
		defer conn.Close()
		WriteMessage(conn, []byte("hello world")) //nolint:errcheck
		WriteMessage(conn, []byte("hello again")) //nolint:errcheck
	}()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	d := NewDecoder(SocketSource(ctx, conn))
	for _, want := range []string{"hello world", "hello again"} {
		got, err := d.Decode()
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if _, err := d.Decode(); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("err = %v, want end-of-stream", err)
	}
}

func TestSocketSource_ContextCancel(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDecoder(SocketSource(ctx, server))

	done := make(chan error, 1)
	go func() {
		_, err := d.Decode()
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Decode did not return after cancel")
	}
}

func TestReceiveBuffer_DiscardAndSet(t *testing.T) {
	var b ReceiveBuffer
	b.Append([]byte("abcdef"))
	b.Discard(2)
	if got := string(b.Bytes()); got != "cdef" {
		t.Errorf("got %q, want %q", got, "cdef")
	}
	b.Append([]byte("gh"))
	if got := string(b.Bytes()); got != "cdefgh" {
		t.Errorf("got %q, want %q", got, "cdefgh")
	}
	b.Set(b.Bytes()[1:3])
	if got := string(b.Bytes()); got != "de" {
		t.Errorf("got %q, want %q", got, "de")
	}
	b.Discard(10)
	if b.Len() != 0 {
		t.Errorf("len = %d after over-discard", b.Len())
	}
}

func TestReceiveBuffer_Shrinks(t *testing.T) {
	var b ReceiveBuffer
	b.Append(make([]byte, 4*shrinkThreshold))
	b.Discard(4*shrinkThreshold - 3)
	b.Set(b.Bytes())
	if cap(b.Bytes()) > shrinkThreshold {
		t.Errorf("cap = %d, want released", cap(b.Bytes()))
	}
	if b.Len() != 3 {
		t.Errorf("len = %d, want 3", b.Len())
	}
}
