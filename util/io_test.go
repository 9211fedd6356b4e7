package util

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"syscall"
	"testing"
	"time"
)

func TestBidirectionalCopy(t *testing.T) {
	// Set up a TCP server that echoes data.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn) // echo
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	input := bytes.NewBufferString("hello world\n")
	output := &bytes.Buffer{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// input → conn → echo → output. The half-close after input is
	// exhausted makes the echo server close its side.
	if err := BidirectionalCopy(ctx, conn, input, output); err != nil {
		t.Fatalf("BidirectionalCopy: %v", err)
	}

	if got := output.String(); got != "hello world\n" {
		t.Errorf("output = %q, want %q", got, "hello world\n")
	}
}

func TestBidirectionalCopy_BufferedConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("session-id\r\nready\n")) //nolint:errcheck
		// Echo lines until "quit"; no half-close arrives from a
		// BufferedConn.
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "quit\n" {
				return
			}
			conn.Write([]byte(line)) //nolint:errcheck
		}
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn := NewBufferedConn(raw)

	id, err := conn.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if id != "session-id" {
		t.Errorf("id = %q, want %q", id, "session-id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var output bytes.Buffer
	if err := BidirectionalCopy(ctx, conn, bytes.NewBufferString("ping\nquit\n"), &output); err != nil {
		t.Fatalf("BidirectionalCopy: %v", err)
	}
	if got := output.String(); got != "ready\nping\n" {
		t.Errorf("output = %q, want %q", got, "ready\nping\n")
	}
}

func TestBufferedConn_ReadLineEOF(t *testing.T) {
	client, server := net.Pipe()
	conn := &BufferedConn{Conn: client, R: bufio.NewReader(client)}
	go func() {
		server.Write([]byte("partial")) //nolint:errcheck
		server.Close()
	}()
	if _, err := conn.ReadLine(); err == nil {
		t.Error("expected error for unterminated line")
	}
}

func TestIsHarmless(t *testing.T) {
	harmless := []error{nil, io.EOF, net.ErrClosed, syscall.ECONNRESET, syscall.EPIPE}
	for _, err := range harmless {
		if !IsHarmless(err) {
			t.Errorf("%v should be harmless", err)
		}
	}
	if IsHarmless(io.ErrUnexpectedEOF) {
		t.Error("ErrUnexpectedEOF should NOT be harmless")
	}
}
