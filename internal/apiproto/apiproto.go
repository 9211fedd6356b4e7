// Package apiproto carries control-channel documents. Each document is a
// JSON object sent as the body of exactly one framed message (see
// package msg).
package apiproto

import (
	"encoding/json"
	"fmt"
	"io"

	"replnet/internal/msg"
)

// Control channel commands.
const (
	CommandTabComplete       = "TabComplete"
	CommandKeyboardInterrupt = "KeyboardInterrupt"
	CommandDescribeServer    = "DescribeServer"
	CommandPairWithSession   = "PairWithSession"
)

// KnownCommand reports whether name is one of the control commands.
func KnownCommand(name string) bool {
	switch name {
	case CommandTabComplete, CommandKeyboardInterrupt, CommandDescribeServer, CommandPairWithSession:
		return true
	}
	return false
}

// Reply statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Payload is a structured document: string keys to JSON values.
type Payload map[string]any

// Request is the decoded form of any control request. Fields that a
// command does not use are left at their zero value.
type Request struct {
	Command string `json:"command"`
	Text    string `json:"text"`
	State   int    `json:"state"`
	ID      string `json:"id"`
}

// Response is the decoded form of any control reply.
type Response struct {
	Status   string            `json:"status"`
	Result   *string           `json:"result"`
	Reason   string            `json:"reason"`
	Prompts  map[string]string `json:"prompts"`
	Banner   string            `json:"banner"`
	Sessions int               `json:"sessions"`
}

// OK reports whether the reply status is "ok".
func (r Response) OK() bool { return r.Status == StatusOK }

// Err converts a failed reply into an error.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	if r.Reason != "" {
		return fmt.Errorf("server replied %q: %s", r.Status, r.Reason)
	}
	return fmt.Errorf("server replied %q", r.Status)
}

// Failed builds a failure reply.
func Failed(reason string) Payload {
	return Payload{"status": StatusFailed, "reason": reason}
}

// Encode serializes v and frames it as one message.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return msg.Encode(body), nil
}

// Send encodes v and writes it to w in a single Write.
func Send(w io.Writer, v any) error {
	frame, err := Encode(v)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// DecodeError reports a message whose body is not a valid document. The
// message has been consumed; the stream stays usable.
type DecodeError struct {
	Body []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payload (%d bytes): %v", len(e.Body), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Receiver decodes documents from a message stream.
type Receiver struct {
	dec *msg.Decoder
}

// NewReceiver reads framed documents from src.
func NewReceiver(src msg.Source, limits msg.Limits) *Receiver {
	return &Receiver{dec: msg.NewDecoderLimits(src, limits)}
}

// Recv blocks for the next document and unmarshals it into v. It returns
// msg.ErrEndOfStream when the stream has ended and *DecodeError when the
// body is not valid JSON for v.
func (r *Receiver) Recv(v any) error {
	body, err := r.dec.Decode()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &DecodeError{Body: body, Err: err}
	}
	return nil
}
