// Package control serves the control channel: a stream of framed JSON
// requests that act on the console session the channel is paired with.
//
// A channel starts unpaired. PairWithSession binds it to a session id,
// normally the id the client read as the first line of its console
// connection. TabComplete and KeyboardInterrupt then operate on that
// session; DescribeServer works either way.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"

	"replnet/internal/apiproto"
	errs "replnet/internal/errors"
	"replnet/internal/metrics"
	"replnet/internal/msg"
	"replnet/util"
)

// Target is the session-side surface the control channel drives.
type Target interface {
	Interrupt()
	Complete(text string, state int) (string, bool)
	Prompts() (ps1, ps2 string)
	BindControl(controlID string)
}

// Description is what DescribeServer reports before any pairing.
type Description struct {
	Banner   string
	PS1, PS2 string
	Sessions int
}

// Handler serves control connections. Lookup and Describe must be set.
type Handler struct {
	Lookup   func(id string) (Target, bool)
	Describe func() Description
	Limits   msg.Limits
	Logger   *util.Logger
	Metrics  *metrics.Collector
}

// channel is the per-connection state.
type channel struct {
	id        string
	h         *Handler
	logger    *util.Logger
	sessionID string
}

// Serve answers requests on conn, one reply per request, until the peer
// ends the stream or ctx is done. A bad request gets a failure reply and
// the loop carries on.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) error {
	id := uuid.NewString()
	logger := h.Logger
	if logger == nil {
		logger = util.NewLogger(0)
	}
	ch := &channel{id: id, h: h, logger: logger.With("control " + id[:8])}

	h.Metrics.ControlOpened()
	defer h.Metrics.ControlClosed()
	ch.logger.Verbose("opened from %s", conn.RemoteAddr())
	defer ch.logger.Verbose("closed")

	recv := apiproto.NewReceiver(msg.SocketSource(ctx, conn), h.Limits)
	for {
		var req apiproto.Request
		err := recv.Recv(&req)

		var reply apiproto.Payload
		var decodeErr *apiproto.DecodeError
		switch {
		case err == nil:
			reply = ch.dispatch(req)
		case errors.As(err, &decodeErr):
			ch.logger.Debug("bad request: %v", decodeErr)
			reply = apiproto.Failed("malformed request")
		case errors.Is(err, msg.ErrEndOfStream), ctx.Err() != nil:
			return nil
		default:
			return errs.Wrap("read", conn.RemoteAddr().String(), err)
		}

		if err := apiproto.Send(conn, reply); err != nil {
			if util.IsHarmless(err) {
				return nil
			}
			return errs.Wrap("write", conn.RemoteAddr().String(), err)
		}
	}
}

func (c *channel) dispatch(req apiproto.Request) apiproto.Payload {
	if apiproto.KnownCommand(req.Command) {
		c.h.Metrics.Request(req.Command)
	} else {
		c.h.Metrics.Request(metrics.UnknownCommand)
	}
	c.logger.Debug("request %q", req.Command)

	switch req.Command {
	case apiproto.CommandDescribeServer:
		return c.describe()

	case apiproto.CommandPairWithSession:
		t, ok := c.h.Lookup(req.ID)
		if !ok {
			return apiproto.Failed(fmt.Sprintf("%v: %q", errs.ErrSessionNotFound, req.ID))
		}
		c.sessionID = req.ID
		t.BindControl(c.id)
		c.logger.Verbose("paired with session %s", req.ID)
		return apiproto.Payload{"status": apiproto.StatusOK}

	case apiproto.CommandTabComplete:
		t, failed := c.target()
		if failed != nil {
			return failed
		}
		if cand, ok := t.Complete(req.Text, req.State); ok {
			return apiproto.Payload{"status": apiproto.StatusOK, "result": cand}
		}
		return apiproto.Payload{"status": apiproto.StatusOK, "result": nil}

	case apiproto.CommandKeyboardInterrupt:
		t, failed := c.target()
		if failed != nil {
			return failed
		}
		t.Interrupt()
		return apiproto.Payload{"status": apiproto.StatusOK}

	default:
		return apiproto.Failed(fmt.Sprintf("unknown command %q", req.Command))
	}
}

// target resolves the paired session, or returns the failure reply.
func (c *channel) target() (Target, apiproto.Payload) {
	if c.sessionID == "" {
		return nil, apiproto.Failed(errs.ErrNotPaired.Error())
	}
	t, ok := c.h.Lookup(c.sessionID)
	if !ok {
		return nil, apiproto.Failed("session ended")
	}
	return t, nil
}

func (c *channel) describe() apiproto.Payload {
	d := c.h.Describe()
	ps1, ps2 := d.PS1, d.PS2
	if c.sessionID != "" {
		if t, ok := c.h.Lookup(c.sessionID); ok {
			ps1, ps2 = t.Prompts()
		}
	}
	return apiproto.Payload{
		"status":   apiproto.StatusOK,
		"prompts":  map[string]string{"ps1": ps1, "ps2": ps2},
		"banner":   d.Banner,
		"sessions": d.Sessions,
	}
}
