// Package metrics provides lightweight, lock-free counters and gauges
// for tracking the runtime statistics of a replnet server.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for a replnet server.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	sessionsActive atomic.Int64
	sessionsTotal  atomic.Int64
	controlActive  atomic.Int64
	controlTotal   atomic.Int64
	bytesIn        atomic.Int64
	bytesOut       atomic.Int64
	interrupts     atomic.Int64
	completions    atomic.Int64
	errorsTotal    atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	requests     map[string]int64
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now(), requests: make(map[string]int64)}
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total session counters.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed decrements the active session counter.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// ActiveSessions returns the number of live console sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// ── Control channel metrics ──────────────────────────────────────────

// ControlOpened records a new control connection.
func (c *Collector) ControlOpened() {
	if c == nil {
		return
	}
	c.controlActive.Add(1)
	c.controlTotal.Add(1)
}

// ControlClosed records the end of a control connection.
func (c *Collector) ControlClosed() {
	if c == nil {
		return
	}
	c.controlActive.Add(-1)
}

// ActiveControls returns the number of open control connections.
func (c *Collector) ActiveControls() int64 {
	if c == nil {
		return 0
	}
	return c.controlActive.Load()
}

// UnknownCommand is the key requests with unrecognised command names
// are counted under.
const UnknownCommand = "unknown"

// Request counts one control request by command name. Callers pass
// UnknownCommand for names they do not handle so that the set of keys
// stays bounded.
func (c *Collector) Request(command string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.requests[command]++
	c.mu.Unlock()
}

// Requests returns how many requests named command were handled.
func (c *Collector) Requests(command string) int64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requests[command]
}

// Interrupt records a delivered keyboard interrupt.
func (c *Collector) Interrupt() {
	if c == nil {
		return
	}
	c.interrupts.Add(1)
}

// Completion records a served completion query.
func (c *Collector) Completion() {
	if c == nil {
		return
	}
	c.completions.Add(1)
}

// ── Relay I/O metrics ────────────────────────────────────────────────

// BytesReceived records n bytes relayed from a client into a PTY.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes relayed from a PTY to a client.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string           `json:"uptime"`
	SessionsActive   int64            `json:"sessions_active"`
	SessionsTotal    int64            `json:"sessions_total"`
	ControlActive    int64            `json:"control_active"`
	ControlTotal     int64            `json:"control_total"`
	Requests         map[string]int64 `json:"requests,omitempty"`
	Interrupts       int64            `json:"interrupts"`
	Completions      int64            `json:"completions"`
	BytesIn          int64            `json:"bytes_in"`
	BytesOut         int64            `json:"bytes_out"`
	ErrorsTotal      int64            `json:"errors_total"`
	LastError        string           `json:"last_error,omitempty"`
	LastErrorMessage string           `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:         time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive: c.sessionsActive.Load(),
		SessionsTotal:  c.sessionsTotal.Load(),
		ControlActive:  c.controlActive.Load(),
		ControlTotal:   c.controlTotal.Load(),
		Interrupts:     c.interrupts.Load(),
		Completions:    c.completions.Load(),
		BytesIn:        c.bytesIn.Load(),
		BytesOut:       c.bytesOut.Load(),
		ErrorsTotal:    c.errorsTotal.Load(),
	}
	if len(c.requests) > 0 {
		s.Requests = make(map[string]int64, len(c.requests))
		for k, v := range c.requests {
			s.Requests[k] = v
		}
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
