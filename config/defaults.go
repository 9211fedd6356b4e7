package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config files and environment variables.

const (
	// DefaultHost is where the server binds and the client dials.
	DefaultHost = "127.0.0.1"

	// DefaultConsolePort carries the raw terminal stream.
	DefaultConsolePort = 1337

	// DefaultControlPort carries framed control requests.
	DefaultControlPort = 8128

	// DefaultPollInterval bounds how long the relay waits before it
	// rechecks its stop flag.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultGracePeriod is how long a stopping server waits for
	// sessions to end on their own.
	DefaultGracePeriod = 5 * time.Second

	// DefaultMaxMessageBytes caps one control message body.
	DefaultMaxMessageBytes = 16 * 1024 * 1024

	// DefaultDialTimeout bounds one TCP or SSH connection attempt.
	DefaultDialTimeout = 10 * time.Second

	// DefaultDialAttempts is how often the client tries to reach a
	// server that refuses connections.
	DefaultDialAttempts = 5

	// DefaultRequestTimeout bounds one control round trip.
	DefaultRequestTimeout = 3 * time.Second

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultKeepAlive is the SSH gateway keepalive interval.
	DefaultKeepAlive = 30 * time.Second

	// DefaultRows and DefaultCols size a new session's terminal.
	DefaultRows = 24
	DefaultCols = 80
)
