// Package config defines the runtime configuration for replnet and the
// helpers that fill it from defaults, a config file and the
// environment. CLI flags are applied last, by package cmd.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	errs "replnet/internal/errors"
)

// Config holds every tuneable for a server or a client.
type Config struct {
	// ── Endpoints ────────────────────────────────────────────────────
	Host        string `yaml:"host" toml:"host"`
	ConsolePort int    `yaml:"console_port" toml:"console_port"`
	ControlPort int    `yaml:"control_port" toml:"control_port"`

	// ── Sessions (serve) ─────────────────────────────────────────────
	Banner   string   `yaml:"banner" toml:"banner"`
	PS1      string   `yaml:"ps1" toml:"ps1"`
	PS2      string   `yaml:"ps2" toml:"ps2"`
	Exec     string   `yaml:"exec" toml:"exec"`           // program run per session
	ExecArgs []string `yaml:"exec_args" toml:"exec_args"` // its arguments
	Command  string   `yaml:"command" toml:"command"`     // shell command run per session
	Rows     int      `yaml:"rows" toml:"rows"`
	Cols     int      `yaml:"cols" toml:"cols"`

	PollInterval    time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	GracePeriod     time.Duration `yaml:"grace_period" toml:"grace_period"`
	MaxMessageBytes int           `yaml:"max_message_bytes" toml:"max_message_bytes"`

	// ── Client (connect) ─────────────────────────────────────────────
	ConnectHost    string        `yaml:"connect_host" toml:"connect_host"` // empty uses Host
	DialTimeout    time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	DialAttempts   int           `yaml:"dial_attempts" toml:"dial_attempts"`
	RequestTimeout time.Duration `yaml:"request_timeout" toml:"request_timeout"`

	// ── SSH gateway (connect) ────────────────────────────────────────
	TunnelSpec     string        `yaml:"tunnel" toml:"tunnel"` // raw [user@]host[:port] from -T
	TunnelEnabled  bool          `yaml:"-" toml:"-"`
	TunnelUser     string        `yaml:"-" toml:"-"`
	TunnelHost     string        `yaml:"-" toml:"-"`
	TunnelPort     int           `yaml:"-" toml:"-"`
	SSHKeyPath     string        `yaml:"ssh_key" toml:"ssh_key"`
	SSHPassword    bool          `yaml:"ssh_password" toml:"ssh_password"` // true prompts interactively
	UseSSHAgent    bool          `yaml:"ssh_agent" toml:"ssh_agent"`
	StrictHostKey  bool          `yaml:"strict_host_key" toml:"strict_host_key"`
	KnownHostsPath string        `yaml:"known_hosts" toml:"known_hosts"`
	KeepAlive      time.Duration `yaml:"keepalive" toml:"keepalive"`

	// ── Output ───────────────────────────────────────────────────────
	Verbose    int  `yaml:"verbose" toml:"verbose"`
	Timestamps bool `yaml:"timestamps" toml:"timestamps"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Host:            DefaultHost,
		ConsolePort:     DefaultConsolePort,
		ControlPort:     DefaultControlPort,
		Rows:            DefaultRows,
		Cols:            DefaultCols,
		PollInterval:    DefaultPollInterval,
		GracePeriod:     DefaultGracePeriod,
		MaxMessageBytes: DefaultMaxMessageBytes,
		DialTimeout:     DefaultDialTimeout,
		DialAttempts:    DefaultDialAttempts,
		RequestTimeout:  DefaultRequestTimeout,
		KeepAlive:       DefaultKeepAlive,
	}
}

// DialHost returns the host the client connects to.
func (c *Config) DialHost() string {
	if c.ConnectHost != "" {
		return c.ConnectHost
	}
	return c.Host
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host and port from a string such as
// "admin@bastion.example.com:2222". Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q, expected [user@]host[:port]", spec)
	}
	user, host, port = m[1], m[2], DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ResolveTunnel parses TunnelSpec into the Tunnel* fields.
func (c *Config) ResolveTunnel() error {
	if c.TunnelSpec == "" {
		c.TunnelEnabled = false
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return &errs.ConfigError{Field: "tunnel", Value: c.TunnelSpec, Message: err.Error()}
	}
	c.TunnelEnabled = true
	c.TunnelUser, c.TunnelHost, c.TunnelPort = user, host, port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

func validPort(field string, port int) error {
	if port < 1 || port > 65535 {
		return &errs.ConfigError{Field: field, Value: port, Message: "port must be in 1-65535"}
	}
	return nil
}

// Validate checks the settings both modes share.
func (c *Config) Validate() error {
	if err := validPort("port", c.ConsolePort); err != nil {
		return err
	}
	if err := validPort("control-port", c.ControlPort); err != nil {
		return err
	}
	if c.ConsolePort == c.ControlPort {
		return &errs.ConfigError{
			Field:   "control-port",
			Value:   c.ControlPort,
			Message: "console and control ports must differ",
			Hint:    fmt.Sprintf("the default control port is %d", DefaultControlPort),
		}
	}
	if c.MaxMessageBytes <= 0 {
		return &errs.ConfigError{Field: "max-message", Value: c.MaxMessageBytes, Message: "must be positive"}
	}
	return nil
}

// ValidateServe checks a server configuration.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Host == "" {
		return &errs.ConfigError{Field: "host", Message: "bind address is required", Hint: "use 0.0.0.0 to listen on every interface"}
	}
	if c.PollInterval <= 0 {
		return &errs.ConfigError{Field: "poll-interval", Value: c.PollInterval, Message: "must be positive"}
	}
	if c.GracePeriod < 0 {
		return &errs.ConfigError{Field: "grace", Value: c.GracePeriod, Message: "must not be negative"}
	}
	if c.Exec != "" && c.Command != "" {
		return &errs.ConfigError{Field: "exec", Value: c.Exec, Message: "--exec and --command are mutually exclusive"}
	}
	if len(c.ExecArgs) > 0 && c.Exec == "" {
		return &errs.ConfigError{Field: "exec", Message: "arguments given without a program", Hint: "replnet serve --exec PROG -- ARGS..."}
	}
	if c.Rows < 0 || c.Rows > 65535 || c.Cols < 0 || c.Cols > 65535 {
		return &errs.ConfigError{Field: "size", Value: fmt.Sprintf("%dx%d", c.Rows, c.Cols), Message: "terminal size out of range"}
	}
	return nil
}

// ValidateConnect checks a client configuration and resolves the
// tunnel spec.
func (c *Config) ValidateConnect() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.DialHost() == "" {
		return &errs.ConfigError{Field: "host", Message: "server host is required", Hint: "replnet connect HOST"}
	}
	if c.DialTimeout <= 0 {
		return &errs.ConfigError{Field: "timeout", Value: c.DialTimeout, Message: "must be positive"}
	}
	if c.DialAttempts < 1 {
		return &errs.ConfigError{Field: "retries", Value: c.DialAttempts, Message: "at least one attempt is needed"}
	}
	if err := c.ResolveTunnel(); err != nil {
		return err
	}
	if !c.TunnelEnabled && (c.SSHKeyPath != "" || c.SSHPassword || c.UseSSHAgent) {
		return &errs.ConfigError{Field: "tunnel", Message: "SSH options given without a gateway", Hint: "add -T user@gateway"}
	}
	return nil
}
