package config

// loader.go - configuration loading from files and environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. Config file  (LoadFile)
//   4. Defaults   (defaults.go)

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	errs "replnet/internal/errors"
)

// LoadFile overlays the YAML or TOML file at path onto cfg, picked by
// extension. Keys absent from the file leave cfg unchanged; unknown
// keys are an error so that typos do not pass silently.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &errs.ConfigError{Field: "config", Value: path, Message: err.Error()}
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return &errs.ConfigError{Field: "config", Value: path, Message: err.Error()}
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return &errs.ConfigError{Field: "config", Value: path, Message: err.Error()}
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return &errs.ConfigError{
				Field:   "config",
				Value:   path,
				Message: fmt.Sprintf("unknown key %q", undec[0].String()),
			}
		}
	default:
		return &errs.ConfigError{
			Field:   "config",
			Value:   path,
			Message: fmt.Sprintf("unsupported config format %q", ext),
			Hint:    "use a .yaml, .yml or .toml file",
		}
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the REPLNET_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// syntax ("250ms") or a bare number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("REPLNET_HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("REPLNET_PORT"); v > 0 {
		cfg.ConsolePort = v
	}
	if v := envInt("REPLNET_CONTROL_PORT"); v > 0 {
		cfg.ControlPort = v
	}

	// Sessions
	if v := os.Getenv("REPLNET_BANNER"); v != "" {
		cfg.Banner = v
	}
	if v := os.Getenv("REPLNET_PS1"); v != "" {
		cfg.PS1 = v
	}
	if v := os.Getenv("REPLNET_PS2"); v != "" {
		cfg.PS2 = v
	}
	if v := os.Getenv("REPLNET_EXEC"); v != "" {
		cfg.Exec = v
	}
	if v := os.Getenv("REPLNET_COMMAND"); v != "" {
		cfg.Command = v
	}
	if v := envDuration("REPLNET_POLL_INTERVAL"); v > 0 {
		cfg.PollInterval = v
	}
	if v := envDuration("REPLNET_GRACE"); v > 0 {
		cfg.GracePeriod = v
	}
	if v := envInt("REPLNET_MAX_MESSAGE"); v > 0 {
		cfg.MaxMessageBytes = v
	}

	// Client
	if v := envDuration("REPLNET_TIMEOUT"); v > 0 {
		cfg.DialTimeout = v
	}
	if v := envInt("REPLNET_RETRIES"); v > 0 {
		cfg.DialAttempts = v
	}

	// SSH tunnel
	if v := os.Getenv("REPLNET_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("REPLNET_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("REPLNET_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("REPLNET_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("REPLNET_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("REPLNET_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
	if v := envDuration("REPLNET_KEEPALIVE"); v > 0 {
		cfg.KeepAlive = v
	}

	// Output
	if v := envInt("REPLNET_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if envBool("REPLNET_TIMESTAMPS") {
		cfg.Timestamps = true
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return secondsDuration(n)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
