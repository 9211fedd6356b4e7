// Package cmd wires up the CLI flags and dispatches to the server or
// the client.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"replnet/config"
	"replnet/internal/client"
	"replnet/internal/metrics"
	"replnet/internal/msg"
	"replnet/internal/retry"
	"replnet/internal/server"
	"replnet/internal/transport"
	"replnet/tunnel"
	"replnet/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X replnet/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the selected subcommand.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}
	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "connect":
		return runConnect(ctx, args[1:])
	case "version", "--version":
		fmt.Printf("replnet %s\n", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	return fmt.Errorf("unknown command %q (use --help for usage)", args[0])
}

// ── configuration ────────────────────────────────────────────────────

// loadConfig applies defaults, the --config file and the environment,
// in that order. Flags are bound afterwards with the result as their
// defaults, so only flags actually given override it.
func loadConfig(args []string) (*config.Config, error) {
	cfg := config.Default()
	if path := configPath(args); path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// configPath finds --config without tripping over the other flags.
func configPath(args []string) string {
	pre := flag.NewFlagSet("config", flag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}
	path := pre.String("config", "", "")
	pre.Parse(args) //nolint:errcheck
	return *path
}

// commonFlags binds the flags both subcommands accept.
func commonFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.String("config", "", "Load settings from a .yaml or .toml file")
	fs.StringVarP(&cfg.Host, "host", "H", cfg.Host, "Bind or server address")
	fs.IntVarP(&cfg.ConsolePort, "port", "p", cfg.ConsolePort, "Console port")
	fs.IntVarP(&cfg.ControlPort, "control-port", "P", cfg.ControlPort, "Control port")
	fs.IntVar(&cfg.MaxMessageBytes, "max-message", cfg.MaxMessageBytes, "Largest control message body in bytes")
	fs.BoolVar(&cfg.Timestamps, "timestamps", cfg.Timestamps, "Prefix log lines with the time")
}

// verbosity binds -v. pflag resets a count flag to zero when it is
// defined, so the loaded level is restored unless -v was given.
func verbosity(fs *flag.FlagSet, cfg *config.Config) func() {
	loaded := cfg.Verbose
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	return func() {
		if !fs.Changed("verbose") {
			cfg.Verbose = loaded
		}
	}
}

func newLogger(cfg *config.Config) *util.Logger {
	logger := util.NewLogger(cfg.Verbose)
	logger.SetTimestamps(cfg.Timestamps)
	return logger
}

func limits(cfg *config.Config) msg.Limits {
	return msg.Limits{MaxBodyLen: cfg.MaxMessageBytes}
}

// ── serve ────────────────────────────────────────────────────────────

func runServe(ctx context.Context, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("replnet serve", flag.ContinueOnError)
	commonFlags(fs, cfg)
	restoreVerbose := verbosity(fs, cfg)

	fs.StringVar(&cfg.Banner, "banner", cfg.Banner, "Text shown when a session starts")
	fs.StringVar(&cfg.PS1, "ps1", cfg.PS1, "Primary prompt")
	fs.StringVar(&cfg.PS2, "ps2", cfg.PS2, "Continuation prompt")
	fs.StringVarP(&cfg.Exec, "exec", "e", cfg.Exec, "Run PROG per session (arguments after --)")
	fs.StringVarP(&cfg.Command, "command", "c", cfg.Command, "Run a shell command per session")
	fs.IntVar(&cfg.Rows, "rows", cfg.Rows, "Terminal rows of a new session")
	fs.IntVar(&cfg.Cols, "cols", cfg.Cols, "Terminal columns of a new session")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Relay stop-check interval")
	fs.DurationVar(&cfg.GracePeriod, "grace", cfg.GracePeriod, "How long shutdown waits for sessions")

	var dryRun, showHelp bool
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.Usage = func() { printCommandUsage(fs, "serve [options] [-- ARGS...]") }

	if err := fs.Parse(args); err != nil {
		return err
	}
	restoreVerbose()
	if showHelp {
		fs.Usage()
		return nil
	}
	if dash := fs.ArgsLenAtDash(); dash >= 0 {
		if dash > 0 {
			return fmt.Errorf("unexpected argument %q", fs.Args()[0])
		}
		cfg.ExecArgs = append([]string(nil), fs.Args()...)
	} else if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	if dryRun {
		return nil
	}

	logger := newLogger(cfg)
	m := metrics.New()
	srv := server.New(server.Options{
		Host:         cfg.Host,
		ConsolePort:  cfg.ConsolePort,
		ControlPort:  cfg.ControlPort,
		Banner:       cfg.Banner,
		PS1:          cfg.PS1,
		PS2:          cfg.PS2,
		Exec:         cfg.Exec,
		ExecArgs:     cfg.ExecArgs,
		Command:      cfg.Command,
		PollInterval: cfg.PollInterval,
		Rows:         uint16(cfg.Rows),
		Cols:         uint16(cfg.Cols),
		Limits:       limits(cfg),
	}, logger, m)

	err = srv.Run(ctx, cfg.GracePeriod)
	logger.Verbose("metrics: %s", m.JSON())
	return err
}

// ── connect ──────────────────────────────────────────────────────────

func runConnect(ctx context.Context, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("replnet connect", flag.ContinueOnError)
	commonFlags(fs, cfg)
	restoreVerbose := verbosity(fs, cfg)

	fs.DurationVarP(&cfg.DialTimeout, "timeout", "w", cfg.DialTimeout, "Connect timeout")
	fs.IntVar(&cfg.DialAttempts, "retries", cfg.DialAttempts, "Connection attempts before giving up")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Control request timeout")

	// ── SSH gateway ──────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "Reach the server through SSH gateway [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.DurationVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "SSH keepalive interval (0 disables)")

	var dryRun, showHelp bool
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.Usage = func() { printCommandUsage(fs, "connect [options] [host]") }

	if err := fs.Parse(args); err != nil {
		return err
	}
	restoreVerbose()
	if showHelp {
		fs.Usage()
		return nil
	}
	switch fs.NArg() {
	case 0:
	case 1:
		cfg.ConnectHost = fs.Arg(0)
	default:
		return fmt.Errorf("too many arguments for connect")
	}

	if err := cfg.ValidateConnect(); err != nil {
		return err
	}
	if dryRun {
		return nil
	}

	logger := newLogger(cfg)

	var gw *tunnel.SSHConfig
	if cfg.TunnelEnabled {
		gw = &tunnel.SSHConfig{
			User:          cfg.TunnelUser,
			Host:          cfg.TunnelHost,
			Port:          cfg.TunnelPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			KeepAlive:     cfg.KeepAlive,
		}
	}
	dialer := transport.New(gw, cfg.DialTimeout, logger)

	bo := retry.DialBackoff()
	bo.MaxAttempts = cfg.DialAttempts

	c, err := client.Dial(ctx, client.Options{
		Host:           cfg.DialHost(),
		ConsolePort:    cfg.ConsolePort,
		ControlPort:    cfg.ControlPort,
		Dialer:         dialer,
		Backoff:        bo,
		RequestTimeout: cfg.RequestTimeout,
		Limits:         limits(cfg),
		Logger:         logger,
	})
	if err != nil {
		dialer.Close()
		return err
	}
	defer c.Close()

	return c.Run(ctx, os.Stdin, os.Stdout)
}

// ── usage ────────────────────────────────────────────────────────────

func printUsage() {
	fmt.Fprintf(os.Stderr, `replnet - remote interactive consoles over TCP v%s

Usage:
  replnet serve [options] [-- ARGS...]        Serve console sessions
  replnet connect [options] [host]            Attach to a session
  replnet version                             Print version

Run 'replnet <command> --help' for the options of a command.

Examples:
  replnet serve                               Built-in console on 1337/8128
  replnet serve -H 0.0.0.0 --exec bc -- -q    One bc per session
  replnet connect                             Attach to 127.0.0.1
  replnet connect -T admin@bastion repl-host  Attach through SSH
  printf 'help\n' | replnet connect           Scripted session
`, version)
}

func printCommandUsage(fs *flag.FlagSet, synopsis string) {
	fmt.Fprintf(os.Stderr, "Usage:\n  replnet %s\n\nOptions:\n", synopsis)
	fs.PrintDefaults()
}
