package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestExecute_Version verifies version prints without error.
func TestExecute_Version(t *testing.T) {
	for _, arg := range []string{"version", "--version"} {
		if err := Execute(context.Background(), []string{arg}); err != nil {
			t.Fatalf("%s: unexpected error: %v", arg, err)
		}
	}
}

// TestExecute_Help verifies help (and no args) returns without error.
func TestExecute_Help(t *testing.T) {
	for _, args := range [][]string{{"--help"}, {}, {"serve", "-h"}, {"connect", "--help"}} {
		name := strings.Join(args, " ")
		if name == "" {
			name = "no-args"
		}
		t.Run(name, func(t *testing.T) {
			if err := Execute(context.Background(), args); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestExecute_UnknownCommand(t *testing.T) {
	err := Execute(context.Background(), []string{"listen"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("err = %v, want unknown command", err)
	}
}

// TestExecute_DryRun verifies --dry-run validates and exits cleanly.
func TestExecute_DryRun(t *testing.T) {
	tests := [][]string{
		{"serve", "--dry-run"},
		{"serve", "-p", "2000", "-P", "2001", "--dry-run"},
		{"serve", "--exec", "bc", "--dry-run", "--", "-q"},
		{"connect", "--dry-run", "repl.internal"},
		{"connect", "-T", "ops@gw:2222", "--ssh-agent", "--dry-run"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			if err := Execute(context.Background(), args); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestExecute_DryRunInvalid verifies --dry-run still catches bad configs.
func TestExecute_DryRunInvalid(t *testing.T) {
	tests := []struct {
		args    []string
		wantSub string
	}{
		{[]string{"serve", "-p", "8128", "--dry-run"}, "must differ"},
		{[]string{"serve", "-e", "cat", "-c", "ls", "--dry-run"}, "mutually exclusive"},
		{[]string{"serve", "stray", "--dry-run"}, "unexpected argument"},
		{[]string{"connect", "a", "b", "--dry-run"}, "too many arguments"},
		{[]string{"connect", "--ssh-key", "/tmp/k", "--dry-run"}, "without a gateway"},
		{[]string{"connect", "--retries", "0", "--dry-run"}, "--retries"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			err := Execute(context.Background(), tt.args)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not contain %q", err, tt.wantSub)
			}
		})
	}
}

// TestExecute_InvalidFlags verifies unknown flags produce an error.
func TestExecute_InvalidFlags(t *testing.T) {
	err := Execute(context.Background(), []string{"serve", "--nonexistent-flag"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replnet.yaml")
	body := "console_port: 3000\ncontrol_port: 3001\nps1: \"file> \"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REPLNET_CONTROL_PORT", "4001")

	args := []string{"-v", "--config", path, "--dry-run"}
	cfg, err := loadConfig(args)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ConsolePort != 3000 {
		t.Errorf("ConsolePort = %d, want file value", cfg.ConsolePort)
	}
	if cfg.ControlPort != 4001 {
		t.Errorf("ControlPort = %d, want env over file", cfg.ControlPort)
	}
	if cfg.PS1 != "file> " {
		t.Errorf("PS1 = %q", cfg.PS1)
	}

	// Flags beat both.
	if err := Execute(context.Background(), []string{"serve", "--config", path, "-P", "3000", "--dry-run"}); err == nil {
		t.Error("flag override did not reach validation")
	}
}

func TestConfigPath(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"--config", "a.yaml"}, "a.yaml"},
		{[]string{"-vv", "--config=b.toml", "-p", "1"}, "b.toml"},
		{[]string{"-p", "1"}, ""},
	}
	for _, tt := range tests {
		if got := configPath(tt.args); got != tt.want {
			t.Errorf("configPath(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
