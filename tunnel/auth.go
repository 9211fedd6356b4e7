package tunnel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	errs "replnet/internal/errors"
)

// PromptFunc asks the user for a secret. The prompt is shown as is.
type PromptFunc func(prompt string) ([]byte, error)

// terminalPrompt reads a secret from the controlling terminal on stdin.
// The console session has not started yet, so the terminal is still in
// cooked mode.
func terminalPrompt(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return secret, err
}

// defaultKeyNames are tried in ~/.ssh when no method was asked for.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// gatewayUser is the login name for the gateway: the one from the
// tunnel spec, else the local user.
func gatewayUser(cfg *SSHConfig) string {
	if cfg.User != "" {
		return cfg.User
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// BuildAuthMethods assembles the gateway authentication methods in the
// order ssh tries them: key file, agent, password. With none of them
// asked for it falls back to the agent and the usual key files, without
// prompting for anything.
func BuildAuthMethods(cfg *SSHConfig) ([]ssh.AuthMethod, error) {
	prompt := cfg.Prompt
	if prompt == nil {
		prompt = terminalPrompt
	}

	var methods []ssh.AuthMethod
	if cfg.KeyPath != "" {
		signer, err := loadKey(cfg.KeyPath, prompt)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", errs.ErrAuthFailed, cfg.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.UseAgent {
		m, err := agentAuth()
		if err != nil {
			return nil, fmt.Errorf("%w: ssh-agent: %v", errs.ErrAuthFailed, err)
		}
		methods = append(methods, m)
	}
	if cfg.PromptPass {
		who := gatewayUser(cfg) + "@" + cfg.Host
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			pass, err := prompt(who + "'s password: ")
			if err != nil {
				return "", fmt.Errorf("reading password: %w", err)
			}
			return string(pass), nil
		}))
	}
	if len(methods) > 0 {
		return methods, nil
	}

	methods, skipped := discoverAuth()
	if len(methods) == 0 {
		msg := "no usable agent or key; use --ssh-key, --ssh-password or --ssh-agent"
		if len(skipped) > 0 {
			msg += " (passphrase-protected keys need --ssh-key: " + strings.Join(skipped, ", ") + ")"
		}
		return nil, fmt.Errorf("%w: %s", errs.ErrAuthFailed, msg)
	}
	return methods, nil
}

// ── individual auth builders ─────────────────────────────────────────

// loadKey parses the private key at path, asking for its passphrase
// through prompt when it is encrypted.
func loadKey(path string, prompt PromptFunc) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return signer, err
	}
	pass, err := prompt("Enter passphrase for " + path + ": ")
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return ssh.ParsePrivateKeyWithPassphrase(data, pass)
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

// discoverAuth collects the agent and any unencrypted default keys.
// Encrypted keys are reported in skipped rather than prompted for.
func discoverAuth() (methods []ssh.AuthMethod, skipped []string) {
	if m, err := agentAuth(); err == nil {
		methods = append(methods, m)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return methods, nil
	}
	var signers []ssh.Signer
	for _, name := range defaultKeyNames {
		path := filepath.Join(home, ".ssh", name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		var missing *ssh.PassphraseMissingError
		switch {
		case errors.As(err, &missing):
			skipped = append(skipped, path)
		case err == nil:
			signers = append(signers, signer)
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	return methods, skipped
}

// ── host-key verification ────────────────────────────────────────────

func hostKeyCallback(cfg *SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // host key checking is opt-in via --strict-hostkey
		return ssh.InsecureIgnoreHostKey(), nil
	}

	khFile := cfg.KnownHosts
	if khFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating known_hosts: %w", err)
		}
		khFile = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(khFile)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", khFile, err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		switch {
		case errors.As(err, &keyErr) && len(keyErr.Want) > 0:
			return fmt.Errorf("%w for %s (see %s)", errs.ErrHostKeyMismatch, hostname, khFile)
		case errors.As(err, &keyErr):
			return fmt.Errorf("gateway %s is not in %s; connect once with ssh to record its key", hostname, khFile)
		}
		return err
	}, nil
}
