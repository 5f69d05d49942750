package tunnel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

// ── Gateway credentials ──────────────────────────────────────────────

// defaultKeyFiles are tried under ~/.ssh when nothing is configured.
var defaultKeyFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// gatewayAuth is the credential set offered in one gateway handshake.
// It owns the agent socket, if one was opened, until Close.
type gatewayAuth struct {
	methods []ssh.AuthMethod
	agent   net.Conn
}

// gatewayCredentials resolves cfg into auth methods, in the order the
// gateway will see them: key file, agent, password prompt.  With none
// configured it falls back to the agent and the usual key files, and
// never prompts.
func gatewayCredentials(cfg *SSHConfig) (*gatewayAuth, error) {
	a := &gatewayAuth{}
	fail := func(err error) (*gatewayAuth, error) {
		a.Close() //nolint:errcheck
		return nil, err
	}

	if cfg.KeyPath != "" {
		signer, err := loadSigner(cfg.KeyPath, true)
		if err != nil {
			return fail(fmt.Errorf("key %s: %w", cfg.KeyPath, err))
		}
		a.methods = append(a.methods, ssh.PublicKeys(signer))
	}
	if cfg.UseAgent {
		if err := a.useAgent(); err != nil {
			return fail(fmt.Errorf("ssh-agent: %w", err))
		}
	}
	if cfg.PromptPass {
		a.methods = append(a.methods, passwordPrompt(cfg))
	}

	if len(a.methods) == 0 {
		a.discover()
	}
	if len(a.methods) == 0 {
		return nil, fmt.Errorf("no credentials for gateway %s: pass --ssh-key, --ssh-password or --ssh-agent",
			cfg.Addr())
	}
	return a, nil
}

// Close releases the agent socket.  The handshake is over by then.
func (a *gatewayAuth) Close() error {
	if a.agent == nil {
		return nil
	}
	err := a.agent.Close()
	a.agent = nil
	return err
}

func (a *gatewayAuth) useAgent() error {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return errors.New("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	a.agent = conn
	a.methods = append(a.methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	return nil
}

// discover collects what is usable without a terminal: a reachable
// agent and unencrypted default key files.
func (a *gatewayAuth) discover() {
	a.useAgent() //nolint:errcheck // the agent is optional here

	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	for _, name := range defaultKeyFiles {
		signer, err := loadSigner(filepath.Join(home, ".ssh", name), false)
		if err != nil {
			continue
		}
		a.methods = append(a.methods, ssh.PublicKeys(signer))
	}
}

// loadSigner parses the private key at path.  An encrypted key asks for
// its passphrase when interactive is set and is rejected otherwise.
func loadSigner(path string, interactive bool) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}
	var locked *ssh.PassphraseMissingError
	if !errors.As(err, &locked) {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	if !interactive {
		return nil, err
	}

	pass, err := readSecret(fmt.Sprintf("Enter passphrase for %s: ", path))
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
	if err != nil {
		return nil, fmt.Errorf("decrypting key: %w", err)
	}
	return signer, nil
}

// passwordPrompt asks only when the gateway requests a password, so a
// key accepted first never triggers it.  Every reconnect asks again.
func passwordPrompt(cfg *SSHConfig) ssh.AuthMethod {
	prompt := fmt.Sprintf("%s@%s's password: ", cfg.User, cfg.Host)
	return ssh.PasswordCallback(func() (string, error) {
		pass, err := readSecret(prompt)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(pass), nil
	})
}

// readSecret prints prompt on stderr and reads a line from the
// terminal without echo.  Tests replace it.
var readSecret = func(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	return term.ReadPassword(int(os.Stdin.Fd()))
}

// ── Gateway host key ─────────────────────────────────────────────────

// gatewayHostKeys verifies the gateway against known_hosts in strict
// mode and accepts any key otherwise.
func gatewayHostKeys(cfg *SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // host key checking disabled by the operator
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := cfg.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("strict host key checking for %s: %w", cfg.Addr(), err)
	}
	return cb, nil
}
