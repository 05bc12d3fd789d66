package sshconn

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/tinkerbelle-io/tb-terminal/internal/credstore"
	"github.com/tinkerbelle-io/tb-terminal/internal/failure"
)

// authMethods builds the auth methods for h. The passphrase is the
// password for AuthPassword and unlocks the stored key for AuthKey.
func (l *Layer) authMethods(h HostConfig, passphrase string) ([]ssh.AuthMethod, error) {
	switch h.Auth {
	case AuthPassword, "":
		if passphrase == "" {
			return nil, failure.Security("authenticate", "%s requires a password", h)
		}
		return []ssh.AuthMethod{ssh.Password(passphrase)}, nil

	case AuthKey:
		signer, err := l.storedSigner(h.KeyID, passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthAgent:
		signers := agentSigners()
		if len(signers) == 0 {
			return nil, fmt.Errorf("no SSH keys available (no agent and no key files found)")
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signers...)}, nil
	}
	return nil, fmt.Errorf("unknown auth method %q", h.Auth)
}

func (l *Layer) storedSigner(keyID, passphrase string) (ssh.Signer, error) {
	if l.creds == nil {
		return nil, errors.New("no credential store configured")
	}
	if keyID == "" {
		return nil, errors.New("key authentication needs a key_id")
	}
	pemBytes, err := l.creds.Get(keyID, passphrase)
	switch {
	case errors.Is(err, credstore.ErrNotFound):
		return nil, fmt.Errorf("key %q not found", keyID)
	case errors.Is(err, credstore.ErrDecrypt):
		return nil, failure.Security("authenticate", "key %q could not be unlocked", keyID)
	case err != nil:
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing key %q: %w", keyID, err)
	}
	return signer, nil
}

// agentSigners collects signers from SSH_AUTH_SOCK, then the default key
// files.
func agentSigners() []ssh.Signer {
	var signers []ssh.Signer

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			if s, err := agent.NewClient(conn).Signers(); err == nil {
				signers = append(signers, s...)
			}
		}
	}

	home, _ := os.UserHomeDir()
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			continue
		}
		signers = append(signers, signer)
	}
	return signers
}
