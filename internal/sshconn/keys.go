package sshconn

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/tinkerbelle-io/tb-terminal/internal/audit"
	"github.com/tinkerbelle-io/tb-terminal/internal/failure"
)

// GenerateKey creates an ed25519 key pair, stores the private key under
// keyID encrypted with passphrase and returns the public key in
// authorized_keys form.
func (l *Layer) GenerateKey(keyID, passphrase string) (string, error) {
	pub, err := l.generateKey(keyID, passphrase)
	l.recordKey(audit.KindKeyGeneration, keyID, pub, err)
	if err != nil {
		return "", err
	}
	return authorizedKey(pub, keyID), nil
}

func (l *Layer) generateKey(keyID, passphrase string) (ssh.PublicKey, error) {
	if l.creds == nil {
		return nil, errors.New("no credential store configured")
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return l.storeKey(keyID, priv, passphrase)
}

// ImportKey validates an OpenSSH or PEM private key and stores it under
// keyID. An encrypted key is unlocked with passphrase before it is
// re-sealed in the credential store.
func (l *Layer) ImportKey(keyID string, pemData []byte, passphrase string) (string, error) {
	pub, err := l.importKey(keyID, pemData, passphrase)
	l.recordKey(audit.KindKeyImport, keyID, pub, err)
	if err != nil {
		return "", err
	}
	return authorizedKey(pub, keyID), nil
}

func (l *Layer) importKey(keyID string, pemData []byte, passphrase string) (ssh.PublicKey, error) {
	if l.creds == nil {
		return nil, errors.New("no credential store configured")
	}
	key, err := ssh.ParseRawPrivateKey(pemData)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		key, err = ssh.ParseRawPrivateKeyWithPassphrase(pemData, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	// ed25519 keys parse as a pointer; MarshalPrivateKey wants the value.
	if p, ok := key.(*ed25519.PrivateKey); ok {
		key = *p
	}
	return l.storeKey(keyID, key, passphrase)
}

func (l *Layer) storeKey(keyID string, key crypto.PrivateKey, passphrase string) (ssh.PublicKey, error) {
	block, err := ssh.MarshalPrivateKey(key, keyID)
	if err != nil {
		return nil, fmt.Errorf("encoding key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, fmt.Errorf("loading key: %w", err)
	}
	if err := l.creds.Put(keyID, pem.EncodeToMemory(block), passphrase); err != nil {
		return nil, fmt.Errorf("storing key %q: %w", keyID, err)
	}
	return signer.PublicKey(), nil
}

// PublicKey returns the authorized_keys line for a stored key.
func (l *Layer) PublicKey(keyID, passphrase string) (string, error) {
	signer, err := l.storedSigner(keyID, passphrase)
	if err != nil {
		return "", err
	}
	return authorizedKey(signer.PublicKey(), keyID), nil
}

func authorizedKey(pub ssh.PublicKey, comment string) string {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		line += " " + comment
	}
	return line
}

func (l *Layer) recordKey(kind audit.Kind, keyID string, pub ssh.PublicKey, err error) {
	payload := map[string]string{"key_id": keyID}
	if pub != nil {
		payload["algorithm"] = pub.Type()
		payload["fingerprint"] = Fingerprint(pub)
	}
	if err != nil {
		payload["reason"], _ = failure.Describe(err)
	}
	l.record(audit.Entry{
		Kind:     kind,
		Success:  err == nil,
		Security: audit.SecurityHigh,
		Payload:  payload,
	})
}
