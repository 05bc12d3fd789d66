// Package signing verifies Ed25519-signed session.open requests. A control
// plane holding the private key decides which commands a bridge may start;
// the bridge only needs the public key.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultMaxAge is how far a request timestamp may drift from the local
// clock in either direction.
const DefaultMaxAge = 30 * time.Second

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrMissingNonce     = errors.New("missing nonce")
	ErrStale            = errors.New("request timestamp outside allowed window")
	ErrReplay           = errors.New("nonce already used")
	ErrBadSignature     = errors.New("signature verification failed")
)

// Fields added to a request by Sign.
var signingFields = []string{"signature", "timestamp", "nonce", "userId", "origin"}

type envelope struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	UserID    string `json:"userId"`
	Origin    string `json:"origin"`
}

// canonical is the byte sequence covered by the signature.
type canonical struct {
	Request   json.RawMessage `json:"request"`
	Timestamp int64           `json:"timestamp"`
	Nonce     string          `json:"nonce"`
	UserID    string          `json:"userId"`
	Origin    string          `json:"origin"`
}

// Claims are the signer's assertions about a verified request.
type Claims struct {
	UserID    string
	Origin    string
	Timestamp time.Time
}

// Verifier checks signatures, freshness and nonce reuse.
type Verifier struct {
	key    ed25519.PublicKey
	maxAge time.Duration
	nonces *nonceCache
	now    func() time.Time
}

// NewVerifier creates a Verifier for key. maxAge <= 0 means DefaultMaxAge.
func NewVerifier(key ed25519.PublicKey, maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Verifier{
		key:    key,
		maxAge: maxAge,
		nonces: newNonceCache(2 * maxAge),
		now:    time.Now,
	}
}

// ParsePublicKey decodes a hex or base64 Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty public key")
	}
	if len(s) == hex.EncodedLen(ed25519.PublicKeySize) {
		if b, err := hex.DecodeString(s); err == nil {
			return ed25519.PublicKey(b), nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(s)
		if err == nil && len(b) == ed25519.PublicKeySize {
			return ed25519.PublicKey(b), nil
		}
	}
	return nil, errors.New("invalid public key: want 32 bytes, hex or base64 encoded")
}

// Verify checks raw and returns the request with the signing fields
// removed. The nonce is only consumed once the signature is valid.
func (v *Verifier) Verify(raw []byte) ([]byte, Claims, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, Claims{}, fmt.Errorf("decode signed request: %w", err)
	}
	if env.Signature == "" {
		return nil, Claims{}, ErrMissingSignature
	}
	if env.Nonce == "" {
		return nil, Claims{}, ErrMissingNonce
	}
	claims := Claims{UserID: env.UserID, Origin: env.Origin, Timestamp: time.Unix(env.Timestamp, 0)}

	drift := v.now().Sub(claims.Timestamp)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.maxAge {
		return nil, claims, fmt.Errorf("%w: drift %s", ErrStale, drift.Round(time.Second))
	}

	request, err := strip(raw)
	if err != nil {
		return nil, claims, err
	}
	msg, err := json.Marshal(canonical{
		Request:   request,
		Timestamp: env.Timestamp,
		Nonce:     env.Nonce,
		UserID:    env.UserID,
		Origin:    env.Origin,
	})
	if err != nil {
		return nil, claims, err
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		if sig, err = base64.RawStdEncoding.DecodeString(env.Signature); err != nil {
			return nil, claims, fmt.Errorf("%w: bad encoding", ErrBadSignature)
		}
	}
	if !ed25519.Verify(v.key, msg, sig) {
		return nil, claims, ErrBadSignature
	}
	if !v.nonces.add(env.Nonce, v.now()) {
		return nil, claims, ErrReplay
	}
	return request, claims, nil
}

// strip removes the signing fields and re-encodes with sorted keys.
func strip(raw []byte) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode signed request: %w", err)
	}
	for _, f := range signingFields {
		delete(m, f)
	}
	return json.Marshal(m)
}

// Sign adds a signature over request to a copy of it.
func Sign(key ed25519.PrivateKey, request []byte, ts time.Time, nonce, userID, origin string) ([]byte, error) {
	normalized, err := strip(request)
	if err != nil {
		return nil, err
	}
	msg, err := json.Marshal(canonical{
		Request:   normalized,
		Timestamp: ts.Unix(),
		Nonce:     nonce,
		UserID:    userID,
		Origin:    origin,
	})
	if err != nil {
		return nil, err
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(normalized, &m); err != nil {
		return nil, err
	}
	fields := map[string]any{
		"signature": base64.StdEncoding.EncodeToString(ed25519.Sign(key, msg)),
		"timestamp": ts.Unix(),
		"nonce":     nonce,
		"userId":    userID,
		"origin":    origin,
	}
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		m[k] = b
	}
	return json.Marshal(m)
}

// nonceCache remembers nonces for ttl.
type nonceCache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	lastGC time.Time
}

func newNonceCache(ttl time.Duration) *nonceCache {
	return &nonceCache{seen: make(map[string]time.Time), ttl: ttl}
}

// add records nonce and reports whether it was new.
func (c *nonceCache) add(nonce string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastGC) > c.ttl {
		for k, t := range c.seen {
			if now.Sub(t) > c.ttl {
				delete(c.seen, k)
			}
		}
		c.lastGC = now
	}
	if _, ok := c.seen[nonce]; ok {
		return false
	}
	c.seen[nonce] = now
	return true
}
