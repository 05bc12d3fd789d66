package sshconn

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinkerbelle-io/tb-terminal/internal/failure"
	"github.com/tinkerbelle-io/tb-terminal/internal/validate"
)

// Tier is the per-host security classification.
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// AuthMethod selects how a host is authenticated.
type AuthMethod string

const (
	// AuthPassword uses the connect passphrase as the password.
	AuthPassword AuthMethod = "password"
	// AuthKey loads the private key KeyID from the credential store,
	// decrypting it with the connect passphrase.
	AuthKey AuthMethod = "key"
	// AuthAgent uses the SSH agent and the default key files in ~/.ssh.
	AuthAgent AuthMethod = "agent"
)

// Accepted transport algorithms. A host may narrow these but never widen
// them.
var (
	AllowedCiphers = []string{
		"chacha20-poly1305@openssh.com",
		"aes256-gcm@openssh.com",
		"aes128-gcm@openssh.com",
		"aes256-ctr",
		"aes192-ctr",
		"aes128-ctr",
	}
	AllowedMACs = []string{
		"hmac-sha2-256-etm@openssh.com",
		"hmac-sha2-512-etm@openssh.com",
		"hmac-sha2-256",
		"hmac-sha2-512",
	}
)

// HostConfig describes one remote host.
type HostConfig struct {
	Name     string     `yaml:"name"`
	Hostname string     `yaml:"hostname"`
	Port     int        `yaml:"port"`
	Username string     `yaml:"username"`
	Auth     AuthMethod `yaml:"auth"`
	KeyID    string     `yaml:"key_id"`
	Tier     Tier       `yaml:"tier"`
	Ciphers  []string   `yaml:"ciphers"`
	MACs     []string   `yaml:"macs"`
	// Fingerprint pins the host key (SHA256:... form). It is checked
	// before known_hosts.
	Fingerprint           string `yaml:"fingerprint"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking"`
	Compression           bool   `yaml:"compression"`
	RequireBiometric      bool   `yaml:"require_biometric"`

	ValidateCommands bool           `yaml:"validate_commands"`
	ValidationLevel  validate.Level `yaml:"validation_level"`
}

// UnmarshalYAML fills in defaults for fields a host entry leaves out:
// port 22, agent auth, medium tier, strict host key checking and
// command validation at moderate.
func (h *HostConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain HostConfig
	p := plain{
		Port:                  22,
		Auth:                  AuthAgent,
		Tier:                  TierMedium,
		StrictHostKeyChecking: true,
		ValidateCommands:      true,
		ValidationLevel:       validate.Moderate,
	}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*h = HostConfig(p)
	return nil
}

// Addr returns the host:port for dialing.
func (h HostConfig) Addr() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(h.Hostname, strconv.Itoa(port))
}

func (h HostConfig) String() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Username + "@" + h.Addr()
}

// DeviceCapabilities reports what the device can enforce locally.
type DeviceCapabilities interface {
	BiometricAvailable() bool
}

// Precheck applies the pre-connection policy: biometric requirement,
// critical-tier rules and the cipher/MAC allow-lists. Failures are
// SecurityErrors.
func Precheck(h HostConfig, dev DeviceCapabilities) error {
	if h.Hostname == "" || h.Username == "" {
		return failure.Security("connect", "host %q needs a hostname and username", h.Name)
	}
	if h.RequireBiometric && (dev == nil || !dev.BiometricAvailable()) {
		return failure.Security("connect", "%s requires biometric authentication, which this device cannot provide", h)
	}
	if h.Tier == TierCritical {
		switch {
		case h.Auth == AuthPassword || h.Auth == "":
			return criticalViolation(h, "password authentication is not allowed")
		case !h.StrictHostKeyChecking:
			return criticalViolation(h, "strict host key checking is required")
		case h.Compression:
			return criticalViolation(h, "compression is not allowed")
		}
	}
	for _, c := range h.Ciphers {
		if !slices.Contains(AllowedCiphers, c) {
			return failure.Security("connect", "cipher %q is not in the allow-list", c)
		}
	}
	for _, m := range h.MACs {
		if !slices.Contains(AllowedMACs, m) {
			return failure.Security("connect", "MAC %q is not in the allow-list", m)
		}
	}
	return nil
}

func criticalViolation(h HostConfig, reason string) error {
	err := failure.Security("connect", "critical-tier host %s: %s", h, reason)
	err.Severity = failure.SeverityCritical
	return err
}

// Target represents an SSH target parsed from user@host[:port] format.
type Target struct {
	User string
	Host string
	Port string
}

// ParseTarget parses a string like "user@host" or "user@host:2222".
func ParseTarget(s string) (Target, error) {
	t := Target{Port: "22"}

	user, hostPort, ok := strings.Cut(s, "@")
	if !ok || user == "" || hostPort == "" {
		return t, fmt.Errorf("invalid SSH target %q (expected user@host[:port])", s)
	}
	t.User = user

	if h, p, err := net.SplitHostPort(hostPort); err == nil {
		t.Host = h
		t.Port = p
	} else {
		t.Host = hostPort
	}
	return t, nil
}

// ParseTargets splits a comma-separated list of SSH targets.
func ParseTargets(s string) ([]Target, error) {
	var targets []Target
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, err := ParseTarget(part)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no SSH targets specified")
	}
	return targets, nil
}

// Addr returns the host:port for dialing.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, t.Port)
}

func (t Target) String() string {
	if t.Port == "22" {
		return t.User + "@" + t.Host
	}
	return fmt.Sprintf("%s@%s:%s", t.User, t.Host, t.Port)
}

// Config turns t into a medium-tier host config using auth.
func (t Target) Config(auth AuthMethod) (HostConfig, error) {
	port, err := strconv.Atoi(t.Port)
	if err != nil || port <= 0 || port > 65535 {
		return HostConfig{}, fmt.Errorf("invalid port %q", t.Port)
	}
	return HostConfig{
		Hostname:              t.Host,
		Port:                  port,
		Username:              t.User,
		Auth:                  auth,
		Tier:                  TierMedium,
		StrictHostKeyChecking: true,
	}, nil
}
