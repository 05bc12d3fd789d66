// Package install registers tb-terminal serve as a system service
// (systemd on Linux, launchd on macOS).
package install

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigDir is the base config directory.
	DefaultConfigDir = "/etc/tb-terminal"
	// DefaultConfigFile is the config file path.
	DefaultConfigFile = "/etc/tb-terminal/config.yaml"
	// DefaultDataDir holds known_hosts, credentials and the audit log of
	// the service.
	DefaultDataDir = "/var/lib/tb-terminal"
	// ServiceName is the service name for systemd/launchd.
	ServiceName = "tb-terminal"
)

// InstallConfig holds the parameters for installation.
type InstallConfig struct {
	Addr            string
	Token           string
	MaxSessions     int
	ValidationLevel string
	DataDir         string
	AllowRemote     bool
}

// ServiceStatus holds the current state of the installed service.
type ServiceStatus struct {
	Installed  bool
	Running    bool
	BinaryPath string
	ConfigPath string
	Platform   string
}

// BinaryPath returns the absolute path of the currently running binary.
func BinaryPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable path: %w", err)
	}
	return filepath.EvalSymlinks(exe)
}

// GenerateToken returns a random 32-byte hex client token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ConfigYAML renders cfg in the format read by config.Load.
func ConfigYAML(cfg InstallConfig) ([]byte, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	serve := map[string]interface{}{
		"addr":  cfg.Addr,
		"token": cfg.Token,
	}
	if cfg.MaxSessions > 0 {
		serve["max_sessions"] = cfg.MaxSessions
	}
	data := map[string]interface{}{
		"data_dir": dataDir,
		"log":      map[string]string{"level": "info", "format": "json"},
		"serve":    serve,
	}
	if cfg.ValidationLevel != "" {
		data["validation"] = map[string]string{"level": cfg.ValidationLevel}
	}

	out, err := yaml.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

// WriteConfigFile writes cfg to path with 0600, creating its directory.
func WriteConfigFile(path string, cfg InstallConfig) error {
	out, err := ConfigYAML(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// RemoveConfig removes the config directory.
func RemoveConfig() error {
	return os.RemoveAll(DefaultConfigDir)
}

// ConfigExists checks if the config file exists.
func ConfigExists() bool {
	_, err := os.Stat(DefaultConfigFile)
	return err == nil
}

// Install installs the service for the current platform.
func Install(cfg InstallConfig) error {
	binPath, err := BinaryPath()
	if err != nil {
		return err
	}

	if err := WriteConfigFile(DefaultConfigFile, cfg); err != nil {
		return err
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	args := ServeArgs(cfg.AllowRemote)
	switch runtime.GOOS {
	case "linux":
		return installSystemd(binPath, args, dataDir)
	case "darwin":
		return installLaunchd(binPath, args)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// ServeArgs are the arguments the service passes to the binary.
func ServeArgs(allowRemote bool) []string {
	args := []string{"serve", "--config", DefaultConfigFile}
	if allowRemote {
		args = append(args, "--allow-remote")
	}
	return args
}

// Uninstall removes the service. If purge is true, also removes config.
func Uninstall(purge bool) error {
	var err error
	switch runtime.GOOS {
	case "linux":
		err = uninstallSystemd()
	case "darwin":
		err = uninstallLaunchd()
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	if err != nil {
		return err
	}

	if purge {
		return RemoveConfig()
	}
	return nil
}

// Status returns the current service status.
func Status() ServiceStatus {
	s := ServiceStatus{
		Platform:   runtime.GOOS,
		ConfigPath: DefaultConfigFile,
	}

	if binPath, err := BinaryPath(); err == nil {
		s.BinaryPath = binPath
	}

	s.Installed = ConfigExists()

	switch runtime.GOOS {
	case "linux":
		s.Running = isSystemdRunning()
	case "darwin":
		s.Running = isLaunchdRunning()
	}

	return s
}

// runCommand runs a command and returns any error.
func runCommand(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
