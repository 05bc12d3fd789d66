package install

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinkerbelle-io/tb-terminal/internal/config"
	"github.com/tinkerbelle-io/tb-terminal/internal/validate"
)

func TestSystemdUnitContent(t *testing.T) {
	unit := SystemdUnit("/usr/local/bin/tb-terminal", ServeArgs(false), DefaultDataDir)

	checks := []struct {
		name     string
		contains string
	}{
		{"description", "TinkerBelle Terminal Session Service"},
		{"exec start", "ExecStart=/usr/local/bin/tb-terminal serve --config /etc/tb-terminal/config.yaml\n"},
		{"restart", "Restart=always"},
		{"restart sec", "RestartSec=10"},
		{"after network", "After=network-online.target"},
		{"wanted by", "WantedBy=multi-user.target"},
		{"no new privs", "NoNewPrivileges=true"},
		{"protect system", "ProtectSystem=strict"},
		{"data dir writable", "ReadWritePaths=/var/lib/tb-terminal"},
	}

	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			if !strings.Contains(unit, c.contains) {
				t.Errorf("unit file missing %q", c.contains)
			}
		})
	}
}

func TestSystemdUnitAllowRemote(t *testing.T) {
	unit := SystemdUnit("/opt/tb/bin/tb-terminal", ServeArgs(true), "/srv/tb")
	if !strings.Contains(unit, "ExecStart=/opt/tb/bin/tb-terminal serve --config /etc/tb-terminal/config.yaml --allow-remote") {
		t.Errorf("unit file should pass --allow-remote:\n%s", unit)
	}
	if !strings.Contains(unit, "ReadWritePaths=/srv/tb") {
		t.Error("unit file should use custom data dir")
	}
}

func TestLaunchdPlistContent(t *testing.T) {
	plist := LaunchdPlist("/usr/local/bin/tb-terminal", ServeArgs(false))

	checks := []struct {
		name     string
		contains string
	}{
		{"label", "io.tinkerbelle.tb-terminal"},
		{"binary path", "<string>/usr/local/bin/tb-terminal</string>"},
		{"serve arg", "<string>serve</string>"},
		{"config arg", "<string>" + DefaultConfigFile + "</string>"},
		{"run at load", "<key>RunAtLoad</key>"},
		{"keep alive", "<key>KeepAlive</key>"},
		{"stdout log", "/var/log/tb-terminal.log"},
		{"stderr log", "/var/log/tb-terminal.err"},
		{"plist dtd", "PropertyList-1.0.dtd"},
	}

	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			if !strings.Contains(plist, c.contains) {
				t.Errorf("plist missing %q", c.contains)
			}
		})
	}
	if strings.Contains(plist, "--allow-remote") {
		t.Error("plist should not allow remote by default")
	}
}

func TestConfigYAMLLoads(t *testing.T) {
	out, err := ConfigYAML(InstallConfig{
		Addr:            "0.0.0.0:7681",
		Token:           "abcdef0123456789",
		MaxSessions:     3,
		ValidationLevel: "strict",
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Parse(out)
	if err != nil {
		t.Fatalf("rendered config does not load: %v\n%s", err, out)
	}
	if cfg.Serve.Addr != "0.0.0.0:7681" || cfg.Serve.Token != "abcdef0123456789" || cfg.Serve.MaxSessions != 3 {
		t.Errorf("serve = %+v", cfg.Serve)
	}
	if cfg.DataDir != DefaultDataDir {
		t.Errorf("data_dir = %q, want %q", cfg.DataDir, DefaultDataDir)
	}
	if cfg.Validation.Level != validate.Strict {
		t.Errorf("validation level = %s", cfg.Validation.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("log format = %q", cfg.Log.Format)
	}
}

func TestWriteConfigFile(t *testing.T) {
	t.Setenv("TB_DATA_DIR", "")
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")
	if err := WriteConfigFile(path, InstallConfig{Addr: "127.0.0.1:7681", DataDir: "/tmp/tb"}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %o, want 600", info.Mode().Perm())
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/tmp/tb" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateToken()
	if len(a) != 64 {
		t.Errorf("token length = %d, want 64", len(a))
	}
	if a == b {
		t.Error("tokens should differ")
	}
}

func TestServiceName(t *testing.T) {
	if ServiceName != "tb-terminal" {
		t.Errorf("expected service name 'tb-terminal', got %q", ServiceName)
	}
}
