package sshconn

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tinkerbelle-io/tb-terminal/internal/audit"
	"github.com/tinkerbelle-io/tb-terminal/internal/credstore"
	"github.com/tinkerbelle-io/tb-terminal/internal/failure"
	"github.com/tinkerbelle-io/tb-terminal/internal/health"
	"github.com/tinkerbelle-io/tb-terminal/internal/session"
	"github.com/tinkerbelle-io/tb-terminal/internal/validate"
)

type testEnv struct {
	layer  *Layer
	log    *audit.Log
	sink   *audit.MemorySink
	health *health.Monitor
	known  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sink := audit.NewMemorySink()
	log, err := audit.New(sink, audit.Options{Debug: true})
	if err != nil {
		t.Fatal(err)
	}
	known := filepath.Join(t.TempDir(), "known_hosts")
	hk, err := NewHostKeyStore(known, log)
	if err != nil {
		t.Fatal(err)
	}
	creds, err := credstore.Open("", credstore.WithWorkFactor(10))
	if err != nil {
		t.Fatal(err)
	}
	v, err := validate.New(validate.DefaultPolicy())
	if err != nil {
		t.Fatal(err)
	}
	mon := health.NewMonitor(health.Options{})
	t.Cleanup(mon.Close)

	l, err := NewLayer(Options{
		HostKeys:    hk,
		Audit:       log,
		Credentials: creds,
		Health:      mon,
		Validator:   v,
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.CloseAll)
	return &testEnv{layer: l, log: log, sink: sink, health: mon, known: known}
}

func (e *testEnv) events(t *testing.T, kind audit.Kind) []audit.Event {
	t.Helper()
	all, err := e.log.Events()
	if err != nil {
		t.Fatal(err)
	}
	var out []audit.Event
	for _, ev := range all {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewLayerRequiresHostKeys(t *testing.T) {
	if _, err := NewLayer(Options{}); err == nil {
		t.Error("expected error without a host key store")
	}
}

func TestConnectAndExecute(t *testing.T) {
	srv := startTestServer(t)
	env := newTestEnv(t)
	ctx := context.Background()

	conn, err := env.layer.Connect(ctx, srv.host(), testPassword)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info := conn.Info(); info.Kind != session.KindRemoteShell || info.State != session.StateRunning {
		t.Errorf("info = %+v", info)
	}

	res, err := env.layer.ExecuteCommand(ctx, conn, "echo hello", ExecOptions{Env: map[string]string{"LANG": "C"}})
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if string(res.Stdout) != "hello\n" || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}

	res, err = env.layer.ExecuteCommand(ctx, conn, "exit 3", ExecOptions{PTY: true})
	if err != nil {
		t.Fatalf("ExecuteCommand exit: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if n := conn.Info().CommandsExecuted; n != 2 {
		t.Errorf("commands executed = %d, want 2", n)
	}

	attempts := env.events(t, audit.KindConnectionAttempt)
	if len(attempts) != 1 || !attempts[0].Success {
		t.Fatalf("connection attempts = %+v", attempts)
	}
	execs := env.events(t, audit.KindCommandExecution)
	if len(execs) != 2 {
		t.Fatalf("command events = %d, want 2", len(execs))
	}
	first := execs[0]
	if first.CommandName != "echo" || first.CommandHash == "" || first.Payload["exit_code"] != "0" {
		t.Errorf("command event = %+v", first)
	}
	if first.Payload["output"] != "hello\n" {
		t.Errorf("debug output = %q", first.Payload["output"])
	}
	if execs[1].Success || execs[1].Payload["exit_code"] != "3" {
		t.Errorf("failed command event = %+v", execs[1])
	}

	data, _ := os.ReadFile(env.known)
	if !bytes.Contains(data, []byte("ssh-ed25519")) {
		t.Errorf("host key not persisted: %q", data)
	}
	if trusted := env.events(t, audit.KindHostKeyUpdate); len(trusted) != 1 || !trusted[0].Success {
		t.Errorf("host key events = %+v", trusted)
	}

	if err := env.layer.Close(conn); err != nil {
		t.Fatal(err)
	}
	if err := env.layer.Close(conn); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if conn.Info().State != session.StateTerminated {
		t.Errorf("state after close = %s", conn.Info().State)
	}
	if _, err := env.layer.ExecuteCommand(ctx, conn, "echo late", ExecOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("exec after close = %v, want ErrClosed", err)
	}
	if d := env.events(t, audit.KindDisconnection); len(d) != 1 || d[0].Payload["commands"] != "2" {
		t.Errorf("disconnection events = %+v", d)
	}
	if len(env.layer.Connections()) != 0 {
		t.Error("connection still registered after close")
	}
}

func TestConnectWrongPassword(t *testing.T) {
	srv := startTestServer(t)
	env := newTestEnv(t)

	_, err := env.layer.Connect(context.Background(), srv.host(), "wrong")
	var sec *failure.SecurityError
	if !errors.As(err, &sec) || sec.Op != "authenticate" {
		t.Fatalf("err = %v, want authentication SecurityError", err)
	}

	auth := env.events(t, audit.KindAuthentication)
	if len(auth) != 1 || auth[0].Success {
		t.Fatalf("authentication events = %+v", auth)
	}
	if env.log.Pending() != 0 {
		t.Errorf("pending = %d, failed authentication should flush the attempt too", env.log.Pending())
	}
	attempts := env.events(t, audit.KindConnectionAttempt)
	if len(attempts) != 1 || attempts[0].Success || attempts[0].Payload["reason"] == "" {
		t.Errorf("connection attempts = %+v", attempts)
	}
}

func TestHostKeyChanged(t *testing.T) {
	srv := startTestServer(t)
	env := newTestEnv(t)
	ctx := context.Background()

	conn, err := env.layer.Connect(ctx, srv.host(), testPassword)
	if err != nil {
		t.Fatal(err)
	}
	env.layer.Close(conn)

	srv.setHostKey(newHostKey(t))
	_, err = env.layer.Connect(ctx, srv.host(), testPassword)
	var changed *failure.HostKeyChangedError
	if !errors.As(err, &changed) {
		t.Fatalf("err = %v, want HostKeyChangedError", err)
	}
	if changed.Observed != srv.fingerprint() || changed.Expected == changed.Observed {
		t.Errorf("changed = %+v", changed)
	}

	updates := env.events(t, audit.KindHostKeyUpdate)
	if len(updates) != 2 || updates[1].Success || updates[1].Security != audit.SecurityCritical {
		t.Errorf("host key events = %+v", updates)
	}
}

func TestPinnedFingerprint(t *testing.T) {
	srv := startTestServer(t)
	env := newTestEnv(t)
	ctx := context.Background()

	h := srv.host()
	h.Fingerprint = "SHA256:not-the-right-key"
	_, err := env.layer.Connect(ctx, h, testPassword)
	var changed *failure.HostKeyChangedError
	if !errors.As(err, &changed) {
		t.Fatalf("err = %v, want HostKeyChangedError", err)
	}
	if data, _ := os.ReadFile(env.known); len(data) != 0 {
		t.Error("a rejected key must not be persisted")
	}

	h.Fingerprint = srv.fingerprint()
	conn, err := env.layer.Connect(ctx, h, testPassword)
	if err != nil {
		t.Fatalf("pinned connect: %v", err)
	}
	env.layer.Close(conn)
}

func TestPrecheckFailsBeforeDial(t *testing.T) {
	srv := startTestServer(t)
	env := newTestEnv(t)

	h := srv.host()
	h.Tier = TierCritical
	_, err := env.layer.Connect(context.Background(), h, testPassword)
	var sec *failure.SecurityError
	if !errors.As(err, &sec) {
		t.Fatalf("err = %v, want SecurityError", err)
	}
	if data, _ := os.ReadFile(env.known); len(data) != 0 {
		t.Error("pre-check failure should not reach the host")
	}
	attempts := env.events(t, audit.KindConnectionAttempt)
	if len(attempts) != 1 || attempts[0].Success {
		t.Errorf("connection attempts = %+v", attempts)
	}
}

func TestExecuteValidation(t *testing.T) {
	srv := startTestServer(t)
	env := newTestEnv(t)
	ctx := context.Background()

	h := srv.host()
	h.ValidateCommands = true
	h.ValidationLevel = validate.Strict
	conn, err := env.layer.Connect(ctx, h, testPassword)
	if err != nil {
		t.Fatal(err)
	}

	_, err = env.layer.ExecuteCommand(ctx, conn, "sudo rm -rf /var", ExecOptions{})
	var sec *failure.SecurityError
	if !errors.As(err, &sec) {
		t.Fatalf("err = %v, want SecurityError", err)
	}
	if got := srv.executed(); len(got) != 0 {
		t.Errorf("blocked command reached the server: %v", got)
	}
	blocked := env.events(t, audit.KindCommandExecution)
	if len(blocked) != 1 || !blocked[0].Blocked || blocked[0].Success {
		t.Fatalf("blocked events = %+v", blocked)
	}
	if got := blocked[0].Payload["reason"]; got != "dangerous pattern: recursive delete of absolute path" {
		t.Errorf("blocked reason = %q, want the rule without its operand", got)
	}
	if env.log.Pending() != 0 {
		t.Error("blocked command should flush immediately")
	}
	exported := new(bytes.Buffer)
	if err := env.log.Export(exported, audit.FormatJSON); err != nil {
		t.Fatal(err)
	}
	for _, raw := range []string{"rm -rf /var", "/var"} {
		if strings.Contains(exported.String(), raw) {
			t.Errorf("export leaks %q", raw)
		}
	}

	res, err := env.layer.ExecuteCommand(ctx, conn, "cat notes.txt", ExecOptions{})
	if err != nil || res.Warning != "" {
		t.Fatalf("allowed command: %+v, %v", res, err)
	}
}

func TestExecuteWarningProceeds(t *testing.T) {
	srv := startTestServer(t)
	env := newTestEnv(t)
	ctx := context.Background()

	h := srv.host()
	h.ValidateCommands = true
	h.ValidationLevel = validate.Moderate
	conn, err := env.layer.Connect(ctx, h, testPassword)
	if err != nil {
		t.Fatal(err)
	}

	res, err := env.layer.ExecuteCommand(ctx, conn, "sudo ls", ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Warning == "" {
		t.Error("expected a validation warning")
	}
	if got := srv.executed(); len(got) != 1 || got[0] != "sudo ls" {
		t.Errorf("executed = %v", got)
	}
	if w := env.events(t, audit.KindSecurityWarning); len(w) != 1 {
		t.Errorf("warning events = %+v", w)
	}
}

func TestJumpHostPoolSharing(t *testing.T) {
	jump := startTestServer(t)
	t1 := startTestServer(t)
	t2 := startTestServer(t)
	env := newTestEnv(t)
	ctx := context.Background()

	c1, err := env.layer.ConnectThroughJumpHost(ctx, t1.host(), jump.host(), testPassword, testPassword)
	if err != nil {
		t.Fatalf("first target: %v", err)
	}
	c2, err := env.layer.ConnectThroughJumpHost(ctx, t2.host(), jump.host(), testPassword, testPassword)
	if err != nil {
		t.Fatalf("second target: %v", err)
	}
	if jump.forwards() != 2 {
		t.Errorf("forwards = %d, want 2", jump.forwards())
	}
	if c1.Via() != jump.host().Addr() {
		t.Errorf("via = %q", c1.Via())
	}

	key := jump.host().Addr()
	env.layer.mu.Lock()
	entry := env.layer.jumps[key]
	refs := entry.refs
	env.layer.mu.Unlock()
	if refs != 2 {
		t.Fatalf("jump refs = %d, want 2", refs)
	}

	env.layer.Close(c1)
	if !entry.alive() {
		t.Fatal("jump host closed while still referenced")
	}
	res, err := env.layer.ExecuteCommand(ctx, c2, "echo via-jump", ExecOptions{})
	if err != nil || string(res.Stdout) != "via-jump\n" {
		t.Fatalf("exec through jump after first close: %+v, %v", res, err)
	}

	env.layer.Close(c2)
	env.layer.mu.Lock()
	_, pooled := env.layer.jumps[key]
	env.layer.mu.Unlock()
	if pooled {
		t.Error("jump host still pooled with no references")
	}
	waitUntil(t, func() bool { return !entry.alive() }, "jump client to close")
}

func TestJumpHostLazyEviction(t *testing.T) {
	jump := startTestServer(t)
	t1 := startTestServer(t)
	t2 := startTestServer(t)
	env := newTestEnv(t)
	ctx := context.Background()

	c1, err := env.layer.ConnectThroughJumpHost(ctx, t1.host(), jump.host(), testPassword, testPassword)
	if err != nil {
		t.Fatal(err)
	}
	key := jump.host().Addr()
	env.layer.mu.Lock()
	stale := env.layer.jumps[key]
	env.layer.mu.Unlock()

	stale.client.Close()
	waitUntil(t, func() bool { return !stale.alive() }, "jump client to die")

	env.layer.mu.Lock()
	_, stillPooled := env.layer.jumps[key]
	env.layer.mu.Unlock()
	if !stillPooled {
		t.Fatal("closed entry should stay pooled until the next lookup")
	}

	c2, err := env.layer.ConnectThroughJumpHost(ctx, t2.host(), jump.host(), testPassword, testPassword)
	if err != nil {
		t.Fatalf("reconnect through evicted jump: %v", err)
	}
	env.layer.mu.Lock()
	fresh := env.layer.jumps[key]
	env.layer.mu.Unlock()
	if fresh == stale || fresh.refs != 1 {
		t.Fatalf("expected a fresh pooled entry, got %+v", fresh)
	}

	env.layer.Close(c1)
	if !fresh.alive() {
		t.Error("releasing the stale reference closed the fresh jump client")
	}
	env.layer.Close(c2)
}

func TestJumpPrecheckCoversBothHosts(t *testing.T) {
	jump := startTestServer(t)
	target := startTestServer(t)
	env := newTestEnv(t)

	bad := jump.host()
	bad.Ciphers = []string{"3des-cbc"}
	_, err := env.layer.ConnectThroughJumpHost(context.Background(), target.host(), bad, testPassword, testPassword)
	var sec *failure.SecurityError
	if !errors.As(err, &sec) {
		t.Fatalf("err = %v, want SecurityError", err)
	}
	env.layer.mu.Lock()
	n := len(env.layer.jumps)
	env.layer.mu.Unlock()
	if n != 0 || jump.forwards() != 0 {
		t.Error("jump host was contacted despite failed pre-check")
	}
}

func TestFileTransfer(t *testing.T) {
	srv := startTestServer(t)
	env := newTestEnv(t)
	ctx := context.Background()

	conn, err := env.layer.Connect(ctx, srv.host(), testPassword)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	local := filepath.Join(dir, "local.txt")
	content := []byte("payload for the remote side\n")
	if err := os.WriteFile(local, content, 0o600); err != nil {
		t.Fatal(err)
	}
	remote := filepath.Join(t.TempDir(), "remote-secret-name.txt")

	n, err := env.layer.UploadFile(ctx, conn, local, remote)
	if err != nil || n != int64(len(content)) {
		t.Fatalf("UploadFile = %d, %v", n, err)
	}
	back := filepath.Join(dir, "back.txt")
	if _, err := env.layer.DownloadFile(ctx, conn, remote, back); err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	got, _ := os.ReadFile(back)
	if !bytes.Equal(got, content) {
		t.Errorf("round trip = %q", got)
	}
	if info, _ := os.Stat(back); info.Mode().Perm() != 0o600 {
		t.Errorf("download mode = %v", info.Mode().Perm())
	}

	_, err = env.layer.UploadFile(ctx, conn, local, "/etc/tb-terminal-test")
	var sec *failure.SecurityError
	if !errors.As(err, &sec) {
		t.Fatalf("upload to /etc = %v, want SecurityError", err)
	}

	transfers := env.events(t, audit.KindFileTransfer)
	if len(transfers) != 3 {
		t.Fatalf("transfer events = %d, want 3", len(transfers))
	}
	for _, ev := range transfers {
		if strings.Contains(ev.Path, "/") {
			t.Errorf("transfer path not sanitized: %q", ev.Path)
		}
	}
	if transfers[0].Path != "remote-secret-name.txt" || !transfers[0].Success {
		t.Errorf("upload event = %+v", transfers[0])
	}
	if transfers[2].Success {
		t.Error("denied upload recorded as success")
	}
	if v := env.events(t, audit.KindSecurityViolation); len(v) != 1 {
		t.Errorf("violations = %+v", v)
	}
}

func TestCriticalTierRefusesTransfers(t *testing.T) {
	srv := startTestServer(t)
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.layer.GenerateKey("deploy", "key-pass"); err != nil {
		t.Fatal(err)
	}
	h := srv.host()
	h.Tier = TierCritical
	h.Auth = AuthKey
	h.KeyID = "deploy"
	conn, err := env.layer.Connect(ctx, h, "key-pass")
	if err != nil {
		t.Fatalf("key auth connect: %v", err)
	}

	local := filepath.Join(t.TempDir(), "f")
	os.WriteFile(local, []byte("x"), 0o600)
	_, err = env.layer.UploadFile(ctx, conn, local, filepath.Join(t.TempDir(), "f"))
	if _, sev := failure.Describe(err); sev != failure.SeverityCritical {
		t.Errorf("upload on critical tier = %v (severity %s)", err, sev)
	}
	_, err = env.layer.DownloadFile(ctx, conn, local, filepath.Join(t.TempDir(), "g"))
	if err == nil {
		t.Error("download on critical tier should be refused")
	}
}

func TestKeyManagement(t *testing.T) {
	env := newTestEnv(t)

	pub, err := env.layer.GenerateKey("laptop", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(pub, "ssh-ed25519 ") || !strings.HasSuffix(pub, " laptop") {
		t.Errorf("public key = %q", pub)
	}
	again, err := env.layer.PublicKey("laptop", "pw")
	if err != nil || again != pub {
		t.Errorf("PublicKey = %q, %v", again, err)
	}
	if _, err := env.layer.PublicKey("laptop", "wrong"); err == nil {
		t.Error("wrong passphrase should fail")
	}

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("import-pw"))
	if err != nil {
		t.Fatal(err)
	}
	imported, err := env.layer.ImportKey("ci", pem.EncodeToMemory(block), "import-pw")
	if err != nil {
		t.Fatalf("ImportKey encrypted: %v", err)
	}
	signer, _ := ssh.NewSignerFromKey(priv)
	if !strings.HasPrefix(imported, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))) {
		t.Errorf("imported public key = %q", imported)
	}

	if _, err := env.layer.ImportKey("junk", []byte("not a key"), "pw"); err == nil {
		t.Error("expected error importing garbage")
	}

	gen := env.events(t, audit.KindKeyGeneration)
	imp := env.events(t, audit.KindKeyImport)
	if len(gen) != 1 || !gen[0].Success || gen[0].Payload["fingerprint"] == "" {
		t.Errorf("generation events = %+v", gen)
	}
	if len(imp) != 2 || !imp[0].Success || imp[1].Success {
		t.Errorf("import events = %+v", imp)
	}
	if env.log.Pending() != 0 {
		t.Error("key events should flush immediately")
	}
}

func TestProbeAndTransportFailure(t *testing.T) {
	srv := startTestServer(t)
	env := newTestEnv(t)
	ctx := context.Background()

	conn, err := env.layer.Connect(ctx, srv.host(), testPassword)
	if err != nil {
		t.Fatal(err)
	}
	mt, err := env.health.Check(ctx, conn.ID)
	if err != nil || !mt.Healthy {
		t.Fatalf("probe: %+v, %v", mt, err)
	}

	srv.dropConnections()
	_, err = env.layer.ExecuteCommand(ctx, conn, "echo gone", ExecOptions{})
	var tr *failure.TransportError
	if !errors.As(err, &tr) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	reason, _ := failure.Describe(err)
	if strings.Contains(reason, "EOF") {
		t.Errorf("raw library error leaked: %q", reason)
	}

	mt, _ = env.health.Metrics(conn.ID)
	if mt.Healthy || mt.Quality != health.QualityCritical || mt.ConsecutiveFailures == 0 {
		t.Errorf("metrics after transport failure = %+v", mt)
	}
	if !env.health.ShouldAutoReconnect(conn.ID) {
		t.Error("a recently healthy session should be eligible for reconnect")
	}
}
