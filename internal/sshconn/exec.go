package sshconn

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strconv"

	"golang.org/x/crypto/ssh"

	"github.com/tinkerbelle-io/tb-terminal/internal/audit"
	"github.com/tinkerbelle-io/tb-terminal/internal/failure"
	"github.com/tinkerbelle-io/tb-terminal/internal/validate"
)

// debugOutputLimit is the largest combined output attached to an audit
// event in debug mode.
const debugOutputLimit = 4 << 10

// ExecOptions tunes one remote command.
type ExecOptions struct {
	PTY  bool
	Env  map[string]string
	Cols uint16
	Rows uint16
}

// ExecResult is the outcome of a remote command.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	// Warning is set when validation allowed the command with a warning.
	Warning string
}

// ExecuteCommand runs command on conn. When the host validates commands,
// a blocked command fails with a SecurityError and never reaches the
// remote side; a warning is audited and the command still runs.
func (l *Layer) ExecuteCommand(ctx context.Context, conn *Connection, command string, opts ExecOptions) (ExecResult, error) {
	var res ExecResult
	if conn == nil || conn.isClosed() {
		return res, ErrClosed
	}

	base := audit.Entry{
		SessionID: conn.ID,
		Host:      conn.Host.Addr(),
		User:      conn.Host.Username,
		Command:   command,
	}

	sec := audit.SecurityMedium
	if conn.Host.ValidateCommands && l.validator != nil {
		r := l.validator.Validate(command, conn.Host.ValidationLevel)
		sec = audit.Security(r.Security)
		if !r.Allowed() {
			e := base
			e.Kind = audit.KindCommandExecution
			e.Blocked = true
			e.Security = audit.SecurityLow
			e.Payload = map[string]string{"status": string(r.Status), "reason": r.Rule}
			l.record(e)
			l.logger.Warn("command blocked", "session", conn.ID, "level", r.Level, "reason", r.Reason)
			return res, &failure.SecurityError{Op: "execute", Reason: r.Reason, Severity: failure.SeverityHigh}
		}
		if r.Status == validate.StatusWarning {
			e := base
			e.Kind = audit.KindSecurityWarning
			e.Success = true
			e.Security = audit.SecurityMedium
			e.Payload = map[string]string{"reason": r.Rule}
			l.record(e)
			res.Warning = r.Reason
		}
	}

	sess, err := conn.client.NewSession()
	if err != nil {
		return res, l.transportFailure(conn, "open session", err)
	}
	defer sess.Close()

	names := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if err := sess.Setenv(k, opts.Env[k]); err != nil {
			l.logger.Debug("remote refused environment variable", "session", conn.ID, "name", k)
		}
	}

	if opts.PTY {
		cols, rows := opts.Cols, opts.Rows
		if cols == 0 {
			cols = 80
		}
		if rows == 0 {
			rows = 24
		}
		modes := ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
			return res, l.transportFailure(conn, "request pty", err)
		}
	}

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Signal(ssh.SIGTERM)
			sess.Close()
		case <-done:
		}
	}()
	err = sess.Run(command)
	close(done)

	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()

	if ctx.Err() != nil {
		e := base
		e.Kind = audit.KindCommandExecution
		e.Security = sec
		e.Payload = map[string]string{"reason": "cancelled"}
		l.record(e)
		return res, ctx.Err()
	}

	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	case errors.As(err, &missing):
		res.ExitCode = -1
	default:
		return res, l.transportFailure(conn, "execute command", err)
	}

	count := conn.account(len(command), len(res.Stdout)+len(res.Stderr), l.now())

	e := base
	e.Kind = audit.KindCommandExecution
	e.Success = res.ExitCode == 0
	e.Security = sec
	e.Payload = map[string]string{
		"exit_code":    strconv.Itoa(res.ExitCode),
		"stdout_bytes": strconv.Itoa(len(res.Stdout)),
		"stderr_bytes": strconv.Itoa(len(res.Stderr)),
		"sequence":     strconv.FormatInt(count, 10),
	}
	if l.audit != nil && l.audit.Debug() && len(res.Stdout)+len(res.Stderr) < debugOutputLimit {
		e.Payload["output"] = string(res.Stdout) + string(res.Stderr)
	}
	l.record(e)
	return res, nil
}
