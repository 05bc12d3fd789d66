package sshconn

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/sftp"

	"github.com/tinkerbelle-io/tb-terminal/internal/audit"
	"github.com/tinkerbelle-io/tb-terminal/internal/failure"
)

// deniedUploadPrefixes are remote trees uploads may never write into.
var deniedUploadPrefixes = []string{"/etc/", "/boot/", "/sys/", "/proc/", "/dev/"}

func uploadDenied(remote string) bool {
	if !path.IsAbs(remote) {
		return false
	}
	p := path.Clean(remote)
	for _, prefix := range deniedUploadPrefixes {
		if p == strings.TrimSuffix(prefix, "/") || strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// UploadFile copies localPath to remotePath over SFTP and returns the
// number of bytes written.
func (l *Layer) UploadFile(ctx context.Context, conn *Connection, localPath, remotePath string) (int64, error) {
	if err := l.checkTransfer(conn); err != nil {
		l.recordTransfer(conn, "upload", remotePath, 0, err)
		return 0, err
	}
	if uploadDenied(remotePath) {
		err := failure.Security("upload", "uploads into system directories are not allowed")
		l.recordTransfer(conn, "upload", remotePath, 0, err)
		return 0, err
	}

	n, err := l.withSFTP(ctx, conn, func(c *sftp.Client) (int64, error) {
		src, err := os.Open(localPath)
		if err != nil {
			return 0, fmt.Errorf("opening %s: %w", localPath, err)
		}
		defer src.Close()

		dst, err := c.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return 0, failure.Transport("upload", err)
		}
		n, err := io.Copy(dst, src)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return n, failure.Transport("upload", err)
		}
		return n, nil
	})
	l.recordTransfer(conn, "upload", remotePath, n, err)
	return n, err
}

// DownloadFile copies remotePath to localPath (mode 0600) over SFTP.
func (l *Layer) DownloadFile(ctx context.Context, conn *Connection, remotePath, localPath string) (int64, error) {
	if err := l.checkTransfer(conn); err != nil {
		l.recordTransfer(conn, "download", remotePath, 0, err)
		return 0, err
	}

	n, err := l.withSFTP(ctx, conn, func(c *sftp.Client) (int64, error) {
		src, err := c.Open(remotePath)
		if err != nil {
			return 0, failure.Transport("download", err)
		}
		defer src.Close()

		dst, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return 0, fmt.Errorf("creating %s: %w", localPath, err)
		}
		n, err := io.Copy(dst, src)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return n, failure.Transport("download", err)
		}
		return n, nil
	})
	l.recordTransfer(conn, "download", remotePath, n, err)
	return n, err
}

func (l *Layer) checkTransfer(conn *Connection) error {
	if conn == nil || conn.isClosed() {
		return ErrClosed
	}
	if conn.Host.Tier == TierCritical {
		err := failure.Security("file transfer", "file operations are disabled for critical-tier hosts")
		err.Severity = failure.SeverityCritical
		return err
	}
	return nil
}

func (l *Layer) withSFTP(ctx context.Context, conn *Connection, fn func(*sftp.Client) (int64, error)) (int64, error) {
	c, err := sftp.NewClient(conn.client)
	if err != nil {
		return 0, l.transportFailure(conn, "start sftp", err)
	}
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	n, err := fn(c)
	if ctx.Err() != nil {
		return n, ctx.Err()
	}
	if err != nil {
		l.logger.Warn("file transfer failed", "session", conn.ID, "error", err)
	}
	return n, err
}

func (l *Layer) recordTransfer(conn *Connection, direction, remotePath string, n int64, err error) {
	e := audit.Entry{
		Kind:     audit.KindFileTransfer,
		Path:     remotePath,
		Success:  err == nil,
		Security: audit.SecurityMedium,
		Payload:  map[string]string{"direction": direction, "bytes": strconv.FormatInt(n, 10)},
	}
	if conn != nil {
		e.SessionID = conn.ID
		e.Host = conn.Host.Addr()
		e.User = conn.Host.Username
	}
	if err == nil {
		l.record(e)
		return
	}
	reason, sev := failure.Describe(err)
	e.Payload["reason"] = reason
	l.record(e)

	if sev == failure.SeverityHigh || sev == failure.SeverityCritical {
		v := e
		v.Kind = audit.KindSecurityViolation
		v.Security = audit.SecurityHigh
		v.Payload = map[string]string{"operation": direction, "reason": reason}
		l.record(v)
	}
}
