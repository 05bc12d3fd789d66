package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// SpawnSpec describes one process to start.
type SpawnSpec struct {
	Executable string
	Args       []string
	Env        []string
	Dir        string
	PTY        bool
	Cols, Rows uint16
}

// Process is a started child process.
type Process interface {
	Pid() int
	// Stdin receives input; with a PTY it is the terminal master.
	Stdin() io.Writer
	// Outputs returns stdout and stderr, or the single PTY stream.
	Outputs() []io.Reader
	// Wait blocks until exit and returns the exit code. A process killed
	// by a signal reports 128+signal.
	Wait() (int, error)
	// Interrupt asks the process to stop: ctrl+c on a PTY, SIGINT to the
	// process group otherwise.
	Interrupt() error
	// Kill force-kills the whole process group.
	Kill() error
	Resize(cols, rows uint16) error
	// Close releases the parent's ends of the pipes or PTY.
	Close() error
}

// Spawner starts processes.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// ErrNoPTY is returned by Resize on a pipe-backed process.
var ErrNoPTY = errors.New("process has no pseudo-terminal")

// sensitiveEnvMarkers mark variables that never reach spawned processes.
var sensitiveEnvMarkers = []string{"TOKEN", "SECRET", "PASSWORD", "PASSWD", "API_KEY", "PRIVATE_KEY", "CREDENTIAL"}

// FilterEnv drops secret-looking variables and any TERM setting, then sets
// TERM=xterm-256color.
func FilterEnv(environ []string) []string {
	out := make([]string, 0, len(environ)+1)
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		upper := strings.ToUpper(name)
		if upper == "TERM" {
			continue
		}
		sensitive := false
		for _, marker := range sensitiveEnvMarkers {
			if strings.Contains(upper, marker) {
				sensitive = true
				break
			}
		}
		if !sensitive {
			out = append(out, kv)
		}
	}
	return append(out, "TERM=xterm-256color")
}

// OSSpawner starts real processes, each in its own process group.
type OSSpawner struct{}

func (OSSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir

	if spec.PTY {
		cols, rows := spec.Cols, spec.Rows
		if cols == 0 {
			cols = 80
		}
		if rows == 0 {
			rows = 24
		}
		// pty.Start makes the child a session leader, so its pid is also
		// its process group id.
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
		if err != nil {
			return nil, fmt.Errorf("start pty: %w", err)
		}
		return &osProcess{cmd: cmd, ptmx: ptmx}, nil
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// os.Pipe rather than StdoutPipe so Wait does not close the read ends
	// before the readers drain them.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		return nil, fmt.Errorf("start %s: %w", spec.Executable, err)
	}
	outW.Close()
	errW.Close()
	return &osProcess{cmd: cmd, stdin: stdin, stdout: outR, stderr: errR}, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File

	closeOnce sync.Once
}

func (p *osProcess) Pid() int { return p.cmd.Process.Pid }

func (p *osProcess) Stdin() io.Writer {
	if p.ptmx != nil {
		return p.ptmx
	}
	return p.stdin
}

func (p *osProcess) Outputs() []io.Reader {
	if p.ptmx != nil {
		return []io.Reader{ptyReader{p.ptmx}}
	}
	return []io.Reader{p.stdout, p.stderr}
}

func (p *osProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *osProcess) Interrupt() error {
	if p.ptmx != nil {
		_, err := p.ptmx.Write([]byte{ctrlC})
		return err
	}
	return unix.Kill(-p.Pid(), unix.SIGINT)
}

func (p *osProcess) Kill() error {
	if err := unix.Kill(-p.Pid(), unix.SIGKILL); err != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

func (p *osProcess) Resize(cols, rows uint16) error {
	if p.ptmx == nil {
		return ErrNoPTY
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *osProcess) Close() error {
	p.closeOnce.Do(func() {
		if p.ptmx != nil {
			p.ptmx.Close()
			return
		}
		p.stdin.Close()
		p.stdout.Close()
		p.stderr.Close()
	})
	return nil
}

// ptyReader maps the EIO a Linux PTY master returns after the child exits
// to io.EOF.
type ptyReader struct{ f *os.File }

func (r ptyReader) Read(b []byte) (int, error) {
	n, err := r.f.Read(b)
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}
