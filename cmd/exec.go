package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinkerbelle-io/tb-terminal/internal/failure"
	"github.com/tinkerbelle-io/tb-terminal/internal/process"
)

var flagExecOwner string

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- COMMAND...",
	Short: "Run a validated command in a supervised local process",
	Long: `Validate a command and run it under the process supervisor. Full-screen
and interactive programs get a pseudo-terminal and the local terminal is put
into raw mode. The exit code of the command is returned.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&flagExecOwner, "owner", "cli", "Owner id for the session")
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := strings.Join(args, " ")
	req := process.DetectRequirements(command)
	// The CLI supervises one-shot commands too so it can stream their
	// output and report their exit code.
	req.LongRunning = true

	id, err := e.Processes.Activate(ctx, "", flagExecOwner, command, req)
	if err != nil {
		reason, _ := failure.Describe(err)
		return fmt.Errorf("%s", reason)
	}

	fd := int(os.Stdin.Fd())
	if req.NeedsPTY && term.IsTerminal(fd) {
		if cols, rows, err := term.GetSize(fd); err == nil {
			e.Processes.Resize(id, uint16(cols), uint16(rows))
		}
		if old, err := term.MakeRaw(fd); err == nil {
			defer term.Restore(fd, old)
		}
	}
	if req.NeedsInput {
		go forwardStdin(e.Processes, id)
	}

	done, _ := e.Processes.Done(id)
	go func() {
		select {
		case <-ctx.Done():
			e.Processes.Terminate(id, process.DefaultTerminateTimeout)
		case <-done:
		}
	}()

	out, _ := e.Processes.Output(id)
	for chunk := range out {
		os.Stdout.Write(chunk)
	}
	st, _ := e.Processes.Status(id)
	return exitWith(cmd, st.ExitCode)
}

func forwardStdin(m *process.Manager, id string) {
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !m.WriteInput(id, data) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
