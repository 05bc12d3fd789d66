package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-terminal/internal/engine"
	"github.com/tinkerbelle-io/tb-terminal/internal/failure"
	"github.com/tinkerbelle-io/tb-terminal/internal/sshconn"
)

var (
	flagSSHJump string
	flagSSHAuth string
	flagSSHPTY  bool
)

var sshCmd = &cobra.Command{
	Use:   "ssh",
	Short: "Run commands and transfer files over SSH",
	Long: `Connect to a configured host (by name) or to user@host[:port], optionally
through a jump host, and run a validated command or transfer a file.

Passwords and key passphrases are prompted for, or read from TB_PASSPHRASE.`,
}

var sshRunCmd = &cobra.Command{
	Use:   "run HOST -- COMMAND...",
	Short: "Run a command on a remote host",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSSHRun,
}

var sshPutCmd = &cobra.Command{
	Use:   "put HOST LOCAL REMOTE",
	Short: "Upload a file over SFTP",
	Args:  cobra.ExactArgs(3),
	RunE:  runSSHPut,
}

var sshGetCmd = &cobra.Command{
	Use:   "get HOST REMOTE LOCAL",
	Short: "Download a file over SFTP",
	Args:  cobra.ExactArgs(3),
	RunE:  runSSHGet,
}

var sshHostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "List configured hosts",
	RunE:  runSSHHosts,
}

func init() {
	sshCmd.PersistentFlags().StringVar(&flagSSHJump, "jump", "", "Jump host (name or user@host[:port])")
	sshCmd.PersistentFlags().StringVar(&flagSSHAuth, "auth", "agent", "Auth for user@host targets: agent, password, key")
	sshRunCmd.Flags().BoolVar(&flagSSHPTY, "pty", false, "Request a pseudo-terminal")
	sshCmd.AddCommand(sshRunCmd, sshPutCmd, sshGetCmd, sshHostsCmd)
	rootCmd.AddCommand(sshCmd)
}

// connect resolves target (and --jump) and opens a connection.
func connect(ctx context.Context, e *engine.Engine, target string) (*sshconn.Connection, error) {
	auth := sshconn.AuthMethod(flagSSHAuth)
	h, err := e.Host(target, auth)
	if err != nil {
		return nil, err
	}
	pass, err := credentialFor(h)
	if err != nil {
		return nil, err
	}
	if flagSSHJump == "" {
		return e.SSH.Connect(ctx, h, pass)
	}
	j, err := e.Host(flagSSHJump, auth)
	if err != nil {
		return nil, err
	}
	jpass, err := credentialFor(j)
	if err != nil {
		return nil, err
	}
	return e.SSH.ConnectThroughJumpHost(ctx, h, j, pass, jpass)
}

func credentialFor(h sshconn.HostConfig) (string, error) {
	switch h.Auth {
	case sshconn.AuthPassword:
		return readPassphrase(fmt.Sprintf("Password for %s: ", h))
	case sshconn.AuthKey:
		return readPassphrase(fmt.Sprintf("Passphrase for key %s: ", h.KeyID))
	}
	return "", nil
}

// describe reduces err to the short user-facing reason.
func describe(err error) error {
	reason, sev := failure.Describe(err)
	return fmt.Errorf("%s (severity %s)", reason, sev)
}

func runSSHRun(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := connect(ctx, e, args[0])
	if err != nil {
		return describe(err)
	}
	defer e.SSH.Close(conn)

	res, err := e.SSH.ExecuteCommand(ctx, conn, strings.Join(args[1:], " "), sshconn.ExecOptions{PTY: flagSSHPTY})
	if err != nil {
		return describe(err)
	}
	if res.Warning != "" {
		fmt.Fprintf(os.Stderr, "warning: %s\n", res.Warning)
	}
	os.Stdout.Write(res.Stdout)
	os.Stderr.Write(res.Stderr)
	return exitWith(cmd, res.ExitCode)
}

func runSSHPut(cmd *cobra.Command, args []string) error {
	return transfer(cmd, args[0], func(ctx context.Context, e *engine.Engine, conn *sshconn.Connection) (int64, error) {
		return e.SSH.UploadFile(ctx, conn, args[1], args[2])
	})
}

func runSSHGet(cmd *cobra.Command, args []string) error {
	return transfer(cmd, args[0], func(ctx context.Context, e *engine.Engine, conn *sshconn.Connection) (int64, error) {
		return e.SSH.DownloadFile(ctx, conn, args[1], args[2])
	})
}

func transfer(cmd *cobra.Command, target string, fn func(context.Context, *engine.Engine, *sshconn.Connection) (int64, error)) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := connect(ctx, e, target)
	if err != nil {
		return describe(err)
	}
	defer e.SSH.Close(conn)

	n, err := fn(ctx, e, conn)
	if err != nil {
		return describe(err)
	}
	fmt.Printf("%d bytes transferred\n", n)
	return nil
}

func runSSHHosts(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(cfg.Hosts) == 0 {
		fmt.Println("No hosts configured.")
		return nil
	}
	for _, h := range cfg.Hosts {
		fmt.Printf("%-16s %-32s tier=%-8s auth=%-8s strict=%s\n", h.Name, h.String(), h.Tier, h.Auth, boolStatus(h.StrictHostKeyChecking))
	}
	return nil
}
