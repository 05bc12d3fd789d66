package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-terminal/internal/install"
	"github.com/tinkerbelle-io/tb-terminal/internal/logging"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tb-terminal configuration and store status",
	Long:  `Display the effective configuration, data stores and connectivity.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	cfg := e.Config

	fmt.Printf("Config:      %s\n", valueOrNA(configPath()))
	fmt.Printf("Data dir:    %s\n", cfg.DataDir)
	fmt.Printf("Known hosts: %s\n", e.HostKeys.Path())
	fmt.Printf("Validation:  %s\n", cfg.Validation.Level)
	fmt.Printf("Policy:      %s\n", valueOrNA(cfg.Validation.PolicyFile))
	fmt.Printf("Audit:       %s (%s)\n", cfg.Audit.Sink, cfg.AuditPath())
	fmt.Printf("Audit debug: %s\n", boolStatus(cfg.Audit.Debug))
	fmt.Printf("Keys:        %d\n", len(e.Credentials.Keys()))
	fmt.Printf("Hosts:       %d\n", len(cfg.Hosts))
	fmt.Printf("Network:     %s\n", e.Network.Current())
	fmt.Printf("Serve:       %s (token %s)\n", cfg.Serve.Addr, maskToken(cfg.Serve.Token))
	svc := install.Status()
	fmt.Printf("Service:     installed=%s running=%s\n", boolStatus(svc.Installed), boolStatus(svc.Running))

	if s, err := e.Audit.Stats(); err == nil {
		fmt.Printf("Events:      %d\n", s.Total)
	}
	n, err := e.Audit.Verify()
	fmt.Printf("Chain:       %s\n", chainStatus(n, err))

	fmt.Printf("\nVersion:     %s\n", rootCmd.Version)

	// Exit code 1 if the audit chain is broken (useful for scripts)
	if err != nil {
		return exitWith(cmd, 1)
	}
	return nil
}

func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return os.Getenv("TB_CONFIG")
}

func chainStatus(n int, err error) string {
	if err != nil {
		return "BROKEN: " + err.Error()
	}
	return fmt.Sprintf("intact (%d events)", n)
}

func boolStatus(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func valueOrNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}

func maskToken(token string) string {
	if token == "" {
		return "n/a"
	}
	return logging.Redact(token)
}
