package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-terminal/internal/install"
	"github.com/tinkerbelle-io/tb-terminal/internal/logging"
	"github.com/tinkerbelle-io/tb-terminal/internal/validate"
)

var (
	flagInstallAddr        string
	flagInstallToken       string
	flagInstallMaxSessions int
	flagInstallLevel       string
	flagInstallDataDir     string
	flagInstallRemote      bool
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install tb-terminal serve as a system service",
	Long: `Install 'tb-terminal serve' as a systemd service (Linux) or launchd daemon (macOS).

This command:
  1. Writes a config file to /etc/tb-terminal/config.yaml
  2. Creates the service data directory
  3. Creates and enables a system service
  4. Starts the service immediately

A client token is generated when none is given.`,
	RunE: runInstall,
}

func init() {
	installCmd.Flags().StringVar(&flagInstallAddr, "addr", "127.0.0.1:7681", "Listen address for the service")
	installCmd.Flags().StringVar(&flagInstallToken, "token", "", "Client token (generated when empty)")
	installCmd.Flags().IntVar(&flagInstallMaxSessions, "max-sessions", 0, "Maximum concurrent sessions per client")
	installCmd.Flags().StringVar(&flagInstallLevel, "level", "", "Validation level: strict, moderate, permissive")
	installCmd.Flags().StringVar(&flagInstallDataDir, "data-dir", install.DefaultDataDir, "Service data directory")
	installCmd.Flags().BoolVar(&flagInstallRemote, "allow-remote", false, "Allow listening on non-loopback addresses")
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	logging.Setup(flagLogLevel, "text")

	if flagInstallLevel != "" {
		if _, err := validate.ParseLevel(flagInstallLevel); err != nil {
			return err
		}
	}
	token := flagInstallToken
	if token == "" {
		var err error
		if token, err = install.GenerateToken(); err != nil {
			return err
		}
	}
	if err := validateListenAddr(flagInstallAddr, token, flagInstallRemote); err != nil {
		return err
	}

	fmt.Println("Installing tb-terminal...")

	cfg := install.InstallConfig{
		Addr:            flagInstallAddr,
		Token:           token,
		MaxSessions:     flagInstallMaxSessions,
		ValidationLevel: flagInstallLevel,
		DataDir:         flagInstallDataDir,
		AllowRemote:     flagInstallRemote,
	}

	if err := install.Install(cfg); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}

	fmt.Println("tb-terminal installed and running.")
	fmt.Printf("  Config: %s\n", install.DefaultConfigFile)
	fmt.Printf("  Listen: %s\n", flagInstallAddr)
	fmt.Printf("  Token:  %s\n", maskToken(token))
	if flagInstallToken == "" {
		fmt.Printf("\nThe generated token is stored in %s.\n", install.DefaultConfigFile)
	}
	fmt.Println("\nCheck status with: tb-terminal status")
	return nil
}
