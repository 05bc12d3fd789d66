package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-terminal/internal/install"
	"github.com/tinkerbelle-io/tb-terminal/internal/logging"
)

var flagPurge bool

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the tb-terminal system service",
	Long: `Stop and remove the tb-terminal system service.

By default, the config file at /etc/tb-terminal/ is preserved, as is the
data directory with the audit log. Use --purge to also remove the config
directory.`,
	RunE: runUninstall,
}

func init() {
	uninstallCmd.Flags().BoolVar(&flagPurge, "purge", false, "Also remove config files")
	rootCmd.AddCommand(uninstallCmd)
}

func runUninstall(cmd *cobra.Command, args []string) error {
	logging.Setup(flagLogLevel, "text")

	if err := install.Uninstall(flagPurge); err != nil {
		return fmt.Errorf("uninstall failed: %w", err)
	}

	fmt.Println("tb-terminal service removed.")
	if flagPurge {
		fmt.Println("Config files purged.")
	} else {
		fmt.Printf("Config preserved at %s (use --purge to remove)\n", install.DefaultConfigDir)
	}
	return nil
}
