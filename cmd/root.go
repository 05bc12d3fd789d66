package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-terminal/internal/config"
	"github.com/tinkerbelle-io/tb-terminal/internal/engine"
	"github.com/tinkerbelle-io/tb-terminal/internal/logging"
)

var (
	// Flags
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "tb-terminal",
	Short: "TinkerBelle secure terminal-session engine",
	Long: `tb-terminal runs validated commands in supervised local processes and
over authenticated SSH sessions. Every security-relevant action is recorded
in a tamper-evident audit log.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (env: TB_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, error (env: TB_LOG_LEVEL)")
}

// Execute runs the root command.
func Execute(version string) {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("tb-terminal %s\n", version))
	if err := rootCmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

// loadConfig reads the config file and sets up logging. An explicit
// --log-level wins over the file and TB_LOG_LEVEL.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = flagLogLevel
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// openEngine loads config and builds the engine. Callers must Close it.
func openEngine(cmd *cobra.Command) (*engine.Engine, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return engine.New(cfg, engine.Options{})
}

// exitError carries a process exit code out of RunE.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// exitWith ends the command with code without printing an error.
func exitWith(cmd *cobra.Command, code int) error {
	if code == 0 {
		return nil
	}
	cmd.SilenceErrors = true
	return exitError{code: code}
}
