package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-terminal/internal/engine"
	"github.com/tinkerbelle-io/tb-terminal/internal/validate"
)

var (
	flagValidateLevel string
	flagValidateJSON  bool
)

var validateCmd = &cobra.Command{
	Use:   "validate [flags] -- COMMAND...",
	Short: "Check a command against the validation policy",
	Long: `Evaluate a shell command at the configured (or given) validation level
without running it. Exits 1 when the command would be blocked.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&flagValidateLevel, "level", "", "Validation level: permissive, moderate, strict, whitelist (default from config)")
	validateCmd.Flags().BoolVar(&flagValidateJSON, "json", false, "Print the result as JSON")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	level := cfg.Validation.Level
	if flagValidateLevel != "" {
		if level, err = validate.ParseLevel(flagValidateLevel); err != nil {
			return err
		}
	}
	v, err := engine.NewValidator(cfg)
	if err != nil {
		return err
	}

	r := v.Validate(strings.Join(args, " "), level)
	if flagValidateJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			return err
		}
	} else {
		fmt.Printf("Status:   %s\n", r.Status)
		fmt.Printf("Reason:   %s\n", r.Reason)
		fmt.Printf("Security: %s\n", valueOrNA(string(r.Security)))
		fmt.Printf("Level:    %s\n", r.Level)
	}
	if !r.Allowed() {
		return exitWith(cmd, 1)
	}
	return nil
}
