package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-terminal/internal/audit"
)

var flagAuditFormat string

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show event counts by kind and security tag",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		s, err := e.Audit.Stats()
		if err != nil {
			return err
		}
		if flagAuditFormat == "json" {
			return json.NewEncoder(os.Stdout).Encode(s)
		}
		fmt.Printf("Events:       %d\n", s.Total)
		fmt.Printf("Success rate: %.1f%%\n", s.SuccessRate*100)
		fmt.Println("By kind:")
		kinds := make([]string, 0, len(s.ByKind))
		for k := range s.ByKind {
			kinds = append(kinds, string(k))
		}
		slices.Sort(kinds)
		for _, k := range kinds {
			fmt.Printf("  %-20s %d\n", k, s.ByKind[audit.Kind(k)])
		}
		fmt.Println("By security:")
		for _, sec := range []audit.Security{audit.SecurityLow, audit.SecurityMedium, audit.SecurityHigh, audit.SecurityCritical} {
			fmt.Printf("  %-20s %d\n", sec, s.BySecurity[sec])
		}
		return nil
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export every event as json, csv or syslog lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := audit.ParseFormat(flagAuditFormat)
		if err != nil {
			return err
		}
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Audit.Export(os.Stdout, format)
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the hash chain of persisted batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		n, err := e.Audit.Verify()
		if err != nil {
			return fmt.Errorf("verified %d events before failure: %w", n, err)
		}
		fmt.Printf("Audit chain intact: %d events verified\n", n)
		return nil
	},
}

func init() {
	auditCmd.PersistentFlags().StringVar(&flagAuditFormat, "format", "json", "Output format: json, csv, syslog (stats: json or text)")
	auditCmd.AddCommand(auditStatsCmd, auditExportCmd, auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}
