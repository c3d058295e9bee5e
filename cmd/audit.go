package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-speakerd/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit journal",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Check the journal's hash chain",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := audit.DefaultPath
		if len(args) == 1 {
			path = args[0]
		} else if cfg, err := loadConfig(); err == nil && cfg.AuditPath != "" {
			path = cfg.AuditPath
		}

		n, err := audit.Verify(path)
		if err != nil {
			return fmt.Errorf("%s: %d intact entries before: %w", path, n, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries, chain intact\n", path, n)
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}
