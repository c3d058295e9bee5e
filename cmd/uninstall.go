package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-speakerd/internal/install"
	"github.com/tinkerbelle-io/tb-speakerd/internal/logging"
)

var flagPurge bool

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the tb-speakerd system service",
	Long: `Stop and remove the tb-speakerd system service.

By default, the config file at /etc/tb-speakerd/ is preserved.
Use --purge to also remove the config directory. The inventory and audit
journal in /var/lib/tb-speakerd are always kept.`,
	RunE: runUninstall,
}

func init() {
	uninstallCmd.Flags().BoolVar(&flagPurge, "purge", false, "Also remove config files")
	rootCmd.AddCommand(uninstallCmd)
}

func runUninstall(cmd *cobra.Command, args []string) error {
	logging.Setup(flagLogLevel, flagLogFormat)

	in, err := install.New()
	if err != nil {
		return err
	}
	if err := in.Uninstall(flagPurge); err != nil {
		return fmt.Errorf("uninstall failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "tb-speakerd service removed.")
	if flagPurge {
		fmt.Fprintln(out, "Config files purged.")
	} else {
		fmt.Fprintf(out, "Config preserved at %s (use --purge to remove)\n", install.DefaultConfigDir)
	}
	return nil
}
