package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-speakerd/internal/install"
	"github.com/tinkerbelle-io/tb-speakerd/internal/logging"
)

var (
	flagInstallListen    string
	flagInstallPublicURL string
	flagInstallMode      string
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install tb-speakerd as a system service",
	Long: `Install tb-speakerd as a systemd service (Linux) or launchd daemon (macOS).

This command:
  1. Writes a config file to /etc/tb-speakerd/config.yaml
  2. Creates /var/lib/tb-speakerd for the inventory and audit journal
  3. Creates, enables and starts the system service

The service runs 'tb-speakerd serve' with the written config.`,
	RunE: runInstall,
}

func init() {
	installCmd.Flags().StringVar(&flagInstallListen, "listen", "", "HTTP listen address (default :8000)")
	installCmd.Flags().StringVar(&flagInstallPublicURL, "public-url", "", "Base URL speakers use to reach this hub")
	installCmd.Flags().StringVar(&flagInstallMode, "mode", "", "Preset resolution mode: redirect, descriptor, proxy")
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	logging.Setup(flagLogLevel, flagLogFormat)

	ic := install.InstallConfig{
		Listen:          flagInstallListen,
		PublicURL:       flagInstallPublicURL,
		ResolveMode:     flagInstallMode,
		ManualEndpoints: flagEndpoints,
	}

	in, err := install.New()
	if err != nil {
		return err
	}
	bin, err := install.BinaryPath()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Installing tb-speakerd...")
	if err := in.Install(bin, ic); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}

	cfg := install.ServiceConfig(ic, in.DataDir)
	fmt.Fprintln(out, "tb-speakerd installed and running.")
	fmt.Fprintf(out, "  Unit:   %s\n", in.UnitPath)
	fmt.Fprintf(out, "  Config: %s\n", in.ConfigFile)
	fmt.Fprintf(out, "  Listen: %s\n", cfg.Listen)
	fmt.Fprintf(out, "  Mode:   %s\n", cfg.Resolver.Mode)
	fmt.Fprintln(out, "\nCheck status with: tb-speakerd status")
	return nil
}
