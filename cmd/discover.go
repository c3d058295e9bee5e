package cmd

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-speakerd/internal/config"
)

var (
	flagDryRun          bool
	flagDiscoverTimeout time.Duration
	flagNoMulticast     bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run one discovery cycle and print the report",
	Long: `Discover speakers, probe their capabilities and sync them into the
inventory, then print the cycle report as JSON.

With --dry-run nothing is written; the report carries the observations that
would have been synced.`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Discover and probe only, print observations as JSON")
	discoverCmd.Flags().DurationVar(&flagDiscoverTimeout, "timeout", 0, "Multicast collection window (env: TBS_DISCOVERY_TIMEOUT)")
	discoverCmd.Flags().BoolVar(&flagNoMulticast, "no-multicast", false, "Skip SSDP and mDNS, use manual endpoints only")
	rootCmd.AddCommand(discoverCmd)
}

func applyDiscoverFlags(cfg *config.Config) {
	if flagDiscoverTimeout > 0 {
		cfg.Discovery.Timeout = flagDiscoverTimeout
	}
	if flagNoMulticast {
		cfg.Discovery.SSDP = false
		cfg.Discovery.MDNS = false
	}
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(applyDiscoverFlags)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, appOptions{discovery: true})
	if err != nil {
		return err
	}
	defer a.close()

	rep, runErr := a.runner.Run(cmd.Context(), flagDryRun)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	return runErr
}
