package cmd

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-speakerd/internal/audit"
	"github.com/tinkerbelle-io/tb-speakerd/internal/inventory"
	"github.com/tinkerbelle-io/tb-speakerd/internal/speaker"
)

var flagJSON bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Inspect and manage the speaker inventory",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known speakers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openInventory()
		if err != nil {
			return err
		}
		defer a.close()

		devices, err := a.store.ListDevices(cmd.Context())
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), devices)
		}
		return writeDeviceTable(cmd.OutOrStdout(), devices)
	},
}

var devicesDeleteCmd = &cobra.Command{
	Use:   "delete <device-id>",
	Short: "Remove a speaker and its presets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openInventory()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.editor.DeleteDevice(cmd.Context(), audit.ActorCLI, args[0]); err != nil {
			return fmt.Errorf("delete %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

func init() {
	devicesListCmd.Flags().BoolVar(&flagJSON, "json", false, "Print JSON instead of a table")
	devicesCmd.AddCommand(devicesListCmd, devicesDeleteCmd)
	rootCmd.AddCommand(devicesCmd)
}

// openInventory builds an app without discovery or the event feed.
func openInventory() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(cfg, appOptions{})
}

func writeDeviceTable(w io.Writer, devices []inventory.Device) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODEL\tNAME\tADDRESS\tFIRMWARE\tCAPABILITIES\tREV")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			d.ID,
			valueOrNA(d.Model),
			valueOrNA(d.Name),
			deviceAddress(&d),
			valueOrNA(d.Firmware),
			valueOrNA(strings.Join(d.Capabilities.Supported(), ",")),
			d.Revision)
	}
	return tw.Flush()
}

// deviceAddress shows the control port only when it is not the default.
func deviceAddress(d *inventory.Device) string {
	if d.ControlPort <= 0 || d.ControlPort == speaker.DefaultPort {
		return d.Address
	}
	return net.JoinHostPort(d.Address, strconv.Itoa(d.ControlPort))
}

func valueOrNA(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
