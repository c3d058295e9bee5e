package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-speakerd/internal/audit"
	"github.com/tinkerbelle-io/tb-speakerd/internal/inventory"
)

var (
	flagPresetURL     string
	flagPresetStation string
	flagPresetName    string
	flagPresetArtwork string
)

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "Manage a speaker's preset slots",
}

var presetsListCmd = &cobra.Command{
	Use:   "list <device-id>",
	Short: "List a speaker's presets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openInventory()
		if err != nil {
			return err
		}
		defer a.close()

		presets, err := a.store.ListPresets(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("list presets of %s: %w", args[0], err)
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), presets)
		}
		return writePresetTable(cmd.OutOrStdout(), presets)
	},
}

var presetsSetCmd = &cobra.Command{
	Use:   "set <device-id> <slot>",
	Short: "Assign a stream to a preset slot",
	Long: `Assign a stream to a preset slot, either by URL or by catalog station ID.
A station ID is resolved against the catalog on every preset press; the URL,
if given or found at write time, is served while the catalog is down.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, err := parseSlotArg(args[1])
		if err != nil {
			return err
		}
		a, err := openInventory()
		if err != nil {
			return err
		}
		defer a.close()

		p := &inventory.Preset{
			DeviceID:   args[0],
			Slot:       slot,
			StreamID:   flagPresetStation,
			Name:       flagPresetName,
			URL:        flagPresetURL,
			ArtworkURL: flagPresetArtwork,
		}
		if err := a.editor.SetPreset(cmd.Context(), audit.ActorCLI, p); err != nil {
			return fmt.Errorf("set preset %d of %s: %w", slot, args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Preset %d of %s set to %s\n", slot, args[0], describePreset(p))
		return nil
	},
}

var presetsDeleteCmd = &cobra.Command{
	Use:   "delete <device-id> <slot>",
	Short: "Clear a preset slot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, err := parseSlotArg(args[1])
		if err != nil {
			return err
		}
		a, err := openInventory()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.editor.DeletePreset(cmd.Context(), audit.ActorCLI, args[0], slot); err != nil {
			return fmt.Errorf("delete preset %d of %s: %w", slot, args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Preset %d of %s cleared\n", slot, args[0])
		return nil
	},
}

func init() {
	presetsListCmd.Flags().BoolVar(&flagJSON, "json", false, "Print JSON instead of a table")
	presetsSetCmd.Flags().StringVar(&flagPresetURL, "url", "", "Stream URL")
	presetsSetCmd.Flags().StringVar(&flagPresetStation, "station", "", "Catalog station ID")
	presetsSetCmd.Flags().StringVar(&flagPresetName, "name", "", "Display name")
	presetsSetCmd.Flags().StringVar(&flagPresetArtwork, "artwork", "", "Artwork URL")
	presetsCmd.AddCommand(presetsListCmd, presetsSetCmd, presetsDeleteCmd)
	rootCmd.AddCommand(presetsCmd)
}

func parseSlotArg(s string) (int, error) {
	slot, err := strconv.Atoi(s)
	if err != nil || !inventory.ValidSlot(slot) {
		return 0, fmt.Errorf("invalid slot %q: want %d..%d", s, inventory.MinSlot, inventory.MaxSlot)
	}
	return slot, nil
}

func describePreset(p *inventory.Preset) string {
	switch {
	case p.StreamID != "" && p.Name != "":
		return fmt.Sprintf("%s (station %s)", p.Name, p.StreamID)
	case p.StreamID != "":
		return "station " + p.StreamID
	case p.Name != "":
		return fmt.Sprintf("%s (%s)", p.Name, p.URL)
	default:
		return p.URL
	}
}

func writePresetTable(w io.Writer, presets []inventory.Preset) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tNAME\tSTATION\tURL")
	for _, p := range presets {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", p.Slot, valueOrNA(p.Name), valueOrNA(p.StreamID), valueOrNA(p.URL))
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
