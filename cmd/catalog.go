package cmd

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-speakerd/internal/catalog"
)

var flagSearchLimit int

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Query the station catalog",
}

var catalogSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search stations by name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Catalog.URL == "" {
			return errors.New("no catalog configured (catalog.url)")
		}
		client, err := catalog.New(catalog.Options{
			URL:       cfg.Catalog.URL,
			Timeout:   cfg.Catalog.Timeout,
			UserAgent: "tb-speakerd/" + rootCmd.Version,
		}, nil)
		if err != nil {
			return err
		}

		stations, err := client.Search(cmd.Context(), strings.Join(args, " "), flagSearchLimit)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), stations)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCODEC\tBITRATE")
		for _, s := range stations {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.ID, s.Name, valueOrNA(s.Codec), s.Bitrate)
		}
		return tw.Flush()
	},
}

func init() {
	catalogSearchCmd.Flags().IntVar(&flagSearchLimit, "limit", catalog.DefaultSearchLimit, "Maximum results")
	catalogSearchCmd.Flags().BoolVar(&flagJSON, "json", false, "Print JSON instead of a table")
	catalogCmd.AddCommand(catalogSearchCmd)
	rootCmd.AddCommand(catalogCmd)
}
