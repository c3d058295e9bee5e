package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-speakerd/internal/config"
	"github.com/tinkerbelle-io/tb-speakerd/internal/install"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tb-speakerd service status",
	Long:  `Display the state of the tb-speakerd service, its config, and the health of the running hub.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path := flagConfig
	running := false

	if in, err := install.New(); err == nil {
		s := in.Status()
		running = s.Running
		fmt.Fprintf(out, "Platform:   %s (%s)\n", s.Platform, s.Manager)
		fmt.Fprintf(out, "Binary:     %s\n", valueOrNA(s.BinaryPath))
		fmt.Fprintf(out, "Unit:       %s\n", s.UnitPath)
		fmt.Fprintf(out, "Config:     %s\n", s.ConfigPath)
		fmt.Fprintf(out, "Installed:  %s\n", boolStatus(s.Installed && s.Configured))
		fmt.Fprintf(out, "Running:    %s\n", boolStatus(s.Running))
		if path == "" {
			path = s.ConfigPath
		}
	} else {
		fmt.Fprintf(out, "Service:    %s\n", err)
	}

	if cfg, err := config.Load(path); err == nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Listen:    %s\n", cfg.Listen)
		fmt.Fprintf(out, "  PublicURL: %s\n", valueOrNA(cfg.PublicURL))
		fmt.Fprintf(out, "  Mode:      %s\n", cfg.Resolver.Mode)
		fmt.Fprintf(out, "  Database:  %s\n", cfg.Database.Driver)
		fmt.Fprintf(out, "  Interval:  %s\n", cfg.Discovery.Interval)

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		fmt.Fprintf(out, "  Health:    %s\n", checkHealth(ctx, healthURL(cfg.Listen)))
	}

	fmt.Fprintf(out, "\nVersion:    %s\n", rootCmd.Version)

	// Exit code 1 if not running (useful for scripts)
	if !running {
		os.Exit(1)
	}
	return nil
}

// healthURL turns a listen address into a loopback /healthz URL.
func healthURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen + "/healthz"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz"
}

func checkHealth(ctx context.Context, url string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "unknown (" + err.Error() + ")"
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "unreachable"
	}
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Devices int    `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Status == "" {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return fmt.Sprintf("%s (%d devices)", body.Status, body.Devices)
}

func boolStatus(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
