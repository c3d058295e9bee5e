package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tinkerbelle-io/tb-speakerd/internal/agent"
	"github.com/tinkerbelle-io/tb-speakerd/internal/api"
	"github.com/tinkerbelle-io/tb-speakerd/internal/config"
	"github.com/tinkerbelle-io/tb-speakerd/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

var (
	flagListen    string
	flagPublicURL string
	flagMode      string
	flagInterval  time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub: preset endpoints, operator API and scheduled sync",
	Long: `Run tb-speakerd as a long-lived service.

The service runs two concurrent loops:
  1. HTTP: device-facing preset endpoints, the operator API, /metrics and
     the websocket event feed on /api/events
  2. Sync: discovery + capability probe + inventory sync every interval
     (only at startup with --interval 0)`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "HTTP listen address (env: TBS_LISTEN)")
	serveCmd.Flags().StringVar(&flagPublicURL, "public-url", "", "Base URL speakers use to reach this hub (env: TBS_PUBLIC_URL)")
	serveCmd.Flags().StringVar(&flagMode, "mode", "", "Preset resolution mode: redirect, descriptor, proxy (env: TBS_RESOLVE_MODE)")
	serveCmd.Flags().DurationVar(&flagInterval, "interval", -1, "Sync interval; 0 syncs once at startup only (env: TBS_SYNC_INTERVAL)")
	rootCmd.AddCommand(serveCmd)
}

func applyServeFlags(cfg *config.Config) {
	if flagListen != "" {
		cfg.Listen = flagListen
	}
	if flagPublicURL != "" {
		cfg.PublicURL = flagPublicURL
	}
	if flagMode != "" {
		cfg.Resolver.Mode = flagMode
	}
	if flagInterval >= 0 {
		cfg.Discovery.Interval = flagInterval
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(applyServeFlags)
	if err != nil {
		return err
	}

	metrics.Init()
	a, err := newApp(cfg, appOptions{events: true, discovery: true})
	if err != nil {
		return err
	}
	defer a.close()

	srv := api.NewServer(api.Config{
		Store:    a.store,
		Editor:   a.editor,
		Resolver: a.resolver,
		Runner:   a.runner,
		Catalog:  a.searcher(),
		Hub:      a.hub,
		Version:  rootCmd.Version,
	}, a.log)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.log.Info("tb-speakerd starting",
		"version", rootCmd.Version,
		"listen", cfg.Listen,
		"mode", cfg.Resolver.Mode,
		"db", cfg.Database.Driver,
		"interval", cfg.Discovery.Interval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		loop := agent.NewScanLoop(agent.ScanLoopConfig{Interval: cfg.Discovery.Interval}, func(ctx context.Context) error {
			_, err := a.runner.Run(ctx, false)
			return err
		}, a.log)
		loop.Run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down")
		// websocket connections are hijacked and not drained by Shutdown
		a.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
