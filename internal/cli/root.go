// Package cli provides the command-line interface for the server,
// using a cobra-based App/NewRootCmd wiring pattern.
package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/broker"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/clock"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/config"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/httpapi"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/session"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/store"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/stream"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/trading"
)

// Version information.
const (
	Version   = "0.1.0"
	BuildDate = "2026-01-01"
)

// App holds the server's wired dependencies.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Store    store.SnapshotStore
	Feed     *broker.Client
	Registry *session.Registry
}

// NewRootCmd builds the root command.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{Config: cfg, Logger: logger}

	rootCmd := &cobra.Command{
		Use:           "marketstream",
		Short:         "real-time market-data and alert-evaluation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/marketstream)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addServeCommand(rootCmd, app)
	addVersionCommand(rootCmd)

	return rootCmd
}

func addVersionCommand(root *cobra.Command) {
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("marketstream %s (%s)\n", Version, BuildDate)
			return nil
		},
	})
}

func addServeCommand(root *cobra.Command, app *App) {
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "run the market-data server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), app)
		},
	})
}

// runServe wires every module — the Persistence Adapter, the Upstream
// Feed Client, the Paper Trade Engine, the Session Registry, the
// Downstream Channel Manager, and the HTTP CRUD surface — and serves
// until interrupted.
func runServe(ctx context.Context, app *App) error {
	cfg := app.Config
	logger := app.Logger

	sqliteStore, err := store.NewSQLiteStore(config.DefaultConfigDir() + "/sessions.db")
	if err != nil {
		return err
	}
	app.Store = sqliteStore
	defer sqliteStore.Close()

	realClock, err := clock.NewRealClock(cfg.Trading.MarketTimezone, cfg.Trading.SquareOffStart, cfg.Trading.SquareOffEnd)
	if err != nil {
		return err
	}

	zerodhaFeed := broker.NewZerodhaFeed()
	feedClient := broker.NewClient(zerodhaFeed, broker.ClientConfig{
		ReadDeadline:            cfg.Upstream.ReadDeadline,
		ReconnectBackoffBase:    cfg.Upstream.ReconnectBackoffBase,
		ReconnectBackoffMax:     cfg.Upstream.ReconnectBackoffMax,
		ReconnectBackoffJitter:  cfg.Upstream.ReconnectBackoffJitter,
		SubscriptionBatchWindow: cfg.Upstream.SubscriptionBatchWindow,
		DrainLinger:             30 * time.Second,
		DecodeErrorThreshold:    20,
		SubscribeRateLimit:      cfg.Upstream.SubscribeRateLimit,
	}, logger)
	app.Feed = feedClient

	paperEngine := trading.NewEngine(trading.Config{
		PerTradeCap:    cfg.Trading.PerTradeCap,
		AllowAveraging: cfg.Trading.AllowAveraging,
		AutoSquareOff:  cfg.Trading.AutoSquareOff,
	})

	registry := session.NewRegistry(session.Config{
		TTLWarm:          cfg.Session.TTLWarm,
		TTLCold:          cfg.Session.TTLCold,
		CommandQueueSize: cfg.Session.CommandQueue,
	}, realClock, sqliteStore, feedClient, paperEngine, logger)
	app.Registry = registry

	writeBehind := store.NewWriteBehindAdapter(sqliteStore, registry, cfg.Session.PersistenceFlushInterval, logger)
	registry.SetWriteBehind(writeBehind)

	feedCtx, cancelFeed := context.WithCancel(ctx)
	defer cancelFeed()
	go feedClient.Run(feedCtx)

	writeBehind.Start(feedCtx)
	defer writeBehind.Stop()

	mux := http.NewServeMux()
	httpapi.NewServer(registry, logger).Routes(mux)
	channelManager := stream.NewManager(registry, stream.ChannelConfig{
		SendQueue:      cfg.Server.ChannelSendQueue,
		SendDeadline:   cfg.Server.ChannelSendDeadline,
		HeartbeatEvery: cfg.Server.HeartbeatInterval,
		ReadDeadline:   cfg.Upstream.ReadDeadline,
	}, logger)
	mux.HandleFunc("GET /stream/{session_id}", channelManager.ServeHTTP)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	sweepTicker := time.NewTicker(cfg.Session.TTLWarm)
	defer sweepTicker.Stop()
	go func() {
		for {
			select {
			case <-feedCtx.Done():
				return
			case <-sweepTicker.C:
				registry.Sweep(feedCtx)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigCh:
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	return nil
}
