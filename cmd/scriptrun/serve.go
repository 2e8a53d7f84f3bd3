package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"scriptrun/internal/auth"
	"scriptrun/internal/catalog"
	"scriptrun/internal/config"
	"scriptrun/internal/logging"
	"scriptrun/internal/metrics"
	"scriptrun/internal/realtime"
	"scriptrun/internal/session"
)

const shutdownTimeout = 10 * time.Second

var (
	servePort       int
	serveScriptsDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve scripts over HTTP",
	Long: `Serve the scripts directory over HTTP.

Configuration is read from SCRIPTRUN_* environment variables; flags override
the matching variables.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides SCRIPTRUN_PORT)")
	serveCmd.Flags().StringVar(&serveScriptsDir, "scripts-dir", "", "scripts directory (overrides SCRIPTRUN_SCRIPTS_DIR)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}
	if cmd.Flags().Changed("scripts-dir") {
		cfg.ScriptsDir = serveScriptsDir
	}
	if debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	resolver, err := catalog.NewResolver(cfg.ScriptsDir, cfg.Extensions)
	if err != nil {
		return fmt.Errorf("scripts directory: %w", err)
	}

	collector := metrics.New()
	cat := catalog.New(resolver, collector.SetScripts)
	if err := cat.Start(); err != nil {
		return fmt.Errorf("watch scripts: %w", err)
	}
	defer cat.Shutdown()

	registry := session.NewRegistry(cfg.MaxSessions)
	registry.SetObserver(collector)
	defer registry.Shutdown()

	engine := session.NewEngine(registry, engineOptions(cfg))
	guard := auth.NewGuard(cfg.SecureCookies)

	sweeper, err := newSweeper(cfg, registry, guard, collector)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer func() { <-sweeper.Stop().Done() }()

	rtServer := realtime.New(engine, cat, guard, realtime.Options{
		StaticDir:     cfg.StaticDir,
		DrainInterval: cfg.DrainInterval,
		Metrics:       collector.Handler(),
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: rtServer.Handler(),
	}

	// Graceful shutdown on signals.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Addr()).
			Str("scripts", resolver.Root()).
			Str("interpreter", cfg.Interpreter).
			Msg("scriptrun server running")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	// Streams end once their sessions are gone.
	rtServer.Shutdown()
	registry.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("forcing connections closed")
		httpServer.Close()
	}
	return nil
}

func engineOptions(cfg config.Settings) session.Options {
	return session.Options{
		Interpreter:       cfg.Interpreter,
		InactivityTimeout: cfg.InactivityTimeout,
		PollInterval:      cfg.PollInterval,
		ReadChunk:         cfg.ReadChunk,
	}
}

// newSweeper schedules the idle session sweep and token pruning.
func newSweeper(cfg config.Settings, registry *session.Registry, guard *auth.Guard, collector *metrics.Collector) (*cron.Cron, error) {
	logger := logging.Component("sweeper")
	c := cron.New()
	_, err := c.AddFunc(cfg.SweepSchedule, func() {
		removed := registry.Sweep(cfg.SweepMaxAge)
		collector.Swept(removed)
		pruned := guard.Prune(cfg.TokenMaxAge)
		logger.Debug().Int("sessions", removed).Int("tokens", pruned).Msg("sweep finished")
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	return c, nil
}
