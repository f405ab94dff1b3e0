package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/efreitasn/stockmarket/internal/config"
	"github.com/efreitasn/stockmarket/internal/domain"
	"github.com/efreitasn/stockmarket/internal/engine"
	"github.com/efreitasn/stockmarket/internal/handler"
	"github.com/efreitasn/stockmarket/internal/market"
	"github.com/efreitasn/stockmarket/internal/service"
	"github.com/efreitasn/stockmarket/internal/store"
	"github.com/efreitasn/stockmarket/internal/txn"
)

const metricsNamespace = "stockmarket"

var (
	configFile  string
	healthcheck bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "stockmarket",
		Short:         "Simulated stock exchange with two-phase trade commitment",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if healthcheck {
				return checkHealth()
			}
			return run()
		},
	}
	rootCmd.Flags().StringVar(&configFile, "config", "", "path to a config file (yaml, json or toml)")
	rootCmd.Flags().BoolVar(&healthcheck, "healthcheck", false, "run health check against running server")

	if err := rootCmd.Execute(); err != nil {
		slog.Error("exiting", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// checkHealth does an HTTP GET to localhost:PORT/healthz.
func checkHealth() error {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

func run() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	st, err := store.OpenBackend(cfg.DBBackend, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.EnsureClient(domain.MarketClient); err != nil {
		return fmt.Errorf("register market client: %w", err)
	}

	coord, err := txn.NewCoordinator(st, txn.Options{
		LogDir:              cfg.LogDir(),
		VoteTimeout:         cfg.VoteTimeout,
		CommitRetryInterval: cfg.CommitRetryInterval,
		Logger:              logger,
		Metrics:             txn.PrometheusMetrics(metricsNamespace),
	})
	if err != nil {
		return fmt.Errorf("open coordinator: %w", err)
	}
	defer coord.Close()

	// Interrupted transactions are settled before any new order is admitted.
	if err := coord.Recover(context.Background()); err != nil {
		logger.Error("recovery incomplete", slog.String("error", err.Error()))
	}

	var quotes market.Source
	if cfg.QuoteURL != "" {
		quotes = market.NewHTTPSource(cfg.QuoteURL, cfg.QuoteTimeout)
		logger.Info("using quote feed", slog.String("url", cfg.QuoteURL))
	} else {
		quotes = market.NewStaticSource(cfg.StaticQuotes)
		logger.Info("using static quotes", slog.Int("tickers", len(cfg.StaticQuotes)))
	}

	exchange := engine.NewExchange(st, coord, quotes,
		engine.WithLogger(logger),
		engine.WithMetrics(engine.PrometheusMetrics(metricsNamespace)),
	)
	svc := service.NewExchangeService(st, exchange, quotes)

	router := handler.NewRouter(svc, logger, handler.RouterOptions{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Gatherer:       prometheus.DefaultGatherer,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sweeper := engine.NewSweeper(cfg.SweepInterval, exchange)
	sweeper.Start(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		cancel()
		sweeper.Wait()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer drainCancel()
		if werr := exchange.Wait(drainCtx); werr != nil {
			logger.Error("orders still in flight", slog.String("error", werr.Error()))
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Stop accepting requests first; orders already admitted finish
	// matching before the coordinator, store and logs are closed.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	sweeper.Wait()
	// handlers abandoned by a timed out Shutdown may still be matching
	if err := exchange.Wait(shutdownCtx); err != nil {
		logger.Error("orders still in flight", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
	return nil
}
