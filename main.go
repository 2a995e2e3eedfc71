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

	"github.com/lioneltay/claude-pilot/application/gateway"
	"github.com/lioneltay/claude-pilot/application/transform"
	domainauth "github.com/lioneltay/claude-pilot/domain/auth"
	"github.com/lioneltay/claude-pilot/domain/routing"
	"github.com/lioneltay/claude-pilot/infrastructure/auth"
	"github.com/lioneltay/claude-pilot/infrastructure/backend"
	infrapersistence "github.com/lioneltay/claude-pilot/infrastructure/persistence"
	"github.com/lioneltay/claude-pilot/infrastructure/search"
	httpiface "github.com/lioneltay/claude-pilot/interfaces/http"
	"github.com/lioneltay/claude-pilot/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "claude-pilot",
	Short: "Anthropic Messages gateway in front of a chat-completions backend",
	Long: `claude-pilot accepts Anthropic Messages API requests, classifies who
initiated each turn, forwards them to an OpenAI-style chat-completions backend
and streams the answer back as Anthropic content-block events.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadYAML(configPath)
		if err != nil {
			return err
		}
		configureLogging(cfg.Logging)
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default: ./config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("claude-pilot exited")
		os.Exit(1)
	}
}

func configureLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logrus.SetReportCaller(cfg.ReportCaller)
}

func tokenProvider(cfg config.BackendConfig) domainauth.TokenProvider {
	if cfg.TokenURL != "" {
		return auth.NewExchangeTokenProvider(cfg.TokenURL, cfg.APIKey)
	}
	return auth.NewStaticTokenProvider(cfg.APIKey)
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logrus.WithFields(logrus.Fields{
		"port":               cfg.Server.Port,
		"host":               cfg.Server.Host,
		"backend":            cfg.Backend.BaseURL,
		"utility_model":      cfg.Backend.UtilityModel,
		"stub_suggestions":   cfg.Routing.StubSuggestions,
		"search_enabled":     cfg.Search.Enabled,
		"enable_persistence": cfg.Database.EnablePersistence,
	}).Info("Starting claude-pilot")

	baseProvider := backend.NewProvider(backend.ProviderConfig{
		BaseURL:         cfg.Backend.BaseURL,
		InitiatorHeader: cfg.Backend.InitiatorHeader,
		RequestTimeout:  cfg.Backend.Timeout,
		MaxRetries:      cfg.Backend.MaxRetries,
	}, tokenProvider(cfg.Backend))

	// Wrap with circuit breaker for resilience
	circuitBreakerConfig := backend.CircuitBreakerConfig{
		Enabled:          cfg.CircuitBreaker.Enabled,
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
		MaxRequests:      cfg.CircuitBreaker.MaxRequests,
	}
	provider := backend.NewCircuitBreakerProvider(baseProvider, baseProvider, circuitBreakerConfig)

	logrus.WithFields(logrus.Fields{
		"enabled":           circuitBreakerConfig.Enabled,
		"failure_threshold": circuitBreakerConfig.FailureThreshold,
		"timeout":           circuitBreakerConfig.Timeout,
	}).Info("Circuit breaker configured")

	sentinels, err := cfg.Sentinels()
	if err != nil {
		return fmt.Errorf("invalid routing sentinels: %w", err)
	}
	classifier := routing.NewClassifier(sentinels)
	transformer := transform.NewRequestTransformer(
		transform.NewModelMap(cfg.Backend.ModelFamilies),
		transform.WithUtilityModel(cfg.Backend.UtilityModel),
	)

	opts := []gateway.Option{gateway.WithStubSuggestions(cfg.Routing.StubSuggestions)}

	if cfg.Search.Enabled {
		helper, err := search.NewCommandHelper(search.Config{
			Command:       cfg.Search.Command,
			Timeout:       cfg.Search.Timeout,
			RatePerMinute: cfg.Search.RatePerMinute,
			CacheSize:     cfg.Search.CacheSize,
		})
		if err != nil {
			return fmt.Errorf("failed to configure search helper: %w", err)
		}
		opts = append(opts, gateway.WithSearchHelper(helper))
		logrus.WithField("command", cfg.Search.Command[0]).Info("Search helper enabled")
	}

	var router *httpiface.Router
	var dbManager *infrapersistence.DatabaseManager
	var eventProcessor *infrapersistence.EventProcessor

	if cfg.Database.EnablePersistence {
		dbManager = infrapersistence.NewDatabaseManager()

		if err := dbManager.Connect(ctx, cfg.Database.Driver, cfg.GetDatabaseDSN()); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		if err := dbManager.Migrate(); err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}

		requestRepo, metricsRepo := dbManager.GetRepositories()

		eventProcessor = infrapersistence.NewEventProcessor(
			requestRepo,
			metricsRepo,
			cfg.Database.Workers,
			cfg.Database.BufferSize,
		)

		if err := eventProcessor.Start(ctx); err != nil {
			return fmt.Errorf("failed to start event processor: %w", err)
		}

		tracker := infrapersistence.NewRequestTracker(eventProcessor)
		opts = append(opts, gateway.WithTracker(tracker))

		service := gateway.NewService(classifier, transformer, provider, provider, opts...)
		router = httpiface.NewRouterWithPersistence(service, cfg.Server.CorsOrigins, metricsRepo, requestRepo, dbManager, eventProcessor)

		logrus.WithField("driver", cfg.Database.Driver).Info("Persistence layer initialized successfully")
	} else {
		service := gateway.NewService(classifier, transformer, provider, provider, opts...)
		router = httpiface.NewRouter(service, cfg.Server.CorsOrigins)

		logrus.Info("Running without persistence layer")
	}

	ginRouter := router.WithCircuitMonitor(provider).SetupRoutes()

	address := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	// No WriteTimeout: streamed answers can run for minutes.
	server := &http.Server{
		Addr:              address,
		Handler:           ginRouter,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logrus.WithField("address", address).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-c:
		logrus.Info("Shutting down server...")
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	} else {
		logrus.Info("Server shutdown complete")
	}

	if cfg.Database.EnablePersistence {
		logrus.Info("Shutting down persistence layer...")

		if eventProcessor != nil {
			if err := eventProcessor.Stop(); err != nil {
				logrus.WithError(err).Error("Failed to stop event processor")
			}
		}

		if dbManager != nil {
			if err := dbManager.Close(); err != nil {
				logrus.WithError(err).Error("Failed to close database connection")
			}
		}

		logrus.Info("Persistence layer shutdown complete")
	}

	return runErr
}
