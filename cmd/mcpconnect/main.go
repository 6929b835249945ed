package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mcpconnect/mcpconnect-go/internal/config"
	"github.com/mcpconnect/mcpconnect-go/internal/httpapi"
	"github.com/mcpconnect/mcpconnect-go/internal/logs"
	"github.com/mcpconnect/mcpconnect-go/internal/oauth"
	"github.com/mcpconnect/mcpconnect-go/internal/registry"
	"github.com/mcpconnect/mcpconnect-go/internal/scheduler"
	"github.com/mcpconnect/mcpconnect-go/internal/storage"
)

var (
	configFile string
	dataDir    string
	listen     string
	logLevel   string
	logToFile  bool
	logDir     string

	version = "v0.1.0" // injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mcpconnect",
		Short:   "MCP Connect - OAuth-aware connection manager for remote Model Context Protocol servers",
		Version: version,
		RunE:    runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcpconnect)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Listen address for the control API")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", true, "Enable logging to file in the data directory")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path")

	rootCmd.AddCommand(GetAuthCommand())
	rootCmd.AddCommand(GetServersCommand())
	rootCmd.AddCommand(GetCallCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig applies the persistent command line flags on top of the config file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if cfg.Logging == nil {
		cfg.Logging = logs.DefaultLogConfig()
	}
	cfg.Logging.Level = logLevel
	cfg.Logging.EnableFile = logToFile
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting mcpconnect",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.Int("servers_count", len(cfg.Servers)))

	store, err := storage.NewBoltDB(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	httpClient := &http.Client{Timeout: 30 * time.Second}

	// The scheduler's wake handler routes into the registry. The registry is
	// built after the scheduler, so the handler closes over the variable; the
	// scheduler does not fire before Start, which runs after wiring finishes.
	var reg *registry.Registry
	sched := scheduler.New(store, logger, func(name, payload string) {
		if reg != nil {
			reg.HandleWake(name, payload)
		}
	})

	tokens := oauth.NewTokenManager(httpClient, store, sched, logger)
	flow := oauth.NewFlow(httpClient, store, logger, nil)
	reg = registry.New(cfg, store, tokens, flow, httpClient, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start wake timers: %w", err)
	}
	defer sched.Stop()

	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server registry: %w", err)
	}
	defer reg.Stop()

	api := httpapi.NewServer(reg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Start(gctx, cfg.Listen)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("control API failed: %w", err)
	}

	logger.Info("Shutdown complete")
	return nil
}
