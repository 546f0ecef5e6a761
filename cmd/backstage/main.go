package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agauci/orpheum/pkg/audit"
	"github.com/agauci/orpheum/pkg/backstage"
	"github.com/agauci/orpheum/pkg/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configFile  string
	listenAddr  string
	metricsAddr string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "backstage",
	Short: "Cloud broker for guest WiFi authorisation",
	Long: `Backstage is the cloud half of the guest WiFi portal: it serves the
consent pages, holds authorisation requests until a site agent executes
them on the venue gateway, and delivers the outcome back to the waiting
guest.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the broker",
	RunE:  runBroker,
}

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/orpheum/backstage.yaml",
		"Configuration file path")
	runCmd.Flags().StringVar(&listenAddr, "listen-addr", "",
		"HTTP listen address (overrides config)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100",
		"Prometheus metrics listen address")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runBroker(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("Starting backstage broker",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("listen_addr", cfg.ListenAddr),
	)

	repository := backstage.NewAuthRepository(cfg.Repository, logger)
	if err := repository.Start(); err != nil {
		return fmt.Errorf("failed to start authorisation repository: %w", err)
	}

	heartbeats := backstage.NewHeartbeatStore(5*time.Minute, logger)

	renderer, err := backstage.NewHTMLRenderer(logger)
	if err != nil {
		return fmt.Errorf("failed to load page templates: %w", err)
	}

	userData, err := backstage.NewFileUserDataSink(cfg.UserDataPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open user data sink: %w", err)
	}

	auditStorage, err := audit.NewFileStorage(cfg.AuditPath)
	if err != nil {
		return fmt.Errorf("failed to open audit storage: %w", err)
	}
	trail := audit.NewLogger(cfg.Audit, auditStorage, logger)
	if err := trail.Start(); err != nil {
		return fmt.Errorf("failed to start audit trail: %w", err)
	}

	brokerMetrics := metrics.NewBroker(func() float64 {
		return float64(repository.PendingCount())
	})

	server := backstage.NewServer(cfg, repository, heartbeats, renderer, userData, brokerMetrics, trail, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux(brokerMetrics),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting metrics server", zap.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to stop HTTP server", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to stop metrics server", zap.Error(err))
	}
	if err := repository.Stop(); err != nil {
		logger.Warn("Failed to stop authorisation repository", zap.Error(err))
	}
	if err := trail.Stop(); err != nil {
		logger.Warn("Failed to stop audit trail", zap.Error(err))
	}
	if err := userData.Close(); err != nil {
		logger.Warn("Failed to close user data sink", zap.Error(err))
	}

	logger.Info("Backstage broker stopped")
	return nil
}

func metricsMux(m *metrics.Broker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// loadConfig reads the YAML config file and applies explicit flag overrides.
func loadConfig(cmd *cobra.Command, logger *zap.Logger) (backstage.Config, error) {
	cfg := backstage.DefaultConfig()

	if _, err := os.Stat(configFile); err == nil {
		cfg, err = backstage.LoadConfig(configFile)
		if err != nil {
			return cfg, err
		}
		logger.Info("Loaded config file", zap.String("path", configFile))
	} else if !cmd.Flags().Changed("config") {
		logger.Warn("Config file not found, using defaults", zap.String("path", configFile))
	} else {
		return cfg, fmt.Errorf("config file %s not found", configFile)
	}

	if cmd.Flags().Changed("listen-addr") {
		cfg.ListenAddr = listenAddr
	}
	return cfg, nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}
