package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agauci/orpheum/pkg/agent"
	"github.com/agauci/orpheum/pkg/devicecache"
	"github.com/agauci/orpheum/pkg/gateway"
	"github.com/agauci/orpheum/pkg/metrics"
	"github.com/agauci/orpheum/pkg/pool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configFile     string
	siteIdentifier string
	backstageURL   string
	gatewayURL     string
	logLevel       string
)

var rootCmd = &cobra.Command{
	Use:   "unifi-agent",
	Short: "On-site agent for guest WiFi authorisation",
	Long: `The agent runs next to the venue gateway. It polls the cloud broker
for pending guest authorisations, executes them against the gateway
admin API using a pool of admin sessions, and reports the outcome back.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	RunE:  runAgent,
}

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/orpheum/agent.yaml",
		"Configuration file path")
	runCmd.Flags().StringVar(&siteIdentifier, "site-identifier", "",
		"Venue network identifier (overrides config)")
	runCmd.Flags().StringVar(&backstageURL, "backstage-url", "",
		"Cloud broker base URL (overrides config)")
	runCmd.Flags().StringVar(&gatewayURL, "gateway-url", "",
		"Gateway admin API base URL (overrides config)")
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

func runAgent(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("Starting agent",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("site_identifier", cfg.Orchestrator.SiteIdentifier),
	)

	gatewayClient := gateway.NewClient(cfg.Gateway, logger)

	creds := pool.ParseCredentials(cfg.GatewayCredentials)
	if len(creds) == 0 {
		return fmt.Errorf("no usable gateway credentials configured")
	}
	sessions := pool.New(cfg.Pool, creds, gatewayClient, logger)
	if err := sessions.Start(); err != nil {
		return fmt.Errorf("failed to start session pool: %w", err)
	}

	cache := devicecache.New(cfg.DeviceCache, sessions, gatewayClient, logger)
	if err := cache.Start(); err != nil {
		return fmt.Errorf("failed to start device cache: %w", err)
	}

	backstageClient := agent.NewBackstageClient(cfg.Backstage, logger)

	// The in-flight gauge reads through this pointer; scrapes only happen
	// after the orchestrator below is assigned.
	var orchestrator *agent.Orchestrator
	agentMetrics := metrics.NewAgent(
		func() float64 { return float64(orchestrator.InflightCount()) },
		func() float64 { return float64(sessions.Size()) },
		func() float64 { return float64(len(cache.Snapshot())) },
	)

	executor := agent.NewExecutor(sessions, cache, gatewayClient, agentMetrics, logger)
	orchestrator = agent.NewOrchestrator(cfg.Orchestrator, backstageClient, executor, agentMetrics, logger)

	heartbeat := agent.NewHeartbeatService(cfg.Heartbeat, backstageClient, logger)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsListenAddr,
		Handler:           metricsMux(agentMetrics),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting metrics server", zap.String("addr", cfg.MetricsListenAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	if err := orchestrator.Start(); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	if err := heartbeat.Start(); err != nil {
		return fmt.Errorf("failed to start heartbeat service: %w", err)
	}

	capport := agent.NewCapportServer(cfg.Capport, cache, logger)
	capportServer := &http.Server{
		Addr:              cfg.Capport.ListenAddr,
		Handler:           capport.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting captive portal API server", zap.String("addr", cfg.Capport.ListenAddr))
		if err := capportServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Captive portal API server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := capportServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to stop captive portal API server", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to stop metrics server", zap.Error(err))
	}
	if err := heartbeat.Stop(); err != nil {
		logger.Warn("Failed to stop heartbeat service", zap.Error(err))
	}
	if err := orchestrator.Stop(); err != nil {
		logger.Warn("Failed to stop orchestrator", zap.Error(err))
	}
	if err := cache.Stop(); err != nil {
		logger.Warn("Failed to stop device cache", zap.Error(err))
	}
	if err := sessions.Stop(shutdownCtx); err != nil {
		logger.Warn("Failed to stop session pool", zap.Error(err))
	}

	logger.Info("Agent stopped")
	return nil
}

func metricsMux(m *metrics.Agent) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// loadConfig reads the YAML config file and applies explicit flag overrides.
func loadConfig(cmd *cobra.Command, logger *zap.Logger) (agent.Config, error) {
	cfg := agent.DefaultConfig()

	if _, err := os.Stat(configFile); err == nil {
		cfg, err = agent.LoadConfig(configFile)
		if err != nil {
			return cfg, err
		}
		logger.Info("Loaded config file", zap.String("path", configFile))
	} else if !cmd.Flags().Changed("config") {
		logger.Warn("Config file not found, using defaults", zap.String("path", configFile))
	} else {
		return cfg, fmt.Errorf("config file %s not found", configFile)
	}

	if cmd.Flags().Changed("site-identifier") {
		cfg.SiteIdentifier = siteIdentifier
		cfg.DeviceCache.SiteIdentifier = siteIdentifier
		cfg.Orchestrator.SiteIdentifier = siteIdentifier
		cfg.Capport.SiteIdentifier = siteIdentifier
	}
	if cmd.Flags().Changed("backstage-url") {
		cfg.Backstage.BaseURL = backstageURL
	}
	if cmd.Flags().Changed("gateway-url") {
		cfg.Gateway.BaseURL = gatewayURL
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
