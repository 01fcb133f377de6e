package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/blockscan-labs/chainfeed/internal/config"
	"github.com/blockscan-labs/chainfeed/internal/logger"
	"github.com/blockscan-labs/chainfeed/internal/metrics"
	"github.com/blockscan-labs/chainfeed/internal/orchestrator"
	abireg "github.com/blockscan-labs/chainfeed/pkg/abi"
	"github.com/blockscan-labs/chainfeed/pkg/listener"
	"github.com/blockscan-labs/chainfeed/pkg/nodeconn"
	"github.com/blockscan-labs/chainfeed/pkg/publish"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		endpoint    = flag.String("node", "", "EVM node WebSocket endpoint URL")
		brokers     = flag.String("brokers", "", "Comma-separated broker addresses")
		exchange    = flag.String("exchange", "", "Routing key prefix for published streams")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
		metricsAddr = flag.String("metrics-addr", "", "Metrics server listen address")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("chainfeed version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	applyFlags(cfg, *endpoint, *brokers, *exchange, *logLevel, *logFormat, *metricsAddr)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("Starting chainfeed",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("node_endpoint", cfg.Node.Endpoint),
		zap.Strings("brokers", cfg.Broker.Brokers),
		zap.String("exchange", cfg.Broker.Exchange),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Metrics server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr, log)
		metricsServer.Start()
	}

	// Broker publisher, shared by all listeners
	pub, err := publish.NewKafkaPublisher(publish.KafkaConfig{
		Brokers:         cfg.Broker.Brokers,
		Exchange:        cfg.Broker.Exchange,
		BatchTimeout:    cfg.Broker.BatchTimeout,
		RetryBackoff:    cfg.Broker.RetryBackoff,
		MaxRetryBackoff: cfg.Broker.MaxRetryBackoff,
	}, log)
	if err != nil {
		log.Fatal("Failed to create publisher", zap.Error(err))
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.Error("Failed to close publisher", zap.Error(err))
		}
	}()

	// ABI registry for event decoding
	registry := abireg.NewRegistry()
	for addr, path := range cfg.Events.ABIs {
		if err := registry.RegisterFile(common.HexToAddress(addr), path); err != nil {
			log.Fatal("Failed to load contract ABI",
				zap.String("address", addr),
				zap.String("path", path),
				zap.Error(err),
			)
		}
	}
	if registry.Len() > 0 {
		log.Info("Loaded contract ABIs", zap.Int("count", registry.Len()))
	}

	// Each listener owns its node connection so one slow stream cannot
	// stall the others.
	runners, conns, err := buildListeners(ctx, cfg, pub, registry, log)
	if err != nil {
		log.Fatal("Failed to connect to node", zap.Error(err))
	}
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()

	orch := orchestrator.New(log, runners...)

	errChan := make(chan error, 1)
	go func() {
		errChan <- orch.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
	}

	log.Info("Shutting down gracefully...")

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			log.Error("Failed to stop metrics server gracefully", zap.Error(err))
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Pipeline stopped with error", zap.Error(runErr))
		log.Info("Chainfeed stopped")
		log.Sync() //nolint:errcheck
		os.Exit(1)
	}

	log.Info("Chainfeed stopped")
}

// buildListeners dials one node connection per enabled listener and wires the
// listener modules.
func buildListeners(
	ctx context.Context,
	cfg *config.Config,
	pub publish.Publisher,
	registry *abireg.Registry,
	log *zap.Logger,
) ([]listener.Runner, []*nodeconn.Conn, error) {
	connCfg := nodeconn.Config{
		Endpoint:    cfg.Node.Endpoint,
		DialTimeout: cfg.Node.DialTimeout,
		Backoff: nodeconn.BackoffConfig{
			Initial: cfg.Node.ReconnectInitialDelay,
			Max:     cfg.Node.ReconnectMaxDelay,
		},
	}

	var (
		runners []listener.Runner
		conns   []*nodeconn.Conn
	)

	dial := func() (*nodeconn.Conn, error) {
		conn, err := nodeconn.Dial(ctx, connCfg, log)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return nil, err
		}
		conns = append(conns, conn)
		return conn, nil
	}

	if cfg.Blocks.Enabled {
		conn, err := dial()
		if err != nil {
			return nil, nil, err
		}
		runners = append(runners, listener.NewBlockListener(conn, pub, listener.BlockConfig{
			HeadBuffer:      cfg.Blocks.HeadBuffer,
			FetchRetries:    cfg.Blocks.FetchRetries,
			FetchRetryDelay: cfg.Blocks.FetchRetryDelay,
			MaxReorgDepth:   cfg.Blocks.MaxReorgDepth,
		}, log))
	}

	if cfg.Transactions.Enabled {
		conn, err := dial()
		if err != nil {
			return nil, nil, err
		}
		runners = append(runners, listener.NewTxIndexer(conn, pub, listener.TxConfig{
			HeadBuffer:        cfg.Transactions.HeadBuffer,
			RequestsPerSecond: cfg.Transactions.RequestsPerSecond,
			Burst:             cfg.Transactions.Burst,
		}, log))
	}

	if cfg.Mempool.Enabled {
		conn, err := dial()
		if err != nil {
			return nil, nil, err
		}
		runners = append(runners, listener.NewMempoolListener(conn, pub, listener.MempoolConfig{
			HashBuffer:       cfg.Mempool.HashBuffer,
			FetchConcurrency: cfg.Mempool.FetchConcurrency,
			MaxTracked:       cfg.Mempool.MaxTracked,
			MaxAge:           cfg.Mempool.MaxAge,
			SweepInterval:    cfg.Mempool.SweepInterval,
		}, log))
	}

	if cfg.Events.Enabled {
		conn, err := dial()
		if err != nil {
			return nil, nil, err
		}
		addresses := make([]common.Address, 0, len(cfg.Events.Addresses))
		for _, addr := range cfg.Events.Addresses {
			addresses = append(addresses, common.HexToAddress(addr))
		}
		runners = append(runners, listener.NewEventListener(conn, pub, registry, listener.EventConfig{
			LogBuffer:   cfg.Events.LogBuffer,
			DedupWindow: cfg.Events.DedupWindow,
			Addresses:   addresses,
		}, log))
	}

	return runners, conns, nil
}

// loadConfig loads configuration from .env, file, and environment variables.
// Validation happens after command-line flags are applied.
func loadConfig(configFile string) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	return config.LoadUnvalidated(configFile)
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyFlags applies command-line flags to configuration
func applyFlags(cfg *config.Config, endpoint, brokers, exchange, logLevel, logFormat, metricsAddr string) {
	if endpoint != "" {
		cfg.Node.Endpoint = endpoint
	}
	if brokers != "" {
		cfg.Broker.Brokers = splitCSV(brokers)
	}
	if exchange != "" {
		cfg.Broker.Exchange = exchange
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = metricsAddr
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
