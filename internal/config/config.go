package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the chainfeed pipeline
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Broker       BrokerConfig       `yaml:"broker"`
	Log          LogConfig          `yaml:"log"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Blocks       BlocksConfig       `yaml:"blocks"`
	Transactions TransactionsConfig `yaml:"transactions"`
	Mempool      MempoolConfig      `yaml:"mempool"`
	Events       EventsConfig       `yaml:"events"`
}

// NodeConfig holds EVM node connection configuration
type NodeConfig struct {
	// Endpoint is the node's WebSocket JSON-RPC URL
	Endpoint string `yaml:"endpoint"`
	// DialTimeout bounds a single connection attempt
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// ReconnectInitialDelay is the first reconnect backoff step
	ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
	// ReconnectMaxDelay caps the reconnect backoff
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
}

// BrokerConfig holds message broker configuration
type BrokerConfig struct {
	// Brokers is the list of broker addresses
	Brokers []string `yaml:"brokers"`
	// Exchange is the routing key prefix shared by all published streams
	Exchange string `yaml:"exchange"`
	// BatchTimeout is how long the writer may hold a message before flushing
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	// RetryBackoff is the first publish retry delay
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// MaxRetryBackoff caps the publish retry delay
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// BlocksConfig holds block listener configuration
type BlocksConfig struct {
	Enabled         bool          `yaml:"enabled"`
	HeadBuffer      int           `yaml:"head_buffer"`
	FetchRetries    int           `yaml:"fetch_retries"`
	FetchRetryDelay time.Duration `yaml:"fetch_retry_delay"`
	MaxReorgDepth   int           `yaml:"max_reorg_depth"`
}

// TransactionsConfig holds transaction indexer configuration
type TransactionsConfig struct {
	Enabled           bool    `yaml:"enabled"`
	HeadBuffer        int     `yaml:"head_buffer"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// MempoolConfig holds mempool listener configuration
type MempoolConfig struct {
	Enabled          bool          `yaml:"enabled"`
	HashBuffer       int           `yaml:"hash_buffer"`
	FetchConcurrency int64         `yaml:"fetch_concurrency"`
	MaxTracked       int           `yaml:"max_tracked"`
	MaxAge           time.Duration `yaml:"max_age"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// EventsConfig holds event listener configuration
type EventsConfig struct {
	Enabled     bool     `yaml:"enabled"`
	LogBuffer   int      `yaml:"log_buffer"`
	DedupWindow int      `yaml:"dedup_window"`
	Addresses   []string `yaml:"addresses"`
	// ABIs maps contract address to the path of its ABI JSON file
	ABIs map[string]string `yaml:"abis"`
}

// NewConfig creates a new Config with default values. All listeners start
// enabled; file or environment settings can switch individual ones off.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.Blocks.Enabled = true
	cfg.Transactions.Enabled = true
	cfg.Mempool.Enabled = true
	cfg.Events.Enabled = true
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.Node.DialTimeout == 0 {
		c.Node.DialTimeout = 15 * time.Second
	}
	if c.Node.ReconnectInitialDelay == 0 {
		c.Node.ReconnectInitialDelay = time.Second
	}
	if c.Node.ReconnectMaxDelay == 0 {
		c.Node.ReconnectMaxDelay = time.Minute
	}

	if c.Broker.BatchTimeout == 0 {
		c.Broker.BatchTimeout = 10 * time.Millisecond
	}
	if c.Broker.RetryBackoff == 0 {
		c.Broker.RetryBackoff = time.Second
	}
	if c.Broker.MaxRetryBackoff == 0 {
		c.Broker.MaxRetryBackoff = 30 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}

	if c.Blocks.HeadBuffer == 0 {
		c.Blocks.HeadBuffer = 64
	}
	if c.Blocks.FetchRetries == 0 {
		c.Blocks.FetchRetries = 3
	}
	if c.Blocks.FetchRetryDelay == 0 {
		c.Blocks.FetchRetryDelay = 2 * time.Second
	}
	if c.Blocks.MaxReorgDepth == 0 {
		c.Blocks.MaxReorgDepth = 64
	}

	if c.Transactions.HeadBuffer == 0 {
		c.Transactions.HeadBuffer = 64
	}
	if c.Transactions.Burst == 0 {
		c.Transactions.Burst = 4
	}

	if c.Mempool.HashBuffer == 0 {
		c.Mempool.HashBuffer = 1024
	}
	if c.Mempool.FetchConcurrency == 0 {
		c.Mempool.FetchConcurrency = 16
	}
	if c.Mempool.MaxTracked == 0 {
		c.Mempool.MaxTracked = 10000
	}
	if c.Mempool.MaxAge == 0 {
		c.Mempool.MaxAge = 10 * time.Minute
	}
	if c.Mempool.SweepInterval == 0 {
		c.Mempool.SweepInterval = 30 * time.Second
	}

	if c.Events.LogBuffer == 0 {
		c.Events.LogBuffer = 256
	}
	if c.Events.DedupWindow == 0 {
		c.Events.DedupWindow = 4096
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over file configuration.
func (c *Config) LoadFromEnv() error {
	if endpoint := os.Getenv("CHAINFEED_NODE_ENDPOINT"); endpoint != "" {
		c.Node.Endpoint = endpoint
	}
	if timeout := os.Getenv("CHAINFEED_NODE_DIAL_TIMEOUT"); timeout != "" {
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid CHAINFEED_NODE_DIAL_TIMEOUT: %w", err)
		}
		c.Node.DialTimeout = duration
	}

	if brokers := os.Getenv("CHAINFEED_BROKER_URL"); brokers != "" {
		addrs := make([]string, 0)
		for _, addr := range strings.Split(brokers, ",") {
			addr = strings.TrimSpace(addr)
			if addr != "" {
				addrs = append(addrs, addr)
			}
		}
		c.Broker.Brokers = addrs
	}
	if exchange := os.Getenv("CHAINFEED_BROKER_EXCHANGE"); exchange != "" {
		c.Broker.Exchange = exchange
	}

	if level := os.Getenv("CHAINFEED_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("CHAINFEED_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	if enabled := os.Getenv("CHAINFEED_METRICS_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid CHAINFEED_METRICS_ENABLED: %w", err)
		}
		c.Metrics.Enabled = val
	}
	if addr := os.Getenv("CHAINFEED_METRICS_ADDR"); addr != "" {
		c.Metrics.Addr = addr
	}

	if enabled := os.Getenv("CHAINFEED_BLOCKS_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid CHAINFEED_BLOCKS_ENABLED: %w", err)
		}
		c.Blocks.Enabled = val
	}
	if depth := os.Getenv("CHAINFEED_BLOCKS_MAX_REORG_DEPTH"); depth != "" {
		val, err := strconv.Atoi(depth)
		if err != nil {
			return fmt.Errorf("invalid CHAINFEED_BLOCKS_MAX_REORG_DEPTH: %w", err)
		}
		c.Blocks.MaxReorgDepth = val
	}

	if enabled := os.Getenv("CHAINFEED_TRANSACTIONS_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid CHAINFEED_TRANSACTIONS_ENABLED: %w", err)
		}
		c.Transactions.Enabled = val
	}
	if rps := os.Getenv("CHAINFEED_TRANSACTIONS_RPS"); rps != "" {
		val, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return fmt.Errorf("invalid CHAINFEED_TRANSACTIONS_RPS: %w", err)
		}
		c.Transactions.RequestsPerSecond = val
	}

	if enabled := os.Getenv("CHAINFEED_MEMPOOL_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid CHAINFEED_MEMPOOL_ENABLED: %w", err)
		}
		c.Mempool.Enabled = val
	}
	if maxAge := os.Getenv("CHAINFEED_MEMPOOL_MAX_AGE"); maxAge != "" {
		duration, err := time.ParseDuration(maxAge)
		if err != nil {
			return fmt.Errorf("invalid CHAINFEED_MEMPOOL_MAX_AGE: %w", err)
		}
		c.Mempool.MaxAge = duration
	}

	if enabled := os.Getenv("CHAINFEED_EVENTS_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid CHAINFEED_EVENTS_ENABLED: %w", err)
		}
		c.Events.Enabled = val
	}
	if addresses := os.Getenv("CHAINFEED_EVENTS_ADDRESSES"); addresses != "" {
		addrs := make([]string, 0)
		for _, addr := range strings.Split(addresses, ",") {
			addr = strings.TrimSpace(addr)
			if addr != "" {
				addrs = append(addrs, addr)
			}
		}
		c.Events.Addresses = addrs
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.Endpoint == "" {
		return fmt.Errorf("node endpoint is required (CHAINFEED_NODE_ENDPOINT)")
	}
	if c.Node.DialTimeout <= 0 {
		return fmt.Errorf("node dial timeout must be positive")
	}

	if len(c.Broker.Brokers) == 0 {
		return fmt.Errorf("broker addresses are required (CHAINFEED_BROKER_URL)")
	}
	if c.Broker.Exchange == "" {
		return fmt.Errorf("broker exchange is required (CHAINFEED_BROKER_EXCHANGE)")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	if !c.Blocks.Enabled && !c.Transactions.Enabled && !c.Mempool.Enabled && !c.Events.Enabled {
		return fmt.Errorf("at least one listener must be enabled")
	}

	if c.Blocks.MaxReorgDepth <= 0 {
		return fmt.Errorf("max reorg depth must be positive")
	}
	if c.Mempool.MaxTracked <= 0 {
		return fmt.Errorf("mempool max tracked must be positive")
	}
	if c.Mempool.MaxAge <= 0 {
		return fmt.Errorf("mempool max age must be positive")
	}

	for addr, path := range c.Events.ABIs {
		if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
			return fmt.Errorf("invalid contract address %q in events abis", addr)
		}
		if path == "" {
			return fmt.Errorf("empty ABI path for contract %s", addr)
		}
	}

	return nil
}

// LoadUnvalidated layers configuration in the following order without
// validating the result:
// 1. Set defaults
// 2. Load from file (if provided)
// 3. Load from environment variables (override file)
// Callers that apply further overrides, such as command-line flags, validate
// afterwards.
func LoadUnvalidated(configFile string) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.SetDefaults()
	return cfg, nil
}

// Load layers configuration like LoadUnvalidated and then validates it.
func Load(configFile string) (*Config, error) {
	cfg, err := LoadUnvalidated(configFile)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
