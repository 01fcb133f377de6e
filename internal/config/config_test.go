package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := NewConfig()
	cfg.Node.Endpoint = "ws://localhost:8546"
	cfg.Broker.Brokers = []string{"localhost:9092"}
	cfg.Broker.Exchange = "chainfeed"
	return cfg
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 15*time.Second, cfg.Node.DialTimeout)
	assert.Equal(t, time.Minute, cfg.Node.ReconnectMaxDelay)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, 64, cfg.Blocks.MaxReorgDepth)
	assert.Equal(t, 10*time.Minute, cfg.Mempool.MaxAge)
	assert.Equal(t, 4096, cfg.Events.DedupWindow)

	assert.True(t, cfg.Blocks.Enabled)
	assert.True(t, cfg.Transactions.Enabled)
	assert.True(t, cfg.Mempool.Enabled)
	assert.True(t, cfg.Events.Enabled)
}

func TestValidate_Required(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "missing endpoint",
			mutate: func(c *Config) { c.Node.Endpoint = "" },
			errMsg: "node endpoint",
		},
		{
			name:   "missing brokers",
			mutate: func(c *Config) { c.Broker.Brokers = nil },
			errMsg: "broker addresses",
		},
		{
			name:   "missing exchange",
			mutate: func(c *Config) { c.Broker.Exchange = "" },
			errMsg: "broker exchange",
		},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Log.Level = "verbose" },
			errMsg: "log level",
		},
		{
			name:   "bad log format",
			mutate: func(c *Config) { c.Log.Format = "xml" },
			errMsg: "log format",
		},
		{
			name: "all listeners disabled",
			mutate: func(c *Config) {
				c.Blocks.Enabled = false
				c.Transactions.Enabled = false
				c.Mempool.Enabled = false
				c.Events.Enabled = false
			},
			errMsg: "at least one listener",
		},
		{
			name:   "bad abi address",
			mutate: func(c *Config) { c.Events.ABIs = map[string]string{"nothex": "a.json"} },
			errMsg: "contract address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_OK(t *testing.T) {
	cfg := validConfig()
	cfg.Events.ABIs = map[string]string{
		"0x1111111111111111111111111111111111111111": "erc20.json",
	}
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CHAINFEED_NODE_ENDPOINT", "ws://node:8546")
	t.Setenv("CHAINFEED_BROKER_URL", "kafka-1:9092, kafka-2:9092")
	t.Setenv("CHAINFEED_BROKER_EXCHANGE", "mainnet")
	t.Setenv("CHAINFEED_LOG_LEVEL", "debug")
	t.Setenv("CHAINFEED_BLOCKS_MAX_REORG_DEPTH", "128")
	t.Setenv("CHAINFEED_MEMPOOL_MAX_AGE", "5m")
	t.Setenv("CHAINFEED_EVENTS_ENABLED", "false")

	cfg := NewConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "ws://node:8546", cfg.Node.Endpoint)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Broker.Brokers)
	assert.Equal(t, "mainnet", cfg.Broker.Exchange)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 128, cfg.Blocks.MaxReorgDepth)
	assert.Equal(t, 5*time.Minute, cfg.Mempool.MaxAge)
	assert.False(t, cfg.Events.Enabled)
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	t.Setenv("CHAINFEED_BLOCKS_MAX_REORG_DEPTH", "deep")

	cfg := NewConfig()
	assert.Error(t, cfg.LoadFromEnv())
}

func TestLoadFromFile(t *testing.T) {
	yaml := `
node:
  endpoint: ws://filehost:8546
broker:
  brokers:
    - broker-a:9092
  exchange: testnet
mempool:
  max_tracked: 500
events:
  abis:
    "0x1111111111111111111111111111111111111111": /etc/chainfeed/erc20.json
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg := NewConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "ws://filehost:8546", cfg.Node.Endpoint)
	assert.Equal(t, []string{"broker-a:9092"}, cfg.Broker.Brokers)
	assert.Equal(t, "testnet", cfg.Broker.Exchange)
	assert.Equal(t, 500, cfg.Mempool.MaxTracked)
	assert.Equal(t, "/etc/chainfeed/erc20.json",
		cfg.Events.ABIs["0x1111111111111111111111111111111111111111"])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	yaml := `
node:
  endpoint: ws://filehost:8546
broker:
  brokers:
    - broker-a:9092
  exchange: testnet
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("CHAINFEED_NODE_ENDPOINT", "ws://envhost:8546")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://envhost:8546", cfg.Node.Endpoint)
	assert.Equal(t, "testnet", cfg.Broker.Exchange)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("CHAINFEED_NODE_ENDPOINT", "")
	t.Setenv("CHAINFEED_BROKER_URL", "")
	t.Setenv("CHAINFEED_BROKER_EXCHANGE", "")

	cfg, err := Load("")
	assert.Nil(t, cfg)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	assert.Nil(t, cfg)
	assert.Error(t, err)
}

func TestLoadUnvalidated_DefersValidation(t *testing.T) {
	t.Setenv("CHAINFEED_NODE_ENDPOINT", "")
	t.Setenv("CHAINFEED_BROKER_URL", "")
	t.Setenv("CHAINFEED_BROKER_EXCHANGE", "")

	// Required fields may still arrive from command-line flags; layering
	// succeeds and only Validate rejects the incomplete result.
	cfg, err := LoadUnvalidated("")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Error(t, cfg.Validate())

	cfg.Node.Endpoint = "ws://localhost:8546"
	cfg.Broker.Brokers = []string{"localhost:9092"}
	cfg.Broker.Exchange = "chainfeed"
	assert.NoError(t, cfg.Validate())
}
