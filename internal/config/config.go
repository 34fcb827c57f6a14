package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Env    string `mapstructure:"env"`
	Ledger LedgerConfig
	Oracle OracleConfig
	API    APIConfig
	Redis  RedisConfig
	Mock   MockConfig
}

// LedgerConfig holds connection and contract settings for the on-chain CLOB.
type LedgerConfig struct {
	RPCURL       string `mapstructure:"rpc_url"`
	ChainID      int64  `mapstructure:"chain_id"`
	CLOBAddress  string `mapstructure:"clob_address"`
	BaseToken    string `mapstructure:"base_token"`
	QuoteToken   string `mapstructure:"quote_token"`
	CallFrom     string `mapstructure:"call_from"`     // fallback caller identity for reads
	PrivateKey   string `mapstructure:"private_key"`   // hex, optional; absent = read-only mode
	PollMs       int    `mapstructure:"poll_ms"`       // order book poll interval
	FillPollMs   int    `mapstructure:"fill_poll_ms"`  // fill history poll interval
	FillLookback uint64 `mapstructure:"fill_lookback"` // blocks scanned per fill poll
}

// PollInterval returns the order book poll interval.
func (c LedgerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollMs) * time.Millisecond
}

// FillPollInterval returns the fill history poll interval.
func (c LedgerConfig) FillPollInterval() time.Duration {
	return time.Duration(c.FillPollMs) * time.Millisecond
}

// OracleConfig holds Pyth Hermes endpoint settings.
type OracleConfig struct {
	HermesURL string `mapstructure:"hermes_url"`
	FeedID    string `mapstructure:"feed_id"`
}

// APIConfig holds settings for the HTTP API surface.
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

// RedisConfig holds Redis connection settings for snapshot publishing.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MockConfig holds settings for the local mock book server.
type MockConfig struct {
	Addr     string `mapstructure:"addr"`
	DataFile string `mapstructure:"data_file"`
}

// Load reads configuration from environment variables prefixed with DOBBY_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DOBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")

	// Ledger defaults (Arcology testnet, chain 118)
	v.SetDefault("ledger.rpc_url", "http://localhost:8545")
	v.SetDefault("ledger.chain_id", 118)
	v.SetDefault("ledger.poll_ms", 5000)
	v.SetDefault("ledger.fill_poll_ms", 4000)
	v.SetDefault("ledger.fill_lookback", 5000)

	// Oracle defaults
	v.SetDefault("oracle.hermes_url", "https://hermes.pyth.network")

	// API defaults
	v.SetDefault("api.addr", ":8080")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Mock book defaults
	v.SetDefault("mock.addr", ":8090")
	v.SetDefault("mock.data_file", "data/mock-orders.json")

	cfg := &Config{}

	cfg.Env = v.GetString("env")

	cfg.Ledger = LedgerConfig{
		RPCURL:       v.GetString("ledger.rpc_url"),
		ChainID:      v.GetInt64("ledger.chain_id"),
		CLOBAddress:  v.GetString("ledger.clob_address"),
		BaseToken:    v.GetString("ledger.base_token"),
		QuoteToken:   v.GetString("ledger.quote_token"),
		CallFrom:     v.GetString("ledger.call_from"),
		PrivateKey:   v.GetString("ledger.private_key"),
		PollMs:       v.GetInt("ledger.poll_ms"),
		FillPollMs:   v.GetInt("ledger.fill_poll_ms"),
		FillLookback: v.GetUint64("ledger.fill_lookback"),
	}

	cfg.Oracle = OracleConfig{
		HermesURL: v.GetString("oracle.hermes_url"),
		FeedID:    v.GetString("oracle.feed_id"),
	}

	cfg.API = APIConfig{
		Addr: v.GetString("api.addr"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Mock = MockConfig{
		Addr:     v.GetString("mock.addr"),
		DataFile: v.GetString("mock.data_file"),
	}

	return cfg, nil
}
