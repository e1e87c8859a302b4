package config

import (
	"time"

	redisclient "github.com/vietddude/paywatcher/internal/infra/redis"
	"github.com/vietddude/paywatcher/internal/infra/storage/postgres"
)

// Reader kinds.
const (
	ReaderExplorer = "explorer"
	ReaderEVM      = "evm"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	ServiceID string          `yaml:"service_id"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Database  postgres.Config `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Chain     ChainConfig     `yaml:"chain"`
	Scanner   ScannerConfig   `yaml:"scanner"`
}

// ServerConfig holds the health/metrics listener settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 disables gRPC health
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text (plain console), empty for coloured console
}

// RedisConfig enables the scanner lease when URL is set.
type RedisConfig struct {
	redisclient.Config `yaml:",inline"`
	LeaseTTL           time.Duration `yaml:"lease_ttl"`
}

// ChainConfig selects and configures the chain reader.
type ChainConfig struct {
	Reader         string        `yaml:"reader"` // explorer | evm
	APIURL         string        `yaml:"api_url"`
	APIKey         string        `yaml:"api_key"`
	ChainID        string        `yaml:"chain_id"`
	RPCURL         string        `yaml:"rpc_url"`
	TokenContract  string        `yaml:"token_contract"`
	TokenDecimals  *int32        `yaml:"token_decimals"` // nil means 18
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxTransfers   int           `yaml:"max_transfers"`
	MaxPages       int           `yaml:"max_pages"`
	RangeBlocks    uint64        `yaml:"range_blocks"` // evm only
}

// Decimals returns the token precision, 18 when token_decimals is absent.
func (c ChainConfig) Decimals() int32 {
	if c.TokenDecimals == nil {
		return 18
	}
	return *c.TokenDecimals
}

// ScannerConfig tunes the polling loop.
type ScannerConfig struct {
	PollInterval         time.Duration `yaml:"poll_interval"`
	WarmStartDepth       uint64        `yaml:"warm_start_depth"`
	RecencyGrace         time.Duration `yaml:"recency_grace"`
	DefaultConfirmations uint64        `yaml:"default_confirmations"`
	Workers              int           `yaml:"workers"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	MaxWindowBlocks      uint64        `yaml:"max_window_blocks"` // 0 = unbounded
	CycleTimeout         time.Duration `yaml:"cycle_timeout"`     // 0 = 10 poll intervals
}
