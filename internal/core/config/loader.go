package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// ErrInvalidConfig is returned when required settings are missing or malformed.
var ErrInvalidConfig = errors.New("invalid config")

// Load reads configuration from a YAML file. A .env file in the working
// directory, when present, is loaded first so ${VAR} references resolve.
func Load(path string) (*AppConfig, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, expands environment variables, applies
// defaults and validates the result.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Redis.LeaseTTL == 0 {
		c.Redis.LeaseTTL = 30 * time.Second
	}

	ch := &c.Chain
	ch.Reader = strings.ToLower(strings.TrimSpace(ch.Reader))
	if ch.Reader == "" {
		ch.Reader = ReaderExplorer
	}
	ch.TokenContract = strings.ToLower(strings.TrimSpace(ch.TokenContract))
	if ch.TokenDecimals == nil {
		d := ch.Decimals()
		ch.TokenDecimals = &d
	}
	if ch.RequestTimeout == 0 {
		ch.RequestTimeout = 15 * time.Second
	}
	if ch.MaxTransfers == 0 {
		ch.MaxTransfers = 1000
	}
	if ch.MaxPages == 0 {
		ch.MaxPages = 10
	}
	if ch.RangeBlocks == 0 {
		ch.RangeBlocks = 2000
	}

	sc := &c.Scanner
	if sc.PollInterval == 0 {
		sc.PollInterval = 3 * time.Second
	}
	if sc.WarmStartDepth == 0 {
		sc.WarmStartDepth = 100
	}
	if sc.RecencyGrace == 0 {
		sc.RecencyGrace = 10 * time.Minute
	}
	if sc.DefaultConfirmations == 0 {
		sc.DefaultConfirmations = 6
	}
	if sc.Workers == 0 {
		sc.Workers = 4
	}
	if sc.MaxBackoff == 0 {
		sc.MaxBackoff = time.Minute
	}
	if sc.CycleTimeout == 0 {
		sc.CycleTimeout = 10 * sc.PollInterval
	}
}

// Validate reports the first missing or malformed setting.
func (c *AppConfig) Validate() error {
	if c.ServiceID == "" {
		return fmt.Errorf("%w: service_id is required", ErrInvalidConfig)
	}
	if c.Chain.TokenContract == "" {
		return fmt.Errorf("%w: chain.token_contract is required", ErrInvalidConfig)
	}
	switch c.Chain.Reader {
	case ReaderExplorer:
		if c.Chain.APIURL == "" {
			return fmt.Errorf("%w: chain.api_url is required for the explorer reader", ErrInvalidConfig)
		}
	case ReaderEVM:
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("%w: chain.rpc_url is required for the evm reader", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown chain.reader %q", ErrInvalidConfig, c.Chain.Reader)
	}
	if d := c.Chain.Decimals(); d < 0 || d > 36 {
		return fmt.Errorf("%w: chain.token_decimals out of range: %d", ErrInvalidConfig, d)
	}
	if c.Scanner.CycleTimeout < 0 {
		return fmt.Errorf("%w: scanner.cycle_timeout must be positive", ErrInvalidConfig)
	}
	if c.Scanner.Workers < 0 {
		return fmt.Errorf("%w: scanner.workers must be positive", ErrInvalidConfig)
	}
	return nil
}
