// Package config loads and validates the settlement service configuration.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Epoch     EpochConfig     `yaml:"epoch"`
	Index     IndexConfig     `yaml:"index"`
	Creation  CreationConfig  `yaml:"creation"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Enforcer  EnforcerConfig  `yaml:"enforcer"`
	Emissions EmissionsConfig `yaml:"emissions"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
}

// EpochConfig anchors the epoch clock.
type EpochConfig struct {
	Anchor   time.Time `yaml:"anchor"`
	Duration Duration  `yaml:"duration"`
}

// IndexConfig controls the weight engine.
type IndexConfig struct {
	Size                int     `yaml:"size"`
	MinWeight           float64 `yaml:"min_weight"`
	MaxWeight           float64 `yaml:"max_weight"`
	DiversificationCoef float64 `yaml:"diversification_coef"`
	MaxBonus            float64 `yaml:"max_bonus"`
}

// CreationConfig controls creation-file publication.
type CreationConfig struct {
	UnitSize         uint64 `yaml:"unit_size"`
	CashComponentBps uint32 `yaml:"cash_component_bps"`
	ToleranceBps     uint32 `yaml:"tolerance_bps"`
	MinCreationSize  uint64 `yaml:"min_creation_size"`
	PublishedBy      string `yaml:"published_by"`
}

// LedgerConfig controls creation-request handling.
type LedgerConfig struct {
	MaxCreationSize uint64   `yaml:"max_creation_size"`
	RequestTTL      Duration `yaml:"request_ttl"`
}

// EnforcerConfig controls the sweep loop and retention.
type EnforcerConfig struct {
	Interval         Duration `yaml:"interval"`
	RequestRetention Duration `yaml:"request_retention"`
	FileRetention    Duration `yaml:"file_retention"`
}

// EmissionsConfig points at the external emissions feed.
type EmissionsConfig struct {
	URL            string   `yaml:"url"`
	RequestTimeout Duration `yaml:"request_timeout"`
	RatePerSecond  float64  `yaml:"rate_per_second"`
	Burst          int      `yaml:"burst"`
}

// PostgresConfig configures the request and file stores. An empty DSN selects
// the in-memory stores.
type PostgresConfig struct {
	DSN          string   `yaml:"dsn"`
	QueryTimeout Duration `yaml:"query_timeout"`
	MaxOpenConns int      `yaml:"max_open_conns"`
}

// RedisConfig configures the creation-file cache. An empty address selects
// the in-process cache.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	CacheTTL Duration `yaml:"cache_ttl"`
}

// HTTPConfig configures the read-only API server.
type HTTPConfig struct {
	ListenAddr   string   `yaml:"listen_addr"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the baseline configuration: a 20-asset index on a 14-day
// epoch with a 1%..15% weight band.
func Default() *Config {
	return &Config{
		Epoch: EpochConfig{
			Anchor:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			Duration: Duration(14 * 24 * time.Hour),
		},
		Index: IndexConfig{
			Size:                20,
			MinWeight:           0.01,
			MaxWeight:           0.15,
			DiversificationCoef: 0.05,
			MaxBonus:            1.10,
		},
		Creation: CreationConfig{
			UnitSize:        10_000_000,
			ToleranceBps:    50,
			MinCreationSize: 1,
			PublishedBy:     "settlement-service",
		},
		Ledger: LedgerConfig{
			MaxCreationSize: 1_000_000,
		},
		Enforcer: EnforcerConfig{
			Interval:         Duration(time.Minute),
			RequestRetention: Duration(30 * 24 * time.Hour),
			FileRetention:    Duration(2 * 14 * 24 * time.Hour),
		},
		Emissions: EmissionsConfig{
			RequestTimeout: Duration(10 * time.Second),
			RatePerSecond:  1,
			Burst:          2,
		},
		Postgres: PostgresConfig{
			QueryTimeout: Duration(5 * time.Second),
			MaxOpenConns: 10,
		},
		Redis: RedisConfig{
			CacheTTL: Duration(5 * time.Minute),
		},
		HTTP: HTTPConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: Duration(10 * time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Epoch.Anchor.IsZero() {
		return fmt.Errorf("config: epoch anchor required")
	}
	if c.Epoch.Duration <= 0 {
		return fmt.Errorf("config: epoch duration must be positive")
	}
	if c.Index.Size <= 0 {
		return fmt.Errorf("config: index size must be positive")
	}
	if c.Index.MinWeight < 0 || c.Index.MaxWeight <= 0 || c.Index.MinWeight >= c.Index.MaxWeight {
		return fmt.Errorf("config: weight band [%f, %f] invalid", c.Index.MinWeight, c.Index.MaxWeight)
	}
	if c.Index.MinWeight*float64(c.Index.Size) > 1.0 {
		return fmt.Errorf("config: min weight %f infeasible for %d assets", c.Index.MinWeight, c.Index.Size)
	}
	if c.Index.MaxWeight*float64(c.Index.Size) < 1.0 {
		return fmt.Errorf("config: max weight %f infeasible for %d assets", c.Index.MaxWeight, c.Index.Size)
	}
	if c.Creation.UnitSize == 0 {
		return fmt.Errorf("config: creation unit size must be positive")
	}
	if c.Creation.MinCreationSize == 0 {
		return fmt.Errorf("config: min creation size must be positive")
	}
	if c.Ledger.MaxCreationSize < c.Creation.MinCreationSize {
		return fmt.Errorf("config: max creation size %d below minimum %d",
			c.Ledger.MaxCreationSize, c.Creation.MinCreationSize)
	}
	// The largest admissible request notional must fit in uint64.
	if c.Ledger.MaxCreationSize > math.MaxUint64/c.Creation.UnitSize {
		return fmt.Errorf("config: max creation size %d times unit size %d overflows",
			c.Ledger.MaxCreationSize, c.Creation.UnitSize)
	}
	if c.Enforcer.Interval <= 0 {
		return fmt.Errorf("config: enforcer interval must be positive")
	}
	return nil
}
