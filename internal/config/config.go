// Package config defines all configuration for the validator.
// Config is loaded from a YAML file (default: configs/config.yaml), layered
// with TAOS_*-prefixed environment variables and CLI flags, the flags taking
// highest precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure, env var names, and CLI flag names.
type Config struct {
	NetUID     int              `mapstructure:"netuid"`
	Subtensor  SubtensorConfig  `mapstructure:"subtensor"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Port       int              `mapstructure:"port"`
	Compression CompressionConfig `mapstructure:"compression"`
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Rewarding  RewardingConfig  `mapstructure:"rewarding"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SubtensorConfig addresses the (external, interface-only) metagraph chain.
type SubtensorConfig struct {
	ChainEndpoint string `mapstructure:"chain_endpoint"`
}

// WalletConfig names the local hotkey/coldkey pair used to authenticate
// with the metagraph client; the validator never signs anything itself.
type WalletConfig struct {
	Path   string `mapstructure:"path"`
	Name   string `mapstructure:"name"`
	Hotkey string `mapstructure:"hotkey"`
}

// CompressionConfig controls the agent-envelope codec (internal/codec).
type CompressionConfig struct {
	Engine           string `mapstructure:"engine"` // "zlib" | "lz4"
	Level            int    `mapstructure:"level"`
	ParallelWorkers  int    `mapstructure:"parallel_workers"`
}

// ScoringActivityConfig tunes ScoreEngine's trade-volume/activity factor.
type ScoringActivityConfig struct {
	TradeVolumeSamplingInterval  time.Duration `mapstructure:"trade_volume_sampling_interval"`
	TradeVolumeAssessmentPeriod time.Duration `mapstructure:"trade_volume_assessment_period"`
	CapitalTurnoverCap           float64       `mapstructure:"capital_turnover_cap"`
}

// ScoringSharpeConfig tunes ScoreEngine's Sharpe computation.
type ScoringSharpeConfig struct {
	ParallelWorkers   int     `mapstructure:"parallel_workers"`
	Lookback          int     `mapstructure:"lookback"`
	NormalizationMin  float64 `mapstructure:"normalization_min"`
	NormalizationMax  float64 `mapstructure:"normalization_max"`
}

// ScoringConfig bundles ScoreEngine, ResponseValidator, and DelayAssigner
// tuning that the spec's CLI surface groups under --scoring.*.
type ScoringConfig struct {
	BookCount              int                   `mapstructure:"book_count"`
	MaxInstructionsPerBook int                   `mapstructure:"max_instructions_per_book"`
	Sharpe                 ScoringSharpeConfig   `mapstructure:"sharpe"`
	Activity               ScoringActivityConfig `mapstructure:"activity"`
	MinDelay               time.Duration         `mapstructure:"min_delay"`
	MaxDelay               time.Duration         `mapstructure:"max_delay"`
	MinInstructionDelay    time.Duration         `mapstructure:"min_instruction_delay"`
	MaxInstructionDelay    time.Duration         `mapstructure:"max_instruction_delay"`
}

// RewardingParetoConfig tunes RewardShaper's Pareto distribution.
type RewardingParetoConfig struct {
	Scale float64 `mapstructure:"scale"`
	Shape float64 `mapstructure:"shape"`
}

// RewardingConfig bundles RewardShaper tuning.
type RewardingConfig struct {
	Seed   int64                 `mapstructure:"seed"`
	Pareto RewardingParetoConfig `mapstructure:"pareto"`
}

// StoreConfig sets where validator state is persisted (MsgPack files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BindFlags registers the CLI surface named in §6 onto fs, then binds each
// flag into v so that a flag set at the command line overrides the config
// file and environment, matching the teacher's CLI-over-config-file layering.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.Int("netuid", 0, "subnet id")
	fs.String("subtensor.chain_endpoint", "", "subtensor chain endpoint")
	fs.String("wallet.path", "", "path to wallet directory")
	fs.String("wallet.name", "", "coldkey name")
	fs.String("wallet.hotkey", "", "hotkey name")
	fs.Int("port", 8080, "simulator ingress/egress HTTP port")
	fs.String("compression.engine", "zlib", "envelope compression engine (zlib|lz4)")
	fs.Int("compression.level", 6, "compression level")
	fs.Int("compression.parallel_workers", 4, "compression worker pool size")
	fs.Int("scoring.book_count", 1, "number of books the simulator runs")
	fs.Int("scoring.max_instructions_per_book", 16, "max instructions a single agent may submit per book per step")
	fs.Int("scoring.sharpe.parallel_workers", 4, "sharpe computation worker pool size")
	fs.Int("scoring.sharpe.lookback", 100, "inventory-value samples retained per agent")
	fs.Float64("scoring.sharpe.normalization_min", -2, "sharpe normalization lower bound")
	fs.Float64("scoring.sharpe.normalization_max", 2, "sharpe normalization upper bound")
	fs.Duration("scoring.activity.trade_volume_sampling_interval", 10*time.Second, "trade volume bucket width")
	fs.Duration("scoring.activity.trade_volume_assessment_period", time.Hour, "trade volume retention window")
	fs.Float64("scoring.activity.capital_turnover_cap", 10, "capital turnover cap multiple")
	fs.Duration("scoring.min_delay", time.Millisecond, "minimum response delay")
	fs.Duration("scoring.max_delay", time.Second, "maximum response delay")
	fs.Duration("scoring.min_instruction_delay", 0, "minimum per-instruction jitter")
	fs.Duration("scoring.max_instruction_delay", 5*time.Millisecond, "maximum per-instruction jitter")
	fs.Int64("rewarding.seed", 0, "pareto sampling seed")
	fs.Float64("rewarding.pareto.scale", 1, "pareto distribution scale")
	fs.Float64("rewarding.pareto.shape", 2, "pareto distribution shape")

	return v.BindPFlags(fs)
}

// Load reads config from a YAML file, layering TAOS_*-prefixed env var
// overrides, then unmarshals into Config. Call BindFlags before Load so any
// parsed CLI flags take precedence over the file and environment.
func Load(v *viper.Viper, path string) (*Config, error) {
	v.SetConfigFile(path)
	v.SetEnvPrefix("TAOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Subtensor.ChainEndpoint == "" {
		return fmt.Errorf("subtensor.chain_endpoint is required")
	}
	if c.Wallet.Name == "" || c.Wallet.Hotkey == "" {
		return fmt.Errorf("wallet.name and wallet.hotkey are required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("port must be > 0")
	}
	switch c.Compression.Engine {
	case "zlib", "lz4":
	default:
		return fmt.Errorf("compression.engine must be one of: zlib, lz4")
	}
	if c.Scoring.BookCount <= 0 {
		return fmt.Errorf("scoring.book_count must be > 0")
	}
	if c.Scoring.MaxInstructionsPerBook <= 0 {
		return fmt.Errorf("scoring.max_instructions_per_book must be > 0")
	}
	if c.Scoring.Sharpe.Lookback <= 0 {
		return fmt.Errorf("scoring.sharpe.lookback must be > 0")
	}
	if c.Scoring.Sharpe.NormalizationMax <= c.Scoring.Sharpe.NormalizationMin {
		return fmt.Errorf("scoring.sharpe.normalization_max must be > normalization_min")
	}
	if c.Scoring.Activity.CapitalTurnoverCap <= 0 {
		return fmt.Errorf("scoring.activity.capital_turnover_cap must be > 0")
	}
	if c.Scoring.MaxDelay < c.Scoring.MinDelay {
		return fmt.Errorf("scoring.max_delay must be >= min_delay")
	}
	if c.Scoring.MaxInstructionDelay < c.Scoring.MinInstructionDelay {
		return fmt.Errorf("scoring.max_instruction_delay must be >= min_instruction_delay")
	}
	if c.Rewarding.Pareto.Shape <= 0 {
		return fmt.Errorf("rewarding.pareto.shape must be > 0")
	}
	return nil
}
