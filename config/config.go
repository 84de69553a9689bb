package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for qflashd.
type Config struct {
	ListenAddress  string        `yaml:"listen"`
	DatabasePath   string        `yaml:"database"`
	Pairs          []string      `yaml:"pairs"`
	Durations      []int         `yaml:"durations"`
	Rounds         RoundsConfig  `yaml:"rounds"`
	Betting        BettingConfig `yaml:"betting"`
	Oracle         OracleConfig  `yaml:"oracle"`
	Sources        []Source      `yaml:"sources"`
	Cron           CronConfig    `yaml:"cron"`
	House          HouseConfig   `yaml:"house"`
	Chain          ChainConfig   `yaml:"chain"`
	AttestationKey string        `yaml:"attestation_key"`
	Logging        LoggingConfig `yaml:"logging"`
}

// RoundsConfig tunes the round pipeline and settlement deadlines.
// PlatformFeeBps is a pointer so an explicit 0 configures a fee-free
// deployment instead of falling back to the default.
type RoundsConfig struct {
	LockBeforeCloseSecs int      `yaml:"lock_before_close_secs"`
	PipelineAheadSecs   int      `yaml:"pipeline_ahead_secs"`
	MaxResolutionDelay  Duration `yaml:"max_resolution_delay"`
	PlatformFeeBps      *int64   `yaml:"platform_fee_bps"`
}

// FeeBps returns the platform fee in basis points, applying the default when
// the option was never set.
func (r RoundsConfig) FeeBps() int64 {
	if r.PlatformFeeBps == nil {
		return DefaultPlatformFeeBps
	}
	return *r.PlatformFeeBps
}

// BettingConfig bounds individual wagers.
type BettingConfig struct {
	MinBetQU         int64 `yaml:"min_bet_qu"`
	MaxBetQU         int64 `yaml:"max_bet_qu"`
	MaxBetsPerMinute int   `yaml:"max_bets_per_minute"`
}

// OracleConfig tunes the price feed.
type OracleConfig struct {
	MinSources   int      `yaml:"min_sources"`
	CacheTTL     Duration `yaml:"cache_ttl"`
	FetchTimeout Duration `yaml:"fetch_timeout"`
	HistoryDepth int      `yaml:"history_depth"`
}

// Source describes an upstream oracle feed.
type Source struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint"`
	APIKey   string            `yaml:"api_key"`
	Symbols  map[string]string `yaml:"symbols"`
}

// CronConfig tunes the lifecycle driver.
type CronConfig struct {
	Interval Duration `yaml:"interval"`
	LockTTL  Duration `yaml:"lock_ttl"`
}

// HouseConfig controls the opposite-side liquidity provider.
type HouseConfig struct {
	Enabled             bool    `yaml:"enabled"`
	InitialBalanceQU    int64   `yaml:"initial_balance_qu"`
	MaxExposurePerRound int64   `yaml:"max_exposure_per_round_qu"`
	MaxTotalExposure    int64   `yaml:"max_total_exposure_qu"`
	MatchRatio          float64 `yaml:"match_ratio"`
}

// ChainConfig points at the Qubic RPC endpoint used for best-effort checks.
type ChainConfig struct {
	RPCEndpoint     string `yaml:"rpc_endpoint"`
	PlatformAddress string `yaml:"platform_address"`
	RequestsPerSec  int    `yaml:"requests_per_sec"`
}

// LoggingConfig controls optional file output with rotation.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// ValidDurations enumerates the supported round windows in seconds.
var ValidDurations = []int{30, 60, 120}

// DefaultPlatformFeeBps is the fee taken from the loser pool when the option
// is left unset.
const DefaultPlatformFeeBps = 300

// Load reads configuration from the supplied path. QFLASH_ATTESTATION_KEY
// overrides the file value when set.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if env := strings.TrimSpace(os.Getenv("QFLASH_ATTESTATION_KEY")); env != "" {
		cfg.AttestationKey = env
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with production defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/qflash.sqlite"
	}
	if len(cfg.Pairs) == 0 {
		cfg.Pairs = []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}
	}
	if len(cfg.Durations) == 0 {
		cfg.Durations = append([]int{}, ValidDurations...)
	}
	if cfg.Rounds.LockBeforeCloseSecs <= 0 {
		cfg.Rounds.LockBeforeCloseSecs = 5
	}
	if cfg.Rounds.PipelineAheadSecs <= 0 {
		cfg.Rounds.PipelineAheadSecs = 90
	}
	if cfg.Rounds.MaxResolutionDelay.Duration == 0 {
		cfg.Rounds.MaxResolutionDelay.Duration = 2 * time.Minute
	}
	if cfg.Rounds.PlatformFeeBps == nil {
		fee := int64(DefaultPlatformFeeBps)
		cfg.Rounds.PlatformFeeBps = &fee
	}
	if cfg.Betting.MinBetQU <= 0 {
		cfg.Betting.MinBetQU = 10_000
	}
	if cfg.Betting.MaxBetQU <= 0 {
		cfg.Betting.MaxBetQU = 10_000_000
	}
	if cfg.Betting.MaxBetsPerMinute <= 0 {
		cfg.Betting.MaxBetsPerMinute = 10
	}
	if cfg.Oracle.MinSources <= 0 {
		cfg.Oracle.MinSources = 2
	}
	if cfg.Oracle.CacheTTL.Duration == 0 {
		cfg.Oracle.CacheTTL.Duration = 5 * time.Second
	}
	if cfg.Oracle.FetchTimeout.Duration == 0 {
		cfg.Oracle.FetchTimeout.Duration = 8 * time.Second
	}
	if cfg.Oracle.HistoryDepth <= 0 {
		cfg.Oracle.HistoryDepth = 720
	}
	if cfg.Cron.Interval.Duration == 0 {
		cfg.Cron.Interval.Duration = 5 * time.Second
	}
	if cfg.Cron.LockTTL.Duration == 0 {
		cfg.Cron.LockTTL.Duration = 30 * time.Second
	}
	if cfg.House.MatchRatio <= 0 {
		cfg.House.MatchRatio = 1.0
	}
	if cfg.House.InitialBalanceQU <= 0 {
		cfg.House.InitialBalanceQU = 1_000_000_000
	}
	if cfg.House.MaxExposurePerRound <= 0 {
		cfg.House.MaxExposurePerRound = 10_000_000
	}
	if cfg.House.MaxTotalExposure <= 0 {
		cfg.House.MaxTotalExposure = 100_000_000
	}
	if cfg.Chain.RequestsPerSec <= 0 {
		cfg.Chain.RequestsPerSec = 5
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
}

// Validate rejects configurations the engine cannot run with.
func Validate(cfg Config) error {
	if len(cfg.Pairs) == 0 {
		return fmt.Errorf("at least one pair must be configured")
	}
	for _, pair := range cfg.Pairs {
		if !strings.Contains(pair, "/") {
			return fmt.Errorf("pair %q must use BASE/QUOTE form", pair)
		}
	}
	if len(cfg.Durations) == 0 {
		return fmt.Errorf("at least one round duration must be enabled")
	}
	for _, d := range cfg.Durations {
		if !validDuration(d) {
			return fmt.Errorf("unsupported round duration %d", d)
		}
	}
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one oracle source must be configured")
	}
	if fee := cfg.Rounds.FeeBps(); fee < 0 || fee > 10_000 {
		return fmt.Errorf("platform fee bps out of range: %d", fee)
	}
	if cfg.Betting.MinBetQU > cfg.Betting.MaxBetQU {
		return fmt.Errorf("min bet %d exceeds max bet %d", cfg.Betting.MinBetQU, cfg.Betting.MaxBetQU)
	}
	if shortest := minDuration(cfg.Durations); cfg.Rounds.LockBeforeCloseSecs >= shortest {
		return fmt.Errorf("lock lead %ds leaves no open window for %ds rounds", cfg.Rounds.LockBeforeCloseSecs, shortest)
	}
	if strings.TrimSpace(cfg.AttestationKey) == "" {
		return fmt.Errorf("attestation key must be configured")
	}
	return nil
}

func validDuration(d int) bool {
	for _, v := range ValidDurations {
		if v == d {
			return true
		}
	}
	return false
}

func minDuration(durations []int) int {
	min := durations[0]
	for _, d := range durations[1:] {
		if d < min {
			min = d
		}
	}
	return min
}
