// Package config assembles the engine configuration from defaults, an
// optional config file, environment variables and the persisted settings
// table, in that order of precedence (later wins).
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "invoice-reconciliation-engine/pkg/errors"
	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/internal/anagraphics"
	"invoice-reconciliation-engine/internal/matching"
	"invoice-reconciliation-engine/internal/patterns"
	"invoice-reconciliation-engine/internal/suggest"
)

// Config is the full runtime configuration.
type Config struct {
	DBPath     string
	HTTPListen string

	LogLevel  string
	LogFormat string

	CompanyFiscalID string
	CompanyTaxCode  string

	CacheTTLMinutes  int
	CacheMaxSize     int
	CacheEvictionPct float64
	MemoryLimitMB    int

	MinConfidence      float64
	HighConfidence     float64
	CandidateLimit1to1 int
	CandidateLimitNtoM int

	MaxCombinationSize int
	MaxWallclockMS     int
	MaxIterations      int64
	Workers            int

	PatternTTLHours   int
	PatternMaxCached  int
	PatternMinRecords int
	HistoryYears      int
	HistoryMaxRows    int
}

// Defaults returns the documented default configuration.
func Defaults() *Config {
	return &Config{
		DBPath:             "reconciler.db",
		HTTPListen:         ":8080",
		LogLevel:           "info",
		LogFormat:          "text",
		CacheTTLMinutes:    15,
		CacheMaxSize:       10000,
		CacheEvictionPct:   0.2,
		MemoryLimitMB:      500,
		MinConfidence:      0.15,
		HighConfidence:     0.6,
		CandidateLimit1to1: 50,
		CandidateLimitNtoM: 100,
		MaxCombinationSize: 5,
		MaxWallclockMS:     30000,
		MaxIterations:      250000,
		Workers:            4,
		PatternTTLHours:    2,
		PatternMaxCached:   1000,
		PatternMinRecords:  5,
		HistoryYears:       3,
		HistoryMaxRows:     5000,
	}
}

// registerDefaults seeds viper so unset keys resolve to the defaults above.
func registerDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("db.path", d.DBPath)
	v.SetDefault("http.listen", d.HTTPListen)
	v.SetDefault("log.level", d.LogLevel)
	v.SetDefault("log.format", d.LogFormat)
	v.SetDefault("company.fiscal_id", "")
	v.SetDefault("company.tax_code", "")
	v.SetDefault("cache.ttl_minutes", d.CacheTTLMinutes)
	v.SetDefault("cache.max_size", d.CacheMaxSize)
	v.SetDefault("cache.eviction_pct", d.CacheEvictionPct)
	v.SetDefault("engine.memory_limit_mb", d.MemoryLimitMB)
	v.SetDefault("engine.workers", d.Workers)
	v.SetDefault("match.min_confidence", d.MinConfidence)
	v.SetDefault("match.high_confidence", d.HighConfidence)
	v.SetDefault("match.candidate_limit_1to1", d.CandidateLimit1to1)
	v.SetDefault("match.candidate_limit_ntom", d.CandidateLimitNtoM)
	v.SetDefault("search.max_combination_size", d.MaxCombinationSize)
	v.SetDefault("search.max_wallclock_ms", d.MaxWallclockMS)
	v.SetDefault("search.max_iterations", d.MaxIterations)
	v.SetDefault("pattern.ttl_hours", d.PatternTTLHours)
	v.SetDefault("pattern.max_cached", d.PatternMaxCached)
	v.SetDefault("pattern.min_records", d.PatternMinRecords)
	v.SetDefault("pattern.history_years", d.HistoryYears)
	v.SetDefault("pattern.history_max_rows", d.HistoryMaxRows)
}

// Load reads the configuration from the given file (optional) and the
// RECONCILER_* environment.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	registerDefaults(v)

	v.SetEnvPrefix("RECONCILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindValidation, apperrors.CodeInvalidInput,
				"failed to read config file "+cfgFile)
		}
	}
	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		DBPath:             v.GetString("db.path"),
		HTTPListen:         v.GetString("http.listen"),
		LogLevel:           v.GetString("log.level"),
		LogFormat:          v.GetString("log.format"),
		CompanyFiscalID:    v.GetString("company.fiscal_id"),
		CompanyTaxCode:     v.GetString("company.tax_code"),
		CacheTTLMinutes:    v.GetInt("cache.ttl_minutes"),
		CacheMaxSize:       v.GetInt("cache.max_size"),
		CacheEvictionPct:   v.GetFloat64("cache.eviction_pct"),
		MemoryLimitMB:      v.GetInt("engine.memory_limit_mb"),
		Workers:            v.GetInt("engine.workers"),
		MinConfidence:      v.GetFloat64("match.min_confidence"),
		HighConfidence:     v.GetFloat64("match.high_confidence"),
		CandidateLimit1to1: v.GetInt("match.candidate_limit_1to1"),
		CandidateLimitNtoM: v.GetInt("match.candidate_limit_ntom"),
		MaxCombinationSize: v.GetInt("search.max_combination_size"),
		MaxWallclockMS:     v.GetInt("search.max_wallclock_ms"),
		MaxIterations:      v.GetInt64("search.max_iterations"),
		PatternTTLHours:    v.GetInt("pattern.ttl_hours"),
		PatternMaxCached:   v.GetInt("pattern.max_cached"),
		PatternMinRecords:  v.GetInt("pattern.min_records"),
		HistoryYears:       v.GetInt("pattern.history_years"),
		HistoryMaxRows:     v.GetInt("pattern.history_max_rows"),
	}
}

// ApplySettings overlays persisted settings-table values. Keys use the same
// dotted names as the config file; unknown keys are ignored.
func (c *Config) ApplySettings(settings map[string]string) {
	for key, value := range settings {
		switch key {
		case "company.fiscal_id":
			c.CompanyFiscalID = value
		case "company.tax_code":
			c.CompanyTaxCode = value
		case "cache.ttl_minutes":
			setInt(&c.CacheTTLMinutes, value)
		case "cache.max_size":
			setInt(&c.CacheMaxSize, value)
		case "cache.eviction_pct":
			setFloat(&c.CacheEvictionPct, value)
		case "engine.memory_limit_mb":
			setInt(&c.MemoryLimitMB, value)
		case "engine.workers":
			setInt(&c.Workers, value)
		case "match.min_confidence":
			setFloat(&c.MinConfidence, value)
		case "match.high_confidence":
			setFloat(&c.HighConfidence, value)
		case "match.candidate_limit_1to1":
			setInt(&c.CandidateLimit1to1, value)
		case "match.candidate_limit_ntom":
			setInt(&c.CandidateLimitNtoM, value)
		case "search.max_combination_size":
			setInt(&c.MaxCombinationSize, value)
		case "search.max_wallclock_ms":
			setInt(&c.MaxWallclockMS, value)
		case "pattern.ttl_hours":
			setInt(&c.PatternTTLHours, value)
		case "pattern.min_records":
			setInt(&c.PatternMinRecords, value)
		}
	}
}

func setInt(dst *int, value string) {
	if n, err := strconv.Atoi(value); err == nil {
		*dst = n
	}
}

func setFloat(dst *float64, value string) {
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		*dst = f
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return apperrors.Validation(apperrors.CodeInvalidInput, "db.path cannot be empty")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return apperrors.Validation(apperrors.CodeInvalidInput,
			"match.min_confidence must be in [0,1], got %g", c.MinConfidence)
	}
	if c.HighConfidence <= 0 || c.HighConfidence > 1 {
		return apperrors.Validation(apperrors.CodeInvalidInput,
			"match.high_confidence must be in (0,1], got %g", c.HighConfidence)
	}
	if c.CacheEvictionPct <= 0 || c.CacheEvictionPct >= 1 {
		return apperrors.Validation(apperrors.CodeInvalidInput,
			"cache.eviction_pct must be in (0,1), got %g", c.CacheEvictionPct)
	}
	if c.MaxCombinationSize < 2 {
		return apperrors.Validation(apperrors.CodeInvalidInput,
			"search.max_combination_size must be at least 2, got %d", c.MaxCombinationSize)
	}
	if c.Workers < 1 {
		return apperrors.Validation(apperrors.CodeInvalidInput,
			"engine.workers must be at least 1, got %d", c.Workers)
	}
	return nil
}

// LoggerConfig maps the log settings to the logger package.
func (c *Config) LoggerConfig() *logger.Config {
	lc := logger.DefaultConfig()
	lc.Level = c.LogLevel
	lc.Format = logger.Format(c.LogFormat)
	return lc
}

// CacheConfig maps the cache settings to the anagraphics package.
func (c *Config) CacheConfig() anagraphics.Config {
	return anagraphics.Config{
		TTL:           time.Duration(c.CacheTTLMinutes) * time.Minute,
		MaxSize:       c.CacheMaxSize,
		EvictionPct:   c.CacheEvictionPct,
		MemoryLimitMB: c.MemoryLimitMB,
	}
}

// GeneratorConfig maps the search settings to the matching package.
func (c *Config) GeneratorConfig() matching.GeneratorConfig {
	return matching.GeneratorConfig{
		MaxSize:              c.MaxCombinationSize,
		MaxWallClock:         time.Duration(c.MaxWallclockMS) * time.Millisecond,
		MaxIterationsPerSize: c.MaxIterations,
		Workers:              c.Workers,
	}
}

// LearnerConfig maps the pattern settings to the patterns package.
func (c *Config) LearnerConfig() patterns.LearnerConfig {
	return patterns.LearnerConfig{
		TTL:         time.Duration(c.PatternTTLHours) * time.Hour,
		MaxPatterns: c.PatternMaxCached,
		Window:      time.Duration(c.HistoryYears) * 365 * 24 * time.Hour,
		MaxRows:     c.HistoryMaxRows,
		MinRecords:  c.PatternMinRecords,
	}
}

// SuggestConfig maps the matching settings to the suggest package.
func (c *Config) SuggestConfig() suggest.Config {
	return suggest.Config{
		CandidateLimit1to1: c.CandidateLimit1to1,
		CandidateLimitNtoM: c.CandidateLimitNtoM,
		MinConfidence:      c.MinConfidence,
		HighConfidence:     c.HighConfidence,
	}
}
