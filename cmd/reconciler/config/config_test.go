package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.CacheTTLMinutes != 15 || cfg.CacheMaxSize != 10000 {
		t.Errorf("unexpected cache defaults: ttl=%d size=%d", cfg.CacheTTLMinutes, cfg.CacheMaxSize)
	}
	if cfg.MinConfidence != 0.15 {
		t.Errorf("unexpected min confidence: %g", cfg.MinConfidence)
	}
	if cfg.MaxCombinationSize != 5 || cfg.MaxWallclockMS != 30000 {
		t.Errorf("unexpected search defaults: size=%d wallclock=%d",
			cfg.MaxCombinationSize, cfg.MaxWallclockMS)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
db:
  path: /tmp/test.db
company:
  fiscal_id: IT01234567890
cache:
  ttl_minutes: 30
search:
  max_combination_size: 4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("db.path not read: %s", cfg.DBPath)
	}
	if cfg.CompanyFiscalID != "IT01234567890" {
		t.Errorf("company.fiscal_id not read: %s", cfg.CompanyFiscalID)
	}
	if cfg.CacheTTLMinutes != 30 {
		t.Errorf("cache.ttl_minutes not read: %d", cfg.CacheTTLMinutes)
	}
	if cfg.MaxCombinationSize != 4 {
		t.Errorf("search.max_combination_size not read: %d", cfg.MaxCombinationSize)
	}
	// Untouched keys keep their defaults.
	if cfg.HTTPListen != ":8080" {
		t.Errorf("expected default listen address, got %s", cfg.HTTPListen)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestApplySettingsOverrides(t *testing.T) {
	cfg := Defaults()
	cfg.ApplySettings(map[string]string{
		"company.fiscal_id":    "09876543210",
		"cache.ttl_minutes":    "45",
		"match.min_confidence": "0.25",
		"unknown.key":          "ignored",
		"engine.workers":       "not-a-number",
	})

	if cfg.CompanyFiscalID != "09876543210" {
		t.Errorf("fiscal id override not applied: %s", cfg.CompanyFiscalID)
	}
	if cfg.CacheTTLMinutes != 45 {
		t.Errorf("ttl override not applied: %d", cfg.CacheTTLMinutes)
	}
	if cfg.MinConfidence != 0.25 {
		t.Errorf("confidence override not applied: %g", cfg.MinConfidence)
	}
	if cfg.Workers != 4 {
		t.Errorf("unparseable override should keep default, got %d", cfg.Workers)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db path", func(c *Config) { c.DBPath = " " }},
		{"confidence above one", func(c *Config) { c.MinConfidence = 1.5 }},
		{"eviction pct zero", func(c *Config) { c.CacheEvictionPct = 0 }},
		{"combination size one", func(c *Config) { c.MaxCombinationSize = 1 }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDerivedConfigs(t *testing.T) {
	cfg := Defaults()
	cfg.CacheTTLMinutes = 20
	cfg.MaxWallclockMS = 5000
	cfg.PatternTTLHours = 1

	if got := cfg.CacheConfig().TTL; got != 20*time.Minute {
		t.Errorf("cache TTL: got %v", got)
	}
	if got := cfg.GeneratorConfig().MaxWallClock; got != 5*time.Second {
		t.Errorf("search wall clock: got %v", got)
	}
	if got := cfg.LearnerConfig().TTL; got != time.Hour {
		t.Errorf("pattern TTL: got %v", got)
	}
	if got := cfg.SuggestConfig().MinConfidence; got != cfg.MinConfidence {
		t.Errorf("suggest min confidence: got %g", got)
	}
}
