package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hengadev/errsx"
)

// chdirWithConfig writes yamlContent (if non-empty) to config.yaml in a temp dir and chdirs into it.
func chdirWithConfig(t *testing.T, yamlContent string) {
	t.Helper()
	tmpDir := t.TempDir()

	if yamlContent != "" {
		if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte(yamlContent), 0644); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}
	}

	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		os.Chdir(originalDir)
	})
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	chdirWithConfig(t, `
port: "3480"
env: "test"
database:
  host: "db.example.com"
  port: 5432
  user: "testuser"
  database: "testdb"
redis:
  host: "redis.example.com"
  port: 6379
forensics:
  timezone: "Europe/Paris"
`)

	os.Unsetenv("PGHOST")
	t.Setenv("PORT", "4480")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LEDGER_ENCRYPTION_KEY", "secret-from-env")

	cfg, err := Load("test-version")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "4480" {
		t.Errorf("expected Port=4480 (from env), got %s", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("expected Env=production (from env), got %s", cfg.Env)
	}
	if cfg.Version != "test-version" {
		t.Errorf("expected Version=test-version, got %s", cfg.Version)
	}
	if cfg.Database.Host != "db.example.com" {
		t.Errorf("expected Database.Host=db.example.com (from yaml), got %s", cfg.Database.Host)
	}
	if cfg.Forensics.Timezone != "Europe/Paris" {
		t.Errorf("expected Forensics.Timezone=Europe/Paris (from yaml), got %s", cfg.Forensics.Timezone)
	}
	if cfg.EncryptionKey != "secret-from-env" {
		t.Errorf("expected EncryptionKey from env, got %q", cfg.EncryptionKey)
	}
}

func TestLoad_MissingConfigFileUsesDefaults(t *testing.T) {
	chdirWithConfig(t, "")
	os.Unsetenv("PORT")
	os.Unsetenv("LEDGER_FALLBACK_SINK")

	cfg, err := Load("test-version")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Ledger.DefaultPageSize != 50 || cfg.Ledger.MaxPageSize != 200 {
		t.Errorf("unexpected ledger page sizes: %d/%d", cfg.Ledger.DefaultPageSize, cfg.Ledger.MaxPageSize)
	}
	if cfg.Ledger.FallbackSink != FallbackSinkStderr {
		t.Errorf("expected FallbackSink=stderr, got %s", cfg.Ledger.FallbackSink)
	}
	if cfg.Search.DefaultLimit != 20 || cfg.Search.MaxLimit != 100 || cfg.Search.MinPrefixLength != 2 || cfg.Search.TierScanLimit != 1000 {
		t.Errorf("unexpected search defaults: %+v", cfg.Search)
	}
	if cfg.Database.StatementTimeout != 30*time.Second {
		t.Errorf("expected Database.StatementTimeout=30s, got %s", cfg.Database.StatementTimeout)
	}
	if cfg.Forensics.RiskThreshold != 5 || cfg.Forensics.DefaultWindowDays != 30 {
		t.Errorf("unexpected forensics defaults: %+v", cfg.Forensics)
	}
	if cfg.Redis.AlertChannel != "ledger:alerts:critical" {
		t.Errorf("unexpected alert channel: %s", cfg.Redis.AlertChannel)
	}
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	chdirWithConfig(t, `
ledger:
  fallback_sink: "kafka"
`)
	os.Unsetenv("LEDGER_FALLBACK_SINK")

	if _, err := Load("test-version"); err == nil {
		t.Fatal("expected error for unknown fallback sink")
	}
}

func validConfig() *Config {
	return &Config{
		Port:      "3480",
		Ledger:    LedgerConfig{DefaultPageSize: 50, MaxPageSize: 200, FallbackSink: FallbackSinkStderr},
		Search:    SearchConfig{DefaultLimit: 20, MaxLimit: 100, MinPrefixLength: 2, TierScanLimit: 1000},
		Forensics: ForensicsConfig{Timezone: "UTC", BusinessHoursStart: "06:00", BusinessHoursEnd: "22:00", RiskThreshold: 5, DefaultWindowDays: 30},
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Port = "http"
	cfg.Search.MaxLimit = 5
	cfg.Forensics.Timezone = "Mars/Olympus"
	cfg.Forensics.BusinessHoursStart = "22:00"
	cfg.Forensics.RiskThreshold = 11

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}

	errs, ok := err.(errsx.Map)
	if !ok {
		t.Fatalf("expected errsx.Map, got %T", err)
	}

	for _, key := range []string{"port", "search.max_limit", "forensics.timezone", "forensics.business_hours", "forensics.risk_threshold"} {
		if _, ok := errs[key]; !ok {
			t.Errorf("expected key %q in errsx.Map", key)
		}
	}
}

func TestValidate_BusinessHoursMayWrapMidnight(t *testing.T) {
	cfg := validConfig()
	cfg.Forensics.BusinessHoursStart = "22:00"
	cfg.Forensics.BusinessHoursEnd = "06:00"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected overnight business hours to be valid, got %v", err)
	}

	start, end, err := cfg.Forensics.BusinessHours()
	if err != nil {
		t.Fatalf("BusinessHours() failed: %v", err)
	}
	if start != 22*60 || end != 6*60 {
		t.Errorf("expected 1320/360, got %d/%d", start, end)
	}
}

func TestValidate_TierScanLimitBelowMaxLimit(t *testing.T) {
	cfg := validConfig()
	cfg.Search.TierScanLimit = 50

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	errs, ok := err.(errsx.Map)
	if !ok {
		t.Fatalf("expected errsx.Map, got %T", err)
	}
	if _, ok := errs["search.tier_scan_limit"]; !ok {
		t.Errorf("expected search.tier_scan_limit in %v", errs)
	}
}

func TestParseHourMinute(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"06:00", 360, false},
		{"22:30", 1350, false},
		{"00:00", 0, false},
		{"24:00", 0, true},
		{"6", 0, true},
		{"aa:bb", 0, true},
		{"10:60", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseHourMinute(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHourMinute(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseHourMinute(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	want := "host=db port=5432 user=u password=p dbname=d sslmode=disable"
	if got := c.ConnectionString(); got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}
