package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var overrideVars = []string{
	"ENV_NAME", "OPENAQ_API_KEY", "IPINFO_TOKEN", "CACHE_BACKEND", "HISTORY_BACKEND",
	"MEMCACHED_ADDRS", "REDIS_ADDR", "REDIS_PASSWORD", "DATABASE_URL", "KAFKA_BROKERS",
}

// isolate runs the test in a temp project root with all override variables unset.
func isolate(t *testing.T) string {
	t.Helper()
	for _, k := range overrideVars {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })
	return dir
}

func TestLoad_FailsWhenNoAPIKey(t *testing.T) {
	dir := isolate(t)
	writeEnvFile(t, dir, minimalEnvYAML)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error when no OPENAQ_API_KEY and no secrets file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "OPENAQ_API_KEY") {
		t.Errorf("Load() error = %v, want message containing OPENAQ_API_KEY", err)
	}
}

func TestLoad_SucceedsWithSecretsFile(t *testing.T) {
	dir := isolate(t)
	writeEnvFile(t, dir, minimalEnvYAML)
	writeSecretsFile(t, dir, "openaq_api_key: key-from-secrets-file\ngeo_token: geo-secret\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OpenAQAPIKey != "key-from-secrets-file" {
		t.Errorf("OpenAQAPIKey = %q, want key from secrets file", cfg.OpenAQAPIKey)
	}
	if cfg.GeoToken != "geo-secret" {
		t.Errorf("GeoToken = %q, want geo-secret", cfg.GeoToken)
	}
}

func TestLoad_DotEnvFileLoaded(t *testing.T) {
	dir := isolate(t)
	writeEnvFile(t, dir, minimalEnvYAML)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("OPENAQ_API_KEY=from-dotenv\nCACHE_BACKEND=leveldb\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("OPENAQ_API_KEY")
		os.Unsetenv("CACHE_BACKEND")
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OpenAQAPIKey != "from-dotenv" || cfg.CacheBackend != BackendLevelDB {
		t.Errorf("key = %q, backend = %q; want values from .env", cfg.OpenAQAPIKey, cfg.CacheBackend)
	}
}

func TestLoad_EnvFileNotFound(t *testing.T) {
	isolate(t)
	t.Setenv("ENV_NAME", "nonexistent")

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for missing env file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("Load() error = %v, want message about config file not found", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t)
	t.Setenv("OPENAQ_API_KEY", "test-key")
	writeEnvFile(t, dir, "server:\n  port: \"9090\"\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	checks := []struct {
		name      string
		got, want interface{}
	}{
		{"ServerPort", cfg.ServerPort, "9090"},
		{"CacheBackend", cfg.CacheBackend, BackendMemory},
		{"HistoryBackend", cfg.HistoryBackend, BackendMemory},
		{"CacheTTL", cfg.CacheTTL, time.Hour},
		{"FanoutWorkers", cfg.FanoutWorkers, 10},
		{"OpenAQMinInterval", cfg.OpenAQMinInterval, 500 * time.Millisecond},
		{"RateLimitPause", cfg.RateLimitPause, 2 * time.Second},
		{"OpenAQTimeout", cfg.OpenAQTimeout, 5 * time.Second},
		{"PollInterval", cfg.PollInterval, 60 * time.Second},
		{"ErrorBackoff", cfg.ErrorBackoff, 5 * time.Minute},
		{"PopularInterval", cfg.PopularInterval, 30 * time.Minute},
		{"PopularPause", cfg.PopularPause, 10 * time.Second},
		{"StaleInterval", cfg.StaleInterval, 2 * time.Hour},
		{"StalePause", cfg.StalePause, 5 * time.Second},
		{"FullRefreshAt", cfg.FullRefreshAt, "06:00"},
		{"FullPause", cfg.FullPause, 15 * time.Second},
		{"SchedulerEnabled", cfg.SchedulerEnabled, true},
		{"Popular", len(cfg.Popular), 5},
		{"Full", len(cfg.Full), 10},
		{"KafkaBrokers", len(cfg.KafkaBrokers), 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if cfg.RequestTimeout <= cfg.OpenAQTimeout {
		t.Errorf("RequestTimeout = %v, want > OpenAQTimeout %v", cfg.RequestTimeout, cfg.OpenAQTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := isolate(t)
	writeEnvFile(t, dir, minimalEnvYAML)
	t.Setenv("OPENAQ_API_KEY", "env-key")
	t.Setenv("CACHE_BACKEND", " Redis ")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("HISTORY_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/aq?sslmode=disable")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("MEMCACHED_ADDRS", "mc:11211")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheBackend != BackendRedis || cfg.RedisAddr != "redis:6380" {
		t.Errorf("cache = %q at %q, want redis at redis:6380", cfg.CacheBackend, cfg.RedisAddr)
	}
	if cfg.HistoryBackend != BackendPostgres || cfg.DatabaseURL == "" {
		t.Errorf("history = %q, dsn = %q", cfg.HistoryBackend, cfg.DatabaseURL)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v, want [k1:9092 k2:9092]", cfg.KafkaBrokers)
	}
	if cfg.MemcachedAddrs != "mc:11211" {
		t.Errorf("MemcachedAddrs = %q", cfg.MemcachedAddrs)
	}
}

func TestLoad_SchedulerLocationsFromFile(t *testing.T) {
	dir := isolate(t)
	t.Setenv("OPENAQ_API_KEY", "k")
	writeEnvFile(t, dir, `
scheduler:
  enabled: false
  timezone: "Europe/Berlin"
  popular:
    interval: "15m"
    locations:
      - {name: "Berlin", lat: 52.52, lon: 13.405}
  full_refresh:
    at: "05:30"
    locations:
      - {name: "Leipzig", lat: 51.3397, lon: 12.3731}
      - {name: "Dresden", lat: 51.0504, lon: 13.7373}
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SchedulerEnabled {
		t.Error("SchedulerEnabled = true, want false")
	}
	if cfg.PopularInterval != 15*time.Minute || cfg.FullRefreshAt != "05:30" || cfg.Timezone != "Europe/Berlin" {
		t.Errorf("scheduler = %v %q %q", cfg.PopularInterval, cfg.FullRefreshAt, cfg.Timezone)
	}
	if len(cfg.Popular) != 1 || cfg.Popular[0].Latitude != 52.52 {
		t.Errorf("Popular = %+v", cfg.Popular)
	}
	if len(cfg.Full) != 2 || cfg.Full[1].Name != "Dresden" {
		t.Errorf("Full = %+v", cfg.Full)
	}
}

func TestLoad_InvalidDurationFallsBackToDefault(t *testing.T) {
	dir := isolate(t)
	t.Setenv("OPENAQ_API_KEY", "k")
	writeEnvFile(t, dir, "cache:\n  ttl: \"soon\"\nfanout:\n  rate_limit_pause: \"-1s\"\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheTTL != time.Hour {
		t.Errorf("CacheTTL = %v, want 1h", cfg.CacheTTL)
	}
	if cfg.RateLimitPause != 2*time.Second {
		t.Errorf("RateLimitPause = %v, want 2s", cfg.RateLimitPause)
	}
}

func TestLoad_HealthThresholds(t *testing.T) {
	dir := isolate(t)
	t.Setenv("OPENAQ_API_KEY", "k")
	writeEnvFile(t, dir, "health:\n  window: \"30s\"\n  min_requests: 4\n  overload_denied_pct: 20\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HealthWindow != 30*time.Second || cfg.HealthMinRequests != 4 {
		t.Errorf("health window = %v min = %d", cfg.HealthWindow, cfg.HealthMinRequests)
	}
	if cfg.OverloadDeniedPct != 20 || cfg.DegradedErrorPct != 50 {
		t.Errorf("thresholds = %v / %v, want 20 / 50", cfg.OverloadDeniedPct, cfg.DegradedErrorPct)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantMsg string
	}{
		{"unknown cache backend", "cache:\n  backend: \"etcd\"\n", nil, "cache.backend"},
		{"unknown history backend", "history:\n  backend: \"kafka\"\n", nil, "history.backend"},
		{"postgres without dsn", "cache:\n  backend: \"postgres\"\n", nil, "DATABASE_URL"},
		{"bad refresh time", "scheduler:\n  full_refresh:\n    at: \"6am\"\n", nil, "HH:MM"},
		{"refresh hour out of range", "scheduler:\n  full_refresh:\n    at: \"24:00\"\n", nil, "HH:MM"},
		{"bad timezone", "scheduler:\n  timezone: \"Mars/Olympus\"\n", nil, "timezone"},
		{"unnamed location", "scheduler:\n  popular:\n    locations:\n      - {lat: 1, lon: 2}\n", nil, "without name"},
		{"negative timeout", "openaq:\n  timeout: \"-1s\"\n", nil, "openaq.timeout"},
		{"health pct over 100", "health:\n  degraded_error_pct: 150\n", nil, "health thresholds"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := isolate(t)
			t.Setenv("OPENAQ_API_KEY", "k")
			writeEnvFile(t, dir, tc.yaml)

			_, err := Load()
			if err == nil {
				t.Fatal("Load() expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("Load() error = %v, want message containing %q", err, tc.wantMsg)
			}
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	dir := isolate(t)
	t.Setenv("OPENAQ_API_KEY", "k")
	writeEnvFile(t, dir, "server: [unclosed\n")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Errorf("Load() error = %v, want parse error", err)
	}
}

func TestLoad_ProjectDevConfig(t *testing.T) {
	root := findProjectRoot(t)
	isolate(t)
	if err := os.Chdir(root); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Setenv("OPENAQ_API_KEY", "k")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheBackend != BackendMemory || cfg.FullRefreshAt != "06:00" {
		t.Errorf("dev config = backend %q, full refresh %q", cfg.CacheBackend, cfg.FullRefreshAt)
	}
}

const minimalEnvYAML = `
server:
  port: "8080"
openaq:
  url: "https://api.example.com/v3"
  timeout: "2s"
cache:
  ttl: "1h"
reliability:
  retry_max_attempts: 3
  retry_base_delay: "100ms"
  retry_max_delay: "2s"
`

func writeEnvFile(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "dev.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func writeSecretsFile(t *testing.T, dir, content string) {
	t.Helper()
	secretsDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(secretsDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(secretsDir, "secrets.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
}

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "config", "dev.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("config/dev.yaml not found (run tests from project root)")
		}
		dir = parent
	}
}
