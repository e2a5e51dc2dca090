package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

// Cache backend names.
const (
	BackendMemory    = "memory"
	BackendFile      = "file"
	BackendLevelDB   = "leveldb"
	BackendRedis     = "redis"
	BackendMemcached = "memcached"
	BackendPostgres  = "postgres"
)

// DefaultPopular is the popular refresh list used when the config file names none.
var DefaultPopular = []models.Target{
	{Name: "Berlin", Latitude: 52.5200, Longitude: 13.4050},
	{Name: "Hamburg", Latitude: 53.5511, Longitude: 9.9937},
	{Name: "München", Latitude: 48.1351, Longitude: 11.5820},
	{Name: "Köln", Latitude: 50.9375, Longitude: 6.9603},
	{Name: "Frankfurt", Latitude: 50.1109, Longitude: 8.6821},
}

// DefaultFull is the daily full refresh list used when the config file names none.
var DefaultFull = append(append([]models.Target{}, DefaultPopular...),
	models.Target{Name: "Stuttgart", Latitude: 48.7758, Longitude: 9.1829},
	models.Target{Name: "Düsseldorf", Latitude: 51.2277, Longitude: 6.7735},
	models.Target{Name: "Dortmund", Latitude: 51.5136, Longitude: 7.4653},
	models.Target{Name: "Essen", Latitude: 51.4556, Longitude: 7.0116},
	models.Target{Name: "Leipzig", Latitude: 51.3397, Longitude: 12.3731},
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort     string
	RequestTimeout time.Duration
	RateLimitRPS   int
	RateLimitBurst int
	AdminEnabled   bool

	HealthWindow      time.Duration
	HealthMinRequests int
	DegradedErrorPct  float64
	OverloadDeniedPct float64

	OpenAQAPIKey      string
	OpenAQURL         string
	OpenAQTimeout     time.Duration
	OpenAQMinInterval time.Duration
	OpenAQRadius      int
	OpenAQLimit       int
	OpenAQSensorDays  int

	RetryAttempts   int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	BreakerFailures int
	BreakerTimeout  time.Duration

	GeoEnabled  bool
	GeoURL      string
	GeoToken    string
	GeoTimeout  time.Duration
	GeoRetryMax int

	FanoutWorkers  int
	RateLimitPause time.Duration

	CacheBackend          string
	CacheTTL              time.Duration
	CacheRetention        time.Duration
	CacheFilePath         string
	LevelDBPath           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	HistoryBackend string
	KafkaBrokers   []string
	KafkaTopic     string

	SchedulerEnabled bool
	PollInterval     time.Duration
	ErrorBackoff     time.Duration
	PopularInterval  time.Duration
	PopularPause     time.Duration
	StaleInterval    time.Duration
	StalePause       time.Duration
	FullRefreshAt    string
	FullPause        time.Duration
	Timezone         string
	Popular          []models.Target
	Full             []models.Target

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration
}

type fileConfig struct {
	Server struct {
		Port           string `yaml:"port"`
		RequestTimeout string `yaml:"request_timeout"`
		Admin          *bool  `yaml:"admin"`
	} `yaml:"server"`

	Health struct {
		Window            string  `yaml:"window"`
		MinRequests       int     `yaml:"min_requests"`
		DegradedErrorPct  float64 `yaml:"degraded_error_pct"`
		OverloadDeniedPct float64 `yaml:"overload_denied_pct"`
	} `yaml:"health"`

	OpenAQ struct {
		URL          string `yaml:"url"`
		Timeout      string `yaml:"timeout"`
		MinInterval  string `yaml:"min_interval"`
		RadiusMeters int    `yaml:"radius_meters"`
		Limit        int    `yaml:"limit"`
		SensorDays   int    `yaml:"sensor_days"`
	} `yaml:"openaq"`

	Geo struct {
		Enabled  *bool  `yaml:"enabled"`
		URL      string `yaml:"url"`
		Timeout  string `yaml:"timeout"`
		RetryMax int    `yaml:"retry_max"`
	} `yaml:"geo"`

	Fanout struct {
		Workers        int    `yaml:"workers"`
		RateLimitPause string `yaml:"rate_limit_pause"`
	} `yaml:"fanout"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Retention string `yaml:"retention"`
		File      struct {
			Path string `yaml:"path"`
		} `yaml:"file"`
		LevelDB struct {
			Path string `yaml:"path"`
		} `yaml:"leveldb"`
		Redis struct {
			Addr string `yaml:"addr"`
			DB   int    `yaml:"db"`
		} `yaml:"redis"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Database struct {
		URL             string `yaml:"url"`
		MaxOpenConns    int    `yaml:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns"`
		ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	} `yaml:"database"`

	History struct {
		Backend string `yaml:"backend"`
		Kafka   struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
	} `yaml:"history"`

	Scheduler struct {
		Enabled      *bool   `yaml:"enabled"`
		PollInterval string  `yaml:"poll_interval"`
		ErrorBackoff string  `yaml:"error_backoff"`
		Timezone     string  `yaml:"timezone"`
		Popular      jobFile `yaml:"popular"`
		StaleSweep   jobFile `yaml:"stale_sweep"`
		FullRefresh  jobFile `yaml:"full_refresh"`
	} `yaml:"scheduler"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		BreakerFailures  *int   `yaml:"breaker_failures"`
		BreakerTimeout   string `yaml:"breaker_timeout"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`
}

type jobFile struct {
	Interval  string          `yaml:"interval"`
	At        string          `yaml:"at"`
	Pause     string          `yaml:"pause"`
	Locations []models.Target `yaml:"locations"`
}

type secretsFile struct {
	OpenAQAPIKey  string `yaml:"openaq_api_key"`
	GeoToken      string `yaml:"geo_token"`
	RedisPassword string `yaml:"redis_password"`
	DatabaseURL   string `yaml:"database_url"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// A .env file in the working directory is loaded first; variables already set win over it.
// The API key comes from OPENAQ_API_KEY or the secrets file. Call from project root.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var sec secretsFile
	secretsData, err := os.ReadFile(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read secrets file: %w", err)
		}
	} else if err := yaml.Unmarshal(secretsData, &sec); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.RequestTimeout = parseDuration(fc.Server.RequestTimeout, 30*time.Second)
	cfg.AdminEnabled = boolOr(fc.Server.Admin, true)

	cfg.HealthWindow = parseDuration(fc.Health.Window, time.Minute)
	cfg.HealthMinRequests = intOr(fc.Health.MinRequests, 10)
	cfg.DegradedErrorPct = floatOr(fc.Health.DegradedErrorPct, 50)
	cfg.OverloadDeniedPct = floatOr(fc.Health.OverloadDeniedPct, 30)

	cfg.OpenAQAPIKey = firstNonEmpty(os.Getenv("OPENAQ_API_KEY"), sec.OpenAQAPIKey)
	if cfg.OpenAQAPIKey == "" {
		return nil, fmt.Errorf("OPENAQ_API_KEY required (set env or config/secrets.yaml openaq_api_key)")
	}
	cfg.OpenAQURL = firstNonEmpty(fc.OpenAQ.URL, "https://api.openaq.org/v3")
	cfg.OpenAQTimeout = parseDurationOrZero(fc.OpenAQ.Timeout, 5*time.Second)
	cfg.OpenAQMinInterval = parseDuration(fc.OpenAQ.MinInterval, 500*time.Millisecond)
	cfg.OpenAQRadius = intOr(fc.OpenAQ.RadiusMeters, 20000)
	cfg.OpenAQLimit = intOr(fc.OpenAQ.Limit, 5)
	cfg.OpenAQSensorDays = intOr(fc.OpenAQ.SensorDays, 14)

	cfg.RetryAttempts = intOr(fc.Reliability.RetryMaxAttempts, 3)
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.BreakerFailures = 5
	if fc.Reliability.BreakerFailures != nil {
		cfg.BreakerFailures = *fc.Reliability.BreakerFailures
	}
	cfg.BreakerTimeout = parseDuration(fc.Reliability.BreakerTimeout, 30*time.Second)
	cfg.RateLimitRPS = intOr(fc.Reliability.RateLimitRPS, 50)
	cfg.RateLimitBurst = intOr(fc.Reliability.RateLimitBurst, 100)

	cfg.GeoEnabled = boolOr(fc.Geo.Enabled, true)
	cfg.GeoURL = firstNonEmpty(fc.Geo.URL, "https://ipinfo.io")
	cfg.GeoToken = firstNonEmpty(os.Getenv("IPINFO_TOKEN"), sec.GeoToken)
	cfg.GeoTimeout = parseDuration(fc.Geo.Timeout, 3*time.Second)
	cfg.GeoRetryMax = intOr(fc.Geo.RetryMax, 2)

	cfg.FanoutWorkers = intOr(fc.Fanout.Workers, 10)
	cfg.RateLimitPause = parseDuration(fc.Fanout.RateLimitPause, 2*time.Second)

	cfg.CacheBackend = normalize(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, BackendMemory))
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, time.Hour)
	cfg.CacheRetention = parseDuration(fc.Cache.Retention, 7*24*time.Hour)
	cfg.CacheFilePath = firstNonEmpty(fc.Cache.File.Path, "data/cache.json")
	cfg.LevelDBPath = firstNonEmpty(fc.Cache.LevelDB.Path, "data/cache.ldb")
	cfg.RedisAddr = firstNonEmpty(strings.TrimSpace(os.Getenv("REDIS_ADDR")), fc.Cache.Redis.Addr, "localhost:6379")
	cfg.RedisPassword = firstNonEmpty(os.Getenv("REDIS_PASSWORD"), sec.RedisPassword)
	cfg.RedisDB = fc.Cache.Redis.DB
	cfg.MemcachedAddrs = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")), strings.TrimSpace(fc.Cache.Memcached.Addrs), "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = intOr(fc.Cache.Memcached.MaxIdleConns, 2)

	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), sec.DatabaseURL, fc.Database.URL)
	cfg.DBMaxOpenConns = intOr(fc.Database.MaxOpenConns, 10)
	cfg.DBMaxIdleConns = intOr(fc.Database.MaxIdleConns, 5)
	cfg.DBConnMaxLifetime = parseDuration(fc.Database.ConnMaxLifetime, 30*time.Minute)

	cfg.HistoryBackend = normalize(firstNonEmpty(os.Getenv("HISTORY_BACKEND"), fc.History.Backend, BackendMemory))
	cfg.KafkaBrokers = fc.History.Kafka.Brokers
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	cfg.KafkaTopic = firstNonEmpty(fc.History.Kafka.Topic, "air-quality-readings")

	sc := fc.Scheduler
	cfg.SchedulerEnabled = boolOr(sc.Enabled, true)
	cfg.PollInterval = parseDuration(sc.PollInterval, 60*time.Second)
	cfg.ErrorBackoff = parseDuration(sc.ErrorBackoff, 5*time.Minute)
	cfg.Timezone = firstNonEmpty(sc.Timezone, "UTC")
	cfg.PopularInterval = parseDuration(sc.Popular.Interval, 30*time.Minute)
	cfg.PopularPause = parseDuration(sc.Popular.Pause, 10*time.Second)
	cfg.StaleInterval = parseDuration(sc.StaleSweep.Interval, 2*time.Hour)
	cfg.StalePause = parseDuration(sc.StaleSweep.Pause, 5*time.Second)
	cfg.FullRefreshAt = firstNonEmpty(strings.TrimSpace(sc.FullRefresh.At), "06:00")
	cfg.FullPause = parseDuration(sc.FullRefresh.Pause, 15*time.Second)
	cfg.Popular = sc.Popular.Locations
	if len(cfg.Popular) == 0 {
		cfg.Popular = DefaultPopular
	}
	cfg.Full = sc.FullRefresh.Locations
	if len(cfg.Full) == 0 {
		cfg.Full = DefaultFull
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func floatOr(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate performs post-load validation of configuration values.
// Auto-adjusts RequestTimeout so it always exceeds the upstream timeout.
func validate(cfg *Config) error {
	if cfg.OpenAQTimeout <= 0 {
		return fmt.Errorf("openaq.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.OpenAQTimeout {
		cfg.RequestTimeout = cfg.OpenAQTimeout + time.Second
	}
	if cfg.DegradedErrorPct > 100 || cfg.OverloadDeniedPct > 100 {
		return fmt.Errorf("health thresholds must be percentages in (0, 100]")
	}
	if cfg.BreakerFailures < 0 {
		return fmt.Errorf("reliability.breaker_failures must not be negative")
	}
	switch cfg.CacheBackend {
	case BackendMemory, BackendFile, BackendLevelDB, BackendRedis, BackendMemcached, BackendPostgres:
	default:
		return fmt.Errorf("cache.backend must be one of memory, file, leveldb, redis, memcached, postgres, got %q", cfg.CacheBackend)
	}
	switch cfg.HistoryBackend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("history.backend must be memory or postgres, got %q", cfg.HistoryBackend)
	}
	if (cfg.CacheBackend == BackendPostgres || cfg.HistoryBackend == BackendPostgres) && cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL required for postgres backends")
	}
	if err := validateClock(cfg.FullRefreshAt); err != nil {
		return err
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	for _, list := range [][]models.Target{cfg.Popular, cfg.Full} {
		for _, t := range list {
			if strings.TrimSpace(t.Name) == "" {
				return fmt.Errorf("scheduler location without name at %.4f,%.4f", t.Latitude, t.Longitude)
			}
		}
	}
	return nil
}

func validateClock(at string) error {
	h, m, ok := strings.Cut(at, ":")
	if !ok || len(h) != 2 || len(m) != 2 {
		return fmt.Errorf("scheduler.full_refresh.at must be HH:MM, got %q", at)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return fmt.Errorf("scheduler.full_refresh.at must be HH:MM, got %q", at)
	}
	return nil
}
