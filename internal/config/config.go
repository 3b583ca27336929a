package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from .env, YAML and env.
type Config struct {
	ServerPort string

	WAQIToken       string
	WAQIURL         string
	WAQITimeout     time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration

	GeminiAPIKey   string
	GeminiURL      string
	GeminiModel    string
	GeminiTimeout  time.Duration
	AdviceCacheTTL time.Duration

	CacheBackend          string // "in_memory" or "memcached"
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	StoreBackend string // "memory" or "sqlite"
	SQLitePath   string

	MonitorInterval    time.Duration
	GeolocationTimeout time.Duration
	FallbackLat        float64
	FallbackLng        float64
	SearchDebounce     time.Duration

	AlertsEnabled  bool
	WebhookURL     string
	WebhookSecret  string
	WebhookTimeout time.Duration

	RequestTimeout  time.Duration
	RateLimitRPS    int
	RateLimitBurst  int
	ShutdownTimeout time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WAQI struct {
		URL             string `yaml:"url"`
		Timeout         string `yaml:"timeout"`
		BreakerFailures *int   `yaml:"breaker_failures"`
		BreakerCooldown string `yaml:"breaker_cooldown"`
	} `yaml:"waqi"`

	Advice struct {
		URL      string `yaml:"url"`
		Model    string `yaml:"model"`
		Timeout  string `yaml:"timeout"`
		CacheTTL string `yaml:"cache_ttl"`
	} `yaml:"advice"`

	Cache struct {
		Backend   string `yaml:"backend"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Store struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"store"`

	Monitor struct {
		Interval           string   `yaml:"interval"`
		GeolocationTimeout string   `yaml:"geolocation_timeout"`
		FallbackLat        *float64 `yaml:"fallback_lat"`
		FallbackLng        *float64 `yaml:"fallback_lng"`
	} `yaml:"monitor"`

	Search struct {
		Debounce string `yaml:"debounce"`
	} `yaml:"search"`

	Alerts struct {
		Enabled        *bool  `yaml:"enabled"`
		WebhookURL     string `yaml:"webhook_url"`
		WebhookTimeout string `yaml:"webhook_timeout"`
	} `yaml:"alerts"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`
}

type secretsFile struct {
	WAQIToken     string `yaml:"waqi_api_token"`
	GeminiAPIKey  string `yaml:"gemini_api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// Load reads .env (if present), config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml. WAQI_API_TOKEN is required. Call from project root.
func Load() (*Config, error) {
	return load(true)
}

// LoadWithoutToken is Load for tools that can run with search disabled.
func LoadWithoutToken() (*Config, error) {
	return load(false)
}

func load(requireToken bool) (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	// .env never overrides variables already set in the environment.
	_ = godotenv.Load(filepath.Join(cwd, ".env"))

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
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

	sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")

	cfg.WAQIToken = firstNonEmpty(os.Getenv("WAQI_API_TOKEN"), sec.WAQIToken)
	if requireToken && cfg.WAQIToken == "" {
		return nil, fmt.Errorf("WAQI_API_TOKEN required (set env or config/secrets.yaml waqi_api_token)")
	}
	cfg.WAQIURL = firstNonEmpty(fc.WAQI.URL, "https://api.waqi.info")
	cfg.WAQITimeout = parseDurationOrZero(fc.WAQI.Timeout, 5*time.Second)
	cfg.BreakerFailures = 5
	if fc.WAQI.BreakerFailures != nil {
		cfg.BreakerFailures = *fc.WAQI.BreakerFailures
	}
	cfg.BreakerCooldown = parseDuration(fc.WAQI.BreakerCooldown, 30*time.Second)

	cfg.GeminiAPIKey = firstNonEmpty(os.Getenv("GEMINI_API_KEY"), sec.GeminiAPIKey)
	cfg.GeminiURL = firstNonEmpty(fc.Advice.URL, "https://generativelanguage.googleapis.com")
	cfg.GeminiModel = firstNonEmpty(fc.Advice.Model, "gemini-2.5-flash")
	cfg.GeminiTimeout = parseDuration(fc.Advice.Timeout, 10*time.Second)
	cfg.AdviceCacheTTL = parseDuration(fc.Advice.CacheTTL, 30*time.Minute)

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory"))
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.StoreBackend = strings.ToLower(firstNonEmpty(os.Getenv("STORE_BACKEND"), fc.Store.Backend, "memory"))
	cfg.SQLitePath = firstNonEmpty(os.Getenv("SQLITE_PATH"), fc.Store.Path, "data/profiles.db")

	cfg.MonitorInterval = parseDuration(fc.Monitor.Interval, 10*time.Second)
	cfg.GeolocationTimeout = parseDuration(fc.Monitor.GeolocationTimeout, 15*time.Second)
	cfg.FallbackLat, cfg.FallbackLng = 40.7128, -74.0060
	if fc.Monitor.FallbackLat != nil {
		cfg.FallbackLat = *fc.Monitor.FallbackLat
	}
	if fc.Monitor.FallbackLng != nil {
		cfg.FallbackLng = *fc.Monitor.FallbackLng
	}
	cfg.SearchDebounce = parseDuration(fc.Search.Debounce, 500*time.Millisecond)

	cfg.AlertsEnabled = true
	if fc.Alerts.Enabled != nil {
		cfg.AlertsEnabled = *fc.Alerts.Enabled
	}
	if v := os.Getenv("ALERTS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AlertsEnabled = b
		}
	}
	cfg.WebhookURL = firstNonEmpty(os.Getenv("ALERT_WEBHOOK_URL"), fc.Alerts.WebhookURL)
	cfg.WebhookSecret = firstNonEmpty(os.Getenv("ALERT_WEBHOOK_SECRET"), sec.WebhookSecret)
	cfg.WebhookTimeout = parseDuration(fc.Alerts.WebhookTimeout, 10*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 20*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
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
// Zero or negative durations are returned as-is for validate to reject.
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

// validate performs post-load checks. RequestTimeout is raised above the
// provider timeout when needed.
func validate(cfg *Config) error {
	if cfg.WAQITimeout <= 0 {
		return fmt.Errorf("waqi.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WAQITimeout {
		cfg.RequestTimeout = cfg.WAQITimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	switch cfg.StoreBackend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store.backend must be memory or sqlite, got %q", cfg.StoreBackend)
	}
	if math.Abs(cfg.FallbackLat) > 90 || math.Abs(cfg.FallbackLng) > 180 {
		return fmt.Errorf("monitor fallback coordinate out of range: %v,%v", cfg.FallbackLat, cfg.FallbackLng)
	}
	return nil
}
