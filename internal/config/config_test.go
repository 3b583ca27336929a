package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// chdirTemp moves into a fresh directory holding config/dev.yaml and restores the cwd afterwards.
func chdirTemp(t *testing.T, yaml string) string {
	t.Helper()
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	unsetEnv(t, "ENV_NAME")
	dir := t.TempDir()
	writeEnvFile(t, dir, yaml)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })
	return dir
}

// unsetEnv clears key for the test. godotenv will not override a key that is set, even to "".
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	saved, had := os.LookupEnv(key)
	os.Unsetenv(key)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, saved)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoad_FailsWhenNoToken(t *testing.T) {
	unsetEnv(t, "WAQI_API_TOKEN")
	chdirTemp(t, minimalEnvYAML)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error when no WAQI_API_TOKEN and no secrets file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "WAQI_API_TOKEN") {
		t.Errorf("Load() error = %v, want message containing WAQI_API_TOKEN", err)
	}
}

func TestLoadWithoutToken_AllowsMissingToken(t *testing.T) {
	unsetEnv(t, "WAQI_API_TOKEN")
	chdirTemp(t, minimalEnvYAML)

	cfg, err := LoadWithoutToken()
	if err != nil {
		t.Fatalf("LoadWithoutToken() error = %v", err)
	}
	if cfg.WAQIToken != "" {
		t.Errorf("WAQIToken = %q, want empty", cfg.WAQIToken)
	}
}

func TestLoad_SucceedsWithSecretsFile(t *testing.T) {
	unsetEnv(t, "WAQI_API_TOKEN")
	unsetEnv(t, "GEMINI_API_KEY")
	dir := chdirTemp(t, minimalEnvYAML)
	writeSecretsFile(t, dir, "waqi_api_token: token-from-secrets\ngemini_api_key: gem-key\nwebhook_secret: hook\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WAQIToken != "token-from-secrets" || cfg.GeminiAPIKey != "gem-key" || cfg.WebhookSecret != "hook" {
		t.Errorf("secrets = %q %q %q", cfg.WAQIToken, cfg.GeminiAPIKey, cfg.WebhookSecret)
	}
}

func TestLoad_EnvOverridesSecretsFile(t *testing.T) {
	t.Setenv("WAQI_API_TOKEN", "token-from-env")
	dir := chdirTemp(t, minimalEnvYAML)
	writeSecretsFile(t, dir, "waqi_api_token: token-from-secrets\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WAQIToken != "token-from-env" {
		t.Errorf("WAQIToken = %q, want token-from-env", cfg.WAQIToken)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	unsetEnv(t, "WAQI_API_TOKEN")
	dir := chdirTemp(t, minimalEnvYAML)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("WAQI_API_TOKEN=token-from-dotenv\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WAQIToken != "token-from-dotenv" {
		t.Errorf("WAQIToken = %q, want token-from-dotenv", cfg.WAQIToken)
	}
}

func TestLoad_EnvFileNotFound(t *testing.T) {
	t.Setenv("WAQI_API_TOKEN", "x")
	chdirTemp(t, minimalEnvYAML)
	t.Setenv("ENV_NAME", "nonexistent")

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for missing env file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("Load() error = %v, want message about config file not found", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("WAQI_API_TOKEN", "tok")
	unsetEnv(t, "CACHE_BACKEND")
	unsetEnv(t, "STORE_BACKEND")
	unsetEnv(t, "ALERTS_ENABLED")
	unsetEnv(t, "PORT")
	chdirTemp(t, "server:\n  port: \"9090\"\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	checks := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"ServerPort", cfg.ServerPort, "9090"},
		{"WAQIURL", cfg.WAQIURL, "https://api.waqi.info"},
		{"WAQITimeout", cfg.WAQITimeout, 5 * time.Second},
		{"BreakerFailures", cfg.BreakerFailures, 5},
		{"GeminiModel", cfg.GeminiModel, "gemini-2.5-flash"},
		{"CacheBackend", cfg.CacheBackend, "in_memory"},
		{"StoreBackend", cfg.StoreBackend, "memory"},
		{"MonitorInterval", cfg.MonitorInterval, 10 * time.Second},
		{"GeolocationTimeout", cfg.GeolocationTimeout, 15 * time.Second},
		{"FallbackLat", cfg.FallbackLat, 40.7128},
		{"FallbackLng", cfg.FallbackLng, -74.0060},
		{"SearchDebounce", cfg.SearchDebounce, 500 * time.Millisecond},
		{"AlertsEnabled", cfg.AlertsEnabled, true},
		{"RateLimitRPS", cfg.RateLimitRPS, 100},
		{"ShutdownTimeout", cfg.ShutdownTimeout, 30 * time.Second},
		{"DegradedErrorPct", cfg.DegradedErrorPct, 50},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_InvalidDurationFallsBackToDefault(t *testing.T) {
	t.Setenv("WAQI_API_TOKEN", "tok")
	chdirTemp(t, `
monitor:
  interval: "soon"
  geolocation_timeout: "-5s"
search:
  debounce: ""
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MonitorInterval != 10*time.Second {
		t.Errorf("MonitorInterval = %v, want 10s", cfg.MonitorInterval)
	}
	if cfg.GeolocationTimeout != 15*time.Second {
		t.Errorf("GeolocationTimeout = %v, want 15s", cfg.GeolocationTimeout)
	}
	if cfg.SearchDebounce != 500*time.Millisecond {
		t.Errorf("SearchDebounce = %v, want 500ms", cfg.SearchDebounce)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"zero waqi timeout", "waqi:\n  timeout: \"0s\"\n", "waqi.timeout"},
		{"bad cache backend", "cache:\n  backend: redis\n", "cache.backend"},
		{"bad store backend", "store:\n  backend: postgres\n", "store.backend"},
		{"bad fallback", "monitor:\n  fallback_lat: 120\n", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WAQI_API_TOKEN", "tok")
			unsetEnv(t, "CACHE_BACKEND")
			unsetEnv(t, "STORE_BACKEND")
			chdirTemp(t, tt.yaml)

			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoad_RequestTimeoutRaisedAboveProviderTimeout(t *testing.T) {
	t.Setenv("WAQI_API_TOKEN", "tok")
	chdirTemp(t, "waqi:\n  timeout: \"8s\"\nrequest:\n  timeout: \"5s\"\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RequestTimeout != 9*time.Second {
		t.Errorf("RequestTimeout = %v, want 9s", cfg.RequestTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WAQI_API_TOKEN", "tok")
	t.Setenv("CACHE_BACKEND", "MEMCACHED")
	t.Setenv("MEMCACHED_ADDRS", "mc1:11211,mc2:11211")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("ALERTS_ENABLED", "false")
	t.Setenv("ALERT_WEBHOOK_URL", "https://hooks.example.com/aqi")
	chdirTemp(t, minimalEnvYAML)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheBackend != "memcached" || cfg.MemcachedAddrs != "mc1:11211,mc2:11211" {
		t.Errorf("cache = %q %q", cfg.CacheBackend, cfg.MemcachedAddrs)
	}
	if cfg.StoreBackend != "sqlite" || cfg.SQLitePath != "/tmp/x.db" {
		t.Errorf("store = %q %q", cfg.StoreBackend, cfg.SQLitePath)
	}
	if cfg.AlertsEnabled {
		t.Error("AlertsEnabled = true, want false from env")
	}
	if cfg.WebhookURL != "https://hooks.example.com/aqi" {
		t.Errorf("WebhookURL = %q", cfg.WebhookURL)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	t.Setenv("WAQI_API_TOKEN", "tok")
	chdirTemp(t, "server: [unclosed\n")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Errorf("Load() error = %v, want parse error", err)
	}
}

func TestLoad_InvalidSecretsYAML(t *testing.T) {
	unsetEnv(t, "WAQI_API_TOKEN")
	dir := chdirTemp(t, minimalEnvYAML)
	writeSecretsFile(t, dir, "waqi_api_token: [broken\n")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse secrets file") {
		t.Errorf("Load() error = %v, want secrets parse error", err)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", time.Minute},
		{"bogus", time.Minute},
		{"0s", time.Minute},
		{"-1s", time.Minute},
		{" 250ms ", 250 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := parseDuration(tt.in, time.Minute); got != tt.want {
			t.Errorf("parseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

const minimalEnvYAML = `
server:
  port: "8080"
waqi:
  url: "https://api.example.com"
  timeout: "2s"
request:
  timeout: "5s"
reliability:
  rate_limit_rps: 5
  rate_limit_burst: 10
shutdown:
  timeout: "10s"
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
