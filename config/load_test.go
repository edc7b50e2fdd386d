package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeTempConfig(t, `
env: dev
baseCurrency: ars
log:
  level: debug
  format: console
store:
  driver: SQLite
  path: /tmp/ledger.db
  saveTimeoutMs: 500
server:
  addr: ":8081"
  metricsAddr: ":9101"
resync:
  intervalMs: 2000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Env != "dev" || cfg.BaseCurrency != "ARS" {
		t.Fatalf("unexpected cfg values: %+v", cfg)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Store.SaveTimeoutMs != 500 {
		t.Fatalf("unexpected store cfg: %+v", cfg.Store)
	}
	if cfg.Log.Level != "debug" || len(cfg.Log.Outputs) != 1 {
		t.Fatalf("unexpected log cfg: %+v", cfg.Log)
	}
	if cfg.Resync.IntervalMs != 2000 || cfg.Server.MetricsAddr != ":9101" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `
env: dev
baseCurrency: USD
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Fatalf("expected memory driver, got %q", cfg.Store.Driver)
	}
	if cfg.Store.SaveTimeoutMs != 3000 || cfg.Server.Addr != ":8080" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Store.Redis.Key != "ledger:positions" {
		t.Fatalf("unexpected redis key %q", cfg.Store.Redis.Key)
	}
	if cfg.Alert.ThrottleMs != 60000 || cfg.Alert.RedisChannel != "" {
		t.Fatalf("unexpected alert cfg: %+v", cfg.Alert)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
env: prod
baseCurrency: ARS
store:
  driver: redis
  redis:
    addr: 127.0.0.1:6379
`)
	t.Setenv("LEDGER_REDIS_PASSWORD", "env-secret")
	t.Setenv("LEDGER_LOG_LEVEL", "warn")
	cfg, err := LoadWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Redis.Password != "env-secret" {
		t.Fatalf("env overrides not applied: %+v", cfg.Store.Redis)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("log level override not applied: %q", cfg.Log.Level)
	}
}

func TestLoadEnvProvidesStorePath(t *testing.T) {
	path := writeTempConfig(t, `
env: prod
baseCurrency: ARS
store:
  driver: file
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected missing path error")
	}
	t.Setenv("LEDGER_STORE_PATH", filepath.Join(t.TempDir(), "positions.yaml"))
	if _, err := LoadWithEnvOverrides(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	err := Validate(AppConfig{})
	if err == nil {
		t.Fatalf("expected error for empty config")
	}

	base := AppConfig{Env: "dev", BaseCurrency: "ARS", Server: ServerConfig{Addr: ":8080"}}
	cases := map[string]func(*AppConfig){
		"unknown driver":    func(c *AppConfig) { c.Store.Driver = "mongo" },
		"redis no addr":     func(c *AppConfig) { c.Store.Driver = DriverRedis },
		"sqlite no path":    func(c *AppConfig) { c.Store.Driver = DriverSQLite },
		"negative timeout":  func(c *AppConfig) { c.Store.Driver = DriverMemory; c.Store.SaveTimeoutMs = -1 },
		"bad currency":      func(c *AppConfig) { c.Store.Driver = DriverMemory; c.BaseCurrency = "PESO" },
		"negative resync":   func(c *AppConfig) { c.Store.Driver = DriverMemory; c.Resync.IntervalMs = -5 },
		"alert channel":     func(c *AppConfig) { c.Store.Driver = DriverFile; c.Store.Path = "p"; c.Alert.RedisChannel = "alerts" },
		"negative throttle": func(c *AppConfig) { c.Store.Driver = DriverMemory; c.Alert.ThrottleMs = -1 },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	ok := base
	ok.Store.Driver = DriverMemory
	if err := Validate(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
