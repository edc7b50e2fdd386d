package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"exchange-ledger/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env          string        `yaml:"env"`
	BaseCurrency string        `yaml:"baseCurrency"` // 平均成本的计价币种
	Log          logger.Config `yaml:"log"`
	Store        StoreConfig   `yaml:"store"`
	Server       ServerConfig  `yaml:"server"`
	Resync       ResyncConfig  `yaml:"resync"`
	Alert        AlertConfig   `yaml:"alert"`
}

// StoreConfig 选择持仓持久化后端。
type StoreConfig struct {
	Driver        string      `yaml:"driver"` // memory, file, sqlite, redis
	Path          string      `yaml:"path"`   // file/sqlite 路径
	Redis         RedisConfig `yaml:"redis"`
	SaveTimeoutMs int         `yaml:"saveTimeoutMs"` // 单次持久化超时
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"` // 持仓 hash 的 key
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metricsAddr"` // 留空则关闭
}

type ResyncConfig struct {
	IntervalMs int `yaml:"intervalMs"` // 脏持仓重写周期，0 关闭
}

// AlertConfig 账本告警。
type AlertConfig struct {
	ThrottleMs   int    `yaml:"throttleMs"`   // 同类告警最小间隔
	RedisChannel string `yaml:"redisChannel"` // redis 驱动下额外发布到该频道，留空关闭
}

const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Load reads YAML config from path, fills defaults and validates.
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	ApplyDefaults(&cfg)
	return cfg, Validate(cfg)
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("LEDGER_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
	if v := os.Getenv("LEDGER_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("LEDGER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	ApplyDefaults(&cfg)
	return cfg, Validate(cfg)
}

func parse(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults 补齐未配置的字段。
func ApplyDefaults(cfg *AppConfig) {
	def := logger.DefaultConfig()
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Level
	}
	if len(cfg.Log.Outputs) == 0 {
		cfg.Log.Outputs = def.Outputs
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Format
	}
	cfg.BaseCurrency = strings.ToUpper(strings.TrimSpace(cfg.BaseCurrency))
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverMemory
	}
	if cfg.Store.SaveTimeoutMs == 0 {
		cfg.Store.SaveTimeoutMs = 3000
	}
	if cfg.Store.Redis.Key == "" {
		cfg.Store.Redis.Key = "ledger:positions"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Alert.ThrottleMs == 0 {
		cfg.Alert.ThrottleMs = 60000
	}
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if len(cfg.BaseCurrency) != 3 {
		return fmt.Errorf("baseCurrency must be a 3-letter code, got %q", cfg.BaseCurrency)
	}
	switch cfg.Store.Driver {
	case DriverMemory:
	case DriverFile, DriverSQLite:
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for driver %s", cfg.Store.Driver)
		}
	case DriverRedis:
		if cfg.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required for driver redis")
		}
		if cfg.Store.Redis.DB < 0 {
			return errors.New("store.redis.db must be >= 0")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", cfg.Store.Driver)
	}
	if cfg.Store.SaveTimeoutMs < 0 {
		return errors.New("store.saveTimeoutMs must be >= 0")
	}
	if cfg.Resync.IntervalMs < 0 {
		return errors.New("resync.intervalMs must be >= 0")
	}
	if cfg.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if cfg.Alert.ThrottleMs < 0 {
		return errors.New("alert.throttleMs must be >= 0")
	}
	if cfg.Alert.RedisChannel != "" && cfg.Store.Driver != DriverRedis {
		return errors.New("alert.redisChannel requires store.driver redis")
	}
	return nil
}
