package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// 默认值
const (
	DefaultBaseURL         = "https://api.tastyworks.com"
	DefaultSessionAttempts = 3
	DefaultSessionDelay    = 5 * time.Second
	DefaultSyncDelay       = time.Second
	DefaultOrderSource     = "WBT"
)

// APIConfig REST 接口配置
type APIConfig struct {
	BaseURL            string        `yaml:"base_url"`
	Timeout            time.Duration `yaml:"timeout"`
	RetryCount         int           `yaml:"retry_count"`           // 传输层重试次数（仅 GET 的 429/5xx）
	RetryWait          time.Duration `yaml:"retry_wait"`            // 传输层重试间隔
	RateLimitPerSecond int           `yaml:"rate_limit_per_second"` // 0 表示不限速
	UserAgent          string        `yaml:"user_agent"`
}

// SessionConfig 登录配置
type SessionConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// OrdersConfig 订单生命周期配置
type OrdersConfig struct {
	Source          string        `yaml:"source"`
	RouteSyncDelay  time.Duration `yaml:"route_sync_delay"`  // 实盘下单后等待多久再对账
	CancelSyncDelay time.Duration `yaml:"cancel_sync_delay"` // 撤单后等待多久再对账
}

// StreamerConfig 行情流配置
type StreamerConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"output_file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Config 应用配置
type Config struct {
	API      APIConfig      `yaml:"api"`
	Session  SessionConfig  `yaml:"session"`
	Orders   OrdersConfig   `yaml:"orders"`
	Streamer StreamerConfig `yaml:"streamer"`
	Log      LogConfig      `yaml:"log"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Default 返回默认配置
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:    DefaultBaseURL,
			Timeout:    30 * time.Second,
			RetryCount: 3,
			RetryWait:  time.Second,
			UserAgent:  "gotasty/1.0",
		},
		Session: SessionConfig{
			MaxAttempts: DefaultSessionAttempts,
			RetryDelay:  DefaultSessionDelay,
		},
		Orders: OrdersConfig{
			Source:          DefaultOrderSource,
			RouteSyncDelay:  DefaultSyncDelay,
			CancelSyncDelay: DefaultSyncDelay,
		},
		Streamer: StreamerConfig{
			HandshakeTimeout: 15 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		Log: LogConfig{
			Level:      "info",
			OutputFile: "logs/tasty.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
	}
}

// Load 加载配置（优先级：环境变量 > 配置文件 > 默认值）
// filePath 为空时只使用环境变量和默认值
func Load(filePath string) (*Config, error) {
	cfg := Default()

	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// Get 返回最近一次 Load 的配置（未加载时返回默认配置）
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	if globalConfig == nil {
		return Default()
	}
	return globalConfig
}

// loadConfigFile 加载配置文件（YAML；JSON 是 YAML 的子集，同样由 yaml.v3 解析）
// 文件中未出现的字段保留默认值
func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml", ".json":
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", filepath.Ext(filePath))
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	return nil
}

// applyEnv 用环境变量覆盖配置
func applyEnv(cfg *Config) {
	cfg.API.BaseURL = getEnv("TASTY_API_URL", cfg.API.BaseURL)
	cfg.API.RateLimitPerSecond = parseIntEnv("TASTY_RATE_LIMIT", cfg.API.RateLimitPerSecond)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.OutputFile = getEnv("LOG_FILE", cfg.Log.OutputFile)
	cfg.Orders.Source = getEnv("TW_ORDER_SOURCE", cfg.Orders.Source)
	cfg.Orders.RouteSyncDelay = parseDurationEnv("TW_ROUTE_SYNC_DELAY", cfg.Orders.RouteSyncDelay)
	cfg.Orders.CancelSyncDelay = parseDurationEnv("TW_CANCEL_SYNC_DELAY", cfg.Orders.CancelSyncDelay)
}

// Validate 验证配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("api.base_url 不能为空")
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("api.timeout 不能为负数")
	}
	if c.API.RetryCount < 0 {
		return fmt.Errorf("api.retry_count 不能为负数")
	}
	if c.API.RateLimitPerSecond < 0 {
		return fmt.Errorf("api.rate_limit_per_second 不能为负数")
	}
	if c.Session.MaxAttempts <= 0 {
		return fmt.Errorf("session.max_attempts 必须大于 0")
	}
	if c.Session.RetryDelay < 0 {
		return fmt.Errorf("session.retry_delay 不能为负数")
	}
	if c.Orders.RouteSyncDelay < 0 || c.Orders.CancelSyncDelay < 0 {
		return fmt.Errorf("orders 同步延迟不能为负数")
	}
	if strings.TrimSpace(c.Orders.Source) == "" {
		return fmt.Errorf("orders.source 不能为空")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func parseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
