package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 AgentRelay 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Registry RegistryConfig `json:"registry"`
	Session  SessionConfig  `json:"session"`
	Logging  LoggingConfig  `json:"logging"`
	Alerting AlertingConfig `json:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述请求台账、会话消息与批准状态的后端。
type StorageConfig struct {
	Ledger    StoreConfig    `json:"ledger"`
	Messages  StoreConfig    `json:"messages"`
	Approvals ApprovalConfig `json:"approvals"`
}

// StoreConfig 描述一个可切换 memory/mysql 驱动的存储后端。
type StoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// ApprovalConfig 描述能力批准状态的存储后端。
type ApprovalConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// QueueConfig 描述调用请求队列的驱动与参数。
type QueueConfig struct {
	Driver   string              `json:"driver"`
	Worker   int                 `json:"worker"`
	Redis    RedisQueueConfig    `json:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQQueueConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// RegistryConfig 控制能力注册表的发现与批准策略。
type RegistryConfig struct {
	ManifestDir string `json:"manifest_dir"`
	AutoApprove bool   `json:"auto_approve"`
}

// SessionConfig 控制会话状态机的防抖与结果回收参数。
type SessionConfig struct {
	GuardBurst     int `json:"guard_burst"`
	GuardWindowMS  int `json:"guard_window_ms"`
	PollIntervalMS int `json:"poll_interval_ms"`
}

// LoggingConfig 映射到日志初始化参数。
type LoggingConfig struct {
	Level        string   `json:"level"`
	Format       string   `json:"format"`
	OutputPaths  []string `json:"output_paths"`
	AuditEnabled bool     `json:"audit_enabled"`
	AuditPath    string   `json:"audit_path"`
}

// AlertingConfig 控制告警通知渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Ledger.Driver == "" {
		c.Storage.Ledger.Driver = "memory"
	}
	if c.Storage.Messages.Driver == "" {
		c.Storage.Messages.Driver = "memory"
	}
	if c.Storage.Approvals.Driver == "" {
		c.Storage.Approvals.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Worker <= 0 {
		c.Queue.Worker = 4
	}

	if c.Registry.ManifestDir != "" && !filepath.IsAbs(c.Registry.ManifestDir) {
		c.Registry.ManifestDir = filepath.Join(baseDir, c.Registry.ManifestDir)
	}

	if c.Session.GuardBurst <= 0 {
		c.Session.GuardBurst = 100
	}
	if c.Session.GuardWindowMS <= 0 {
		c.Session.GuardWindowMS = 100
	}
	if c.Session.PollIntervalMS <= 0 {
		c.Session.PollIntervalMS = 500
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
