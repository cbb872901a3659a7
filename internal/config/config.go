package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kledx/shll-sub001/pkg/logger"
)

const (
	// EnvConfigPath 覆盖默认配置文件路径。
	EnvConfigPath = "POLICYGUARD_CONFIG"
	// DefaultConfigPath 是未设置环境变量时使用的配置文件。
	DefaultConfigPath = "configs/policyguard.json"
)

// Config 描述了 policyguardd 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig   `json:"server"`
	Storage    StorageConfig  `json:"storage"`
	Web3       Web3Config     `json:"web3"`
	Identities IdentityConfig `json:"identities"`
	Events     EventsConfig   `json:"events"`
	Metrics    MetricsConfig  `json:"metrics"`
	Logging    logger.Config  `json:"logging"`
	Bootstrap  string         `json:"bootstrap"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address             string `json:"address"`
	CommitWindowSeconds int    `json:"commit_window_seconds"`
}

// StorageConfig 选择账本 KV 的后端：memory、redis 或 mysql。
type StorageConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
	MySQL  MySQLConfig `json:"mysql"`
}

// RedisConfig 描述 Redis 后端。
type RedisConfig struct {
	Address         string `json:"address"`
	Password        string `json:"password"`
	DB              int    `json:"db"`
	Namespace       string `json:"namespace"`
	LockTTLSeconds  int    `json:"lock_ttl_seconds"`
	LockRetryMillis int    `json:"lock_retry_millis"`
}

// MySQLConfig 描述 MySQL 后端。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
	LockWaitSeconds        int    `json:"lock_wait_seconds"`
}

// Web3Config 选择 NFA oracle：memory 读取 bootstrap 中的 agents，
// ethereum 通过 RPC 读取链上合约。
type Web3Config struct {
	Oracle      string `json:"oracle"`
	ChainsFile  string `json:"chains_file"`
	Chain       string `json:"chain"`
	RPCURL      string `json:"rpc_url"`
	NFAContract string `json:"nfa_contract"`
}

// IdentityConfig 是编排器识别的固定地址。
type IdentityConfig struct {
	Authority string `json:"authority"`
	Relay     string `json:"relay"`
	Binder    string `json:"binder"`
	Self      string `json:"self"`
	NFA       string `json:"nfa"`
}

// EventsConfig 配置决策事件的发布目标，可同时启用多个。
type EventsConfig struct {
	Memory   MemoryEventsConfig   `json:"memory"`
	Redis    RedisEventsConfig    `json:"redis"`
	RabbitMQ RabbitMQEventsConfig `json:"rabbitmq"`
}

// MemoryEventsConfig 配置进程内事件总线。
type MemoryEventsConfig struct {
	Enabled bool `json:"enabled"`
	Buffer  int  `json:"buffer"`
}

// RedisEventsConfig 配置 Redis list 事件流。
type RedisEventsConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	List     string `json:"list"`
	MaxLen   int64  `json:"max_len"`
}

// RabbitMQEventsConfig 配置 RabbitMQ 事件流。
type RabbitMQEventsConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	Queue    string `json:"queue"`
	Durable  bool   `json:"durable"`
}

// MetricsConfig 控制 Prometheus 指标端点。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// Path 返回配置文件路径：优先读取 POLICYGUARD_CONFIG。
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return filepath.FromSlash(DefaultConfigPath)
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
	if c.Server.CommitWindowSeconds <= 0 {
		c.Server.CommitWindowSeconds = 120
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Redis.Namespace == "" {
		c.Storage.Redis.Namespace = "policyguard"
	}
	if c.Storage.MySQL.LockWaitSeconds <= 0 {
		c.Storage.MySQL.LockWaitSeconds = 10
	}

	if c.Web3.Oracle == "" {
		c.Web3.Oracle = "memory"
	}
	c.Web3.ChainsFile = resolve(baseDir, c.Web3.ChainsFile)

	if c.Events.Memory.Buffer <= 0 {
		c.Events.Memory.Buffer = 1024
	}
	if c.Events.Redis.List == "" {
		c.Events.Redis.List = "policyguard:events"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "policyguard.events"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	}

	c.Bootstrap = resolve(baseDir, c.Bootstrap)
}

// resolve 将相对路径解释为相对于配置文件所在目录。
func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
