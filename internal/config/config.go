// Package config 读取 TOML 配置文件，所有键都有默认值。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/run-bigpig/jcp-debate/internal/agent"
	"github.com/run-bigpig/jcp-debate/internal/logger"
	"github.com/run-bigpig/jcp-debate/internal/models"
	"github.com/run-bigpig/jcp-debate/internal/pkg/paths"
	"github.com/run-bigpig/jcp-debate/internal/search"
)

var log = logger.New("Config")

// EnvAPIKey 覆盖 llm.api_key 的环境变量
const EnvAPIKey = "JCP_API_KEY"

// 存储驱动
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// Config 应用配置
type Config struct {
	Server     ServerConfig             `toml:"server"`
	Storage    StorageConfig            `toml:"storage"`
	Log        LogConfig                `toml:"log"`
	LLM        models.AIConfig          `toml:"llm"`
	Models     []models.AIConfig        `toml:"models"` // 供角色单独指定的额外模型
	Roles      map[string]agent.Persona `toml:"roles"`
	Meeting    MeetingConfig            `toml:"meeting"`
	Search     SearchConfig             `toml:"search"`
	MCPServers []models.MCPServerConfig `toml:"mcp_servers"`

	Path string `toml:"-"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// NodeID 消息 ID 的 snowflake 节点号，多实例部署时需各不相同
	NodeID int64 `toml:"node_id"`
}

type StorageConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

type LogConfig struct {
	Level   string `toml:"level"`
	NoColor bool   `toml:"no_color"`
}

// MeetingConfig 编排配置，Modes 的键为模式名
type MeetingConfig struct {
	SnapshotInterval  time.Duration        `toml:"snapshot_interval"`
	FinishedRetention time.Duration        `toml:"finished_retention"`
	Modes             map[string]ModeRules `toml:"modes"`
}

// ModeRules 模式规则覆盖，未填写的项沿用内置默认值
type ModeRules struct {
	MaxTime               time.Duration `toml:"max_time"`
	MaxRounds             int           `toml:"max_rounds"`
	ManagerCanInterrupt   *bool         `toml:"manager_can_interrupt"`
	RequireDataCollection *bool         `toml:"require_data_collection"`
}

type SearchConfig struct {
	CacheTTL time.Duration     `toml:"cache_ttl"`
	News     search.HTMLConfig `toml:"news"`
	Web      search.HTMLConfig `toml:"web"`
}

// Default 默认配置
func Default() Config {
	return Config{
		Server:  ServerConfig{Addr: "127.0.0.1:8686", NodeID: 1},
		Storage: StorageConfig{Driver: StorageSQLite, Path: paths.GetLedgerDB()},
		Log:     LogConfig{Level: "info"},
		LLM: models.AIConfig{
			ID:        "default",
			Provider:  models.AIProviderOpenAI,
			BaseURL:   "https://api.openai.com/v1",
			ModelName: "gpt-4o-mini",
		},
		Meeting: MeetingConfig{
			SnapshotInterval:  3 * time.Second,
			FinishedRetention: 2 * time.Minute,
		},
		Search: SearchConfig{
			CacheTTL: 10 * time.Minute,
			News:     search.DefaultNewsConfig(),
			Web:      search.DefaultWebConfig(),
		},
	}
}

// Load 读取配置。path 为空时读取数据目录下的 config.toml，该文件不存在时使用默认值；
// 显式指定的文件不存在则报错。
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = paths.GetConfigFile()
	}
	resolved, err := expandHome(path)
	if err != nil {
		return Config{}, err
	}

	if _, err := toml.DecodeFile(resolved, &cfg); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			log.Info("未找到配置文件 %s，使用默认配置", resolved)
			cfg.applyEnv()
			return cfg, cfg.Validate()
		}
		return Config{}, fmt.Errorf("load config %s: %w", resolved, err)
	}
	cfg.Path = resolved
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	log.Info("已加载配置: %s", resolved)
	return cfg, nil
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimLeft(strings.TrimPrefix(path, "~"), `/\`)
		path = filepath.Join(home, trimmed)
	}
	return filepath.Clean(path), nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv(EnvAPIKey); key != "" {
		c.LLM.APIKey = key
	}
	if c.LLM.ID == "" {
		c.LLM.ID = "default"
	}
}

// Validate 校验枚举类配置项
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageSQLite, StorageMemory:
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	for name := range c.Meeting.Modes {
		if _, err := models.ParseMode(name); err != nil {
			return fmt.Errorf("meeting.modes: %w", err)
		}
	}
	for name := range c.Roles {
		if _, err := models.ParseRole(name); err != nil {
			return fmt.Errorf("roles: %w", err)
		}
	}

	ids := map[string]bool{c.LLM.ID: true}
	for _, m := range c.Models {
		if m.ID == "" || ids[m.ID] {
			return fmt.Errorf("models: missing or duplicate id %q", m.ID)
		}
		ids[m.ID] = true
	}

	seen := make(map[string]bool, len(c.MCPServers))
	for _, s := range c.MCPServers {
		if s.ID == "" || seen[s.ID] {
			return fmt.Errorf("mcp_servers: missing or duplicate id %q", s.ID)
		}
		seen[s.ID] = true
		switch s.TransportType {
		case models.MCPTransportHTTP, models.MCPTransportSSE, models.MCPTransportCommand:
		default:
			return fmt.Errorf("mcp_servers.%s: unknown transport %q", s.ID, s.TransportType)
		}
	}
	return nil
}

// RulesOverrides 各模式的规则覆盖项
func (c *Config) RulesOverrides() map[models.Mode]*models.RulesOverride {
	out := make(map[models.Mode]*models.RulesOverride, len(c.Meeting.Modes))
	for name, r := range c.Meeting.Modes {
		o := &models.RulesOverride{
			ManagerCanInterrupt:   r.ManagerCanInterrupt,
			RequireDataCollection: r.RequireDataCollection,
		}
		if r.MaxTime > 0 {
			o.MaxTime = &r.MaxTime
		}
		if r.MaxRounds > 0 {
			o.MaxRounds = &r.MaxRounds
		}
		out[models.Mode(name)] = o
	}
	return out
}

// ResolveAI 按 ID 查找模型配置，ID 为空或未配置时返回默认模型
func (c *Config) ResolveAI(id string) *models.AIConfig {
	if id != "" && id != c.LLM.ID {
		for i := range c.Models {
			if c.Models[i].ID == id {
				m := c.Models[i]
				if m.APIKey == "" {
					m.APIKey = c.LLM.APIKey
				}
				return &m
			}
		}
		log.Warn("未找到模型配置 %s，使用默认模型", id)
	}
	m := c.LLM
	return &m
}

// ApplyRoles 把角色配置覆盖到角色表
func (c *Config) ApplyRoles(r *agent.Roster) error {
	for name, p := range c.Roles {
		if err := r.Override(models.Role(name), p); err != nil {
			return err
		}
	}
	return nil
}
