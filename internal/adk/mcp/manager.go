// Package mcp MCP (Model Context Protocol) 集成：为角色提供工具集，
// 并把配置了检索工具的服务器登记为检索数据源。
package mcp

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/mcptoolset"

	"github.com/run-bigpig/jcp-debate/internal/logger"
	"github.com/run-bigpig/jcp-debate/internal/models"
	"github.com/run-bigpig/jcp-debate/internal/search"
)

var log = logger.New("MCP")

var ErrServerNotConfigured = errors.New("mcp server not configured")

// SourcePrefix MCP 数据源名前缀，如 mcp:research
const SourcePrefix = "mcp:"

// ServerStatus MCP 服务器状态
type ServerStatus struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// ToolInfo MCP 工具信息
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ServerID    string `json:"serverId"`
	ServerName  string `json:"serverName"`
}

// TransportFunc 根据配置创建传输层
type TransportFunc func(cfg *models.MCPServerConfig) mcp.Transport

// Manager MCP 服务管理器
type Manager struct {
	mu           sync.RWMutex
	toolsets     map[string]tool.Toolset
	configs      map[string]*models.MCPServerConfig
	newTransport TransportFunc
}

// NewManager 创建 MCP 管理器
func NewManager() *Manager {
	return &Manager{
		toolsets:     make(map[string]tool.Toolset),
		configs:      make(map[string]*models.MCPServerConfig),
		newTransport: createTransport,
	}
}

// SetTransportFunc 替换传输层工厂，需在 LoadConfigs 之前调用
func (m *Manager) SetTransportFunc(fn TransportFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newTransport = fn
}

// LoadConfigs 加载 MCP 服务器配置，未启用的跳过
func (m *Manager) LoadConfigs(configs []models.MCPServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.toolsets = make(map[string]tool.Toolset)
	m.configs = make(map[string]*models.MCPServerConfig)

	for i := range configs {
		cfg := configs[i]
		if !cfg.Enabled {
			continue
		}
		m.configs[cfg.ID] = &cfg

		ts, err := mcptoolset.New(mcptoolset.Config{
			Transport:  m.newTransport(&cfg),
			ToolFilter: tool.StringPredicate(cfg.ToolFilter),
		})
		if err != nil {
			log.Warn("创建 MCP 工具集失败 %s: %v", cfg.ID, err)
			continue
		}
		m.toolsets[cfg.ID] = ts
	}
	log.Info("已加载 %d 个 MCP 服务器", len(m.configs))
}

// createTransport 根据配置创建传输层
func createTransport(cfg *models.MCPServerConfig) mcp.Transport {
	switch cfg.TransportType {
	case models.MCPTransportSSE:
		return &mcp.SSEClientTransport{Endpoint: cfg.Endpoint}
	case models.MCPTransportCommand:
		return &mcp.CommandTransport{Command: exec.Command(cfg.Command, cfg.Args...)}
	default: // http
		return &mcp.StreamableClientTransport{Endpoint: cfg.Endpoint}
	}
}

// ToolsetsByIDs 按服务器 ID 获取工具集
func (m *Manager) ToolsetsByIDs(ids []string) []tool.Toolset {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []tool.Toolset
	for _, id := range ids {
		if ts, ok := m.toolsets[id]; ok {
			out = append(out, ts)
		}
	}
	return out
}

func (m *Manager) config(serverID string) (*models.MCPServerConfig, TransportFunc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[serverID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrServerNotConfigured, serverID)
	}
	return cfg, m.newTransport, nil
}

// connect 建立一次性客户端会话，调用方负责关闭
func (m *Manager) connect(ctx context.Context, serverID string) (*mcp.ClientSession, *models.MCPServerConfig, error) {
	cfg, newTransport, err := m.config(serverID)
	if err != nil {
		return nil, nil, err
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "jcp-debate", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, newTransport(cfg), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", serverID, err)
	}
	return session, cfg, nil
}

// TestConnection 测试服务器连接
func (m *Manager) TestConnection(ctx context.Context, serverID string) ServerStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	session, _, err := m.connect(ctx, serverID)
	if err != nil {
		return ServerStatus{ID: serverID, Error: err.Error()}
	}
	_ = session.Close()
	return ServerStatus{ID: serverID, Connected: true}
}

// ServerTools 列出服务器的工具
func (m *Manager) ServerTools(ctx context.Context, serverID string) ([]ToolInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	session, cfg, err := m.connect(ctx, serverID)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	resp, err := session.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}
	var out []ToolInfo
	for _, t := range resp.Tools {
		out = append(out, ToolInfo{Name: t.Name, Description: t.Description, ServerID: serverID, ServerName: cfg.Name})
	}
	return out, nil
}

// ToolInfosByServerIDs 汇总多个服务器的工具，连接失败的服务器跳过
func (m *Manager) ToolInfosByServerIDs(ctx context.Context, ids []string) []ToolInfo {
	var out []ToolInfo
	for _, id := range ids {
		tools, err := m.ServerTools(ctx, id)
		if err != nil {
			log.Warn("获取 MCP 工具列表失败 %s: %v", id, err)
			continue
		}
		out = append(out, tools...)
	}
	return out
}

// CallTool 调用工具并拼接文本结果
func (m *Manager) CallTool(ctx context.Context, serverID, name string, args map[string]any) (string, error) {
	session, _, err := m.connect(ctx, serverID)
	if err != nil {
		return "", err
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("call %s/%s: %w", serverID, name, err)
	}

	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok && tc.Text != "" {
			texts = append(texts, tc.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if res.IsError {
		return "", fmt.Errorf("tool %s/%s: %s", serverID, name, text)
	}
	return text, nil
}

// SearchSources 把配置了 search_tool 的服务器包装成检索数据源
func (m *Manager) SearchSources() []search.Source {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.configs))
	for id, cfg := range m.configs {
		if cfg.SearchTool != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]search.Source, 0, len(ids))
	for _, id := range ids {
		out = append(out, &toolSource{m: m, cfg: *m.configs[id]})
	}
	return out
}

// toolSource 以 MCP 工具实现的检索数据源
type toolSource struct {
	m   *Manager
	cfg models.MCPServerConfig
}

func (s *toolSource) Name() string { return SourcePrefix + s.cfg.ID }

func (s *toolSource) Description() string {
	if s.cfg.Name != "" {
		return s.cfg.Name
	}
	return s.cfg.ID
}

func (s *toolSource) EstimatedTime() int {
	if s.cfg.EstimatedTime > 0 {
		return s.cfg.EstimatedTime
	}
	return 10
}

func (s *toolSource) Search(ctx context.Context, query string) (string, error) {
	return s.m.CallTool(ctx, s.cfg.ID, s.cfg.SearchTool, map[string]any{"query": query})
}
