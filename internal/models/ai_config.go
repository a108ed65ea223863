package models

// AIProvider 模型服务商
type AIProvider string

const (
	AIProviderOpenAI AIProvider = "openai"
	AIProviderGemini AIProvider = "gemini"
)

// AIConfig LLM 服务配置
type AIConfig struct {
	ID           string     `json:"id" toml:"id"`
	Provider     AIProvider `json:"provider" toml:"provider"`
	BaseURL      string     `json:"baseUrl" toml:"base_url"`
	APIKey       string     `json:"apiKey" toml:"api_key"`
	ModelName    string     `json:"modelName" toml:"model"`
	NoSystemRole bool       `json:"noSystemRole" toml:"no_system_role"` // 不支持 system role 的模型
}

// MCPTransportType MCP 传输类型
type MCPTransportType string

const (
	MCPTransportHTTP    MCPTransportType = "http"
	MCPTransportSSE     MCPTransportType = "sse"
	MCPTransportCommand MCPTransportType = "command"
)

// MCPServerConfig MCP 服务器配置
type MCPServerConfig struct {
	ID            string           `json:"id" toml:"id"`
	Name          string           `json:"name" toml:"name"`
	TransportType MCPTransportType `json:"transportType" toml:"transport"`
	Endpoint      string           `json:"endpoint" toml:"endpoint"`
	Command       string           `json:"command" toml:"command"`
	Args          []string         `json:"args" toml:"args"`
	ToolFilter    []string         `json:"toolFilter" toml:"tool_filter"`
	SearchTool    string           `json:"searchTool" toml:"search_tool"` // 作为检索数据源时调用的工具名
	EstimatedTime int              `json:"estimatedTime" toml:"estimated_time"`
	Enabled       bool             `json:"enabled" toml:"enabled"`
}
