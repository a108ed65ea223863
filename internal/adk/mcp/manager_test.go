package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-bigpig/jcp-debate/internal/models"
)

type searchArgs struct {
	Query string `json:"query"`
}

// newTestServer 内存 MCP 服务器，提供 search 工具
func newTestServer(t *testing.T) TransportFunc {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "test-research", Version: "v0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "search", Description: "研报检索"},
		func(ctx context.Context, req *mcp.CallToolRequest, in searchArgs) (*mcp.CallToolResult, any, error) {
			if in.Query == "boom" {
				return nil, nil, errors.New("upstream down")
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "研报: " + in.Query}},
			}, nil, nil
		})

	return func(cfg *models.MCPServerConfig) mcp.Transport {
		clientT, serverT := mcp.NewInMemoryTransports()
		_, err := server.Connect(context.Background(), serverT, nil)
		require.NoError(t, err)
		return clientT
	}
}

func newTestManager(t *testing.T) *Manager {
	m := NewManager()
	m.SetTransportFunc(newTestServer(t))
	m.LoadConfigs([]models.MCPServerConfig{
		{ID: "research", Name: "券商研报", SearchTool: "search", EstimatedTime: 8, Enabled: true},
		{ID: "tools-only", Enabled: true},
		{ID: "off", SearchTool: "search", Enabled: false},
	})
	return m
}

func TestSearchSources(t *testing.T) {
	m := newTestManager(t)

	srcs := m.SearchSources()
	require.Len(t, srcs, 1)
	assert.Equal(t, "mcp:research", srcs[0].Name())
	assert.Equal(t, "券商研报", srcs[0].Description())
	assert.Equal(t, 8, srcs[0].EstimatedTime())

	text, err := srcs[0].Search(context.Background(), "贵州茅台")
	require.NoError(t, err)
	assert.Equal(t, "研报: 贵州茅台", text)
}

func TestCallToolError(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CallTool(context.Background(), "research", "search", map[string]any{"query": "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")

	_, err = m.CallTool(context.Background(), "off", "search", nil)
	assert.ErrorIs(t, err, ErrServerNotConfigured)
}

func TestServerTools(t *testing.T) {
	m := newTestManager(t)

	tools, err := m.ServerTools(context.Background(), "research")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name)
	assert.Equal(t, "券商研报", tools[0].ServerName)

	assert.True(t, m.TestConnection(context.Background(), "research").Connected)
	assert.False(t, m.TestConnection(context.Background(), "missing").Connected)
	assert.Len(t, m.ToolsetsByIDs([]string{"research", "tools-only", "off"}), 2)
}
