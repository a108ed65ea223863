// Package adk 基于 adk-go 的发言能力实现：模型工厂、角色 Agent 构建与流式运行。
package adk

import (
	"context"
	"fmt"
	"strings"
	"time"

	adkagent "google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/tool"

	"github.com/run-bigpig/jcp-debate/internal/adk/mcp"
	"github.com/run-bigpig/jcp-debate/internal/adk/tools"
	"github.com/run-bigpig/jcp-debate/internal/agent"
)

// RoleBuilder 角色 Agent 构建器
type RoleBuilder struct {
	roster       *agent.Roster
	toolRegistry *tools.Registry
	mcpManager   *mcp.Manager
	now          func() time.Time
}

// NewRoleBuilder 创建构建器，registry 和 mcpMgr 可为 nil
func NewRoleBuilder(roster *agent.Roster, registry *tools.Registry, mcpMgr *mcp.Manager) *RoleBuilder {
	return &RoleBuilder{roster: roster, toolRegistry: registry, mcpManager: mcpMgr, now: time.Now}
}

// Build 根据角色配置构建 LLM Agent
func (b *RoleBuilder) Build(ctx context.Context, llm model.LLM, req agent.Request) (adkagent.Agent, error) {
	persona, ok := b.roster.Get(req.Role)
	if !ok || !persona.Speaks {
		return nil, fmt.Errorf("role %q cannot speak", req.Role)
	}

	var agentTools []tool.Tool
	if b.toolRegistry != nil && len(persona.Tools) > 0 {
		agentTools = b.toolRegistry.GetTools(persona.Tools)
	}
	var toolsets []tool.Toolset
	if b.mcpManager != nil && len(persona.MCPServers) > 0 {
		toolsets = b.mcpManager.ToolsetsByIDs(persona.MCPServers)
	}

	return llmagent.New(llmagent.Config{
		Name:        "jcp_" + string(req.Role),
		Model:       llm,
		Description: persona.Name,
		Instruction: b.instruction(persona, b.toolsDescription(ctx, persona), req),
		Tools:       agentTools,
		Toolsets:    toolsets,
	})
}

// instruction 构建角色指令：人设、工具、时间与盘中状态、标的、会议记录
func (b *RoleBuilder) instruction(p agent.Persona, toolsDesc string, req agent.Request) string {
	base := p.Instruction
	if base == "" {
		base = fmt.Sprintf("你是会议中的%s。", p.Name)
	}

	now := b.now()
	var sb strings.Builder
	fmt.Fprintf(&sb, `%s
%s
当前时间: %s
市场状态: %s

标的: %s (%s)
`, base, toolsDesc, now.Format("2006-01-02 15:04:05"), marketStatus(now), req.SubjectName, req.SubjectCode)

	if req.Context != "" {
		fmt.Fprintf(&sb, `--- 会议记录 ---
%s
---
`, req.Context)
	}
	fmt.Fprintf(&sb, "\n本轮任务: %s", req.Goal)
	return sb.String()
}

// marketStatus 判断盘中状态（A股交易时间：9:30-11:30, 13:00-15:00，周一至周五）
func marketStatus(now time.Time) string {
	weekday := now.Weekday()
	minutes := now.Hour()*60 + now.Minute()

	switch {
	case weekday == time.Saturday || weekday == time.Sunday:
		return "休市（周末）"
	case minutes >= 9*60+30 && minutes <= 11*60+30:
		return "盘中（上午交易时段）"
	case minutes >= 13*60 && minutes <= 15*60:
		return "盘中（下午交易时段）"
	case minutes < 9*60+30:
		return "盘前"
	case minutes > 15*60:
		return "盘后"
	default:
		return "午间休市"
	}
}

// toolsDescription 构建可用工具说明
func (b *RoleBuilder) toolsDescription(ctx context.Context, p agent.Persona) string {
	var lines []string
	if b.toolRegistry != nil && len(p.Tools) > 0 {
		for _, info := range b.toolRegistry.ToolInfosByNames(p.Tools) {
			lines = append(lines, fmt.Sprintf("- %s: %s", info.Name, info.Description))
		}
	}
	if b.mcpManager != nil && len(p.MCPServers) > 0 {
		for _, info := range b.mcpManager.ToolInfosByServerIDs(ctx, p.MCPServers) {
			lines = append(lines, fmt.Sprintf("- %s: %s (来自 %s)", info.Name, info.Description, info.ServerName))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "\n可用工具:\n" + strings.Join(lines, "\n") + "\n"
}
