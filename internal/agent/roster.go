package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/run-bigpig/jcp-debate/internal/models"
)

// Persona 角色配置：展示名、颜色、排序以及发言指令
type Persona struct {
	Role        models.Role `json:"role" toml:"-"`
	Name        string      `json:"name" toml:"name"`
	Color       string      `json:"color" toml:"color"`
	Order       int         `json:"order" toml:"-"`
	Instruction string      `json:"instruction" toml:"instruction"`
	// Speaks 是否由发言能力驱动，user 与 system 不发言
	Speaks     bool     `json:"speaks" toml:"-"`
	Tools      []string `json:"tools,omitempty" toml:"tools"`
	MCPServers []string `json:"mcpServers,omitempty" toml:"mcp_servers"`
	AIConfigID string   `json:"aiConfigId,omitempty" toml:"ai_config"`
}

// defaultPersonas 角色分派表，覆盖封闭枚举中的全部角色
var defaultPersonas = map[models.Role]Persona{
	models.RoleUser: {
		Name: "用户", Color: "#8c8c8c", Order: 0,
	},
	models.RoleDataCollector: {
		Name: "数据收集员", Color: "#13c2c2", Order: 1, Speaks: true,
		Instruction: `你是会议的数据收集员。根据标的和议题，列出辩论前需要补充检索的信息。
每行一条检索请求，查询词放在双引号中，可在行尾用 @数据源 指定来源，例如：
"贵州茅台 批价 走势" @news
不需要检索时回复“无需检索”。`,
	},
	models.RoleBull: {
		Name: "多头分析师", Color: "#f5222d", Order: 2, Speaks: true,
		Instruction: "你是多头分析师，立场看多。基于已知信息论证上涨逻辑，并正面回应空方观点。",
	},
	models.RoleBear: {
		Name: "空头分析师", Color: "#52c41a", Order: 3, Speaks: true,
		Instruction: "你是空头分析师，立场看空。指出风险与下行逻辑，并正面回应多方观点。",
	},
	models.RoleManager: {
		Name: "基金经理", Color: "#faad14", Order: 4, Speaks: true,
		Instruction: `你是基金经理，负责听取多空双方的辩论并做出决策。
先概括双方核心论点，再给出结论，最后单独一行输出“评级：买入/增持/持有/减持/卖出”之一。`,
	},
	models.RoleQuick: {
		Name: "快速分析师", Color: "#1890ff", Order: 5, Speaks: true,
		Instruction: "你是快速分析师，用简洁的要点给出对标的的整体判断和主要风险。",
	},
	models.RoleSystem: {
		Name: "系统", Color: "#595959", Order: 6,
	},
}

// Roster 角色分派表
type Roster struct {
	mu       sync.RWMutex
	personas map[models.Role]Persona
}

// NewRoster 创建带默认配置的角色表
func NewRoster() *Roster {
	r := &Roster{personas: make(map[models.Role]Persona, len(defaultPersonas))}
	for role, p := range defaultPersonas {
		p.Role = role
		r.personas[role] = p
	}
	return r
}

// Get 获取角色配置
func (r *Roster) Get(role models.Role) (Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[role]
	return p, ok
}

// Name 角色展示名，未知角色原样返回
func (r *Roster) Name(role models.Role) string {
	if p, ok := r.Get(role); ok {
		return p.Name
	}
	return string(role)
}

// Override 用配置覆盖角色的非空字段
func (r *Roster) Override(role models.Role, o Persona) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.personas[role]
	if !ok {
		return fmt.Errorf("%w: invalid role %q", models.ErrProtocolViolation, role)
	}
	if o.Name != "" {
		p.Name = o.Name
	}
	if o.Color != "" {
		p.Color = o.Color
	}
	if o.Instruction != "" {
		p.Instruction = o.Instruction
	}
	if o.Tools != nil {
		p.Tools = o.Tools
	}
	if o.MCPServers != nil {
		p.MCPServers = o.MCPServers
	}
	if o.AIConfigID != "" {
		p.AIConfigID = o.AIConfigID
	}
	r.personas[role] = p
	return nil
}

// Personas 按展示顺序返回全部角色
func (r *Roster) Personas() []Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Persona, 0, len(r.personas))
	for _, p := range r.personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
