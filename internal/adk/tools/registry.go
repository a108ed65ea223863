// Package tools 角色可调用的内置工具，均由检索数据源驱动。
package tools

import (
	"sort"

	"google.golang.org/adk/tool"

	"github.com/run-bigpig/jcp-debate/internal/logger"
	"github.com/run-bigpig/jcp-debate/internal/search"
)

var log = logger.New("Tools")

// Catalog 数据源目录与检索能力，search.Registry 满足该接口
type Catalog interface {
	search.Capability
	Sources() []search.SourceInfo
	DefaultSource(query string) string
}

// ToolInfo 工具描述，用于拼接角色指令
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Registry 内置工具注册表
type Registry struct {
	catalog Catalog
	tools   map[string]tool.Tool
	infos   map[string]ToolInfo
}

// NewRegistry 创建工具注册表，构建失败的工具记录日志后跳过
func NewRegistry(catalog Catalog) *Registry {
	r := &Registry{
		catalog: catalog,
		tools:   make(map[string]tool.Tool),
		infos:   make(map[string]ToolInfo),
	}
	r.register(ToolInfo{Name: "search_data", Description: "按数据源检索资料，参数 source 可省略"}, r.createSearchDataTool)
	r.register(ToolInfo{Name: "list_sources", Description: "列出可用的检索数据源"}, r.createListSourcesTool)
	r.register(ToolInfo{Name: "get_news", Description: "检索标的相关的最新财经新闻"}, r.createNewsTool)
	return r
}

func (r *Registry) register(info ToolInfo, create func() (tool.Tool, error)) {
	t, err := create()
	if err != nil {
		log.Error("创建工具 %s 失败: %v", info.Name, err)
		return
	}
	r.tools[info.Name] = t
	r.infos[info.Name] = info
}

// GetTools 按名称获取工具，未知名称忽略
func (r *Registry) GetTools(names []string) []tool.Tool {
	var out []tool.Tool
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			out = append(out, t)
		} else {
			log.Warn("未知工具: %s", name)
		}
	}
	return out
}

// ToolInfosByNames 按名称获取工具描述
func (r *Registry) ToolInfosByNames(names []string) []ToolInfo {
	var out []ToolInfo
	for _, name := range names {
		if info, ok := r.infos[name]; ok {
			out = append(out, info)
		}
	}
	return out
}

// Names 全部工具名
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
