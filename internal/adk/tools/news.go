package tools

import (
	"fmt"
	"strings"

	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"

	"github.com/run-bigpig/jcp-debate/internal/search"
)

// SearchDataInput 检索输入参数
type SearchDataInput struct {
	Query  string `json:"query" jsonschema:"检索关键词"`
	Source string `json:"source,omitzero" jsonschema:"数据源名称，留空时自动选择"`
}

// DataOutput 工具输出
type DataOutput struct {
	Data string `json:"data" jsonschema:"检索结果"`
}

// createSearchDataTool 创建通用检索工具
func (r *Registry) createSearchDataTool() (tool.Tool, error) {
	handler := func(ctx tool.Context, input SearchDataInput) (DataOutput, error) {
		query := strings.TrimSpace(input.Query)
		if query == "" {
			return DataOutput{Data: "请提供检索关键词"}, nil
		}
		source := strings.TrimPrefix(strings.TrimSpace(input.Source), "@")
		if source == "" {
			source = r.catalog.DefaultSource(query)
		}

		log.Debug("search_data: source=%s query=%q", source, query)
		text, err := r.catalog.Search(ctx, source, query)
		if err != nil {
			log.Warn("search_data 失败: %v", err)
			return DataOutput{}, err
		}
		return DataOutput{Data: text}, nil
	}

	return functiontool.New(functiontool.Config{
		Name:        "search_data",
		Description: "按数据源检索资料，source 可取 list_sources 返回的名称",
	}, handler)
}

// ListSourcesInput 无参数
type ListSourcesInput struct{}

// createListSourcesTool 创建数据源列表工具
func (r *Registry) createListSourcesTool() (tool.Tool, error) {
	handler := func(ctx tool.Context, _ ListSourcesInput) (DataOutput, error) {
		var sb strings.Builder
		for _, s := range r.catalog.Sources() {
			fmt.Fprintf(&sb, "- %s: %s (约 %d 秒)\n", s.Name, s.Description, s.EstimatedTime)
		}
		if sb.Len() == 0 {
			return DataOutput{Data: "暂无可用数据源"}, nil
		}
		return DataOutput{Data: sb.String()}, nil
	}

	return functiontool.New(functiontool.Config{
		Name:        "list_sources",
		Description: "列出可用的检索数据源",
	}, handler)
}

// GetNewsInput 新闻检索输入参数
type GetNewsInput struct {
	Keyword string `json:"keyword" jsonschema:"标的名称或代码"`
}

// createNewsTool 创建新闻工具，固定走新闻数据源
func (r *Registry) createNewsTool() (tool.Tool, error) {
	handler := func(ctx tool.Context, input GetNewsInput) (DataOutput, error) {
		keyword := strings.TrimSpace(input.Keyword)
		if keyword == "" {
			return DataOutput{Data: "请提供关键词"}, nil
		}
		text, err := r.catalog.Search(ctx, search.SourceNews, keyword+" 最新消息")
		if err != nil {
			log.Warn("get_news 失败: %v", err)
			return DataOutput{}, err
		}
		return DataOutput{Data: text}, nil
	}

	return functiontool.New(functiontool.Config{
		Name:        "get_news",
		Description: "检索标的相关的最新财经新闻",
	}, handler)
}
