// Package search 检索能力：按数据源标识和查询词返回文本结果。
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/run-bigpig/jcp-debate/internal/logger"
)

var log = logger.New("Search")

var (
	ErrUnknownSource = errors.New("unknown search source")
	ErrEmptyQuery    = errors.New("empty search query")
)

// Capability 检索能力，会议编排只依赖这个接口
type Capability interface {
	Search(ctx context.Context, source, query string) (string, error)
}

// Source 单个数据源
type Source interface {
	Name() string
	Description() string
	// EstimatedTime 预计耗时（秒），用于检索计划展示
	EstimatedTime() int
	Search(ctx context.Context, query string) (string, error)
}

// SourceInfo 数据源描述
type SourceInfo struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	EstimatedTime int    `json:"estimated_time"`
}

// Registry 数据源注册表，实现 Capability
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
	order   []string
	cache   *FileCache
}

// NewRegistry 创建注册表，cache 为 nil 时不缓存
func NewRegistry(cache *FileCache) *Registry {
	return &Registry{
		sources: make(map[string]Source),
		cache:   cache,
	}
}

// Register 注册数据源，同名覆盖
func (r *Registry) Register(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[src.Name()]; !ok {
		r.order = append(r.order, src.Name())
	}
	r.sources[src.Name()] = src
	log.Debug("注册数据源: %s", src.Name())
}

// Lookup 查找数据源
func (r *Registry) Lookup(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[name]
	return src, ok
}

// Sources 按注册顺序列出数据源
func (r *Registry) Sources() []SourceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SourceInfo, 0, len(r.order))
	for _, name := range r.order {
		src := r.sources[name]
		out = append(out, SourceInfo{Name: name, Description: src.Description(), EstimatedTime: src.EstimatedTime()})
	}
	return out
}

// Search 执行检索，命中缓存时直接返回
func (r *Registry) Search(ctx context.Context, source, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}
	src, ok := r.Lookup(source)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	key := source + "\x00" + query
	if r.cache != nil {
		if text, ok := r.cache.Get(key); ok {
			log.Debug("缓存命中: %s %q", source, query)
			return text, nil
		}
	}

	text, err := src.Search(ctx, query)
	if err != nil {
		return "", fmt.Errorf("search %s: %w", source, err)
	}
	if r.cache != nil && text != "" {
		if err := r.cache.Set(key, text); err != nil {
			log.Warn("写入检索缓存失败: %v", err)
		}
	}
	return text, nil
}

// newsKeywords 命中任一关键词时优先新闻源
var newsKeywords = []string{"新闻", "快讯", "公告", "消息", "最新", "动态", "政策", "研报", "业绩", "财报", "news"}

// DefaultSource 未指定数据源时按关键词挑选，已注册源不满足时回退到第一个
func (r *Registry) DefaultSource(query string) string {
	want := SourceWeb
	lower := strings.ToLower(query)
	for _, kw := range newsKeywords {
		if strings.Contains(lower, kw) {
			want = SourceNews
			break
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.sources[want]; ok {
		return want
	}
	if len(r.order) > 0 {
		return r.order[0]
	}
	return want
}

// FuncSource 以函数实现的数据源
type FuncSource struct {
	SourceName string
	Desc       string
	Estimated  int
	Fn         func(ctx context.Context, query string) (string, error)
}

func (f *FuncSource) Name() string        { return f.SourceName }
func (f *FuncSource) Description() string { return f.Desc }
func (f *FuncSource) EstimatedTime() int  { return f.Estimated }

func (f *FuncSource) Search(ctx context.Context, query string) (string, error) {
	return f.Fn(ctx, query)
}
