package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// SourceAll 聚合数据源的默认名称
const SourceAll = "all"

// FanOutSource 并发查询多个数据源并按顺序拼接结果，部分失败时返回成功的部分
type FanOutSource struct {
	name    string
	desc    string
	sources []Source
}

// NewFanOutSource 创建聚合数据源
func NewFanOutSource(name, desc string, sources ...Source) *FanOutSource {
	return &FanOutSource{name: name, desc: desc, sources: sources}
}

func (f *FanOutSource) Name() string        { return f.name }
func (f *FanOutSource) Description() string { return f.desc }

// EstimatedTime 并发执行，取最慢的子源
func (f *FanOutSource) EstimatedTime() int {
	longest := 0
	for _, s := range f.sources {
		longest = max(longest, s.EstimatedTime())
	}
	return longest
}

func (f *FanOutSource) Search(ctx context.Context, query string) (string, error) {
	texts := make([]string, len(f.sources))
	errs := make([]error, len(f.sources))

	var wg sync.WaitGroup
	for i, src := range f.sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			texts[i], errs[i] = src.Search(ctx, query)
		}()
	}
	wg.Wait()

	var sb strings.Builder
	var failed []error
	for i, src := range f.sources {
		if errs[i] != nil {
			log.Warn("聚合检索 %s 失败: %v", src.Name(), errs[i])
			failed = append(failed, fmt.Errorf("%s: %w", src.Name(), errs[i]))
			continue
		}
		if texts[i] == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "〔%s〕\n%s", src.Name(), texts[i])
	}
	if sb.Len() == 0 && len(failed) > 0 {
		return "", errors.Join(failed...)
	}
	return sb.String(), nil
}
