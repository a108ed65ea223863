package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resultPage = `<html><body><ul>
<li class="b_algo"><h2><a href="/a">贵州茅台  批价
回落</a></h2><p>飞天茅台批价跌破 2300 元</p></li>
<li class="b_algo"><h2></h2><p>无标题条目会被跳过</p></li>
<li class="b_algo"><h2><a href="https://example.com/b">白酒板块</a></h2><p>板块整体承压</p></li>
<li class="b_algo"><h2><a href="/c">第三条</a></h2></li>
</ul></body></html>`

func TestHTMLSource(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		_, _ = fmt.Fprint(w, resultPage)
	}))
	defer srv.Close()

	cfg := DefaultWebConfig()
	cfg.URL = srv.URL + "/search?q={query}"
	cfg.Limit = 2
	src := NewHTMLSource(cfg, srv.Client())

	text, err := src.Search(context.Background(), "茅台 批价")
	require.NoError(t, err)
	assert.Equal(t, "茅台 批价", gotQuery)
	assert.Contains(t, text, "1. 贵州茅台 批价 回落")
	assert.Contains(t, text, "飞天茅台批价跌破 2300 元")
	assert.Contains(t, text, srv.URL+"/a")
	assert.Contains(t, text, "2. 白酒板块")
	assert.NotContains(t, text, "第三条")
	assert.NotContains(t, text, "无标题")
}

func TestHTMLSourceStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := DefaultNewsConfig()
	cfg.URL = srv.URL + "?q={query}"
	_, err := NewHTMLSource(cfg, srv.Client()).Search(context.Background(), "x")
	assert.ErrorContains(t, err, "429")
}

func TestRegistrySearchAndCache(t *testing.T) {
	cache, err := NewFileCache(t.TempDir(), time.Minute)
	require.NoError(t, err)
	reg := NewRegistry(cache)

	calls := 0
	reg.Register(&FuncSource{SourceName: SourceNews, Desc: "新闻", Estimated: 3, Fn: func(_ context.Context, q string) (string, error) {
		calls++
		return "结果:" + q, nil
	}})
	reg.Register(&FuncSource{SourceName: "broken", Fn: func(context.Context, string) (string, error) {
		return "", errors.New("upstream down")
	}})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		text, err := reg.Search(ctx, SourceNews, " 茅台 ")
		require.NoError(t, err)
		assert.Equal(t, "结果:茅台", text)
	}
	assert.Equal(t, 1, calls, "第二次命中缓存")

	_, err = reg.Search(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrUnknownSource)
	_, err = reg.Search(ctx, SourceNews, "  ")
	assert.ErrorIs(t, err, ErrEmptyQuery)
	_, err = reg.Search(ctx, "broken", "x")
	assert.ErrorContains(t, err, "upstream down")

	infos := reg.Sources()
	require.Len(t, infos, 2)
	assert.Equal(t, SourceNews, infos[0].Name)
	assert.Equal(t, 3, infos[0].EstimatedTime)
}

func TestDefaultSource(t *testing.T) {
	reg := NewRegistry(nil)
	assert.Equal(t, SourceWeb, reg.DefaultSource("anything"), "空注册表返回首选值")

	reg.Register(&FuncSource{SourceName: "mcp:research"})
	assert.Equal(t, "mcp:research", reg.DefaultSource("茅台最新公告"), "首选源未注册时回退")

	reg.Register(&FuncSource{SourceName: SourceNews})
	reg.Register(&FuncSource{SourceName: SourceWeb})
	assert.Equal(t, SourceNews, reg.DefaultSource("茅台最新公告"))
	assert.Equal(t, SourceWeb, reg.DefaultSource("白酒行业库存周期"))
}

func TestFileCacheExpiry(t *testing.T) {
	cache, err := NewFileCache(t.TempDir(), -time.Second)
	require.NoError(t, err)
	require.NoError(t, cache.Set("k", "v"))
	_, ok := cache.Get("k")
	assert.False(t, ok)
}
