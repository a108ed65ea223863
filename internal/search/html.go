package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	SourceNews = "news"
	SourceWeb  = "web"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// HTMLConfig 网页检索源配置，URL 中的 {query} 替换为转义后的查询词
type HTMLConfig struct {
	Name            string `toml:"name"`
	Description     string `toml:"description"`
	URL             string `toml:"url"`
	ItemSelector    string `toml:"item_selector"`
	TitleSelector   string `toml:"title_selector"`
	SummarySelector string `toml:"summary_selector"`
	LinkSelector    string `toml:"link_selector"`
	Limit           int    `toml:"limit"`
	EstimatedTime   int    `toml:"estimated_time"`
}

// DefaultNewsConfig 默认新闻源
func DefaultNewsConfig() HTMLConfig {
	return HTMLConfig{
		Name:            SourceNews,
		Description:     "财经新闻检索",
		URL:             "https://www.bing.com/news/search?q={query}",
		ItemSelector:    "div.news-card",
		TitleSelector:   "a.title",
		SummarySelector: "div.snippet",
		LinkSelector:    "a.title",
		Limit:           8,
		EstimatedTime:   5,
	}
}

// DefaultWebConfig 默认网页源
func DefaultWebConfig() HTMLConfig {
	return HTMLConfig{
		Name:            SourceWeb,
		Description:     "通用网页检索",
		URL:             "https://www.bing.com/search?q={query}",
		ItemSelector:    "li.b_algo",
		TitleSelector:   "h2",
		SummarySelector: "p",
		LinkSelector:    "h2 a",
		Limit:           8,
		EstimatedTime:   8,
	}
}

// HTMLSource 抓取搜索结果页并用 CSS 选择器提取条目
type HTMLSource struct {
	cfg    HTMLConfig
	client *http.Client
}

// NewHTMLSource 创建网页检索源，client 为 nil 时使用 15 秒超时的默认客户端
func NewHTMLSource(cfg HTMLConfig, client *http.Client) *HTMLSource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 8
	}
	if cfg.EstimatedTime <= 0 {
		cfg.EstimatedTime = 5
	}
	return &HTMLSource{cfg: cfg, client: client}
}

func (s *HTMLSource) Name() string        { return s.cfg.Name }
func (s *HTMLSource) Description() string { return s.cfg.Description }
func (s *HTMLSource) EstimatedTime() int  { return s.cfg.EstimatedTime }

// Search 抓取并解析结果页
func (s *HTMLSource) Search(ctx context.Context, query string) (string, error) {
	target := strings.ReplaceAll(s.cfg.URL, "{query}", url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("http status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	return s.extract(doc, resp.Request.URL), nil
}

func (s *HTMLSource) extract(doc *goquery.Document, base *url.URL) string {
	var sb strings.Builder
	n := 0
	doc.Find(s.cfg.ItemSelector).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		title := cleanText(item.Find(s.cfg.TitleSelector).First().Text())
		if title == "" {
			return true
		}
		n++
		fmt.Fprintf(&sb, "%d. %s\n", n, title)
		if s.cfg.SummarySelector != "" {
			if summary := cleanText(item.Find(s.cfg.SummarySelector).First().Text()); summary != "" {
				fmt.Fprintf(&sb, "   %s\n", summary)
			}
		}
		if s.cfg.LinkSelector != "" {
			if href, ok := item.Find(s.cfg.LinkSelector).First().Attr("href"); ok {
				if u, err := base.Parse(href); err == nil {
					fmt.Fprintf(&sb, "   %s\n", u.String())
				}
			}
		}
		return n < s.cfg.Limit
	})
	if n == 0 {
		return "未找到相关结果"
	}
	return strings.TrimRight(sb.String(), "\n")
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
