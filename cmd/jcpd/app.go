package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/run-bigpig/jcp-debate/internal/adk"
	"github.com/run-bigpig/jcp-debate/internal/adk/mcp"
	"github.com/run-bigpig/jcp-debate/internal/adk/tools"
	"github.com/run-bigpig/jcp-debate/internal/agent"
	"github.com/run-bigpig/jcp-debate/internal/config"
	"github.com/run-bigpig/jcp-debate/internal/ledger"
	"github.com/run-bigpig/jcp-debate/internal/logger"
	"github.com/run-bigpig/jcp-debate/internal/meeting"
	"github.com/run-bigpig/jcp-debate/internal/metrics"
	"github.com/run-bigpig/jcp-debate/internal/negotiator"
	"github.com/run-bigpig/jcp-debate/internal/pkg/ids"
	"github.com/run-bigpig/jcp-debate/internal/pkg/paths"
	"github.com/run-bigpig/jcp-debate/internal/search"
)

var log = logger.New("App")

// app 进程内组装好的各组件
type app struct {
	cfg     config.Config
	store   ledger.Store
	ledger  *ledger.Ledger
	search  *search.Registry
	mcp     *mcp.Manager
	roster  *agent.Roster
	metrics *metrics.Metrics
	meeting *meeting.Service
}

// loadConfig 读取配置并设置日志
func loadConfig(flags *globalFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	level := cfg.Log.Level
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	logger.SetGlobalLevel(logger.ParseLevel(level))
	logger.SetOutput(os.Stderr, !cfg.Log.NoColor)
	return cfg, nil
}

// openStore 按配置打开账本存储
func openStore(ctx context.Context, cfg config.Config) (ledger.Store, error) {
	if cfg.Storage.Driver == config.StorageMemory {
		return ledger.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	store, err := ledger.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// newApp 组装检索源、MCP、角色能力与会议服务
func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if err := ids.Init(cfg.Server.NodeID); err != nil {
		return nil, fmt.Errorf("init id node: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store, ledger: ledger.New(store), metrics: metrics.New()}

	var cache *search.FileCache
	if cfg.Search.CacheTTL > 0 {
		dir, err := paths.EnsureCacheDir("search")
		if err != nil {
			log.Warn("创建检索缓存目录失败，不启用缓存: %v", err)
		} else if cache, err = search.NewFileCache(dir, cfg.Search.CacheTTL); err != nil {
			log.Warn("初始化检索缓存失败，不启用缓存: %v", err)
		}
	}
	a.search = search.NewRegistry(cache)
	news := search.NewHTMLSource(cfg.Search.News, nil)
	web := search.NewHTMLSource(cfg.Search.Web, nil)
	a.search.Register(news)
	a.search.Register(web)
	a.search.Register(search.NewFanOutSource(search.SourceAll, "新闻与网页聚合检索", news, web))

	a.mcp = mcp.NewManager()
	a.mcp.LoadConfigs(cfg.MCPServers)
	for _, src := range a.mcp.SearchSources() {
		a.search.Register(src)
	}

	a.roster = agent.NewRoster()
	if err := cfg.ApplyRoles(a.roster); err != nil {
		_ = store.Close()
		return nil, err
	}

	builder := adk.NewRoleBuilder(a.roster, tools.NewRegistry(a.search), a.mcp)
	capability := adk.NewCapability(a.roster, builder, adk.NewModelFactory(), cfg.ResolveAI)

	a.meeting = meeting.NewService(meeting.Deps{
		Capability: capability,
		Negotiator: negotiator.New(a.search, a.metrics),
		Ledger:     a.ledger,
		Roster:     a.roster,
		Metrics:    a.metrics,
	}, meeting.Config{
		SnapshotInterval:  cfg.Meeting.SnapshotInterval,
		FinishedRetention: cfg.Meeting.FinishedRetention,
		Rules:             cfg.RulesOverrides(),
	})
	log.Info("组件已就绪: storage=%s sources=%d model=%s", cfg.Storage.Driver, len(a.search.Sources()), cfg.LLM.ModelName)
	return a, nil
}

// openLedger 只读命令使用，不组装会议服务
func openLedger(ctx context.Context, flags *globalFlags) (*ledger.Ledger, func(), error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return ledger.New(store), func() { _ = store.Close() }, nil
}

// Close 结束进行中的会话后关闭账本
func (a *app) Close() {
	if a.meeting != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.meeting.Shutdown(ctx); err != nil {
			log.Warn("结束进行中的会话超时: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		log.Warn("关闭账本失败: %v", err)
	}
}
