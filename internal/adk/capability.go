package adk

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	adkagent "google.golang.org/adk/agent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/run-bigpig/jcp-debate/internal/agent"
	"github.com/run-bigpig/jcp-debate/internal/logger"
	"github.com/run-bigpig/jcp-debate/internal/models"
)

var log = logger.New("ADK")

const appName = "jcp"

// 重试配置
const (
	MaxRetries     = 2
	RetryBaseDelay = 2 * time.Second
	RetryMaxDelay  = 15 * time.Second
)

// Capability 以 adk runner 驱动角色发言，实现 agent.Capability
type Capability struct {
	roster   *agent.Roster
	builder  *RoleBuilder
	resolve  AIConfigResolver
	newModel func(ctx context.Context, cfg *models.AIConfig) (model.LLM, error)
	// retryDelay 第 i 次重试前的等待时间
	retryDelay func(i int) time.Duration
}

var _ agent.Capability = (*Capability)(nil)

// NewCapability 创建发言能力
func NewCapability(roster *agent.Roster, builder *RoleBuilder, factory *ModelFactory, resolve AIConfigResolver) *Capability {
	return &Capability{
		roster:     roster,
		builder:    builder,
		resolve:    resolve,
		newModel:   factory.Get,
		retryDelay: backoff,
	}
}

// backoff 指数退避：baseDelay * 2^(i-1)，上限 RetryMaxDelay
func backoff(i int) time.Duration {
	delay := RetryBaseDelay * time.Duration(1<<(i-1))
	if delay > RetryMaxDelay {
		delay = RetryMaxDelay
	}
	return delay
}

// isRetryableError 判断错误是否可重试
// 超时、主动取消、配置错误不重试；网络错误、API 临时错误可重试
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, ErrNoAIConfig) {
		return false
	}
	msg := err.Error()
	return !strings.Contains(msg, "config") && !strings.Contains(msg, "not found")
}

// Stream 产出角色发言的文本增量。
// 尚未产出任何文本时遇到可重试错误会退避重试，已产出文本后出错直接返回错误。
func (c *Capability) Stream(ctx context.Context, req agent.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		persona, _ := c.roster.Get(req.Role)
		cfg := c.resolve(persona.AIConfigID)
		if cfg == nil {
			yield("", ErrNoAIConfig)
			return
		}
		llm, err := c.newModel(ctx, cfg)
		if err != nil {
			yield("", fmt.Errorf("create model: %w", err))
			return
		}

		for attempt := 0; ; attempt++ {
			yielded, stopped, err := c.runOnce(ctx, llm, req, yield)
			if stopped || err == nil {
				return
			}
			if yielded || attempt >= MaxRetries || !isRetryableError(err) {
				yield("", err)
				return
			}

			delay := c.retryDelay(attempt + 1)
			log.Warn("%s retry %d/%d after %v, last error: %v", req.Role, attempt+1, MaxRetries, delay, err)
			select {
			case <-ctx.Done():
				yield("", context.Cause(ctx))
				return
			case <-time.After(delay):
			}
		}
	}
}

// runOnce 运行一次 Agent。只转发 Partial 文本片段，忽略思考内容；
// 模型没有流式片段时回退为最终聚合文本。
func (c *Capability) runOnce(ctx context.Context, llm model.LLM, req agent.Request, yield func(string, error) bool) (yielded, stopped bool, err error) {
	ag, err := c.builder.Build(ctx, llm, req)
	if err != nil {
		return false, false, err
	}

	sessionService := session.InMemoryService()
	r, err := runner.New(runner.Config{
		AppName:        appName,
		Agent:          ag,
		SessionService: sessionService,
	})
	if err != nil {
		return false, false, err
	}

	sessionID := fmt.Sprintf("session-%s-%d", req.Role, time.Now().UnixNano())
	if _, err := sessionService.Create(ctx, &session.CreateRequest{
		AppName:   appName,
		UserID:    "user",
		SessionID: sessionID,
	}); err != nil {
		return false, false, fmt.Errorf("create session error: %w", err)
	}

	goal := req.Goal
	if goal == "" {
		goal = "请发表你的观点。"
	}
	userMsg := &genai.Content{
		Role:  "user",
		Parts: []*genai.Part{genai.NewPartFromText(goal)},
	}

	var final strings.Builder
	runCfg := adkagent.RunConfig{StreamingMode: adkagent.StreamingModeSSE}
	for event, err := range r.Run(ctx, "user", sessionID, userMsg, runCfg) {
		if err != nil {
			return yielded, false, err
		}
		if event == nil || event.LLMResponse.Content == nil {
			continue
		}
		for _, part := range event.LLMResponse.Content.Parts {
			if part.Thought || part.Text == "" {
				continue
			}
			if !event.LLMResponse.Partial {
				final.WriteString(part.Text)
				continue
			}
			yielded = true
			if !yield(part.Text, nil) {
				return true, true, nil
			}
		}
	}

	if !yielded && final.Len() > 0 {
		if !yield(final.String(), nil) {
			return true, true, nil
		}
		yielded = true
	}
	return yielded, false, nil
}
