package adk

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/adk/model"
	"google.golang.org/genai"

	"github.com/run-bigpig/jcp-debate/internal/agent"
	"github.com/run-bigpig/jcp-debate/internal/models"
)

// fakeLLM 先失败 failures 次，之后按片段流式输出
type fakeLLM struct {
	chunks   []string
	failures int32
	calls    atomic.Int32
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) GenerateContent(ctx context.Context, req *model.LLMRequest, stream bool) iter.Seq2[*model.LLMResponse, error] {
	return func(yield func(*model.LLMResponse, error) bool) {
		if f.calls.Add(1) <= f.failures {
			yield(nil, errors.New("503 service unavailable"))
			return
		}
		if stream {
			for _, c := range f.chunks {
				resp := &model.LLMResponse{
					Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: c}}},
					Partial: true,
				}
				if !yield(resp, nil) {
					return
				}
			}
		}
		yield(&model.LLMResponse{
			Content:      &genai.Content{Role: "model", Parts: []*genai.Part{{Text: strings.Join(f.chunks, "")}}},
			TurnComplete: true,
		}, nil)
	}
}

func newTestCapability(llm model.LLM, cfg *models.AIConfig) *Capability {
	roster := agent.NewRoster()
	c := NewCapability(roster, NewRoleBuilder(roster, nil, nil), NewModelFactory(), func(string) *models.AIConfig { return cfg })
	c.newModel = func(context.Context, *models.AIConfig) (model.LLM, error) { return llm, nil }
	c.retryDelay = func(int) time.Duration { return 0 }
	return c
}

func collect(t *testing.T, seq iter.Seq2[string, error]) ([]string, error) {
	t.Helper()
	var out []string
	for s, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

func TestCapabilityStreamsPartials(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"看多", "理由一"}}
	c := newTestCapability(llm, &models.AIConfig{ID: "default"})

	got, err := collect(t, c.Stream(context.Background(), agent.Request{Role: models.RoleBull, SubjectCode: "SH600519", Goal: "开场"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"看多", "理由一"}, got)
}

func TestCapabilityRetriesBeforeFirstChunk(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"ok"}, failures: 1}
	c := newTestCapability(llm, &models.AIConfig{ID: "default"})

	got, err := collect(t, c.Stream(context.Background(), agent.Request{Role: models.RoleBear}))
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, got)
	assert.EqualValues(t, 2, llm.calls.Load())
}

func TestCapabilityErrors(t *testing.T) {
	c := newTestCapability(&fakeLLM{}, nil)
	_, err := collect(t, c.Stream(context.Background(), agent.Request{Role: models.RoleBull}))
	assert.ErrorIs(t, err, ErrNoAIConfig)

	c = newTestCapability(&fakeLLM{chunks: []string{"x"}}, &models.AIConfig{})
	_, err = collect(t, c.Stream(context.Background(), agent.Request{Role: models.RoleSystem}))
	assert.Error(t, err)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.False(t, isRetryableError(context.Canceled))
	assert.False(t, isRetryableError(ErrNoAIConfig))
	assert.False(t, isRetryableError(errors.New("model not found")))
	assert.True(t, isRetryableError(errors.New("connection reset")))
}

func TestMarketStatus(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	cases := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2025, 3, 8, 10, 0, 0, 0, loc), "休市（周末）"},
		{time.Date(2025, 3, 10, 9, 0, 0, 0, loc), "盘前"},
		{time.Date(2025, 3, 10, 10, 0, 0, 0, loc), "盘中（上午交易时段）"},
		{time.Date(2025, 3, 10, 12, 0, 0, 0, loc), "午间休市"},
		{time.Date(2025, 3, 10, 14, 0, 0, 0, loc), "盘中（下午交易时段）"},
		{time.Date(2025, 3, 10, 16, 0, 0, 0, loc), "盘后"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, marketStatus(tc.at), tc.at.String())
	}
}

func TestInstruction(t *testing.T) {
	roster := agent.NewRoster()
	b := NewRoleBuilder(roster, nil, nil)
	b.now = func() time.Time { return time.Date(2025, 3, 10, 10, 0, 0, 0, time.Local) }
	p, _ := roster.Get(models.RoleBull)

	got := b.instruction(p, "", agent.Request{
		Role: models.RoleBull, SubjectCode: "SH600519", SubjectName: "贵州茅台",
		Goal: "第 1 轮发言", Context: "空头: 估值偏高",
	})
	assert.True(t, strings.HasPrefix(got, p.Instruction))
	assert.Contains(t, got, "标的: 贵州茅台 (SH600519)")
	assert.Contains(t, got, "盘中（上午交易时段）")
	assert.Contains(t, got, "--- 会议记录 ---\n空头: 估值偏高\n---")
	assert.True(t, strings.HasSuffix(got, "本轮任务: 第 1 轮发言"))
}

func TestModelFactory(t *testing.T) {
	f := NewModelFactory()
	cfg := &models.AIConfig{ID: "a", Provider: models.AIProviderOpenAI, ModelName: "gpt-4o-mini", APIKey: "k"}

	m1, err := f.Get(context.Background(), cfg)
	require.NoError(t, err)
	m2, err := f.Get(context.Background(), cfg)
	require.NoError(t, err)
	assert.Same(t, m1, m2)
	assert.Equal(t, "gpt-4o-mini", m1.Name())

	_, err = f.Get(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoAIConfig)
	_, err = f.CreateModel(context.Background(), &models.AIConfig{Provider: "claude"})
	assert.Error(t, err)
}
