// Package openai 基于 go-openai 的 OpenAI 兼容 Chat Completions 模型，实现 adk 的 model.LLM。
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/adk/model"
	"google.golang.org/genai"

	"github.com/run-bigpig/jcp-debate/internal/logger"
)

var log = logger.New("openai:model")

var _ model.LLM = (*Model)(nil)

var ErrNoChoices = errors.New("no choices in OpenAI response")

// Model OpenAI 兼容模型，支持 reasoning_content 的思考模型
type Model struct {
	client       *openai.Client
	name         string
	noSystemRole bool // 不支持 system role 时把系统指令并入首条用户消息
}

// New 创建模型
func New(modelName string, cfg openai.ClientConfig, noSystemRole bool) *Model {
	return &Model{
		client:       openai.NewClientWithConfig(cfg),
		name:         modelName,
		noSystemRole: noSystemRole,
	}
}

// Name 模型名称
func (m *Model) Name() string {
	return m.name
}

// GenerateContent 实现 model.LLM
func (m *Model) GenerateContent(ctx context.Context, req *model.LLMRequest, stream bool) iter.Seq2[*model.LLMResponse, error] {
	return func(yield func(*model.LLMResponse, error) bool) {
		chatReq, err := buildRequest(req, m.name, m.noSystemRole)
		if err != nil {
			yield(nil, err)
			return
		}
		if !stream {
			resp, err := m.client.CreateChatCompletion(ctx, chatReq)
			if err != nil {
				yield(nil, err)
				return
			}
			yield(convertResponse(&resp))
			return
		}

		chatReq.Stream = true
		s, err := m.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			yield(nil, err)
			return
		}
		defer s.Close()

		var acc accumulator
		for {
			chunk, err := s.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("流式读取中断: %v", err)
				}
				yield(nil, fmt.Errorf("stream recv: %w", err))
				return
			}
			for _, partial := range acc.add(chunk) {
				if !yield(partial, nil) {
					return
				}
			}
		}
		yield(acc.final(), nil)
	}
}

// accumulator 聚合流式增量，结束时产出完整响应
type accumulator struct {
	text      string
	reasoning string
	calls     map[int]*pendingCall
	finish    genai.FinishReason
	usage     *genai.GenerateContentResponseUsageMetadata
}

type pendingCall struct {
	id, name, args string
}

// add 处理一个增量块，返回需要立即下发的 Partial 响应
func (a *accumulator) add(chunk openai.ChatCompletionStreamResponse) []*model.LLMResponse {
	if chunk.Usage != nil {
		a.usage = convertUsage(*chunk.Usage)
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]

	var out []*model.LLMResponse
	if d := choice.Delta.ReasoningContent; d != "" {
		a.reasoning += d
		out = append(out, partialResponse(&genai.Part{Text: d, Thought: true}))
	}
	if d := choice.Delta.Content; d != "" {
		a.text += d
		out = append(out, partialResponse(&genai.Part{Text: d}))
	}
	for _, tc := range choice.Delta.ToolCalls {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		if a.calls == nil {
			a.calls = make(map[int]*pendingCall)
		}
		pc, ok := a.calls[idx]
		if !ok {
			pc = &pendingCall{}
			a.calls[idx] = pc
		}
		if tc.ID != "" {
			pc.id = tc.ID
		}
		if tc.Function.Name != "" {
			pc.name = tc.Function.Name
		}
		pc.args += tc.Function.Arguments
	}
	if choice.FinishReason != "" {
		a.finish = convertFinishReason(string(choice.FinishReason))
	}
	return out
}

// final 聚合响应：思考内容在前，文本其次，工具调用按下标排序
func (a *accumulator) final() *model.LLMResponse {
	content := &genai.Content{Role: "model"}
	if a.reasoning != "" {
		content.Parts = append(content.Parts, &genai.Part{Text: a.reasoning, Thought: true})
	}
	if a.text != "" {
		content.Parts = append(content.Parts, &genai.Part{Text: a.text})
	}
	indices := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indices = append(indices, idx)
	}
	slices.Sort(indices)
	for _, idx := range indices {
		pc := a.calls[idx]
		content.Parts = append(content.Parts, &genai.Part{
			FunctionCall: &genai.FunctionCall{ID: pc.id, Name: pc.name, Args: parseJSONArgs(pc.args)},
		})
	}
	return &model.LLMResponse{
		Content:       content,
		UsageMetadata: a.usage,
		FinishReason:  a.finish,
		TurnComplete:  true,
	}
}

func partialResponse(part *genai.Part) *model.LLMResponse {
	return &model.LLMResponse{
		Content: &genai.Content{Role: "model", Parts: []*genai.Part{part}},
		Partial: true,
	}
}
