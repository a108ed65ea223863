package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/adk/model"
	"google.golang.org/genai"
)

// buildRequest 把 adk 请求转换为 Chat Completions 请求
func buildRequest(req *model.LLMRequest, modelName string, noSystemRole bool) (openai.ChatCompletionRequest, error) {
	out := openai.ChatCompletionRequest{Model: modelName}

	var msgs []openai.ChatCompletionMessage
	for _, c := range req.Contents {
		converted, err := convertContent(c)
		if err != nil {
			return out, err
		}
		msgs = append(msgs, converted...)
	}

	cfg := req.Config
	if cfg == nil {
		out.Messages = msgs
		return out, nil
	}

	if system := joinText(cfg.SystemInstruction); system != "" {
		msgs = withSystemInstruction(msgs, system, noSystemRole)
	}
	out.Messages = msgs

	if cfg.ThinkingConfig != nil {
		switch cfg.ThinkingConfig.ThinkingLevel {
		case genai.ThinkingLevelLow:
			out.ReasoningEffort = "low"
		case genai.ThinkingLevelHigh:
			out.ReasoningEffort = "high"
		default:
			out.ReasoningEffort = "medium"
		}
	}
	if len(cfg.Tools) > 0 {
		tools, err := convertTools(cfg.Tools)
		if err != nil {
			return out, err
		}
		out.Tools = tools
	}
	if cfg.Temperature != nil {
		out.Temperature = *cfg.Temperature
	}
	if cfg.TopP != nil {
		out.TopP = *cfg.TopP
	}
	if cfg.MaxOutputTokens > 0 {
		out.MaxTokens = int(cfg.MaxOutputTokens)
	}
	if len(cfg.StopSequences) > 0 {
		out.Stop = cfg.StopSequences
	}
	if cfg.ResponseMIMEType == "application/json" {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return out, nil
}

// withSystemInstruction 插入系统指令；模型不支持 system role 时并入首条用户消息
func withSystemInstruction(msgs []openai.ChatCompletionMessage, system string, noSystemRole bool) []openai.ChatCompletionMessage {
	if !noSystemRole {
		return append([]openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: system}}, msgs...)
	}
	for i := range msgs {
		if msgs[i].Role == openai.ChatMessageRoleUser {
			msgs[i].Content = system + "\n\n" + msgs[i].Content
			return msgs
		}
	}
	return append([]openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: system}}, msgs...)
}

// convertContent 一条 genai.Content 可能拆成多条 tool 消息加一条普通消息
func convertContent(c *genai.Content) ([]openai.ChatCompletionMessage, error) {
	var out []openai.ChatCompletionMessage
	msg := openai.ChatCompletionMessage{Role: convertRole(c.Role)}
	var text, reasoning strings.Builder
	hasBody := false

	for _, part := range c.Parts {
		switch {
		case part.FunctionResponse != nil:
			body, err := json.Marshal(part.FunctionResponse.Response)
			if err != nil {
				return nil, fmt.Errorf("marshal function response: %w", err)
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: part.FunctionResponse.ID,
				Content:    string(body),
			})
		case part.FunctionCall != nil:
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("marshal function args: %w", err)
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   part.FunctionCall.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				},
			})
			hasBody = true
		case part.Thought && part.Text != "":
			reasoning.WriteString(part.Text)
			hasBody = true
		case part.Text != "":
			text.WriteString(part.Text)
			hasBody = true
		}
	}

	if !hasBody {
		return out, nil
	}
	msg.Content = text.String()
	msg.ReasoningContent = reasoning.String()
	return append(out, msg), nil
}

func convertRole(role string) string {
	switch role {
	case "model":
		return openai.ChatMessageRoleAssistant
	case "system":
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

func joinText(c *genai.Content) string {
	if c == nil {
		return ""
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func convertTools(genaiTools []*genai.Tool) ([]openai.Tool, error) {
	var out []openai.Tool
	for _, t := range genaiTools {
		if t == nil {
			continue
		}
		for _, fd := range t.FunctionDeclarations {
			var params any = fd.ParametersJsonSchema
			if fd.ParametersJsonSchema == nil {
				if fd.Parameters == nil {
					return nil, fmt.Errorf("tool %s has no parameters schema", fd.Name)
				}
				params = fd.Parameters
			}
			out = append(out, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        fd.Name,
					Description: fd.Description,
					Parameters:  params,
				},
			})
		}
	}
	return out, nil
}

func convertResponse(resp *openai.ChatCompletionResponse) (*model.LLMResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}
	choice := resp.Choices[0]
	content := &genai.Content{Role: "model"}
	if choice.Message.ReasoningContent != "" {
		content.Parts = append(content.Parts, &genai.Part{Text: choice.Message.ReasoningContent, Thought: true})
	}
	if choice.Message.Content != "" {
		content.Parts = append(content.Parts, &genai.Part{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Type != openai.ToolTypeFunction {
			continue
		}
		content.Parts = append(content.Parts, &genai.Part{
			FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Function.Name, Args: parseJSONArgs(tc.Function.Arguments)},
		})
	}

	var usage *genai.GenerateContentResponseUsageMetadata
	if resp.Usage.TotalTokens > 0 {
		usage = convertUsage(resp.Usage)
	}
	return &model.LLMResponse{
		Content:       content,
		UsageMetadata: usage,
		FinishReason:  convertFinishReason(string(choice.FinishReason)),
		TurnComplete:  true,
	}, nil
}

func convertUsage(u openai.Usage) *genai.GenerateContentResponseUsageMetadata {
	return &genai.GenerateContentResponseUsageMetadata{
		PromptTokenCount:     int32(u.PromptTokens),
		CandidatesTokenCount: int32(u.CompletionTokens),
		TotalTokenCount:      int32(u.TotalTokens),
	}
}

func convertFinishReason(reason string) genai.FinishReason {
	switch reason {
	case "stop", "tool_calls", "function_call":
		return genai.FinishReasonStop
	case "length":
		return genai.FinishReasonMaxTokens
	case "content_filter":
		return genai.FinishReasonSafety
	default:
		return genai.FinishReasonUnspecified
	}
}

// parseJSONArgs 参数不是合法 JSON 时返回空 map
func parseJSONArgs(raw string) map[string]any {
	args := make(map[string]any)
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return make(map[string]any)
	}
	return args
}
