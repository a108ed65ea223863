package adk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	go_openai "github.com/sashabaranov/go-openai"
	"google.golang.org/adk/model"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/genai"

	"github.com/run-bigpig/jcp-debate/internal/adk/openai"
	"github.com/run-bigpig/jcp-debate/internal/models"
)

var ErrNoAIConfig = errors.New("no ai config")

// AIConfigResolver 根据 AIConfigID 返回对应的 AI 配置，ID 为空或找不到时返回默认配置
type AIConfigResolver func(aiConfigID string) *models.AIConfig

// ModelFactory 模型工厂，根据配置创建对应的 adk model，按配置 ID 复用
type ModelFactory struct {
	mu    sync.Mutex
	cache map[string]model.LLM
}

// NewModelFactory 创建模型工厂
func NewModelFactory() *ModelFactory {
	return &ModelFactory{cache: make(map[string]model.LLM)}
}

// Get 获取配置对应的模型，已创建的直接复用
func (f *ModelFactory) Get(ctx context.Context, config *models.AIConfig) (model.LLM, error) {
	if config == nil {
		return nil, ErrNoAIConfig
	}
	key := config.ID
	if key == "" {
		key = string(config.Provider) + "/" + config.ModelName
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if llm, ok := f.cache[key]; ok {
		return llm, nil
	}
	llm, err := f.CreateModel(ctx, config)
	if err != nil {
		return nil, err
	}
	f.cache[key] = llm
	return llm, nil
}

// CreateModel 根据 AI 配置创建对应的模型
func (f *ModelFactory) CreateModel(ctx context.Context, config *models.AIConfig) (model.LLM, error) {
	switch config.Provider {
	case models.AIProviderGemini:
		return f.createGeminiModel(ctx, config)
	case models.AIProviderOpenAI, "":
		return f.createOpenAIModel(config), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", config.Provider)
	}
}

// createGeminiModel 创建 Gemini 模型
func (f *ModelFactory) createGeminiModel(ctx context.Context, config *models.AIConfig) (model.LLM, error) {
	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions.BaseURL = config.BaseURL
	}
	return gemini.NewModel(ctx, config.ModelName, clientConfig)
}

// createOpenAIModel 创建 OpenAI 兼容模型
func (f *ModelFactory) createOpenAIModel(config *models.AIConfig) model.LLM {
	openaiCfg := go_openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		openaiCfg.BaseURL = config.BaseURL
	}
	return openai.New(config.ModelName, openaiCfg, config.NoSystemRole)
}
