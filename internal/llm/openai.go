package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mohammad-safakhou/buildingqa/config"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider with the chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	config config.LLMProvider
}

func NewOpenAIProvider(cfg config.LLMProvider) *OpenAIProvider {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	client := openai.NewClient(opts...)
	return &OpenAIProvider{client: &client, config: cfg}
}

func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, options map[string]interface{}) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.config.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(floatOption(options, "temperature", p.config.Temperature)),
	}
	if n := intOption(options, "max_tokens", p.config.MaxTokens); n > 0 {
		params.MaxCompletionTokens = openai.Int(int64(n))
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai generate: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
