package advisor

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/joescharf/advisor/internal/models"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIAdvisor asks an OpenAI chat model for advice.
type OpenAIAdvisor struct {
	api    openai.Client
	model  string
	window int
}

// NewOpenAI creates an advisor backed by the Chat Completions API.
// An empty apiKey falls back to the OPENAI_API_KEY environment variable.
// baseURL may point at any compatible endpoint.
func NewOpenAI(apiKey, baseURL, model string, window int) *OpenAIAdvisor {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIAdvisor{
		api:    openai.NewClient(opts...),
		model:  model,
		window: window,
	}
}

// Evaluate sends the windowed transcript and parses the reply.
func (a *OpenAIAdvisor) Evaluate(ctx context.Context, messages []models.Message) (Result, error) {
	system, turns := buildPrompt(messages, a.window)
	if len(turns) == 0 {
		return nil, fmt.Errorf("no user message to evaluate")
	}

	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	params = append(params, openai.SystemMessage(system))
	for _, m := range turns {
		if m.Role == models.RoleAssistant {
			params = append(params, openai.AssistantMessage(m.Content))
		} else {
			params = append(params, openai.UserMessage(m.Content))
		}
	}

	resp, err := a.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(a.model),
		Messages:            params,
		Temperature:         openai.Float(defaultTemperature),
		MaxCompletionTokens: openai.Int(defaultMaxTokens),
	})
	if err != nil {
		return nil, fmt.Errorf("openai API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	res, err := parseReply(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("parse openai reply: %w", err)
	}
	return res, nil
}
