package advisor

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/advisor/internal/models"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-sonnet-4-5-20250929"

// AnthropicAdvisor asks a Claude model for advice.
type AnthropicAdvisor struct {
	api    *anthropic.Client
	model  anthropic.Model
	window int
}

// NewAnthropic creates an advisor backed by the Anthropic Messages API.
// An empty apiKey falls back to the ANTHROPIC_API_KEY environment variable.
func NewAnthropic(apiKey, model string, window int) *AnthropicAdvisor {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicAdvisor{
		api:    &client,
		model:  anthropic.Model(model),
		window: window,
	}
}

// Evaluate sends the windowed transcript and parses the reply.
func (a *AnthropicAdvisor) Evaluate(ctx context.Context, messages []models.Message) (Result, error) {
	system, turns := buildPrompt(messages, a.window)
	if len(turns) == 0 {
		return nil, fmt.Errorf("no user message to evaluate")
	}

	params := make([]anthropic.MessageParam, 0, len(turns))
	for _, m := range turns {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == models.RoleAssistant {
			params = append(params, anthropic.NewAssistantMessage(block))
		} else {
			params = append(params, anthropic.NewUserMessage(block))
		}
	}

	msg, err := a.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: defaultMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages:    params,
		Temperature: anthropic.Float(defaultTemperature),
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	res, err := parseReply(text)
	if err != nil {
		return nil, fmt.Errorf("parse anthropic reply: %w", err)
	}
	return res, nil
}
