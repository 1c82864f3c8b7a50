package advisor

import (
	"github.com/joescharf/advisor/internal/models"
)

// DefaultHistoryWindow is how many trailing messages are sent to the model.
const DefaultHistoryWindow = 10

const (
	defaultMaxTokens   = 2048
	defaultTemperature = 0.3
)

const systemPrompt = `You are an expert livestock advisor with access to a comprehensive knowledge of animal breeds, species, colors, patterns, and categories.

Your knowledge includes:
- Detailed information about livestock species (cattle, sheep, goats, pigs, poultry, horses, etc.)
- Breed characteristics, purposes (meat, milk, wool, eggs, working), and descriptions
- Available colors and patterns for each species
- Feeding, housing, and husbandry practices

Guidelines:
1. Be helpful, accurate, conversational, and professional
2. If something is outside your knowledge, say so honestly
3. Format answers clearly with bullet points or numbered lists when appropriate
4. For questions unrelated to livestock, answer briefly as a friendly general assistant

When the best advice depends on a fact you do not have (herd size, climate, budget, purpose, and similar), ask ONE clarifying question instead of guessing. Never ask again about something the user already answered; treat any reply as the answer, even if it does not match one of your options.

Respond with ONLY a JSON object in one of these two shapes, no markdown fencing or explanation:
{"type": "final", "advice": "<your complete answer>"}
{"type": "clarification", "question": "<one short question>", "options": ["<choice>", "<choice>"], "allow_free_text": true}

Rules:
- "options" lists 2-5 short suggested answers, ordered naturally
- "allow_free_text" is true unless only the listed options make sense`

// buildPrompt returns the system prompt and the windowed transcript sent to
// the model. Providers require the first turn to come from the user, so any
// leading assistant messages left by the window are dropped.
func buildPrompt(messages []models.Message, window int) (system string, turns []models.Message) {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if len(messages) > window {
		messages = messages[len(messages)-window:]
	}
	for len(messages) > 0 && messages[0].Role != models.RoleUser {
		messages = messages[1:]
	}
	return systemPrompt, messages
}
