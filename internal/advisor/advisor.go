// Package advisor adapts reasoning engines to the turn dispatcher.
//
// An Advisor looks at a full conversation transcript and either answers or
// asks one clarifying question. Calls may take seconds and must honor the
// caller's context deadline.
package advisor

import (
	"context"

	"github.com/joescharf/advisor/internal/models"
)

// Result is what an Advisor decided. It is always exactly one of
// FinalAnswer or ClarificationNeeded.
type Result interface {
	isResult()
}

// FinalAnswer is guidance that ends the current exchange.
type FinalAnswer struct {
	Text string
}

// ClarificationNeeded asks the user a question before answering.
type ClarificationNeeded struct {
	Question      string
	Options       []string
	AllowFreeText bool
}

func (FinalAnswer) isResult()         {}
func (ClarificationNeeded) isResult() {}

// Advisor evaluates a transcript.
type Advisor interface {
	Evaluate(ctx context.Context, messages []models.Message) (Result, error)
}

// Func adapts a plain function to Advisor.
type Func func(ctx context.Context, messages []models.Message) (Result, error)

// Evaluate calls f.
func (f Func) Evaluate(ctx context.Context, messages []models.Message) (Result, error) {
	return f(ctx, messages)
}
