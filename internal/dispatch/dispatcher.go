// Package dispatch runs one conversational turn against a session.
//
// A turn reads the session, appends the user's message, asks the advisor,
// and commits the result with a compare-and-swap on the session version.
// Losing a version race restarts the whole turn from a fresh read, so a turn
// that returns an error has written nothing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joescharf/advisor/internal/advisor"
	"github.com/joescharf/advisor/internal/models"
	"github.com/joescharf/advisor/internal/store"
)

const (
	DefaultMaxAttempts    = 3
	DefaultAdvisorTimeout = 60 * time.Second
	DefaultMaxInputLength = 4000

	// MaxSessionIDLength bounds caller-supplied session ids.
	MaxSessionIDLength = 100
)

// Config tunes a Dispatcher. Zero fields take the defaults above.
type Config struct {
	MaxAttempts    int
	AdvisorTimeout time.Duration
	MaxInputLength int
}

// Outcome is the committed result of a turn.
type Outcome struct {
	SessionID string
	Result    advisor.Result
	Session   *models.Session
	Attempts  int
}

// Dispatcher routes user input through the advisor and persists the
// transcript. It holds no per-session state and is safe for concurrent use.
type Dispatcher struct {
	store   store.Store
	advisor advisor.Advisor
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics records turn metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer overrides the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithClock overrides time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher.
func New(s store.Store, a advisor.Advisor, cfg Config, opts ...Option) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AdvisorTimeout <= 0 {
		cfg.AdvisorTimeout = DefaultAdvisorTimeout
	}
	if cfg.MaxInputLength <= 0 {
		cfg.MaxInputLength = DefaultMaxInputLength
	}
	d := &Dispatcher{
		store:   s,
		advisor: a,
		cfg:     cfg,
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/joescharf/advisor/internal/dispatch"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Turn handles one user message for sessionID. An empty sessionID starts a
// new session with a generated id. Errors are always *TurnError.
func (d *Dispatcher) Turn(ctx context.Context, sessionID, input string) (*Outcome, error) {
	if err := d.validate(sessionID, input); err != nil {
		d.metrics.turn(string(KindInvalidInput))
		return nil, err
	}
	if sessionID == "" {
		sessionID = models.NewSessionID()
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.turn",
		trace.WithAttributes(attribute.String("advisor.session_id", sessionID)))
	defer span.End()

	out, err := d.turn(ctx, sessionID, input)
	if err != nil {
		kind := KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		d.metrics.turn(string(kind))
		d.logger.Warn("turn failed", "session_id", sessionID, "kind", kind, "error", err)
		return nil, err
	}

	outcome := "complete"
	if _, ok := out.Result.(advisor.ClarificationNeeded); ok {
		outcome = "requires_input"
	}
	span.SetAttributes(
		attribute.Int("advisor.attempts", out.Attempts),
		attribute.String("advisor.outcome", outcome),
		attribute.Int64("advisor.version", out.Session.Version),
	)
	d.metrics.turn(outcome)
	d.logger.Info("turn committed",
		"session_id", sessionID,
		"outcome", outcome,
		"version", out.Session.Version,
		"attempts", out.Attempts,
	)
	return out, nil
}

func (d *Dispatcher) turn(ctx context.Context, id, input string) (*Outcome, error) {
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, newTurnError(KindAdvisorUnavailable, "turn cancelled", err)
		}

		current, err := d.store.CreateIfAbsent(ctx, id)
		if err != nil {
			return nil, d.storageError(ctx, "load session", err)
		}

		next := current.Clone()
		if next.Pending != nil {
			d.logger.Debug("treating input as clarification answer",
				"session_id", id, "question", next.Pending.Question)
		}
		next.Append(models.RoleUser, input, d.now())
		// Any reply answers a pending question, whether or not it matches an option.
		next.Pending = nil

		res, err := d.evaluate(ctx, id, next.Messages)
		if err != nil {
			return nil, err
		}

		switch r := res.(type) {
		case advisor.ClarificationNeeded:
			next.Append(models.RoleAssistant, r.Question, d.now())
			next.Pending = &models.Clarification{
				Question:      r.Question,
				Options:       append([]string{}, r.Options...),
				AllowFreeText: r.AllowFreeText,
			}
		case advisor.FinalAnswer:
			next.Append(models.RoleAssistant, r.Text, d.now())
		}

		// A cancelled turn must not commit, even if the advisor answered.
		if err := ctx.Err(); err != nil {
			return nil, newTurnError(KindAdvisorUnavailable, "turn cancelled", err)
		}

		err = d.store.CompareAndSwap(ctx, id, current.Version, next)
		if errors.Is(err, store.ErrVersionConflict) {
			d.metrics.conflict()
			d.logger.Debug("version conflict, retrying turn",
				"session_id", id, "expected", current.Version, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, d.storageError(ctx, "commit session", err)
		}

		return &Outcome{
			SessionID: id,
			Result:    res,
			Session:   next,
			Attempts:  attempt,
		}, nil
	}

	return nil, newTurnError(KindSessionBusy,
		fmt.Sprintf("session %s changed during %d attempts, try again", id, d.cfg.MaxAttempts), store.ErrVersionConflict)
}

// evaluate calls the advisor under the advisor timeout and normalizes its result.
func (d *Dispatcher) evaluate(ctx context.Context, id string, messages []models.Message) (advisor.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.AdvisorTimeout)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "advisor.evaluate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("advisor.messages", len(messages))))
	defer span.End()

	start := time.Now()
	res, err := d.advisor.Evaluate(ctx, messages)
	if err == nil {
		err = checkResult(res)
	}
	if err != nil {
		d.metrics.advisorCall("error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "advisor evaluate failed")
		d.logger.Error("advisor failed", "session_id", id, "error", err)
		return nil, newTurnError(KindAdvisorUnavailable, "advisor did not respond", err)
	}
	d.metrics.advisorCall("ok", time.Since(start))
	return res, nil
}

func checkResult(res advisor.Result) error {
	switch r := res.(type) {
	case advisor.FinalAnswer:
		return nil
	case advisor.ClarificationNeeded:
		if strings.TrimSpace(r.Question) == "" {
			return errors.New("clarification has no question")
		}
		return nil
	case nil:
		return errors.New("advisor returned no result")
	default:
		return fmt.Errorf("unsupported advisor result %T", res)
	}
}

func (d *Dispatcher) storageError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return newTurnError(KindAdvisorUnavailable, "turn cancelled", ctx.Err())
	}
	d.logger.Error("session store failed", "op", op, "error", err)
	return newTurnError(KindStorageFailure, op+" failed", err)
}

func (d *Dispatcher) validate(sessionID, input string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if strings.TrimSpace(input) == "" {
		return newTurnError(KindInvalidInput, "user_input must not be empty", nil)
	}
	if n := utf8.RuneCountInString(input); n > d.cfg.MaxInputLength {
		return newTurnError(KindInvalidInput,
			fmt.Sprintf("user_input is %d characters, limit is %d", n, d.cfg.MaxInputLength), nil)
	}
	return nil
}

// ValidateSessionID rejects ids that are too long or contain control
// characters. The empty id is valid and means "start a new session".
func ValidateSessionID(id string) error {
	if utf8.RuneCountInString(id) > MaxSessionIDLength {
		return newTurnError(KindInvalidInput,
			fmt.Sprintf("session_id must be at most %d characters", MaxSessionIDLength), nil)
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return newTurnError(KindInvalidInput, "session_id contains control characters", nil)
	}
	return nil
}
