// Package protocol defines the JSON shapes exchanged with chat clients.
package protocol

import (
	"errors"
	"net/http"
	"time"

	"github.com/joescharf/advisor/internal/advisor"
	"github.com/joescharf/advisor/internal/dispatch"
	"github.com/joescharf/advisor/internal/models"
)

// Response statuses.
const (
	StatusRequiresInput = "requires_input"
	StatusComplete      = "complete"
	StatusError         = "error"
)

// ChatRequest is one inbound user message. An empty SessionID starts a new
// session.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	UserInput string `json:"user_input"`
}

// QuizUI tells the client how to render a clarifying question.
type QuizUI struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	AllowFreeText bool     `json:"allow_free_text"`
}

// ChatResponse is either a question (UI set) or advice (Advice set).
type ChatResponse struct {
	Status    string  `json:"status"`
	SessionID string  `json:"session_id"`
	UI        *QuizUI `json:"ui,omitempty"`
	Advice    string  `json:"advice,omitempty"`
}

// ErrorResponse is returned for any failed turn.
type ErrorResponse struct {
	Status  string `json:"status"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SessionDetail is the full view of a stored session.
type SessionDetail struct {
	SessionID string                `json:"session_id"`
	State     models.SessionState   `json:"state"`
	Messages  []models.Message      `json:"messages"`
	Pending   *models.Clarification `json:"pending_clarification,omitempty"`
	Version   int64                 `json:"version"`
	CreatedAt string                `json:"created_at"`
	UpdatedAt string                `json:"updated_at"`
}

// FromOutcome renders a committed turn.
func FromOutcome(out *dispatch.Outcome) ChatResponse {
	resp := ChatResponse{SessionID: out.SessionID}
	switch r := out.Result.(type) {
	case advisor.ClarificationNeeded:
		resp.Status = StatusRequiresInput
		options := r.Options
		if options == nil {
			options = []string{}
		}
		resp.UI = &QuizUI{
			Question:      r.Question,
			Options:       options,
			AllowFreeText: r.AllowFreeText,
		}
	case advisor.FinalAnswer:
		resp.Status = StatusComplete
		resp.Advice = r.Text
	}
	return resp
}

// FromError renders a failed turn. Errors that are not TurnErrors are
// reported as storage failures.
func FromError(err error) ErrorResponse {
	var te *dispatch.TurnError
	if errors.As(err, &te) {
		return ErrorResponse{Status: StatusError, Kind: string(te.Kind), Message: te.Message}
	}
	return ErrorResponse{Status: StatusError, Kind: string(dispatch.KindStorageFailure), Message: err.Error()}
}

// FromSession renders a stored session.
func FromSession(s *models.Session) SessionDetail {
	messages := s.Messages
	if messages == nil {
		messages = []models.Message{}
	}
	return SessionDetail{
		SessionID: s.ID,
		State:     s.State(),
		Messages:  messages,
		Pending:   s.Pending,
		Version:   s.Version,
		CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: s.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// StatusCode maps an error kind to an HTTP status.
func StatusCode(kind dispatch.Kind) int {
	switch kind {
	case dispatch.KindInvalidInput:
		return http.StatusBadRequest
	case dispatch.KindSessionBusy:
		return http.StatusConflict
	case dispatch.KindAdvisorUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
