package models

import (
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SessionState is derived from whether a clarification is pending.
type SessionState string

const (
	StateIdle                  SessionState = "idle"
	StateAwaitingClarification SessionState = "awaiting_clarification"
)

// previewLength is the rune limit for session list previews.
const previewLength = 100

// Message is one entry in a session transcript.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Clarification is a question the advisor asked and is waiting on.
// Options are suggestions only; any free-text reply answers it.
type Clarification struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	AllowFreeText bool     `json:"allow_free_text"`
}

// Session is one conversation keyed by a client-visible ID.
type Session struct {
	ID        string         `json:"session_id"`
	Messages  []Message      `json:"messages"`
	Pending   *Clarification `json:"pending_clarification,omitempty"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SessionSummary is a lightweight view of a session for listings.
type SessionSummary struct {
	ID           string       `json:"session_id"`
	State        SessionState `json:"state"`
	MessageCount int          `json:"message_count"`
	Preview      string       `json:"preview"`
	Version      int64        `json:"version"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NewSession returns an empty, never-committed session.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// State reports whether the session is waiting on a clarification answer.
func (s *Session) State() SessionState {
	if s.Pending != nil {
		return StateAwaitingClarification
	}
	return StateIdle
}

// Append adds a message to the end of the transcript.
func (s *Session) Append(role Role, content string, at time.Time) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content, CreatedAt: at})
}

// Clone returns a deep copy that shares no slices with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = slices.Clone(s.Messages)
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	c.Pending = s.Pending.Clone()
	return &c
}

// Summary builds the listing view of the session.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:           s.ID,
		State:        s.State(),
		MessageCount: len(s.Messages),
		Preview:      Preview(s.Messages),
		Version:      s.Version,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// Clone returns a deep copy of c, or nil.
func (c *Clarification) Clone() *Clarification {
	if c == nil {
		return nil
	}
	out := *c
	out.Options = slices.Clone(c.Options)
	return &out
}

// Preview returns the first user message truncated for display, falling back
// to the first message of any role.
func Preview(messages []Message) string {
	for _, m := range messages {
		if m.Role == RoleUser {
			return truncate(m.Content, previewLength)
		}
	}
	if len(messages) > 0 {
		return truncate(messages[0].Content, previewLength)
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
