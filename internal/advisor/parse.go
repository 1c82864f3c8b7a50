package advisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// reply is the JSON contract the system prompt asks models to follow.
type reply struct {
	Type          string   `json:"type"`
	Advice        string   `json:"advice"`
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	AllowFreeText *bool    `json:"allow_free_text"`
}

// parseReply turns raw model text into a Result. Replies that are not JSON
// objects are taken verbatim as a final answer.
func parseReply(text string) (Result, error) {
	text = stripFence(text)
	if text == "" {
		return nil, errors.New("no text content in model response")
	}
	if !strings.HasPrefix(text, "{") {
		return FinalAnswer{Text: text}, nil
	}

	var r reply
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return FinalAnswer{Text: text}, nil
	}

	switch strings.ToLower(strings.TrimSpace(r.Type)) {
	case "final", "answer":
		advice := strings.TrimSpace(r.Advice)
		if advice == "" {
			return nil, errors.New("final answer has no advice")
		}
		return FinalAnswer{Text: advice}, nil
	case "clarification", "question":
		question := strings.TrimSpace(r.Question)
		if question == "" {
			return nil, errors.New("clarification has no question")
		}
		options := make([]string, 0, len(r.Options))
		for _, o := range r.Options {
			if o = strings.TrimSpace(o); o != "" {
				options = append(options, o)
			}
		}
		allowFree := true
		if r.AllowFreeText != nil {
			allowFree = *r.AllowFreeText
		}
		return ClarificationNeeded{Question: question, Options: options, AllowFreeText: allowFree}, nil
	default:
		return nil, fmt.Errorf("unknown reply type %q", r.Type)
	}
}

// stripFence removes a surrounding markdown code fence if present.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		} else {
			text = ""
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
