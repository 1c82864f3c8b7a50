package dispatch

import (
	"errors"
	"fmt"
)

// Kind classifies why a turn failed.
type Kind string

const (
	// KindInvalidInput means the request was rejected before touching storage.
	KindInvalidInput Kind = "invalid_input"
	// KindSessionBusy means every commit attempt lost a version race.
	KindSessionBusy Kind = "session_busy"
	// KindAdvisorUnavailable means the advisor failed or timed out.
	KindAdvisorUnavailable Kind = "advisor_unavailable"
	// KindStorageFailure means the session store returned an unexpected error.
	KindStorageFailure Kind = "storage_failure"
)

// TurnError is returned by Dispatcher.Turn. The session is never mutated
// when a TurnError is returned.
type TurnError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *TurnError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TurnError) Unwrap() error {
	return e.Cause
}

func newTurnError(kind Kind, message string, cause error) *TurnError {
	return &TurnError{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the Kind of err, or "" if err is not a TurnError.
func KindOf(err error) Kind {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
