package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewSessionID generates a server-side session identifier.
func NewSessionID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
}
