package types

import (
	"github.com/google/uuid"
)

// CommandID identifies a command across every target queue.
type CommandID string

func NewCommandID() CommandID {
	return CommandID(uuid.New().String())
}

// NewSessionID returns an opaque identifier for a live transport endpoint.
// It is only used for logging; registry identity is the Session value itself.
func NewSessionID() string {
	return uuid.New().String()
}
