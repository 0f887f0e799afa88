package types

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Command.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further transition is accepted from s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDispatched, StatusDone, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Command is a unit of work addressed to one target.
type Command struct {
	ID        CommandID       `json:"id"`
	Target    string          `json:"target"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	File      *FileRef        `json:"file,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FileRef points at a reassembled upload stored outside the queue snapshot.
type FileRef struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

// Snapshot is the full target -> ordered command list mapping.
type Snapshot map[string][]*Command
