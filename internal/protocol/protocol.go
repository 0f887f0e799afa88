// Package protocol defines the JSON frames exchanged over target and
// controller connections.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/user/cmdrelay/internal/types"
)

// Frame types.
const (
	TypeRegister      = "register"
	TypeReport        = "report"
	TypeCommand       = "command"
	TypeChunk         = "chunk"
	TypePresence      = "presence"
	TypeRelayedReport = "relayed_report"
	TypeAck           = "ack"
)

// RoleControl marks a controller registration.
const RoleControl = "control"

// ErrMalformed is wrapped by every Decode failure.
var ErrMalformed = errors.New("malformed message")

// Envelope is the union of all inbound fields. Clients build one to send
// register, report, chunk and command frames.
type Envelope struct {
	Type    string          `json:"type"`
	Name    string          `json:"name,omitempty"`
	Role    string          `json:"role,omitempty"`
	ID      types.CommandID `json:"id,omitempty"`
	Status  types.Status    `json:"status,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	File    *FilePayload    `json:"file,omitempty"`
	Target  string          `json:"target,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Index   int             `json:"index,omitempty"`
	Total   int             `json:"total,omitempty"`
	Data    []byte          `json:"data,omitempty"`
}

// FilePayload is a file attached to a report: either inline Data or the
// number of chunk frames sent beforehand.
type FilePayload struct {
	Name   string `json:"name"`
	Data   []byte `json:"data,omitempty"`
	Chunks int    `json:"chunks,omitempty"`
}

// Message is a decoded inbound frame.
type Message interface {
	frameType() string
}

// Register binds a connection to a target name or to the controller role.
type Register struct {
	Name string
	Role string
}

// Report carries a target's terminal result for a command.
type Report struct {
	ID     types.CommandID
	Status types.Status
	Result json.RawMessage
	File   *FilePayload
}

// Issue is a controller request to enqueue a command.
type Issue struct {
	Target  string
	Kind    string
	Payload json.RawMessage
}

// Chunk is one numbered piece of a file upload.
type Chunk struct {
	ID    types.CommandID
	Index int
	Total int
	Data  []byte
}

func (Register) frameType() string { return TypeRegister }
func (Report) frameType() string   { return TypeReport }
func (Issue) frameType() string    { return TypeCommand }
func (Chunk) frameType() string    { return TypeChunk }

// IsController reports whether the registration is for the controller role.
func (r Register) IsController() bool {
	return r.Role == RoleControl
}

// Decode parses one inbound frame. Any structural problem or missing
// required field yields an error wrapping ErrMalformed.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeRegister:
		if env.Role == RoleControl {
			return Register{Role: RoleControl}, nil
		}
		if env.Name == "" {
			return nil, fmt.Errorf("%w: register without name", ErrMalformed)
		}
		return Register{Name: env.Name, Role: env.Role}, nil

	case TypeReport:
		if env.ID == "" {
			return nil, fmt.Errorf("%w: report without id", ErrMalformed)
		}
		if env.Status != types.StatusDone && env.Status != types.StatusFailed {
			return nil, fmt.Errorf("%w: report status %q", ErrMalformed, env.Status)
		}
		if f := env.File; f != nil {
			if f.Name == "" {
				return nil, fmt.Errorf("%w: file without name", ErrMalformed)
			}
			if f.Chunks < 0 || (f.Chunks > 0 && len(f.Data) > 0) {
				return nil, fmt.Errorf("%w: file must carry data or a chunk count", ErrMalformed)
			}
		}
		return Report{ID: env.ID, Status: env.Status, Result: env.Result, File: env.File}, nil

	case TypeCommand:
		if env.Target == "" || env.Kind == "" {
			return nil, fmt.Errorf("%w: command needs target and kind", ErrMalformed)
		}
		return Issue{Target: env.Target, Kind: env.Kind, Payload: env.Payload}, nil

	case TypeChunk:
		if env.ID == "" || env.Total <= 0 || env.Index < 0 || env.Index >= env.Total {
			return nil, fmt.Errorf("%w: chunk %d/%d for %q", ErrMalformed, env.Index, env.Total, env.ID)
		}
		return Chunk{ID: env.ID, Index: env.Index, Total: env.Total, Data: env.Data}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
}
