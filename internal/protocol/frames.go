package protocol

import (
	"encoding/json"

	"github.com/user/cmdrelay/internal/types"
)

// CommandFrame delivers a command to its target.
type CommandFrame struct {
	Type    string          `json:"type"`
	ID      types.CommandID `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Presence announces a target going online or offline.
type Presence struct {
	Type   string `json:"type"`
	Target string `json:"target"`
	Online bool   `json:"online"`
}

// RelayedReport forwards a target's report to controllers.
type RelayedReport struct {
	Type   string          `json:"type"`
	Target string          `json:"target"`
	ID     types.CommandID `json:"id"`
	Status types.Status    `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	File   *types.FileRef  `json:"file,omitempty"`
}

// Ack tells the issuing controller whether its command reached the target.
type Ack struct {
	Type      string          `json:"type"`
	Target    string          `json:"target"`
	CommandID types.CommandID `json:"commandId"`
	Delivered bool            `json:"delivered"`
}

func NewCommandFrame(cmd types.Command) CommandFrame {
	return CommandFrame{Type: TypeCommand, ID: cmd.ID, Kind: cmd.Kind, Payload: cmd.Payload}
}

func NewPresence(target string, online bool) Presence {
	return Presence{Type: TypePresence, Target: target, Online: online}
}

func NewRelayedReport(cmd types.Command) RelayedReport {
	return RelayedReport{
		Type:   TypeRelayedReport,
		Target: cmd.Target,
		ID:     cmd.ID,
		Status: cmd.Status,
		Result: cmd.Result,
		File:   cmd.File,
	}
}

func NewAck(target string, id types.CommandID, delivered bool) Ack {
	return Ack{Type: TypeAck, Target: target, CommandID: id, Delivered: delivered}
}

// MustEncode marshals one of the frame types defined in this package.
func MustEncode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("protocol: encode frame: " + err.Error())
	}
	return data
}

// Event is the union of outbound frames, used by clients reading from the
// relay.
type Event struct {
	Type      string          `json:"type"`
	ID        types.CommandID `json:"id,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Target    string          `json:"target,omitempty"`
	Online    bool            `json:"online,omitempty"`
	Status    types.Status    `json:"status,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	File      *types.FileRef  `json:"file,omitempty"`
	CommandID types.CommandID `json:"commandId,omitempty"`
	Delivered bool            `json:"delivered,omitempty"`
}

// DecodeEvent parses an outbound frame on the client side.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}
