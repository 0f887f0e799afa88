package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/cmdrelay/internal/types"
)

func TestDecodeValidFrames(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"register","name":"A"}`))
	require.NoError(t, err)
	assert.Equal(t, Register{Name: "A"}, msg)

	msg, err = Decode([]byte(`{"type":"register","role":"control"}`))
	require.NoError(t, err)
	assert.True(t, msg.(Register).IsController())

	msg, err = Decode([]byte(`{"type":"report","id":"c1","status":"done","result":{"ok":true}}`))
	require.NoError(t, err)
	report := msg.(Report)
	assert.Equal(t, types.CommandID("c1"), report.ID)
	assert.Equal(t, types.StatusDone, report.Status)
	assert.JSONEq(t, `{"ok":true}`, string(report.Result))

	msg, err = Decode([]byte(`{"type":"command","target":"A","kind":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, Issue{Target: "A", Kind: "ping"}, msg)

	msg, err = Decode([]byte(`{"type":"chunk","id":"c1","index":1,"total":3,"data":"aGk="}`))
	require.NoError(t, err)
	assert.Equal(t, Chunk{ID: "c1", Index: 1, Total: 3, Data: []byte("hi")}, msg)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"type":`,
		"no type":           `{"name":"A"}`,
		"unknown type":      `{"type":"hello"}`,
		"register no name":  `{"type":"register"}`,
		"report no id":      `{"type":"report","status":"done"}`,
		"report bad status": `{"type":"report","id":"c1","status":"pending"}`,
		"command no kind":   `{"type":"command","target":"A"}`,
		"chunk past total":  `{"type":"chunk","id":"c1","index":3,"total":3}`,
		"file no name":      `{"type":"report","id":"c1","status":"done","file":{"data":"aGk="}}`,
		"file data+chunks":  `{"type":"report","id":"c1","status":"done","file":{"name":"f","data":"aGk=","chunks":2}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestOutboundFrameShapes(t *testing.T) {
	var ack map[string]any
	require.NoError(t, json.Unmarshal(MustEncode(NewAck("A", "c1", true)), &ack))
	assert.Equal(t, map[string]any{"type": "ack", "target": "A", "commandId": "c1", "delivered": true}, ack)

	var presence map[string]any
	require.NoError(t, json.Unmarshal(MustEncode(NewPresence("A", false)), &presence))
	assert.Equal(t, map[string]any{"type": "presence", "target": "A", "online": false}, presence)

	cmd := types.Command{ID: "c1", Target: "A", Kind: "ping", Payload: json.RawMessage(`{"n":1}`)}
	ev, err := DecodeEvent(MustEncode(NewCommandFrame(cmd)))
	require.NoError(t, err)
	assert.Equal(t, TypeCommand, ev.Type)
	assert.Equal(t, types.CommandID("c1"), ev.ID)
	assert.Equal(t, "ping", ev.Kind)
}
