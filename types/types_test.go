package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventType(t *testing.T) {
	assert.Equal(t, 0, int(EventLoadingScreen))
	assert.Equal(t, 8, int(EventDisconnected))
	assert.Equal(t, "MESSAGE_ACK", EventMessageAck.String())
	assert.True(t, EventChangeState.Valid())
	assert.False(t, EventType(9).Valid())
	assert.Equal(t, "EventType(-1)", EventType(-1).String())
}

func TestNormalizedEvent_MarshalFlat(t *testing.T) {
	ev := NewEvent("42", EventMessage, map[string]any{
		"body":      "oi",
		"conta_id":  "spoofed",
		"eventType": 99,
	})
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, map[string]any{
		"body":      "oi",
		"conta_id":  "42",
		"eventType": float64(5),
	}, got)

	data, err = json.Marshal(NewEvent("1", EventReady, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"conta_id":"1","eventType":4}`, string(data))
}

func TestID_Unmarshal(t *testing.T) {
	var ids []ID
	require.NoError(t, json.Unmarshal([]byte(`["7", 8, 12345678901234567890, null]`), &ids))
	assert.Equal(t, []ID{"7", "8", "12345678901234567890", ""}, ids)

	var id ID
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &id))
	assert.Error(t, json.Unmarshal([]byte(`true`), &id))
}

func TestOutboundMessage_LenientIDs(t *testing.T) {
	var msg OutboundMessage
	err := json.Unmarshal([]byte(`{"conta_id":3,"to":5511999,"type":"text","body":"oi"}`), &msg)
	require.NoError(t, err)
	assert.Equal(t, OutboundMessage{AccountID: "3", To: "5511999", Type: TextMessage, Body: "oi"}, msg)

	err = json.Unmarshal([]byte(`{"conta_id":"3","to":"120363@g.us","type":"media","media":{"mimetype":"audio/mpeg","data":"AA=="}}`), &msg)
	require.NoError(t, err)
	assert.Equal(t, "120363@g.us", msg.To)
	require.NotNil(t, msg.Media)
	assert.Equal(t, "audio/mpeg", msg.Media.Mimetype)

	assert.Error(t, json.Unmarshal([]byte(`{"conta_id":[1]}`), &msg))
}

func TestResultEnvelope(t *testing.T) {
	data, err := json.Marshal(OK("MSG1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"cod":0,"msg":"MSG1"}`, string(data))

	data, err = json.Marshal(Fail("Conta não encontrado"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"cod":1,"msg":"Conta não encontrado"}`, string(data))
}

func TestTimestamp(t *testing.T) {
	assert.Zero(t, Timestamp(time.Time{}))
	assert.Equal(t, int64(1700000000), Timestamp(time.Unix(1700000000, 0)))
}
