package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalDecodeRoundTrip(t *testing.T) {
	data, err := Marshal(TagChatMessage, ChatMessagePayload{Username: "alice", Payload: "hi"})
	require.NoError(t, err)

	frame, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TagChatMessage, frame.Type)

	var payload ChatMessagePayload
	require.NoError(t, DecodePayload(frame, &payload))
	assert.Equal(t, "alice", payload.Username)
	assert.Equal(t, "hi", payload.Payload)
}

func TestDecodeInvalidJSONFails(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestDecodePayloadValidatesRequiredFields(t *testing.T) {
	frame := Frame{Type: TagChatMessage, Data: []byte(`{"username":"","payload":""}`)}
	var payload ChatMessagePayload
	err := DecodePayload(frame, &payload)
	assert.Error(t, err, "empty username/payload must fail validation")
}

func TestDecodePayloadRejectsOversizedChatMessage(t *testing.T) {
	long := make([]byte, 501)
	for i := range long {
		long[i] = 'a'
	}
	frame := Frame{Type: TagChatMessage, Data: []byte(`{"username":"alice","payload":"` + string(long) + `"}`)}
	var payload ChatMessagePayload
	assert.Error(t, DecodePayload(frame, &payload))
}

func TestDecodePayloadRejectsUnknownMouseEventType(t *testing.T) {
	frame := Frame{Type: TagMouseEvent, Data: []byte(`{"x":1,"y":2,"mouse_event_type":"Bogus","user_id":"alice"}`)}
	var payload MouseEventPayload
	assert.Error(t, DecodePayload(frame, &payload))
}

func TestErrorFrameRoundTrips(t *testing.T) {
	data := ErrorFrame("boom")
	frame, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TagError, frame.Type)

	var payload ErrorPayload
	require.NoError(t, DecodePayload(frame, &payload))
	assert.Equal(t, "boom", payload.Error)
}

func TestEncodeWithNilPayloadOmitsData(t *testing.T) {
	frame, err := Encode(TagPing, nil)
	require.NoError(t, err)
	assert.Equal(t, TagPing, frame.Type)
	assert.Empty(t, frame.Data)
}

func TestVotingCastRequiresAtLeastOneSelection(t *testing.T) {
	frame := Frame{Type: TagVotingCast, Data: []byte(`{"voting_id":"v1","user":"alice","selected_option_ids":[]}`)}
	var payload VotingCastPayload
	assert.Error(t, DecodePayload(frame, &payload))
}
