package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_DecodeRoomName(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{name: "bare string", data: `"general"`, want: "general"},
		{name: "object", data: `{"room":"random"}`, want: "random"},
		{name: "trimmed", data: `"  general "`, want: "general"},
		{name: "empty string", data: `""`, wantErr: true},
		{name: "object without room", data: `{"user":"alice"}`, wantErr: true},
		{name: "number", data: `42`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Envelope{Type: EventStopTyping, Data: json.RawMessage(tt.data)}
			got, err := env.DecodeRoomName()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnvelope_DecodeMissingData(t *testing.T) {
	var req RoomRequest
	err := Envelope{Type: EventJoinRoom}.Decode(&req)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestEvents_EncodeEmptyListsAsArrays(t *testing.T) {
	for _, ev := range []Event{PresenceEvent(nil), MyRoomsEvent(nil), HistoryEvent(nil)} {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"data":[]`, "event %s", ev.Type)
	}

	data, err := json.Marshal(RoomMembersEvent("general", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"room_members","data":{"room":"general","members":[]}}`, string(data))
}

func TestEvent_Droppable(t *testing.T) {
	assert.True(t, TypingStartedEvent("general", "alice").Droppable())
	assert.True(t, TypingStoppedEvent("general", "alice").Droppable())
	assert.False(t, MessageEvent(ChatMessage{Room: "general"}).Droppable())
	assert.False(t, RoomMembersEvent("general", nil).Droppable())
}
