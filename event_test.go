package stateres

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEventFromTrustedJSON(t *testing.T) {
	event, err := NewEventFromTrustedJSON([]byte(`{
		"event_id": "$E:example.com",
		"room_id": "!ROOM:example.com",
		"sender": "@alice:example.com",
		"type": "m.room.member",
		"state_key": "@alice:example.com",
		"auth_events": ["$C:example.com"],
		"prev_events": ["$C:example.com"],
		"depth": 2,
		"content": {"membership": "join", "displayname": "Alice"}
	}`), RoomVersionV10)
	require.NoError(t, err)

	require.Equal(t, "$E:example.com", event.EventID())
	require.Equal(t, "!ROOM:example.com", event.RoomID())
	require.Equal(t, RoomVersionV10, event.Version())
	require.Equal(t, MRoomMember, event.Type())
	require.True(t, event.StateKeyEquals("@alice:example.com"))
	require.Equal(t, []string{"$C:example.com"}, event.AuthEventIDs())
	require.Equal(t, int64(2), event.Depth())

	membership, err := event.Membership()
	require.NoError(t, err)
	require.Equal(t, Join, membership)
}

func TestNewEventFromTrustedJSONRejectsIncompleteEvents(t *testing.T) {
	for name, data := range map[string]string{
		"invalid":    `{`,
		"no eventID": `{"room_id": "!R:a", "type": "m.room.name"}`,
		"no roomID":  `{"event_id": "$E:a", "type": "m.room.name"}`,
		"no type":    `{"event_id": "$E:a", "room_id": "!R:a"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewEventFromTrustedJSON([]byte(data), RoomVersionV10)
			require.Error(t, err)
		})
	}
}

func TestMembership(t *testing.T) {
	event := makeTestEvent(
		"$N:example.com", MRoomName, ALICE, &emptyStateKey, 7,
		`{"name": "No memberships here"}`, nil, nil,
	)
	_, err := event.Membership()
	require.Error(t, err)

	missing := makeTestEvent(
		"$M:example.com", MRoomMember, ALICE, &ALICE, 7,
		`{"membership": 42}`, nil, nil,
	)
	_, err = missing.Membership()
	require.Error(t, err)
}

func TestStateKeyEquals(t *testing.T) {
	event := makeTestEvent(
		"$M:example.com", MRoomMember, ALICE, &ALICE, 7,
		`{"membership": "join"}`, nil, nil,
	)
	require.True(t, event.StateKeyEquals(ALICE))
	require.False(t, event.StateKeyEquals(BOB))

	message := NewEvent(RoomVersionV2, EventFields{
		EventID: "$MSG:example.com",
		RoomID:  testRoomID,
		Sender:  ALICE,
		Type:    "m.room.message",
		Content: []byte(`{"body": "hi"}`),
	})
	require.False(t, message.StateKeyEquals(""))
}
