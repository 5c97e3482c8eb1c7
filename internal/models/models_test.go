package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppDataKeepsOrderAndValues(t *testing.T) {
	raw := `{"source":"screen","layer":2,"paused":false,"label":null}`

	var a AppData
	require.NoError(t, json.Unmarshal([]byte(raw), &a))
	require.Len(t, a, 4)
	assert.Equal(t, "source", a[0].Key)
	assert.Equal(t, "layer", a[1].Key)

	v, ok := a.Get("layer")
	require.True(t, ok)
	assert.Equal(t, json.Number("2"), v)

	out, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, raw, string(out))
}

func TestAppDataRejectsNestedValues(t *testing.T) {
	var a AppData
	err := json.Unmarshal([]byte(`{"track":{"id":"x"}}`), &a)
	assert.ErrorIs(t, err, errAppDataNested)

	err = json.Unmarshal([]byte(`[1,2]`), &a)
	assert.Error(t, err)
}

func TestAppDataEmpty(t *testing.T) {
	out, err := json.Marshal(AppData(nil))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(out))

	var a AppData
	require.NoError(t, json.Unmarshal([]byte(`null`), &a))
	assert.Nil(t, a)
}

func TestToggleReaction(t *testing.T) {
	msg := &ChatMessage{MessageID: "m1"}

	assert.True(t, msg.ToggleReaction("u1", "😀"))
	assert.True(t, msg.ToggleReaction("u2", "😀"))
	require.Len(t, msg.Reactions, 1)
	assert.Equal(t, 2, msg.Reactions[0].Count)

	assert.False(t, msg.ToggleReaction("u1", "😀"))
	assert.Equal(t, []string{"u2"}, msg.Reactions[0].UserIDs)

	assert.False(t, msg.ToggleReaction("u2", "😀"))
	assert.Empty(t, msg.Reactions)
}

func TestSnapshotRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	room := &Room{
		RoomID:    "r1",
		Kind:      RoomKindGroup,
		HostID:    "h",
		Status:    RoomStatusActive,
		CreatedAt: now,
		Participants: map[string]*Participant{
			"g": {UserID: "g", ConnectionID: "conn-g", JoinedAt: now.Add(time.Second)},
			"h": {UserID: "h", ConnectionID: "conn-h", JoinedAt: now, IsHost: true},
		},
		Messages: []*ChatMessage{{MessageID: "m1", Content: "hi"}},
	}

	snap := room.Snapshot()
	require.Len(t, snap.Participants, 2)
	assert.Equal(t, "h", snap.Participants[0].UserID)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "connectionId")
	assert.NotContains(t, string(raw), "conn-h")

	back := RoomFromSnapshot(snap)
	assert.Len(t, back.Participants, 2)
	assert.True(t, back.Participants["h"].IsHost)
	assert.Empty(t, back.Participants["h"].ConnectionID)
	assert.Equal(t, "conn-h", room.Participants["h"].ConnectionID)
	require.NotNil(t, back.FindMessage("m1"))

	// the snapshot owns its own copies
	back.Messages[0].ToggleReaction("g", "👍")
	assert.Empty(t, room.Messages[0].Reactions)
}
