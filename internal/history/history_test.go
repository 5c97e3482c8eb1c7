package history

import (
	"testing"
	"time"

	"github.com/mossy-p/callsignal/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCallRecord(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	settled := created.Add(4 * time.Second)

	r := callRecord(models.PendingCall{
		CallID:    "c1",
		CallerID:  "alice",
		CalleeID:  "bob",
		State:     models.CallStateRejected,
		CreatedAt: created,
		SettledAt: &settled,
	})

	require.Len(t, r.args, 7)
	assert.Equal(t, "rejected", r.args[3])
	assert.Nil(t, r.args[4].(*string))
	assert.Equal(t, settled, r.args[6])
}

func TestRoomRecord(t *testing.T) {
	ended := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	r := roomRecord(models.RoomSnapshot{
		RoomID:     "r1",
		Kind:       models.RoomKindGroup,
		HostID:     "alice",
		IsHostless: true,
		EndedAt:    &ended,
		Messages:   []models.ChatMessage{{MessageID: "m1"}, {MessageID: "m2"}},
	}, "Host left the call")

	require.Len(t, r.args, 9)
	assert.Equal(t, "group", r.args[1])
	assert.Equal(t, true, r.args[4])
	assert.Equal(t, 2, r.args[5])
	assert.Equal(t, "Host left the call", r.args[6])
	assert.Equal(t, ended, r.args[8])
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	p := &Postgres{log: zap.NewNop(), queue: make(chan record, 1)}

	p.RecordCall(models.PendingCall{CallID: "a"})
	p.RecordCall(models.PendingCall{CallID: "b"})

	assert.Len(t, p.queue, 1)
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = Nop{}
	assert.NotPanics(t, func() {
		r.RecordCall(models.PendingCall{})
		r.RecordRoom(models.RoomSnapshot{}, "")
	})
}
