package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/mossy-p/callsignal/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New(Gauges{})

	m.CallSettled(models.CallStateAccepted)
	m.CallSettled(models.CallStateAccepted)
	m.CallSettled(models.CallStateTimedOut)
	m.RoomEnded("Host left the call")
	m.StreamsAnnounced(true, 3)
	m.StreamsAnnounced(false, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.callOutcomes.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callOutcomes.WithLabelValues("timed_out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.roomsEnded.WithLabelValues("Host left the call")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.announcements.WithLabelValues("replay")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.announcements.WithLabelValues("live")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CallSettled(models.CallStateRejected)
		m.RoomEnded("x")
		m.StreamsAnnounced(false, 1)
	})
}

func TestHandlerServesGauges(t *testing.T) {
	m := New(Gauges{
		OnlineUsers:  func() int { return 7 },
		ActiveRooms:  func() int { return 2 },
		PendingCalls: func() int { return 1 },
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "callsignal_online_users 7")
	assert.Contains(t, string(body), "callsignal_active_rooms 2")
	assert.Contains(t, string(body), "callsignal_pending_calls 1")
}
