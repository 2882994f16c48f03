package observe

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-legion/legion/pkg/bus"
	"github.com/gemini-legion/legion/pkg/models"
)

func TestBusEventsFeedCounters(t *testing.T) {
	b := bus.New(0)
	t.Cleanup(b.Close)

	m := NewMetrics(nil)
	m.Observe(b)

	require.NoError(t, b.Publish(models.NewEvent(models.EventMessagePosted, "test", nil)))
	require.NoError(t, b.Publish(models.NewEvent(models.EventTurnStarted, "test", nil)))
	require.NoError(t, b.Publish(models.NewEvent(models.EventTurnCompleted, "test", nil)))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.messagesPosted) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.turns.WithLabelValues("started")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.turns.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.eventsPublished.WithLabelValues(string(models.EventMessagePosted))))
	assert.Equal(t, 3, testutil.CollectAndCount(m.eventsPublished))
}

func TestActiveTurnsGaugeSamplesAtScrape(t *testing.T) {
	active := int64(3)
	m := NewMetrics(func() int64 { return active })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "legion_active_turns 3")
}

func TestWebsocketGauge(t *testing.T) {
	m := NewMetrics(nil)
	m.WSConnected()
	m.WSConnected()
	m.WSDisconnected()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.wsConnections))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "legion_websocket_connections 1"))
}
