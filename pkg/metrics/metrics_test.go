package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"patterm/pkg/event"
)

func TestCollector_ObservesBus(t *testing.T) {
	bus := event.NewBus(zaptest.NewLogger(t))
	c := NewCollector()
	c.Attach(bus)

	bus.Publish(event.SessionCreated{ID: "a", Name: "one"})
	bus.Publish(event.SessionConnected{ID: "a"})
	bus.Publish(event.SessionCreated{ID: "b", Name: "two"})
	bus.Publish(event.SessionConnected{ID: "b"})
	bus.Publish(event.SessionData{ID: "a", Bytes: []byte("hello"), Direction: event.DirectionRX})
	bus.Publish(event.SessionData{ID: "a", Bytes: []byte("hi"), Direction: event.DirectionTX})
	bus.Publish(event.SessionRateUpdated{ID: "a", RxRate: 120, TxRate: 3})
	bus.Publish(event.SessionError{ID: "b", Message: "framing error"})
	bus.Publish(event.SessionDisconnected{ID: "b"})
	bus.Publish(event.SessionClosed{ID: "b"})
	bus.Close()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.SessionsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SessionsClosed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SessionErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SessionsConnected))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.BytesTotal.WithLabelValues("rx")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.BytesTotal.WithLabelValues("tx")))
	assert.Equal(t, 120.0, testutil.ToFloat64(c.RateBytes.WithLabelValues("a", "rx")))
}

func TestCollector_Handler(t *testing.T) {
	bus := event.NewBus(nil)
	c := NewCollector()
	c.Attach(bus)
	bus.Publish(event.SessionCreated{ID: "a"})
	bus.Close()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "patterm_sessions_created_total 1")
}

func TestCollector_Detach(t *testing.T) {
	bus := event.NewBus(nil)
	defer bus.Close()

	c := NewCollector()
	c.Attach(bus)
	c.Detach()
	assert.Equal(t, 0, bus.Subscribers())
}
