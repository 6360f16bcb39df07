package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	t.Parallel()

	r := New()
	r.SessionStarted("client")
	r.Read(3)
	r.Read(5)
	r.Written(7)
	r.WriteError()
	r.ReconnectAttempt("client", false)
	r.ReconnectAttempt("client", true)
	r.ReconnectDelay("client", 5)
	r.SessionEnded(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.sessionsStarted.WithLabelValues("client")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.sessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.reads))
	assert.Equal(t, 8.0, testutil.ToFloat64(r.bytesRead))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.bytesWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.writeErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reconnectAttempts.WithLabelValues("client", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reconnectAttempts.WithLabelValues("client", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.disconnects.WithLabelValues("remote")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.disconnects.WithLabelValues("local")))
}

func TestNilRecorder(t *testing.T) {
	t.Parallel()

	var r *Recorder
	assert.NotPanics(t, func() {
		r.SessionStarted("server")
		r.Read(1)
		r.Written(1)
		r.WriteError()
		r.ReconnectAttempt("server", true)
		r.ReconnectDelay("server", 0)
		r.SessionEnded(false)
	})

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler(t *testing.T) {
	t.Parallel()

	r := New()
	r.SessionStarted("server")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `spp_serial_sessions_started_total{mode="server"} 1`), body)
	assert.True(t, strings.Contains(body, "spp_serial_sessions_active 1"), body)
}
