package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/admitgate/internal/ratelimit"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"chatty", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NewLogger(&bytes.Buffer{}, tt.in).GetLevel())
		})
	}
}

func TestNewLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn")

	logger.Info().Msg("quiet")
	logger.Warn().Msg("loud")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
	assert.Contains(t, buf.String(), `"time":`)
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info")

	h := AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("User-Agent", "probe/1.0")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.Equal(t, "req", entry["message"])
	assert.Equal(t, "/protected", entry["path"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, "probe/1.0", entry["ua"])
	assert.NotEmpty(t, entry["req_id"])
}

func TestMetrics_Observer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Decision("protected", ratelimit.OutcomeAdmitted)
	m.Decision("protected", ratelimit.OutcomeAdmitted)
	m.Decision("protected", ratelimit.OutcomeRejected)
	m.Swept("protected", 3, 7)
	m.Swept("protected", 2, 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("protected", "admitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("protected", "rejected")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Evicted.WithLabelValues("protected")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Buckets.WithLabelValues("protected")))
}

func TestMetrics_Middleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	limited := m.Middleware("protected")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	plain := m.Middleware("unprotected")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	for i := 0; i < 2; i++ {
		limited.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/protected", nil))
	}
	plain.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/unprotected", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("protected", "GET", "429")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("unprotected", "POST", "200")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.RequestDuration))
}

func TestNewMetrics_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
