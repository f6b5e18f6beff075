package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_Relays(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Path", r.URL.Path)
		w.Header().Set("X-Seen-Forwarded", r.Header.Get("X-Forwarded-Host"))
		_, _ = w.Write([]byte("hello from upstream"))
	}))
	defer upstream.Close()

	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	h := Handler(target, time.Second, NewHTTPTransport(), zerolog.Nop())

	r := httptest.NewRequest(http.MethodGet, "http://gateway.local/protected", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.Equal(t, "hello from upstream", string(body))
	assert.Equal(t, "/protected", w.Header().Get("X-Seen-Path"))
	assert.Equal(t, "gateway.local", w.Header().Get("X-Seen-Forwarded"))
}

func TestHandler_UpstreamTimeoutIs502(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	h := Handler(target, 20*time.Millisecond, NewHTTPTransport(), zerolog.Nop())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slow", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "upstream_error")
}
