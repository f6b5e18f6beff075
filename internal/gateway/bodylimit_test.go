package gateway

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoBody() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		_, _ = w.Write(b)
	})
}

func TestBodyLimit_DeclaredLengthOverLimit(t *testing.T) {
	var reached bool
	h := BodyLimit(8)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { reached = true }))

	r := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader("0123456789"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "request_too_large")
	assert.False(t, reached)
}

func TestBodyLimit_UndeclaredLengthIsCapped(t *testing.T) {
	h := BodyLimit(8)(echoBody())

	r := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader("0123456789"))
	r.ContentLength = -1
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestBodyLimit_WithinLimitPasses(t *testing.T) {
	h := BodyLimit(8)(echoBody())

	r := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader("tiny"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tiny", w.Body.String())
}

func TestBodyLimit_Disabled(t *testing.T) {
	h := BodyLimit(0)(echoBody())

	r := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader(strings.Repeat("x", 1024)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Body.String(), 1024)
}
