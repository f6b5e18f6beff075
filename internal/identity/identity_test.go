package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequest(remote string, headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = remote
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestRemoteIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"203.0.113.1:5555", "203.0.113.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"203.0.113.1", "203.0.113.1"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			assert.Equal(t, tt.want, RemoteIP(newRequest(tt.remote, nil)))
		})
	}
}

func TestHeader(t *testing.T) {
	fn := Header("X-Session")

	assert.Equal(t, "hdr:abc", fn(newRequest("10.0.0.1:1", map[string]string{"X-Session": "  abc "})))
	assert.Equal(t, "ip:10.0.0.1", fn(newRequest("10.0.0.1:1", nil)))
}

func TestKeys_APIKey(t *testing.T) {
	keys := NewKeys("", map[string]string{
		"s3cret": "team-a",
		"":       "ignored",
		"orphan": "",
	})

	// same key from two addresses shares one identity
	a := keys.APIKey(newRequest("10.0.0.1:1", map[string]string{"X-API-Key": "s3cret"}))
	b := keys.APIKey(newRequest("10.0.0.2:1", map[string]string{"X-API-Key": "s3cret"}))
	assert.Equal(t, "key:team-a", a)
	assert.Equal(t, a, b)

	// unknown and missing keys fall back to the address
	assert.Equal(t, "ip:10.0.0.3", keys.APIKey(newRequest("10.0.0.3:1", map[string]string{"X-API-Key": "nope"})))
	assert.Equal(t, "ip:10.0.0.3", keys.APIKey(newRequest("10.0.0.3:1", nil)))
	assert.Equal(t, "ip:10.0.0.3", keys.APIKey(newRequest("10.0.0.3:1", map[string]string{"X-API-Key": "orphan"})))
}

func TestKeys_CustomHeader(t *testing.T) {
	keys := NewKeys("Authorization", map[string]string{"tok": "svc"})

	id, ok := keys.KeyID(newRequest("10.0.0.1:1", map[string]string{"Authorization": "tok"}))
	require.True(t, ok)
	assert.Equal(t, "svc", id)

	_, ok = keys.KeyID(newRequest("10.0.0.1:1", map[string]string{"X-API-Key": "tok"}))
	assert.False(t, ok)
}

func TestParse(t *testing.T) {
	keys := NewKeys("", map[string]string{"s": "id"})
	r := newRequest("10.0.0.9:1", map[string]string{"X-API-Key": "s", "X-Client": "c1"})

	fn, err := Parse("ip", nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", fn(r))

	fn, err = Parse("", nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", fn(r))

	fn, err = Parse("api_key", keys)
	require.NoError(t, err)
	assert.Equal(t, "key:id", fn(r))

	fn, err = Parse("header:X-Client", nil)
	require.NoError(t, err)
	assert.Equal(t, "hdr:c1", fn(r))

	_, err = Parse("api_key", nil)
	assert.Error(t, err)
	_, err = Parse("header:", nil)
	assert.Error(t, err)
	_, err = Parse("cookie", nil)
	assert.Error(t, err)
}
