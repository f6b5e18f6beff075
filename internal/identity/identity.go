// Package identity turns a request into the opaque client identity the limiter keys on.
package identity

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Func extracts a client identity from r. It never fails; a request with
// nothing usable maps to a shared identity.
type Func func(r *http.Request) string

// RemoteIP keys on the connection's address without the port.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// no port, use as is
		return r.RemoteAddr
	}
	return host
}

// Header keys on the trimmed value of the named header, falling back to the remote IP.
func Header(name string) Func {
	return func(r *http.Request) string {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return "hdr:" + v
		}
		return "ip:" + RemoteIP(r)
	}
}

// Keys is a static in-memory key store: secret -> keyID
type Keys struct {
	header   string
	bySecret map[string]string
}

// NewKeys creates a key store reading secrets from header (default "X-API-Key").
func NewKeys(header string, pairs map[string]string) *Keys {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	m := make(map[string]string, len(pairs))
	for secret, id := range pairs {
		if secret != "" && id != "" {
			m[secret] = id
		}
	}
	return &Keys{header: h, bySecret: m}
}

// KeyID resolves the request's API key to its key ID.
func (k *Keys) KeyID(r *http.Request) (string, bool) {
	secret := strings.TrimSpace(r.Header.Get(k.header))
	if secret == "" {
		return "", false
	}
	id, ok := k.bySecret[secret]
	return id, ok
}

// APIKey keys recognised clients by key ID, so one key shares a bucket across
// all of its addresses. Anything else is keyed by remote IP.
func (k *Keys) APIKey(r *http.Request) string {
	if id, ok := k.KeyID(r); ok {
		return "key:" + id
	}
	return "ip:" + RemoteIP(r)
}

// Parse maps an endpoint's identity setting to an extractor.
func Parse(policy string, keys *Keys) (Func, error) {
	switch {
	case policy == "" || policy == "ip":
		return RemoteIP, nil
	case policy == "api_key":
		if keys == nil {
			return nil, fmt.Errorf("identity %q needs a key store", policy)
		}
		return keys.APIKey, nil
	case strings.HasPrefix(policy, "header:"):
		name := strings.TrimSpace(strings.TrimPrefix(policy, "header:"))
		if name == "" {
			return nil, fmt.Errorf("identity %q: empty header name", policy)
		}
		return Header(name), nil
	}
	return nil, fmt.Errorf("unknown identity %q", policy)
}
