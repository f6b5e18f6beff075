package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/admitgate/internal/ratelimit"
)

type Server struct {
	Addr              string `yaml:"addr"`
	ReadTimeoutMS     int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS     int    `yaml:"idle_timeout_ms"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
	MaxBodyBytes      int64  `yaml:"max_body_bytes"` // applies to upstream endpoints
}

type Observability struct {
	LogLevel    string `yaml:"log_level"`    // "debug","info","warn","error"
	MetricsPath string `yaml:"metrics_path"` // e.g. "/metrics"
}

// CORS is on by default and allows any origin, so browser clients can read
// 429 bodies and the rate-limit headers.
type CORS struct {
	Disabled       bool     `yaml:"disabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeS        int      `yaml:"max_age_s"`
}

type APIKey struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

// Limit is a token bucket policy. Zero fields inherit from limits.default.
type Limit struct {
	Capacity        float64 `yaml:"capacity"`
	RefillRate      float64 `yaml:"refill_rate"` // tokens per second
	IdleTTLMS       int     `yaml:"idle_ttl_ms"`
	SweepIntervalMS int     `yaml:"sweep_interval_ms"`
}

type Limits struct {
	Default Limit `yaml:"default"`
}

type Upstream struct {
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type Endpoint struct {
	ID        string    `yaml:"id"`
	Path      string    `yaml:"path"`
	Methods   []string  `yaml:"methods"`
	Cost      float64   `yaml:"cost"`
	Identity  string    `yaml:"identity"` // "ip", "api_key" or "header:<Name>"
	Unlimited bool      `yaml:"unlimited"`
	Limit     *Limit    `yaml:"limit"`
	Upstream  *Upstream `yaml:"upstream"`
	Message   string    `yaml:"message"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	CORS          CORS          `yaml:"cors"`
	Auth          Auth          `yaml:"auth"`
	Limits        Limits        `yaml:"limits"`
	Endpoints     []Endpoint    `yaml:"endpoints"`
}

// Overrides are read from the environment after the file and win over it.
type Overrides struct {
	Addr              string   `env:"ADMITGATE_ADDR"`
	LogLevel          string   `env:"ADMITGATE_LOG_LEVEL"`
	MetricsPath       string   `env:"ADMITGATE_METRICS_PATH"`
	DefaultCapacity   float64  `env:"ADMITGATE_DEFAULT_CAPACITY"`
	DefaultRefillRate float64  `env:"ADMITGATE_DEFAULT_REFILL_RATE"`
	CORSOrigins       []string `env:"ADMITGATE_CORS_ORIGINS"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) ShutdownTimeout() time.Duration {
	if s.ShutdownTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.ShutdownTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
}

func (c CORS) MaxAge() int {
	if c.MaxAgeS == 0 {
		return 300
	}
	return c.MaxAgeS
}

func (u Upstream) Timeout() time.Duration {
	return time.Duration(u.TimeoutMS) * time.Millisecond
}

// AllowedMethods returns the upper-cased allowed methods, GET when none are set.
func (e Endpoint) AllowedMethods() []string {
	if len(e.Methods) == 0 {
		return []string{"GET"}
	}
	out := make([]string, 0, len(e.Methods))
	for _, m := range e.Methods {
		out = append(out, strings.ToUpper(strings.TrimSpace(m)))
	}
	return out
}

// LimiterConfig merges the endpoint override onto def and names the result after the endpoint.
func (e Endpoint) LimiterConfig(def Limit) ratelimit.Config {
	l := def
	if e.Limit != nil {
		if e.Limit.Capacity != 0 {
			l.Capacity = e.Limit.Capacity
		}
		if e.Limit.RefillRate != 0 {
			l.RefillRate = e.Limit.RefillRate
		}
		if e.Limit.IdleTTLMS != 0 {
			l.IdleTTLMS = e.Limit.IdleTTLMS
		}
		if e.Limit.SweepIntervalMS != 0 {
			l.SweepIntervalMS = e.Limit.SweepIntervalMS
		}
	}
	return ratelimit.Config{
		Name:          e.ID,
		Capacity:      l.Capacity,
		RefillRate:    l.RefillRate,
		IdleTTL:       time.Duration(l.IdleTTLMS) * time.Millisecond,
		SweepInterval: time.Duration(l.SweepIntervalMS) * time.Millisecond,
	}
}

// DefaultEndpoints is used when the file configures none: one throttled route and one free route.
func DefaultEndpoints() []Endpoint {
	return []Endpoint{
		{
			ID:       "protected",
			Path:     "/protected",
			Methods:  []string{"GET"},
			Cost:     1,
			Identity: "ip",
			Message:  "Success! You have accessed the protected endpoint.",
		},
		{
			ID:        "unprotected",
			Path:      "/unprotected",
			Methods:   []string{"GET"},
			Unlimited: true,
			Message:   "This is an unprotected endpoint. Feel free to call it as much as you want!",
		},
	}
}

// Load reads the YAML file at path, applies environment overrides and defaults,
// and validates every limiter policy. Bad limits are a load error.
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var ov Overrides
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}
	cfg.apply(ov)
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Root) apply(ov Overrides) {
	if ov.Addr != "" {
		c.Server.Addr = ov.Addr
	}
	if ov.LogLevel != "" {
		c.Observability.LogLevel = ov.LogLevel
	}
	if ov.MetricsPath != "" {
		c.Observability.MetricsPath = ov.MetricsPath
	}
	if ov.DefaultCapacity != 0 {
		c.Limits.Default.Capacity = ov.DefaultCapacity
	}
	if ov.DefaultRefillRate != 0 {
		c.Limits.Default.RefillRate = ov.DefaultRefillRate
	}
	if len(ov.CORSOrigins) > 0 {
		c.CORS.AllowedOrigins = ov.CORSOrigins
	}
}

func (c *Root) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.MetricsPath == "" {
		c.Observability.MetricsPath = "/metrics"
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
	if len(c.CORS.AllowedHeaders) == 0 {
		c.CORS.AllowedHeaders = []string{"*"}
	}
	if c.Auth.Header == "" {
		c.Auth.Header = "X-API-Key"
	}

	d := &c.Limits.Default
	if d.Capacity == 0 {
		d.Capacity = 5
	}
	if d.RefillRate == 0 {
		d.RefillRate = 1
	}
	if d.IdleTTLMS == 0 {
		d.IdleTTLMS = int((10 * time.Minute).Milliseconds())
	}
	if d.SweepIntervalMS == 0 {
		d.SweepIntervalMS = int(time.Minute.Milliseconds())
	}

	if len(c.Endpoints) == 0 {
		c.Endpoints = DefaultEndpoints()
	}
	for i := range c.Endpoints {
		e := &c.Endpoints[i]
		if e.ID == "" {
			e.ID = strings.Trim(e.Path, "/")
		}
		if e.ID == "" {
			e.ID = "root"
		}
		if e.Cost == 0 {
			e.Cost = 1
		}
		if e.Identity == "" {
			e.Identity = "ip"
		}
		if e.Upstream != nil && e.Upstream.TimeoutMS <= 0 {
			e.Upstream.TimeoutMS = 3000
		}
	}
}

// Validate rejects limits the limiter would refuse and endpoints that can never be served.
func (c *Root) Validate() error {
	if !strings.HasPrefix(c.Observability.MetricsPath, "/") {
		return fmt.Errorf("metrics path must start with /, got %q", c.Observability.MetricsPath)
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("max body bytes must not be negative, got %d", c.Server.MaxBodyBytes)
	}
	if c.CORS.MaxAgeS < 0 {
		return fmt.Errorf("cors max age must not be negative, got %d", c.CORS.MaxAgeS)
	}

	reserved := map[string]struct{}{
		HealthPath:                  {},
		c.Observability.MetricsPath: {},
	}
	seen := make(map[string]struct{}, len(c.Endpoints))
	for _, e := range c.Endpoints {
		if !strings.HasPrefix(e.Path, "/") {
			return fmt.Errorf("endpoint %q: path must start with /, got %q", e.ID, e.Path)
		}
		if _, ok := reserved[strings.TrimSuffix(e.Path, "/")]; ok {
			return fmt.Errorf("endpoint %q: path %q is reserved", e.ID, e.Path)
		}
		if _, dup := seen[e.Path]; dup {
			return fmt.Errorf("endpoint %q: duplicate path %q", e.ID, e.Path)
		}
		seen[e.Path] = struct{}{}

		for _, m := range e.AllowedMethods() {
			if _, ok := knownMethods[m]; !ok {
				return fmt.Errorf("endpoint %q: unsupported method %q", e.ID, m)
			}
		}

		if e.Upstream != nil {
			u, err := url.Parse(e.Upstream.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("endpoint %q: invalid upstream url %q", e.ID, e.Upstream.URL)
			}
		}

		if e.Unlimited {
			continue
		}
		if !validIdentity(e.Identity) {
			return fmt.Errorf("endpoint %q: unknown identity %q", e.ID, e.Identity)
		}
		lc := e.LimiterConfig(c.Limits.Default)
		if err := lc.Validate(); err != nil {
			return fmt.Errorf("endpoint %q: %w", e.ID, err)
		}
		if err := lc.ValidateCost(e.Cost); err != nil {
			return fmt.Errorf("endpoint %q: %w", e.ID, err)
		}
	}
	return nil
}

// HealthPath is served by the gateway itself and can't be an endpoint.
const HealthPath = "/health"

// Wildcard is the chi pattern matching everything below path, used for upstream endpoints.
func (e Endpoint) Wildcard() string {
	return strings.TrimSuffix(e.Path, "/") + "/*"
}

var knownMethods = map[string]struct{}{
	"GET": {}, "HEAD": {}, "POST": {}, "PUT": {}, "PATCH": {},
	"DELETE": {}, "OPTIONS": {}, "CONNECT": {}, "TRACE": {},
}

func validIdentity(s string) bool {
	switch {
	case s == "ip", s == "api_key":
		return true
	case strings.HasPrefix(s, "header:"):
		return strings.TrimSpace(strings.TrimPrefix(s, "header:")) != ""
	}
	return false
}
