// Package server assembles the gateway: one limiter per limited endpoint,
// the chi router in front of them and the ops endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/admitgate/internal/config"
	"github.com/AlexKimmel/admitgate/internal/gateway"
	"github.com/AlexKimmel/admitgate/internal/identity"
	"github.com/AlexKimmel/admitgate/internal/obs"
	"github.com/AlexKimmel/admitgate/internal/proxy"
	"github.com/AlexKimmel/admitgate/internal/ratelimit/memory"
)

type Server struct {
	Handler  http.Handler
	Limiters map[string]*memory.Limiter // by endpoint id
}

type Option func(*options)

type options struct {
	limiterOpts []memory.Option
	transport   http.RoundTripper
}

// WithLimiterOptions is applied to every limiter after the logger and observer.
func WithLimiterOptions(opts ...memory.Option) Option {
	return func(o *options) { o.limiterOpts = append(o.limiterOpts, opts...) }
}

func WithTransport(tr http.RoundTripper) Option {
	return func(o *options) { o.transport = tr }
}

func New(cfg *config.Root, logger zerolog.Logger, reg *prometheus.Registry, opts ...Option) (*Server, error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.transport == nil {
		o.transport = proxy.NewHTTPTransport()
	}

	metrics := obs.NewMetrics(reg)

	pairs := map[string]string{} // secret -> keyID
	for _, k := range cfg.Auth.Keys {
		pairs[k.Secret] = k.ID
	}
	keys := identity.NewKeys(cfg.Auth.Header, pairs)

	r := chi.NewRouter()
	r.Use(obs.AccessLog(logger))
	if !cfg.CORS.Disabled {
		r.Use(cors.Handler(corsOptions(cfg)))
	}

	r.Get(config.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Handle(cfg.Observability.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s := &Server{Limiters: make(map[string]*memory.Limiter)}

	for _, ep := range cfg.Endpoints {
		h, err := endpointHandler(ep, o.transport, logger)
		if err != nil {
			return nil, err
		}

		mws := []gateway.Middleware{metrics.Middleware(ep.ID)}
		if ep.Upstream != nil {
			// refused before it costs tokens
			mws = append(mws, gateway.BodyLimit(cfg.Server.MaxBody()))
		}

		if !ep.Unlimited {
			lopts := append([]memory.Option{
				memory.WithLogger(logger),
				memory.WithObserver(metrics),
			}, o.limiterOpts...)

			lim, err := memory.New(ep.LimiterConfig(cfg.Limits.Default), lopts...)
			if err != nil {
				return nil, fmt.Errorf("endpoint %q: %w", ep.ID, err)
			}
			identify, err := identity.Parse(ep.Identity, keys)
			if err != nil {
				return nil, fmt.Errorf("endpoint %q: %w", ep.ID, err)
			}
			s.Limiters[ep.ID] = lim

			mws = append(mws, gateway.RateLimit(gateway.Limit{
				Endpoint: ep.ID,
				Checker:  lim,
				Identify: identify,
				Cost:     ep.Cost,
			}, logger))
		}

		h = gateway.Chain(h, mws...)
		for _, m := range ep.AllowedMethods() {
			r.Method(m, ep.Path, h)
			if ep.Upstream != nil {
				r.Method(m, ep.Wildcard(), h)
			}
		}
	}

	s.Handler = r
	return s, nil
}

// exposedHeaders lets browser clients read the rate-limit outcome.
var exposedHeaders = []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"}

func corsOptions(cfg *config.Root) cors.Options {
	var methods []string
	seen := map[string]bool{}
	for _, ep := range cfg.Endpoints {
		for _, m := range ep.AllowedMethods() {
			if !seen[m] {
				seen[m] = true
				methods = append(methods, m)
			}
		}
	}
	return cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: methods,
		AllowedHeaders: cfg.CORS.AllowedHeaders,
		ExposedHeaders: exposedHeaders,
		MaxAge:         cfg.CORS.MaxAge(),
	}
}

func endpointHandler(ep config.Endpoint, tr http.RoundTripper, logger zerolog.Logger) (http.Handler, error) {
	if ep.Upstream == nil {
		msg := ep.Message
		if msg == "" {
			msg = "ok"
		}
		return gateway.Message(msg), nil
	}
	target, err := url.Parse(ep.Upstream.URL)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: upstream url: %w", ep.ID, err)
	}
	return proxy.Handler(target, ep.Upstream.Timeout(), tr, logger), nil
}

// RunSweepers runs every limiter's eviction loop and blocks until all of them
// have stopped, which happens when ctx is done.
func (s *Server) RunSweepers(ctx context.Context) {
	var wg sync.WaitGroup
	for _, l := range s.Limiters {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Run(ctx)
		}()
	}
	wg.Wait()
}
