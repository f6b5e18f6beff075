// Package memory is the in-process token bucket limiter. Buckets are created
// lazily per identity and swept once idle, so memory tracks active clients
// rather than every client ever seen. State is not shared between instances.
package memory

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/admitgate/internal/ratelimit"
)

type Option func(*Limiter)

// WithClock replaces time.Now. The clock should carry a monotonic reading.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) {
		l.log = logger
	}
}

func WithObserver(o ratelimit.Observer) Option {
	return func(l *Limiter) {
		if o != nil {
			l.obs = o
		}
	}
}

type Limiter struct {
	cfg   ratelimit.Config
	now   func() time.Time
	store *store
	log   zerolog.Logger
	obs   ratelimit.Observer
}

var _ ratelimit.Checker = (*Limiter)(nil)

// New validates cfg and returns a limiter with an empty store.
// Call Run to start the background sweep.
func New(cfg ratelimit.Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		cfg:   cfg,
		now:   time.Now,
		store: newStore(cfg.Capacity, cfg.RefillRate),
		log:   zerolog.Nop(),
		obs:   nopObserver{},
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With().Str("limiter", cfg.Name).Logger()
	return l, nil
}

func (l *Limiter) Config() ratelimit.Config { return l.cfg }

// Check decides whether identity may spend cost tokens now.
// A cost that can never succeed returns an error wrapping ratelimit.ErrInvalidCost
// or ratelimit.ErrCostExceedsCapacity; an ordinary rejection is a Result with
// Admitted false and a nil error.
func (l *Limiter) Check(identity string, cost float64) (ratelimit.Result, error) {
	res := ratelimit.Result{Limit: l.cfg.Capacity}

	if err := l.cfg.ValidateCost(cost); err != nil {
		l.obs.Decision(l.cfg.Name, ratelimit.OutcomeInvalid)
		return res, err
	}

	now := l.now()
	for {
		b := l.store.getOrCreate(identity, now)

		b.mu.Lock()
		if b.evicted {
			// lost the race with a sweep; the next lookup creates a fresh bucket
			b.mu.Unlock()
			continue
		}
		res.Admitted, res.RetryAfter = b.tryConsume(cost, now)
		b.touch(now)
		res.Remaining = b.tokens
		res.Reset = now.Add(b.untilFull())
		b.mu.Unlock()
		break
	}

	if res.Admitted {
		l.obs.Decision(l.cfg.Name, ratelimit.OutcomeAdmitted)
	} else {
		l.obs.Decision(l.cfg.Name, ratelimit.OutcomeRejected)
	}
	return res, nil
}

// Sweep evicts buckets idle for longer than the configured TTL as of now.
func (l *Limiter) Sweep(now time.Time) int {
	evicted := l.store.sweep(now, l.cfg.IdleTTL)
	live := l.store.len()

	l.obs.Swept(l.cfg.Name, evicted, live)
	l.log.Debug().Int("evicted", evicted).Int("live", live).Msg("sweep")
	return evicted
}

// Run sweeps every SweepInterval until ctx is done. A late or skipped sweep
// only delays reclaiming memory.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Debug().Msg("sweeper stopped")
			return
		case <-ticker.C:
			l.Sweep(l.now())
		}
	}
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	return l.store.len()
}

type nopObserver struct{}

func (nopObserver) Decision(string, ratelimit.Outcome) {}
func (nopObserver) Swept(string, int, int)             {}
