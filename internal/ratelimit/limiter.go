package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidConfig is returned when a limiter is constructed with nonsensical limits.
	ErrInvalidConfig = errors.New("invalid limiter config")

	// ErrInvalidCost is returned by Check for a cost that is not a positive finite number.
	ErrInvalidCost = errors.New("request cost must be positive")

	// ErrCostExceedsCapacity is returned by Check when the cost can never be admitted.
	ErrCostExceedsCapacity = errors.New("request cost exceeds bucket capacity")
)

// Config is fixed at construction; every bucket created by a limiter shares it.
type Config struct {
	Name          string        // label used in logs and metrics
	Capacity      float64       // burst size, max tokens
	RefillRate    float64       // tokens per second
	IdleTTL       time.Duration // buckets idle longer than this are evicted
	SweepInterval time.Duration // eviction sweep cadence
}

func (c Config) Validate() error {
	if !positive(c.Capacity) {
		return fmt.Errorf("%w: capacity must be positive, got %v", ErrInvalidConfig, c.Capacity)
	}
	if !positive(c.RefillRate) {
		return fmt.Errorf("%w: refill rate must be positive, got %v", ErrInvalidConfig, c.RefillRate)
	}
	if c.IdleTTL <= 0 {
		return fmt.Errorf("%w: idle ttl must be positive, got %v", ErrInvalidConfig, c.IdleTTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive, got %v", ErrInvalidConfig, c.SweepInterval)
	}
	return nil
}

// ValidateCost reports whether cost could ever be admitted under c.
func (c Config) ValidateCost(cost float64) error {
	if !positive(cost) {
		return fmt.Errorf("%w: got %v", ErrInvalidCost, cost)
	}
	if cost > c.Capacity {
		return fmt.Errorf("%w: cost %v, capacity %v", ErrCostExceedsCapacity, cost, c.Capacity)
	}
	return nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

type Result struct {
	Admitted   bool
	RetryAfter time.Duration // zero when admitted
	Remaining  float64       // tokens left after this decision
	Limit      float64       // bucket capacity
	Reset      time.Time     // when the bucket is full again, absent further use
}

// Checker is the single admission call shared by all collaborators.
type Checker interface {
	Check(identity string, cost float64) (Result, error)
}

type Outcome string

const (
	OutcomeAdmitted Outcome = "admitted"
	OutcomeRejected Outcome = "rejected"
	OutcomeInvalid  Outcome = "invalid"
)

// Observer receives limiter events. Implementations must be safe for concurrent use
// and must not block.
type Observer interface {
	Decision(limiter string, outcome Outcome)
	Swept(limiter string, evicted, live int)
}
