package worker

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/leadforge/leadcrawler/internal/engine"
)

// RetryPolicy shapes the requeue backoff after failed attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewRetryPolicy builds a policy with sane defaults.
func NewRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   30 * time.Second,
		MaxDelay:    10 * time.Minute,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 30 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = 10 * p.BaseDelay
	}
	return p
}

// ShouldRetry decides whether a finished attempt earns a requeue. attempts is
// the number of attempts consumed so far, including the one that just ended.
func (p RetryPolicy) ShouldRetry(out engine.Outcome, attempts int) bool {
	return out.Retryable() && attempts < p.MaxAttempts
}

// Backoff returns the jittered wait before the next attempt: half the
// exponential delay fixed, half randomized.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempts-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
