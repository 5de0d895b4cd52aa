package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy decides whether and when a failed fetch is attempted again.
type RetryPolicy interface {
	// ShouldRetry reports whether another attempt follows attempt (1-based).
	ShouldRetry(kind FetchErrorKind, attempt int) bool
	// Backoff returns the wait before the attempt following attempt.
	Backoff(attempt int) time.Duration
	// MaxAttempts is the attempt ceiling per URL.
	MaxAttempts() int
}

// ExponentialRetryPolicy retries transient failures with jittered
// exponential backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy; zero values fall back to
// 3 attempts, 250ms base delay, and 5s cap.
func NewExponentialRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = 5 * time.Second
		if maxDelay < baseDelay {
			maxDelay = baseDelay
		}
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// ShouldRetry implements RetryPolicy.
func (p *ExponentialRetryPolicy) ShouldRetry(kind FetchErrorKind, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	return kind.Transient()
}

// MaxAttempts implements RetryPolicy.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Backoff returns half the exponential delay plus up to the same amount of
// jitter, so consecutive waits never shrink below base*2^(attempt-1)/2.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
