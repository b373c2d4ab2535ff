package notifier

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff computes jittered exponential delays between delivery attempts.
type Backoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewBackoff builds a Backoff. Non-positive values fall back to 500ms and 10s.
func NewBackoff(baseDelay, maxDelay time.Duration) *Backoff {
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = max(baseDelay, 10*time.Second)
	}
	return &Backoff{baseDelay: baseDelay, maxDelay: maxDelay}
}

// Delay returns the wait before the attempt following attempt (1-based).
// The result lies in [d/2, d) where d = base * 2^(attempt-1), capped at max.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

// Max is the largest delay the policy will wait.
func (b *Backoff) Max() time.Duration {
	return b.maxDelay
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
