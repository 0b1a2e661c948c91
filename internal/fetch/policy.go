package fetch

import (
	"time"

	"github.com/xtxerr/oceangrid/config"
)

// Policy is the retry schedule for one fetch.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration

	// Multiplier scales the delay after every retry.
	Multiplier float64

	// MaxDelay caps a single backoff. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy returns three attempts with 1s, 2s backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: config.DefaultFetchMaxAttempts,
		BaseDelay:   config.DefaultFetchBaseDelay,
		Multiplier:  2,
		MaxDelay:    config.DefaultFetchMaxDelay,
	}
}

// Delay returns the backoff that follows failed attempt n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delays returns the full backoff schedule: one entry per retry.
func (p Policy) Delays() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, p.MaxAttempts-1)
	for i := range out {
		out[i] = p.Delay(i + 1)
	}
	return out
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
