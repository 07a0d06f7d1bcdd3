package credit

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// maxSteps bounds how far the exponential schedule is walked; the cap is
// always reached well before this.
const maxSteps = 64

// RetryPolicy is an exponential backoff with jitter for connector notifications.
type RetryPolicy struct {
	MinDelay   time.Duration `json:"min_delay" mapstructure:"min_delay" yaml:"min_delay"`
	MaxDelay   time.Duration `json:"max_delay" mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier float64       `json:"multiplier" mapstructure:"multiplier" yaml:"multiplier"`
	Jitter     float64       `json:"jitter" mapstructure:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy starts at 100ms, doubles per attempt, caps at one hour
// and spreads each delay by ±50%.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MinDelay:   100 * time.Millisecond,
		MaxDelay:   time.Hour,
		Multiplier: 2,
		Jitter:     0.5,
	}
}

// Delay returns the wait before the next notification after the given
// number of failed attempts. The result is clamped to [MinDelay, MaxDelay].
func (p RetryPolicy) Delay(attempts int) time.Duration {
	p = p.normalize()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.MinDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
	}
	b.Reset()

	steps := min(max(attempts, 1), maxSteps)
	var d time.Duration
	for range steps {
		d = b.NextBackOff()
	}

	return min(max(d, p.MinDelay), p.MaxDelay)
}

// NextRetryAt returns when a credit that has failed attempts times should be retried.
func (p RetryPolicy) NextRetryAt(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}

func (p RetryPolicy) normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MinDelay <= 0 {
		p.MinDelay = def.MinDelay
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = max(def.MaxDelay, p.MinDelay)
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = def.Jitter
	}
	return p
}
