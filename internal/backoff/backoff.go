// Package backoff implements the retry-delay strategies from §4.5, mirroring
// the jitter/clamp idiom the teacher uses in scheduler/worker.go's
// retryDelay (exponential with a one-hour ceiling and +-25% jitter) but
// generalized to fixed/exponential/custom and driven off domain.RetryPolicy.
package backoff

import (
	"math"
	"math/rand"

	"github.com/kairos-sched/kairos/internal/domain"
)

// Strategy computes the delay before retrying a given attempt number.
type Strategy interface {
	NextDelay(attempt int) int64 // ms
}

// Fixed is a constant delay with optional symmetric jitter.
type Fixed struct {
	DelayMs     int64
	JitterRatio float64
	Rand        func() float64
}

func (f Fixed) NextDelay(_ int) int64 {
	return applyJitter(f.DelayMs, f.JitterRatio, randFn(f.Rand))
}

// Exponential is base * factor^(attempt-1), clamped to MaxDelayMs, with
// optional symmetric jitter.
type Exponential struct {
	BaseMs      int64
	Factor      float64
	MaxDelayMs  int64
	JitterRatio float64
	Rand        func() float64
}

func (e Exponential) NextDelay(attempt int) int64 {
	factor := e.Factor
	if factor <= 0 {
		factor = 2
	}
	delay := float64(e.BaseMs) * math.Pow(factor, float64(attempt-1))
	if e.MaxDelayMs > 0 && delay > float64(e.MaxDelayMs) {
		delay = float64(e.MaxDelayMs)
	}
	return applyJitter(int64(delay), e.JitterRatio, randFn(e.Rand))
}

// Custom wraps an arbitrary pure function of attempt, clamped at zero.
type Custom struct {
	Fn func(attempt int) int64
}

func (c Custom) NextDelay(attempt int) int64 {
	d := c.Fn(attempt)
	if d < 0 {
		return 0
	}
	return d
}

func randFn(r func() float64) func() float64 {
	if r != nil {
		return r
	}
	return rand.Float64
}

// applyJitter returns delay +- delay*ratio*rand(), clamped at zero.
func applyJitter(delay int64, ratio float64, rnd func() float64) int64 {
	if delay < 0 {
		delay = 0
	}
	if ratio <= 0 {
		return delay
	}
	// symmetric jitter in [-ratio, +ratio] of delay
	span := float64(delay) * ratio
	offset := (rnd()*2 - 1) * span
	out := float64(delay) + offset
	if out < 0 {
		return 0
	}
	return int64(out)
}

// FromPolicy builds the Strategy named by a job's RetryPolicy.
func FromPolicy(p *domain.RetryPolicy) Strategy {
	if p == nil {
		return Fixed{DelayMs: 30000}
	}
	switch p.Strategy {
	case domain.BackoffExponential:
		factor := 2.0
		if p.FactorX100 > 0 {
			factor = float64(p.FactorX100) / 100
		}
		base := p.BaseDelayMs
		if base <= 0 {
			base = 1000
		}
		return Exponential{BaseMs: base, Factor: factor, MaxDelayMs: p.MaxDelayMs, JitterRatio: p.JitterRatio}
	case domain.BackoffCustom:
		if p.Custom != nil {
			return Custom{Fn: p.Custom}
		}
		return Fixed{DelayMs: 30000}
	default:
		delay := p.BaseDelayMs
		if delay <= 0 {
			delay = 30000
		}
		return Fixed{DelayMs: delay, JitterRatio: p.JitterRatio}
	}
}
