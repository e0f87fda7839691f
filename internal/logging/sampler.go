package logging

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Sampler gates high-frequency log statements behind a token bucket so a busy
// stream cannot flood the log. Deterministic under load: the first burst
// always passes, then at most perSecond lines per second.
type Sampler struct {
	limiter *rate.Limiter
	dropped atomic.Uint64
}

// NewSampler allows perSecond lines per second with the given burst.
func NewSampler(perSecond float64, burst int) *Sampler {
	return &Sampler{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether the caller should emit this line.
func (s *Sampler) Allow() bool {
	if s.limiter.Allow() {
		return true
	}
	s.dropped.Add(1)
	return false
}

// Dropped returns how many lines were suppressed and resets the counter.
// Callers fold the count into the next emitted line.
func (s *Sampler) Dropped() uint64 {
	return s.dropped.Swap(0)
}
