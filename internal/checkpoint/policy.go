package checkpoint

import (
	"time"

	"mongowatch/internal/models"
)

// Outcome reports what one Save call did.
type Outcome string

const (
	// OutcomeSaved means the token was written durably.
	OutcomeSaved Outcome = "saved"
	// OutcomeSkippedPolicy means the policy decided the write was unnecessary.
	OutcomeSkippedPolicy Outcome = "skipped_policy"
	// OutcomeSkippedError means the write failed; the session carries on and
	// the next save attempt covers the gap.
	OutcomeSkippedError Outcome = "skipped_error"
)

// decider answers whether a token should be written now. Implementations are
// not safe for concurrent use; the store serializes access.
type decider interface {
	// ShouldSave reports whether a write should happen for this token.
	ShouldSave(fingerprint string, now time.Time) bool
	// Committed records that a write for this token succeeded. Skipped and
	// failed writes never advance the decider's state.
	Committed(fingerprint string, now time.Time)
}

// newDecider builds the decider for the configured save policy. Unknown
// policies never reach here; config validation rejects them.
func newDecider(cfg models.CheckpointConfig) decider {
	switch cfg.Policy {
	case models.SaveSmart:
		return &smartDecider{}
	case models.SaveThrottled:
		interval := cfg.ThrottleInterval
		if interval <= 0 {
			interval = models.DefaultThrottleInterval
		}
		return &throttledDecider{interval: interval}
	default:
		return everyChangeDecider{}
	}
}

// everyChangeDecider writes on every event.
type everyChangeDecider struct{}

func (everyChangeDecider) ShouldSave(string, time.Time) bool { return true }
func (everyChangeDecider) Committed(string, time.Time)       {}

// smartDecider skips the write when the token fingerprint matches the last
// one successfully saved in this process.
type smartDecider struct {
	seeded bool
	last   string
}

func (d *smartDecider) ShouldSave(fingerprint string, _ time.Time) bool {
	return !d.seeded || fingerprint != d.last
}

func (d *smartDecider) Committed(fingerprint string, _ time.Time) {
	d.seeded = true
	d.last = fingerprint
}

// throttledDecider spaces successful writes at least interval apart. A failed
// write does not start the quiet period, so the next event retries.
type throttledDecider struct {
	interval time.Duration
	lastSave time.Time
}

func (d *throttledDecider) ShouldSave(_ string, now time.Time) bool {
	return d.lastSave.IsZero() || now.Sub(d.lastSave) >= d.interval
}

func (d *throttledDecider) Committed(_ string, now time.Time) {
	d.lastSave = now
}
