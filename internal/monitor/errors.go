package monitor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"mongowatch/internal/database"
)

// ErrorKind classifies session errors for recovery decisions
type ErrorKind int

const (
	// KindUnknown - unclassified error, default to not recoverable
	KindUnknown ErrorKind = iota

	// KindConfiguration - invalid session settings, caught before any
	// connection is attempted, never recoverable
	KindConfiguration

	// KindConnection - the deployment could not be reached or refused us
	// at startup
	KindConnection

	// KindSubscription - opening or resuming the change stream failed
	KindSubscription

	// KindProcessing - a single event could not be decoded or shaped;
	// the stream itself is fine
	KindProcessing

	// KindCheckpoint - a token write failed; the session carries on
	KindCheckpoint
)

// String returns a human-readable kind name
func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnection:
		return "connection"
	case KindSubscription:
		return "subscription"
	case KindProcessing:
		return "processing"
	case KindCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// MonitorError wraps errors with classification for recovery logic
type MonitorError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool // whether resubscribing can plausibly help
	Cause     error
}

func (e *MonitorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *MonitorError) Unwrap() error {
	return e.Cause
}

// IsRetryable determines if resubscription should be attempted
func (e *MonitorError) IsRetryable() bool {
	return e.Retryable
}

// ConfigurationError wraps a validation failure into the session taxonomy.
func ConfigurationError(err error) *MonitorError {
	return &MonitorError{
		Kind:    KindConfiguration,
		Message: "invalid session configuration",
		Cause:   err,
	}
}

// ClassifyConnectError converts a startup connection failure. The database
// layer already attaches the actionable hint; this only maps recoverability.
func ClassifyConnectError(err error) *MonitorError {
	var ce *database.ConnectError
	if errors.As(err, &ce) {
		return &MonitorError{
			Kind:      KindConnection,
			Message:   fmt.Sprintf("connection %s", ce.Kind),
			Retryable: ce.Kind != database.ConnectFailed,
			Cause:     err,
		}
	}
	return &MonitorError{
		Kind:    KindConnection,
		Message: "connection failed",
		Cause:   err,
	}
}

// ClassifySubscribeError explains why a change stream could not be opened
// or resumed, with hints for the failures operators actually hit.
func ClassifySubscribeError(err error) *MonitorError {
	if err == nil {
		return nil
	}
	if me, ok := err.(*MonitorError); ok {
		return me
	}

	errStr := strings.ToLower(err.Error())

	// Standalone servers have no oplog to stream from.
	if strings.Contains(errStr, "only supported on replica sets") ||
		strings.Contains(errStr, "$changestream stage is only supported") {
		return &MonitorError{
			Kind:    KindSubscription,
			Message: "change streams require a replica set or sharded cluster; a standalone server cannot be watched",
			Cause:   err,
		}
	}

	if IsResumeInvalid(err) {
		return &MonitorError{
			Kind:    KindSubscription,
			Message: "saved resume token is no longer in the oplog; delete the checkpoint record or set a start time to continue",
			Cause:   err,
		}
	}

	if strings.Contains(errStr, "not authorized") ||
		strings.Contains(errStr, "unauthorized") {
		return &MonitorError{
			Kind:    KindSubscription,
			Message: "the connecting user lacks permission to open a change stream on this namespace",
			Cause:   err,
		}
	}

	if strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "context canceled") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no reachable servers") ||
		strings.Contains(errStr, "server selection error") ||
		strings.Contains(errStr, "socket was unexpectedly closed") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "eof") {
		return &MonitorError{
			Kind:      KindSubscription,
			Message:   "change stream interrupted by a network failure",
			Retryable: true,
			Cause:     err,
		}
	}

	return &MonitorError{
		Kind:    KindSubscription,
		Message: "failed to open change stream",
		Cause:   err,
	}
}

// IsResumeInvalid reports whether the server rejected our resume position,
// typically because the oplog has rolled past it. Retrying with the same
// token can never succeed.
func IsResumeInvalid(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "changestreamhistorylost") ||
		strings.Contains(errStr, "resume point may no longer be in the oplog") ||
		strings.Contains(errStr, "resume of change stream was not possible") ||
		strings.Contains(errStr, "cappedpositionlost") ||
		strings.Contains(errStr, "invalid resume token")
}

// BackoffCalculator computes resubscription delays with exponential backoff and jitter
type BackoffCalculator struct {
	initialDelay  time.Duration
	maxDelay      time.Duration
	multiplier    float64
	jitterPercent int
}

// NewBackoffCalculator creates a calculator with specified parameters
func NewBackoffCalculator(initialDelay, maxDelay time.Duration, multiplier float64, jitterPercent int) *BackoffCalculator {
	// Apply defaults if not specified
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if multiplier <= 0 {
		multiplier = 2.0
	}
	if jitterPercent < 0 {
		jitterPercent = 20
	}

	return &BackoffCalculator{
		initialDelay:  initialDelay,
		maxDelay:      maxDelay,
		multiplier:    multiplier,
		jitterPercent: jitterPercent,
	}
}

// NextDelay calculates the delay for the given attempt number (0-indexed)
func (b *BackoffCalculator) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Exponential delay: initialDelay * (multiplier ^ attempt)
	delay := float64(b.initialDelay) * math.Pow(b.multiplier, float64(attempt))

	// Cap at max delay
	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}

	// Add jitter to prevent thundering herd
	if b.jitterPercent > 0 {
		jitterRange := delay * float64(b.jitterPercent) / 100.0
		jitter := (rand.Float64()*2 - 1) * jitterRange // -jitterRange to +jitterRange
		delay += jitter
	}

	// Ensure non-negative
	if delay < 0 {
		delay = float64(b.initialDelay)
	}

	return time.Duration(delay)
}
