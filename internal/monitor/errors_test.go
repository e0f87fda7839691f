package monitor

import (
	"errors"
	"strings"
	"testing"
	"time"

	"mongowatch/internal/database"
)

func TestClassifySubscribeError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantRetryable bool
		wantHint      string
	}{
		{
			name:          "standalone server",
			err:           errors.New("(Location40573) The $changeStream stage is only supported on replica sets"),
			wantRetryable: false,
			wantHint:      "replica set or sharded cluster",
		},
		{
			name:          "history lost",
			err:           errors.New("(ChangeStreamHistoryLost) Resume of change stream was not possible, as the resume point may no longer be in the oplog"),
			wantRetryable: false,
			wantHint:      "delete the checkpoint record",
		},
		{
			name:          "unauthorized",
			err:           errors.New("(Unauthorized) not authorized on shop to execute command"),
			wantRetryable: false,
			wantHint:      "lacks permission",
		},
		{
			name:          "network blip",
			err:           errors.New("connection(shard-00:27017) socket was unexpectedly closed: EOF"),
			wantRetryable: true,
			wantHint:      "network failure",
		},
		{
			name:          "server selection",
			err:           errors.New("server selection error: context deadline exceeded"),
			wantRetryable: true,
			wantHint:      "network failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			me := ClassifySubscribeError(tt.err)
			if me.Kind != KindSubscription {
				t.Errorf("Kind = %v, want subscription", me.Kind)
			}
			if me.Retryable != tt.wantRetryable {
				t.Errorf("Retryable = %v, want %v", me.Retryable, tt.wantRetryable)
			}
			if !strings.Contains(me.Message, tt.wantHint) {
				t.Errorf("Message = %q, want substring %q", me.Message, tt.wantHint)
			}
			if !errors.Is(me, tt.err) {
				t.Error("classified error lost its cause")
			}
		})
	}

	if ClassifySubscribeError(nil) != nil {
		t.Error("ClassifySubscribeError(nil) != nil")
	}

	// Already-classified errors pass through untouched.
	orig := &MonitorError{Kind: KindCheckpoint, Message: "x"}
	if got := ClassifySubscribeError(orig); got != orig {
		t.Error("reclassified an already classified error")
	}
}

func TestIsResumeInvalid(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("(ChangeStreamHistoryLost) resume point may no longer be in the oplog"), true},
		{errors.New("(CappedPositionLost) CollectionScan died"), true},
		{errors.New("connection reset by peer"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsResumeInvalid(tt.err); got != tt.want {
			t.Errorf("IsResumeInvalid(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestClassifyConnectError(t *testing.T) {
	timeout := &database.ConnectError{Kind: database.ConnectTimeout, URI: "mongodb://h", Hint: "h", Err: errors.New("x")}
	me := ClassifyConnectError(timeout)
	if me.Kind != KindConnection || !me.Retryable {
		t.Errorf("timeout classified as (%v, retryable=%v)", me.Kind, me.Retryable)
	}

	bad := &database.ConnectError{Kind: database.ConnectFailed, URI: "mongodb://h", Hint: "h", Err: errors.New("x")}
	me = ClassifyConnectError(bad)
	if me.Retryable {
		t.Error("auth/URI failures must not be retryable")
	}

	me = ClassifyConnectError(errors.New("plain"))
	if me.Kind != KindConnection || me.Retryable {
		t.Errorf("plain error = (%v, %v)", me.Kind, me.Retryable)
	}
}

func TestErrorKindString(t *testing.T) {
	kinds := map[ErrorKind]string{
		KindConfiguration: "configuration",
		KindConnection:    "connection",
		KindSubscription:  "subscription",
		KindProcessing:    "processing",
		KindCheckpoint:    "checkpoint",
		KindUnknown:       "unknown",
	}
	for k, want := range kinds {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", k, got, want)
		}
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoffCalculator(time.Second, 10*time.Second, 2.0, 0)

	d0 := b.NextDelay(0)
	d1 := b.NextDelay(1)
	d2 := b.NextDelay(2)

	if d0 != time.Second {
		t.Errorf("attempt 0 = %s, want 1s", d0)
	}
	if d1 != 2*time.Second {
		t.Errorf("attempt 1 = %s, want 2s", d1)
	}
	if d2 != 4*time.Second {
		t.Errorf("attempt 2 = %s, want 4s", d2)
	}
	if got := b.NextDelay(10); got != 10*time.Second {
		t.Errorf("late attempt = %s, want capped at 10s", got)
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	b := NewBackoffCalculator(time.Second, 30*time.Second, 2.0, 20)

	for i := 0; i < 100; i++ {
		d := b.NextDelay(1) // base 2s, jitter ±20%
		if d < 1600*time.Millisecond || d > 2400*time.Millisecond {
			t.Fatalf("jittered delay %s outside [1.6s, 2.4s]", d)
		}
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoffCalculator(0, 0, 0, -1)
	d := b.NextDelay(0)
	// 1s base with 20% jitter.
	if d < 800*time.Millisecond || d > 1200*time.Millisecond {
		t.Errorf("default delay %s outside [0.8s, 1.2s]", d)
	}
}
