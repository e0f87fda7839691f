package services

import (
	"testing"
	"time"

	"mongowatch/internal/models"
)

func testRecord(seq uint64) *models.Record {
	return &models.Record{
		SessionID: "s1",
		Seq:       seq,
		EmittedAt: time.Now().UTC(),
		Payload:   map[string]interface{}{"operationType": "insert"},
	}
}

func TestRecordBusPublishDelivers(t *testing.T) {
	bus := NewRecordBus(4)
	ch := bus.Subscribe("s1", "sub1")

	bus.Publish("s1", testRecord(1))

	select {
	case rec := <-ch:
		if rec.Seq != 1 {
			t.Errorf("got seq %d, want 1", rec.Seq)
		}
	default:
		t.Fatal("expected a record on the channel")
	}
}

func TestRecordBusPublishNoSubscribers(t *testing.T) {
	bus := NewRecordBus(4)

	// Must not block or panic with nobody listening.
	bus.Publish("s1", testRecord(1))

	if got := bus.DroppedCount("s1"); got != 0 {
		t.Errorf("got %d drops, want 0 (no subscribers means nothing to drop)", got)
	}
}

func TestRecordBusSlowSubscriberDrops(t *testing.T) {
	bus := NewRecordBus(2)
	ch := bus.Subscribe("s1", "slow")

	for i := uint64(1); i <= 5; i++ {
		bus.Publish("s1", testRecord(i))
	}

	if got := bus.DroppedCount("s1"); got != 3 {
		t.Errorf("got %d drops, want 3", got)
	}

	// The two buffered records are the oldest ones.
	first := <-ch
	second := <-ch
	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("got seqs %d,%d, want 1,2", first.Seq, second.Seq)
	}
}

func TestRecordBusDropsAreScopedToSlowSubscriber(t *testing.T) {
	bus := NewRecordBus(1)
	slow := bus.Subscribe("s1", "slow")
	fast := bus.Subscribe("s1", "fast")

	bus.Publish("s1", testRecord(1))
	// Drain the fast subscriber so its buffer is free again.
	<-fast
	bus.Publish("s1", testRecord(2))

	if got := bus.DroppedCount("s1"); got != 1 {
		t.Errorf("got %d drops, want 1 (only the slow subscriber was full)", got)
	}
	if rec := <-fast; rec.Seq != 2 {
		t.Errorf("fast subscriber got seq %d, want 2", rec.Seq)
	}
	if rec := <-slow; rec.Seq != 1 {
		t.Errorf("slow subscriber got seq %d, want 1", rec.Seq)
	}
}

func TestRecordBusUnsubscribe(t *testing.T) {
	bus := NewRecordBus(4)
	bus.Subscribe("s1", "sub1")
	bus.Subscribe("s1", "sub2")

	if got := bus.SubscriberCount("s1"); got != 2 {
		t.Errorf("got %d subscribers, want 2", got)
	}

	bus.Unsubscribe("s1", "sub1")
	if got := bus.SubscriberCount("s1"); got != 1 {
		t.Errorf("got %d subscribers, want 1", got)
	}

	bus.Unsubscribe("s1", "sub2")
	if got := bus.SubscriberCount("s1"); got != 0 {
		t.Errorf("got %d subscribers, want 0", got)
	}

	// Unsubscribing an unknown sub is a no-op.
	bus.Unsubscribe("s1", "ghost")
	bus.Unsubscribe("unknown", "sub")
}

func TestRecordBusSessionsAreIsolated(t *testing.T) {
	bus := NewRecordBus(4)
	ch1 := bus.Subscribe("s1", "sub")
	ch2 := bus.Subscribe("s2", "sub")

	bus.Publish("s1", testRecord(7))

	select {
	case rec := <-ch1:
		if rec.Seq != 7 {
			t.Errorf("got seq %d, want 7", rec.Seq)
		}
	default:
		t.Fatal("s1 subscriber should have received the record")
	}

	select {
	case <-ch2:
		t.Fatal("s2 subscriber should not receive s1 records")
	default:
	}
}

func TestRecordBusForgetClearsDrops(t *testing.T) {
	bus := NewRecordBus(1)
	bus.Subscribe("s1", "slow")

	bus.Publish("s1", testRecord(1))
	bus.Publish("s1", testRecord(2))

	if got := bus.DroppedCount("s1"); got != 1 {
		t.Fatalf("got %d drops, want 1", got)
	}

	bus.Forget("s1")
	if got := bus.DroppedCount("s1"); got != 0 {
		t.Errorf("got %d drops after Forget, want 0", got)
	}
}
