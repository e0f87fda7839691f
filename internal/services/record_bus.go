package services

import (
	"log"
	"sync"

	"mongowatch/internal/models"
)

// RecordBus is an in-memory pub/sub for change records, scoped per session.
// It decouples the stream pump from WebSocket lifecycle — sessions publish
// records here, and any connected WS client subscribes.
//
// Delivery is best-effort: a subscriber whose channel is full loses the
// record, and the per-session drop counter is bumped so the loss is visible
// in logs and metrics. Records are never buffered for absent subscribers —
// a session keeps producing whether or not anyone is listening.
type RecordBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *models.Record // sessionID → subID → chan
	dropped     map[string]uint64                         // sessionID → records dropped
	bufSize     int
}

// NewRecordBus creates a new record bus. bufSize is the per-subscriber
// channel depth; a slow reader starts dropping once it falls that far behind.
func NewRecordBus(bufSize int) *RecordBus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &RecordBus{
		subscribers: make(map[string]map[string]chan *models.Record),
		dropped:     make(map[string]uint64),
		bufSize:     bufSize,
	}
}

// Subscribe creates a new record channel for a session. Returns a receive-only channel.
func (b *RecordBus) Subscribe(sessionID, subID string) <-chan *models.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *models.Record, b.bufSize)
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan *models.Record)
	}
	b.subscribers[sessionID][subID] = ch

	count := len(b.subscribers[sessionID])
	log.Printf("[RECORD-BUS] Subscribe: session=%s sub=%s (total=%d)", sessionID, subID, count)

	return ch
}

// Unsubscribe removes a subscription. The channel is NOT closed — the subscriber's
// goroutine should exit via its own done signal, and the channel will be GC'd.
func (b *RecordBus) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if conns, ok := b.subscribers[sessionID]; ok {
		delete(conns, subID)
		if len(conns) == 0 {
			delete(b.subscribers, sessionID)
		}
		log.Printf("[RECORD-BUS] Unsubscribe: session=%s sub=%s (remaining=%d)", sessionID, subID, len(conns))
	}
}

// Publish sends a record to all subscribers for a session. Non-blocking — if a
// subscriber's channel is full, the record is dropped for that subscriber and
// the session's drop counter is bumped.
func (b *RecordBus) Publish(sessionID string, rec *models.Record) {
	b.mu.RLock()
	conns := b.subscribers[sessionID]
	drops := 0
	for _, ch := range conns {
		select {
		case ch <- rec:
		default:
			drops++
		}
	}
	b.mu.RUnlock()

	if drops > 0 {
		b.mu.Lock()
		b.dropped[sessionID] += uint64(drops)
		total := b.dropped[sessionID]
		b.mu.Unlock()
		log.Printf("[RECORD-BUS] Dropped record seq=%d for %d slow subscriber(s) of session %s (total dropped=%d)",
			rec.Seq, drops, sessionID, total)
	}
}

// SubscriberCount returns the number of active subscribers for a session
func (b *RecordBus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if conns, ok := b.subscribers[sessionID]; ok {
		return len(conns)
	}
	return 0
}

// DroppedCount returns how many records have been dropped for a session
// since the bus was created.
func (b *RecordBus) DroppedCount(sessionID string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.dropped[sessionID]
}

// Forget clears the drop counter for a session. Called when a session is
// removed so a reused ID starts clean.
func (b *RecordBus) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.dropped, sessionID)
}
