package services

import (
	"context"
	"log"
	"sync"
	"time"

	"mongowatch/internal/models"
)

// RecordSink forwards records to an external broker. Implementations must be
// safe for use from the relay's single dispatch goroutine.
type RecordSink interface {
	Name() string
	Publish(ctx context.Context, rec *models.Record) error
	Close() error
}

// SinkRelay decouples the stream pumps from external brokers. Enqueue never
// blocks; a single goroutine drains the buffer and publishes to every sink
// with a bounded timeout. When the buffer fills, the newest records are
// dropped and counted — a dead broker slows delivery, never the streams.
type SinkRelay struct {
	sinks   []RecordSink
	buf     chan *models.Record
	timeout time.Duration

	mu      sync.Mutex
	dropped uint64

	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewSinkRelay creates a relay over the given sinks and starts its dispatch
// goroutine. Returns nil when there are no sinks, so callers can wire the
// relay unconditionally.
func NewSinkRelay(sinks []RecordSink, buffer int, timeout time.Duration) *SinkRelay {
	if len(sinks) == 0 {
		return nil
	}
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &SinkRelay{
		sinks:   sinks,
		buf:     make(chan *models.Record, buffer),
		timeout: timeout,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.dispatch()

	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	log.Printf("✅ Sink relay started: sinks=%v buffer=%d", names, buffer)
	return r
}

// Enqueue hands a record to the relay without blocking. Returns false when
// the buffer was full and the record was dropped.
func (r *SinkRelay) Enqueue(rec *models.Record) bool {
	select {
	case r.buf <- rec:
		return true
	default:
		r.mu.Lock()
		r.dropped++
		total := r.dropped
		r.mu.Unlock()
		log.Printf("⚠️ [SINK] Buffer full, dropped record session=%s seq=%d (total dropped=%d)",
			rec.SessionID, rec.Seq, total)
		return false
	}
}

// Dropped returns how many records the relay has discarded since start.
func (r *SinkRelay) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *SinkRelay) dispatch() {
	defer close(r.stopped)
	for {
		select {
		case <-r.done:
			// Drain what is already buffered before exiting.
			for {
				select {
				case rec := <-r.buf:
					r.publish(rec)
				default:
					return
				}
			}
		case rec := <-r.buf:
			r.publish(rec)
		}
	}
}

func (r *SinkRelay) publish(rec *models.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	for _, sink := range r.sinks {
		if err := sink.Publish(ctx, rec); err != nil {
			log.Printf("⚠️ [SINK] %s publish failed for session %s seq %d: %v",
				sink.Name(), rec.SessionID, rec.Seq, err)
		}
	}
}

// Close stops the dispatch goroutine, waits for the buffer to drain and
// closes every sink. Safe to call more than once.
func (r *SinkRelay) Close() {
	r.once.Do(func() {
		close(r.done)
		<-r.stopped
		for _, sink := range r.sinks {
			if err := sink.Close(); err != nil {
				log.Printf("⚠️ [SINK] Failed to close %s: %v", sink.Name(), err)
			}
		}
		log.Printf("🛑 Sink relay stopped (dropped=%d)", r.Dropped())
	})
}
