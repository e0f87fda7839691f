package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"mongowatch/internal/monitor"
	"mongowatch/internal/services"
)

// Watchdog periodically pings every active session's connection and flags
// sessions that have gone quiet. A quiet stream is not necessarily broken —
// the collection may simply be idle — so staleness is logged, never acted on.
type Watchdog struct {
	scheduler  gocron.Scheduler
	manager    *services.SessionManager
	interval   time.Duration
	staleAfter time.Duration
}

// NewWatchdog creates a watchdog over the manager's sessions.
func NewWatchdog(manager *services.SessionManager, interval, staleAfter time.Duration) (*Watchdog, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Watchdog{
		scheduler:  scheduler,
		manager:    manager,
		interval:   interval,
		staleAfter: staleAfter,
	}, nil
}

// Start registers the periodic check and starts the scheduler.
func (w *Watchdog) Start() error {
	_, err := w.scheduler.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(func() {
			w.check()
		}),
		gocron.WithName("session_watchdog"),
	)
	if err != nil {
		return fmt.Errorf("failed to register watchdog job: %w", err)
	}

	w.scheduler.Start()
	log.Printf("✅ [WATCHDOG] Started (interval: %s, stale after: %s)", w.interval, w.staleAfter)
	return nil
}

// Stop shuts the scheduler down.
func (w *Watchdog) Stop() error {
	log.Println("⏹️ [WATCHDOG] Stopping...")
	return w.scheduler.Shutdown()
}

// check pings every active session and logs the quiet ones.
func (w *Watchdog) check() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statuses := w.manager.List()
	now := time.Now()

	for _, st := range statuses {
		if st.State != monitor.StateActive {
			continue
		}
		sess, exists := w.manager.Get(st.ID)
		if !exists {
			continue
		}
		if err := sess.Ping(ctx); err != nil {
			log.Printf("⚠️ [WATCHDOG] Session %s failed ping: %v", st.ID, err)
		}
	}

	for _, id := range staleSessions(statuses, w.staleAfter, now) {
		log.Printf("💤 [WATCHDOG] Session %s has seen no events for over %s", id, w.staleAfter)
	}
}

// staleSessions returns the IDs of active sessions whose last event (or
// start, when nothing arrived yet) lies further back than threshold.
func staleSessions(statuses []monitor.Status, threshold time.Duration, now time.Time) []string {
	var stale []string
	for _, st := range statuses {
		if st.State != monitor.StateActive {
			continue
		}
		baseline := st.StartedAt
		if st.LastEventAt != nil {
			baseline = *st.LastEventAt
		}
		if baseline.IsZero() {
			continue
		}
		if now.Sub(baseline) > threshold {
			stale = append(stale, st.ID)
		}
	}
	return stale
}
