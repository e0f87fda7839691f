package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"mongowatch/internal/checkpoint"
	"mongowatch/internal/config"
	"mongowatch/internal/database"
	"mongowatch/internal/logging"
	"mongowatch/internal/models"
	"mongowatch/internal/monitor"
)

// SessionManager owns all monitoring sessions in the process. It builds each
// session's collaborators (dedicated connection, checkpoint store, record
// fan-out), tracks them in a registry, and stops them on shutdown.
//
// Terminated sessions stay in the registry so their final state and last
// error remain queryable; only an explicit Stop removes them.
type SessionManager struct {
	sessions map[string]*monitor.Session
	mutex    sync.RWMutex

	cfg    *config.Config
	bus    *RecordBus
	relay  *SinkRelay
	binder *checkpoint.Binder
	dbOpts database.Options

	// dial is swapped out in tests.
	dial func(ctx context.Context, target models.ConnectionTarget) (monitor.Conn, error)
}

// NewSessionManager creates a new session manager. relay may be nil when no
// external sink is configured.
func NewSessionManager(cfg *config.Config, bus *RecordBus, relay *SinkRelay) *SessionManager {
	dbOpts := database.Options{
		ConnectTimeout:         cfg.ConnectTimeout,
		ServerSelectionTimeout: cfg.ServerSelectionTimeout,
	}
	return &SessionManager{
		sessions: make(map[string]*monitor.Session),
		cfg:      cfg,
		bus:      bus,
		relay:    relay,
		binder:   checkpoint.NewBinder(),
		dbOpts:   dbOpts,
		dial:     monitor.Dial(dbOpts),
	}
}

// CreateAndStart builds a session from a definition, registers it and walks
// it to Active. The definition's ID is honored when present; otherwise one is
// generated. A duplicate ID is rejected while the old session is registered.
func (m *SessionManager) CreateAndStart(ctx context.Context, def *models.SessionDefinition) (*monitor.Session, error) {
	cfg, target, err := def.ToConfig()
	if err != nil {
		return nil, err
	}
	if cfg.MaxAwaitTime == 0 {
		cfg.MaxAwaitTime = m.cfg.MaxAwaitTime
	}

	id := def.ID
	if id == "" {
		id = uuid.New().String()
	}

	sess := monitor.New(id, cfg, target, m.buildDeps())

	m.mutex.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mutex.Unlock()
		return nil, fmt.Errorf("session %q already exists", id)
	}
	m.sessions[id] = sess
	m.mutex.Unlock()

	if err := sess.Start(ctx); err != nil {
		m.mutex.Lock()
		delete(m.sessions, id)
		m.mutex.Unlock()
		return nil, err
	}

	log.Printf("✅ Session started: %s (%s %s.%s, total: %d)",
		id, cfg.Scope, cfg.Database, cfg.Collection, m.Count())
	return sess, nil
}

// buildDeps wires a session to the process-wide bus, sinks, metrics and
// checkpoint binder.
func (m *SessionManager) buildDeps() monitor.Deps {
	deps := monitor.Deps{
		Dial:        m.dial,
		Checkpoints: monitor.BindCheckpoints(m.binder),
		Emit: func(rec *models.Record) {
			m.bus.Publish(rec.SessionID, rec)
			if m.relay != nil {
				m.relay.Enqueue(rec)
			}
		},
		Sampler: logging.NewSampler(float64(m.cfg.LogSamplePerSecond), m.cfg.LogSampleBurst),
		OnTerminal: func(sessionID string, err error) {
			log.Printf("❌ Session %s gave up: %v", sessionID, err)
		},
	}
	if metrics := GetMetrics(); metrics != nil {
		deps.Observer = metrics
	}
	return deps
}

// ApplyDefinitions starts every definition whose ID is not already running.
// Used at boot and again when the definitions file changes on disk; running
// sessions are never restarted by a reload, so an edit to an active session's
// entry takes effect only after that session is stopped.
func (m *SessionManager) ApplyDefinitions(ctx context.Context, defs []models.SessionDefinition) int {
	started := 0
	for i := range defs {
		def := &defs[i]
		if def.ID != "" {
			if _, exists := m.Get(def.ID); exists {
				continue
			}
		}
		if _, err := m.CreateAndStart(ctx, def); err != nil {
			log.Printf("⚠️ Failed to start session %q from definitions: %v", def.ID, err)
			continue
		}
		started++
	}
	return started
}

// Stop closes a session and removes it from the registry.
func (m *SessionManager) Stop(ctx context.Context, id string) error {
	m.mutex.Lock()
	sess, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
	}
	m.mutex.Unlock()

	if !exists {
		return fmt.Errorf("session %q not found", id)
	}

	err := sess.Close(ctx)
	m.bus.Forget(id)
	log.Printf("❌ Session removed: %s (total: %d)", id, m.Count())
	return err
}

// StopAll closes every session. Used on shutdown; errors are logged, not
// returned, so one stuck session cannot mask the others.
func (m *SessionManager) StopAll(ctx context.Context) {
	m.mutex.Lock()
	sessions := make([]*monitor.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*monitor.Session)
	m.mutex.Unlock()

	for _, sess := range sessions {
		if err := sess.Close(ctx); err != nil {
			log.Printf("⚠️ Failed to close session %s: %v", sess.ID, err)
		}
	}
	if len(sessions) > 0 {
		log.Printf("🛑 Stopped %d session(s)", len(sessions))
	}
}

// Get retrieves a session by ID
func (m *SessionManager) Get(id string) (*monitor.Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	sess, exists := m.sessions[id]
	return sess, exists
}

// List returns a status snapshot of every registered session, ordered by ID.
func (m *SessionManager) List() []monitor.Status {
	m.mutex.RLock()
	sessions := make([]*monitor.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mutex.RUnlock()

	statuses := make([]monitor.Status, 0, len(sessions))
	for _, sess := range sessions {
		statuses = append(statuses, sess.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// Count returns the number of registered sessions
func (m *SessionManager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}

// ActiveCount returns the number of sessions currently in the active state.
func (m *SessionManager) ActiveCount() int {
	m.mutex.RLock()
	sessions := make([]*monitor.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mutex.RUnlock()

	active := 0
	for _, sess := range sessions {
		if sess.State() == monitor.StateActive {
			active++
		}
	}
	return active
}
