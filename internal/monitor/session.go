package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mongowatch/internal/checkpoint"
	"mongowatch/internal/database"
	"mongowatch/internal/logging"
	"mongowatch/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// State is a session lifecycle phase.
type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateLoading     State = "loading_checkpoint"
	StateSubscribing State = "subscribing"
	StateActive      State = "active"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
)

// closeTimeout bounds cursor and client teardown so a dead server cannot
// hang shutdown.
const closeTimeout = 5 * time.Second

// Deps supplies a session's collaborators. Nil fields get live defaults:
// a dedicated connection per session, checkpoint stores bound over that
// connection, a no-op observer and the default logger.
type Deps struct {
	Dial        func(ctx context.Context, target models.ConnectionTarget) (Conn, error)
	Checkpoints func(ctx context.Context, conn Conn, cfg models.CheckpointConfig) (Checkpointer, error)

	// Emit hands a finished record downstream. It must not block; slow
	// consumers belong behind a buffer, not inside the pump.
	Emit func(rec *models.Record)

	Observer Observer
	Logger   *slog.Logger
	Sampler  *logging.Sampler
	Now      func() time.Time

	// OnTerminal fires when the pump gives up on a stream that Close did
	// not ask to stop.
	OnTerminal func(sessionID string, err error)
}

func (d *Deps) fillDefaults() {
	if d.Dial == nil {
		d.Dial = Dial(database.Options{})
	}
	if d.Checkpoints == nil {
		d.Checkpoints = BindCheckpoints(checkpoint.NewBinder())
	}
	if d.Observer == nil {
		d.Observer = noopObserver{}
	}
	if d.Sampler == nil {
		d.Sampler = logging.NewSampler(5, 20)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// BindCheckpoints adapts a binder to the Deps.Checkpoints shape. The
// connection must expose Collection, which live connections do.
func BindCheckpoints(binder *checkpoint.Binder) func(ctx context.Context, conn Conn, cfg models.CheckpointConfig) (Checkpointer, error) {
	return func(ctx context.Context, conn Conn, cfg models.CheckpointConfig) (Checkpointer, error) {
		lc, ok := conn.(interface {
			Collection(database, name string) *mongo.Collection
		})
		if !ok {
			return nil, fmt.Errorf("connection cannot bind checkpoint collections")
		}
		return binder.Bind(ctx, lc.Collection(cfg.Database, cfg.Collection), cfg, nil)
	}
}

// Session drives one change subscription from connect to close. All cursor
// work happens on a single pump goroutine; Start and Close are safe to call
// from any goroutine, in any order, any number of times.
type Session struct {
	ID string

	cfg    *models.SessionConfig
	target models.ConnectionTarget
	deps   Deps

	logger  *slog.Logger
	backoff *BackoffCalculator

	seq      atomic.Uint64
	events   atomic.Uint64
	procErrs atomic.Uint64
	resubs   atomic.Uint64
	sawEvent atomic.Bool

	mu        sync.Mutex
	state     State
	conn      Conn
	cursor    Cursor
	ckpt      Checkpointer
	closing   bool
	started   bool
	startedAt time.Time
	lastEvent time.Time
	lastToken interface{}
	lastError error
	cancel    context.CancelFunc
	done      chan struct{}
}

// Status is a point-in-time snapshot of a session, safe to serialize.
type Status struct {
	ID               string            `json:"id"`
	State            State             `json:"state"`
	Scope            models.WatchScope `json:"scope"`
	Database         string            `json:"database"`
	Collection       string            `json:"collection,omitempty"`
	StartedAt        time.Time         `json:"startedAt,omitempty"`
	EventsSeen       uint64            `json:"eventsSeen"`
	RecordsEmitted   uint64            `json:"recordsEmitted"`
	ProcessingErrors uint64            `json:"processingErrors"`
	Resubscribes     uint64            `json:"resubscribes"`
	LastEventAt      *time.Time        `json:"lastEventAt,omitempty"`
	LastError        string            `json:"lastError,omitempty"`
	CheckpointKey    string            `json:"checkpointKey,omitempty"`
}

// New builds a session in the Idle state. The config must already be
// normalized; Start re-validates it before touching the network.
func New(id string, cfg *models.SessionConfig, target models.ConnectionTarget, deps Deps) *Session {
	deps.fillDefaults()
	if deps.Logger == nil {
		deps.Logger = logging.WithSession(id, cfg.Database, cfg.Collection)
	} else {
		deps.Logger = deps.Logger.With("session_id", id)
	}

	return &Session{
		ID:      id,
		cfg:     cfg,
		target:  target,
		deps:    deps,
		logger:  deps.Logger,
		backoff: NewBackoffCalculator(cfg.Resume.InitialDelay, cfg.Resume.MaxDelay, 2.0, 20),
		state:   StateIdle,
	}
}

// Config returns the session's immutable configuration.
func (s *Session) Config() *models.SessionConfig {
	return s.cfg
}

// Start walks the session to Active: connect, load the checkpoint, open the
// stream, then hand the cursor to the pump goroutine. Any failure on the way
// comes back as a classified *MonitorError and leaves no resources behind.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session %s already started", s.ID)
	}
	if s.closing {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.ID)
	}
	s.started = true
	s.startedAt = s.deps.Now()
	s.mu.Unlock()

	if err := s.cfg.Validate(); err != nil {
		cerr := ConfigurationError(err)
		s.recordError(cerr)
		s.setState(StateClosed)
		return cerr
	}

	if !s.setState(StateConnecting) {
		return nil
	}
	conn, err := s.deps.Dial(ctx, s.target)
	if err != nil {
		s.recordError(err)
		s.setState(StateClosed)
		return ClassifyConnectError(err)
	}

	var (
		ckpt        Checkpointer
		resumeToken interface{}
	)
	if s.cfg.Checkpoint.Enabled {
		if !s.setState(StateLoading) {
			s.closeQuiet(conn, nil)
			return nil
		}
		ckpt, err = s.deps.Checkpoints(ctx, conn, s.cfg.Checkpoint)
		if err == nil {
			resumeToken, err = ckpt.Load(ctx)
		}
		if err != nil {
			s.closeQuiet(conn, nil)
			s.recordError(err)
			s.setState(StateClosed)
			return &MonitorError{Kind: KindCheckpoint, Message: "failed to load checkpoint", Cause: err}
		}
		if resumeToken != nil {
			s.logger.Info("resuming from saved checkpoint", "key", ckpt.Key())
		}
	}

	if !s.setState(StateSubscribing) {
		s.closeQuiet(conn, nil)
		return nil
	}
	cursor, err := conn.Watch(ctx, s.cfg, BuildPipeline(s.cfg), BuildStreamOptions(s.cfg, resumeToken))
	if err != nil {
		s.closeQuiet(conn, nil)
		s.recordError(err)
		s.setState(StateClosed)
		return ClassifySubscribeError(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		cancel()
		s.closeQuiet(conn, cursor)
		return nil
	}
	s.conn = conn
	s.cursor = cursor
	s.ckpt = ckpt
	s.lastToken = resumeToken
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.setState(StateActive)
	s.logger.Info("change stream active",
		"scope", s.cfg.Scope,
		"operations", s.cfg.OperationTypes,
		"format", s.cfg.Format,
		"resumed", resumeToken != nil)

	go s.run(runCtx, done)
	return nil
}

// run pumps the cursor until close or a terminal failure, resubscribing
// through transient stream errors when the config allows.
func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.cleanup()

	attempt := 0
	for {
		s.sawEvent.Store(false)
		streamErr := s.consume(ctx)

		if ctx.Err() != nil || s.isClosing() {
			return
		}
		// A delivered event after the last resubscription proves the
		// stream was healthy again; the attempt budget starts over.
		if s.sawEvent.Load() {
			attempt = 0
		}

		classified := ClassifySubscribeError(streamErr)
		if classified == nil {
			classified = &MonitorError{
				Kind:      KindSubscription,
				Message:   "change stream ended unexpectedly",
				Retryable: true,
			}
		}
		s.recordError(classified)

		if !s.cfg.Resume.Enabled || !classified.Retryable {
			s.terminal(classified)
			return
		}

		resumed := false
		for attempt < s.cfg.Resume.MaxAttempts {
			attempt++
			delay := s.backoff.NextDelay(attempt - 1)
			s.logger.Warn("change stream interrupted, resubscribing",
				"attempt", attempt,
				"max_attempts", s.cfg.Resume.MaxAttempts,
				"delay", delay,
				"error", streamErr)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}

			rerr := s.resubscribe(ctx)
			if rerr == nil {
				s.resubs.Add(1)
				s.deps.Observer.Resubscribed(s.ID, attempt)
				resumed = true
				break
			}
			if ctx.Err() != nil || s.isClosing() {
				return
			}
			me := ClassifySubscribeError(rerr)
			s.recordError(me)
			if !me.Retryable {
				s.terminal(me)
				return
			}
		}
		if !resumed {
			s.terminal(&MonitorError{
				Kind:    KindSubscription,
				Message: fmt.Sprintf("gave up after %d resubscribe attempts", s.cfg.Resume.MaxAttempts),
				Cause:   streamErr,
			})
			return
		}
	}
}

// consume drains the cursor until it stops yielding.
func (s *Session) consume(ctx context.Context) error {
	cursor := s.currentCursor()
	if cursor == nil {
		return nil
	}
	for cursor.Next(ctx) {
		s.handleEvent(ctx, cursor)
	}
	return cursor.Err()
}

// handleEvent runs one event through decode, shape, emit and checkpoint.
// A failure on a single event produces an error record and never stops the
// stream.
func (s *Session) handleEvent(ctx context.Context, cursor Cursor) {
	now := s.deps.Now()

	var raw bson.M
	if err := cursor.Decode(&raw); err != nil {
		s.procErrs.Add(1)
		s.deps.Observer.ProcessingError(s.ID)
		s.logger.Warn("failed to decode change event", "error", err)
		s.emit(models.ErrorPayload(err, now), now)
		return
	}

	ev := models.ParseChangeEvent(raw)
	s.markEvent(now, ev)
	s.deps.Observer.EventReceived(s.ID, ev.OperationType)

	if s.deps.Sampler.Allow() {
		args := []any{
			"operation", ev.OperationType,
			"namespace", ev.Namespace.String(),
		}
		if dropped := s.deps.Sampler.Dropped(); dropped > 0 {
			args = append(args, "suppressed", dropped)
		}
		s.logger.Debug("change event received", args...)
	}

	payload, err := FormatEvent(s.cfg, ev, now)
	if err != nil {
		s.procErrs.Add(1)
		s.deps.Observer.ProcessingError(s.ID)
		s.logger.Warn("failed to shape change event", "operation", ev.OperationType, "error", err)
		s.emit(models.ErrorPayload(err, now), now)
		return
	}
	s.emit(payload, now)

	// Checkpoint after emission: a crash in between redelivers the event,
	// never loses it.
	if s.ckpt != nil && ev.ResumeToken != nil {
		outcome, _ := s.ckpt.Save(ctx, ev.ResumeToken)
		s.deps.Observer.CheckpointOutcome(s.ID, outcome)
	}
}

func (s *Session) emit(payload map[string]interface{}, now time.Time) {
	seq := s.seq.Add(1)
	rec := &models.Record{
		SessionID: s.ID,
		Seq:       seq,
		EmittedAt: now,
		Payload:   payload,
	}
	if s.deps.Emit != nil {
		s.deps.Emit(rec)
	}
	s.deps.Observer.RecordEmitted(s.ID)
}

func (s *Session) markEvent(now time.Time, ev *models.ChangeEvent) {
	s.events.Add(1)
	s.sawEvent.Store(true)
	s.mu.Lock()
	s.lastEvent = now
	if ev.ResumeToken != nil {
		s.lastToken = ev.ResumeToken
	}
	s.mu.Unlock()
}

// resubscribe replaces the broken cursor with a fresh stream positioned at
// the most recent token this session observed.
func (s *Session) resubscribe(ctx context.Context) error {
	s.mu.Lock()
	oldCursor := s.cursor
	s.cursor = nil
	conn := s.conn
	token := s.lastToken
	s.mu.Unlock()

	if oldCursor != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = oldCursor.Close(closeCtx)
		cancel()
	}
	if conn == nil {
		return fmt.Errorf("no connection to resubscribe on")
	}

	s.setState(StateSubscribing)
	cursor, err := conn.Watch(ctx, s.cfg, BuildPipeline(s.cfg), BuildStreamOptions(s.cfg, token))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cursor = cursor
	s.mu.Unlock()
	s.setState(StateActive)
	s.logger.Info("change stream resubscribed", "resumed", token != nil)
	return nil
}

// Close stops the session and waits for the pump to release its resources.
// Safe to call at any lifecycle point and any number of times; later calls
// wait for the same shutdown. Errors raised by teardown while closing are
// suppressed.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	first := !s.closing
	s.closing = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if first {
		s.setState(StateClosing)
		s.logger.Info("closing session")
		if cancel != nil {
			cancel()
		}
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.setState(StateClosed)
	if first {
		s.logger.Info("session closed",
			"events_seen", s.events.Load(),
			"records_emitted", s.seq.Load())
	}
	return nil
}

// Ping verifies the session's connection still answers.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("session %s has no live connection", s.ID)
	}
	return conn.Ping(ctx)
}

// Status snapshots the session for the management surface.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ID:               s.ID,
		State:            s.state,
		Scope:            s.cfg.Scope,
		Database:         s.cfg.Database,
		Collection:       s.cfg.Collection,
		StartedAt:        s.startedAt,
		EventsSeen:       s.events.Load(),
		RecordsEmitted:   s.seq.Load(),
		ProcessingErrors: s.procErrs.Load(),
		Resubscribes:     s.resubs.Load(),
	}
	if !s.lastEvent.IsZero() {
		t := s.lastEvent
		st.LastEventAt = &t
	}
	if s.lastError != nil {
		st.LastError = s.lastError.Error()
	}
	if s.ckpt != nil {
		st.CheckpointKey = s.ckpt.Key()
	}
	return st
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState transitions unless the session is already closing; Closing and
// Closed always win.
func (s *Session) setState(st State) bool {
	s.mu.Lock()
	if s.closing && st != StateClosing && st != StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = st
	s.mu.Unlock()
	s.deps.Observer.SessionState(s.ID, st)
	return true
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// recordError keeps the most recent failure for Status. Cancellation noise
// during close is not worth remembering.
func (s *Session) recordError(err error) {
	s.mu.Lock()
	if !s.closing {
		s.lastError = err
	}
	s.mu.Unlock()
}

func (s *Session) currentCursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// cleanup releases the cursor and connection exactly once, from the pump's
// deferred exit path.
func (s *Session) cleanup() {
	s.mu.Lock()
	cursor, conn := s.cursor, s.conn
	s.cursor, s.conn = nil, nil
	s.mu.Unlock()
	s.closeQuiet(conn, cursor)
}

func (s *Session) closeQuiet(conn Conn, cursor Cursor) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if cursor != nil {
		if err := cursor.Close(ctx); err != nil && !s.isClosing() {
			s.logger.Warn("failed to close change stream", "error", err)
		}
	}
	if conn != nil {
		if err := conn.Close(ctx); err != nil && !s.isClosing() {
			s.logger.Warn("failed to close connection", "error", err)
		}
	}
}

func (s *Session) terminal(err *MonitorError) {
	s.logger.Error("session terminated",
		"kind", err.Kind.String(),
		"error", err)
	s.setState(StateClosed)
	if s.deps.OnTerminal != nil {
		s.deps.OnTerminal(s.ID, err)
	}
}
