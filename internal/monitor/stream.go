package monitor

import (
	"context"
	"fmt"

	"mongowatch/internal/checkpoint"
	"mongowatch/internal/database"
	"mongowatch/internal/models"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Cursor is the slice of a change stream the session pump consumes.
// *mongo.ChangeStream satisfies it.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// Conn is what a session needs from its dedicated connection.
type Conn interface {
	// Watch opens a change stream at the scope the config asks for.
	Watch(ctx context.Context, cfg *models.SessionConfig, pipeline mongo.Pipeline, opts *options.ChangeStreamOptions) (Cursor, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Checkpointer persists and recalls resume tokens. *checkpoint.Store
// satisfies it.
type Checkpointer interface {
	Load(ctx context.Context) (interface{}, error)
	Save(ctx context.Context, token interface{}) (checkpoint.Outcome, error)
	Key() string
}

// Observer receives session milestones. The Prometheus implementation lives
// in the services package; sessions run fine with none.
type Observer interface {
	SessionState(sessionID string, state State)
	EventReceived(sessionID, operationType string)
	RecordEmitted(sessionID string)
	ProcessingError(sessionID string)
	CheckpointOutcome(sessionID string, outcome checkpoint.Outcome)
	Resubscribed(sessionID string, attempt int)
}

type noopObserver struct{}

func (noopObserver) SessionState(string, State)                      {}
func (noopObserver) EventReceived(string, string)                    {}
func (noopObserver) RecordEmitted(string)                            {}
func (noopObserver) ProcessingError(string)                          {}
func (noopObserver) CheckpointOutcome(string, checkpoint.Outcome)    {}
func (noopObserver) Resubscribed(string, int)                        {}

// liveConn adapts a dedicated client to the Conn interface, dispatching
// Watch to the configured scope.
type liveConn struct {
	*database.Conn
}

func (c liveConn) Watch(ctx context.Context, cfg *models.SessionConfig, pipeline mongo.Pipeline, opts *options.ChangeStreamOptions) (Cursor, error) {
	var (
		cs  *mongo.ChangeStream
		err error
	)
	switch cfg.Scope {
	case models.ScopeCollection:
		cs, err = c.Collection(cfg.Database, cfg.Collection).Watch(ctx, pipeline, opts)
	case models.ScopeDatabase:
		cs, err = c.Database(cfg.Database).Watch(ctx, pipeline, opts)
	case models.ScopeDeployment:
		cs, err = c.Client().Watch(ctx, pipeline, opts)
	default:
		return nil, fmt.Errorf("unknown watch scope %q", cfg.Scope)
	}
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// Dial opens a dedicated connection for one session. It is the default
// Deps.Dial implementation. The returned Conn also exposes
// Collection(database, name), which checkpoint binding relies on.
func Dial(opts database.Options) func(ctx context.Context, target models.ConnectionTarget) (Conn, error) {
	return func(ctx context.Context, target models.ConnectionTarget) (Conn, error) {
		conn, err := database.Connect(ctx, target, opts)
		if err != nil {
			return nil, err
		}
		return liveConn{conn}, nil
	}
}
