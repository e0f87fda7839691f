package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// WatchScope is the granularity of a change subscription.
type WatchScope string

const (
	ScopeCollection WatchScope = "collection"
	ScopeDatabase   WatchScope = "database"
	ScopeDeployment WatchScope = "deployment"
)

// OperationType is a change-stream operation kind.
type OperationType string

const (
	OperationInsert  OperationType = "insert"
	OperationUpdate  OperationType = "update"
	OperationDelete  OperationType = "delete"
	OperationReplace OperationType = "replace"
)

// FullDocumentMode controls how the server populates fullDocument on update events.
// DefaultMode leaves the server's native behavior untouched.
type FullDocumentMode string

const (
	FullDocumentDefault       FullDocumentMode = "default"
	FullDocumentUpdateLookup  FullDocumentMode = "updateLookup"
	FullDocumentWhenAvailable FullDocumentMode = "whenAvailable"
	FullDocumentRequired      FullDocumentMode = "required"
)

// OutputFormat selects the projection applied to each event before emission.
type OutputFormat string

const (
	FormatFull       OutputFormat = "full"
	FormatDocument   OutputFormat = "document"
	FormatSimplified OutputFormat = "simplified"
)

// ConnectionTarget is a resolved database endpoint handed over by the
// credential resolver. The URI is used verbatim; connection strings are
// never parsed or validated here.
type ConnectionTarget struct {
	URI      string `json:"uri" yaml:"uri"`
	Database string `json:"database" yaml:"database"`
	AppName  string `json:"appName,omitempty" yaml:"appName,omitempty"`
}

// ResumeConfig bounds automatic resubscription after a stream error.
// Attempts resume from the last known token with exponential backoff.
type ResumeConfig struct {
	Enabled      bool          `json:"enabled"`
	MaxAttempts  int           `json:"maxAttempts"`
	InitialDelay time.Duration `json:"initialDelay"`
	MaxDelay     time.Duration `json:"maxDelay"`
}

// SessionConfig describes one monitoring session. It is immutable once the
// session starts; Normalize and Validate are called exactly once, at creation.
type SessionConfig struct {
	Scope      WatchScope `json:"scope"`
	Database   string     `json:"database"`
	Collection string     `json:"collection,omitempty"`

	// OperationTypes is an order-insensitive, non-empty set.
	OperationTypes []OperationType `json:"operationTypes"`

	// MatchFilter and Projection are optional aggregation expressions applied
	// server-side. The filter always runs before the projection so it may
	// reference fields the projection drops.
	MatchFilter bson.M `json:"matchFilter,omitempty"`
	Projection  bson.M `json:"projection,omitempty"`

	FullDocument FullDocumentMode `json:"fullDocument"`
	Format       OutputFormat     `json:"format"`

	BatchSize    int32         `json:"batchSize,omitempty"`
	MaxAwaitTime time.Duration `json:"maxAwaitTime,omitempty"`

	// StartAt is an optional operation-time lower bound. A loaded checkpoint
	// token always takes precedence over it.
	StartAt *time.Time `json:"startAt,omitempty"`

	Checkpoint CheckpointConfig `json:"checkpoint"`
	Resume     ResumeConfig     `json:"resume"`
}

// Normalize fills defaults in place. Derived values (the checkpoint key in
// particular) are computed only when unset, so repeated calls are stable.
func (c *SessionConfig) Normalize() {
	if c.FullDocument == "" {
		c.FullDocument = FullDocumentDefault
	}
	if c.Format == "" {
		c.Format = FormatFull
	}
	c.OperationTypes = dedupeOperations(c.OperationTypes)

	if c.Checkpoint.Enabled {
		if c.Checkpoint.Database == "" {
			c.Checkpoint.Database = c.Database
		}
		if c.Checkpoint.Collection == "" && c.Collection != "" {
			c.Checkpoint.Collection = DefaultCheckpointCollection(c.Collection)
		}
		if c.Checkpoint.Key == "" && c.Collection != "" {
			c.Checkpoint.Key = DeriveCheckpointKey(c.Database, c.Collection)
		}
		if c.Checkpoint.Policy == "" {
			c.Checkpoint.Policy = SaveSmart
		}
		if c.Checkpoint.Policy == SaveThrottled && c.Checkpoint.ThrottleInterval <= 0 {
			c.Checkpoint.ThrottleInterval = DefaultThrottleInterval
		}
	}

	if c.Resume.Enabled {
		if c.Resume.MaxAttempts <= 0 {
			c.Resume.MaxAttempts = 5
		}
		if c.Resume.InitialDelay <= 0 {
			c.Resume.InitialDelay = time.Second
		}
		if c.Resume.MaxDelay <= 0 {
			c.Resume.MaxDelay = 30 * time.Second
		}
	}
}

// Validate checks the configuration before any connection is attempted.
func (c *SessionConfig) Validate() error {
	switch c.Scope {
	case ScopeCollection, ScopeDatabase, ScopeDeployment:
	default:
		return fmt.Errorf("invalid watch scope %q (want collection, database or deployment)", c.Scope)
	}

	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Scope == ScopeCollection && c.Collection == "" {
		return fmt.Errorf("collection name is required for collection scope")
	}

	if len(c.OperationTypes) == 0 {
		return fmt.Errorf("at least one operation type is required")
	}
	for _, op := range c.OperationTypes {
		switch op {
		case OperationInsert, OperationUpdate, OperationDelete, OperationReplace:
		default:
			return fmt.Errorf("invalid operation type %q", op)
		}
	}

	switch c.FullDocument {
	case FullDocumentDefault, FullDocumentUpdateLookup, FullDocumentWhenAvailable, FullDocumentRequired:
	default:
		return fmt.Errorf("invalid fullDocument mode %q", c.FullDocument)
	}

	switch c.Format {
	case FormatFull, FormatDocument, FormatSimplified:
	default:
		return fmt.Errorf("invalid output format %q", c.Format)
	}

	if c.BatchSize < 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxAwaitTime < 0 {
		return fmt.Errorf("max await time must not be negative, got %s", c.MaxAwaitTime)
	}

	if c.Checkpoint.Enabled {
		if err := c.Checkpoint.validate(c.Scope); err != nil {
			return err
		}
	}
	return nil
}

// WatchesOperation reports whether the configured set includes op.
func (c *SessionConfig) WatchesOperation(op string) bool {
	for _, t := range c.OperationTypes {
		if string(t) == op {
			return true
		}
	}
	return false
}

func dedupeOperations(ops []OperationType) []OperationType {
	if len(ops) < 2 {
		return ops
	}
	seen := make(map[OperationType]bool, len(ops))
	out := make([]OperationType, 0, len(ops))
	for _, op := range ops {
		if !seen[op] {
			seen[op] = true
			out = append(out, op)
		}
	}
	return out
}
