package models

import (
	"fmt"
	"time"
)

// SavePolicy decides which emitted events trigger a checkpoint write.
type SavePolicy string

const (
	// SaveEveryChange writes the resume token after every emitted event.
	SaveEveryChange SavePolicy = "every_change"
	// SaveSmart skips the write when the token is identical to the last one saved.
	SaveSmart SavePolicy = "smart"
	// SaveThrottled writes at most once per ThrottleInterval.
	SaveThrottled SavePolicy = "throttled"
)

// DefaultThrottleInterval is the minimum spacing between throttled writes.
const DefaultThrottleInterval = 5 * time.Second

// CheckpointConfig controls resume-token persistence for one session.
type CheckpointConfig struct {
	Enabled bool `json:"enabled"`

	// Database and Collection locate the checkpoint store. They default to
	// the watched database and "<collection>_resume_tokens".
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`

	// Key identifies this session's record inside the store. It is derived
	// once at session creation and never recomputed; distinct sessions
	// sharing a store must carry distinct keys.
	Key string `json:"key,omitempty"`

	Policy           SavePolicy    `json:"policy,omitempty"`
	ThrottleInterval time.Duration `json:"throttleInterval,omitempty"`
}

func (c *CheckpointConfig) validate(scope WatchScope) error {
	switch c.Policy {
	case SaveEveryChange, SaveSmart, SaveThrottled:
	default:
		return fmt.Errorf("invalid checkpoint save policy %q", c.Policy)
	}
	if c.Policy == SaveThrottled && c.ThrottleInterval <= 0 {
		return fmt.Errorf("throttled checkpoint policy requires a positive interval")
	}

	// Collection-less scopes have no derivable defaults, so the store
	// location and key must be spelled out.
	if scope != ScopeCollection {
		if c.Collection == "" {
			return fmt.Errorf("checkpoint collection is required for %s scope", scope)
		}
		if c.Key == "" {
			return fmt.Errorf("checkpoint key is required for %s scope", scope)
		}
	}
	if c.Collection == "" {
		return fmt.Errorf("checkpoint collection is required")
	}
	if c.Key == "" {
		return fmt.Errorf("checkpoint key is required")
	}
	return nil
}

// DeriveCheckpointKey returns the stable store key for a watched
// database/collection pair.
func DeriveCheckpointKey(database, collection string) string {
	return database + "." + collection
}

// DefaultCheckpointCollection returns the store collection name derived from
// the watched collection.
func DefaultCheckpointCollection(collection string) string {
	return collection + "_resume_tokens"
}

// CheckpointRecord is the single durable artifact of a session: the latest
// resume token saved under the session's key.
type CheckpointRecord struct {
	Key       string      `bson:"key" json:"key"`
	Token     interface{} `bson:"token" json:"token"`
	UpdatedAt time.Time   `bson:"updatedAt" json:"updatedAt"`
}
