package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// SessionDefinition is the wire form of a session: what the REST API accepts
// and what entries in the definitions file look like. Durations travel as
// strings ("5s", "1m30s") so the same shape serves YAML and JSON.
type SessionDefinition struct {
	ID     string           `json:"id,omitempty" yaml:"id,omitempty"`
	Target ConnectionTarget `json:"target" yaml:"target"`

	Scope      string   `json:"scope,omitempty" yaml:"scope,omitempty"`
	Collection string   `json:"collection,omitempty" yaml:"collection,omitempty"`
	Operations []string `json:"operations" yaml:"operations"`

	MatchFilter map[string]interface{} `json:"matchFilter,omitempty" yaml:"matchFilter,omitempty"`
	Projection  map[string]interface{} `json:"projection,omitempty" yaml:"projection,omitempty"`

	FullDocument string `json:"fullDocument,omitempty" yaml:"fullDocument,omitempty"`
	Format       string `json:"format,omitempty" yaml:"format,omitempty"`

	BatchSize    int32  `json:"batchSize,omitempty" yaml:"batchSize,omitempty"`
	MaxAwaitTime string `json:"maxAwaitTime,omitempty" yaml:"maxAwaitTime,omitempty"`

	// StartAt is an RFC 3339 timestamp used as the stream's operation-time
	// lower bound when no checkpoint token exists.
	StartAt string `json:"startAt,omitempty" yaml:"startAt,omitempty"`

	Checkpoint CheckpointDefinition `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	Resume     ResumeDefinition     `json:"resume,omitempty" yaml:"resume,omitempty"`
}

// CheckpointDefinition is the wire form of CheckpointConfig.
type CheckpointDefinition struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	Database         string `json:"database,omitempty" yaml:"database,omitempty"`
	Collection       string `json:"collection,omitempty" yaml:"collection,omitempty"`
	Key              string `json:"key,omitempty" yaml:"key,omitempty"`
	Policy           string `json:"policy,omitempty" yaml:"policy,omitempty"`
	ThrottleInterval string `json:"throttleInterval,omitempty" yaml:"throttleInterval,omitempty"`
}

// ResumeDefinition is the wire form of ResumeConfig.
type ResumeDefinition struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	MaxAttempts  int    `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	InitialDelay string `json:"initialDelay,omitempty" yaml:"initialDelay,omitempty"`
	MaxDelay     string `json:"maxDelay,omitempty" yaml:"maxDelay,omitempty"`
}

// ToConfig converts the definition into a normalized, validated SessionConfig
// plus the connection target it should run against.
func (d *SessionDefinition) ToConfig() (*SessionConfig, ConnectionTarget, error) {
	if d.Target.URI == "" {
		return nil, ConnectionTarget{}, fmt.Errorf("target.uri is required")
	}
	if d.Target.Database == "" {
		return nil, ConnectionTarget{}, fmt.Errorf("target.database is required")
	}

	scope := WatchScope(d.Scope)
	if d.Scope == "" {
		scope = ScopeCollection
	}

	ops := make([]OperationType, 0, len(d.Operations))
	for _, op := range d.Operations {
		ops = append(ops, OperationType(op))
	}

	maxAwait, err := parseDuration("maxAwaitTime", d.MaxAwaitTime)
	if err != nil {
		return nil, ConnectionTarget{}, err
	}
	throttle, err := parseDuration("checkpoint.throttleInterval", d.Checkpoint.ThrottleInterval)
	if err != nil {
		return nil, ConnectionTarget{}, err
	}
	initialDelay, err := parseDuration("resume.initialDelay", d.Resume.InitialDelay)
	if err != nil {
		return nil, ConnectionTarget{}, err
	}
	maxDelay, err := parseDuration("resume.maxDelay", d.Resume.MaxDelay)
	if err != nil {
		return nil, ConnectionTarget{}, err
	}

	var startAt *time.Time
	if d.StartAt != "" {
		t, err := time.Parse(time.RFC3339, d.StartAt)
		if err != nil {
			return nil, ConnectionTarget{}, fmt.Errorf("invalid startAt %q: %w", d.StartAt, err)
		}
		startAt = &t
	}

	cfg := &SessionConfig{
		Scope:          scope,
		Database:       d.Target.Database,
		Collection:     d.Collection,
		OperationTypes: ops,
		MatchFilter:    toBSON(d.MatchFilter),
		Projection:     toBSON(d.Projection),
		FullDocument:   FullDocumentMode(d.FullDocument),
		Format:         OutputFormat(d.Format),
		BatchSize:      d.BatchSize,
		MaxAwaitTime:   maxAwait,
		StartAt:        startAt,
		Checkpoint: CheckpointConfig{
			Enabled:          d.Checkpoint.Enabled,
			Database:         d.Checkpoint.Database,
			Collection:       d.Checkpoint.Collection,
			Key:              d.Checkpoint.Key,
			Policy:           SavePolicy(d.Checkpoint.Policy),
			ThrottleInterval: throttle,
		},
		Resume: ResumeConfig{
			Enabled:      d.Resume.Enabled,
			MaxAttempts:  d.Resume.MaxAttempts,
			InitialDelay: initialDelay,
			MaxDelay:     maxDelay,
		},
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, ConnectionTarget{}, err
	}
	return cfg, d.Target, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return d, nil
}

// toBSON converts a decoded YAML/JSON map into a bson.M, descending into
// nested maps and slices so aggregation expressions survive intact.
func toBSON(m map[string]interface{}) bson.M {
	if m == nil {
		return nil
	}
	out := make(bson.M, len(m))
	for k, v := range m {
		out[k] = toBSONValue(v)
	}
	return out
}

func toBSONValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return toBSON(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = toBSONValue(e)
		}
		return out
	default:
		return v
	}
}
