package models

import (
	"errors"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

func TestDefinitionToConfig(t *testing.T) {
	def := &SessionDefinition{
		ID:         "orders-feed",
		Target:     ConnectionTarget{URI: "mongodb://localhost:27017", Database: "shop"},
		Collection: "orders",
		Operations: []string{"insert", "update"},
		MatchFilter: map[string]interface{}{
			"fullDocument.total": map[string]interface{}{"$gt": 100},
		},
		FullDocument: "updateLookup",
		Format:       "simplified",
		MaxAwaitTime: "2s",
		StartAt:      "2026-01-02T15:04:05Z",
		Checkpoint: CheckpointDefinition{
			Enabled:          true,
			Policy:           "throttled",
			ThrottleInterval: "10s",
		},
		Resume: ResumeDefinition{Enabled: true, MaxAttempts: 3, InitialDelay: "500ms"},
	}

	cfg, target, err := def.ToConfig()
	if err != nil {
		t.Fatalf("ToConfig() error: %v", err)
	}
	if target.URI != "mongodb://localhost:27017" {
		t.Errorf("target.URI = %q", target.URI)
	}
	if cfg.Scope != ScopeCollection {
		t.Errorf("Scope = %q, want default collection", cfg.Scope)
	}
	if cfg.MaxAwaitTime != 2*time.Second {
		t.Errorf("MaxAwaitTime = %s, want 2s", cfg.MaxAwaitTime)
	}
	if cfg.Checkpoint.ThrottleInterval != 10*time.Second {
		t.Errorf("ThrottleInterval = %s, want 10s", cfg.Checkpoint.ThrottleInterval)
	}
	if cfg.Checkpoint.Key != "shop.orders" {
		t.Errorf("Checkpoint.Key = %q, want shop.orders", cfg.Checkpoint.Key)
	}
	if cfg.Resume.MaxAttempts != 3 {
		t.Errorf("Resume.MaxAttempts = %d, want 3", cfg.Resume.MaxAttempts)
	}
	if cfg.Resume.InitialDelay != 500*time.Millisecond {
		t.Errorf("Resume.InitialDelay = %s, want 500ms", cfg.Resume.InitialDelay)
	}
	if cfg.StartAt == nil || cfg.StartAt.Year() != 2026 {
		t.Errorf("StartAt = %v", cfg.StartAt)
	}

	// Nested filter maps must come out as bson.M all the way down.
	inner, ok := cfg.MatchFilter["fullDocument.total"].(bson.M)
	if !ok {
		t.Fatalf("nested filter type = %T, want bson.M", cfg.MatchFilter["fullDocument.total"])
	}
	if inner["$gt"] != 100 {
		t.Errorf("nested filter value = %v", inner["$gt"])
	}
}

func TestDefinitionToConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		def     SessionDefinition
		wantErr string
	}{
		{
			name:    "missing uri",
			def:     SessionDefinition{Target: ConnectionTarget{Database: "shop"}},
			wantErr: "target.uri is required",
		},
		{
			name:    "missing database",
			def:     SessionDefinition{Target: ConnectionTarget{URI: "mongodb://x"}},
			wantErr: "target.database is required",
		},
		{
			name: "bad duration",
			def: SessionDefinition{
				Target:       ConnectionTarget{URI: "mongodb://x", Database: "shop"},
				Collection:   "orders",
				Operations:   []string{"insert"},
				MaxAwaitTime: "soon",
			},
			wantErr: "invalid maxAwaitTime",
		},
		{
			name: "bad startAt",
			def: SessionDefinition{
				Target:     ConnectionTarget{URI: "mongodb://x", Database: "shop"},
				Collection: "orders",
				Operations: []string{"insert"},
				StartAt:    "yesterday",
			},
			wantErr: "invalid startAt",
		},
		{
			name: "config validation runs",
			def: SessionDefinition{
				Target:     ConnectionTarget{URI: "mongodb://x", Database: "shop"},
				Collection: "orders",
				Operations: []string{"truncate"},
			},
			wantErr: "invalid operation type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.def.ToConfig()
			if err == nil {
				t.Fatalf("ToConfig() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ToConfig() = %q, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestErrorPayload(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := ErrorPayload(errors.New("boom"), now)
	if p["operationType"] != "error" {
		t.Errorf("operationType = %v, want error", p["operationType"])
	}
	if p["error"] != "boom" {
		t.Errorf("error = %v, want boom", p["error"])
	}
	if p["type"] != "processing_error" {
		t.Errorf("type = %v, want processing_error", p["type"])
	}
	if ts := p["timestamp"].(time.Time); !ts.Equal(now) {
		t.Errorf("timestamp = %v, want %v", ts, now)
	}

	if p := ErrorPayload(nil, now); p["error"] == "" {
		t.Error("nil cause must still yield a message")
	}

	rec := Record{Payload: p}
	if !rec.IsError() {
		t.Error("IsError() = false for error payload")
	}
	if (&Record{Payload: map[string]interface{}{"operationType": "insert"}}).IsError() {
		t.Error("IsError() = true for normal payload")
	}
}
