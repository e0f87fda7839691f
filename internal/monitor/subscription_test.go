package monitor

import (
	"reflect"
	"testing"
	"time"

	"mongowatch/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestBuildPipelineStageOrder(t *testing.T) {
	cfg := &models.SessionConfig{
		OperationTypes: []models.OperationType{models.OperationInsert, models.OperationUpdate},
		MatchFilter:    bson.M{"fullDocument.total": bson.M{"$gt": 100}},
		Projection:     bson.M{"fullDocument.secret": 0},
	}

	pipeline := BuildPipeline(cfg)
	if len(pipeline) != 3 {
		t.Fatalf("pipeline stages = %d, want 3", len(pipeline))
	}

	// Stage 1: operation-type gate.
	if pipeline[0][0].Key != "$match" {
		t.Errorf("stage 1 = %q, want $match", pipeline[0][0].Key)
	}
	gate := pipeline[0][0].Value.(bson.D)
	if gate[0].Key != "operationType" {
		t.Errorf("gate field = %q, want operationType", gate[0].Key)
	}
	in := gate[0].Value.(bson.D)[0].Value.(bson.A)
	if !reflect.DeepEqual(in, bson.A{"insert", "update"}) {
		t.Errorf("$in = %v, want [insert update]", in)
	}

	// Stage 2: the user filter, before the projection so it can still see
	// fields the projection removes.
	if pipeline[1][0].Key != "$match" {
		t.Errorf("stage 2 = %q, want $match", pipeline[1][0].Key)
	}
	if pipeline[2][0].Key != "$project" {
		t.Errorf("stage 3 = %q, want $project", pipeline[2][0].Key)
	}
}

func TestBuildPipelineOmitsEmptyStages(t *testing.T) {
	cfg := &models.SessionConfig{
		OperationTypes: []models.OperationType{models.OperationDelete},
	}
	pipeline := BuildPipeline(cfg)
	if len(pipeline) != 1 {
		t.Fatalf("pipeline stages = %d, want just the operation gate", len(pipeline))
	}
}

func TestBuildStreamOptionsMapping(t *testing.T) {
	cfg := &models.SessionConfig{
		OperationTypes: []models.OperationType{models.OperationInsert},
		FullDocument:   models.FullDocumentUpdateLookup,
		BatchSize:      50,
		MaxAwaitTime:   2 * time.Second,
	}

	opts := BuildStreamOptions(cfg, nil)

	if opts.BatchSize == nil || *opts.BatchSize != 50 {
		t.Errorf("BatchSize = %v, want 50", opts.BatchSize)
	}
	if opts.MaxAwaitTime == nil || *opts.MaxAwaitTime != 2*time.Second {
		t.Errorf("MaxAwaitTime = %v, want 2s", opts.MaxAwaitTime)
	}
	if opts.FullDocument == nil || *opts.FullDocument != options.UpdateLookup {
		t.Errorf("FullDocument = %v, want updateLookup", opts.FullDocument)
	}
}

func TestBuildStreamOptionsDefaultsLeaveServerBehavior(t *testing.T) {
	cfg := &models.SessionConfig{
		OperationTypes: []models.OperationType{models.OperationInsert},
		FullDocument:   models.FullDocumentDefault,
	}

	opts := BuildStreamOptions(cfg, nil)

	if opts.FullDocument != nil {
		t.Errorf("FullDocument = %v, want unset for default mode", *opts.FullDocument)
	}
	if opts.BatchSize != nil || opts.MaxAwaitTime != nil {
		t.Error("zero batch size and await time must stay unset")
	}
	if opts.ResumeAfter != nil || opts.StartAtOperationTime != nil {
		t.Error("no token and no start time must leave resume options unset")
	}
}

func TestBuildStreamOptionsTokenBeatsStartTime(t *testing.T) {
	startAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	cfg := &models.SessionConfig{
		OperationTypes: []models.OperationType{models.OperationInsert},
		StartAt:        &startAt,
	}

	// With a token, the start time must be ignored.
	opts := BuildStreamOptions(cfg, bson.M{"_data": "tok"})
	if opts.ResumeAfter == nil {
		t.Fatal("ResumeAfter unset despite a stored token")
	}
	if opts.StartAtOperationTime != nil {
		t.Error("StartAtOperationTime set although a token exists")
	}

	// Without a token, the start time applies.
	opts = BuildStreamOptions(cfg, nil)
	if opts.ResumeAfter != nil {
		t.Error("ResumeAfter set without a token")
	}
	if opts.StartAtOperationTime == nil {
		t.Fatal("StartAtOperationTime unset despite configured start time")
	}
	if got := opts.StartAtOperationTime.T; got != uint32(startAt.Unix()) {
		t.Errorf("operation time = %d, want %d", got, startAt.Unix())
	}
}

func TestNormalizeResumeToken(t *testing.T) {
	tests := []struct {
		name  string
		token interface{}
		want  interface{}
	}{
		{"nil", nil, nil},
		{"empty string", "   ", nil},
		{"bare data string", "826B...", bson.M{"_data": "826B..."}},
		{"json document string", `{"_data": "826B..."}`, bson.M{"_data": "826B..."}},
		{"structured token", bson.M{"_data": "x"}, bson.M{"_data": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeResumeToken(tt.token)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NormalizeResumeToken(%v) = %v, want %v", tt.token, got, tt.want)
			}
		})
	}

	// Malformed JSON still resumes: the string becomes the _data payload.
	got := NormalizeResumeToken(`{"broken...`)
	if m, ok := got.(bson.M); !ok || m["_data"] != `{"broken...` {
		t.Errorf("malformed JSON token = %v, want wrapped as _data", got)
	}
}
