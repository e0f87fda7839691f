package monitor

import (
	"encoding/json"
	"strings"

	"mongowatch/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// BuildPipeline assembles the aggregation stages in fixed order: the
// operation-type gate, then the user's match filter, then the projection.
// The filter runs before the projection on purpose, so it may reference
// fields the projection drops.
func BuildPipeline(cfg *models.SessionConfig) mongo.Pipeline {
	ops := make(bson.A, 0, len(cfg.OperationTypes))
	for _, op := range cfg.OperationTypes {
		ops = append(ops, string(op))
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: ops}}},
		}}},
	}
	if len(cfg.MatchFilter) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: cfg.MatchFilter}})
	}
	if len(cfg.Projection) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$project", Value: cfg.Projection}})
	}
	return pipeline
}

// BuildStreamOptions maps session settings onto driver options. A resume
// token always wins over a configured start time; with neither, the stream
// starts at the current point in the oplog.
func BuildStreamOptions(cfg *models.SessionConfig, resumeToken interface{}) *options.ChangeStreamOptions {
	opts := options.ChangeStream()

	if cfg.MaxAwaitTime > 0 {
		opts.SetMaxAwaitTime(cfg.MaxAwaitTime)
	}
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}

	switch cfg.FullDocument {
	case models.FullDocumentUpdateLookup:
		opts.SetFullDocument(options.UpdateLookup)
	case models.FullDocumentWhenAvailable:
		opts.SetFullDocument(options.WhenAvailable)
	case models.FullDocumentRequired:
		opts.SetFullDocument(options.Required)
	}

	if tok := NormalizeResumeToken(resumeToken); tok != nil {
		opts.SetResumeAfter(tok)
	} else if cfg.StartAt != nil {
		ts := primitive.Timestamp{T: uint32(cfg.StartAt.Unix())}
		opts.SetStartAtOperationTime(&ts)
	}

	return opts
}

// NormalizeResumeToken coerces the shapes a stored token can take into a
// value the server accepts for resumeAfter. Structured tokens pass through;
// strings holding a JSON document are decoded; bare strings are treated as
// the _data payload.
func NormalizeResumeToken(token interface{}) interface{} {
	switch t := token.(type) {
	case nil:
		return nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		if strings.HasPrefix(s, "{") {
			var doc bson.M
			if err := json.Unmarshal([]byte(s), &doc); err == nil {
				return doc
			}
		}
		return bson.M{"_data": s}
	default:
		return token
	}
}
