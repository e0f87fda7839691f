package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mongowatch/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// collection is the slice of *mongo.Collection the store touches. Narrow so
// policy behavior is testable without a running server.
type collection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

// Store persists one session's resume token under a fixed key. Writes are
// upserts, so the store holds at most one record per key regardless of how
// often the session restarts.
type Store struct {
	coll    collection
	key     string
	decider decider
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	lastToken interface{}
	lastSaved time.Time
}

// New builds a store over the given collection. The key comes from the
// session config and never changes for the lifetime of the store.
func New(coll collection, cfg models.CheckpointConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		coll:    coll,
		key:     cfg.Key,
		decider: newDecider(cfg),
		logger:  logger,
		now:     time.Now,
	}
}

// Key returns the record key this store reads and writes.
func (s *Store) Key() string {
	return s.key
}

// Load fetches the saved token for this store's key. A missing record is a
// normal cold start, not an error.
func (s *Store) Load(ctx context.Context) (interface{}, error) {
	var rec models.CheckpointRecord
	err := s.coll.FindOne(ctx, bson.M{"key": s.key}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %q: %w", s.key, err)
	}
	return rec.Token, nil
}

// Save offers a token to the store. The configured policy decides whether a
// write happens; a failed write is logged and reported but never stops the
// caller. Policy state advances only on success, so a failed throttled write
// retries on the very next event.
func (s *Store) Save(ctx context.Context, token interface{}) (Outcome, error) {
	if token == nil {
		return OutcomeSkippedPolicy, nil
	}
	now := s.now()
	fp := tokenFingerprint(token)

	s.mu.Lock()
	should := s.decider.ShouldSave(fp, now)
	s.mu.Unlock()
	if !should {
		return OutcomeSkippedPolicy, nil
	}

	rec := models.CheckpointRecord{Key: s.key, Token: token, UpdatedAt: now}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"key": s.key}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		s.logger.Warn("checkpoint write failed, continuing without it",
			"key", s.key, "error", err)
		return OutcomeSkippedError, fmt.Errorf("failed to save checkpoint %q: %w", s.key, err)
	}

	s.mu.Lock()
	s.decider.Committed(fp, now)
	s.lastToken = token
	s.lastSaved = now
	s.mu.Unlock()
	return OutcomeSaved, nil
}

// Latest returns the last successfully saved token and when it was written.
func (s *Store) Latest() (interface{}, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastToken, s.lastSaved
}

// EnsureIndexes creates the unique key index the store's upserts rely on.
func EnsureIndexes(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create checkpoint index: %w", err)
	}
	return nil
}

// tokenFingerprint renders a token into a stable comparison form. Resume
// tokens are usually {"_data": "<hex>"}; the hex string alone identifies the
// position, and extracting it sidesteps map ordering entirely.
func tokenFingerprint(token interface{}) string {
	switch t := token.(type) {
	case nil:
		return ""
	case string:
		return t
	case bson.M:
		if data, ok := t["_data"].(string); ok && len(t) == 1 {
			return data
		}
	case primitive.D:
		if len(t) == 1 && t[0].Key == "_data" {
			if data, ok := t[0].Value.(string); ok {
				return data
			}
		}
	case bson.Raw:
		if data, ok := t.Lookup("_data").StringValueOK(); ok {
			return data
		}
	}
	if b, err := bson.MarshalExtJSON(token, true, false); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", token)
}
