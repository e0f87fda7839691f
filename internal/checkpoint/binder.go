package checkpoint

import (
	"context"
	"log/slog"
	"time"

	"mongowatch/internal/models"

	"github.com/patrickmn/go-cache"
	"go.mongodb.org/mongo-driver/mongo"
)

// Binder hands out stores and makes sure each backing collection carries its
// unique key index. Binding the same collection twice must behave exactly
// like binding it once, so ensured collections are remembered; entries expire
// so a dropped-and-recreated collection gets its index back eventually.
type Binder struct {
	ensured *cache.Cache
}

// NewBinder creates a binder with a 12h memory of ensured collections.
func NewBinder() *Binder {
	return &Binder{ensured: cache.New(12*time.Hour, time.Hour)}
}

// Bind returns a store over the collection, creating the unique index on the
// first binding in this process.
func (b *Binder) Bind(ctx context.Context, coll *mongo.Collection, cfg models.CheckpointConfig, logger *slog.Logger) (*Store, error) {
	key := coll.Database().Name() + "." + coll.Name()
	if _, ok := b.ensured.Get(key); !ok {
		if err := EnsureIndexes(ctx, coll); err != nil {
			return nil, err
		}
		b.ensured.Set(key, struct{}{}, cache.DefaultExpiration)
	}
	return New(coll, cfg, logger), nil
}
