package indexer

import (
	"context"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/chatpipe/chatpipe/internal/event"
	"github.com/chatpipe/chatpipe/internal/metrics"
	"github.com/chatpipe/chatpipe/internal/search"
	"github.com/chatpipe/chatpipe/pkg/logger"
)

// MessageIndex is the slice of the search index the consumer writes to.
type MessageIndex interface {
	Upsert(ctx context.Context, doc search.Document) error
	Delete(ctx context.Context, id int64) error
}

// CacheInvalidator drops all memoized search results.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Indexer drains the message topic and keeps the search index and the result
// cache consistent with the canonical store. It is the only writer of the
// index. Handle is idempotent, so at-least-once redelivery is safe.
type Indexer struct {
	index   MessageIndex
	cache   CacheInvalidator
	metrics *metrics.Collector
	log     *logger.Logger
}

func New(index MessageIndex, cache CacheInvalidator, collector *metrics.Collector, log *logger.Logger) *Indexer {
	return &Indexer{
		index:   index,
		cache:   cache,
		metrics: collector,
		log:     log,
	}
}

// Handle processes one broker record. Decode failures carry
// event.ErrMalformedPayload and are committed-and-skipped by the consumer
// wrapper; index failures propagate so the record is redelivered.
func (ix *Indexer) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	env, err := event.Decode(msg.Value)
	if err != nil {
		return err
	}

	switch env.Kind {
	case event.MessageCreated, event.MessageUpdated:
		doc := search.Document{
			ID:        env.MessageID,
			Content:   env.Content,
			AuthorID:  env.AuthorID,
			CreatedAt: env.CreatedAt,
		}
		if err := ix.index.Upsert(ctx, doc); err != nil {
			return err
		}
		ix.metrics.IndexOp("upsert")

	case event.MessageDeleted:
		if err := ix.index.Delete(ctx, env.MessageID); err != nil {
			return err
		}
		ix.metrics.IndexOp("delete")
	}

	// Invalidate strictly after the index write: invalidating first would let
	// a concurrent search repopulate the cache from the not-yet-updated index.
	if err := ix.cache.Invalidate(ctx); err != nil {
		// Not fatal: superseded entries still expire by TTL, and failing the
		// record here would re-apply an index write that already succeeded.
		ix.log.WarnContext(ctx, "cache invalidation failed after index write",
			zap.Int64("message_id", env.MessageID),
			zap.String("kind", string(env.Kind)),
			zap.Error(err))
	}

	ix.log.Debug("applied message event",
		zap.Int64("message_id", env.MessageID),
		zap.String("kind", string(env.Kind)),
		zap.Int64("offset", msg.Offset),
		zap.Int32("partition", msg.Partition))
	return nil
}
