package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatpipe/chatpipe/internal/event"
	"github.com/chatpipe/chatpipe/internal/model"
	"github.com/chatpipe/chatpipe/internal/pkg/snowflake"
	"github.com/chatpipe/chatpipe/internal/pkg/workerpool"
	"github.com/chatpipe/chatpipe/internal/search"
	"github.com/chatpipe/chatpipe/pkg/logger"
)

var (
	ErrInvalidContent      = errors.New("message content invalid")
	ErrInvalidConversation = errors.New("conversation id required")
)

// CanonicalStore is the authoritative message storage the pipeline derives
// everything else from.
type CanonicalStore interface {
	Create(ctx context.Context, message *model.Message) error
	Delete(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (*model.Message, error)
	Recent(ctx context.Context, limit, offset int) ([]model.Message, int64, error)
	MarkRead(ctx context.Context, messageID, readerID int64, readAt time.Time) (bool, error)
	Readers(ctx context.Context, messageID int64) ([]int64, error)
	ForEach(ctx context.Context, batchSize int, fn func(model.Message) error) error
}

// EventPublisher puts message events on the broker.
type EventPublisher interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte) (int32, int64, error)
}

// Broadcaster is the real-time fan-out side. Calls are fire-and-forget.
type Broadcaster interface {
	PublishNewMessage(message *model.Message, recipientIDs []int64)
	PublishRead(messageID, readerID int64, readAt time.Time)
}

// BulkIndex is the direct index access used only for rebuilds; normal index
// writes always go through the broker.
type BulkIndex interface {
	Upsert(ctx context.Context, doc search.Document) error
}

// CacheInvalidator drops memoized search results after a rebuild.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// SendRequest is one message submission.
type SendRequest struct {
	ConversationID string  `json:"conversation_id" binding:"required"`
	AuthorID       int64   `json:"author_id" binding:"required"`
	RecipientIDs   []int64 `json:"recipient_ids"`
	Content        string  `json:"content" binding:"required"`
}

// MessageService implements the submission path: canonical write, broker
// publish, and immediate fan-out. Indexing rides on the broker event and is
// never waited on here.
type MessageService struct {
	store    CanonicalStore
	producer EventPublisher
	topic    string
	hub      Broadcaster
	pool     *workerpool.Pool
	ids      *snowflake.Generator
	index    BulkIndex
	cache    CacheInvalidator
	log      *logger.Logger
}

func NewMessageService(
	store CanonicalStore,
	producer EventPublisher,
	topic string,
	hub Broadcaster,
	pool *workerpool.Pool,
	ids *snowflake.Generator,
	index BulkIndex,
	cache CacheInvalidator,
	log *logger.Logger,
) *MessageService {
	return &MessageService{
		store:    store,
		producer: producer,
		topic:    topic,
		hub:      hub,
		pool:     pool,
		ids:      ids,
		index:    index,
		cache:    cache,
		log:      log,
	}
}

// Send persists a message, puts the created event on the broker and fans the
// message out to its recipients. A broker failure fails the submission: the
// canonical write is compensated, nothing is queued elsewhere.
func (s *MessageService) Send(ctx context.Context, req *SendRequest) (*model.Message, error) {
	if len(req.Content) == 0 || len(req.Content) > model.MaxContentLength {
		return nil, ErrInvalidContent
	}
	if req.ConversationID == "" {
		return nil, ErrInvalidConversation
	}

	id, err := s.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate message id: %w", err)
	}

	message := &model.Message{
		ID:             id,
		ConversationID: req.ConversationID,
		AuthorID:       req.AuthorID,
		Content:        req.Content,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.store.Create(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	if err := s.publish(ctx, &event.Envelope{
		Kind:           event.MessageCreated,
		MessageID:      message.ID,
		ConversationID: message.ConversationID,
		AuthorID:       message.AuthorID,
		Content:        message.Content,
		CreatedAt:      message.CreatedAt,
	}); err != nil {
		// The submission failed as a whole; take the canonical record back
		// out so the store does not hold messages the pipeline never saw.
		if delErr := s.store.Delete(ctx, message.ID); delErr != nil {
			s.log.ErrorContext(ctx, "failed to compensate canonical write after publish failure",
				zap.Int64("message_id", message.ID), zap.Error(delErr))
		}
		return nil, err
	}

	// Live fan-out runs on its own path, not gated on indexing.
	s.dispatch(func() {
		s.hub.PublishNewMessage(message, req.RecipientIDs)
	})

	return message, nil
}

// Delete removes a message canonically and emits the delete event that will
// clean up the index and the cache.
func (s *MessageService) Delete(ctx context.Context, id int64) error {
	message, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	return s.publish(ctx, &event.Envelope{
		Kind:           event.MessageDeleted,
		MessageID:      id,
		ConversationID: message.ConversationID,
	})
}

// MarkRead records a read receipt. The relation is set-once: only the first
// mark per (message, reader) pair broadcasts, re-marking is a silent no-op.
func (s *MessageService) MarkRead(ctx context.Context, messageID, readerID int64) error {
	if _, err := s.store.GetByID(ctx, messageID); err != nil {
		return err
	}

	readAt := time.Now().UTC()
	created, err := s.store.MarkRead(ctx, messageID, readerID, readAt)
	if err != nil {
		return fmt.Errorf("failed to record read receipt: %w", err)
	}
	if !created {
		return nil
	}

	s.dispatch(func() {
		s.hub.PublishRead(messageID, readerID, readAt)
	})
	return nil
}

// Readers lists the users that have read a message.
func (s *MessageService) Readers(ctx context.Context, messageID int64) ([]int64, error) {
	if _, err := s.store.GetByID(ctx, messageID); err != nil {
		return nil, err
	}
	return s.store.Readers(ctx, messageID)
}

// Recent returns a page of canonical messages, newest first.
func (s *MessageService) Recent(ctx context.Context, page, pageSize int) ([]model.Message, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > search.MaxPageSize {
		pageSize = search.DefaultPageSize
	}
	return s.store.Recent(ctx, pageSize, (page-1)*pageSize)
}

// Reindex rebuilds the search index from the canonical store and invalidates
// the result cache once at the end. The index is a derived projection, so a
// rebuild is always safe.
func (s *MessageService) Reindex(ctx context.Context) (int64, error) {
	var indexed int64
	err := s.store.ForEach(ctx, 100, func(m model.Message) error {
		if err := s.index.Upsert(ctx, search.Document{
			ID:        m.ID,
			Content:   m.Content,
			AuthorID:  m.AuthorID,
			CreatedAt: m.CreatedAt,
		}); err != nil {
			return err
		}
		indexed++
		return nil
	})
	if err != nil {
		return indexed, fmt.Errorf("reindex aborted: %w", err)
	}

	if err := s.cache.Invalidate(ctx); err != nil {
		s.log.WarnContext(ctx, "cache invalidation failed after reindex", zap.Error(err))
	}
	return indexed, nil
}

func (s *MessageService) publish(ctx context.Context, env *event.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if _, _, err := s.producer.Produce(ctx, s.topic, []byte(env.PartitionKey()), data); err != nil {
		return err
	}
	return nil
}

// dispatch runs fan-out work on the pool when one is configured, falling back
// to inline execution otherwise.
func (s *MessageService) dispatch(job func()) {
	if s.pool == nil {
		job()
		return
	}
	if !s.pool.TrySubmit(job) {
		// Fan-out is best-effort; when the pool is saturated the live event
		// is dropped and clients catch up from the canonical store.
		s.log.Warn("fan-out pool saturated, dropping live event")
	}
}
