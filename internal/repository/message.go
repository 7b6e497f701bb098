package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chatpipe/chatpipe/internal/model"
)

// ErrMessageNotFound is returned when a canonical message does not exist.
var ErrMessageNotFound = errors.New("message not found")

// MessageRepository is the canonical message store. Everything else in the
// pipeline (index, cache, fan-out) is derived from what is written here.
type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create persists a new canonical message.
func (r *MessageRepository) Create(ctx context.Context, message *model.Message) error {
	return r.db.WithContext(ctx).Create(message).Error
}

// Delete removes a canonical message. Deleting an absent message is not an
// error; the index and cache cleanup ride on the broker event either way.
func (r *MessageRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&model.Message{}, id).Error
}

// GetByID fetches a single canonical message.
func (r *MessageRepository) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	var message model.Message
	if err := r.db.WithContext(ctx).First(&message, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// GetByIDs fetches the messages that still exist for the given IDs. Missing
// IDs are simply absent from the result; the search index is allowed to lag
// behind deletes, so callers treat a partial result as normal.
func (r *MessageRepository) GetByIDs(ctx context.Context, ids []int64) ([]model.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var messages []model.Message
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&messages).Error
	return messages, err
}

// Recent returns a page of messages ordered by creation time descending,
// together with the total count.
func (r *MessageRepository) Recent(ctx context.Context, limit, offset int) ([]model.Message, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&model.Message{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var messages []model.Message
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	return messages, total, err
}

// ForEach streams all canonical messages in batches, for index rebuilds.
func (r *MessageRepository) ForEach(ctx context.Context, batchSize int, fn func(model.Message) error) error {
	var batch []model.Message
	return r.db.WithContext(ctx).FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
		for _, m := range batch {
			if err := fn(m); err != nil {
				return err
			}
		}
		return nil
	}).Error
}

// MarkRead inserts a read receipt if one does not exist yet. It reports
// whether the receipt was actually created, which is what decides whether the
// read event fans out: re-marking an already-read message is a no-op.
func (r *MessageRepository) MarkRead(ctx context.Context, messageID, readerID int64, readAt time.Time) (bool, error) {
	receipt := model.ReadReceipt{
		MessageID: messageID,
		ReaderID:  readerID,
		ReadAt:    readAt,
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&receipt)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Readers returns the IDs of users that have read the given message.
func (r *MessageRepository) Readers(ctx context.Context, messageID int64) ([]int64, error) {
	var readers []int64
	err := r.db.WithContext(ctx).
		Model(&model.ReadReceipt{}).
		Where("message_id = ?", messageID).
		Pluck("reader_id", &readers).Error
	return readers, err
}
