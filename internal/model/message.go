package model

import (
	"time"
)

// MaxContentLength bounds message content size. Enforced at submission time,
// before the message reaches the broker.
const MaxContentLength = 2000

// Message is the canonical message record.
// IDs are snowflake-generated, so they are unique and roughly ordered by
// creation time. A message is immutable once created; the only permitted
// mutation is deletion.
type Message struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	ConversationID string    `gorm:"size:64;index" json:"conversation_id"`
	AuthorID       int64     `gorm:"index" json:"author_id"`
	Content        string    `gorm:"size:2000;not null" json:"content"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}

// ReadReceipt records that a reader has seen a message. The composite primary
// key makes the relation set-once per (message, reader) pair.
type ReadReceipt struct {
	MessageID int64     `gorm:"primaryKey" json:"message_id"`
	ReaderID  int64     `gorm:"primaryKey" json:"reader_id"`
	ReadAt    time.Time `json:"read_at"`
}

func (ReadReceipt) TableName() string {
	return "read_receipts"
}
