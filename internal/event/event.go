package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedPayload marks a broker payload that can never be processed.
// The consumer commits and skips such payloads instead of retrying them, so a
// single bad record cannot block its partition.
var ErrMalformedPayload = errors.New("malformed event payload")

// Kind tags the closed set of message events carried on the broker.
type Kind string

const (
	MessageCreated Kind = "message.created"
	MessageUpdated Kind = "message.updated"
	MessageDeleted Kind = "message.deleted"
)

// Envelope is the wire form of a message event. Create and update events carry
// the full projection; delete events carry only the message ID.
//
// ConversationID doubles as the broker partition key, which keeps all events
// of one conversation on one partition and therefore in publish order.
type Envelope struct {
	Kind           Kind      `json:"kind"`
	MessageID      int64     `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	AuthorID       int64     `json:"author_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// PartitionKey returns the broker key used for partition routing.
func (e *Envelope) PartitionKey() string {
	return e.ConversationID
}

// Encode serializes the envelope for publishing.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates a broker payload. Any structural or semantic
// defect is reported as ErrMalformedPayload; downstream components can rely on
// a decoded envelope being complete for its kind.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *Envelope) validate() error {
	if e.MessageID <= 0 {
		return fmt.Errorf("%w: missing message id", ErrMalformedPayload)
	}
	switch e.Kind {
	case MessageCreated, MessageUpdated:
		if e.Content == "" {
			return fmt.Errorf("%w: %s event without content", ErrMalformedPayload, e.Kind)
		}
		if e.AuthorID <= 0 {
			return fmt.Errorf("%w: %s event without author", ErrMalformedPayload, e.Kind)
		}
		if e.CreatedAt.IsZero() {
			return fmt.Errorf("%w: %s event without timestamp", ErrMalformedPayload, e.Kind)
		}
	case MessageDeleted:
		// Only the ID is required; the canonical record may already be gone.
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrMalformedPayload, e.Kind)
	}
	return nil
}
