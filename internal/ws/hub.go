package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatpipe/chatpipe/internal/model"
	"github.com/chatpipe/chatpipe/pkg/logger"
)

const (
	// redisChannelName carries broadcasts between nodes so every instance
	// can deliver to its locally connected subscribers.
	redisChannelName = "chatpipe:broadcast"

	// ReceiptsChannel is the shared channel for read-receipt events.
	ReceiptsChannel = "receipts"
)

// PrivateChannel names the per-user channel new messages are delivered on.
func PrivateChannel(userID int64) string {
	return fmt.Sprintf("messages.%d", userID)
}

// EventType tags the two event kinds pushed to subscribers.
type EventType string

const (
	EventNewMessage  EventType = "new_message"
	EventMessageRead EventType = "message_read"
)

// Event is one real-time notification as seen by a subscriber.
type Event struct {
	Type      EventType      `json:"type"`
	Channel   string         `json:"channel"`
	Message   *model.Message `json:"message,omitempty"`
	MessageID int64          `json:"message_id,omitempty"`
	ReaderID  int64          `json:"reader_id,omitempty"`
	ReadAt    time.Time      `json:"read_at,omitempty"`
}

// envelope is the internal broadcast form. Exclude suppresses the echo of a
// reader's own receipt.
type envelope struct {
	Channel string `json:"channel"`
	Exclude int64  `json:"exclude,omitempty"`
	Event   *Event `json:"event"`
}

// Authorizer decides channel membership. Identity and session logic live
// behind this interface, outside the pipeline.
type Authorizer interface {
	MayReceive(userID int64, channel string) bool
}

// AllowAll authorizes every delivery. Default when no access control
// collaborator is wired in.
type AllowAll struct{}

func (AllowAll) MayReceive(int64, string) bool { return true }

// Session is one connected subscriber. Events are delivered on a buffered
// channel; a subscriber that cannot keep up is evicted, not waited on.
type Session struct {
	UserID int64
	send   chan *Event
}

// Events returns the subscriber's delivery channel. It is closed on eviction
// or unsubscribe.
func (s *Session) Events() <-chan *Event {
	return s.send
}

// Hub fans events out to connected subscribers. Delivery is best-effort and
// at-most-once per event per connected subscriber; whoever is not connected
// misses the event and catches up from the canonical store.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]bool
	byUser   map[int64][]*Session

	register   chan *Session
	unregister chan *Session
	broadcast  chan *envelope

	authorizer Authorizer
	redis      *redis.Client
	log        *logger.Logger
}

func NewHub(authorizer Authorizer, redisClient *redis.Client, log *logger.Logger) *Hub {
	if authorizer == nil {
		authorizer = AllowAll{}
	}
	return &Hub{
		sessions:   make(map[*Session]bool),
		byUser:     make(map[int64][]*Session),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan *envelope, 64),
		authorizer: authorizer,
		redis:      redisClient,
		log:        log,
	}
}

// Run processes subscriptions and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	if h.redis != nil {
		go h.subscribeToRedis(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case session := <-h.register:
			h.mu.Lock()
			h.sessions[session] = true
			h.byUser[session.UserID] = append(h.byUser[session.UserID], session)
			h.mu.Unlock()

		case session := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(session)
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.dispatch(env)
		}
	}
}

// Subscribe attaches a new subscriber for the given user.
func (h *Hub) Subscribe(userID int64) *Session {
	session := &Session{
		UserID: userID,
		send:   make(chan *Event, 32),
	}
	h.register <- session
	return session
}

// Unsubscribe detaches a subscriber and closes its event channel.
func (h *Hub) Unsubscribe(session *Session) {
	h.unregister <- session
}

// PublishNewMessage pushes a message to each addressed recipient's private
// channel. It is fire-and-forget and independent of indexing.
func (h *Hub) PublishNewMessage(message *model.Message, recipientIDs []int64) {
	for _, recipientID := range recipientIDs {
		h.publish(&envelope{
			Channel: PrivateChannel(recipientID),
			Event: &Event{
				Type:    EventNewMessage,
				Channel: PrivateChannel(recipientID),
				Message: message,
			},
		})
	}
}

// PublishRead pushes a read receipt on the shared channel to everyone except
// the acting reader.
func (h *Hub) PublishRead(messageID, readerID int64, readAt time.Time) {
	h.publish(&envelope{
		Channel: ReceiptsChannel,
		Exclude: readerID,
		Event: &Event{
			Type:      EventMessageRead,
			Channel:   ReceiptsChannel,
			MessageID: messageID,
			ReaderID:  readerID,
			ReadAt:    readAt,
		},
	})
}

// publish routes an envelope through Redis when configured, so all nodes see
// it; otherwise it goes straight to the local broadcast loop.
func (h *Hub) publish(env *envelope) {
	if h.redis != nil {
		payload, err := json.Marshal(env)
		if err == nil {
			if err := h.redis.Publish(context.Background(), redisChannelName, payload).Err(); err != nil {
				h.log.Warn("failed to publish broadcast to redis, delivering locally only", zap.Error(err))
			} else {
				return
			}
		}
	}
	select {
	case h.broadcast <- env:
	default:
		// Broadcast queue full. Delivery is best-effort; drop rather than
		// block the caller.
		h.log.Warn("broadcast queue full, dropping event", zap.String("channel", env.Channel))
	}
}

func (h *Hub) subscribeToRedis(ctx context.Context) {
	pubsub := h.redis.Subscribe(ctx, redisChannelName)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.log.Warn("dropping undecodable broadcast", zap.Error(err))
				continue
			}
			h.broadcast <- &env
		}
	}
}

func (h *Hub) dispatch(env *envelope) {
	h.mu.RLock()
	var targets []*Session
	if env.Channel == ReceiptsChannel {
		for session := range h.sessions {
			targets = append(targets, session)
		}
	} else {
		for userID, sessions := range h.byUser {
			if PrivateChannel(userID) == env.Channel {
				targets = append(targets, sessions...)
			}
		}
	}
	h.mu.RUnlock()

	var evicted []*Session
	for _, session := range targets {
		if session.UserID == env.Exclude {
			continue
		}
		if !h.authorizer.MayReceive(session.UserID, env.Channel) {
			continue
		}
		select {
		case session.send <- env.Event:
		default:
			// Subscriber is not draining its channel; evict it instead of
			// blocking the whole broadcast loop.
			evicted = append(evicted, session)
		}
	}

	if len(evicted) > 0 {
		h.mu.Lock()
		for _, session := range evicted {
			h.removeLocked(session)
		}
		h.mu.Unlock()
	}
}

// removeLocked drops a session from both maps and closes its channel.
// Callers must hold the write lock.
func (h *Hub) removeLocked(session *Session) {
	if !h.sessions[session] {
		return
	}
	delete(h.sessions, session)
	sessions := h.byUser[session.UserID]
	for i, s := range sessions {
		if s == session {
			h.byUser[session.UserID] = append(sessions[:i], sessions[i+1:]...)
			break
		}
	}
	if len(h.byUser[session.UserID]) == 0 {
		delete(h.byUser, session.UserID)
	}
	close(session.send)
}
