package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatpipe/chatpipe/internal/model"
	"github.com/chatpipe/chatpipe/pkg/logger"
)

func startHub(t *testing.T, authorizer Authorizer) *Hub {
	t.Helper()
	hub := NewHub(authorizer, nil, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func waitEvent(t *testing.T, s *Session) *Event {
	t.Helper()
	select {
	case event, ok := <-s.Events():
		require.True(t, ok, "session channel closed unexpectedly")
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, s *Session) {
	t.Helper()
	select {
	case event := <-s.Events():
		t.Fatalf("unexpected event: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_NewMessageReachesOnlyAddressedRecipients(t *testing.T) {
	hub := startHub(t, nil)

	alice := hub.Subscribe(1)
	bob := hub.Subscribe(2)
	carol := hub.Subscribe(3)

	msg := &model.Message{ID: 10, ConversationID: "conv-1", AuthorID: 1, Content: "hi"}
	hub.PublishNewMessage(msg, []int64{2, 3})

	got := waitEvent(t, bob)
	assert.Equal(t, EventNewMessage, got.Type)
	assert.Equal(t, PrivateChannel(2), got.Channel)
	assert.Equal(t, int64(10), got.Message.ID)

	got = waitEvent(t, carol)
	assert.Equal(t, PrivateChannel(3), got.Channel)

	assertNoEvent(t, alice)
}

func TestHub_ReadReceiptExcludesActingReader(t *testing.T) {
	hub := startHub(t, nil)

	reader := hub.Subscribe(1)
	other := hub.Subscribe(2)

	readAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	hub.PublishRead(42, 1, readAt)

	got := waitEvent(t, other)
	assert.Equal(t, EventMessageRead, got.Type)
	assert.Equal(t, ReceiptsChannel, got.Channel)
	assert.Equal(t, int64(42), got.MessageID)
	assert.Equal(t, int64(1), got.ReaderID)

	assertNoEvent(t, reader)
}

func TestHub_EventDeliveredAtMostOnce(t *testing.T) {
	hub := startHub(t, nil)
	bob := hub.Subscribe(2)

	hub.PublishNewMessage(&model.Message{ID: 1}, []int64{2})

	waitEvent(t, bob)
	assertNoEvent(t, bob)
}

type denyUser struct{ userID int64 }

func (d denyUser) MayReceive(userID int64, _ string) bool {
	return userID != d.userID
}

func TestHub_AuthorizerGatesDelivery(t *testing.T) {
	hub := startHub(t, denyUser{userID: 2})

	denied := hub.Subscribe(2)
	allowed := hub.Subscribe(3)

	hub.PublishRead(7, 1, time.Now())

	waitEvent(t, allowed)
	assertNoEvent(t, denied)

	hub.PublishNewMessage(&model.Message{ID: 8}, []int64{2})
	assertNoEvent(t, denied)
}

func TestHub_DisconnectedRecipientMissesEvents(t *testing.T) {
	hub := startHub(t, nil)

	bob := hub.Subscribe(2)
	hub.Unsubscribe(bob)

	// Channel is closed on unsubscribe.
	_, ok := <-bob.Events()
	assert.False(t, ok)

	// No replay for late subscribers.
	hub.PublishNewMessage(&model.Message{ID: 1}, []int64{2})
	late := hub.Subscribe(2)
	assertNoEvent(t, late)
}

func TestHub_SlowSubscriberIsEvicted(t *testing.T) {
	hub := startHub(t, nil)

	slow := hub.Subscribe(2)
	fast := hub.Subscribe(3)

	// The fast subscriber keeps draining.
	go func() {
		for range fast.Events() {
		}
	}()

	// Overflow the slow subscriber's buffer without draining it.
	for i := 0; i < cap(slow.send)+8; i++ {
		hub.PublishRead(int64(i), 1, time.Now())
	}

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return !hub.sessions[slow]
	}, 2*time.Second, 10*time.Millisecond, "slow subscriber should be evicted")
}
