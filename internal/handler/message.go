package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chatpipe/chatpipe/internal/pkg/kafka"
	"github.com/chatpipe/chatpipe/internal/repository"
	"github.com/chatpipe/chatpipe/internal/service"
)

type MessageHandler struct {
	messages *service.MessageService
}

func NewMessageHandler(messages *service.MessageService) *MessageHandler {
	return &MessageHandler{messages: messages}
}

// SendMessage accepts a message submission and returns the stored message.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	var req service.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.messages.Send(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidContent),
			errors.Is(err, service.ErrInvalidConversation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, kafka.ErrBrokerUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "message pipeline unavailable"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept message"})
		}
		return
	}

	c.JSON(http.StatusCreated, msg)
}

// DeleteMessage removes a message and schedules its index cleanup.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	if err := h.messages.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete message"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ListMessages returns recent messages, newest first.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	msgs, total, err := h.messages.Recent(c.Request.Context(), page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"total":    total,
	})
}

// MarkRead records that a user has read a message. Repeated marks are
// accepted and ignored.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	messageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	var req struct {
		ReaderID int64 `json:"reader_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.messages.MarkRead(c.Request.Context(), messageID, req.ReaderID); err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record read receipt"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

// ListReaders returns the users that have read a message.
func (h *MessageHandler) ListReaders(c *gin.Context) {
	messageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	readers, err := h.messages.Readers(c.Request.Context(), messageID)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list readers"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"readers": readers})
}

// Reindex rebuilds the search index from canonical storage.
func (h *MessageHandler) Reindex(c *gin.Context) {
	indexed, err := h.messages.Reindex(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reindex failed", "indexed": indexed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reindexed", "indexed": indexed})
}
