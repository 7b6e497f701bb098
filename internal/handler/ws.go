package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chatpipe/chatpipe/internal/ws"
	"github.com/chatpipe/chatpipe/pkg/logger"
)

type WSHandler struct {
	hub *ws.Hub
	log *logger.Logger
}

func NewWSHandler(hub *ws.Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{hub: hub, log: log}
}

// Connect upgrades the request to a websocket and subscribes the user to
// their channels. The user identity comes from the user_id query parameter;
// authentication happens upstream of this service.
func (h *WSHandler) Connect(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	if err := ws.Serve(h.hub, h.log, c.Writer, c.Request, userID); err != nil {
		// The upgrade already wrote a response; nothing more to send here.
		h.log.Warn("websocket upgrade failed")
	}
}
