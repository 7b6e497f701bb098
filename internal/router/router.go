package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatpipe/chatpipe/internal/handler"
	"github.com/chatpipe/chatpipe/internal/metrics"
	"github.com/chatpipe/chatpipe/internal/pkg/ratelimit"
)

// Setup wires all HTTP routes. The websocket route is registered outside the
// rate-limited group so handshakes are never throttled.
func Setup(
	r *gin.Engine,
	messageHandler *handler.MessageHandler,
	searchHandler *handler.SearchHandler,
	wsHandler *handler.WSHandler,
	collector *metrics.Collector,
	limiter ratelimit.Limiter,
	limit int,
	window time.Duration,
) {
	r.Use(handler.TraceMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(collector.Handler()))
	r.GET("/ws", wsHandler.Connect)

	api := r.Group("/api/v1")
	if limiter != nil {
		api.Use(handler.RateLimitMiddleware(limiter, limit, window))
	}
	{
		api.POST("/messages", messageHandler.SendMessage)
		api.GET("/messages", messageHandler.ListMessages)
		api.DELETE("/messages/:id", messageHandler.DeleteMessage)
		api.POST("/messages/:id/read", messageHandler.MarkRead)
		api.GET("/messages/:id/readers", messageHandler.ListReaders)
		api.GET("/messages/search", searchHandler.Search)
		api.POST("/admin/reindex", messageHandler.Reindex)
	}
}
