package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatpipe/chatpipe/internal/pkg/ratelimit"
	"github.com/chatpipe/chatpipe/pkg/logger"
)

// RateLimitMiddleware caps requests per client IP over a fixed window.
func RateLimitMiddleware(limiter ratelimit.Limiter, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := limiter.Allow(c.Request.Context(), c.ClientIP(), limit, window)
		if err != nil || !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests, please try again later",
			})
			return
		}
		c.Next()
	}
}

// TraceMiddleware attaches a trace id to the request context so log lines of
// one request can be correlated.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := logger.NewTraceID()
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), traceID))
		c.Header("X-Trace-ID", traceID)
		c.Next()
	}
}
