package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatpipe/chatpipe/internal/gateway"
	"github.com/chatpipe/chatpipe/internal/search"
)

type SearchHandler struct {
	gateway *gateway.Gateway
}

func NewSearchHandler(g *gateway.Gateway) *SearchHandler {
	return &SearchHandler{gateway: g}
}

// Search runs a full-text query over indexed messages. Filters combine with
// AND; date bounds are inclusive RFC3339 timestamps.
func (h *SearchHandler) Search(c *gin.Context) {
	q := search.Query{
		Text: c.Query("q"),
	}

	if raw := c.Query("author_id"); raw != "" {
		authorID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid author_id"})
			return
		}
		q.AuthorID = &authorID
	}

	if raw := c.Query("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp, expected RFC3339"})
			return
		}
		q.DateFrom = &from
	}

	if raw := c.Query("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp, expected RFC3339"})
			return
		}
		q.DateTo = &to
	}

	q.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	q.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "50"))

	resp, err := h.gateway.Search(c.Request.Context(), q)
	if err != nil {
		if errors.Is(err, search.ErrIndexUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search is temporarily unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}

	c.JSON(http.StatusOK, resp)
}
