package gateway

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/chatpipe/chatpipe/internal/metrics"
	"github.com/chatpipe/chatpipe/internal/model"
	"github.com/chatpipe/chatpipe/internal/search"
	"github.com/chatpipe/chatpipe/pkg/logger"
)

// ResultCache memoizes search results. A miss (for any reason, including a
// cache outage) sends the request to the index.
type ResultCache interface {
	GetResult(ctx context.Context, q search.Query) (*search.Result, bool)
	SetResult(ctx context.Context, q search.Query, result *search.Result) error
}

// Searcher is the read side of the search index.
type Searcher interface {
	Search(ctx context.Context, q search.Query) (*search.Result, error)
}

// MessageResolver fetches canonical records for the IDs the index returned.
type MessageResolver interface {
	GetByIDs(ctx context.Context, ids []int64) ([]model.Message, error)
}

// Response is a resolved page of search results.
type Response struct {
	Messages []model.Message `json:"messages"`
	Total    uint64          `json:"total"`
	HasMore  bool            `json:"has_more"`
}

// Gateway serves paginated search requests: cache first, then the index, then
// canonical resolution. The index is never written from here.
type Gateway struct {
	cache    ResultCache
	index    Searcher
	resolver MessageResolver
	metrics  *metrics.Collector
	log      *logger.Logger
}

func New(cache ResultCache, index Searcher, resolver MessageResolver, collector *metrics.Collector, log *logger.Logger) *Gateway {
	return &Gateway{
		cache:    cache,
		index:    index,
		resolver: resolver,
		metrics:  collector,
		log:      log,
	}
}

// Search answers one query. Index failures surface as errors: returning stale
// or empty results would be silently wrong, which is worse than failing.
func (g *Gateway) Search(ctx context.Context, q search.Query) (*Response, error) {
	q = q.Normalize()

	start := time.Now()
	g.metrics.SearchStarted()
	defer g.metrics.SearchFinished()

	result, ok := g.cache.GetResult(ctx, q)
	searchType := "cache"
	if ok {
		g.metrics.CacheHit()
	} else {
		searchType = "index"
		var err error
		result, err = g.index.Search(ctx, q)
		if err != nil {
			g.metrics.SearchRequest(metrics.StatusError)
			g.log.ErrorContext(ctx, "search index query failed", zap.Error(err))
			return nil, err
		}
		if err := g.cache.SetResult(ctx, q, result); err != nil {
			// Cache is an optimization; a failed write only costs the next
			// request an index round trip.
			g.log.WarnContext(ctx, "failed to cache search result", zap.Error(err))
		}
	}

	messages, err := g.resolver.GetByIDs(ctx, result.IDs)
	if err != nil {
		g.metrics.SearchRequest(metrics.StatusError)
		return nil, err
	}

	// Canonical lookup does not preserve index order, and IDs deleted inside
	// the consistency window are silently absent. Re-sort for a stable page.
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID > messages[j].ID
		}
		return messages[i].CreatedAt.After(messages[j].CreatedAt)
	})

	g.metrics.SearchRequest(metrics.StatusSuccess)
	g.metrics.ObserveSearchDuration(time.Since(start), searchType)

	return &Response{
		Messages: messages,
		Total:    result.Total,
		HasMore:  result.Total > uint64(q.Page*q.PageSize),
	}, nil
}
