package gateway

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatpipe/chatpipe/internal/cache"
	"github.com/chatpipe/chatpipe/internal/metrics"
	"github.com/chatpipe/chatpipe/internal/model"
	"github.com/chatpipe/chatpipe/internal/search"
	"github.com/chatpipe/chatpipe/pkg/logger"
)

// countingIndex wraps the real index and counts queries, so tests can tell a
// cache hit from an index round trip.
type countingIndex struct {
	idx     *search.Index
	queries int
	err     error
}

func (c *countingIndex) Search(ctx context.Context, q search.Query) (*search.Result, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.queries++
	return c.idx.Search(ctx, q)
}

// fakeResolver serves canonical records from a map, deliberately out of order.
type fakeResolver struct {
	messages map[int64]model.Message
	err      error
}

func (f *fakeResolver) GetByIDs(_ context.Context, ids []int64) ([]model.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Message
	// Reverse order on purpose; the gateway must re-sort.
	for i := len(ids) - 1; i >= 0; i-- {
		if m, ok := f.messages[ids[i]]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

type fixture struct {
	gateway  *Gateway
	index    *countingIndex
	store    *cache.Store
	resolver *fakeResolver
	mr       *miniredis.Miniredis
}

func setup(t *testing.T) *fixture {
	t.Helper()

	idx, err := search.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := cache.NewStore(rdb, 5*time.Minute, logger.NewNop())
	counting := &countingIndex{idx: idx}
	resolver := &fakeResolver{messages: map[int64]model.Message{}}

	g := New(store, counting, resolver, metrics.NewCollector(), logger.NewNop())
	return &fixture{gateway: g, index: counting, store: store, resolver: resolver, mr: mr}
}

func (f *fixture) seed(t *testing.T, id int64, content string, authorID int64, createdAt time.Time) {
	t.Helper()
	require.NoError(t, f.index.idx.Upsert(context.Background(), search.Document{
		ID: id, Content: content, AuthorID: authorID, CreatedAt: createdAt,
	}))
	f.resolver.messages[id] = model.Message{
		ID: id, Content: content, AuthorID: authorID, CreatedAt: createdAt, ConversationID: "conv-1",
	}
}

func TestSearch_HelloWorldScenario(t *testing.T) {
	f := setup(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.seed(t, 1, "hello world", 1, base.Add(1*time.Second))
	f.seed(t, 2, "goodbye", 1, base.Add(2*time.Second))
	f.seed(t, 3, "hello again", 2, base.Add(3*time.Second))

	resp, err := f.gateway.Search(context.Background(), search.Query{Text: "hello", Page: 1, PageSize: 10})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), resp.Total)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, int64(3), resp.Messages[0].ID)
	assert.Equal(t, int64(1), resp.Messages[1].ID)
	assert.False(t, resp.HasMore)
}

func TestSearch_SecondIdenticalQueryServedFromCache(t *testing.T) {
	f := setup(t)
	f.seed(t, 1, "hello world", 1, time.Now().UTC())

	q := search.Query{Text: "hello", Page: 1, PageSize: 10}
	_, err := f.gateway.Search(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, 1, f.index.queries)

	// Same query with different surface form.
	resp, err := f.gateway.Search(context.Background(), search.Query{Text: " hello  ", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, f.index.queries, "cache hit must not touch the index")
	assert.Equal(t, uint64(1), resp.Total)
}

func TestSearch_AuthorOnlyQuery(t *testing.T) {
	f := setup(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.seed(t, 1, "first", 5, base.Add(1*time.Second))
	f.seed(t, 2, "second", 6, base.Add(2*time.Second))
	f.seed(t, 3, "third", 5, base.Add(3*time.Second))

	author := int64(5)
	resp, err := f.gateway.Search(context.Background(), search.Query{AuthorID: &author, Page: 1, PageSize: 10})
	require.NoError(t, err)

	require.Len(t, resp.Messages, 2)
	assert.Equal(t, int64(3), resp.Messages[0].ID)
	assert.Equal(t, int64(1), resp.Messages[1].ID)
	for _, m := range resp.Messages {
		assert.Equal(t, int64(5), m.AuthorID)
	}
}

func TestSearch_CanonicalMissIsExcluded(t *testing.T) {
	f := setup(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.seed(t, 1, "hello world", 1, base.Add(1*time.Second))
	f.seed(t, 2, "hello again", 1, base.Add(2*time.Second))

	// Message 2 was deleted canonically; the index lags behind.
	delete(f.resolver.messages, 2)

	resp, err := f.gateway.Search(context.Background(), search.Query{Text: "hello", Page: 1, PageSize: 10})
	require.NoError(t, err)

	require.Len(t, resp.Messages, 1)
	assert.Equal(t, int64(1), resp.Messages[0].ID)
}

func TestSearch_IndexUnavailableSurfacesError(t *testing.T) {
	f := setup(t)
	f.index.err = search.ErrIndexUnavailable

	resp, err := f.gateway.Search(context.Background(), search.Query{Text: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, search.ErrIndexUnavailable)
	assert.Nil(t, resp, "no stale or empty fallback on index failure")
}

func TestSearch_CacheOutageDegradesToIndex(t *testing.T) {
	f := setup(t)
	f.seed(t, 1, "hello world", 1, time.Now().UTC())

	f.mr.Close()

	resp, err := f.gateway.Search(context.Background(), search.Query{Text: "hello", Page: 1, PageSize: 10})
	require.NoError(t, err, "cache failure must not fail the search")
	assert.Equal(t, uint64(1), resp.Total)
}

func TestSearch_HasMorePagination(t *testing.T) {
	f := setup(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 15; i++ {
		f.seed(t, i, "paged message", 1, base.Add(time.Duration(i)*time.Second))
	}

	resp, err := f.gateway.Search(context.Background(), search.Query{Text: "paged", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.True(t, resp.HasMore)
	require.Len(t, resp.Messages, 10)
	assert.Equal(t, int64(15), resp.Messages[0].ID)

	resp, err = f.gateway.Search(context.Background(), search.Query{Text: "paged", Page: 2, PageSize: 10})
	require.NoError(t, err)
	assert.False(t, resp.HasMore)
	require.Len(t, resp.Messages, 5)
	assert.Equal(t, int64(5), resp.Messages[0].ID)
	assert.Equal(t, int64(1), resp.Messages[4].ID)
}
