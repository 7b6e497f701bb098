package search

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/blugelabs/bluge"
)

// ErrIndexUnavailable is returned when the index cannot answer a query.
// The read path surfaces it as a failed search; it never falls back to stale
// or empty results.
var ErrIndexUnavailable = errors.New("search index unavailable")

// Document is the denormalized projection of one message held in the index.
// It is always derived from the canonical record and can be rebuilt at any
// time.
type Document struct {
	ID        int64
	Content   string
	AuthorID  int64
	CreatedAt time.Time
}

// Index is a bluge-backed inverted index over message documents. Writes come
// only from the indexer consumer; the search gateway reads concurrently.
type Index struct {
	mu     sync.Mutex
	writer *bluge.Writer
}

// Open opens (or creates) an on-disk index at path.
func Open(path string) (*Index, error) {
	writer, err := bluge.OpenWriter(bluge.DefaultConfig(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open bluge writer: %w", err)
	}
	return &Index{writer: writer}, nil
}

// OpenInMemory opens an index that lives only in memory. Used in tests.
func OpenInMemory() (*Index, error) {
	writer, err := bluge.OpenWriter(bluge.InMemoryOnlyConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open bluge writer: %w", err)
	}
	return &Index{writer: writer}, nil
}

// Close releases the underlying writer.
func (i *Index) Close() error {
	return i.writer.Close()
}

// Upsert indexes a document by message ID, replacing any previous version.
// Re-indexing identical content is a no-op in effect, which is what makes
// at-least-once delivery safe upstream.
func (i *Index) Upsert(_ context.Context, doc Document) error {
	id := strconv.FormatInt(doc.ID, 10)
	d := bluge.NewDocument(id).
		AddField(bluge.NewTextField("content", doc.Content).StoreValue()).
		AddField(bluge.NewNumericField("author_id", float64(doc.AuthorID))).
		AddField(bluge.NewDateTimeField("created_at", doc.CreatedAt).Sortable())

	if err := i.writer.Update(d.ID(), d); err != nil {
		return fmt.Errorf("failed to index message %d: %w", doc.ID, err)
	}
	return nil
}

// Delete removes a document by message ID. Deleting an absent document is a
// no-op, not an error.
func (i *Index) Delete(_ context.Context, id int64) error {
	if err := i.writer.Delete(bluge.Identifier(strconv.FormatInt(id, 10))); err != nil {
		return fmt.Errorf("failed to delete message %d from index: %w", id, err)
	}
	return nil
}

// Search runs the boolean query composition: fuzzy full-text match on content,
// AND-ed with the optional author filter and inclusive date range. Results are
// sorted by creation time descending and paginated by offset/limit.
func (i *Index) Search(ctx context.Context, q Query) (*Result, error) {
	reader, err := i.writer.Reader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	defer reader.Close()

	query := bluge.NewBooleanQuery()

	if q.Text != "" {
		match := bluge.NewMatchQuery(q.Text).SetField("content")
		// Tolerate minor typos.
		match.SetFuzziness(1)
		query.AddMust(match)
	} else {
		query.AddMust(bluge.NewMatchAllQuery())
	}

	if q.AuthorID != nil {
		author := float64(*q.AuthorID)
		query.AddMust(bluge.NewNumericRangeInclusiveQuery(author, author, true, true).SetField("author_id"))
	}

	if q.DateFrom != nil || q.DateTo != nil {
		from, to := time.Time{}, time.Time{}
		if q.DateFrom != nil {
			from = *q.DateFrom
		}
		if q.DateTo != nil {
			to = *q.DateTo
		}
		query.AddMust(bluge.NewDateRangeInclusiveQuery(from, to, true, true).SetField("created_at"))
	}

	req := bluge.NewTopNSearch(q.PageSize, query).
		SetFrom(q.Offset()).
		SortBy([]string{"-created_at"}).
		WithStandardAggregations()

	iter, err := reader.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	result := &Result{}
	for {
		match, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
		}
		if match == nil {
			break
		}

		var id int64
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			if field == "_id" {
				id, _ = strconv.ParseInt(string(value), 10, 64)
				return false
			}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
		}
		if id != 0 {
			result.IDs = append(result.IDs, id)
		}
	}
	result.Total = iter.Aggregations().Count()

	return result, nil
}
