package search

import (
	"strings"
	"time"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Query holds the normalized parameters of one search request. Text matching
// is fuzzy; the author and date filters are exact. Semantically identical
// queries must normalize to identical values, since the cache key is derived
// from them.
type Query struct {
	Text     string     `json:"text"`
	AuthorID *int64     `json:"author_id,omitempty"`
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

// Normalize returns a canonical copy: trimmed text, clamped pagination and
// UTC timestamps truncated to whole seconds.
func (q Query) Normalize() Query {
	q.Text = strings.TrimSpace(q.Text)
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	if q.DateFrom != nil {
		t := q.DateFrom.UTC().Truncate(time.Second)
		q.DateFrom = &t
	}
	if q.DateTo != nil {
		t := q.DateTo.UTC().Truncate(time.Second)
		q.DateTo = &t
	}
	return q
}

// Offset returns the index offset for the query's page.
func (q Query) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// Result is what the index answers: matching IDs in creation-time descending
// order plus the total number of matches across all pages.
type Result struct {
	IDs   []int64 `json:"ids"`
	Total uint64  `json:"total"`
}
