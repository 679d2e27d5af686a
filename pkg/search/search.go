// Package search provides the secondary full-text index that mirrors
// knowledge nodes. The index is never the system of record: callers re-fetch
// hits from the repository.
package search

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the index backend is refusing traffic.
var ErrUnavailable = errors.New("search index unavailable")

// Document is one indexed record. Fields holds exact-match filter values.
type Document struct {
	ID     string            `json:"id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Tags   []string          `json:"tags"`
	Fields map[string]string `json:"fields"`
}

// Request is a query against one index.
type Request struct {
	Index   string            `json:"index"`
	Query   string            `json:"query"`
	Filters map[string]string `json:"filters,omitempty"` // exact match on Document.Fields
	Tags    []string          `json:"tags,omitempty"`    // document must carry all of them
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

// Hit is a matching document ID with its relevance score.
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Response is one page of hits, best first.
type Response struct {
	Results []Hit `json:"results"`
	Total   int   `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"has_more"`
}

// Index is the capability set a search backend must provide.
type Index interface {
	CreateIndex(ctx context.Context, name string, settings map[string]any) error
	Index(ctx context.Context, name string, doc Document) error
	Remove(ctx context.Context, name, id string) error
	Search(ctx context.Context, req Request) (*Response, error)
}

const (
	defaultLimit = 20
	maxLimit     = 100
)

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
