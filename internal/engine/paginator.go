package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"maps"
	"net/url"
)

// PageRequest asks for one page of a listing endpoint.
// An empty Cursor requests the first page.
type PageRequest struct {
	Endpoint string
	Query    url.Values
	Cursor   string
}

// Page is one page of raw records. An empty Next is the only termination
// signal; an empty Items with a non-empty Next must still be followed.
type Page struct {
	Items []json.RawMessage
	Next  string
}

// PageFetcher performs a single page request.
type PageFetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc func(ctx context.Context, req PageRequest) (Page, error)

// FetchPage calls f.
func (f PageFetcherFunc) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	return f(ctx, req)
}

var (
	errCursorStalled = errors.New("continuation cursor did not advance")
	errPageRepeated  = errors.New("page repeats the previous page")
)

// Paginator turns a paged endpoint into a lazy sequence of records.
type Paginator struct {
	fetcher PageFetcher
	gate    *Gate
}

// NewPaginator returns a Paginator that issues every page fetch through gate.
// A nil gate leaves fetches unbounded.
func NewPaginator(fetcher PageFetcher, gate *Gate) *Paginator {
	return &Paginator{fetcher: fetcher, gate: gate}
}

// Stream yields every record of endpoint in server order. Pages are fetched
// on demand, one permit per fetch; the permit is released before the page's
// records are yielded. A failed fetch yields a single *FetchError and ends
// the sequence, as does a page whose records repeat the previous page, which
// is what a server that ignores the paging parameters returns. The sequence holds no state between calls, so ranging over it
// again starts from the first page.
func (p *Paginator) Stream(ctx context.Context, endpoint string, query url.Values) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		cursor := ""
		pages := 0
		var prev []json.RawMessage
		for {
			req := PageRequest{Endpoint: endpoint, Query: maps.Clone(query), Cursor: cursor}
			var page Page
			err := p.gate.do(ctx, func(ctx context.Context) error {
				var err error
				page, err = p.fetcher.FetchPage(ctx, req)
				return err
			})
			if err != nil {
				fe := asFetchError(endpoint, err)
				slog.WarnContext(ctx, "page fetch failed",
					"endpoint", endpoint,
					"page", pages,
					"status", fe.Status,
					"err", err)
				yield(nil, fe)
				return
			}
			pages++

			if samePage(prev, page.Items) {
				slog.WarnContext(ctx, "page repeated, stopping", "endpoint", endpoint, "page", pages)
				yield(nil, &FetchError{Endpoint: endpoint, Err: errPageRepeated})
				return
			}
			prev = page.Items

			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
			}

			if page.Next == "" {
				slog.DebugContext(ctx, "pagination complete", "endpoint", endpoint, "pages", pages)
				return
			}
			if page.Next == cursor {
				yield(nil, &FetchError{Endpoint: endpoint, Err: errCursorStalled})
				return
			}
			cursor = page.Next
		}
	}
}

// samePage reports whether two non-empty pages hold the same records.
func samePage(a, b []json.RawMessage) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
