package azdo

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strconv"

	"github.com/libops/sweep/internal/engine"
)

// continuationHeader carries the cursor on listings that do not return it in
// the body.
const continuationHeader = "X-Ms-Continuationtoken"

// listEnvelope is the standard collection wrapper.
type listEnvelope struct {
	Count             int               `json:"count"`
	Value             []json.RawMessage `json:"value"`
	ContinuationToken string            `json:"continuationToken"`
}

func (c *Client) list(ctx context.Context, endpoint string, query url.Values) (listEnvelope, http.Header, error) {
	resp, err := c.Do(ctx, &Request{Method: http.MethodGet, Path: endpoint, Query: query})
	if err != nil {
		return listEnvelope{}, nil, err
	}
	var env listEnvelope
	if err := resp.JSON(&env); err != nil {
		return listEnvelope{}, nil, fmt.Errorf("decode %s listing: %w", endpoint, err)
	}
	return env, resp.Header, nil
}

// FetchPage implements engine.PageFetcher for continuation-token listings.
// The next cursor is read from the body, falling back to the
// x-ms-continuationtoken header.
func (c *Client) FetchPage(ctx context.Context, req engine.PageRequest) (engine.Page, error) {
	query := maps.Clone(req.Query)
	if query == nil {
		query = url.Values{}
	}
	if req.Cursor != "" {
		query.Set("continuationToken", req.Cursor)
	}

	env, header, err := c.list(ctx, req.Endpoint, query)
	if err != nil {
		return engine.Page{}, err
	}
	next := env.ContinuationToken
	if next == "" {
		next = header.Get(continuationHeader)
	}
	return engine.Page{Items: env.Value, Next: next}, nil
}

// DefaultPageSize is the $top used by OffsetFetcher.
const DefaultPageSize = 100

// OffsetFetcher implements engine.PageFetcher for $top/$skip listings. The
// cursor is the next $skip; a short page ends the listing.
type OffsetFetcher struct {
	Client   *Client
	PageSize int
}

// FetchPage implements engine.PageFetcher.
func (f *OffsetFetcher) FetchPage(ctx context.Context, req engine.PageRequest) (engine.Page, error) {
	size := f.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	skip := 0
	if req.Cursor != "" {
		var err error
		if skip, err = strconv.Atoi(req.Cursor); err != nil {
			return engine.Page{}, fmt.Errorf("invalid offset cursor %q: %w", req.Cursor, err)
		}
	}

	query := maps.Clone(req.Query)
	if query == nil {
		query = url.Values{}
	}
	query.Set("$top", strconv.Itoa(size))
	query.Set("$skip", strconv.Itoa(skip))

	env, _, err := f.Client.list(ctx, req.Endpoint, query)
	if err != nil {
		return engine.Page{}, err
	}
	page := engine.Page{Items: env.Value}
	if len(env.Value) >= size {
		page.Next = strconv.Itoa(skip + len(env.Value))
	}
	return page, nil
}
