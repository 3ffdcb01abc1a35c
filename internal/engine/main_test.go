package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTree serves paged listings keyed by endpoint. Cursors are page indexes.
type fakeTree struct {
	mu    sync.Mutex
	pages map[string][]Page
	errs  map[string]error
	calls []PageRequest
}

func newFakeTree() *fakeTree {
	return &fakeTree{pages: map[string][]Page{}, errs: map[string]error{}}
}

func (f *fakeTree) FetchPage(_ context.Context, req PageRequest) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if err := f.errs[req.Endpoint]; err != nil {
		return Page{}, err
	}
	idx := 0
	if req.Cursor != "" {
		idx, _ = strconv.Atoi(req.Cursor)
	}
	pages := f.pages[req.Endpoint]
	if idx >= len(pages) {
		return Page{}, nil
	}
	return pages[idx], nil
}

func (f *fakeTree) callCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Endpoint == endpoint {
			n++
		}
	}
	return n
}

// set splits records into pages of size and registers them under endpoint.
func (f *fakeTree) set(endpoint string, size int, records ...string) {
	var pages []Page
	for start := 0; start < len(records) || start == 0; start += size {
		end := min(start+size, len(records))
		var items []json.RawMessage
		for _, r := range records[start:end] {
			items = append(items, json.RawMessage(r))
		}
		pages = append(pages, Page{Items: items})
		if end >= len(records) {
			break
		}
	}
	for i := range pages[:len(pages)-1] {
		pages[i].Next = strconv.Itoa(i + 1)
	}
	f.pages[endpoint] = pages
}

func record(id, name string) string {
	return fmt.Sprintf(`{"id":%q,"name":%q}`, id, name)
}

// statusErr mimics a transport error carrying an HTTP status.
type statusErr struct {
	code int
	body string
}

func (e *statusErr) Error() string { return "status " + strconv.Itoa(e.code) }
func (e *statusErr) HTTPStatus() int { return e.code }
func (e *statusErr) ResponseBody() string { return e.body }
