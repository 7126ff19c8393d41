// Package testutil provides testing utilities for the event search scraper.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// MockItem is one search result item in a mock response.
type MockItem struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// MockSearchAPI is a configurable mock Custom Search server for testing.
// The default handler serves pages from a per-query item list, honoring the
// num/start parameters like the real API.
type MockSearchAPI struct {
	server *httptest.Server
	mu     sync.Mutex

	results map[string][]MockItem
	totals  map[string]string
	handler http.HandlerFunc

	// Tracking
	RequestCount int
	StartsSeen   []int
	KeysSeen     []string
}

// NewMockSearchAPI creates a new mock search server.
func NewMockSearchAPI() *MockSearchAPI {
	mock := &MockSearchAPI{
		results: make(map[string][]MockItem),
		totals:  make(map[string]string),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		if start, err := strconv.Atoi(r.URL.Query().Get("start")); err == nil {
			mock.StartsSeen = append(mock.StartsSeen, start)
		}
		mock.KeysSeen = append(mock.KeysSeen, r.URL.Query().Get("key"))
		handler := mock.handler
		mock.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockSearchAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockSearchAPI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockSearchAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.StartsSeen = nil
	m.KeysSeen = nil
}

// SetHandler overrides the default paging handler.
func (m *MockSearchAPI) SetHandler(handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// SetResults configures the full result set served for a query. The default
// handler slices it into pages of the requested size.
func (m *MockSearchAPI) SetResults(query string, total string, items []MockItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[query] = items
	m.totals[query] = total
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSearchAPI) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// GetStartsSeen returns the start offsets requested, in order.
func (m *MockSearchAPI) GetStartsSeen() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.StartsSeen))
	copy(out, m.StartsSeen)
	return out
}

// GetKeysSeen returns the key parameters observed, in request order.
func (m *MockSearchAPI) GetKeysSeen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.KeysSeen))
	copy(out, m.KeysSeen)
	return out
}

// defaultHandler serves one page of the configured result set.
func (m *MockSearchAPI) defaultHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	start, _ := strconv.Atoi(r.URL.Query().Get("start"))
	num, _ := strconv.Atoi(r.URL.Query().Get("num"))
	if start < 1 {
		start = 1
	}
	if num < 1 {
		num = 10
	}

	m.mu.Lock()
	all := m.results[query]
	total, ok := m.totals[query]
	m.mu.Unlock()

	if !ok {
		total = strconv.Itoa(len(all))
	}

	lo := start - 1
	hi := lo + num
	if lo > len(all) {
		lo = len(all)
	}
	if hi > len(all) {
		hi = len(all)
	}

	WritePage(w, query, total, all[lo:hi])
}

// WritePage writes a well-formed search API page response.
func WritePage(w http.ResponseWriter, searchTerms, totalResults string, items []MockItem) {
	body := map[string]any{
		"queries": map[string]any{
			"request": []map[string]any{
				{"searchTerms": searchTerms, "totalResults": totalResults},
			},
		},
	}
	if len(items) > 0 {
		body["items"] = items
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteQuotaError writes a 429 quota-exhausted response.
func WriteQuotaError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprint(w, `{"error": {"code": 429, "message": "Quota exceeded"}}`)
}

// WriteServerError writes a 500 response.
func WriteServerError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprint(w, `{"error": {"code": 500, "message": "Internal error"}}`)
}

// Items generates n sequential mock items starting at 1-based offset.
func Items(offset, n int) []MockItem {
	items := make([]MockItem, n)
	for i := 0; i < n; i++ {
		rank := offset + i
		items[i] = MockItem{
			Title:   fmt.Sprintf("Result %d", rank),
			Link:    fmt.Sprintf("https://example.com/%d", rank),
			Snippet: fmt.Sprintf("Snippet %d", rank),
		}
	}
	return items
}
