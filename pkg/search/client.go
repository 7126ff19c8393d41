// Package search provides the paged Custom Search API client with key
// rotation on quota errors and bounded transport retries.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/zhex-ua/RL-GEO/pkg/credentials"
)

// Upstream constraints: fixed page size, hard result cap.
const (
	PageSize      = 10
	MaxResultsCap = 100
)

// Prometheus metrics for search API operations.
var (
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_search_api_requests_total",
		Help: "Total search API requests by status",
	}, []string{"status"})

	apiRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "event_search_api_request_duration_seconds",
		Help:    "Search API request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	apiRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_search_api_retries_total",
		Help: "Total retry attempts by error class",
	}, []string{"error_class"})

	pagesAbandonedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "event_search_pages_abandoned_total",
		Help: "Total pages abandoned after exhausting transport retries",
	})
)

// Item is one search result with its extracted fields.
type Item struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Outcome is the aggregated result of one logical search. Items are in
// upstream page order; a partial outcome (truncated by retry exhaustion)
// is valid and carries no error.
type Outcome struct {
	SearchTerms  string
	TotalResults string
	Items        []Item
}

// apiResponse mirrors the upstream JSON shape, best effort. Missing fields
// decode to zero values.
type apiResponse struct {
	Queries struct {
		Request []struct {
			SearchTerms  string `json:"searchTerms"`
			TotalResults string `json:"totalResults"`
		} `json:"request"`
	} `json:"queries"`
	Items []Item `json:"items"`
}

// Config holds the search client configuration.
type Config struct {
	// BaseURL is the search API endpoint.
	BaseURL string

	// EngineID is the search-scope identifier (cx parameter). Required.
	EngineID string

	// HTTPTimeout is the per-request network timeout.
	HTTPTimeout time.Duration

	// PageDelay paces consecutive page requests.
	PageDelay time.Duration

	// QuotaBackoff is the wait after rotating keys on a quota error.
	QuotaBackoff time.Duration

	// RetryBackoff is the wait between transport retry attempts.
	RetryBackoff time.Duration
}

// DefaultConfig returns a safe default configuration for the given engine ID.
func DefaultConfig(engineID string) Config {
	return Config{
		BaseURL:      "https://www.googleapis.com/customsearch/v1",
		EngineID:     engineID,
		HTTPTimeout:  10 * time.Second,
		PageDelay:    500 * time.Millisecond,
		QuotaBackoff: 1 * time.Second,
		RetryBackoff: 2 * time.Second,
	}
}

// Client performs paged searches against the upstream API. It owns the
// credential pool and rotates keys on quota errors.
type Client struct {
	httpClient *http.Client
	pool       *credentials.Pool
	config     Config
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// New creates a new search client.
func New(cfg Config, pool *credentials.Pool) (*Client, error) {
	if pool == nil {
		return nil, fmt.Errorf("credential pool is required")
	}
	if cfg.EngineID == "" {
		return nil, fmt.Errorf("engine ID is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		pool:    pool,
		config:  cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.PageDelay), 1),
		logger:  log.With().Str("component", "search-client").Logger(),
	}, nil
}

// Search performs one logical search for query, returning up to maxResults
// items across multiple pages. maxResults should be a multiple of PageSize;
// a remainder silently truncates to whole pages.
//
// Quota responses rotate the key and retry the same page without limit.
// Transport and server errors retry the same page with the same key, up to
// pool-size attempts; exhaustion abandons the remaining pages and returns
// whatever was collected. The only returned error is context cancellation.
func (c *Client) Search(ctx context.Context, query string, maxResults int) (*Outcome, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if maxResults <= 0 {
		return nil, fmt.Errorf("max results must be positive (got %d)", maxResults)
	}

	out := &Outcome{
		SearchTerms:  query,
		TotalResults: "0",
	}

	numPages := maxResults / PageSize
	for page := 0; page < numPages; page++ {
		// Between-page pacing; the first page passes immediately.
		if err := c.limiter.Wait(ctx); err != nil {
			return out, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}

		start := page*PageSize + 1

		resp, err := c.fetchPage(ctx, query, start)
		if err != nil {
			if errors.Is(err, ErrContextCancelled) {
				return out, err
			}
			// Transport retries exhausted: return what was collected.
			pagesAbandonedTotal.Inc()
			c.logger.Warn().
				Str("query", query).
				Int("start", start).
				Int("collected", len(out.Items)).
				Msg("Abandoning remaining pages after retry exhaustion")
			return out, nil
		}

		// Query metadata comes from the first page only.
		if page == 0 && len(resp.Queries.Request) > 0 {
			if resp.Queries.Request[0].SearchTerms != "" {
				out.SearchTerms = resp.Queries.Request[0].SearchTerms
			}
			if resp.Queries.Request[0].TotalResults != "" {
				out.TotalResults = resp.Queries.Request[0].TotalResults
			}
		}

		out.Items = append(out.Items, resp.Items...)

		// A short page means the upstream result set is exhausted.
		if len(resp.Items) < PageSize {
			break
		}
	}

	return out, nil
}

// fetchPage requests a single page, handling quota rotation and bounded
// transport retries. Returns ErrContextCancelled on cancellation, or a
// plain error once pool-size transport attempts are exhausted.
func (c *Client) fetchPage(ctx context.Context, query string, start int) (*apiResponse, error) {
	attempts := 0
	for attempts < c.pool.Size() {
		resp, err := c.doRequest(ctx, query, start)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.ErrorClass == ErrorClassQuota {
			// Quota errors rotate the key and do not consume a transport
			// attempt; rotation wraps around the pool indefinitely.
			c.logger.Warn().
				Int("status", apiErr.StatusCode).
				Int("start", start).
				Int("key_index", c.pool.Index()+1).
				Msg("Quota exhausted, rotating API key")
			c.pool.Rotate()
			apiRetriesTotal.WithLabelValues(string(ErrorClassQuota)).Inc()
			if serr := c.sleep(ctx, c.config.QuotaBackoff); serr != nil {
				return nil, serr
			}
			continue
		}

		attempts++
		class := ErrorClassNetwork
		if apiErr != nil {
			class = apiErr.ErrorClass
		}
		c.logger.Error().
			Err(err).
			Str("error_class", string(class)).
			Int("start", start).
			Int("attempt", attempts).
			Int("max_attempts", c.pool.Size()).
			Msg("Search request failed")

		if attempts >= c.pool.Size() {
			break
		}
		apiRetriesTotal.WithLabelValues(string(class)).Inc()
		if serr := c.sleep(ctx, c.config.RetryBackoff); serr != nil {
			return nil, serr
		}
	}

	return nil, fmt.Errorf("page at start %d: %d attempts exhausted", start, c.pool.Size())
}

// doRequest executes one page request with the current key and decodes the
// response. Records key use on success.
func (c *Client) doRequest(ctx context.Context, query string, start int) (*apiResponse, error) {
	key := c.pool.Current()

	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("key", key)
	q.Set("cx", c.config.EngineID)
	q.Set("q", query)
	q.Set("num", strconv.Itoa(PageSize))
	q.Set("start", strconv.Itoa(start))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	apiRequestDuration.Observe(time.Since(startTime).Seconds())

	if err != nil {
		apiRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, &APIError{
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		}
	}
	defer resp.Body.Close()

	apiRequestsTotal.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if class := classifyStatus(resp.StatusCode); class != "" {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Message:    resp.Status,
		}
	}

	var data apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "decode response",
			Err:        err,
		}
	}

	c.pool.RecordUse(key)
	return &data, nil
}

// sleep waits for d with context cancellation support.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
	case <-time.After(d):
		return nil
	}
}
