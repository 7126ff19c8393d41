// Package scraper drives the candidate worklist through the search client
// and the sink, one candidate at a time.
package scraper

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhex-ua/RL-GEO/pkg/catalog"
	"github.com/zhex-ua/RL-GEO/pkg/credentials"
	"github.com/zhex-ua/RL-GEO/pkg/search"
	"github.com/zhex-ua/RL-GEO/pkg/sink"
)

// Prometheus metrics for candidate processing.
var (
	candidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_search_candidates_total",
		Help: "Total candidates by outcome",
	}, []string{"result"})

	candidateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "event_search_candidate_duration_seconds",
		Help:    "Time spent per candidate including all pages and retries",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})
)

// progressEvery controls how often a progress line is emitted.
const progressEvery = 25

// Stats summarizes one run.
type Stats struct {
	Succeeded int
	Failed    int
	Skipped   int
	Total     int
}

// Runner orchestrates the scrape end to end.
type Runner struct {
	client     *search.Client
	sink       sink.Sink
	pool       *credentials.Pool
	maxResults int
	logger     zerolog.Logger
}

// New creates a runner. maxResults is the per-candidate result cap.
func New(client *search.Client, s sink.Sink, pool *credentials.Pool, maxResults int) *Runner {
	return &Runner{
		client:     client,
		sink:       s,
		pool:       pool,
		maxResults: maxResults,
		logger:     log.With().Str("component", "scraper").Logger(),
	}
}

// Run processes every candidate not yet in the sink's processed set, in
// candidate order. Per-candidate failures are logged and counted without
// stopping the run. Cancellation is observed between candidates; the
// in-flight candidate finishes (or exhausts its own retries) first.
func (r *Runner) Run(ctx context.Context, candidates []catalog.Candidate) Stats {
	var toProcess []catalog.Candidate
	for _, cand := range candidates {
		if !r.sink.IsProcessed(cand.Slug) {
			toProcess = append(toProcess, cand)
		}
	}

	stats := Stats{
		Skipped: len(candidates) - len(toProcess),
		Total:   len(candidates),
	}
	candidatesTotal.WithLabelValues("skipped").Add(float64(stats.Skipped))

	r.logger.Info().
		Int("to_search", len(toProcess)).
		Int("skipped", stats.Skipped).
		Msg("Starting event search run")

	if len(toProcess) == 0 {
		r.logger.Info().Msg("No new events to search")
		return stats
	}

	for i, cand := range toProcess {
		if ctx.Err() != nil {
			r.logger.Info().
				Int("remaining", len(toProcess)-i).
				Msg("Cancellation requested, stopping after completed candidates")
			break
		}

		startTime := time.Now()
		ok := r.processOne(ctx, cand)
		candidateDuration.Observe(time.Since(startTime).Seconds())

		if ok {
			stats.Succeeded++
			candidatesTotal.WithLabelValues("succeeded").Inc()
		} else {
			// A cancellation observed mid-candidate is not a failure; the
			// candidate stays unprocessed and the loop exits above.
			if ctx.Err() != nil {
				continue
			}
			stats.Failed++
			candidatesTotal.WithLabelValues("failed").Inc()
		}

		if (i+1)%progressEvery == 0 || i+1 == len(toProcess) {
			r.logger.Info().
				Int("done", i+1).
				Int("total", len(toProcess)).
				Int("success", stats.Succeeded).
				Int("errors", stats.Failed).
				Int("key_index", r.pool.Index()+1).
				Int("pool_size", r.pool.Size()).
				Msg("Search progress")
		}
	}

	r.logSummary(stats)
	return stats
}

// processOne searches and persists a single candidate. Returns false on
// failure or when cancelled mid-flight.
func (r *Runner) processOne(ctx context.Context, cand catalog.Candidate) bool {
	out, err := r.client.Search(ctx, cand.Title, r.maxResults)
	if err != nil {
		if errors.Is(err, search.ErrContextCancelled) {
			return false
		}
		r.logger.Error().
			Err(err).
			Str("slug", cand.Slug).
			Msg("Error searching event")
		return false
	}

	if err := r.sink.Append(ctx, cand.Slug, out, time.Now().UTC()); err != nil {
		r.logger.Error().
			Err(err).
			Str("slug", cand.Slug).
			Msg("Error persisting event results")
		return false
	}

	r.logger.Info().
		Str("slug", cand.Slug).
		Int("results", len(out.Items)).
		Str("total_results", out.TotalResults).
		Msg("Successfully searched event")
	return true
}

// logSummary emits the final counts and per-key usage.
func (r *Runner) logSummary(stats Stats) {
	r.logger.Info().
		Int("success", stats.Succeeded).
		Int("errors", stats.Failed).
		Int("skipped", stats.Skipped).
		Int("total", stats.Total).
		Msg("Run completed")

	for i, uses := range r.pool.Usage() {
		r.logger.Info().
			Int("key_index", i+1).
			Int("queries", uses).
			Msg("API key usage")
	}
}
