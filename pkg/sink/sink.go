// Package sink provides resumable, append-only persistence of search
// outcomes. The CSV sink is the primary backend; a Redis processed-slug
// index and a Postgres sink are optional alternatives for large runs.
package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhex-ua/RL-GEO/pkg/search"
)

// Prometheus metrics for sink operations.
var (
	rowsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_search_rows_written_total",
		Help: "Total output rows written by backend",
	}, []string{"backend"})
)

// Columns is the fixed output schema, in order.
var Columns = []string{
	"slug",
	"searchTerms",
	"totalResults",
	"linkTitle",
	"link",
	"snippet",
	"rank",
	"timestamp",
}

// TimeFormat is the persisted UTC timestamp layout.
const TimeFormat = "2006-01-02 15:04"

// Sink persists search outcomes and tracks which slugs are already done.
type Sink interface {
	// IsProcessed reports whether at least one row for slug has been
	// durably written, now or in a prior run.
	IsProcessed(slug string) bool

	// Append durably writes one row per item of the outcome, or exactly
	// one row with empty item fields when the outcome has no items. The
	// slug is marked processed only after a successful write.
	Append(ctx context.Context, slug string, out *search.Outcome, ts time.Time) error

	// ProcessedCount returns the number of processed slugs.
	ProcessedCount() int

	Close() error
}

// outputRow is one persisted row; Rank 0 marks a zero-result outcome.
type outputRow struct {
	Slug         string
	SearchTerms  string
	TotalResults string
	LinkTitle    string
	Link         string
	Snippet      string
	Rank         int
}

// rowsFor expands an outcome into output rows with 1-based ranks.
func rowsFor(slug string, out *search.Outcome) []outputRow {
	if len(out.Items) == 0 {
		return []outputRow{{
			Slug:         slug,
			SearchTerms:  out.SearchTerms,
			TotalResults: out.TotalResults,
		}}
	}

	rows := make([]outputRow, 0, len(out.Items))
	for i, item := range out.Items {
		rows = append(rows, outputRow{
			Slug:         slug,
			SearchTerms:  out.SearchTerms,
			TotalResults: out.TotalResults,
			LinkTitle:    item.Title,
			Link:         item.Link,
			Snippet:      item.Snippet,
			Rank:         i + 1,
		})
	}
	return rows
}

// CSVSink appends output rows to a CSV file and keeps the processed-slug
// set in memory. An optional Redis index mirrors the set so a resume can
// skip rescanning a large file.
type CSVSink struct {
	path      string
	processed map[string]struct{}
	index     *RedisIndex
	logger    zerolog.Logger
}

// OpenCSV opens or creates the output file and builds the processed set.
// A fresh file is seeded with the header row. When idx is non-nil and
// already populated, it seeds the set instead of a full file scan; in
// either case the index is kept in sync from then on.
func OpenCSV(ctx context.Context, path string, idx *RedisIndex) (*CSVSink, error) {
	s := &CSVSink{
		path:      path,
		processed: make(map[string]struct{}),
		index:     idx,
		logger:    log.With().Str("component", "csv-sink").Logger(),
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.writeHeader(); err != nil {
			return nil, err
		}
		s.logger.Info().Str("path", path).Msg("Created new output file")
		return s, nil
	} else if err != nil {
		return nil, fmt.Errorf("stat output file: %w", err)
	}

	if idx != nil {
		n, err := idx.Len(ctx)
		if err != nil {
			return nil, fmt.Errorf("check processed index: %w", err)
		}
		if n > 0 {
			slugs, err := idx.Members(ctx)
			if err != nil {
				return nil, fmt.Errorf("load processed index: %w", err)
			}
			for _, slug := range slugs {
				s.processed[slug] = struct{}{}
			}
			s.logger.Info().
				Int("processed", len(s.processed)).
				Msg("Seeded processed set from Redis index")
			return s, nil
		}
	}

	if err := s.scan(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// scan is the single bulk read of prior output: it collects every slug
// already present and backfills the Redis index when one is configured.
func (s *CSVSink) scan(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("scan output file: %w", err)
	}

	for i, rec := range records {
		if i == 0 || len(rec) == 0 || rec[0] == "" {
			continue
		}
		s.processed[rec[0]] = struct{}{}
	}

	if s.index != nil {
		for slug := range s.processed {
			if err := s.index.Add(ctx, slug); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to backfill processed index")
				break
			}
		}
	}

	s.logger.Info().
		Int("processed", len(s.processed)).
		Msg("Found already processed events")
	return nil
}

func (s *CSVSink) writeHeader() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush header: %w", err)
	}
	return f.Sync()
}

// IsProcessed reports membership in the processed set. O(1).
func (s *CSVSink) IsProcessed(slug string) bool {
	_, ok := s.processed[slug]
	return ok
}

// ProcessedCount returns the number of processed slugs.
func (s *CSVSink) ProcessedCount() int {
	return len(s.processed)
}

// Append writes the outcome's rows in one buffered flush followed by a
// single fsync, then marks the slug processed. All rows for a candidate
// go through one csv.Writer flush, which narrows (but does not close) the
// window where a crash persists only part of a multi-row outcome; the
// Postgres sink closes it with a per-candidate transaction.
func (s *CSVSink) Append(ctx context.Context, slug string, out *search.Outcome, ts time.Time) error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open output file for append: %w", err)
	}
	defer f.Close()

	stamp := ts.UTC().Format(TimeFormat)
	w := csv.NewWriter(f)
	rows := rowsFor(slug, out)
	for _, row := range rows {
		rank := ""
		if row.Rank > 0 {
			rank = strconv.Itoa(row.Rank)
		}
		record := []string{
			row.Slug,
			row.SearchTerms,
			row.TotalResults,
			row.LinkTitle,
			row.Link,
			row.Snippet,
			rank,
			stamp,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write output row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush output rows: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync output file: %w", err)
	}

	s.processed[slug] = struct{}{}
	rowsWrittenTotal.WithLabelValues("csv").Add(float64(len(rows)))

	if s.index != nil {
		if err := s.index.Add(ctx, slug); err != nil {
			// The CSV file remains the source of truth; a stale index is
			// rebuilt by the next full scan.
			s.logger.Warn().Err(err).Str("slug", slug).Msg("Failed to update processed index")
		}
	}

	return nil
}

// Close releases resources. The CSV sink holds no open handles between
// appends.
func (s *CSVSink) Close() error {
	return nil
}
