package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhex-ua/RL-GEO/pkg/search"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS google_search_results (
	slug          text        NOT NULL,
	search_terms  text        NOT NULL DEFAULT '',
	total_results text        NOT NULL DEFAULT '0',
	link_title    text        NOT NULL DEFAULT '',
	link          text        NOT NULL DEFAULT '',
	snippet       text        NOT NULL DEFAULT '',
	rank          integer     NOT NULL DEFAULT 0,
	searched_at   timestamptz NOT NULL,
	PRIMARY KEY (slug, rank)
)`

const insertRowSQL = `
INSERT INTO google_search_results
	(slug, search_terms, total_results, link_title, link, snippet, rank, searched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT DO NOTHING`

// PostgresSink persists output rows in a Postgres table. All rows for one
// candidate are written in a single transaction, so a crash can never
// leave a partially persisted candidate. Rank 0 marks a zero-result row.
type PostgresSink struct {
	pool      *pgxpool.Pool
	processed map[string]struct{}
	logger    zerolog.Logger
}

// OpenPostgres connects to the database, ensures the schema, and loads the
// processed-slug set.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	s := &PostgresSink{
		pool:      pool,
		processed: make(map[string]struct{}),
		logger:    log.With().Str("component", "postgres-sink").Logger(),
	}
	if err := s.loadProcessed(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.logger.Info().
		Int("processed", len(s.processed)).
		Msg("Found already processed events")
	return s, nil
}

func (s *PostgresSink) loadProcessed(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT slug FROM google_search_results`)
	if err != nil {
		return fmt.Errorf("load processed slugs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return fmt.Errorf("scan processed slug: %w", err)
		}
		s.processed[slug] = struct{}{}
	}
	return rows.Err()
}

// IsProcessed reports membership in the processed set. O(1).
func (s *PostgresSink) IsProcessed(slug string) bool {
	_, ok := s.processed[slug]
	return ok
}

// ProcessedCount returns the number of processed slugs.
func (s *PostgresSink) ProcessedCount() int {
	return len(s.processed)
}

// Append writes the outcome's rows in one transaction and marks the slug
// processed on commit.
func (s *PostgresSink) Append(ctx context.Context, slug string, out *search.Outcome, ts time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows := rowsFor(slug, out)
	for _, row := range rows {
		_, err := tx.Exec(ctx, insertRowSQL,
			row.Slug, row.SearchTerms, row.TotalResults,
			row.LinkTitle, row.Link, row.Snippet,
			row.Rank, ts.UTC())
		if err != nil {
			return fmt.Errorf("insert row for %s: %w", slug, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rows for %s: %w", slug, err)
	}

	s.processed[slug] = struct{}{}
	rowsWrittenTotal.WithLabelValues("postgres").Add(float64(len(rows)))
	return nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
