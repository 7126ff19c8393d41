//go:build integration

package sink

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/zhex-ua/RL-GEO/pkg/search"
)

// setupPostgresContainer starts a Postgres container and returns its DSN.
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "scraper",
			"POSTGRES_PASSWORD": "scraper",
			"POSTGRES_DB":       "events",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}

	endpoint, err := pgContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Postgres endpoint: %v", err)
	}

	dsn := fmt.Sprintf("postgres://scraper:scraper@%s/events", endpoint)

	cleanup := func() {
		pgContainer.Terminate(ctx)
	}
	return dsn, cleanup
}

// countRows queries the results table directly, outside the sink.
func countRows(t *testing.T, ctx context.Context, dsn, slug string) int {
	t.Helper()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect for verification: %v", err)
	}
	defer pool.Close()

	var n int
	err = pool.QueryRow(ctx,
		`SELECT count(*) FROM google_search_results WHERE slug = $1`, slug).Scan(&n)
	if err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestPostgresSink_Integration_AppendOneRowPerItem(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres() error = %v", err)
	}
	defer s.Close()

	out := &search.Outcome{
		SearchTerms:  "event a",
		TotalResults: "3",
		Items: []search.Item{
			{Title: "First", Link: "https://a", Snippet: "s1"},
			{Title: "Second", Link: "https://b", Snippet: "s2"},
			{Title: "Third", Link: "https://c", Snippet: "s3"},
		},
	}
	if err := s.Append(ctx, "evt-a", out, time.Now()); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if n := countRows(t, ctx, dsn, "evt-a"); n != 3 {
		t.Errorf("rows for evt-a = %d, want 3", n)
	}
	if !s.IsProcessed("evt-a") {
		t.Error("IsProcessed(evt-a) = false after Append")
	}

	// Re-appending the same slug hits the primary key and inserts nothing.
	if err := s.Append(ctx, "evt-a", out, time.Now()); err != nil {
		t.Fatalf("Append() repeat error = %v", err)
	}
	if n := countRows(t, ctx, dsn, "evt-a"); n != 3 {
		t.Errorf("rows for evt-a after repeat = %d, want 3", n)
	}
}

func TestPostgresSink_Integration_ZeroResultRow(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres() error = %v", err)
	}
	defer s.Close()

	out := &search.Outcome{SearchTerms: "nothing here", TotalResults: "0"}
	if err := s.Append(ctx, "evt-empty", out, time.Now()); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if n := countRows(t, ctx, dsn, "evt-empty"); n != 1 {
		t.Fatalf("rows for evt-empty = %d, want exactly 1", n)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect for verification: %v", err)
	}
	defer pool.Close()

	var rank int
	var linkTitle string
	err = pool.QueryRow(ctx,
		`SELECT rank, link_title FROM google_search_results WHERE slug = $1`,
		"evt-empty").Scan(&rank, &linkTitle)
	if err != nil {
		t.Fatalf("query zero-result row: %v", err)
	}
	if rank != 0 {
		t.Errorf("rank = %d, want 0 for a zero-result row", rank)
	}
	if linkTitle != "" {
		t.Errorf("link_title = %q, want empty", linkTitle)
	}
}

func TestPostgresSink_Integration_ResumeLoadsProcessed(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	ctx := context.Background()

	s1, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres() error = %v", err)
	}
	out := &search.Outcome{
		SearchTerms:  "q",
		TotalResults: "1",
		Items:        []search.Item{{Title: "t", Link: "l", Snippet: "s"}},
	}
	for _, slug := range []string{"evt-a", "evt-b"} {
		if err := s1.Append(ctx, slug, out, time.Now()); err != nil {
			t.Fatalf("Append(%s) error = %v", slug, err)
		}
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// A fresh sink over the same database rebuilds the processed set.
	s2, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres() resume error = %v", err)
	}
	defer s2.Close()

	if s2.ProcessedCount() != 2 {
		t.Errorf("ProcessedCount() = %d, want 2", s2.ProcessedCount())
	}
	for _, slug := range []string{"evt-a", "evt-b"} {
		if !s2.IsProcessed(slug) {
			t.Errorf("IsProcessed(%s) = false after resume", slug)
		}
	}
	if s2.IsProcessed("evt-c") {
		t.Error("IsProcessed(evt-c) = true, want false")
	}
}
