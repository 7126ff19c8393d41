package scraper

import (
	"context"
	"encoding/csv"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zhex-ua/RL-GEO/internal/testutil"
	"github.com/zhex-ua/RL-GEO/pkg/catalog"
	"github.com/zhex-ua/RL-GEO/pkg/credentials"
	"github.com/zhex-ua/RL-GEO/pkg/search"
	"github.com/zhex-ua/RL-GEO/pkg/sink"
)

type fixture struct {
	mock   *testutil.MockSearchAPI
	runner *Runner
	sink   *sink.CSVSink
	path   string
}

func newFixture(t *testing.T, outputPath string) *fixture {
	t.Helper()

	mock := testutil.NewMockSearchAPI()
	t.Cleanup(mock.Close)

	pool, err := credentials.NewPool([]string{"key-a", "key-b"})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	cfg := search.Config{
		BaseURL:      mock.URL(),
		EngineID:     "test-engine",
		HTTPTimeout:  5 * time.Second,
		PageDelay:    time.Millisecond,
		QuotaBackoff: time.Millisecond,
		RetryBackoff: time.Millisecond,
	}
	client, err := search.New(cfg, pool)
	if err != nil {
		t.Fatalf("search.New() error = %v", err)
	}

	s, err := sink.OpenCSV(context.Background(), outputPath, nil)
	if err != nil {
		t.Fatalf("OpenCSV() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return &fixture{
		mock:   mock,
		runner: New(client, s, pool, 30),
		sink:   s,
		path:   outputPath,
	}
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	return records
}

func TestRun_SkipsAlreadyProcessed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")

	// Pre-existing output covering evt-a.
	pre, err := sink.OpenCSV(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("OpenCSV() error = %v", err)
	}
	if err := pre.Append(context.Background(), "evt-a", &search.Outcome{
		SearchTerms: "Event A", TotalResults: "1",
		Items: []search.Item{{Title: "old"}},
	}, time.Now()); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	pre.Close()

	fx := newFixture(t, path)
	fx.mock.SetResults("Event B", "2", testutil.Items(1, 2))
	fx.mock.SetResults("Event C", "1", testutil.Items(1, 1))

	candidates := []catalog.Candidate{
		{Slug: "evt-a", Title: "Event A"},
		{Slug: "evt-b", Title: "Event B"},
		{Slug: "evt-c", Title: "Event C"},
	}

	stats := fx.runner.Run(context.Background(), candidates)

	if stats.Succeeded != 2 || stats.Failed != 0 || stats.Skipped != 1 {
		t.Errorf("stats = %+v, want 2 succeeded, 0 failed, 1 skipped", stats)
	}

	// evt-a was never re-fetched: one short-page request each for B and C.
	if fx.mock.GetRequestCount() != 2 {
		t.Errorf("request count = %d, want 2", fx.mock.GetRequestCount())
	}
	rows := readRows(t, fx.path)
	for _, row := range rows[1:] {
		if row[0] == "evt-a" && row[3] != "old" {
			t.Error("evt-a was re-fetched")
		}
	}
}

func TestRun_IdempotentResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	fx := newFixture(t, path)
	fx.mock.SetResults("Event A", "1", testutil.Items(1, 1))
	fx.mock.SetResults("Event B", "0", nil)

	candidates := []catalog.Candidate{
		{Slug: "evt-a", Title: "Event A"},
		{Slug: "evt-b", Title: "Event B"},
	}

	first := fx.runner.Run(context.Background(), candidates)
	if first.Succeeded != 2 {
		t.Fatalf("first run stats = %+v, want 2 succeeded", first)
	}

	// A fresh fixture over the same file processes nothing.
	fx2 := newFixture(t, path)
	second := fx2.runner.Run(context.Background(), candidates)

	if second.Succeeded != 0 || second.Skipped != 2 {
		t.Errorf("second run stats = %+v, want 0 succeeded, 2 skipped", second)
	}
	if fx2.mock.GetRequestCount() != 0 {
		t.Errorf("second run issued %d requests, want 0", fx2.mock.GetRequestCount())
	}
}

func TestRun_ZeroResultCandidateWritesOneRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	fx := newFixture(t, path)
	fx.mock.SetResults("Quiet Event", "0", nil)

	stats := fx.runner.Run(context.Background(), []catalog.Candidate{
		{Slug: "evt-quiet", Title: "Quiet Event"},
	})

	if stats.Succeeded != 1 {
		t.Fatalf("stats = %+v, want 1 succeeded", stats)
	}

	rows := readRows(t, fx.path)
	if len(rows) != 2 {
		t.Fatalf("output has %d rows, want header + 1", len(rows))
	}
	if rows[1][0] != "evt-quiet" || rows[1][3] != "" || rows[1][6] != "" {
		t.Errorf("zero-result row = %v, want empty item fields and rank", rows[1])
	}
}

func TestRun_FailureDoesNotStopRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	fx := newFixture(t, path)
	fx.mock.SetResults("Good Event", "1", testutil.Items(1, 1))

	candidates := []catalog.Candidate{
		{Slug: "evt-bad", Title: ""}, // empty query is rejected by the client
		{Slug: "evt-good", Title: "Good Event"},
	}

	stats := fx.runner.Run(context.Background(), candidates)

	if stats.Failed != 1 || stats.Succeeded != 1 {
		t.Errorf("stats = %+v, want 1 failed and 1 succeeded", stats)
	}
	if fx.sink.IsProcessed("evt-bad") {
		t.Error("failed candidate must not be marked processed")
	}
	if !fx.sink.IsProcessed("evt-good") {
		t.Error("later candidate should still be processed")
	}
}

func TestRun_PartialOutcomeIsPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	fx := newFixture(t, path)

	// First page succeeds, later pages always fail: the truncated result
	// is a silent success and gets persisted.
	fx.mock.SetHandler(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("start") == "1" {
			testutil.WritePage(w, "Busy Event", "30", testutil.Items(1, 10))
			return
		}
		testutil.WriteServerError(w)
	})

	stats := fx.runner.Run(context.Background(), []catalog.Candidate{
		{Slug: "evt-busy", Title: "Busy Event"},
	})

	if stats.Succeeded != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want the partial outcome counted as success", stats)
	}

	rows := readRows(t, fx.path)
	if len(rows) != 11 {
		t.Errorf("output has %d rows, want header + 10 partial rows", len(rows))
	}
	if !fx.sink.IsProcessed("evt-busy") {
		t.Error("partial outcome should mark the candidate processed")
	}
}

func TestRun_EmptyWorklist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	fx := newFixture(t, path)

	stats := fx.runner.Run(context.Background(), nil)

	if stats.Total != 0 || stats.Succeeded != 0 {
		t.Errorf("stats = %+v, want all zero", stats)
	}
	if fx.mock.GetRequestCount() != 0 {
		t.Errorf("requests = %d, want 0", fx.mock.GetRequestCount())
	}
}

func TestRun_CancellationStopsBetweenCandidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	fx := newFixture(t, path)
	fx.mock.SetResults("Event A", "1", testutil.Items(1, 1))
	fx.mock.SetResults("Event B", "1", testutil.Items(1, 1))

	// Cancellation is observed between candidates: with the context
	// already cancelled, the loop exits before the first request.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats := fx.runner.Run(ctx, []catalog.Candidate{
		{Slug: "evt-a", Title: "Event A"},
		{Slug: "evt-b", Title: "Event B"},
	})

	if stats.Succeeded != 0 {
		t.Errorf("stats = %+v, want nothing processed after pre-cancellation", stats)
	}
	if fx.sink.IsProcessed("evt-a") || fx.sink.IsProcessed("evt-b") {
		t.Error("no candidate should be processed when cancelled before the loop")
	}
}

func TestRun_MidRunCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	fx := newFixture(t, path)

	ctx, cancel := context.WithCancel(context.Background())

	// Cancellation lands while the first candidate is in flight. The error
	// response forces the retry path, which observes the cancelled context
	// before consuming any retry budget.
	fx.mock.SetHandler(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		testutil.WriteServerError(w)
	})

	stats := fx.runner.Run(ctx, []catalog.Candidate{
		{Slug: "evt-a", Title: "Event A"},
		{Slug: "evt-b", Title: "Event B"},
	})

	// The interrupted candidate is neither a success nor a failure; it stays
	// unprocessed so the next run picks it up.
	if stats.Succeeded != 0 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want the in-flight candidate uncounted", stats)
	}
	if fx.sink.IsProcessed("evt-a") {
		t.Error("interrupted candidate must not be marked processed")
	}

	// Later candidates never start: only the single evt-a request was made.
	if fx.mock.GetRequestCount() != 1 {
		t.Errorf("request count = %d, want 1", fx.mock.GetRequestCount())
	}
	if fx.sink.IsProcessed("evt-b") {
		t.Error("later candidate must not be processed after cancellation")
	}
}
