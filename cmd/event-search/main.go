// Command event-search scrapes web search results for open market events
// using a paginated search API with rotating API keys, persisting results
// incrementally so interrupted runs can be resumed.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/zhex-ua/RL-GEO/pkg/catalog"
	"github.com/zhex-ua/RL-GEO/pkg/credentials"
	"github.com/zhex-ua/RL-GEO/pkg/logging"
	"github.com/zhex-ua/RL-GEO/pkg/scraper"
	"github.com/zhex-ua/RL-GEO/pkg/search"
	"github.com/zhex-ua/RL-GEO/pkg/sink"
)

type config struct {
	dataDir      string
	metadataPath string
	outputPath   string
	apiKeys      []string
	engineID     string
	maxResults   int

	logLevel    string
	pretty      bool
	metricsAddr string
	redisAddr   string
	pgDSN       string
}

func parseFlags(args []string) (*config, error) {
	fs := flag.NewFlagSet("event-search", flag.ContinueOnError)

	cfg := &config{}
	var apiKeys string

	fs.StringVar(&cfg.dataDir, "data-dir", "./data", "Directory where data is stored")
	fs.StringVar(&cfg.metadataPath, "metadata", "events_meta.csv", "Metadata CSV path (relative to data dir)")
	fs.StringVar(&cfg.outputPath, "output", "google_search_results.csv", "Output CSV path (relative to data dir)")
	fs.StringVar(&apiKeys, "api-keys", getEnv("GOOGLE_API_KEYS", ""), "Comma-separated API keys (or GOOGLE_API_KEYS)")
	fs.StringVar(&cfg.engineID, "engine-id", getEnv("GOOGLE_CSE_ID", ""), "Search engine ID (or GOOGLE_CSE_ID)")
	fs.IntVar(&cfg.maxResults, "max-results", 100, "Maximum results per event (upstream cap 100, multiple of 10)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.pretty, "pretty", false, "Human-readable console logging")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Listen address for /metrics (disabled when empty)")
	fs.StringVar(&cfg.redisAddr, "redis-addr", getEnv("REDIS_ADDR", ""), "Redis address for the processed-slug index (optional)")
	fs.StringVar(&cfg.pgDSN, "pg-dsn", getEnv("PG_DSN", ""), "Postgres DSN for the database sink (optional)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.apiKeys = credentials.ParseKeys(apiKeys)
	return cfg, cfg.validate()
}

func (c *config) validate() error {
	if len(c.apiKeys) == 0 {
		return fmt.Errorf("no API keys provided: set -api-keys or GOOGLE_API_KEYS")
	}
	if c.engineID == "" {
		return fmt.Errorf("search engine ID not provided: set -engine-id or GOOGLE_CSE_ID")
	}
	if c.maxResults <= 0 {
		return fmt.Errorf("max-results must be positive (got %d)", c.maxResults)
	}
	if c.pgDSN != "" && c.redisAddr != "" {
		return fmt.Errorf("redis-addr only applies to the CSV sink: remove it when -pg-dsn is set")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "event-search: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.logLevel),
		Pretty: cfg.pretty,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("Fatal error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config) error {
	logger := logging.NewLogger("event-search")

	if cfg.maxResults%search.PageSize != 0 {
		logger.Warn().
			Int("max_results", cfg.maxResults).
			Int("effective", cfg.maxResults/search.PageSize*search.PageSize).
			Msg("max-results is not a multiple of the page size, truncating to whole pages")
	}

	if cfg.metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info().Str("addr", cfg.metricsAddr).Msg("Serving metrics")
			if err := http.ListenAndServe(cfg.metricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	pool, err := credentials.NewPool(cfg.apiKeys)
	if err != nil {
		return fmt.Errorf("create credential pool: %w", err)
	}

	candidates, err := catalog.Load(filepath.Join(cfg.dataDir, cfg.metadataPath))
	if err != nil {
		return fmt.Errorf("load candidates: %w", err)
	}

	s, err := openSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	client, err := search.New(search.DefaultConfig(cfg.engineID), pool)
	if err != nil {
		return fmt.Errorf("create search client: %w", err)
	}

	logger.Info().
		Int("candidates", len(candidates)).
		Int("keys", pool.Size()).
		Msg("Starting Google search scraper")

	stats := scraper.New(client, s, pool, cfg.maxResults).Run(ctx, candidates)

	if ctx.Err() != nil {
		logger.Info().
			Int("success", stats.Succeeded).
			Msg("Interrupted, progress persisted; rerun to resume")
	}
	return nil
}

// openSink selects the persistence backend: Postgres when a DSN is given,
// otherwise the CSV sink with an optional Redis processed-slug index.
// Giving both is rejected by config validation.
func openSink(ctx context.Context, cfg *config) (sink.Sink, error) {
	if cfg.pgDSN != "" {
		s, err := sink.OpenPostgres(ctx, cfg.pgDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres sink: %w", err)
		}
		return s, nil
	}

	var idx *sink.RedisIndex
	if cfg.redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.redisAddr, err)
		}
		idx = sink.NewRedisIndex(client)
	}

	s, err := sink.OpenCSV(ctx, filepath.Join(cfg.dataDir, cfg.outputPath), idx)
	if err != nil {
		return nil, fmt.Errorf("open csv sink: %w", err)
	}
	return s, nil
}
