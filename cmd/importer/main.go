// Command importer runs the historical/recent import pipelines for
// every configured chain against the shared product/price-feed target
// list, the way the teacher's main.go wires one process to run both
// the forward and backward Flow ingesters against one repository.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beefy-bi/import-engine/internal/config"
	"github.com/beefy-bi/import-engine/internal/engine"
	"github.com/beefy-bi/import-engine/internal/eventbus"
	"github.com/beefy-bi/import-engine/internal/httpserver"
	"github.com/beefy-bi/import-engine/internal/importstate"
	"github.com/beefy-bi/import-engine/internal/loaders"
	"github.com/beefy-bi/import-engine/internal/models"
	"github.com/beefy-bi/import-engine/internal/orchestrator"
	"github.com/beefy-bi/import-engine/internal/repository"
	"github.com/beefy-bi/import-engine/internal/rpcgate"
	"github.com/beefy-bi/import-engine/internal/stream"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", configPath, err)
	}

	log.Println("Initializing import engine...")
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("Chains configured: %d", len(cfg.Chains))

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer repo.Close()

	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Println("Database migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		schemaPath := os.Getenv("SCHEMA_PATH")
		if schemaPath == "" {
			schemaPath = "schema.sql"
		}
		log.Println("Running database migration...")
		if err := repo.Migrate(schemaPath); err != nil {
			log.Fatalf("migration failed: %v", err)
		}
	}

	cacheBackend := buildCacheBackend(cfg)
	states := importstate.NewStore(repo.Pool())
	gate := rpcgate.New(2 * time.Minute)

	chains, err := buildChainClients(context.Background(), cfg, gate, cacheBackend)
	if err != nil {
		log.Fatalf("failed to dial configured rpc endpoints: %v", err)
	}

	priceFeedFetcher := &loaders.PriceFeedHTTPFetcher{
		BaseURL:   defaultString(os.Getenv("PRICE_FEED_BASE_URL"), "https://coins.llama.fi/chart"),
		UserAgent: "beefy-import-engine/1.0",
	}

	dispatcher := engine.NewDispatcher(repo, chains, priceFeedFetcher)
	lister := repository.NewTargetLister(repo)

	events := eventbus.New()
	defer events.Close()
	dispatcher.Events = events
	logProcessedEvents(events)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for chainKey := range cfg.Chains {
		cc, ok := chains[models.Chain(chainKey)]
		if !ok {
			continue
		}
		factory := &orchestrator.Factory{
			Lister:                 lister,
			Store:                  states,
			Head:                   func(ctx context.Context, _ models.Chain) (int64, error) { return cc.LatestBlock(ctx, nil) },
			Limits:                 cfg.PlannerLimits(chainKey),
			RecentTickInterval:     cfg.RecentTickInterval(),
			HistoricalTickInterval: cfg.HistoricalTickInterval(),
			Concurrency:            cfg.Stream.WorkConcurrency,
			ErrorLedger:            repo,
		}
		recent, historical := factory.Build(chainKey, dispatcher.Process)

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := recent.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("[%s] recent pipeline stopped: %v", chainKey, err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := historical.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("[%s] historical pipeline stopped: %v", chainKey, err)
			}
		}()
	}

	diag := httpserver.NewServer(repo, states, fmt.Sprintf(":%d", defaultInt(cfg.HTTPPort, 8080)))
	go func() {
		log.Printf("Starting diagnostic server on %s", diag.Addr())
		if err := diag.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("diagnostic server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	diag.Shutdown(shutdownCtx)

	cancel()
	wg.Wait()
}

// logProcessedEvents subscribes a single logging sink to every kind of
// "*.processed" event the dispatcher emits, the way an operator would
// tail the bus during a rollout before wiring a real sink (metrics,
// webhook) behind the same channel.
func logProcessedEvents(bus *eventbus.Bus) {
	for _, eventType := range []string{
		"product:investment.processed",
		"product:share-rate.processed",
		"oracle:price.processed",
	} {
		ch := make(chan eventbus.Event, 64)
		bus.Subscribe(eventType, ch)
		go func(eventType string, ch chan eventbus.Event) {
			for evt := range ch {
				log.Printf("[events] %s to_block=%d key=%s", evt.Kind, evt.ToBlock, evt.ImportKey)
			}
		}(eventType, ch)
	}
}

func buildCacheBackend(cfg *config.Config) stream.CacheBackend {
	if cfg.RedisURL == "" {
		return stream.NewMemoryBackend()
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("invalid redis url, falling back to in-memory cache: %v", err)
		return stream.NewMemoryBackend()
	}
	return &stream.RedisBackend{Client: redis.NewClient(opts), KeyPrefix: "import-engine:"}
}

func buildChainClients(ctx context.Context, cfg *config.Config, gate *rpcgate.Gate, cacheBackend stream.CacheBackend) (map[models.Chain]*engine.ChainClient, error) {
	out := make(map[models.Chain]*engine.ChainClient, len(cfg.Chains))
	for chainKey, chainCfg := range cfg.Chains {
		if len(chainCfg.Endpoints) == 0 {
			log.Printf("chain %s has no configured endpoints, skipping", chainKey)
			continue
		}
		endpoint := chainCfg.Endpoints[0]
		cc, err := engine.NewChainClient(ctx, chainKey, endpoint.URL, logSafeURL(endpoint.URL), endpoint.Limitations(), gate, cacheBackend)
		if err != nil {
			return nil, fmt.Errorf("dial chain %s: %w", chainKey, err)
		}
		out[models.Chain(chainKey)] = cc
	}
	return out, nil
}

func logSafeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.UserPassword(u.User.Username(), "****")
	return u.String()
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

// redactDatabaseURL mirrors the teacher's main.go helper of the same
// name: strip credentials before a connection string ever hits a log
// line.
func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		u.RawQuery = ""
		return u.String()
	}
	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)([^\s]+)`)
	return re.ReplaceAllString(raw, `$1****`)
}
