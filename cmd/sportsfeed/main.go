package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"sportsfeed/internal/affinity"
	"sportsfeed/internal/cache"
	"sportsfeed/internal/catalog"
	"sportsfeed/internal/config"
	"sportsfeed/internal/database"
	"sportsfeed/internal/feed"
	"sportsfeed/internal/ledger"
	"sportsfeed/internal/logging"
	"sportsfeed/internal/server"
	"sportsfeed/internal/stream"
	"sportsfeed/internal/trending"
)

var (
	// Version will be set during build
	Version = "dev"

	configPath = flag.String("config", "", "Path to YAML config file (default: SPORTSFEED_CONFIG)")
	port       = flag.Int("port", 0, "Port to run the server on (default: 8080 or SPORTSFEED_PORT)")
	dbPath     = flag.String("db", "", "Database path or DSN (default: data/sportsfeed.db or SPORTSFEED_DB_PATH)")
	logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error")
	prodMode   = flag.Bool("prod", false, "Enable production mode")
	version    = flag.Bool("version", false, "Print version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("sportsfeed version %s\n", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *prodMode {
		cfg.ProductionMode = true
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.ProductionMode)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("sportsfeed exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	logger.Info("starting sportsfeed",
		"version", Version,
		"port", cfg.Port,
		"db_driver", cfg.DBDriver,
		"mode", map[bool]string{true: "production", false: "development"}[cfg.ProductionMode],
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DBDriver == database.DriverSQLite && cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := database.NewDB(cfg.DBDriver, cfg.DBPath, database.DefaultConfig())
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	views := ledger.New(db, logger, ledger.Options{
		DedupWindow: cfg.DedupWindow,
		Retention:   cfg.Retention,
	})
	compactor, err := ledger.NewCompactor(views, logger, cfg.CompactionCron)
	if err != nil {
		return err
	}
	compactor.Start()
	defer compactor.Stop()

	payloads, closePayloads, err := payloadStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePayloads()

	articles := catalog.NewStore(db)
	profiles := affinity.NewBuilder(db, cfg.AffinityWindow, cfg.AffinityHalfLife, cfg.AffinityTTL)
	detector := trending.NewDetector(db, logger, cfg.TrendingWindow, cfg.TrendingSize)

	feedService := feed.NewService(db, articles, profiles, detector, payloads, logger, feed.Options{
		RefreshInterval: cfg.RefreshInterval,
		Timeout:         cfg.FeedTimeout,
	})
	feedService.Start()
	defer feedService.Stop()

	events := catalog.NewEventHandler(articles, feedService, logger)

	if len(cfg.Sources) > 0 {
		sources := make([]catalog.Source, 0, len(cfg.Sources))
		for _, s := range cfg.Sources {
			sources = append(sources, catalog.Source{Name: s.Name, URL: s.URL, TeamTag: s.TeamTag})
		}
		ingester := catalog.NewIngester(articles, events, logger, sources, cfg.IngestInterval)
		ingester.Start()
		defer ingester.Stop()
	}

	if cfg.KafkaBroker != "" {
		consumer, err := stream.NewConsumer(stream.Config{
			Broker:  cfg.KafkaBroker,
			GroupID: cfg.KafkaGroup,
			Topic:   cfg.KafkaTopic,
		}, views, logger)
		if err != nil {
			return fmt.Errorf("initializing view stream: %w", err)
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("view stream stopped", "error", err)
			}
		}()
	}

	srv := server.NewServer(db, logger, views, feedService, events, server.Config{
		ProductionMode:  cfg.ProductionMode,
		MaxConns:        cfg.MaxConns,
		SiteTitle:       siteSetting(ctx, db, cfg.SiteTitle, "site_title"),
		SiteURL:         siteSetting(ctx, db, cfg.SiteURL, "site_url"),
		SiteDescription: cfg.SiteDescription,
	})
	return srv.Serve(ctx, cfg.GetAddress())
}

// payloadStore picks the shared valkey cache when configured and the
// in-process cache otherwise. Stale entries are kept for a day.
func payloadStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (cache.Store, func(), error) {
	const retention = 24 * time.Hour
	if cfg.ValkeyAddr == "" {
		return cache.NewMemory(retention, 10000), func() {}, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := cache.DialValkey(dialCtx, cfg.ValkeyAddr, cfg.ValkeyPassword)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to valkey: %w", err)
	}
	logger.Info("using valkey payload cache", "addr", cfg.ValkeyAddr)
	return cache.NewValkey(client, "sportsfeed", retention), client.Close, nil
}

// siteSetting prefers the configured value and falls back to the settings table.
func siteSetting(ctx context.Context, db *database.DB, configured, key string) string {
	if configured != "" {
		return configured
	}
	v, err := db.GetSetting(ctx, key)
	if err != nil {
		return ""
	}
	return v
}
