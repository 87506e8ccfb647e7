// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix     = "SPORTSFEED_"
	configPathEnv = envPrefix + "CONFIG"
)

// Source is one syndication feed the catalog ingests articles from.
type Source struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	TeamTag string `yaml:"team"`
}

type Config struct {
	Port           int    `yaml:"port"`
	DBDriver       string `yaml:"db_driver"`
	DBPath         string `yaml:"db_path"`
	ProductionMode bool   `yaml:"production"`
	LogLevel       string `yaml:"log_level"`
	MaxConns       int    `yaml:"max_conns"`

	RefreshInterval time.Duration `yaml:"refresh_interval"`
	FeedTimeout     time.Duration `yaml:"feed_timeout"`

	DedupWindow    time.Duration `yaml:"dedup_window"`
	Retention      time.Duration `yaml:"retention"`
	CompactionCron string        `yaml:"compaction_cron"`

	TrendingWindow time.Duration `yaml:"trending_window"`
	TrendingSize   int           `yaml:"trending_size"`

	AffinityWindow   time.Duration `yaml:"affinity_window"`
	AffinityHalfLife time.Duration `yaml:"affinity_half_life"`
	AffinityTTL      time.Duration `yaml:"affinity_ttl"`

	ValkeyAddr     string `yaml:"valkey_addr"`
	ValkeyPassword string `yaml:"valkey_password"`
	KafkaBroker    string `yaml:"kafka_broker"`
	KafkaTopic     string `yaml:"kafka_topic"`
	KafkaGroup     string `yaml:"kafka_group"`

	SiteTitle       string `yaml:"site_title"`
	SiteURL         string `yaml:"site_url"`
	SiteDescription string `yaml:"site_description"`

	IngestInterval time.Duration `yaml:"ingest_interval"`
	Sources        []Source      `yaml:"sources"`
}

// Default returns the baseline configuration. The 5-minute refresh and the
// 48h dedup window are the documented product constants.
func Default() Config {
	return Config{
		Port:             8080,
		DBDriver:         "sqlite3",
		DBPath:           "data/sportsfeed.db",
		LogLevel:         "info",
		MaxConns:         512,
		RefreshInterval:  5 * time.Minute,
		FeedTimeout:      2 * time.Second,
		DedupWindow:      48 * time.Hour,
		Retention:        30 * 24 * time.Hour,
		CompactionCron:   "30 3 * * *",
		TrendingWindow:   24 * time.Hour,
		TrendingSize:     10,
		AffinityWindow:   365 * 24 * time.Hour,
		AffinityHalfLife: 14 * 24 * time.Hour,
		AffinityTTL:      5 * time.Minute,
		KafkaTopic:       "article-views",
		KafkaGroup:       "sportsfeed-ledger",
		IngestInterval:   15 * time.Minute,
		SiteTitle:        "Sports Feed",
		SiteDescription:  "Top sports headlines",
	}
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file and SPORTSFEED_* environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if envPath := os.Getenv(configPathEnv); envPath != "" && path == "" {
		path = envPath
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	// A missing .env is normal outside development.
	_ = gotenv.Load(".env")

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	if v, ok := get("PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sPORT %q: %w", envPrefix, v, err)
		}
		c.Port = p
	}
	if v, ok := get("DB_DRIVER"); ok {
		c.DBDriver = v
	}
	if v, ok := get("DB_PATH"); ok {
		c.DBPath = v
	}
	if v, ok := get("PRODUCTION"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sPRODUCTION %q: %w", envPrefix, v, err)
		}
		c.ProductionMode = b
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := get("REFRESH_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sREFRESH_INTERVAL %q: %w", envPrefix, v, err)
		}
		c.RefreshInterval = d
	}
	if v, ok := get("VALKEY_ADDR"); ok {
		c.ValkeyAddr = v
	}
	if v, ok := get("VALKEY_PASSWORD"); ok {
		c.ValkeyPassword = v
	}
	if v, ok := get("SITE_URL"); ok {
		c.SiteURL = v
	}
	if v, ok := get("KAFKA_BROKER"); ok {
		c.KafkaBroker = v
	}
	if v, ok := get("KAFKA_TOPIC"); ok {
		c.KafkaTopic = v
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported db_driver %q", c.DBDriver)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.RefreshInterval < time.Minute {
		return fmt.Errorf("refresh_interval %v is below one minute", c.RefreshInterval)
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("dedup_window must be positive")
	}
	if c.Retention < 30*24*time.Hour {
		return fmt.Errorf("retention %v is shorter than 30 days", c.Retention)
	}
	if c.TrendingSize <= 0 {
		return fmt.Errorf("trending_size must be positive")
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("max_conns must not be negative")
	}
	for i, s := range c.Sources {
		if s.URL == "" {
			return fmt.Errorf("sources[%d]: url is required", i)
		}
	}
	return nil
}

func (c Config) GetAddress() string {
	return fmt.Sprintf(":%d", c.Port)
}
