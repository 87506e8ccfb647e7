package catalog

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	securitynet "sportsfeed/internal/security/netutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/crypto/blake2b"
)

const (
	maxFeedBytes  = 5 << 20
	maxSummaryLen = 280
	userAgent     = "sportsfeed/1.0"
)

// Source is an RSS or Atom feed whose items belong to one team, or to no
// team when TeamTag is empty.
type Source struct {
	Name    string
	URL     string
	TeamTag string
}

type validators struct {
	lastModified string
	etag         string
}

type fetchResult struct {
	source   Source
	articles []Article
	err      error
}

// Ingester pulls configured sources into the content store. New articles are
// announced through the event handler so feeds pick them up.
type Ingester struct {
	store       *DBStore
	events      *EventHandler
	logger      *slog.Logger
	parser      *gofeed.Parser
	client      *http.Client
	cache       sync.Map // source URL -> validators
	lookup      func(string) ([]net.IP, error)
	now         func() time.Time
	concurrency int
	sources     []Source
	interval    time.Duration
	done        chan struct{}
	stopOnce    sync.Once
}

func NewIngester(store *DBStore, events *EventHandler, logger *slog.Logger, sources []Source, interval time.Duration) *Ingester {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
	}
	return &Ingester{
		store:  store,
		events: events,
		logger: logger,
		parser: gofeed.NewParser(),
		client: &http.Client{Timeout: 30 * time.Second, Transport: transport, CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("stopped after 5 redirects")
			}
			return securitynet.CheckHost(req.URL.Hostname(), nil)
		}},
		lookup:      net.LookupIP,
		now:         time.Now,
		concurrency: 4,
		sources:     sources,
		interval:    interval,
		done:        make(chan struct{}),
	}
}

func (in *Ingester) Start() {
	go in.loop()
}

func (in *Ingester) Stop() {
	in.stopOnce.Do(func() { close(in.done) })
}

func (in *Ingester) loop() {
	if len(in.sources) == 0 {
		return
	}
	in.logger.Info("starting ingest loop", "sources", len(in.sources), "interval", in.interval)

	if _, err := in.Run(context.Background()); err != nil {
		in.logger.Error("initial ingest failed", "error", err)
	}

	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := in.Run(context.Background()); err != nil {
				in.logger.Error("scheduled ingest failed", "error", err)
			}
		case <-in.done:
			in.logger.Info("ingest loop shutting down")
			return
		}
	}
}

// Run fetches every source once and returns how many new articles were
// stored. A failing source is logged and skipped.
func (in *Ingester) Run(ctx context.Context) (int, error) {
	results := make(chan fetchResult, len(in.sources))
	var wg sync.WaitGroup
	sem := make(chan struct{}, max(in.concurrency, 1))

	for _, src := range in.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results <- in.fetch(ctx, src)
		}(src)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	inserted := 0
	for result := range results {
		if result.err != nil {
			in.logger.Warn("error fetching source", "source", result.source.Name, "error", result.err)
			continue
		}
		for _, a := range result.articles {
			isNew, err := in.store.Upsert(ctx, a)
			if err != nil {
				in.logger.Warn("error storing article", "article", a.ID, "error", err)
				continue
			}
			if !isNew {
				continue
			}
			inserted++
			if in.events != nil {
				if err := in.events.Handle(ctx, Event{Kind: EventPublish, ArticleID: a.ID}); err != nil {
					in.logger.Warn("error announcing article", "article", a.ID, "error", err)
				}
			}
		}
	}

	if inserted > 0 {
		in.logger.Info("ingest completed", "new_articles", inserted)
	}
	return inserted, ctx.Err()
}

func (in *Ingester) fetch(ctx context.Context, src Source) fetchResult {
	result := fetchResult{source: src}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		result.err = fmt.Errorf("error creating request: %w", err)
		return result
	}
	req.Header.Set("User-Agent", userAgent)

	if err := securitynet.CheckHost(req.URL.Hostname(), in.lookup); err != nil {
		result.err = err
		return result
	}

	if cached, ok := in.cache.Load(src.URL); ok {
		v := cached.(validators)
		if v.lastModified != "" {
			req.Header.Set("If-Modified-Since", v.lastModified)
		}
		if v.etag != "" {
			req.Header.Set("If-None-Match", v.etag)
		}
	}

	resp, err := in.client.Do(req)
	if err != nil {
		result.err = fmt.Errorf("error fetching feed: %w", err)
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return result
	}
	if resp.StatusCode >= 400 {
		result.err = fmt.Errorf("unexpected response status %d", resp.StatusCode)
		return result
	}

	in.cache.Store(src.URL, validators{
		lastModified: resp.Header.Get("Last-Modified"),
		etag:         resp.Header.Get("ETag"),
	})

	parsed, err := in.parser.Parse(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		result.err = fmt.Errorf("error parsing feed: %w", err)
		return result
	}

	now := in.now()
	result.articles = make([]Article, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		key := item.GUID
		if key == "" {
			key = item.Link
		}
		if key == "" || item.Title == "" {
			continue
		}

		published := now
		if item.PublishedParsed != nil {
			published = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			published = *item.UpdatedParsed
		}
		// Items dated in the future would surface ahead of real news.
		if published.After(now) {
			published = now
		}

		body := item.Description
		if body == "" {
			body = item.Content
		}

		result.articles = append(result.articles, Article{
			ID:          ArticleID(src.Name, key),
			Title:       strings.TrimSpace(item.Title),
			URL:         item.Link,
			Summary:     Summarize(body),
			TeamTag:     src.TeamTag,
			Importance:  DefaultImportance,
			PublishedAt: published.UTC(),
		})
	}
	return result
}

// ArticleID derives a stable id for a feed item.
func ArticleID(sourceName, itemKey string) string {
	sum := blake2b.Sum256([]byte(itemKey))
	return sourceName + ":" + hex.EncodeToString(sum[:10])
}

// Summarize reduces item HTML to a single line of plain text.
func Summarize(html string) string {
	if html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style").Remove()
	text := strings.Join(strings.Fields(doc.Text()), " ")

	runes := []rune(text)
	if len(runes) <= maxSummaryLen {
		return text
	}
	cut := string(runes[:maxSummaryLen])
	if i := strings.LastIndex(cut, " "); i > maxSummaryLen/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
