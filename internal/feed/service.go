// Package feed serves assembled feeds from cache and keeps the shared
// ranking state fresh.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sportsfeed/internal/affinity"
	"sportsfeed/internal/cache"
	"sportsfeed/internal/catalog"
	"sportsfeed/internal/ledger"
	"sportsfeed/internal/rank"
	"sportsfeed/internal/sections"
	"sportsfeed/internal/trending"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var ErrInvalidViewer = errors.New("invalid viewer id")

// Metrics variables
var (
	feedCacheHits            = expvar.NewInt("feed_cache_hits")
	feedCacheMisses          = expvar.NewInt("feed_cache_misses")
	feedStaleServed          = expvar.NewInt("feed_stale_served")
	personalizationFallbacks = expvar.NewInt("personalization_fallbacks")
)

const (
	anonymousKey    = "anon"
	popularWindow   = 24 * time.Hour
	computeTimeout  = 30 * time.Second
	scoreChunkSize  = 64
	minRefresh      = time.Minute
	defaultRefresh  = 5 * time.Minute
	defaultTimeout  = 2 * time.Second
	defaultPoolSize = 500
)

// Store is what the controller reads besides the catalog.
type Store interface {
	ViewedArticles(ctx context.Context, viewerID string) (map[string]struct{}, error)
	ViewCountsSince(ctx context.Context, since, until time.Time) (map[string]int64, error)
	GetSettingInt(ctx context.Context, key string) (int, error)
}

// Options tune the controller. Zero values take defaults.
type Options struct {
	RefreshInterval time.Duration
	// Timeout bounds how long a request waits for a cold recompute before
	// a stale payload is served instead.
	Timeout time.Duration
	// CandidatePool caps how many recent articles the base snapshot holds.
	CandidatePool int
}

// baseSnapshot holds the viewer-independent scores of every candidate,
// sorted by rank.Less. It is never modified after publication. generation
// is the cache generation current when its candidates were loaded.
type baseSnapshot struct {
	builtAt    time.Time
	generation uint64
	candidates []rank.Scored
}

// Result is a served feed.
type Result struct {
	Payload []byte
	Hit     bool
	Stale   bool
}

type Service struct {
	store    Store
	catalog  catalog.Store
	affinity *affinity.Builder
	trending *trending.Detector
	cache    cache.Store
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	base      atomic.Pointer[baseSnapshot]
	baseDirty atomic.Bool
	group     singleflight.Group

	done     chan struct{}
	stopOnce sync.Once
}

func NewService(store Store, articles catalog.Store, profiles *affinity.Builder, detector *trending.Detector, payloads cache.Store, logger *slog.Logger, opts Options) *Service {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefresh
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.CandidatePool <= 0 {
		opts.CandidatePool = defaultPoolSize
	}
	return &Service{
		store:    store,
		catalog:  articles,
		affinity: profiles,
		trending: detector,
		cache:    payloads,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	go s.updateLoop()
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Service) getRefreshInterval() time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seconds, err := s.store.GetSettingInt(ctx, "refresh_interval")
	if err != nil {
		s.logger.Warn("error getting refresh interval, using configured value", "error", err)
		return s.opts.RefreshInterval
	}
	interval := time.Duration(seconds) * time.Second
	if interval < minRefresh {
		interval = minRefresh
	}
	return interval
}

func (s *Service) updateLoop() {
	s.logger.Info("starting feed refresh loop")

	if err := s.Refresh(context.Background()); err != nil {
		s.logger.Error("initial refresh failed", "error", err)
	}

	interval := s.getRefreshInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Get current interval in case it was changed
			newInterval := s.getRefreshInterval()
			if newInterval != interval {
				s.logger.Info("refresh interval changed", "from", interval, "to", newInterval)
				ticker.Reset(newInterval)
				interval = newInterval
			}

			if err := s.Refresh(context.Background()); err != nil {
				s.logger.Error("scheduled refresh failed", "error", err)
			}

		case <-s.done:
			s.logger.Info("feed refresh loop shutting down")
			return
		}
	}
}

// Refresh runs one cycle: trending set, base snapshot, then warm anonymous
// payloads. A trending failure keeps the previous set and carries on.
func (s *Service) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, computeTimeout)
	defer cancel()

	if size, err := s.store.GetSettingInt(ctx, "trending_size"); err == nil {
		s.trending.SetSize(size)
	}
	if _, err := s.trending.Refresh(ctx, s.now()); err != nil {
		s.logger.Warn("trending refresh failed, keeping previous set", "error", err)
	}

	if _, err := s.rebuildBase(ctx); err != nil {
		return err
	}
	return s.warm(ctx)
}

// Invalidate makes every cached payload and the base snapshot stale.
func (s *Service) Invalidate(reason string) {
	s.baseDirty.Store(true)
	// Later callers must not join a rebuild that loaded candidates before
	// the change.
	s.group.Forget("base")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	gen, err := s.cache.Bump(ctx)
	if err != nil {
		s.logger.Error("error invalidating feed cache", "reason", reason, "error", err)
		return
	}
	s.logger.Info("feed cache invalidated", "reason", reason, "generation", gen)
}

// Flush is a manual invalidation.
func (s *Service) Flush() {
	s.Invalidate("flush")
}

func (s *Service) rebuildBase(ctx context.Context) (*baseSnapshot, error) {
	v, err, _ := s.group.Do("base", func() (interface{}, error) {
		// Clear first so an invalidation during the build marks the result dirty.
		s.baseDirty.Store(false)
		gen, err := s.cache.Generation(ctx)
		if err != nil {
			s.logger.Warn("error reading cache generation", "error", err)
		}
		now := s.now()
		articles, err := s.catalog.Candidates(ctx, now, catalog.Query{Limit: s.opts.CandidatePool})
		if err != nil {
			s.baseDirty.Store(true)
			return nil, fmt.Errorf("load candidates: %w", err)
		}

		set := s.trending.Current()
		scored := make([]rank.Scored, len(articles))
		var g errgroup.Group
		for lo := 0; lo < len(articles); lo += scoreChunkSize {
			lo, hi := lo, min(lo+scoreChunkSize, len(articles))
			g.Go(func() error {
				for i := lo; i < hi; i++ {
					b := rank.Base(articles[i], set, now)
					scored[i] = rank.Scored{Article: articles[i], Score: b.Total(), Breakdown: b}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		rank.Sort(scored)

		snap := &baseSnapshot{builtAt: now, generation: gen, candidates: scored}
		s.publishBase(snap)
		s.logger.Debug("base snapshot rebuilt", "candidates", len(scored))
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*baseSnapshot), nil
}

// publishBase swaps in snap unless a snapshot of a newer generation is
// already published.
func (s *Service) publishBase(snap *baseSnapshot) {
	for {
		cur := s.base.Load()
		if cur != nil && cur.generation > snap.generation {
			return
		}
		if s.base.CompareAndSwap(cur, snap) {
			return
		}
	}
}

// currentBase returns the published base, rebuilding it when missing,
// invalidated, behind generation gen or older than two refresh intervals.
// A failed rebuild falls back to the previous snapshot.
func (s *Service) currentBase(ctx context.Context, gen uint64) (*baseSnapshot, error) {
	snap := s.base.Load()
	if snap != nil && !s.baseDirty.Load() && snap.generation >= gen && s.now().Sub(snap.builtAt) < 2*s.opts.RefreshInterval {
		return snap, nil
	}
	fresh, err := s.rebuildBase(ctx)
	if err == nil && fresh.generation < gen {
		// Joined a rebuild that started before the last invalidation.
		s.group.Forget("base")
		fresh, err = s.rebuildBase(ctx)
	}
	if err != nil {
		if snap != nil {
			s.logger.Warn("base rebuild failed, using previous snapshot", "error", err)
			return snap, nil
		}
		return nil, err
	}
	return fresh, nil
}

// warm precomputes the anonymous payloads most requests hit.
func (s *Service) warm(ctx context.Context) error {
	gen, err := s.cache.Generation(ctx)
	if err != nil {
		return fmt.Errorf("read cache generation: %w", err)
	}
	warmFilters := []Filters{
		{Page: 1},
		{Sort: SortPopular, Page: 1},
		{TimeFilter: TimeToday, Page: 1},
		{TimeFilter: TimeWeek, Page: 1},
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for _, f := range warmFilters {
		g.Go(func() error {
			_, err := s.build(gctx, anonymousKey+"|"+f.key(), rank.Viewer{Anonymous: true}, f, gen)
			return err
		})
	}
	return g.Wait()
}

// GetFeed returns the feed for viewerID, which may be empty for a viewer
// with no identity at all.
func (s *Service) GetFeed(ctx context.Context, viewerID string, filters Filters) (Result, error) {
	f, err := filters.Normalize()
	if err != nil {
		return Result{}, err
	}
	if viewerID != "" && !ledger.ValidViewer(viewerID) {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidViewer, viewerID)
	}

	gen, err := s.cache.Generation(ctx)
	if err != nil {
		s.logger.Warn("error reading cache generation", "error", err)
	}

	if viewerID != "" {
		if res, ok := s.lookup(ctx, personalKey(viewerID)+"|"+f.key(), gen); ok {
			return res, nil
		}
	}

	key, viewer := s.resolveViewer(ctx, viewerID)
	return s.serve(ctx, key+"|"+f.key(), viewer, f, gen)
}

func personalKey(viewerID string) string {
	return "v:" + viewerID
}

// resolveViewer loads the viewer-dependent inputs. Devices without history
// and any viewer whose inputs fail to load share the anonymous payload.
func (s *Service) resolveViewer(ctx context.Context, viewerID string) (string, rank.Viewer) {
	if viewerID == "" {
		return anonymousKey, rank.Viewer{Anonymous: true}
	}

	seen, err := s.store.ViewedArticles(ctx, viewerID)
	if err != nil {
		personalizationFallbacks.Add(1)
		s.logger.Warn("error loading view history, serving baseline", "viewer", viewerID, "error", err)
		return anonymousKey, rank.Viewer{Anonymous: true}
	}

	if ledger.IsAnonymous(viewerID) {
		if len(seen) == 0 {
			return anonymousKey, rank.Viewer{Anonymous: true}
		}
		return personalKey(viewerID), rank.Viewer{Anonymous: true, Seen: seen}
	}

	profile, err := s.affinity.Build(ctx, viewerID)
	if err != nil {
		personalizationFallbacks.Add(1)
		s.logger.Warn("error building affinity profile, serving baseline", "viewer", viewerID, "error", err)
		return anonymousKey, rank.Viewer{Anonymous: true}
	}
	return personalKey(viewerID), rank.Viewer{Profile: profile, Seen: seen}
}

func (s *Service) fresh(e cache.Entry, gen uint64) bool {
	return e.Generation == gen && s.now().Sub(e.StoredAt) < s.opts.RefreshInterval
}

func (s *Service) lookup(ctx context.Context, key string, gen uint64) (Result, bool) {
	e, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("feed cache read failed", "key", key, "error", err)
		return Result{}, false
	}
	if !ok || !s.fresh(e, gen) {
		return Result{}, false
	}
	feedCacheHits.Add(1)
	return Result{Payload: e.Payload, Hit: true}, true
}

func (s *Service) serve(ctx context.Context, key string, viewer rank.Viewer, f Filters, gen uint64) (Result, error) {
	stale, haveStale, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("feed cache read failed", "key", key, "error", err)
		haveStale = false
	}
	if haveStale && s.fresh(stale, gen) {
		feedCacheHits.Add(1)
		return Result{Payload: stale.Payload, Hit: true}, nil
	}
	feedCacheMisses.Add(1)

	// The computation is shared by every waiter, so it must not die with
	// the first caller's request.
	ch := s.group.DoChan(key, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeTimeout)
		defer cancel()
		return s.build(cctx, key, viewer, f, gen)
	})

	timer := time.NewTimer(s.opts.Timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.Err != nil {
			if haveStale {
				return s.serveStale(key, stale, r.Err), nil
			}
			return Result{}, r.Err
		}
		return Result{Payload: r.Val.([]byte)}, nil
	case <-timer.C:
		if haveStale {
			return s.serveStale(key, stale, context.DeadlineExceeded), nil
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	// Nothing to fall back on: wait for the computation.
	select {
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return Result{Payload: r.Val.([]byte)}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *Service) serveStale(key string, e cache.Entry, cause error) Result {
	feedStaleServed.Add(1)
	s.logger.Warn("serving stale feed", "key", key, "age", s.now().Sub(e.StoredAt), "cause", cause)
	return Result{Payload: e.Payload, Stale: true}
}

// build computes and stores the payload for one key.
func (s *Service) build(ctx context.Context, key string, viewer rank.Viewer, f Filters, gen uint64) ([]byte, error) {
	base, err := s.currentBase(ctx, gen)
	if err != nil {
		return nil, err
	}
	now := s.now()

	since := f.Since(now)
	candidates := make([]rank.Scored, 0, len(base.candidates))
	for _, c := range base.candidates {
		if f.Category != "" && c.Article.TeamTag != f.Category {
			continue
		}
		if !since.IsZero() && c.Article.PublishedAt.Before(since) {
			continue
		}
		b := rank.Personalize(c.Breakdown, c.Article, viewer)
		candidates = append(candidates, rank.Scored{Article: c.Article, Score: b.Total(), Breakdown: b})
	}
	rank.Sort(candidates)

	if skip := (f.Page - 1) * sections.PageSize; skip > 0 {
		if skip >= len(candidates) {
			candidates = nil
		} else {
			candidates = candidates[skip:]
		}
	}

	opts := sections.Options{Featured: f.ShowFeatured(), Explain: f.Explain}
	if f.Sort == SortPopular {
		views, err := s.store.ViewCountsSince(ctx, now.Add(-popularWindow), now.Add(time.Millisecond))
		if err != nil {
			s.logger.Warn("error loading view counts, keeping score order", "error", err)
		} else {
			opts.Popularity = views
		}
	}

	payload, err := json.Marshal(sections.Assemble(candidates, opts))
	if err != nil {
		return nil, fmt.Errorf("encode feed: %w", err)
	}

	if err := s.cache.Set(ctx, key, cache.Entry{Payload: payload, Generation: gen, StoredAt: now}); err != nil {
		s.logger.Warn("feed cache write failed", "key", key, "error", err)
	}
	return payload, nil
}
