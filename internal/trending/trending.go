// Package trending keeps the global set of most viewed articles.
package trending

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"sportsfeed/internal/database"
)

const (
	DefaultWindow = 24 * time.Hour
	DefaultSize   = 10
)

var trendingRefreshes = expvar.NewInt("trending_refreshes")

// Set is an immutable snapshot of the trending articles, most viewed first.
type Set struct {
	Ranked     []database.ArticleViews `json:"ranked"`
	ComputedAt time.Time               `json:"computedAt"`
	ids        map[string]int64
}

// NewSet builds a snapshot from ranked views.
func NewSet(ranked []database.ArticleViews, at time.Time) *Set {
	s := &Set{Ranked: ranked, ComputedAt: at, ids: make(map[string]int64, len(ranked))}
	for _, av := range ranked {
		s.ids[av.ArticleID] = av.Views
	}
	return s
}

// Contains reports whether id is trending. Safe on a nil set.
func (s *Set) Contains(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.ids[id]
	return ok
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Ranked)
}

// Source ranks articles by view count in a window.
type Source interface {
	TopViewed(ctx context.Context, since, until time.Time, limit int) ([]database.ArticleViews, error)
}

// Detector recomputes the trending set from scratch on each refresh and
// publishes it with a single atomic swap.
type Detector struct {
	src     Source
	logger  *slog.Logger
	window  time.Duration
	size    atomic.Int64
	current atomic.Pointer[Set]
}

func NewDetector(src Source, logger *slog.Logger, window time.Duration, size int) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	d := &Detector{src: src, logger: logger, window: window}
	d.SetSize(size)
	d.current.Store(NewSet(nil, time.Time{}))
	return d
}

// SetSize changes how many articles later refreshes keep.
func (d *Detector) SetSize(n int) {
	if n <= 0 {
		n = DefaultSize
	}
	d.size.Store(int64(n))
}

// Refresh computes the set for the window ending at now and publishes it.
// On error the previous set stays in place.
func (d *Detector) Refresh(ctx context.Context, now time.Time) (*Set, error) {
	ranked, err := d.src.TopViewed(ctx, now.Add(-d.window), now.Add(time.Millisecond), int(d.size.Load()))
	if err != nil {
		return d.Current(), fmt.Errorf("refresh trending: %w", err)
	}
	set := NewSet(ranked, now)
	d.current.Store(set)
	trendingRefreshes.Add(1)
	d.logger.Debug("trending refreshed", "articles", set.Len())
	return set, nil
}

// Current returns the latest published set.
func (d *Detector) Current() *Set {
	return d.current.Load()
}

func (d *Detector) IsTrending(articleID string) bool {
	return d.Current().Contains(articleID)
}
