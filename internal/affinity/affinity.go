// Package affinity derives per-viewer team preferences from view history.
package affinity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"sportsfeed/internal/database"
)

const (
	TopN             = 3
	DefaultWindow    = 365 * 24 * time.Hour
	DefaultHalfLife  = 14 * 24 * time.Hour
	DefaultTTL       = 5 * time.Minute
	defaultCacheSize = 10000
)

// TagWeight is one tag of a profile with its decayed weight.
type TagWeight struct {
	Tag        string    `json:"tag"`
	Weight     float64   `json:"weight"`
	LastViewed time.Time `json:"-"`
}

// Profile holds a viewer's strongest tags, strongest first. The zero value
// is the empty profile.
type Profile struct {
	Tags []TagWeight `json:"tags"`
}

// Has reports whether tag is one of the profile tags.
func (p Profile) Has(tag string) bool {
	if tag == "" {
		return false
	}
	for _, tw := range p.Tags {
		if tw.Tag == tag {
			return true
		}
	}
	return false
}

func (p Profile) Empty() bool {
	return len(p.Tags) == 0
}

// HistorySource supplies a viewer's views joined with article tags.
type HistorySource interface {
	ViewerHistory(ctx context.Context, viewerID string, since time.Time) ([]database.ViewerView, error)
}

type cachedProfile struct {
	profile Profile
	expires time.Time
}

// Builder computes profiles and caches them per viewer for a short TTL.
type Builder struct {
	src      HistorySource
	window   time.Duration
	halfLife time.Duration
	ttl      time.Duration
	maxSize  int
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedProfile
}

func NewBuilder(src HistorySource, window, halfLife, ttl time.Duration) *Builder {
	if window <= 0 || window > DefaultWindow {
		window = DefaultWindow
	}
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Builder{
		src:      src,
		window:   window,
		halfLife: halfLife,
		ttl:      ttl,
		maxSize:  defaultCacheSize,
		now:      time.Now,
		cache:    make(map[string]cachedProfile),
	}
}

// SetClock replaces the time source.
func (b *Builder) SetClock(now func() time.Time) {
	b.now = now
}

// Build returns the viewer's profile, from cache when fresh.
func (b *Builder) Build(ctx context.Context, viewerID string) (Profile, error) {
	now := b.now()

	b.mu.Lock()
	if c, ok := b.cache[viewerID]; ok && now.Before(c.expires) {
		b.mu.Unlock()
		return c.profile, nil
	}
	b.mu.Unlock()

	history, err := b.src.ViewerHistory(ctx, viewerID, now.Add(-b.window))
	if err != nil {
		return Profile{}, fmt.Errorf("load history for %s: %w", viewerID, err)
	}
	p := Compute(history, now, b.halfLife)

	if b.ttl > 0 {
		b.mu.Lock()
		if len(b.cache) >= b.maxSize {
			b.evictLocked(now)
		}
		b.cache[viewerID] = cachedProfile{profile: p, expires: now.Add(b.ttl)}
		b.mu.Unlock()
	}
	return p, nil
}

// Forget drops any cached profile for viewerID.
func (b *Builder) Forget(viewerID string) {
	b.mu.Lock()
	delete(b.cache, viewerID)
	b.mu.Unlock()
}

func (b *Builder) evictLocked(now time.Time) {
	for id, c := range b.cache {
		if !now.Before(c.expires) {
			delete(b.cache, id)
		}
	}
	if len(b.cache) >= b.maxSize {
		b.cache = make(map[string]cachedProfile)
	}
}

// Compute folds history into a profile. Each view contributes
// 0.5^(age/halfLife); tags are ranked by summed weight, ties going to the
// tag viewed most recently and then to the lexically smaller tag.
func Compute(history []database.ViewerView, now time.Time, halfLife time.Duration) Profile {
	byTag := make(map[string]*TagWeight)
	for _, v := range history {
		if v.TeamTag == "" {
			continue
		}
		age := now.Sub(v.ViewedAt)
		if age < 0 {
			age = 0
		}
		w := math.Pow(0.5, float64(age)/float64(halfLife))

		tw, ok := byTag[v.TeamTag]
		if !ok {
			tw = &TagWeight{Tag: v.TeamTag}
			byTag[v.TeamTag] = tw
		}
		tw.Weight += w
		if v.ViewedAt.After(tw.LastViewed) {
			tw.LastViewed = v.ViewedAt
		}
	}
	if len(byTag) == 0 {
		return Profile{}
	}

	tags := make([]TagWeight, 0, len(byTag))
	for _, tw := range byTag {
		tags = append(tags, *tw)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Weight != tags[j].Weight {
			return tags[i].Weight > tags[j].Weight
		}
		if !tags[i].LastViewed.Equal(tags[j].LastViewed) {
			return tags[i].LastViewed.After(tags[j].LastViewed)
		}
		return tags[i].Tag < tags[j].Tag
	})
	if len(tags) > TopN {
		tags = tags[:TopN]
	}
	return Profile{Tags: tags}
}
