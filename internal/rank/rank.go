// Package rank scores articles for a viewer. Everything here is pure.
package rank

import (
	"sort"
	"time"

	"sportsfeed/internal/affinity"
	"sportsfeed/internal/catalog"
	"sportsfeed/internal/trending"
)

const (
	PenaltyPerDay     = 5
	MaxRecencyPenalty = 30
	TeamBoost         = 15
	TrendingBoost     = 10
	UnseenBonus       = 5
)

// Breakdown itemizes a score. Total is the sum with RecencyPenalty negated.
type Breakdown struct {
	Importance     int `json:"importance"`
	RecencyPenalty int `json:"recencyPenalty"`
	TeamBoost      int `json:"teamBoost"`
	TrendingBoost  int `json:"trendingBoost"`
	UnseenBonus    int `json:"unseenBonus"`
}

func (b Breakdown) Total() int {
	return b.Importance - b.RecencyPenalty + b.TeamBoost + b.TrendingBoost + b.UnseenBonus
}

// Scored is an article with its final score.
type Scored struct {
	Article   catalog.Article `json:"article"`
	Score     int             `json:"score"`
	Breakdown Breakdown       `json:"breakdown"`
}

// Viewer carries the viewer-dependent inputs. Seen nil means no history is
// known, which earns every article the unseen bonus.
type Viewer struct {
	Profile   affinity.Profile
	Seen      map[string]struct{}
	Anonymous bool
}

// RecencyPenalty charges PenaltyPerDay for each whole day of age, capped at
// MaxRecencyPenalty. Articles dated in the future are not penalized.
func RecencyPenalty(age time.Duration) int {
	if age <= 0 {
		return 0
	}
	days := int64(age / (24 * time.Hour))
	if days >= MaxRecencyPenalty/PenaltyPerDay {
		return MaxRecencyPenalty
	}
	return int(days) * PenaltyPerDay
}

// Base computes the viewer-independent part of the score.
func Base(a catalog.Article, set *trending.Set, now time.Time) Breakdown {
	b := Breakdown{
		Importance:     a.Importance,
		RecencyPenalty: RecencyPenalty(now.Sub(a.PublishedAt)),
	}
	if set.Contains(a.ID) {
		b.TrendingBoost = TrendingBoost
	}
	return b
}

// Personalize adds the viewer-dependent terms to a base breakdown.
func Personalize(base Breakdown, a catalog.Article, v Viewer) Breakdown {
	b := base
	b.TeamBoost = 0
	b.UnseenBonus = 0
	if !v.Anonymous && v.Profile.Has(a.TeamTag) {
		b.TeamBoost = TeamBoost
	}
	if _, seen := v.Seen[a.ID]; !seen {
		b.UnseenBonus = UnseenBonus
	}
	return b
}

// Score is the full scoring formula for one article.
func Score(a catalog.Article, v Viewer, set *trending.Set, now time.Time) (int, Breakdown) {
	b := Personalize(Base(a, set, now), a, v)
	return b.Total(), b
}

// Less orders by score descending, then article id ascending.
func Less(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Article.ID < b.Article.ID
}

// Sort orders candidates in place with Less.
func Sort(candidates []Scored) {
	sort.Slice(candidates, func(i, j int) bool {
		return Less(candidates[i], candidates[j])
	})
}
