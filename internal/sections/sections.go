// Package sections turns ranked candidates into the home screen layout.
package sections

import (
	"sort"
	"time"

	"sportsfeed/internal/rank"
)

const (
	HeadlinesSize = 6
	LatestSize    = 13
	TeamSize      = 4
	adEvery       = 5
	PageSize      = 1 + HeadlinesSize + LatestSize
)

// Item is an article as rendered in a section.
type Item struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	URL         string          `json:"url,omitempty"`
	Summary     string          `json:"summary,omitempty"`
	TeamTag     string          `json:"teamTag,omitempty"`
	PublishedAt time.Time       `json:"publishedAt"`
	Score       int             `json:"score"`
	Breakdown   *rank.Breakdown `json:"breakdown,omitempty"`
}

// Slot is one Latest News position: an article or an ad placeholder.
type Slot struct {
	Ad      bool  `json:"ad,omitempty"`
	Article *Item `json:"article,omitempty"`
}

// Payload is the assembled feed. Team sections marshal in tag order.
type Payload struct {
	Featured     *Item             `json:"featured,omitempty"`
	TopHeadlines []Item            `json:"topHeadlines"`
	LatestNews   []Slot            `json:"latestNews"`
	TeamSections map[string][]Item `json:"teamSections"`
}

// Options control assembly.
type Options struct {
	// Featured is true only in the default view mode.
	Featured bool
	// Popularity, when set, reorders each section by view count
	// (descending, then id) after membership is decided by score.
	Popularity map[string]int64
	// Explain attaches score breakdowns to items.
	Explain bool
}

// Assemble fills the sections from candidates. It never places an article
// twice; candidates that do not fit anywhere are left out.
func Assemble(candidates []rank.Scored, opts Options) Payload {
	pool := make([]rank.Scored, len(candidates))
	copy(pool, candidates)
	rank.Sort(pool)
	pool = dedupe(pool)

	p := Payload{
		TopHeadlines: []Item{},
		LatestNews:   []Slot{},
		TeamSections: map[string][]Item{},
	}

	next := 0
	take := func(n int) []rank.Scored {
		end := min(next+n, len(pool))
		out := pool[next:end]
		next = end
		return out
	}

	if opts.Featured {
		if f := take(1); len(f) == 1 {
			item := toItem(f[0], opts.Explain)
			p.Featured = &item
		}
	}

	headlines := take(HeadlinesSize)
	orderByPopularity(headlines, opts.Popularity)
	for _, c := range headlines {
		p.TopHeadlines = append(p.TopHeadlines, toItem(c, opts.Explain))
	}

	latest := take(LatestSize)
	orderByPopularity(latest, opts.Popularity)
	for i, c := range latest {
		item := toItem(c, opts.Explain)
		p.LatestNews = append(p.LatestNews, Slot{Article: &item})
		// A marker only sits between articles, never at the tail.
		if (len(p.LatestNews)+1)%adEvery == 0 && i < len(latest)-1 {
			p.LatestNews = append(p.LatestNews, Slot{Ad: true})
		}
	}

	for _, c := range pool[next:] {
		tag := c.Article.TeamTag
		if tag == "" || len(p.TeamSections[tag]) >= TeamSize {
			continue
		}
		p.TeamSections[tag] = append(p.TeamSections[tag], toItem(c, opts.Explain))
	}
	if opts.Popularity != nil {
		for tag, items := range p.TeamSections {
			sortItems(items, opts.Popularity)
			p.TeamSections[tag] = items
		}
	}

	return p
}

// dedupe keeps the first (highest ranked) occurrence of each id.
func dedupe(sorted []rank.Scored) []rank.Scored {
	seen := make(map[string]struct{}, len(sorted))
	out := sorted[:0]
	for _, c := range sorted {
		if _, ok := seen[c.Article.ID]; ok {
			continue
		}
		seen[c.Article.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func toItem(c rank.Scored, explain bool) Item {
	item := Item{
		ID:          c.Article.ID,
		Title:       c.Article.Title,
		URL:         c.Article.URL,
		Summary:     c.Article.Summary,
		TeamTag:     c.Article.TeamTag,
		PublishedAt: c.Article.PublishedAt,
		Score:       c.Score,
	}
	if explain {
		b := c.Breakdown
		item.Breakdown = &b
	}
	return item
}

func orderByPopularity(list []rank.Scored, views map[string]int64) {
	if views == nil {
		return
	}
	sort.SliceStable(list, func(i, j int) bool {
		vi, vj := views[list[i].Article.ID], views[list[j].Article.ID]
		if vi != vj {
			return vi > vj
		}
		return list[i].Article.ID < list[j].Article.ID
	})
}

func sortItems(items []Item, views map[string]int64) {
	sort.SliceStable(items, func(i, j int) bool {
		vi, vj := views[items[i].ID], views[items[j].ID]
		if vi != vj {
			return vi > vj
		}
		return items[i].ID < items[j].ID
	})
}

// ArticleIDs lists every article id in the payload, section by section.
func (p Payload) ArticleIDs() []string {
	var ids []string
	if p.Featured != nil {
		ids = append(ids, p.Featured.ID)
	}
	for _, it := range p.TopHeadlines {
		ids = append(ids, it.ID)
	}
	for _, s := range p.LatestNews {
		if s.Article != nil {
			ids = append(ids, s.Article.ID)
		}
	}
	tags := make([]string, 0, len(p.TeamSections))
	for tag := range p.TeamSections {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		for _, it := range p.TeamSections[tag] {
			ids = append(ids, it.ID)
		}
	}
	return ids
}
