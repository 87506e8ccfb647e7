package sections

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"sportsfeed/internal/catalog"
	"sportsfeed/internal/rank"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// makeCandidates returns n candidates with descending scores spread over
// four teams, every fifth one untagged.
func makeCandidates(n int) []rank.Scored {
	out := make([]rank.Scored, n)
	teams := []string{"lakers", "celtics", "bulls", "heat"}
	for i := range out {
		tag := teams[i%len(teams)]
		if i%5 == 4 {
			tag = ""
		}
		out[i] = rank.Scored{
			Article: catalog.Article{
				ID:          fmt.Sprintf("a%03d", i),
				Title:       fmt.Sprintf("Article %d", i),
				TeamTag:     tag,
				PublishedAt: testNow.Add(-time.Duration(i) * time.Hour),
			},
			Score:     200 - i,
			Breakdown: rank.Breakdown{Importance: 200 - i},
		}
	}
	return out
}

func countArticles(slots []Slot) (articles, ads int) {
	for _, s := range slots {
		if s.Ad {
			ads++
		} else {
			articles++
		}
	}
	return
}

func TestAssembleDefaultMode(t *testing.T) {
	p := Assemble(makeCandidates(60), Options{Featured: true})

	if p.Featured == nil || p.Featured.ID != "a000" {
		t.Fatalf("featured = %+v, want a000", p.Featured)
	}
	if len(p.TopHeadlines) != HeadlinesSize || p.TopHeadlines[0].ID != "a001" || p.TopHeadlines[5].ID != "a006" {
		t.Errorf("headlines = %v", p.TopHeadlines)
	}

	articles, ads := countArticles(p.LatestNews)
	if articles != LatestSize || ads != 3 {
		t.Errorf("latest has %d articles and %d ads, want 13 and 3", articles, ads)
	}
	for i, s := range p.LatestNews {
		if ((i+1)%5 == 0) != s.Ad {
			t.Errorf("slot %d ad=%v", i+1, s.Ad)
		}
	}
	if p.LatestNews[0].Article.ID != "a007" || p.LatestNews[len(p.LatestNews)-1].Article.ID != "a019" {
		t.Errorf("latest spans %s..%s, want a007..a019", p.LatestNews[0].Article.ID, p.LatestNews[len(p.LatestNews)-1].Article.ID)
	}

	for tag, items := range p.TeamSections {
		if len(items) > TeamSize {
			t.Errorf("team %s has %d items", tag, len(items))
		}
		for i := 1; i < len(items); i++ {
			if items[i-1].Score < items[i].Score {
				t.Errorf("team %s not in score order", tag)
			}
		}
	}
	if len(p.TeamSections) != 4 {
		t.Errorf("team sections = %d, want 4", len(p.TeamSections))
	}
	if _, ok := p.TeamSections[""]; ok {
		t.Error("untagged articles must not form a team section")
	}
}

func TestAssembleDisjoint(t *testing.T) {
	for _, n := range []int{0, 1, 7, 19, 20, 21, 45, 100} {
		for _, featured := range []bool{true, false} {
			t.Run(fmt.Sprintf("n=%d featured=%v", n, featured), func(t *testing.T) {
				candidates := makeCandidates(n)
				// Duplicate input rows must not produce duplicate output.
				if n > 3 {
					candidates = append(candidates, candidates[2])
				}
				p := Assemble(candidates, Options{Featured: featured})

				valid := make(map[string]bool)
				for _, c := range candidates {
					valid[c.Article.ID] = true
				}
				seen := make(map[string]bool)
				for _, id := range p.ArticleIDs() {
					if seen[id] {
						t.Fatalf("article %s appears twice", id)
					}
					if !valid[id] {
						t.Fatalf("article %s is not a candidate", id)
					}
					seen[id] = true
				}
			})
		}
	}
}

func TestAssembleFewCandidates(t *testing.T) {
	p := Assemble(makeCandidates(12), Options{Featured: true})

	articles, ads := countArticles(p.LatestNews)
	if articles != 5 {
		t.Errorf("latest articles = %d, want 5", articles)
	}
	if ads != 1 {
		t.Errorf("ads = %d, want 1", ads)
	}
	if last := p.LatestNews[len(p.LatestNews)-1]; last.Ad {
		t.Error("latest must not end with an ad marker")
	}
	if len(p.TeamSections) != 0 {
		t.Errorf("team sections = %v, want none", p.TeamSections)
	}

	empty := Assemble(nil, Options{Featured: true})
	if empty.Featured != nil || len(empty.TopHeadlines) != 0 || len(empty.LatestNews) != 0 {
		t.Errorf("empty assemble = %+v", empty)
	}
	b, err := json.Marshal(empty)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != `{"topHeadlines":[],"latestNews":[],"teamSections":{}}` {
		t.Errorf("empty payload JSON = %s", b)
	}
}

func TestAssembleWithoutFeatured(t *testing.T) {
	p := Assemble(makeCandidates(30), Options{Featured: false})
	if p.Featured != nil {
		t.Fatal("featured must be omitted outside default mode")
	}
	if p.TopHeadlines[0].ID != "a000" {
		t.Errorf("headlines start at %s, want a000", p.TopHeadlines[0].ID)
	}
	if len(p.TopHeadlines) != HeadlinesSize {
		t.Errorf("headlines = %d", len(p.TopHeadlines))
	}
}

func TestAssemblePopularity(t *testing.T) {
	candidates := makeCandidates(30)
	views := map[string]int64{"a005": 500, "a003": 100, "a001": 100, "a030": 900}
	p := Assemble(candidates, Options{Popularity: views})

	want := []string{"a005", "a001", "a003", "a000", "a002", "a004"}
	for i, it := range p.TopHeadlines {
		if it.ID != want[i] {
			t.Fatalf("headlines = %v, want %v", ids(p.TopHeadlines), want)
		}
	}
	// Membership is still decided by score.
	if got := p.LatestNews[0].Article.ID; got != "a006" {
		t.Errorf("latest starts at %s, want a006", got)
	}
}

func TestAssembleIdempotent(t *testing.T) {
	candidates := makeCandidates(40)
	reversed := make([]rank.Scored, len(candidates))
	for i, c := range candidates {
		reversed[len(candidates)-1-i] = c
	}

	opts := Options{Featured: true, Explain: true}
	first, err := json.Marshal(Assemble(candidates, opts))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, _ := json.Marshal(Assemble(candidates, opts))
		if !bytes.Equal(first, again) {
			t.Fatal("assembly is not byte-identical across runs")
		}
	}
	fromReversed, _ := json.Marshal(Assemble(reversed, opts))
	if !bytes.Equal(first, fromReversed) {
		t.Fatal("assembly depends on input order")
	}
}

func TestAssembleExplain(t *testing.T) {
	p := Assemble(makeCandidates(3), Options{Featured: true, Explain: true})
	if p.Featured.Breakdown == nil || p.Featured.Breakdown.Importance != 200 {
		t.Errorf("breakdown = %+v", p.Featured.Breakdown)
	}
	plain := Assemble(makeCandidates(3), Options{Featured: true})
	if plain.Featured.Breakdown != nil {
		t.Error("breakdown attached without explain")
	}
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
