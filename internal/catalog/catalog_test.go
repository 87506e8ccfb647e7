package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sportsfeed/internal/database"
	"sportsfeed/internal/logging"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
	<title>Lakers Wire</title>
	<link>http://example.com/lakers</link>
	<description>Lakers news</description>
	<item>
		<title>Lakers win in overtime</title>
		<link>http://example.com/lakers/1</link>
		<pubDate>Fri, 13 Mar 2026 10:00:00 +0000</pubDate>
		<guid>lakers-1</guid>
		<description><![CDATA[<p>The <b>Lakers</b> won.</p><script>track()</script>]]></description>
	</item>
	<item>
		<title>Injury report</title>
		<link>http://example.com/lakers/2</link>
		<pubDate>Sat, 14 Mar 2026 09:00:00 +0000</pubDate>
		<guid>lakers-2</guid>
		<description>Nobody is hurt.</description>
	</item>
	<item>
		<title></title>
		<link>http://example.com/lakers/3</link>
		<guid>lakers-3</guid>
	</item>
</channel>
</rss>`

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type recordingInvalidator struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingInvalidator) Invalidate(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

func setupStore(t *testing.T) *DBStore {
	t.Helper()
	db, err := database.NewDB(database.DriverSQLite, filepath.Join(t.TempDir(), "catalog.db"), database.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestStoreCandidates(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	articles := []Article{
		{ID: "a", Title: "A", TeamTag: "lakers", Importance: 70, PublishedAt: testNow.Add(-time.Hour)},
		{ID: "b", Title: "B", Importance: 50, PublishedAt: testNow.Add(-2 * time.Hour)},
	}
	for _, a := range articles {
		if _, err := store.Upsert(ctx, a); err != nil {
			t.Fatalf("Upsert(%s) failed: %v", a.ID, err)
		}
	}

	got, err := store.Candidates(ctx, testNow, Query{})
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[0].TeamTag != "lakers" || got[1].TeamTag != "" {
		t.Errorf("Candidates = %+v", got)
	}

	got, err = store.Candidates(ctx, testNow, Query{Category: "lakers"})
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("Candidates(category) = %+v", got)
	}
}

func TestEventHandler(t *testing.T) {
	store := setupStore(t)
	inv := &recordingInvalidator{}
	h := NewEventHandler(store, inv, logging.Discard())
	h.now = func() time.Time { return testNow }
	ctx := context.Background()

	importance := 80
	publish := Event{
		Kind:       EventPublish,
		ArticleID:  "p1",
		Article:    &Article{Title: "Breaking", TeamTag: "celtics"},
		Importance: &importance,
	}
	if err := h.Handle(ctx, publish); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	a, err := store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.Importance != 80 || !a.PublishedAt.Equal(testNow) {
		t.Errorf("published article = %+v", a)
	}

	if err := h.Handle(ctx, Event{Kind: EventImportance, ArticleID: "p1"}); err != nil {
		t.Fatalf("importance failed: %v", err)
	}

	if err := h.Handle(ctx, Event{Kind: EventUnpublish, ArticleID: "p1"}); err != nil {
		t.Fatalf("unpublish failed: %v", err)
	}
	got, err := store.Candidates(ctx, testNow.Add(time.Minute), Query{})
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("unpublished article still a candidate: %+v", got)
	}

	if inv.count() != 3 {
		t.Errorf("invalidations = %d, want 3", inv.count())
	}

	t.Run("unpublish unknown article", func(t *testing.T) {
		err := h.Handle(ctx, Event{Kind: EventUnpublish, ArticleID: "missing"})
		if !errors.Is(err, database.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestEventHandlerMirrorsEditorChanges(t *testing.T) {
	store := setupStore(t)
	h := NewEventHandler(store, &recordingInvalidator{}, logging.Discard())
	h.now = func() time.Time { return testNow }
	ctx := context.Background()

	publish := Event{Kind: EventPublish, ArticleID: "a1", Article: &Article{Title: "Lakers win"}}
	if err := h.Handle(ctx, publish); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	t.Run("importance event updates the stored value", func(t *testing.T) {
		ninety := 90
		if err := h.Handle(ctx, Event{Kind: EventImportance, ArticleID: "a1", Importance: &ninety}); err != nil {
			t.Fatalf("importance failed: %v", err)
		}
		a, err := store.Get(ctx, "a1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if a.Importance != 90 {
			t.Errorf("importance = %d, want 90", a.Importance)
		}
	})

	t.Run("importance for unknown article", func(t *testing.T) {
		v := 10
		err := h.Handle(ctx, Event{Kind: EventImportance, ArticleID: "missing", Importance: &v})
		if !errors.Is(err, database.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("republish restores an unpublished article", func(t *testing.T) {
		if err := h.Handle(ctx, Event{Kind: EventUnpublish, ArticleID: "a1"}); err != nil {
			t.Fatalf("unpublish failed: %v", err)
		}
		later := testNow.Add(time.Minute)
		if got, _ := store.Candidates(ctx, later, Query{}); len(got) != 0 {
			t.Fatalf("unpublished article still a candidate: %+v", got)
		}

		seventy := 70
		republish := Event{Kind: EventPublish, ArticleID: "a1", Article: &Article{Title: "Lakers win (updated)"}, Importance: &seventy}
		if err := h.Handle(ctx, republish); err != nil {
			t.Fatalf("republish failed: %v", err)
		}
		got, err := store.Candidates(ctx, later, Query{})
		if err != nil {
			t.Fatalf("Candidates failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != "a1" || got[0].Importance != 70 || got[0].Title != "Lakers win (updated)" {
			t.Errorf("Candidates after republish = %+v", got)
		}
	})

	t.Run("bodiless republish keeps importance", func(t *testing.T) {
		if err := h.Handle(ctx, Event{Kind: EventUnpublish, ArticleID: "a1"}); err != nil {
			t.Fatalf("unpublish failed: %v", err)
		}
		if err := h.Handle(ctx, Event{Kind: EventPublish, ArticleID: "a1"}); err != nil {
			t.Fatalf("republish failed: %v", err)
		}
		got, err := store.Candidates(ctx, testNow.Add(time.Minute), Query{})
		if err != nil {
			t.Fatalf("Candidates failed: %v", err)
		}
		if len(got) != 1 || got[0].Importance != 70 {
			t.Errorf("Candidates after republish = %+v", got)
		}
	})
}

func TestEventValidate(t *testing.T) {
	bad := 101
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"publish", Event{Kind: EventPublish, ArticleID: "x"}, false},
		{"unknown kind", Event{Kind: "delete", ArticleID: "x"}, true},
		{"missing id", Event{Kind: EventImportance}, true},
		{"id too long", Event{Kind: EventImportance, ArticleID: strings.Repeat("x", 129)}, true},
		{"mismatched article", Event{Kind: EventPublish, ArticleID: "x", Article: &Article{ID: "y"}}, true},
		{"importance out of range", Event{Kind: EventPublish, ArticleID: "x", Importance: &bad}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("error %v does not wrap ErrInvalidEvent", err)
			}
		})
	}
}

func TestIngesterRun(t *testing.T) {
	var requests int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(sampleRSS))
	}))
	defer server.Close()

	store := setupStore(t)
	inv := &recordingInvalidator{}
	events := NewEventHandler(store, inv, logging.Discard())
	in := NewIngester(store, events, logging.Discard(), []Source{{Name: "lakers-wire", URL: server.URL, TeamTag: "lakers"}}, time.Hour)
	in.now = func() time.Time { return testNow }
	ctx := context.Background()

	n, err := in.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted %d articles, want 2", n)
	}
	if inv.count() != 2 {
		t.Errorf("publish events = %d, want 2", inv.count())
	}

	a, err := store.Get(ctx, ArticleID("lakers-wire", "lakers-1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.TeamTag != "lakers" || a.Importance != DefaultImportance {
		t.Errorf("ingested article = %+v", a)
	}
	if a.Summary != "The Lakers won." {
		t.Errorf("summary = %q", a.Summary)
	}

	n, err = in.Run(ctx)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second run inserted %d, want 0", n)
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
}

func TestIngesterSkipsFailingSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer server.Close()

	store := setupStore(t)
	in := NewIngester(store, nil, logging.Discard(), []Source{
		{Name: "broken", URL: server.URL},
		{Name: "private", URL: "http://10.1.2.3/feed"},
	}, time.Hour)

	n, err := in.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if n != 0 {
		t.Errorf("inserted %d, want 0", n)
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "  hello   world ", "hello world"},
		{"html", "<div><p>One</p><p>Two</p></div>", "OneTwo"},
		{"strips script", "<p>Keep</p><script>drop()</script>", "Keep"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.in); got != tt.want {
				t.Errorf("Summarize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	long := strings.Repeat("word ", 100)
	got := Summarize(long)
	if len([]rune(got)) > maxSummaryLen+1 || !strings.HasSuffix(got, "…") {
		t.Errorf("long summary not truncated: %q", got)
	}
}

func TestArticleIDStable(t *testing.T) {
	a := ArticleID("src", "guid-1")
	if a != ArticleID("src", "guid-1") {
		t.Error("ArticleID not stable")
	}
	if a == ArticleID("src", "guid-2") || a == ArticleID("other", "guid-1") {
		t.Error("ArticleID collision")
	}
	if !strings.HasPrefix(a, "src:") {
		t.Errorf("ArticleID = %q", a)
	}
}
