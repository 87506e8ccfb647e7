package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sportsfeed/internal/database"
	"sportsfeed/internal/logging"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, store Store) *Ledger {
	t.Helper()
	l := New(store, logging.Discard(), Options{MaxElapsed: 200 * time.Millisecond, MaxRetries: 3})
	l.now = func() time.Time { return testNow }
	l.initial = time.Millisecond
	return l
}

func setupDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(database.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"), database.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func view(viewer, article string, at time.Time) Event {
	return Event{ViewerID: viewer, ArticleID: article, Timestamp: at.UnixMilli(), Source: SourceClient}
}

// flakyStore fails the first failures writes.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) RecordView(ctx context.Context, v database.ViewRow, window time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return false, errors.New("database is locked")
	}
	return true, nil
}

func (f *flakyStore) ViewCount(ctx context.Context, articleID string, since, until time.Time) (int64, error) {
	return 0, nil
}

func (f *flakyStore) CompactViews(ctx context.Context, eventsBefore, dedupBefore time.Time) (int64, int64, error) {
	return 0, 0, nil
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"user", view("u:42", "a1", testNow), false},
		{"device", view("d:abc-DEF_1", "a1", testNow), false},
		{"server source", Event{ViewerID: "u:1", ArticleID: "a", Timestamp: testNow.UnixMilli(), Source: SourceServer}, false},
		{"slight future", view("u:1", "a1", testNow.Add(4*time.Minute)), false},
		{"far future", view("u:1", "a1", testNow.Add(10*time.Minute)), true},
		{"bad prefix", view("x:1", "a1", testNow), true},
		{"empty viewer", view("", "a1", testNow), true},
		{"viewer too long", view("u:"+strings.Repeat("a", 65), "a1", testNow), true},
		{"empty article", view("u:1", "", testNow), true},
		{"article too long", view("u:1", strings.Repeat("a", 129), testNow), true},
		{"zero timestamp", Event{ViewerID: "u:1", ArticleID: "a", Source: SourceClient}, true},
		{"negative timestamp", Event{ViewerID: "u:1", ArticleID: "a", Timestamp: -5, Source: SourceClient}, true},
		{"unknown source", Event{ViewerID: "u:1", ArticleID: "a", Timestamp: testNow.UnixMilli(), Source: "bot"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate(testNow)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformed) {
				t.Errorf("error %v does not wrap ErrMalformed", err)
			}
		})
	}
}

func TestRecordDedupWithinWindow(t *testing.T) {
	db := setupDB(t)
	l := newTestLedger(t, db)
	ctx := context.Background()

	accepted := viewsAccepted.Value()
	deduped := viewsDeduplicated.Value()

	out, err := l.Record(ctx, view("u:1", "a1", testNow.Add(-2*time.Hour)))
	if err != nil || out != Accepted {
		t.Fatalf("first Record = %v, %v; want accepted", out, err)
	}
	out, err = l.Record(ctx, view("u:1", "a1", testNow.Add(-time.Hour)))
	if err != nil || out != Deduplicated {
		t.Fatalf("second Record = %v, %v; want deduplicated", out, err)
	}
	out, err = l.Record(ctx, view("u:2", "a1", testNow.Add(-time.Hour)))
	if err != nil || out != Accepted {
		t.Fatalf("other viewer Record = %v, %v; want accepted", out, err)
	}

	n, err := l.ViewCount(ctx, "a1", 24*time.Hour)
	if err != nil {
		t.Fatalf("ViewCount failed: %v", err)
	}
	if n != 2 {
		t.Errorf("ViewCount = %d, want 2", n)
	}
	if got := viewsAccepted.Value() - accepted; got != 2 {
		t.Errorf("views_accepted grew by %d, want 2", got)
	}
	if got := viewsDeduplicated.Value() - deduped; got != 1 {
		t.Errorf("views_deduplicated grew by %d, want 1", got)
	}
}

func TestRecordAfterWindowCountsAgain(t *testing.T) {
	db := setupDB(t)
	l := newTestLedger(t, db)
	ctx := context.Background()

	l.now = func() time.Time { return testNow }
	if out, _ := l.Record(ctx, view("u:1", "a1", testNow)); out != Accepted {
		t.Fatalf("first Record = %v", out)
	}

	later := testNow.Add(49 * time.Hour)
	l.now = func() time.Time { return later }
	if out, _ := l.Record(ctx, view("u:1", "a1", later)); out != Accepted {
		t.Errorf("Record after window = %v, want accepted", out)
	}
}

func TestRecordRejectsMalformed(t *testing.T) {
	l := newTestLedger(t, &flakyStore{})
	rejected := viewsRejected.Value()

	_, err := l.Record(context.Background(), view("nobody", "a1", testNow))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if viewsRejected.Value()-rejected != 1 {
		t.Error("views_rejected not incremented")
	}
}

func TestRecordDropsLateEvent(t *testing.T) {
	store := &flakyStore{}
	l := newTestLedger(t, store)

	out, err := l.Record(context.Background(), view("u:1", "a1", testNow.Add(-49*time.Hour)))
	if err != nil || out != Dropped {
		t.Errorf("Record = %v, %v; want dropped", out, err)
	}
	if store.calls != 0 {
		t.Errorf("late event reached the store")
	}
}

func TestRecordRetries(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		store := &flakyStore{failures: 2}
		l := newTestLedger(t, store)

		out, err := l.Record(context.Background(), view("u:1", "a1", testNow))
		if err != nil || out != Accepted {
			t.Errorf("Record = %v, %v; want accepted", out, err)
		}
		if store.calls != 3 {
			t.Errorf("calls = %d, want 3", store.calls)
		}
	})

	t.Run("drops on exhaustion", func(t *testing.T) {
		store := &flakyStore{failures: 100}
		l := newTestLedger(t, store)
		dropped := viewsDropped.Value()

		out, err := l.Record(context.Background(), view("u:1", "a1", testNow))
		if err != nil {
			t.Errorf("storage failure surfaced: %v", err)
		}
		if out != Dropped {
			t.Errorf("Record = %v, want dropped", out)
		}
		if store.calls != 4 {
			t.Errorf("calls = %d, want 4", store.calls)
		}
		if viewsDropped.Value()-dropped != 1 {
			t.Error("views_dropped not incremented")
		}
	})
}

func TestRecordConcurrentSamePair(t *testing.T) {
	db := setupDB(t)
	l := newTestLedger(t, db)

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[Outcome]int{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := l.Record(context.Background(), view("d:device1", "a1", testNow.Add(-time.Duration(i)*time.Minute)))
			if err != nil {
				t.Errorf("Record failed: %v", err)
			}
			mu.Lock()
			outcomes[out]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if outcomes[Accepted] != 1 {
		t.Errorf("outcomes = %v, want exactly one accepted", outcomes)
	}
	n, err := l.ViewCount(context.Background(), "a1", time.Hour)
	if err != nil {
		t.Fatalf("ViewCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ViewCount = %d, want 1", n)
	}
}

func TestCompact(t *testing.T) {
	db := setupDB(t)
	l := newTestLedger(t, db)
	ctx := context.Background()

	old := testNow.Add(-40 * 24 * time.Hour)
	l.now = func() time.Time { return old }
	if out, _ := l.Record(ctx, view("u:1", "a1", old)); out != Accepted {
		t.Fatalf("Record(old) = %v", out)
	}
	l.now = func() time.Time { return testNow }
	if out, _ := l.Record(ctx, view("u:1", "a2", testNow)); out != Accepted {
		t.Fatalf("Record(now) = %v", out)
	}

	if err := l.Compact(ctx, testNow); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	var events, markers int
	db.QueryRow("SELECT COUNT(*) FROM view_events").Scan(&events)
	db.QueryRow("SELECT COUNT(*) FROM view_dedup").Scan(&markers)
	if events != 1 || markers != 1 {
		t.Errorf("after compaction events=%d markers=%d, want 1 and 1", events, markers)
	}
}

func TestCompactorSchedule(t *testing.T) {
	l := newTestLedger(t, &flakyStore{})
	if _, err := NewCompactor(l, logging.Discard(), "not a spec"); err == nil {
		t.Error("expected error for invalid spec")
	}

	c, err := NewCompactor(l, logging.Discard(), "30 3 * * *")
	if err != nil {
		t.Fatalf("NewCompactor failed: %v", err)
	}
	c.Start()
	defer c.Stop()
	next := c.Next()
	if next.IsZero() || next.Hour() != 3 || next.Minute() != 30 {
		t.Errorf("Next() = %v, want 03:30 UTC", next)
	}
}

func TestIsAnonymous(t *testing.T) {
	if !IsAnonymous("d:abc") || IsAnonymous("u:abc") || IsAnonymous("d:") {
		t.Error("IsAnonymous misclassified viewer ids")
	}
}
