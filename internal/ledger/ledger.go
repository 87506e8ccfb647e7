// Package ledger is the authoritative record of article views.
package ledger

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"sportsfeed/internal/database"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Outcome is the result of recording one view event.
type Outcome int

const (
	Accepted Outcome = iota
	Deduplicated
	// Dropped events were valid but could not be stored, or arrived too late
	// to be deduplicated safely.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Deduplicated:
		return "deduplicated"
	case Dropped:
		return "dropped"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

type Source string

const (
	SourceClient Source = "client"
	SourceServer Source = "server"
)

const (
	DefaultDedupWindow = 48 * time.Hour
	DefaultRetention   = 30 * 24 * time.Hour
	maxClockSkew       = 5 * time.Minute
	maxArticleIDLen    = 128
)

var ErrMalformed = errors.New("malformed view event")

var viewerPattern = regexp.MustCompile(`^(u|d):[A-Za-z0-9_-]{1,64}$`)

// Metrics variables
var (
	viewsAccepted     = expvar.NewInt("views_accepted")
	viewsDeduplicated = expvar.NewInt("views_deduplicated")
	viewsDropped      = expvar.NewInt("views_dropped")
	viewsRejected     = expvar.NewInt("views_rejected")
)

// Event is one view as submitted by a client or observed by the server.
// Timestamp is unix milliseconds.
type Event struct {
	ViewerID  string `json:"viewerId"`
	ArticleID string `json:"articleId"`
	Timestamp int64  `json:"timestamp"`
	Source    Source `json:"source,omitempty"`
}

func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// IsAnonymous reports whether the viewer is a device rather than a user.
func IsAnonymous(viewerID string) bool {
	return len(viewerID) > 2 && viewerID[:2] == "d:"
}

// ValidViewer reports whether id has the u:/d: viewer form.
func ValidViewer(id string) bool {
	return viewerPattern.MatchString(id)
}

// Validate checks e against now.
func (e Event) Validate(now time.Time) error {
	if !ValidViewer(e.ViewerID) {
		return fmt.Errorf("%w: viewer id %q", ErrMalformed, e.ViewerID)
	}
	if e.ArticleID == "" || len(e.ArticleID) > maxArticleIDLen {
		return fmt.Errorf("%w: article id", ErrMalformed)
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp must be positive", ErrMalformed)
	}
	if e.Time().After(now.Add(maxClockSkew)) {
		return fmt.Errorf("%w: timestamp in the future", ErrMalformed)
	}
	if e.Source != SourceClient && e.Source != SourceServer {
		return fmt.Errorf("%w: source %q", ErrMalformed, e.Source)
	}
	return nil
}

// Store is the persistence the ledger needs.
type Store interface {
	RecordView(ctx context.Context, v database.ViewRow, window time.Duration) (bool, error)
	ViewCount(ctx context.Context, articleID string, since, until time.Time) (int64, error)
	CompactViews(ctx context.Context, eventsBefore, dedupBefore time.Time) (int64, int64, error)
}

// Options tune a Ledger. Zero values take the defaults.
type Options struct {
	DedupWindow time.Duration
	Retention   time.Duration
	// MaxElapsed bounds the total time spent retrying one write.
	MaxElapsed time.Duration
	MaxRetries uint64
}

// Ledger records views and answers view-count queries.
type Ledger struct {
	store      Store
	logger     *slog.Logger
	window     time.Duration
	retention  time.Duration
	maxElapsed time.Duration
	maxRetries uint64
	now        func() time.Time
	initial    time.Duration
}

func New(store Store, logger *slog.Logger, opts Options) *Ledger {
	l := &Ledger{
		store:      store,
		logger:     logger,
		window:     opts.DedupWindow,
		retention:  opts.Retention,
		maxElapsed: opts.MaxElapsed,
		maxRetries: opts.MaxRetries,
		now:        time.Now,
		initial:    50 * time.Millisecond,
	}
	if l.window <= 0 {
		l.window = DefaultDedupWindow
	}
	if l.retention <= 0 {
		l.retention = DefaultRetention
	}
	if l.maxElapsed <= 0 {
		l.maxElapsed = 2 * time.Second
	}
	if l.maxRetries == 0 {
		l.maxRetries = 4
	}
	return l
}

// DedupWindow is the span within which repeat views collapse into one.
func (l *Ledger) DedupWindow() time.Duration {
	return l.window
}

func (l *Ledger) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initial
	b.MaxInterval = l.maxElapsed / 2
	b.MaxElapsedTime = l.maxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(b, l.maxRetries), ctx)
}

// Record validates e and appends it unless it repeats a counted view of the
// same article by the same viewer within the dedup window. Only malformed
// input produces an error; storage failures are retried and, once retries
// are exhausted, the event is dropped and counted.
func (l *Ledger) Record(ctx context.Context, e Event) (Outcome, error) {
	now := l.now()
	if err := e.Validate(now); err != nil {
		viewsRejected.Add(1)
		return Dropped, err
	}

	// A marker older than the window may already be compacted, so an event
	// this late could be counted twice.
	if e.Time().Before(now.Add(-l.window)) {
		viewsDropped.Add(1)
		l.logger.Debug("dropping late view", "viewer", e.ViewerID, "article", e.ArticleID, "age", now.Sub(e.Time()))
		return Dropped, nil
	}

	row := database.ViewRow{
		ID:        uuid.NewString(),
		ViewerID:  e.ViewerID,
		ArticleID: e.ArticleID,
		Source:    string(e.Source),
		ViewedAt:  e.Time(),
	}

	var counted bool
	op := func() error {
		ok, err := l.store.RecordView(ctx, row, l.window)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		counted = ok
		return nil
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Warn("view write failed, retrying", "article", e.ArticleID, "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(op, l.retryPolicy(ctx), notify); err != nil {
		viewsDropped.Add(1)
		l.logger.Error("dropping view after retries", "viewer", e.ViewerID, "article", e.ArticleID, "error", err)
		return Dropped, nil
	}

	if !counted {
		viewsDeduplicated.Add(1)
		return Deduplicated, nil
	}
	viewsAccepted.Add(1)
	return Accepted, nil
}

// ViewCount returns the counted views of articleID within the trailing
// window ending now.
func (l *Ledger) ViewCount(ctx context.Context, articleID string, window time.Duration) (int64, error) {
	now := l.now()
	n, err := l.store.ViewCount(ctx, articleID, now.Add(-window), now.Add(time.Millisecond))
	if err != nil {
		return 0, fmt.Errorf("count views of %s: %w", articleID, err)
	}
	return n, nil
}

// Compact deletes events past retention and dedup markers that can no
// longer match an acceptable event. Markers are kept for twice the window
// because events up to one window late are still accepted.
func (l *Ledger) Compact(ctx context.Context, now time.Time) error {
	events, markers, err := l.store.CompactViews(ctx, now.Add(-l.retention), now.Add(-2*l.window))
	if err != nil {
		return fmt.Errorf("compact ledger: %w", err)
	}
	l.logger.Info("ledger compacted", "events", events, "markers", markers)
	return nil
}
