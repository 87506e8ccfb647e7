package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// EventKind names a change notification from the content system.
type EventKind string

const (
	EventPublish    EventKind = "publish"
	EventUnpublish  EventKind = "unpublish"
	EventImportance EventKind = "importance"
)

var ErrInvalidEvent = errors.New("invalid content event")

// Event is a content-system notification. Article and Importance are only
// read for publish events that carry the article body.
type Event struct {
	Kind       EventKind `json:"kind"`
	ArticleID  string    `json:"articleId"`
	Article    *Article  `json:"article,omitempty"`
	Importance *int      `json:"importance,omitempty"`
}

func (e Event) Validate() error {
	switch e.Kind {
	case EventPublish, EventUnpublish, EventImportance:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.ArticleID == "" || len(e.ArticleID) > 128 {
		return fmt.Errorf("%w: article id", ErrInvalidEvent)
	}
	if e.Article != nil && e.Article.ID != "" && e.Article.ID != e.ArticleID {
		return fmt.Errorf("%w: article id mismatch", ErrInvalidEvent)
	}
	if e.Importance != nil && (*e.Importance < 0 || *e.Importance > 100) {
		return fmt.Errorf("%w: importance out of range", ErrInvalidEvent)
	}
	return nil
}

// Invalidator is told whenever ranked output may have changed.
type Invalidator interface {
	Invalidate(reason string)
}

// EventHandler applies content events to the store and invalidates caches.
type EventHandler struct {
	store  *DBStore
	inv    Invalidator
	logger *slog.Logger
	now    func() time.Time
}

func NewEventHandler(store *DBStore, inv Invalidator, logger *slog.Logger) *EventHandler {
	return &EventHandler{store: store, inv: inv, logger: logger, now: time.Now}
}

// Handle validates e, mirrors it into the store and invalidates. Importance
// values always come from the content system; the engine never derives one.
func (h *EventHandler) Handle(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	switch e.Kind {
	case EventPublish:
		if e.Article == nil {
			if err := h.store.Republish(ctx, e.ArticleID, e.Importance); err != nil {
				return fmt.Errorf("republish %s: %w", e.ArticleID, err)
			}
			break
		}
		a := *e.Article
		a.ID = e.ArticleID
		a.Importance = DefaultImportance
		if e.Importance != nil {
			a.Importance = *e.Importance
		}
		if a.PublishedAt.IsZero() {
			a.PublishedAt = h.now()
		}
		if _, err := h.store.Publish(ctx, a, e.Importance); err != nil {
			return fmt.Errorf("store published article %s: %w", e.ArticleID, err)
		}
	case EventImportance:
		if e.Importance != nil {
			if err := h.store.SetImportance(ctx, e.ArticleID, *e.Importance); err != nil {
				return fmt.Errorf("set importance of %s: %w", e.ArticleID, err)
			}
		}
	case EventUnpublish:
		if err := h.store.Unpublish(ctx, e.ArticleID, h.now()); err != nil {
			return fmt.Errorf("unpublish %s: %w", e.ArticleID, err)
		}
	}

	h.logger.Debug("content event applied", "kind", e.Kind, "article", e.ArticleID)
	if h.inv != nil {
		h.inv.Invalidate(string(e.Kind))
	}
	return nil
}
