// Package catalog reads articles from the content store and keeps it fed
// from RSS sources.
package catalog

import (
	"context"
	"time"

	"sportsfeed/internal/database"
)

// DefaultImportance is assigned to articles that arrive without an
// editor-set value.
const DefaultImportance = 50

// Article is a published piece of content as the ranking engine sees it.
type Article struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	URL           string    `json:"url,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	TeamTag       string    `json:"teamTag,omitempty"`
	Importance    int       `json:"importance"`
	PublishedAt   time.Time `json:"publishedAt"`
	LifetimeViews int64     `json:"lifetimeViews"`
}

// Query narrows the candidate set.
type Query struct {
	Category       string
	PublishedSince time.Time
	Limit          int
}

// Store is the read side of the content store.
type Store interface {
	Candidates(ctx context.Context, now time.Time, q Query) ([]Article, error)
	Get(ctx context.Context, id string) (Article, error)
}

// DBStore implements Store over the shared database.
type DBStore struct {
	db *database.DB
}

func NewStore(db *database.DB) *DBStore {
	return &DBStore{db: db}
}

func fromRecord(r database.ArticleRecord) Article {
	return Article{
		ID:            r.ID,
		Title:         r.Title,
		URL:           r.URL,
		Summary:       r.Summary,
		TeamTag:       r.TeamTag,
		Importance:    r.Importance,
		PublishedAt:   r.PublishedAt,
		LifetimeViews: r.LifetimeViews,
	}
}

// Candidates returns articles published at or before now and not
// unpublished, newest first.
func (s *DBStore) Candidates(ctx context.Context, now time.Time, q Query) ([]Article, error) {
	records, err := s.db.ListCandidates(ctx, database.CandidateQuery{
		Now:            now,
		Category:       q.Category,
		PublishedSince: q.PublishedSince,
		Limit:          q.Limit,
	})
	if err != nil {
		return nil, err
	}
	articles := make([]Article, len(records))
	for i, r := range records {
		articles[i] = fromRecord(r)
	}
	return articles, nil
}

func (s *DBStore) Get(ctx context.Context, id string) (Article, error) {
	r, err := s.db.GetArticle(ctx, id)
	if err != nil {
		return Article{}, err
	}
	return fromRecord(r), nil
}

// Upsert adds an article or refreshes its descriptive fields. It reports
// whether the article is new.
func (s *DBStore) Upsert(ctx context.Context, a Article) (bool, error) {
	return s.db.UpsertArticle(ctx, database.ArticleRecord{
		ID:          a.ID,
		Title:       a.Title,
		URL:         a.URL,
		Summary:     a.Summary,
		TeamTag:     a.TeamTag,
		Importance:  a.Importance,
		PublishedAt: a.PublishedAt,
	})
}

// Publish stores an article announced by the content system. An existing
// article is restored if it was unpublished and takes importance when set.
func (s *DBStore) Publish(ctx context.Context, a Article, importance *int) (bool, error) {
	return s.db.PublishArticle(ctx, database.ArticleRecord{
		ID:          a.ID,
		Title:       a.Title,
		URL:         a.URL,
		Summary:     a.Summary,
		TeamTag:     a.TeamTag,
		Importance:  a.Importance,
		PublishedAt: a.PublishedAt,
	}, importance)
}

// Republish restores a known article without changing its content.
func (s *DBStore) Republish(ctx context.Context, id string, importance *int) error {
	return s.db.RestoreArticle(ctx, id, importance)
}

// SetImportance mirrors an editor's importance change.
func (s *DBStore) SetImportance(ctx context.Context, id string, importance int) error {
	return s.db.SetImportance(ctx, id, importance)
}

// Unpublish stamps the article so it leaves every future candidate set.
func (s *DBStore) Unpublish(ctx context.Context, id string, at time.Time) error {
	return s.db.MarkUnpublished(ctx, id, at)
}
