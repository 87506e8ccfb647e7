// internal/database/queries.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Error definitions
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// ArticleRecord is an article row as stored.
type ArticleRecord struct {
	ID            string
	Title         string
	URL           string
	Summary       string
	TeamTag       string // empty when the article has no team
	Importance    int
	PublishedAt   time.Time
	UnpublishedAt time.Time
	LifetimeViews int64
}

// CandidateQuery narrows the published articles considered for a feed.
type CandidateQuery struct {
	Now            time.Time
	Category       string
	PublishedSince time.Time
	Limit          int
}

// ViewRow is one view event to append.
type ViewRow struct {
	ID        string
	ViewerID  string
	ArticleID string
	Source    string
	ViewedAt  time.Time
}

// ArticleViews pairs an article with a windowed view count.
type ArticleViews struct {
	ArticleID    string
	Views        int64
	LastViewedAt time.Time
}

// ViewerView is one entry of a viewer's history, joined with the article tag.
type ViewerView struct {
	ArticleID string
	TeamTag   string
	ViewedAt  time.Time
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// GetSetting retrieves a setting value
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := db.QueryRowContext(ctx,
		db.rebind("SELECT value FROM settings WHERE key = ?"),
		key,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value.String, err
}

// GetSettingInt retrieves and parses an integer setting
func (db *DB) GetSettingInt(ctx context.Context, key string) (int, error) {
	var value, valueType sql.NullString
	err := db.QueryRowContext(ctx,
		db.rebind("SELECT value, type FROM settings WHERE key = ?"),
		key,
	).Scan(&value, &valueType)

	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	if valueType.String != "int" {
		return 0, ErrInvalidInput
	}

	n, err := strconv.Atoi(value.String)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return n, nil
}

// UpdateSetting inserts or replaces a setting
func (db *DB) UpdateSetting(ctx context.Context, key, value, valueType string) error {
	if key == "" {
		return ErrInvalidInput
	}
	_, err := db.ExecContext(ctx,
		db.rebind(`INSERT INTO settings (key, value, type, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
		value = excluded.value,
		type = excluded.type,
		updated_at = excluded.updated_at`),
		key, value, valueType, time.Now().UnixMilli(),
	)
	return err
}

// UpsertArticle inserts an article or refreshes its descriptive fields.
// Importance and publish time of an existing row are never touched: they
// belong to the editors. Reports whether a new row was created.
func (db *DB) UpsertArticle(ctx context.Context, a ArticleRecord) (bool, error) {
	if a.ID == "" || a.Importance < 0 || a.Importance > 100 {
		return false, ErrInvalidInput
	}
	now := time.Now().UnixMilli()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		db.rebind(`INSERT INTO articles (id, title, url, summary, team_tag, importance, published_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		a.ID, a.Title, a.URL, a.Summary, nullString(a.TeamTag), a.Importance,
		millis(a.PublishedAt), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert article %s: %w", a.ID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if inserted == 0 {
		_, err = tx.ExecContext(ctx,
			db.rebind(`UPDATE articles SET title = ?, url = ?, summary = ?, team_tag = ?, updated_at = ?
			WHERE id = ?`),
			a.Title, a.URL, a.Summary, nullString(a.TeamTag), now, a.ID,
		)
		if err != nil {
			return false, fmt.Errorf("update article %s: %w", a.ID, err)
		}
	}

	return inserted > 0, tx.Commit()
}

// PublishArticle applies a publish notification from the content system.
// Unlike UpsertArticle it brings an unpublished row back into the candidate
// set and, when importance is non-nil, stores the editor's value.
func (db *DB) PublishArticle(ctx context.Context, a ArticleRecord, importance *int) (bool, error) {
	if importance != nil && (*importance < 0 || *importance > 100) {
		return false, ErrInvalidInput
	}
	inserted, err := db.UpsertArticle(ctx, a)
	if err != nil || inserted {
		return inserted, err
	}
	return false, db.RestoreArticle(ctx, a.ID, importance)
}

// RestoreArticle clears the unpublish stamp and optionally sets importance.
func (db *DB) RestoreArticle(ctx context.Context, id string, importance *int) error {
	q := db.sb.Update("articles").
		Set("unpublished_at", nil).
		Set("updated_at", time.Now().UnixMilli()).
		Where(sq.Eq{"id": id})
	if importance != nil {
		if *importance < 0 || *importance > 100 {
			return ErrInvalidInput
		}
		q = q.Set("importance", *importance)
	}
	return db.execOne(ctx, q)
}

// SetImportance mirrors an editor's importance change.
func (db *DB) SetImportance(ctx context.Context, id string, importance int) error {
	if importance < 0 || importance > 100 {
		return ErrInvalidInput
	}
	return db.execOne(ctx, db.sb.Update("articles").
		Set("importance", importance).
		Set("updated_at", time.Now().UnixMilli()).
		Where(sq.Eq{"id": id}))
}

// execOne runs an update that must touch a row.
func (db *DB) execOne(ctx context.Context, q sq.UpdateBuilder) error {
	query, args, err := q.ToSql()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkUnpublished removes an article from future candidate sets.
func (db *DB) MarkUnpublished(ctx context.Context, id string, at time.Time) error {
	res, err := db.ExecContext(ctx,
		db.rebind(`UPDATE articles SET unpublished_at = ?, updated_at = ? WHERE id = ?`),
		millis(at), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) articleSelect() sq.SelectBuilder {
	return db.sb.Select(
		"a.id", "a.title", "a.url", "a.summary", "a.team_tag", "a.importance",
		"a.published_at", "a.unpublished_at", "COALESCE(c.lifetime, 0)",
	).
		From("articles a").
		LeftJoin("view_counts c ON c.article_id = a.id")
}

func scanArticle(rows interface{ Scan(...any) error }) (ArticleRecord, error) {
	var a ArticleRecord
	var team sql.NullString
	var published int64
	var unpublished sql.NullInt64
	if err := rows.Scan(&a.ID, &a.Title, &a.URL, &a.Summary, &team, &a.Importance,
		&published, &unpublished, &a.LifetimeViews); err != nil {
		return a, err
	}
	a.TeamTag = team.String
	a.PublishedAt = fromMillis(published)
	if unpublished.Valid {
		a.UnpublishedAt = fromMillis(unpublished.Int64)
	}
	return a, nil
}

// GetArticle loads a single article regardless of publication state.
func (db *DB) GetArticle(ctx context.Context, id string) (ArticleRecord, error) {
	query, args, err := db.articleSelect().Where(sq.Eq{"a.id": id}).ToSql()
	if err != nil {
		return ArticleRecord{}, err
	}
	a, err := scanArticle(db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return ArticleRecord{}, ErrNotFound
	}
	return a, err
}

// ListCandidates returns published articles matching q, newest first.
func (db *DB) ListCandidates(ctx context.Context, q CandidateQuery) ([]ArticleRecord, error) {
	b := db.articleSelect().
		Where(sq.Eq{"a.unpublished_at": nil}).
		Where(sq.LtOrEq{"a.published_at": millis(q.Now)})
	if q.Category != "" {
		b = b.Where(sq.Eq{"a.team_tag": q.Category})
	}
	if !q.PublishedSince.IsZero() {
		b = b.Where(sq.GtOrEq{"a.published_at": millis(q.PublishedSince)})
	}
	b = b.OrderBy("a.published_at DESC", "a.id ASC")
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var articles []ArticleRecord
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

// RecordView appends v unless the same viewer already had a counted view of
// the same article within window. The dedup decision is one conditional
// upsert on the (viewer_id, article_id) primary key, so two concurrent calls
// for the same pair can never both be accepted.
func (db *DB) RecordView(ctx context.Context, v ViewRow, window time.Duration) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	viewed := millis(v.ViewedAt)
	res, err := tx.ExecContext(ctx,
		db.rebind(`INSERT INTO view_dedup (viewer_id, article_id, counted_at)
		VALUES (?, ?, ?)
		ON CONFLICT (viewer_id, article_id) DO UPDATE SET
		counted_at = excluded.counted_at
		WHERE view_dedup.counted_at <= ?`),
		v.ViewerID, v.ArticleID, viewed, viewed-window.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		db.rebind(`INSERT INTO view_events (id, viewer_id, article_id, source, viewed_at)
		VALUES (?, ?, ?, ?, ?)`),
		v.ID, v.ViewerID, v.ArticleID, v.Source, viewed,
	); err != nil {
		return false, fmt.Errorf("append view: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		db.rebind(`INSERT INTO view_counts (article_id, lifetime, last_viewed_at)
		VALUES (?, 1, ?)
		ON CONFLICT (article_id) DO UPDATE SET
		lifetime = view_counts.lifetime + 1,
		last_viewed_at = CASE WHEN excluded.last_viewed_at > view_counts.last_viewed_at
			THEN excluded.last_viewed_at ELSE view_counts.last_viewed_at END`),
		v.ArticleID, viewed,
	); err != nil {
		return false, fmt.Errorf("increment counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ViewCount returns how many counted views articleID received in [since, until).
func (db *DB) ViewCount(ctx context.Context, articleID string, since, until time.Time) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx,
		db.rebind(`SELECT COUNT(*) FROM view_events
		WHERE article_id = ? AND viewed_at >= ? AND viewed_at < ?`),
		articleID, millis(since), millis(until),
	).Scan(&n)
	return n, err
}

// ViewCountsSince returns per-article counts in [since, until).
func (db *DB) ViewCountsSince(ctx context.Context, since, until time.Time) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx,
		db.rebind(`SELECT article_id, COUNT(*) FROM view_events
		WHERE viewed_at >= ? AND viewed_at < ?
		GROUP BY article_id`),
		millis(since), millis(until),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// TopViewed ranks published articles by views in [since, until), breaking
// ties by article id.
func (db *DB) TopViewed(ctx context.Context, since, until time.Time, limit int) ([]ArticleViews, error) {
	rows, err := db.QueryContext(ctx,
		db.rebind(`SELECT v.article_id, COUNT(*) AS views, MAX(v.viewed_at)
		FROM view_events v
		JOIN articles a ON a.id = v.article_id
		WHERE v.viewed_at >= ? AND v.viewed_at < ? AND a.unpublished_at IS NULL
		GROUP BY v.article_id
		ORDER BY views DESC, v.article_id ASC
		LIMIT ?`),
		millis(since), millis(until), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query top viewed: %w", err)
	}
	defer rows.Close()

	top := make([]ArticleViews, 0, limit)
	for rows.Next() {
		var av ArticleViews
		var last int64
		if err := rows.Scan(&av.ArticleID, &av.Views, &last); err != nil {
			return nil, err
		}
		av.LastViewedAt = fromMillis(last)
		top = append(top, av)
	}
	return top, rows.Err()
}

// ViewerHistory returns viewerID's views at or after since, newest first.
// Views of articles missing from the catalog carry an empty tag.
func (db *DB) ViewerHistory(ctx context.Context, viewerID string, since time.Time) ([]ViewerView, error) {
	rows, err := db.QueryContext(ctx,
		db.rebind(`SELECT v.article_id, COALESCE(a.team_tag, ''), v.viewed_at
		FROM view_events v
		LEFT JOIN articles a ON a.id = v.article_id
		WHERE v.viewer_id = ? AND v.viewed_at >= ?
		ORDER BY v.viewed_at DESC, v.article_id ASC`),
		viewerID, millis(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query viewer history: %w", err)
	}
	defer rows.Close()

	var history []ViewerView
	for rows.Next() {
		var vv ViewerView
		var at int64
		if err := rows.Scan(&vv.ArticleID, &vv.TeamTag, &at); err != nil {
			return nil, err
		}
		vv.ViewedAt = fromMillis(at)
		history = append(history, vv)
	}
	return history, rows.Err()
}

// ViewedArticles returns the set of article ids viewerID has any retained
// view of.
func (db *DB) ViewedArticles(ctx context.Context, viewerID string) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx,
		db.rebind(`SELECT DISTINCT article_id FROM view_events WHERE viewer_id = ?`),
		viewerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		seen[id] = struct{}{}
	}
	return seen, rows.Err()
}

// CompactViews deletes view events older than eventsBefore and dedup
// markers older than dedupBefore.
func (db *DB) CompactViews(ctx context.Context, eventsBefore, dedupBefore time.Time) (int64, int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		db.rebind(`DELETE FROM view_events WHERE viewed_at < ?`), millis(eventsBefore))
	if err != nil {
		return 0, 0, fmt.Errorf("compact view events: %w", err)
	}
	events, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		db.rebind(`DELETE FROM view_dedup WHERE counted_at < ?`), millis(dedupBefore))
	if err != nil {
		return 0, 0, fmt.Errorf("compact dedup markers: %w", err)
	}
	markers, _ := res.RowsAffected()

	return events, markers, tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
