// Package client reports views to a sportsfeed server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sportsfeed/internal/ledger"
)

var ErrRejected = errors.New("view rejected by server")

// Client sends view events, skipping articles it already reported within
// the cache window.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *ledger.ClientCache
	now     func() time.Time
}

func New(baseURL string, httpClient *http.Client, cache *ledger.ClientCache) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cache == nil {
		cache = ledger.NewClientCache(ledger.DefaultDedupWindow, 0)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		cache:   cache,
		now:     time.Now,
	}
}

// TrackView reports that viewerID opened articleID at ts. It reports
// whether a request was sent.
func (c *Client) TrackView(ctx context.Context, viewerID, articleID string, ts time.Time) (bool, error) {
	if !c.cache.ShouldSend(articleID, c.now()) {
		return false, nil
	}

	body, err := json.Marshal(ledger.Event{
		ViewerID:  viewerID,
		ArticleID: articleID,
		Timestamp: ts.UnixMilli(),
		Source:    ledger.SourceClient,
	})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/views", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return true, fmt.Errorf("error sending view: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return true, fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		return true, fmt.Errorf("unexpected response status %d", resp.StatusCode)
	}

	c.cache.MarkSent(articleID, c.now())
	return true, nil
}
