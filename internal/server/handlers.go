package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sportsfeed/internal/catalog"
	"sportsfeed/internal/database"
	"sportsfeed/internal/feed"
	"sportsfeed/internal/ledger"
	"sportsfeed/internal/rss"
	"sportsfeed/internal/sections"
)

// viewRequest accepts either a single event or {"events": [...]}.
type viewRequest struct {
	Events []ledger.Event `json:"events"`
	ledger.Event
}

func (s *Server) handleViews(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxViewBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			RespondWithError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		RespondWithError(w, http.StatusBadRequest, "Error reading request body")
		return
	}

	var req viewRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	events := req.Events
	if events == nil {
		events = []ledger.Event{req.Event}
	} else if req.Event != (ledger.Event{}) {
		RespondWithError(w, http.StatusBadRequest, "Send either one event or an events list")
		return
	}
	if len(events) == 0 || len(events) > maxBatchEvents {
		RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("Batch must hold 1 to %d events", maxBatchEvents))
		return
	}

	// A batch is validated as a whole before anything is recorded.
	now := s.now()
	for i := range events {
		if events[i].Source == "" {
			events[i].Source = ledger.SourceClient
		}
		if err := events[i].Validate(now); err != nil {
			RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	// Outcomes stay internal: callers see the same reply whether an event
	// was counted, deduplicated or dropped.
	for _, e := range events {
		outcome, err := s.views.Record(r.Context(), e)
		if err != nil {
			if errors.Is(err, ledger.ErrMalformed) {
				RespondWithError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.logger.Error("error recording view", "viewer", e.ViewerID, "article", e.ArticleID, "error", err)
			RespondWithError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if !s.config.ProductionMode {
			s.logger.Debug("view recorded", "viewer", e.ViewerID, "article", e.ArticleID, "outcome", outcome.String())
		}
	}

	RespondWithJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "count": len(events)})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	filters, err := parseFilters(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.feeds.GetFeed(r.Context(), r.URL.Query().Get("viewerId"), filters)
	if err != nil {
		switch {
		case errors.Is(err, feed.ErrInvalidFilter), errors.Is(err, feed.ErrInvalidViewer):
			RespondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, context.Canceled):
			// Client went away.
		default:
			s.logger.Error("error building feed", "error", err)
			RespondWithError(w, http.StatusServiceUnavailable, "Feed temporarily unavailable")
		}
		return
	}

	if !s.config.ProductionMode {
		s.logger.Debug("feed served", "hit", res.Hit, "stale", res.Stale, "bytes", len(res.Payload))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Payload); err != nil {
		s.logger.Warn("error writing feed response", "error", err)
	}
}

func parseFilters(r *http.Request) (feed.Filters, error) {
	q := r.URL.Query()
	f := feed.Filters{
		Sort:       q.Get("sort"),
		TimeFilter: q.Get("timeFilter"),
		Category:   q.Get("category"),
	}
	if p := q.Get("page"); p != "" {
		page, err := strconv.Atoi(p)
		if err != nil {
			return feed.Filters{}, fmt.Errorf("%w: page %q", feed.ErrInvalidFilter, p)
		}
		f.Page = page
	}
	if e := q.Get("explain"); e != "" {
		explain, err := strconv.ParseBool(e)
		if err != nil {
			return feed.Filters{}, fmt.Errorf("%w: explain %q", feed.ErrInvalidFilter, e)
		}
		f.Explain = explain
	}
	return f, nil
}

func (s *Server) handleContentEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var e catalog.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&e); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := s.content.Handle(r.Context(), e); err != nil {
		switch {
		case errors.Is(err, catalog.ErrInvalidEvent), errors.Is(err, database.ErrInvalidInput):
			RespondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, database.ErrNotFound):
			RespondWithError(w, http.StatusNotFound, "Article not found")
		default:
			s.logger.Error("error applying content event", "kind", e.Kind, "article", e.ArticleID, "error", err)
			RespondWithError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	s.logger.Info("content event applied", "kind", e.Kind, "article", e.ArticleID)
	RespondWithJSON(w, http.StatusAccepted, map[string]string{"status": "applied"})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.feeds.Flush()
	RespondWithJSON(w, http.StatusAccepted, map[string]string{"status": "flushed"})
}

func (s *Server) handleRSS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res, err := s.feeds.GetFeed(r.Context(), "", feed.Filters{})
	if err != nil {
		s.logger.Error("error building feed for RSS", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	var payload sections.Payload
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		s.logger.Error("error decoding feed payload for RSS", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	siteURL := s.config.SiteURL
	if siteURL == "" {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		siteURL = scheme + "://" + r.Host
	}

	doc := rss.Build(rss.ChannelInfo{
		Title:       s.config.SiteTitle,
		Description: s.config.SiteDescription,
		SiteURL:     siteURL,
	}, payload.TopHeadlines, s.now())

	out, err := rss.Marshal(doc)
	if err != nil {
		s.logger.Error("error marshalling RSS feed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	if _, err := w.Write(out); err != nil {
		s.logger.Warn("error writing RSS response", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Error("health check failed", "error", err)
		http.Error(w, "DB Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// handleMetrics returns the published expvar counters as JSON. Runtime
// variables registered by the expvar package itself are left out.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	metrics := make(map[string]json.RawMessage)
	expvar.Do(func(kv expvar.KeyValue) {
		if kv.Key == "memstats" || kv.Key == "cmdline" {
			return
		}
		metrics[kv.Key] = json.RawMessage(kv.Value.String())
	})

	RespondWithJSON(w, http.StatusOK, metrics)
}

// isAPIPath reports whether the response is machine-readable JSON.
func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/api/") || strings.HasPrefix(path, "/internal/") || path == "/metrics"
}
