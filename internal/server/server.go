// internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"sportsfeed/internal/catalog"
	"sportsfeed/internal/feed"
	"sportsfeed/internal/ledger"

	"golang.org/x/net/netutil"
)

const (
	maxViewBody     = 64 << 10
	maxEventBody    = 256 << 10
	maxBatchEvents  = 100
	shutdownTimeout = 10 * time.Second
)

type Config struct {
	ProductionMode bool
	// MaxConns caps concurrent connections on the listener; 0 disables the cap.
	MaxConns int

	SiteTitle       string
	SiteURL         string
	SiteDescription string
}

// ViewRecorder stores view events.
type ViewRecorder interface {
	Record(ctx context.Context, e ledger.Event) (ledger.Outcome, error)
}

// FeedProvider serves assembled feeds.
type FeedProvider interface {
	GetFeed(ctx context.Context, viewerID string, filters feed.Filters) (feed.Result, error)
	Flush()
}

// ContentEventHandler applies content-system notifications.
type ContentEventHandler interface {
	Handle(ctx context.Context, e catalog.Event) error
}

// Pinger reports storage health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Server struct {
	db      Pinger
	logger  *slog.Logger
	views   ViewRecorder
	feeds   FeedProvider
	content ContentEventHandler
	config  Config
	now     func() time.Time
}

func NewServer(db Pinger, logger *slog.Logger, views ViewRecorder, feeds FeedProvider, content ContentEventHandler, config Config) *Server {
	s := &Server{
		db:      db,
		logger:  logger,
		views:   views,
		feeds:   feeds,
		content: content,
		config:  config,
		now:     time.Now,
	}
	if !s.config.ProductionMode {
		s.logger.Debug("server initialized", "max_conns", config.MaxConns)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/views", s.handleViews)
	mux.HandleFunc("/api/feed", s.handleFeed)
	mux.HandleFunc("/internal/content-events", s.handleContentEvents)
	mux.HandleFunc("/internal/flush", s.handleFlush)
	mux.HandleFunc("/rss", s.handleRSS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)

	return s.recoverPanics(s.logRequests(gzipMiddleware(mux)))
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on an existing listener, applying the connection cap.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	if s.config.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConns)
	}

	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
