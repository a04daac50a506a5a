// Package server is the daemon's local HTTP API, used by the reading app on
// the same machine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jdholdren/dolate/internal/articles"
	"github.com/jdholdren/dolate/internal/dolate"
	"github.com/jdholdren/dolate/internal/metrics"
	"github.com/jdholdren/dolate/internal/session"
	"github.com/jdholdren/dolate/internal/syncer"
)

type (
	Articles interface {
		UserID() string
		Lookup(ctx context.Context, id string) (dolate.Article, bool)
		Filtered(f articles.Filter) []dolate.Article
		Tags() []string
		Stats() articles.Stats
		Add(ctx context.Context, d articles.Draft) (dolate.Article, error)
		Edit(ctx context.Context, id string, patch dolate.ArticlePatch) (dolate.Article, error)
		FillContent(ctx context.Context, id, rawHTML string) (dolate.Article, error)
		Remove(ctx context.Context, id string) error
	}

	Syncer interface {
		FullSync(ctx context.Context) syncer.FullSyncResult
		DrainQueue(ctx context.Context) syncer.DrainResult
		SyncArticle(ctx context.Context, articleID string) syncer.DrainResult
		RetryFailed(ctx context.Context) syncer.DrainResult
		CheckConflicts(ctx context.Context) ([]dolate.Conflict, error)
		Failed(ctx context.Context) ([]dolate.Operation, error)
	}

	Sessions interface {
		SignIn(ctx context.Context, userID string) (session.SignInResult, error)
		SignOut(ctx context.Context) (int, error)
	}

	// Network takes connectivity changes reported by the host.
	Network interface {
		Observe(ctx context.Context, online bool)
	}

	Searcher interface {
		SearchArticles(ctx context.Context, userID, query string) ([]dolate.Article, error)
	}

	Config struct {
		Port        int
		CorsOrigins []string
	}

	Deps struct {
		Articles Articles
		Syncer   Syncer
		Sessions Sessions
		Network  Network
		Search   Searcher
		Status   *syncer.Status
		// Gatherer backs /metrics, which is left out when nil.
		Gatherer prometheus.Gatherer
	}

	// Server serves the article collection and sync controls of the signed-in user.
	Server struct {
		*http.Server

		articles Articles
		syncer   Syncer
		sessions Sessions
		network  Network
		search   Searcher
		status   *syncer.Status
	}
)

func New(cfg Config, d Deps) *Server {
	var (
		r       = ErrRouter{Router: mux.NewRouter()}
		origins = cfg.CorsOrigins
	)
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	srvr := &Server{
		articles: d.Articles,
		syncer:   d.Syncer,
		sessions: d.Sessions,
		network:  d.Network,
		search:   d.Search,
		status:   d.Status,
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: time.Minute, // Full syncs wait on the backend
			Handler: handlers.CORS(
				handlers.AllowedOrigins(origins),
				handlers.AllowedMethods([]string{
					http.MethodGet, http.MethodPost, http.MethodPut,
					http.MethodPatch, http.MethodDelete, http.MethodOptions,
				}),
				handlers.AllowedHeaders([]string{"content-type"}),
			)(r),
		},
	}

	r.Use(AccessLogMiddleware)

	r.HandleFuncE("/v1/status", srvr.handleStatus).Methods(http.MethodGet)
	r.HandleFuncE("/v1/session", srvr.handleSignIn).Methods(http.MethodPost)
	r.HandleFuncE("/v1/session", srvr.handleSignOut).Methods(http.MethodDelete)
	r.HandleFuncE("/v1/network", srvr.handleNetwork).Methods(http.MethodPost)

	r.HandleFuncE("/v1/articles", srvr.handleListArticles).Methods(http.MethodGet)
	r.HandleFuncE("/v1/articles", srvr.handleCreateArticle).Methods(http.MethodPost)
	// Registered ahead of {id} so it isn't taken for one
	r.HandleFuncE("/v1/articles/search", srvr.handleSearchArticles).Methods(http.MethodGet)
	r.HandleFuncE("/v1/articles/{id}", srvr.handleGetArticle).Methods(http.MethodGet)
	r.HandleFuncE("/v1/articles/{id}", srvr.handleUpdateArticle).Methods(http.MethodPatch)
	r.HandleFuncE("/v1/articles/{id}", srvr.handleDeleteArticle).Methods(http.MethodDelete)
	r.HandleFuncE("/v1/articles/{id}/content", srvr.handleFillContent).Methods(http.MethodPut)
	r.HandleFuncE("/v1/articles/{id}/sync", srvr.handleSyncArticle).Methods(http.MethodPost)
	r.HandleFuncE("/v1/stats", srvr.handleStats).Methods(http.MethodGet)

	r.HandleFuncE("/v1/sync", srvr.handleFullSync).Methods(http.MethodPost)
	r.HandleFuncE("/v1/sync/drain", srvr.handleDrain).Methods(http.MethodPost)
	r.HandleFuncE("/v1/sync/failed", srvr.handleListFailed).Methods(http.MethodGet)
	r.HandleFuncE("/v1/sync/failed:retry", srvr.handleRetryFailed).Methods(http.MethodPost)
	r.HandleFuncE("/v1/sync/conflicts", srvr.handleConflicts).Methods(http.MethodGet)

	if d.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(d.Gatherer)).Methods(http.MethodGet)
	}

	return srvr
}

// Start serves until the listener fails or the server is shut down.
func (s *Server) Start() error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("error serving local api: %w", err)
	}

	return nil
}
