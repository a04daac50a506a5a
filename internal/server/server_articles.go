package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	v1 "github.com/jdholdren/dolate/api/daemon/v1"
	"github.com/jdholdren/dolate/internal/articles"
	"github.com/jdholdren/dolate/internal/dolate"
	dolerrs "github.com/jdholdren/dolate/internal/errors"
	"github.com/jdholdren/dolate/logger"
)

const (
	sourceLocal  = "local"
	sourceRemote = "remote"
)

func (s *Server) handleListArticles(w http.ResponseWriter, r *http.Request) error {
	if s.articles.UserID() == "" {
		return dolate.ErrNoSession
	}

	var (
		q   = r.URL.Query()
		f   = articles.Filter{Query: q.Get("q"), Tags: q["tag"]}
		err error
	)
	if f.UnreadOnly, err = boolParam(q.Get("unread"), "unread"); err != nil {
		return err
	}
	if f.FavoritesOnly, err = boolParam(q.Get("favorites"), "favorites"); err != nil {
		return err
	}

	return WriteJSON(w, http.StatusOK, v1.ArticlesResponse{
		Articles: s.articles.Filtered(f),
		Tags:     s.articles.Tags(),
		Source:   sourceLocal,
	})
}

// Searches on the backend while it's reachable, and in the local copy otherwise.
func (s *Server) handleSearchArticles(w http.ResponseWriter, r *http.Request) error {
	var (
		ctx    = r.Context()
		userID = s.articles.UserID()
		query  = strings.TrimSpace(r.URL.Query().Get("q"))
	)
	if userID == "" {
		return dolate.ErrNoSession
	}
	if query == "" {
		return dolerrs.E("invalid request", http.StatusBadRequest, dolerrs.Detail{Field: "q", Error: "required"})
	}

	if s.search != nil && s.status.Online() {
		found, err := s.search.SearchArticles(ctx, userID, query)
		if err == nil {
			return WriteJSON(w, http.StatusOK, v1.ArticlesResponse{Articles: found, Source: sourceRemote})
		}
		slog.WarnContext(ctx, "remote search failed, searching locally", "error", err)
	}

	return WriteJSON(w, http.StatusOK, v1.ArticlesResponse{
		Articles: s.articles.Filtered(articles.Filter{Query: query}),
		Source:   sourceLocal,
	})
}

func (s *Server) handleCreateArticle(w http.ResponseWriter, r *http.Request) error {
	req, err := DecodeValid[v1.CreateArticleRequest](r.Body)
	if err != nil {
		return err
	}

	a, err := s.articles.Add(r.Context(), articles.Draft{
		URL:         req.URL,
		Title:       req.Title,
		Description: req.Description,
		Content:     req.Content,
		ImageURL:    req.ImageURL,
		Author:      req.Author,
		Tags:        req.Tags,
		PublishedAt: req.PublishedAt,
	})
	if err != nil {
		return err
	}

	return WriteJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) error {
	a, ok := s.articles.Lookup(r.Context(), mux.Vars(r)["id"])
	if !ok {
		return dolate.ErrNotFound
	}

	return WriteJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateArticle(w http.ResponseWriter, r *http.Request) error {
	req, err := DecodeValid[v1.UpdateArticleRequest](r.Body)
	if err != nil {
		return err
	}

	id := mux.Vars(r)["id"]
	ctx := logger.Ctx(r.Context(), slog.String("article_id", id))
	a, err := s.articles.Edit(ctx, id, req.Patch())
	if err != nil {
		return err
	}

	return WriteJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteArticle(w http.ResponseWriter, r *http.Request) error {
	if err := s.articles.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleFillContent(w http.ResponseWriter, r *http.Request) error {
	req, err := DecodeValid[v1.ContentRequest](r.Body)
	if err != nil {
		return err
	}

	a, err := s.articles.FillContent(r.Context(), mux.Vars(r)["id"], req.HTML)
	if err != nil {
		return err
	}

	return WriteJSON(w, http.StatusOK, a)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) error {
	if s.articles.UserID() == "" {
		return dolate.ErrNoSession
	}

	return WriteJSON(w, http.StatusOK, s.articles.Stats())
}

func boolParam(raw, name string) (bool, error) {
	if raw == "" {
		return false, nil
	}

	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, dolerrs.E("invalid request", http.StatusBadRequest, dolerrs.Detail{Field: name, Error: "must be a boolean"})
	}
	return b, nil
}
