package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/jdholdren/dolate/api/articles/v1"
	"github.com/jdholdren/dolate/internal/dolate"
	dolerrs "github.com/jdholdren/dolate/internal/errors"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, h http.Handler) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(context.Background(), Config{BaseURL: srv.URL, AccessToken: "tok", Timeout: time.Second})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestCreateArticle(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/articles", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req v1.CreateArticleRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://example.com/a", req.URL)
		assert.Nil(t, req.Content)

		writeJSON(w, http.StatusCreated, v1.Article{
			ID:        "srv-1",
			Title:     req.Title,
			URL:       req.URL,
			Domain:    req.Domain,
			UserID:    req.UserID,
			CreatedAt: t0,
			UpdatedAt: t0,
		})
	}).Methods(http.MethodPost)
	c := newTestClient(t, r)

	got, err := c.CreateArticle(context.Background(), dolate.Article{
		ID:     "tmp-1",
		Title:  "A",
		URL:    "https://example.com/a",
		Domain: "example.com",
		UserID: "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.ID)
	assert.Equal(t, []string{}, got.Tags)
	assert.True(t, t0.Equal(got.UpdatedAt))
}

func TestUpdateArticleSendsOnlyPatch(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/articles/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a1", mux.Vars(r)["id"])

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"is_read": true}, body)

		writeJSON(w, http.StatusOK, v1.Article{ID: "a1", IsRead: true, UpdatedAt: t0})
	}).Methods(http.MethodPatch)
	c := newTestClient(t, r)

	got, err := c.UpdateArticle(context.Background(), "a1", dolate.ArticlePatch{IsRead: dolate.Ptr(true)})
	require.NoError(t, err)
	assert.True(t, got.IsRead)
}

func TestDeleteArticleNotFoundIsSuccess(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/articles/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": "not_found", "message": "no such article"})
	}).Methods(http.MethodDelete)
	c := newTestClient(t, r)

	assert.NoError(t, c.DeleteArticle(context.Background(), "gone"))
}

func TestListAndSearch(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/users/{userID}/articles", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "u1", mux.Vars(r)["userID"])

		resp := v1.ListArticlesResponse{Articles: []v1.Article{
			{ID: "a1", UserID: "u1", Author: dolate.Ptr("Ann")},
			{ID: "a2", UserID: "u1"},
		}}
		if q := r.URL.Query().Get("q"); q != "" {
			assert.Equal(t, "golang", q)
			resp.Articles = resp.Articles[:1]
		}
		writeJSON(w, http.StatusOK, resp)
	}).Methods(http.MethodGet)
	c := newTestClient(t, r)

	all, err := c.ListArticles(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Ann", all[0].Author)

	found, err := c.SearchArticles(context.Background(), "u1", "golang")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   dolerrs.Kind
	}{
		{name: "validation", status: http.StatusUnprocessableEntity, want: dolerrs.KindRejected},
		{name: "forbidden", status: http.StatusForbidden, want: dolerrs.KindRejected},
		{name: "rate limited", status: http.StatusTooManyRequests, want: dolerrs.KindTransient},
		{name: "timeout", status: http.StatusRequestTimeout, want: dolerrs.KindTransient},
		{name: "server error", status: http.StatusInternalServerError, want: dolerrs.KindTransient},
		{name: "bad gateway", status: http.StatusBadGateway, want: dolerrs.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]any{
					"reason":  "nope",
					"message": "refused",
					"details": []map[string]string{{"field": "url", "error": "bad"}},
				})
			}))

			_, err := c.UpdateArticle(context.Background(), "a1", dolate.ArticlePatch{Title: dolate.Ptr("x")})
			require.Error(t, err)
			assert.Equal(t, tt.want, dolerrs.KindOf(err))

			var e *dolerrs.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.status, e.Status)
			assert.Contains(t, err.Error(), "refused")
		})
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, err := New(context.Background(), Config{BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.ListArticles(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, dolerrs.IsTransient(err))
	assert.Error(t, c.Ping(context.Background()))
}

func TestPing(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))

	assert.NoError(t, c.Ping(context.Background()))
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(context.Background(), Config{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestToUpdateRequestDerivesDomain(t *testing.T) {
	req := ToUpdateRequest(dolate.ArticlePatch{URL: dolate.Ptr("https://www.go.dev/blog")})
	require.NotNil(t, req.Domain)
	assert.Equal(t, "go.dev", *req.Domain)
}
