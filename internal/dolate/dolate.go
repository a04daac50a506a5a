// Package dolate holds the domain types shared by the offline sync core:
// articles, queued operations, conflicts and the remote contract.
package dolate

import (
	"context"
	"errors"
	"time"
)

var (
	ErrConflict  = errors.New("resource already exists")
	ErrNotFound  = errors.New("resource not found")
	ErrNoSession = errors.New("no user is signed in")

	// ErrRetriesExhausted is returned when an operation has failed on its last
	// allowed attempt and should be thrown away.
	ErrRetriesExhausted = errors.New("operation retries exhausted")
)

type (
	// Article is a saved web page belonging to exactly one user.
	Article struct {
		ID          string     `json:"id"`
		Title       string     `json:"title"`
		URL         string     `json:"url"`
		Content     string     `json:"content,omitempty"`
		Description string     `json:"description,omitempty"`
		ImageURL    string     `json:"image_url,omitempty"`
		Author      string     `json:"author,omitempty"`
		PublishedAt *time.Time `json:"published_at,omitempty"`
		Domain      string     `json:"domain"`
		IsRead      bool       `json:"is_read"`
		IsFavorite  bool       `json:"is_favorite"`
		Tags        []string   `json:"tags"`
		ReadingTime int        `json:"reading_time,omitempty"`
		UserID      string     `json:"user_id"`
		CreatedAt   time.Time  `json:"created_at"`
		UpdatedAt   time.Time  `json:"updated_at"`
	}

	// ArticlePatch is a partial update. Nil fields are left alone.
	ArticlePatch struct {
		Title       *string    `json:"title,omitempty"`
		URL         *string    `json:"url,omitempty"`
		Content     *string    `json:"content,omitempty"`
		Description *string    `json:"description,omitempty"`
		ImageURL    *string    `json:"image_url,omitempty"`
		Author      *string    `json:"author,omitempty"`
		PublishedAt *time.Time `json:"published_at,omitempty"`
		IsRead      *bool      `json:"is_read,omitempty"`
		IsFavorite  *bool      `json:"is_favorite,omitempty"`
		Tags        *[]string  `json:"tags,omitempty"`
		ReadingTime *int       `json:"reading_time,omitempty"`
	}

	ConflictKind string

	// Conflict records an article whose local and server copies disagree.
	Conflict struct {
		ArticleID string       `json:"article_id"`
		Local     Article      `json:"local"`
		Server    Article      `json:"server"`
		Kind      ConflictKind `json:"kind"`
	}

	// Remote is the backend's article surface.
	//
	// Implementations classify failures with the kinds in internal/errors so
	// callers can tell a retryable failure from a rejection.
	Remote interface {
		CreateArticle(ctx context.Context, a Article) (Article, error)
		UpdateArticle(ctx context.Context, id string, patch ArticlePatch) (Article, error)
		DeleteArticle(ctx context.Context, id string) error
		ListArticles(ctx context.Context, userID string) ([]Article, error)
		SearchArticles(ctx context.Context, userID, query string) ([]Article, error)
	}
)

const (
	ConflictLocalNewer  ConflictKind = "local_newer"
	ConflictServerNewer ConflictKind = "server_newer"
)
