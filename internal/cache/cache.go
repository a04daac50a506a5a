// Package cache is the durable, per-user copy of the article collection that
// lets the app render and mutate while offline.
//
// It is an optimization rather than a source of truth: storage failures are
// logged and show up as an empty collection or a miss, never as errors.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jdholdren/dolate/internal/dolate"
)

const defaultHotSize = 512

type (
	// Store is the persistence the cache sits on.
	Store interface {
		SaveCollection(ctx context.Context, userID string, articles []dolate.Article, syncedAt time.Time) error
		Collection(ctx context.Context, userID string) ([]dolate.Article, error)
		LastSync(ctx context.Context, userID string) (*time.Time, error)
		UpsertArticle(ctx context.Context, a dolate.Article) (bool, error)
		RemoveArticle(ctx context.Context, id string) error
		SwapArticle(ctx context.Context, oldID string, a dolate.Article) error
		Article(ctx context.Context, id string) (dolate.Article, error)
		ClearUser(ctx context.Context, userID string) error
	}

	Cache struct {
		store Store
		hot   *lru.Cache[string, dolate.Article]
		now   func() time.Time
	}

	Option func(*Cache)
)

// WithClock swaps the clock used to stamp syncs.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithHotSize bounds how many articles GetOne keeps in memory.
func WithHotSize(size int) Option {
	return func(c *Cache) {
		if hot, err := lru.New[string, dolate.Article](size); err == nil {
			c.hot = hot
		}
	}
}

func New(store Store, opts ...Option) *Cache {
	hot, _ := lru.New[string, dolate.Article](defaultHotSize)
	c := &Cache{
		store: store,
		hot:   hot,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SaveCollection replaces the user's cached list and stamps the sync time.
//
// The caller passes the authoritative set: nothing is merged.
func (c *Cache) SaveCollection(ctx context.Context, userID string, articles []dolate.Article) {
	if err := c.store.SaveCollection(ctx, userID, articles, c.now()); err != nil {
		slog.ErrorContext(ctx, "error saving collection", "user_id", userID, "error", err)
	}
	// Ids that fell out of the set must not linger
	c.hot.Purge()
}

// LoadCollection returns the user's cached list, empty if there isn't one.
func (c *Cache) LoadCollection(ctx context.Context, userID string) []dolate.Article {
	articles, err := c.store.Collection(ctx, userID)
	if errors.Is(err, dolate.ErrNotFound) {
		return []dolate.Article{}
	}
	if err != nil {
		slog.ErrorContext(ctx, "error loading collection", "user_id", userID, "error", err)
		return []dolate.Article{}
	}

	return articles
}

// LastSync is when the user's collection was last saved whole, nil if never.
func (c *Cache) LastSync(ctx context.Context, userID string) *time.Time {
	last, err := c.store.LastSync(ctx, userID)
	if err != nil && !errors.Is(err, dolate.ErrNotFound) {
		slog.ErrorContext(ctx, "error reading last sync", "user_id", userID, "error", err)
	}

	return last
}

// UpsertOne writes one article into the collection and the per-id index
// together. It reports false if the write was stale or failed.
func (c *Cache) UpsertOne(ctx context.Context, a dolate.Article) bool {
	c.hot.Remove(a.ID)

	applied, err := c.store.UpsertArticle(ctx, a)
	if err != nil {
		slog.ErrorContext(ctx, "error upserting article", "article_id", a.ID, "error", err)
		return false
	}
	if !applied {
		slog.DebugContext(ctx, "ignored stale article write", "article_id", a.ID, "updated_at", a.UpdatedAt)
	}

	return applied
}

func (c *Cache) RemoveOne(ctx context.Context, id string) {
	c.hot.Remove(id)

	if err := c.store.RemoveArticle(ctx, id); err != nil {
		slog.ErrorContext(ctx, "error removing article", "article_id", id, "error", err)
	}
}

// ReplaceOne swaps the article cached under oldID for a, which has its final id.
func (c *Cache) ReplaceOne(ctx context.Context, oldID string, a dolate.Article) {
	c.hot.Remove(oldID)
	c.hot.Remove(a.ID)

	if err := c.store.SwapArticle(ctx, oldID, a); err != nil {
		slog.ErrorContext(ctx, "error replacing article", "old_id", oldID, "article_id", a.ID, "error", err)
	}
}

// GetOne reads one article, preferring the in-memory copy.
func (c *Cache) GetOne(ctx context.Context, id string) (dolate.Article, bool) {
	if a, ok := c.hot.Get(id); ok {
		return a.Clone(), true
	}

	a, err := c.store.Article(ctx, id)
	if errors.Is(err, dolate.ErrNotFound) {
		return dolate.Article{}, false
	}
	if err != nil {
		slog.ErrorContext(ctx, "error getting article", "article_id", id, "error", err)
		return dolate.Article{}, false
	}

	c.hot.Add(id, a.Clone())
	return a, true
}

// ClearForUser removes everything cached for the user.
func (c *Cache) ClearForUser(ctx context.Context, userID string) {
	c.hot.Purge()

	if err := c.store.ClearUser(ctx, userID); err != nil {
		slog.ErrorContext(ctx, "error clearing user cache", "user_id", userID, "error", err)
	}
}
