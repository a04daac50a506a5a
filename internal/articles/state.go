// Package articles is the in-memory article collection of the signed-in user.
//
// Every mutation is applied here first so the UI never waits on the network,
// then persisted to the cache and either pushed to the backend or queued.
package articles

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jdholdren/dolate/internal/dolate"
)

type (
	// Cache is the durable copy the state is loaded from and written through to.
	Cache interface {
		LoadCollection(ctx context.Context, userID string) []dolate.Article
		SaveCollection(ctx context.Context, userID string, articles []dolate.Article)
		UpsertOne(ctx context.Context, a dolate.Article) bool
		GetOne(ctx context.Context, id string) (dolate.Article, bool)
		RemoveOne(ctx context.Context, id string)
		ReplaceOne(ctx context.Context, oldID string, a dolate.Article)
	}

	// Queue holds the mutations that couldn't reach the backend.
	Queue interface {
		Enqueue(ctx context.Context, op dolate.Operation) error
		AmendCreate(ctx context.Context, a dolate.Article) (bool, error)
		CancelArticle(ctx context.Context, articleID string) (int, error)
		Rekey(ctx context.Context, oldID, newID string) error
	}

	// Connectivity reports whether the backend is believed reachable.
	Connectivity interface {
		Online() bool
	}

	State struct {
		cache  Cache
		queue  Queue
		remote dolate.Remote
		net    Connectivity
		now    func() time.Time

		mu       sync.RWMutex
		userID   string
		articles []dolate.Article // Newest first
		// Temporary ids deleted while their create was already on the wire.
		orphaned map[string]struct{}
	}

	Option func(*State)

	// Filter narrows the collection the way the article list does.
	Filter struct {
		Query         string
		Tags          []string
		UnreadOnly    bool
		FavoritesOnly bool
	}

	Stats struct {
		Total     int `json:"total"`
		Unread    int `json:"unread"`
		Read      int `json:"read"`
		Favorites int `json:"favorites"`
		Tags      int `json:"tags"`
	}
)

func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

func New(cache Cache, queue Queue, remote dolate.Remote, net Connectivity, opts ...Option) *State {
	s := &State{
		cache:    cache,
		queue:    queue,
		remote:   remote,
		net:      net,
		now:      time.Now,
		orphaned: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Load makes the user current and fills the state from the cache.
func (s *State) Load(ctx context.Context, userID string) []dolate.Article {
	list := s.cache.LoadCollection(ctx, userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.articles = list

	return cloneAll(list)
}

// Replace swaps in the authoritative collection from the backend and caches it.
func (s *State) Replace(ctx context.Context, userID string, articles []dolate.Article) {
	list := make([]dolate.Article, 0, len(articles))
	for _, a := range articles {
		list = append(list, clean(a))
	}

	s.mu.Lock()
	if s.userID != userID {
		// Signed out while the fetch was in flight
		s.mu.Unlock()
		return
	}
	// Optimistic inserts survive the swap until their create resolves them
	var unsynced []dolate.Article
	for _, a := range s.articles {
		if dolate.IsTemporaryID(a.ID) {
			unsynced = append(unsynced, a)
		}
	}
	s.articles = append(unsynced, list...)
	saved := cloneAll(s.articles)
	s.mu.Unlock()

	s.cache.SaveCollection(ctx, userID, saved)
}

// Reset forgets the user and their articles. The cache is left alone.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.userID = ""
	s.articles = nil
	clear(s.orphaned)
}

func (s *State) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.userID
}

// Snapshot copies the whole collection.
func (s *State) Snapshot() []dolate.Article {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneAll(s.articles)
}

func (s *State) Get(id string) (dolate.Article, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.index(id); i >= 0 {
		return s.articles[i].Clone(), true
	}
	return dolate.Article{}, false
}

// Lookup is [State.Get] falling back to the cache, which can hold the user's
// articles before they're loaded into memory.
func (s *State) Lookup(ctx context.Context, id string) (dolate.Article, bool) {
	if a, ok := s.Get(id); ok {
		return a, true
	}

	userID := s.UserID()
	if userID == "" {
		return dolate.Article{}, false
	}
	a, ok := s.cache.GetOne(ctx, id)
	if !ok || a.UserID != userID {
		return dolate.Article{}, false
	}

	return a, true
}

// Filtered returns the matching articles, newest created first.
//
// The query is matched case-insensitively against title, description, domain
// and author. An article matches the tags if it has any of them.
func (s *State) Filtered(f Filter) []dolate.Article {
	query := strings.ToLower(strings.TrimSpace(f.Query))

	s.mu.RLock()
	out := []dolate.Article{}
	for _, a := range s.articles {
		if f.matches(a, query) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b dolate.Article) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	return out
}

func (f Filter) matches(a dolate.Article, query string) bool {
	if query != "" {
		hit := strings.Contains(strings.ToLower(a.Title), query) ||
			strings.Contains(strings.ToLower(a.Description), query) ||
			strings.Contains(strings.ToLower(a.Domain), query) ||
			strings.Contains(strings.ToLower(a.Author), query)
		if !hit {
			return false
		}
	}
	if len(f.Tags) > 0 && !slices.ContainsFunc(f.Tags, a.HasTag) {
		return false
	}
	if f.UnreadOnly && a.IsRead {
		return false
	}
	if f.FavoritesOnly && !a.IsFavorite {
		return false
	}

	return true
}

func (s *State) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: len(s.articles)}
	tags := map[string]struct{}{}
	for _, a := range s.articles {
		if a.IsRead {
			st.Read++
		} else {
			st.Unread++
		}
		if a.IsFavorite {
			st.Favorites++
		}
		for _, t := range a.Tags {
			tags[t] = struct{}{}
		}
	}
	st.Tags = len(tags)

	return st
}

// Tags lists every tag in use, sorted.
func (s *State) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]struct{}{}
	out := []string{}
	for _, a := range s.articles {
		for _, t := range a.Tags {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b string) int {
		return cmp.Compare(strings.ToLower(a), strings.ToLower(b))
	})

	return out
}

// index must be called with the lock held.
func (s *State) index(id string) int {
	return slices.IndexFunc(s.articles, func(a dolate.Article) bool { return a.ID == id })
}

func cloneAll(list []dolate.Article) []dolate.Article {
	out := make([]dolate.Article, 0, len(list))
	for _, a := range list {
		out = append(out, a.Clone())
	}
	return out
}
