// Package dolatetest has an in-memory backend for exercising the sync core.
package dolatetest

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jdholdren/dolate/internal/dolate"
	dolerrs "github.com/jdholdren/dolate/internal/errors"
)

var _ dolate.Remote = (*Remote)(nil)

// Remote behaves like the backend, keeping articles in a map.
type Remote struct {
	// Fail, if set, is asked before every call. A non-nil error is returned as is.
	Fail func(method, id string) error
	// Before, if set, runs at the start of every call, outside the lock.
	Before func(method, id string)
	Now    func() time.Time

	mu       sync.Mutex
	seq      int
	articles map[string]dolate.Article
	calls    []string
}

func NewRemote(seed ...dolate.Article) *Remote {
	r := &Remote{
		Now:      time.Now,
		articles: map[string]dolate.Article{},
	}
	for _, a := range seed {
		r.articles[a.ID] = a.Clone()
	}

	return r
}

// Transient is a failure the sync core should retry.
func Transient() error {
	return dolerrs.E("backend unavailable", http.StatusServiceUnavailable)
}

// Rejected is a failure the sync core should give up on.
func Rejected() error {
	return dolerrs.E("validation failed", http.StatusUnprocessableEntity)
}

func (r *Remote) CreateArticle(ctx context.Context, a dolate.Article) (dolate.Article, error) {
	if err := r.enter("create", a.ID); err != nil {
		return dolate.Article{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	now := r.Now()
	a = a.Clone()
	a.ID = fmt.Sprintf("srv-%d", r.seq)
	a.CreatedAt = now
	a.UpdatedAt = now
	r.articles[a.ID] = a

	return a.Clone(), nil
}

func (r *Remote) UpdateArticle(ctx context.Context, id string, patch dolate.ArticlePatch) (dolate.Article, error) {
	if err := r.enter("update", id); err != nil {
		return dolate.Article{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.articles[id]
	if !ok {
		return dolate.Article{}, dolerrs.E("article not found", http.StatusNotFound)
	}
	a = patch.Apply(a)
	a.UpdatedAt = r.Now()
	r.articles[id] = a

	return a.Clone(), nil
}

func (r *Remote) DeleteArticle(ctx context.Context, id string) error {
	if err := r.enter("delete", id); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.articles, id)
	return nil
}

func (r *Remote) ListArticles(ctx context.Context, userID string) ([]dolate.Article, error) {
	if err := r.enter("list", userID); err != nil {
		return nil, err
	}

	return r.matching(userID, ""), nil
}

func (r *Remote) SearchArticles(ctx context.Context, userID, query string) ([]dolate.Article, error) {
	if err := r.enter("search", userID); err != nil {
		return nil, err
	}

	return r.matching(userID, strings.ToLower(query)), nil
}

// Article returns the backend's copy.
func (r *Remote) Article(id string) (dolate.Article, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.articles[id]
	return a.Clone(), ok
}

// Put stores an article directly, as another device would.
func (r *Remote) Put(a dolate.Article) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.articles[a.ID] = a.Clone()
}

// Len is the number of articles on the backend.
func (r *Remote) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.articles)
}

// Calls counts calls to the method, counting failed ones too.
func (r *Remote) Calls(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (r *Remote) enter(method, id string) error {
	if r.Before != nil {
		r.Before(method, id)
	}

	r.mu.Lock()
	r.calls = append(r.calls, method)
	fail := r.Fail
	r.mu.Unlock()

	if fail != nil {
		return fail(method, id)
	}
	return nil
}

func (r *Remote) matching(userID, query string) []dolate.Article {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []dolate.Article{}
	for _, a := range r.articles {
		if a.UserID != userID {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(a.Title), query) &&
			!strings.Contains(strings.ToLower(a.Description), query) &&
			!strings.Contains(strings.ToLower(a.Domain), query) {
			continue
		}
		out = append(out, a.Clone())
	}
	slices.SortFunc(out, func(a, b dolate.Article) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	return out
}
