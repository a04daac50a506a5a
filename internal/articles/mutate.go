package articles

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/jdholdren/dolate/internal/dolate"
	dolerrs "github.com/jdholdren/dolate/internal/errors"
	"github.com/jdholdren/dolate/logger"
)

// Draft is what the user supplies when saving a page.
type Draft struct {
	URL         string
	Title       string
	Description string
	Content     string
	ImageURL    string
	Author      string
	Tags        []string
	PublishedAt *time.Time
}

// Add saves a new article under a temporary id and sends it to the backend,
// queueing it if that isn't possible right now.
//
// When the backend accepts it right away the returned article carries the
// server-assigned id.
func (s *State) Add(ctx context.Context, d Draft) (dolate.Article, error) {
	if !dolate.ValidURL(d.URL) {
		return dolate.Article{}, dolerrs.E("invalid article", http.StatusBadRequest, dolerrs.KindRejected,
			dolerrs.Detail{Field: "url", Error: "must be an http(s) url"})
	}

	now := s.now()
	link := dolate.NormalizeURL(d.URL)
	a := dolate.Article{
		ID:          dolate.NewTemporaryID(),
		Title:       plain(d.Title),
		URL:         link,
		Description: plain(d.Description),
		ImageURL:    d.ImageURL,
		Author:      plain(d.Author),
		PublishedAt: d.PublishedAt,
		Domain:      dolate.DomainOf(link),
		Tags:        normalizeTags(d.Tags),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if a.Title == "" {
		a.Title = "Article from " + a.Domain
	}
	if d.Content != "" {
		a.Content = contentPolicy.Sanitize(d.Content)
		a.ReadingTime = dolate.ReadingTime(plain(a.Content))
	}

	s.mu.Lock()
	if s.userID == "" {
		s.mu.Unlock()
		return dolate.Article{}, dolate.ErrNoSession
	}
	a.UserID = s.userID
	s.articles = append([]dolate.Article{a}, s.articles...)
	s.mu.Unlock()

	ctx = logger.Ctx(ctx, slog.String("article_id", a.ID))
	s.cache.UpsertOne(ctx, a)

	op, err := dolate.NewCreateOp(a)
	if err != nil {
		return a, err
	}

	var server dolate.Article
	err = s.push(ctx, op, func(ctx context.Context) (err error) {
		server, err = s.remote.CreateArticle(ctx, a)
		return err
	})
	switch {
	case dolerrs.IsRejected(err):
		s.drop(ctx, a.ID)
		return dolate.Article{}, err
	case err != nil:
		return a.Clone(), err
	case server.ID != "":
		return s.ResolveCreated(ctx, a, server), nil
	}

	return a.Clone(), nil
}

// Update applies the patch locally, then pushes or queues it.
//
// A rejection from the backend rolls the local change back and is returned.
func (s *State) Update(ctx context.Context, id string, patch dolate.ArticlePatch) (dolate.Article, error) {
	s.mu.Lock()
	i := s.index(id)
	if i < 0 {
		s.mu.Unlock()
		return dolate.Article{}, dolate.ErrNotFound
	}
	prev := s.articles[i]
	if patch.Empty() {
		s.mu.Unlock()
		return prev.Clone(), nil
	}
	next := patch.Apply(prev)
	next.UpdatedAt = s.now()
	s.articles[i] = next
	userID := s.userID
	s.mu.Unlock()

	ctx = logger.Ctx(ctx, slog.String("article_id", id))
	s.cache.UpsertOne(ctx, next)

	op, err := dolate.NewUpdateOp(userID, id, patch)
	if err != nil {
		return next.Clone(), err
	}

	if dolate.IsTemporaryID(id) {
		// Not on the backend yet: fold the change into the queued create
		amended, err := s.queue.AmendCreate(ctx, next)
		if err != nil {
			return next.Clone(), dolerrs.E(err, dolerrs.KindStorage)
		}
		if amended {
			return next.Clone(), nil
		}

		// The create is on the wire. The update waits and is rekeyed once it lands.
		return next.Clone(), s.enqueue(ctx, op)
	}

	err = s.push(ctx, op, func(ctx context.Context) error {
		_, err := s.remote.UpdateArticle(ctx, id, patch)
		return err
	})
	if dolerrs.IsRejected(err) {
		s.restore(ctx, next.UpdatedAt, prev)
		return dolate.Article{}, err
	}

	return next.Clone(), err
}

// Edit is Update for changes typed by the user: text is stripped of markup
// and tags are normalized first.
func (s *State) Edit(ctx context.Context, id string, patch dolate.ArticlePatch) (dolate.Article, error) {
	if patch.Title != nil {
		patch.Title = dolate.Ptr(plain(*patch.Title))
	}
	if patch.Description != nil {
		patch.Description = dolate.Ptr(plain(*patch.Description))
	}
	if patch.Tags != nil {
		patch.Tags = dolate.Ptr(normalizeTags(*patch.Tags))
	}

	return s.Update(ctx, id, patch)
}

func (s *State) MarkAsRead(ctx context.Context, id string) (dolate.Article, error) {
	return s.Update(ctx, id, dolate.ArticlePatch{IsRead: dolate.Ptr(true)})
}

func (s *State) ToggleFavorite(ctx context.Context, id string) (dolate.Article, error) {
	a, ok := s.Get(id)
	if !ok {
		return dolate.Article{}, dolate.ErrNotFound
	}

	return s.Update(ctx, id, dolate.ArticlePatch{IsFavorite: dolate.Ptr(!a.IsFavorite)})
}

func (s *State) SetTags(ctx context.Context, id string, tags []string) (dolate.Article, error) {
	normalized := normalizeTags(tags)
	return s.Update(ctx, id, dolate.ArticlePatch{Tags: &normalized})
}

// FillContent stores the article's readable html and recomputes its reading time.
func (s *State) FillContent(ctx context.Context, id, rawHTML string) (dolate.Article, error) {
	content := contentPolicy.Sanitize(rawHTML)

	return s.Update(ctx, id, dolate.ArticlePatch{
		Content:     &content,
		ReadingTime: dolate.Ptr(dolate.ReadingTime(plain(content))),
	})
}

// Remove deletes the article locally, then pushes or queues the delete.
func (s *State) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	i := s.index(id)
	if i < 0 {
		s.mu.Unlock()
		return dolate.ErrNotFound
	}
	prev := s.articles[i]
	s.articles = slices.Delete(s.articles, i, i+1)
	userID := s.userID
	if dolate.IsTemporaryID(id) {
		s.orphaned[id] = struct{}{}
	}
	s.mu.Unlock()

	ctx = logger.Ctx(ctx, slog.String("article_id", id))
	s.cache.RemoveOne(ctx, id)

	if dolate.IsTemporaryID(id) {
		// Never reached the backend, so there's nothing to delete there
		if _, err := s.queue.CancelArticle(ctx, id); err != nil {
			return dolerrs.E(err, dolerrs.KindStorage)
		}
		return nil
	}

	err := s.push(ctx, dolate.NewDeleteOp(userID, id), func(ctx context.Context) error {
		return s.remote.DeleteArticle(ctx, id)
	})
	if dolerrs.IsRejected(err) {
		s.mu.Lock()
		if s.index(id) < 0 {
			s.articles = slices.Insert(s.articles, min(i, len(s.articles)), prev)
		}
		s.mu.Unlock()
		s.cache.UpsertOne(ctx, prev)
		return err
	}

	return err
}

// push sends an operation to the backend when online. Offline, or on a
// transient failure, it goes to the queue instead. Rejections are returned.
func (s *State) push(ctx context.Context, op dolate.Operation, call func(context.Context) error) error {
	if !s.net.Online() {
		return s.enqueue(ctx, op)
	}

	err := call(ctx)
	if err == nil || dolerrs.IsRejected(err) {
		return err
	}

	slog.WarnContext(ctx, "remote call failed, queueing", "op_type", op.Type, "error", err)
	return s.enqueue(ctx, op)
}

func (s *State) enqueue(ctx context.Context, op dolate.Operation) error {
	if err := s.queue.Enqueue(ctx, op); err != nil {
		return dolerrs.E(fmt.Errorf("error queueing %s: %w", op.Type, err), dolerrs.KindStorage)
	}

	return nil
}

// restore puts prev back unless the article has changed again since.
func (s *State) restore(ctx context.Context, expected time.Time, prev dolate.Article) {
	s.mu.Lock()
	i := s.index(prev.ID)
	if i < 0 || !s.articles[i].UpdatedAt.Equal(expected) {
		s.mu.Unlock()
		return
	}
	s.articles[i] = prev
	s.mu.Unlock()

	s.cache.ReplaceOne(ctx, prev.ID, prev)
}

// drop removes an article locally without telling the backend. Operations
// queued against a temporary id go with it, since nothing can resolve them now.
func (s *State) drop(ctx context.Context, id string) {
	s.mu.Lock()
	if i := s.index(id); i >= 0 {
		s.articles = slices.Delete(s.articles, i, i+1)
	}
	s.mu.Unlock()

	s.cache.RemoveOne(ctx, id)
	if !dolate.IsTemporaryID(id) {
		return
	}
	if n, err := s.queue.CancelArticle(ctx, id); err != nil {
		slog.ErrorContext(ctx, "error cancelling operations of dropped article", "error", err)
	} else if n > 0 {
		slog.WarnContext(ctx, "operations of dropped article discarded", "count", n)
	}
}
