package articles

import (
	"context"
	"log/slog"
	"slices"

	"github.com/jdholdren/dolate/internal/dolate"
)

// ApplyInsert adds an article announced by the change feed. Articles already
// present are left alone.
//
// An optimistic insert for the same url isn't touched: it may carry edits the
// backend hasn't seen, and [State.ResolveCreated] reconciles the two once its
// create comes back.
func (s *State) ApplyInsert(ctx context.Context, a dolate.Article) bool {
	a = clean(a)

	s.mu.Lock()
	if s.userID == "" || a.UserID != s.userID || s.index(a.ID) >= 0 {
		s.mu.Unlock()
		return false
	}
	s.articles = append([]dolate.Article{a}, s.articles...)
	s.mu.Unlock()

	s.cache.UpsertOne(ctx, a)
	return true
}

// ApplyUpdate replaces the article with the server's copy, inserting it if
// it's unknown. A local copy edited more recently is kept.
func (s *State) ApplyUpdate(ctx context.Context, a dolate.Article) bool {
	a = clean(a)

	s.mu.Lock()
	if s.userID == "" || a.UserID != s.userID {
		s.mu.Unlock()
		return false
	}

	i := s.index(a.ID)
	switch {
	case i < 0:
		s.articles = append([]dolate.Article{a}, s.articles...)
	case s.articles[i].UpdatedAt.After(a.UpdatedAt):
		s.mu.Unlock()
		return false
	default:
		s.articles[i] = a
	}
	s.mu.Unlock()

	s.cache.UpsertOne(ctx, a)
	return true
}

// ApplyDelete removes the article. Unknown ids are ignored.
func (s *State) ApplyDelete(ctx context.Context, id string) bool {
	s.mu.Lock()
	i := s.index(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.articles = slices.Delete(s.articles, i, i+1)
	s.mu.Unlock()

	s.cache.RemoveOne(ctx, id)
	return true
}

// ResolveCreated swaps an optimistic article for the backend's copy once its
// create has gone through. sent is the article as it was sent.
func (s *State) ResolveCreated(ctx context.Context, sent, server dolate.Article) dolate.Article {
	server = clean(server)
	tmpID := sent.ID

	s.mu.Lock()
	if _, gone := s.orphaned[tmpID]; gone {
		// Deleted locally while the create was on the wire
		delete(s.orphaned, tmpID)
		if i := s.index(server.ID); i >= 0 {
			s.articles = slices.Delete(s.articles, i, i+1)
		}
		s.mu.Unlock()

		s.cache.RemoveOne(ctx, server.ID)
		if err := s.queue.Enqueue(ctx, dolate.NewDeleteOp(server.UserID, server.ID)); err != nil {
			slog.ErrorContext(ctx, "error queueing delete of orphaned article", "article_id", server.ID, "error", err)
		}
		return server
	}
	if s.userID != server.UserID {
		s.mu.Unlock()
		s.rekey(ctx, tmpID, server.ID)
		return server
	}

	var followUp *dolate.ArticlePatch
	ti, si := s.index(tmpID), s.index(server.ID)
	if ti >= 0 {
		local := s.articles[ti]
		if local.UpdatedAt.After(sent.UpdatedAt) {
			// Edited after the create was sent: keep the edits and push them
			p := editablePatch(local)
			followUp = &p
			local.ID = server.ID
			local.CreatedAt = server.CreatedAt
			server = local
		}
	}
	switch {
	case ti >= 0 && si >= 0:
		// The change feed got here first
		s.articles[si] = server
		s.articles = slices.Delete(s.articles, ti, ti+1)
	case ti >= 0:
		s.articles[ti] = server
	case si < 0:
		s.articles = append([]dolate.Article{server}, s.articles...)
	}
	s.mu.Unlock()

	s.cache.ReplaceOne(ctx, tmpID, server)
	s.rekey(ctx, tmpID, server.ID)
	if followUp != nil {
		op, err := dolate.NewUpdateOp(server.UserID, server.ID, *followUp)
		if err == nil {
			err = s.queue.Enqueue(ctx, op)
		}
		if err != nil {
			slog.ErrorContext(ctx, "error queueing follow-up update", "article_id", server.ID, "error", err)
		}
	}

	return server.Clone()
}

// Abandon undoes what can be undone locally for an operation that will never
// reach the backend. Only optimistic creates have a local footprint worth
// removing, along with anything still queued against their temporary id.
// Everything else is corrected by the next full sync.
func (s *State) Abandon(ctx context.Context, op dolate.Operation) {
	if op.Type != dolate.OpCreate || !dolate.IsTemporaryID(op.ArticleID) {
		return
	}

	s.drop(ctx, op.ArticleID)
}

func (s *State) rekey(ctx context.Context, tmpID, id string) {
	if err := s.queue.Rekey(ctx, tmpID, id); err != nil {
		slog.ErrorContext(ctx, "error rekeying queued operations", "old_id", tmpID, "article_id", id, "error", err)
	}
}

func editablePatch(a dolate.Article) dolate.ArticlePatch {
	tags := slices.Clone(a.Tags)
	return dolate.ArticlePatch{
		Title:       &a.Title,
		Content:     &a.Content,
		Description: &a.Description,
		ImageURL:    &a.ImageURL,
		Author:      &a.Author,
		IsRead:      &a.IsRead,
		IsFavorite:  &a.IsFavorite,
		Tags:        &tags,
		ReadingTime: &a.ReadingTime,
	}
}
