// Package session switches the daemon between users: loading one user's
// collection on sign-in and clearing every trace of it on sign-out.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jdholdren/dolate/internal/dolate"
	"github.com/jdholdren/dolate/internal/syncer"
	"github.com/jdholdren/dolate/logger"
)

type (
	State interface {
		Load(ctx context.Context, userID string) []dolate.Article
		Snapshot() []dolate.Article
		Reset()
		UserID() string
	}

	Cache interface {
		LastSync(ctx context.Context, userID string) *time.Time
		ClearForUser(ctx context.Context, userID string)
	}

	Queue interface {
		ClearUser(ctx context.Context, userID string) (int, error)
	}

	Syncer interface {
		FullSync(ctx context.Context) syncer.FullSyncResult
		Flush(ctx context.Context) syncer.DrainResult
	}

	// Feed is the change feed subscription.
	Feed interface {
		Subscribe(ctx context.Context, userID string)
		Unsubscribe()
	}

	Manager struct {
		state  State
		cache  Cache
		queue  Queue
		syncer Syncer
		status *syncer.Status
		feed   Feed // Optional

		mu sync.Mutex
	}

	SignInResult struct {
		UserID   string `json:"user_id"`
		Articles int    `json:"articles"`
		// Sync is nil when offline.
		Sync *syncer.FullSyncResult `json:"sync,omitempty"`
	}
)

func New(state State, cache Cache, queue Queue, s Syncer, status *syncer.Status, feed Feed) *Manager {
	return &Manager{
		state:  state,
		cache:  cache,
		queue:  queue,
		syncer: s,
		status: status,
		feed:   feed,
	}
}

// SignIn makes userID the active user. Cached articles are available as soon
// as it returns; a full sync runs first when the backend is reachable.
func (m *Manager) SignIn(ctx context.Context, userID string) (SignInResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current := m.state.UserID(); current != "" && current != userID {
		if _, err := m.signOut(ctx, current); err != nil {
			return SignInResult{}, fmt.Errorf("error signing out %s: %w", current, err)
		}
	}

	ctx = logger.WithUser(ctx, userID)
	res := SignInResult{
		UserID:   userID,
		Articles: len(m.state.Load(ctx, userID)),
	}
	m.status.SetLastSync(m.cache.LastSync(ctx, userID))
	if m.feed != nil {
		m.feed.Subscribe(ctx, userID)
	}
	slog.InfoContext(ctx, "signed in", "cached_articles", res.Articles)

	if m.status.Online() {
		full := m.syncer.FullSync(ctx)
		if !full.OK() {
			slog.WarnContext(ctx, "initial sync failed", "error", full.Err)
		}
		res.Articles = len(m.state.Snapshot())
		res.Sync = &full
	}

	return res, nil
}

// SignOut clears the active user. Changes that couldn't be sent first are
// thrown away, and how many is returned.
func (m *Manager) SignOut(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID := m.state.UserID()
	if userID == "" {
		return 0, dolate.ErrNoSession
	}

	return m.signOut(ctx, userID)
}

func (m *Manager) signOut(ctx context.Context, userID string) (int, error) {
	ctx = logger.WithUser(ctx, userID)
	if m.feed != nil {
		m.feed.Unsubscribe()
	}

	if m.status.Online() {
		// Waits out a drain already underway before counting what is left
		if res := m.syncer.Flush(ctx); !res.OK() {
			slog.WarnContext(ctx, "final sync before sign out incomplete", "pending", res.Pending)
		}
	}

	discarded, err := m.queue.ClearUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("error clearing queue: %w", err)
	}
	m.cache.ClearForUser(ctx, userID)
	m.state.Reset()
	m.status.SetLastSync(nil)
	slog.InfoContext(ctx, "signed out")

	return discarded, nil
}
