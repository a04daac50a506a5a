package articles

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/dolate/internal/cache"
	"github.com/jdholdren/dolate/internal/dolate"
	"github.com/jdholdren/dolate/internal/dolate/dolatetest"
	dolerrs "github.com/jdholdren/dolate/internal/errors"
	"github.com/jdholdren/dolate/internal/queue"
	"github.com/jdholdren/dolate/internal/sqlite"
	"github.com/jdholdren/dolate/internal/sqlite/sqlitetest"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type network struct{ online atomic.Bool }

func (n *network) Online() bool { return n.online.Load() }

type harness struct {
	state  *State
	cache  *cache.Cache
	queue  *queue.Queue
	remote *dolatetest.Remote
	net    *network
}

func newHarness(t *testing.T, online bool) harness {
	t.Helper()

	repo := sqlite.New(sqlitetest.New(t))
	h := harness{
		cache:  cache.New(repo),
		queue:  queue.New(repo),
		remote: dolatetest.NewRemote(),
		net:    &network{},
	}
	h.net.online.Store(online)
	h.state = New(h.cache, h.queue, h.remote, h.net, WithClock(func() time.Time { return t0 }))
	h.state.Load(context.Background(), "u1")

	return h
}

func serverArticle(id, url string, updated time.Time) dolate.Article {
	return dolate.Article{
		ID:        id,
		Title:     "Title " + id,
		URL:       url,
		Domain:    dolate.DomainOf(url),
		Tags:      []string{},
		UserID:    "u1",
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func backlog(t *testing.T, q *queue.Queue) []dolate.Operation {
	t.Helper()

	b, err := q.Backlog(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	return b.Ops
}

func TestAdd(t *testing.T) {
	ctx := context.Background()

	t.Run("online", func(t *testing.T) {
		h := newHarness(t, true)

		a, err := h.state.Add(ctx, Draft{
			URL:     "http://www.example.com/post?utm_source=x",
			Content: "<p>one two three</p><script>alert(1)</script>",
			Tags:    []string{" go ", "go", ""},
		})
		require.NoError(t, err)

		assert.Equal(t, "srv-1", a.ID)
		assert.Equal(t, "https://www.example.com/post", a.URL)
		assert.Equal(t, "example.com", a.Domain)
		assert.Equal(t, "Article from example.com", a.Title)
		assert.Equal(t, []string{"go"}, a.Tags)
		assert.Equal(t, 1, a.ReadingTime)
		assert.NotContains(t, a.Content, "script")

		assert.Equal(t, 1, h.remote.Calls("create"))
		assert.Equal(t, 0, h.queue.Size())
		assert.Equal(t, []string{"srv-1"}, ids(h.state.Snapshot()))

		cached, ok := h.cache.GetOne(ctx, "srv-1")
		require.True(t, ok)
		assert.Equal(t, a.URL, cached.URL)
	})

	t.Run("offline", func(t *testing.T) {
		h := newHarness(t, false)

		a, err := h.state.Add(ctx, Draft{URL: "https://example.com/a", Title: "<b>Hello</b>"})
		require.NoError(t, err)

		assert.True(t, dolate.IsTemporaryID(a.ID))
		assert.Equal(t, "Hello", a.Title)
		assert.Equal(t, "u1", a.UserID)
		assert.Equal(t, 0, h.remote.Calls("create"))

		ops := backlog(t, h.queue)
		require.Len(t, ops, 1)
		assert.Equal(t, dolate.OpCreate, ops[0].Type)
		assert.Equal(t, a.ID, ops[0].ArticleID)
	})

	t.Run("transient failure queues", func(t *testing.T) {
		h := newHarness(t, true)
		h.remote.Fail = func(string, string) error { return dolatetest.Transient() }

		a, err := h.state.Add(ctx, Draft{URL: "https://example.com/a"})
		require.NoError(t, err)

		assert.True(t, dolate.IsTemporaryID(a.ID))
		assert.Equal(t, 1, h.queue.Size())
		assert.Len(t, h.state.Snapshot(), 1)
	})

	t.Run("rejection drops the article", func(t *testing.T) {
		h := newHarness(t, true)
		h.remote.Fail = func(string, string) error { return dolatetest.Rejected() }

		_, err := h.state.Add(ctx, Draft{URL: "https://example.com/a"})
		require.Error(t, err)

		assert.True(t, dolerrs.IsRejected(err))
		assert.Empty(t, h.state.Snapshot())
		assert.Equal(t, 0, h.queue.Size())
	})

	t.Run("rejection cancels edits made while it was sent", func(t *testing.T) {
		h := newHarness(t, true)
		h.remote.Before = func(method, id string) {
			if method == "create" {
				_, err := h.state.MarkAsRead(ctx, id)
				assert.NoError(t, err)
			}
		}
		h.remote.Fail = func(method, _ string) error {
			if method == "create" {
				return dolatetest.Rejected()
			}
			return nil
		}

		_, err := h.state.Add(ctx, Draft{URL: "https://example.com/a"})
		require.Error(t, err)

		assert.Empty(t, h.state.Snapshot())
		assert.Zero(t, h.queue.Size())
		assert.Empty(t, backlog(t, h.queue))
	})

	t.Run("invalid url", func(t *testing.T) {
		h := newHarness(t, true)

		_, err := h.state.Add(ctx, Draft{URL: "ftp://example.com"})
		require.Error(t, err)

		assert.True(t, dolerrs.IsRejected(err))
		assert.Equal(t, 0, h.remote.Calls("create"))
	})

	t.Run("no session", func(t *testing.T) {
		h := newHarness(t, true)
		h.state.Reset()

		_, err := h.state.Add(ctx, Draft{URL: "https://example.com/a"})
		assert.ErrorIs(t, err, dolate.ErrNoSession)
	})
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("online", func(t *testing.T) {
		h := newHarness(t, true)
		seed := serverArticle("srv-1", "https://example.com/a", t0.Add(-time.Hour))
		h.remote.Put(seed)
		h.state.Replace(ctx, "u1", []dolate.Article{seed})

		a, err := h.state.MarkAsRead(ctx, "srv-1")
		require.NoError(t, err)

		assert.True(t, a.IsRead)
		assert.Equal(t, t0, a.UpdatedAt)
		onServer, _ := h.remote.Article("srv-1")
		assert.True(t, onServer.IsRead)
		assert.Equal(t, 0, h.queue.Size())
	})

	t.Run("offline queues", func(t *testing.T) {
		h := newHarness(t, false)
		seed := serverArticle("srv-1", "https://example.com/a", t0.Add(-time.Hour))
		h.state.Replace(ctx, "u1", []dolate.Article{seed})

		a, err := h.state.ToggleFavorite(ctx, "srv-1")
		require.NoError(t, err)
		assert.True(t, a.IsFavorite)

		ops := backlog(t, h.queue)
		require.Len(t, ops, 1)
		assert.Equal(t, dolate.OpUpdate, ops[0].Type)
		patch, err := ops[0].Patch()
		require.NoError(t, err)
		assert.Equal(t, dolate.Ptr(true), patch.IsFavorite)
		assert.Nil(t, patch.IsRead)
	})

	t.Run("rejection rolls back", func(t *testing.T) {
		h := newHarness(t, true)
		seed := serverArticle("srv-1", "https://example.com/a", t0.Add(-time.Hour))
		h.remote.Put(seed)
		h.state.Replace(ctx, "u1", []dolate.Article{seed})
		h.remote.Fail = func(string, string) error { return dolatetest.Rejected() }

		_, err := h.state.MarkAsRead(ctx, "srv-1")
		require.Error(t, err)

		a, ok := h.state.Get("srv-1")
		require.True(t, ok)
		assert.False(t, a.IsRead)
		cached, ok := h.cache.GetOne(ctx, "srv-1")
		require.True(t, ok)
		assert.False(t, cached.IsRead)
		assert.Equal(t, 0, h.queue.Size())
	})

	t.Run("temporary article amends its create", func(t *testing.T) {
		h := newHarness(t, false)
		a, err := h.state.Add(ctx, Draft{URL: "https://example.com/a"})
		require.NoError(t, err)

		_, err = h.state.SetTags(ctx, a.ID, []string{"later"})
		require.NoError(t, err)

		ops := backlog(t, h.queue)
		require.Len(t, ops, 1)
		sent, err := ops[0].Article()
		require.NoError(t, err)
		assert.Equal(t, []string{"later"}, sent.Tags)
	})

	t.Run("unknown article", func(t *testing.T) {
		h := newHarness(t, true)

		_, err := h.state.MarkAsRead(ctx, "nope")
		assert.ErrorIs(t, err, dolate.ErrNotFound)
	})
}

func TestEdit(t *testing.T) {
	var (
		ctx = context.Background()
		h   = newHarness(t, false)
	)
	a, err := h.state.Add(ctx, Draft{URL: "https://example.com/a"})
	require.NoError(t, err)

	got, err := h.state.Edit(ctx, a.ID, dolate.ArticlePatch{
		Title: dolate.Ptr("<i>Renamed</i>"),
		Tags:  &[]string{"read", " read ", "later"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, []string{"read", "later"}, got.Tags)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("temporary article cancels its queue", func(t *testing.T) {
		h := newHarness(t, false)
		a, err := h.state.Add(ctx, Draft{URL: "https://example.com/a"})
		require.NoError(t, err)

		require.NoError(t, h.state.Remove(ctx, a.ID))

		assert.Empty(t, h.state.Snapshot())
		assert.Equal(t, 0, h.queue.Size())
		assert.Equal(t, 0, h.remote.Calls("delete"))
	})

	t.Run("offline queues a delete", func(t *testing.T) {
		h := newHarness(t, false)
		h.state.Replace(ctx, "u1", []dolate.Article{serverArticle("srv-1", "https://example.com/a", t0)})

		require.NoError(t, h.state.Remove(ctx, "srv-1"))

		ops := backlog(t, h.queue)
		require.Len(t, ops, 1)
		assert.Equal(t, dolate.OpDelete, ops[0].Type)
		_, ok := h.cache.GetOne(ctx, "srv-1")
		assert.False(t, ok)
	})

	t.Run("rejection restores the article in place", func(t *testing.T) {
		h := newHarness(t, true)
		h.state.Replace(ctx, "u1", []dolate.Article{
			serverArticle("srv-1", "https://example.com/a", t0),
			serverArticle("srv-2", "https://example.com/b", t0),
			serverArticle("srv-3", "https://example.com/c", t0),
		})
		h.remote.Fail = func(string, string) error { return dolatetest.Rejected() }

		err := h.state.Remove(ctx, "srv-2")
		require.Error(t, err)

		assert.Equal(t, []string{"srv-1", "srv-2", "srv-3"}, ids(h.state.Snapshot()))
		_, ok := h.cache.GetOne(ctx, "srv-2")
		assert.True(t, ok)
	})
}

func TestResolveCreated(t *testing.T) {
	ctx := context.Background()

	t.Run("keeps edits made after sending", func(t *testing.T) {
		h := newHarness(t, false)
		sent, err := h.state.Add(ctx, Draft{URL: "https://example.com/a"})
		require.NoError(t, err)

		// Edit lands after the create went out
		h.state.now = func() time.Time { return t0.Add(time.Minute) }
		_, err = h.state.MarkAsRead(ctx, sent.ID)
		require.NoError(t, err)
		_, err = h.queue.CancelArticle(ctx, sent.ID)
		require.NoError(t, err)

		server := sent
		server.ID = "srv-9"
		got := h.state.ResolveCreated(ctx, sent, server)

		assert.Equal(t, "srv-9", got.ID)
		assert.True(t, got.IsRead)
		assert.Equal(t, []string{"srv-9"}, ids(h.state.Snapshot()))

		ops := backlog(t, h.queue)
		require.Len(t, ops, 1)
		assert.Equal(t, dolate.OpUpdate, ops[0].Type)
		assert.Equal(t, "srv-9", ops[0].ArticleID)
	})

	t.Run("change feed echo keeps edits made after sending", func(t *testing.T) {
		h := newHarness(t, false)
		sent, err := h.state.Add(ctx, Draft{URL: "https://example.com/a"})
		require.NoError(t, err)

		h.state.now = func() time.Time { return t0.Add(time.Minute) }
		_, err = h.state.MarkAsRead(ctx, sent.ID)
		require.NoError(t, err)
		_, err = h.queue.CancelArticle(ctx, sent.ID)
		require.NoError(t, err)

		server := serverArticle("srv-9", sent.URL, t0)
		require.True(t, h.state.ApplyInsert(ctx, server))
		got := h.state.ResolveCreated(ctx, sent, server)

		assert.True(t, got.IsRead)
		assert.Equal(t, []string{"srv-9"}, ids(h.state.Snapshot()))
		a, ok := h.state.Get("srv-9")
		require.True(t, ok)
		assert.True(t, a.IsRead)

		ops := backlog(t, h.queue)
		require.Len(t, ops, 1)
		assert.Equal(t, dolate.OpUpdate, ops[0].Type)
		assert.Equal(t, "srv-9", ops[0].ArticleID)
	})

	t.Run("change feed got there first", func(t *testing.T) {
		h := newHarness(t, false)
		sent, err := h.state.Add(ctx, Draft{URL: "https://example.com/a"})
		require.NoError(t, err)

		server := serverArticle("srv-9", "https://example.com/b", t0)
		h.state.ApplyInsert(ctx, server)
		got := h.state.ResolveCreated(ctx, sent, server)

		assert.Equal(t, "srv-9", got.ID)
		assert.Equal(t, []string{"srv-9"}, ids(h.state.Snapshot()))
	})

	t.Run("deleted while in flight", func(t *testing.T) {
		h := newHarness(t, false)
		sent, err := h.state.Add(ctx, Draft{URL: "https://example.com/a"})
		require.NoError(t, err)
		require.NoError(t, h.state.Remove(ctx, sent.ID))

		server := sent
		server.ID = "srv-9"
		h.state.ResolveCreated(ctx, sent, server)

		assert.Empty(t, h.state.Snapshot())
		ops := backlog(t, h.queue)
		require.Len(t, ops, 1)
		assert.Equal(t, dolate.OpDelete, ops[0].Type)
		assert.Equal(t, "srv-9", ops[0].ArticleID)
	})
}

func TestAbandon(t *testing.T) {
	var (
		ctx = context.Background()
		h   = newHarness(t, false)
	)
	a, err := h.state.Add(ctx, Draft{URL: "https://example.com/a"})
	require.NoError(t, err)
	ops := backlog(t, h.queue)
	require.Len(t, ops, 1)

	update, err := dolate.NewUpdateOp("u1", a.ID, dolate.ArticlePatch{IsRead: dolate.Ptr(true)})
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(ctx, update))

	h.state.Abandon(ctx, ops[0])

	assert.Empty(t, h.state.Snapshot())
	_, ok := h.cache.GetOne(ctx, a.ID)
	assert.False(t, ok)
	// Nothing left can resolve the temporary id
	assert.Zero(t, h.queue.Size())
}

func TestChangeFeedAppliers(t *testing.T) {
	ctx := context.Background()

	t.Run("insert leaves optimistic articles with the same url alone", func(t *testing.T) {
		h := newHarness(t, false)
		tmp, err := h.state.Add(ctx, Draft{URL: "https://example.com/a", Title: "Mine"})
		require.NoError(t, err)

		assert.True(t, h.state.ApplyInsert(ctx, serverArticle("srv-1", tmp.URL, t0)))

		assert.Equal(t, []string{"srv-1", tmp.ID}, ids(h.state.Snapshot()))
		mine, ok := h.state.Get(tmp.ID)
		require.True(t, ok)
		assert.Equal(t, "Mine", mine.Title)
		assert.Equal(t, 1, h.queue.Size())
	})

	t.Run("insert ignores known ids and other users", func(t *testing.T) {
		h := newHarness(t, true)
		a := serverArticle("srv-1", "https://example.com/a", t0)
		require.True(t, h.state.ApplyInsert(ctx, a))

		assert.False(t, h.state.ApplyInsert(ctx, a))
		other := serverArticle("srv-2", "https://example.com/b", t0)
		other.UserID = "u2"
		assert.False(t, h.state.ApplyInsert(ctx, other))
		assert.Len(t, h.state.Snapshot(), 1)
	})

	t.Run("update keeps newer local copy", func(t *testing.T) {
		h := newHarness(t, true)
		local := serverArticle("srv-1", "https://example.com/a", t0)
		local.IsRead = true
		h.state.Replace(ctx, "u1", []dolate.Article{local})

		stale := serverArticle("srv-1", "https://example.com/a", t0.Add(-time.Minute))
		assert.False(t, h.state.ApplyUpdate(ctx, stale))
		a, _ := h.state.Get("srv-1")
		assert.True(t, a.IsRead)

		fresh := serverArticle("srv-1", "https://example.com/a", t0.Add(time.Minute))
		fresh.Title = "Renamed"
		assert.True(t, h.state.ApplyUpdate(ctx, fresh))
		a, _ = h.state.Get("srv-1")
		assert.Equal(t, "Renamed", a.Title)
	})

	t.Run("update inserts unknown articles", func(t *testing.T) {
		h := newHarness(t, true)

		assert.True(t, h.state.ApplyUpdate(ctx, serverArticle("srv-1", "https://example.com/a", t0)))
		assert.Len(t, h.state.Snapshot(), 1)
	})

	t.Run("delete", func(t *testing.T) {
		h := newHarness(t, true)
		h.state.Replace(ctx, "u1", []dolate.Article{serverArticle("srv-1", "https://example.com/a", t0)})

		assert.False(t, h.state.ApplyDelete(ctx, "missing"))
		assert.True(t, h.state.ApplyDelete(ctx, "srv-1"))
		assert.Empty(t, h.state.Snapshot())
		_, ok := h.cache.GetOne(ctx, "srv-1")
		assert.False(t, ok)
	})
}

func TestReplace(t *testing.T) {
	var (
		ctx = context.Background()
		h   = newHarness(t, false)
	)
	tmp, err := h.state.Add(ctx, Draft{URL: "https://example.com/unsynced"})
	require.NoError(t, err)

	// A server article with the same url is a different save; the queued create resolves tmp
	h.state.Replace(ctx, "u1", []dolate.Article{
		serverArticle("srv-1", "https://example.com/old", t0),
		serverArticle("srv-2", tmp.URL, t0),
	})

	assert.Equal(t, []string{tmp.ID, "srv-1", "srv-2"}, ids(h.state.Snapshot()))
	assert.NotNil(t, h.cache.LastSync(ctx, "u1"))

	// Another user's list never lands
	h.state.Replace(ctx, "u2", []dolate.Article{serverArticle("srv-3", "https://example.com/x", t0)})
	assert.Len(t, h.state.Snapshot(), 3)

	reloaded := New(h.cache, h.queue, h.remote, h.net).Load(ctx, "u1")
	assert.Equal(t, []string{tmp.ID, "srv-1", "srv-2"}, ids(reloaded))
}

func TestQueries(t *testing.T) {
	var (
		ctx = context.Background()
		h   = newHarness(t, true)
	)
	a := serverArticle("srv-1", "https://golang.org/doc", t0)
	a.Tags = []string{"go", "docs"}
	b := serverArticle("srv-2", "https://example.com/b", t0.Add(time.Hour))
	b.Title = "Rust notes"
	b.IsRead = true
	b.IsFavorite = true
	b.Tags = []string{"Rust"}
	c := serverArticle("srv-3", "https://example.com/c", t0.Add(-time.Hour))
	c.Author = "Gopher"
	h.state.Replace(ctx, "u1", []dolate.Article{a, b, c})

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "everything newest first", want: []string{"srv-2", "srv-1", "srv-3"}},
		{name: "query domain", filter: Filter{Query: "GOLANG"}, want: []string{"srv-1"}},
		{name: "query author", filter: Filter{Query: "gopher"}, want: []string{"srv-3"}},
		{name: "any tag", filter: Filter{Tags: []string{"docs", "rust"}}, want: []string{"srv-1"}},
		{name: "unread", filter: Filter{UnreadOnly: true}, want: []string{"srv-1", "srv-3"}},
		{name: "favorites", filter: Filter{FavoritesOnly: true}, want: []string{"srv-2"}},
		{name: "no match", filter: Filter{Query: "python"}, want: []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ids(h.state.Filtered(tc.filter)))
		})
	}

	assert.Equal(t, Stats{Total: 3, Unread: 2, Read: 1, Favorites: 1, Tags: 3}, h.state.Stats())
	assert.Equal(t, []string{"docs", "go", "Rust"}, h.state.Tags())
}

func ids(list []dolate.Article) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.ID)
	}
	return out
}
