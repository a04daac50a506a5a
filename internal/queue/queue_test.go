package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/dolate/internal/dolate"
	"github.com/jdholdren/dolate/internal/sqlite"
	"github.com/jdholdren/dolate/internal/sqlite/sqlitetest"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestQueue(t *testing.T) (*Queue, *clock) {
	c := &clock{now: t0}
	q := New(
		sqlite.New(sqlitetest.New(t)),
		WithClock(c.Now),
		WithBackoff(func(n int) time.Duration { return time.Duration(n) * time.Minute }),
	)
	require.NoError(t, q.Refresh(context.Background()))

	return q, c
}

func ids(ops []dolate.Operation) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.ID)
	}
	return out
}

func TestEnqueueAndSize(t *testing.T) {
	var (
		ctx  = context.Background()
		q, _ = newTestQueue(t)
		a    = dolate.NewDeleteOp("u1", "a1")
		b    = dolate.NewDeleteOp("u1", "a2")
	)
	assert.Equal(t, 0, q.Size())

	require.NoError(t, q.Enqueue(ctx, a))
	require.NoError(t, q.Enqueue(ctx, b))
	// Same operation twice is a no-op
	require.NoError(t, q.Enqueue(ctx, a))
	assert.Equal(t, 2, q.Size())

	backlog, err := q.Backlog(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, ids(backlog.Ops))
	assert.True(t, t0.Equal(backlog.Ops[0].EnqueuedAt))

	require.NoError(t, q.DequeueSuccess(ctx, a))
	assert.Equal(t, 1, q.Size())
}

func TestRetryCeiling(t *testing.T) {
	var (
		ctx      = context.Background()
		q, clock = newTestQueue(t)
		op       = dolate.NewDeleteOp("u1", "a1")
		cause    = errors.New("gateway timeout")
	)
	require.NoError(t, q.Enqueue(ctx, op))

	// First failure: failed sublog, retry_count 1, backoff one minute
	require.NoError(t, q.DequeueFailure(ctx, op, cause))
	failed, err := q.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].RetryCount)
	assert.Equal(t, dolate.SublogFailed, failed[0].Sublog)
	require.NotNil(t, failed[0].NextAttemptAt)
	assert.True(t, t0.Add(time.Minute).Equal(*failed[0].NextAttemptAt))
	assert.Equal(t, 1, q.Size())

	// Second failure
	op = failed[0]
	clock.now = t0.Add(time.Hour)
	require.NoError(t, q.DequeueFailure(ctx, op, cause))
	failed, err = q.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].RetryCount)

	// Third failure is the last one
	err = q.DequeueFailure(ctx, failed[0], cause)
	require.ErrorIs(t, err, dolate.ErrRetriesExhausted)
	assert.Equal(t, 0, q.Size())

	backlog, err := q.Backlog(ctx, clock.now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, backlog.Ops)
	assert.Zero(t, backlog.Deferred)
}

func TestBacklogOrderAndBackoff(t *testing.T) {
	var (
		ctx  = context.Background()
		q, _ = newTestQueue(t)
		a    = dolate.NewDeleteOp("u1", "a")
		b    = dolate.NewDeleteOp("u1", "b")
		c    = dolate.NewDeleteOp("u1", "c")
	)
	for _, op := range []dolate.Operation{a, b, c} {
		require.NoError(t, q.Enqueue(ctx, op))
	}
	require.NoError(t, q.DequeueFailure(ctx, a, errors.New("boom")))

	// Pending first, the failed one is waiting out its backoff
	backlog, err := q.Backlog(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, c.ID}, ids(backlog.Ops))
	assert.Equal(t, 1, backlog.Deferred)

	// Once due it comes after pending
	backlog, err = q.Backlog(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, c.ID, a.ID}, ids(backlog.Ops))
	assert.Zero(t, backlog.Deferred)

	// Or the user can ask for it right away
	n, err := q.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	backlog, err = q.Backlog(ctx, t0)
	require.NoError(t, err)
	require.Len(t, backlog.Ops, 3)
	assert.Equal(t, 1, backlog.Ops[2].RetryCount)
}

func TestDiscard(t *testing.T) {
	var (
		ctx  = context.Background()
		q, _ = newTestQueue(t)
		op   = dolate.NewDeleteOp("u1", "a1")
	)
	require.NoError(t, q.Enqueue(ctx, op))
	require.NoError(t, q.Discard(ctx, op, errors.New("forbidden")))
	assert.Equal(t, 0, q.Size())
}

func TestAmendAndCancelTemporaryArticle(t *testing.T) {
	var (
		ctx  = context.Background()
		q, _ = newTestQueue(t)
		a    = dolate.Article{ID: dolate.NewTemporaryID(), Title: "first", UserID: "u1"}
	)
	create, err := dolate.NewCreateOp(a)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, create))

	a.Title = "second"
	amended, err := q.AmendCreate(ctx, a)
	require.NoError(t, err)
	assert.True(t, amended)

	backlog, err := q.Backlog(ctx, t0)
	require.NoError(t, err)
	require.Len(t, backlog.Ops, 1)
	got, err := backlog.Ops[0].Article()
	require.NoError(t, err)
	assert.Equal(t, "second", got.Title)

	amended, err = q.AmendCreate(ctx, dolate.Article{ID: "not-queued"})
	require.NoError(t, err)
	assert.False(t, amended)

	n, err := q.CancelArticle(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, q.Size())
}

func TestArticleBacklogAndRekey(t *testing.T) {
	var (
		ctx  = context.Background()
		q, _ = newTestQueue(t)
	)
	upd, err := dolate.NewUpdateOp("u1", "tmp-x", dolate.ArticlePatch{IsRead: dolate.Ptr(true)})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, upd))
	require.NoError(t, q.Enqueue(ctx, dolate.NewDeleteOp("u1", "other")))

	require.NoError(t, q.Rekey(ctx, "tmp-x", "srv-x"))

	backlog, err := q.ArticleBacklog(ctx, "srv-x")
	require.NoError(t, err)
	require.Len(t, backlog.Ops, 1)
	assert.Equal(t, upd.ID, backlog.Ops[0].ID)
}

func TestClearUser(t *testing.T) {
	var (
		ctx  = context.Background()
		q, _ = newTestQueue(t)
	)
	require.NoError(t, q.Enqueue(ctx, dolate.NewDeleteOp("u1", "a")))
	require.NoError(t, q.Enqueue(ctx, dolate.NewDeleteOp("u1", "b")))
	require.NoError(t, q.Enqueue(ctx, dolate.NewDeleteOp("u2", "c")))

	n, err := q.ClearUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, q.Size())
}

func TestExponentialBackoff(t *testing.T) {
	first := ExponentialBackoff(1)
	assert.InDelta(t, float64(30*time.Second), float64(first), float64(3*time.Second))

	second := ExponentialBackoff(2)
	assert.InDelta(t, float64(time.Minute), float64(second), float64(6*time.Second))

	assert.LessOrEqual(t, ExponentialBackoff(20), 15*time.Minute)
}
