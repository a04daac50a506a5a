// Package queue is the durable log of mutations made while the backend was
// unreachable or refused them transiently.
//
// Operations live in one of two sublogs. New work goes to pending; work that
// failed goes to failed with a retry count and the time it may be tried again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/jdholdren/dolate/internal/dolate"
	"github.com/jdholdren/dolate/internal/sqlite"
	"github.com/jdholdren/dolate/logger"
)

const (
	DefaultMaxAttempts = 3

	backoffBase = 30 * time.Second
	backoffCap  = 15 * time.Minute
)

type (
	// Store persists the operation log.
	Store interface {
		InsertOperation(ctx context.Context, op dolate.Operation) error
		Operation(ctx context.Context, id string) (dolate.Operation, error)
		Operations(ctx context.Context, f sqlite.OpFilter) ([]dolate.Operation, error)
		DeleteOperations(ctx context.Context, f sqlite.OpFilter) (int64, error)
		DeleteOperation(ctx context.Context, id string) (bool, error)
		MoveToFailed(ctx context.Context, op dolate.Operation) error
		ClearBackoff(ctx context.Context) (int64, error)
		SetPayload(ctx context.Context, id string, payload json.RawMessage) error
		RekeyOperations(ctx context.Context, oldID, newID string) (int64, error)
		CountOperations(ctx context.Context) (int, error)
	}

	Queue struct {
		store       Store
		maxAttempts int
		now         func() time.Time
		backoff     func(retryCount int) time.Duration

		mu   sync.Mutex // Serializes writes with the size refresh
		size atomic.Int64
	}

	Option func(*Queue)

	// Backlog is what a drain should work through, in order.
	Backlog struct {
		Ops []dolate.Operation
		// Failed operations still waiting out their backoff.
		Deferred int
	}
)

// WithMaxAttempts sets how many failures an operation gets before it's discarded.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithBackoff replaces the delay schedule for failed operations.
func WithBackoff(f func(retryCount int) time.Duration) Option {
	return func(q *Queue) { q.backoff = f }
}

func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:       store,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		backoff:     ExponentialBackoff,
	}
	for _, opt := range opts {
		opt(q)
	}

	return q
}

// ExponentialBackoff is the default wait before the retryCount'th retry.
func ExponentialBackoff(retryCount int) time.Duration {
	b := retry.NewExponential(backoffBase)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(backoffCap, b)

	var d time.Duration
	for range max(retryCount, 1) {
		d, _ = b.Next()
	}

	return d
}

// Enqueue appends the operation to the pending sublog.
//
// Enqueueing an operation that's already queued does nothing.
func (q *Queue) Enqueue(ctx context.Context, op dolate.Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.now()
	}
	op.Sublog = dolate.SublogPending
	op.RetryCount = 0
	op.LastFailureAt = nil
	op.NextAttemptAt = nil

	err := q.store.InsertOperation(ctx, op)
	if errors.Is(err, dolate.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error enqueueing operation: %w", err)
	}

	slog.DebugContext(opCtx(ctx, op), "operation enqueued")
	return q.refresh(ctx)
}

// DequeueSuccess removes a completed operation from whichever sublog holds it.
func (q *Queue) DequeueSuccess(ctx context.Context, op dolate.Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.store.DeleteOperation(ctx, op.ID); err != nil {
		return fmt.Errorf("error dequeueing operation: %w", err)
	}

	return q.refresh(ctx)
}

// DequeueFailure records a failed attempt.
//
// Below the attempt ceiling the operation moves to the tail of the failed
// sublog and waits out its backoff. On the last attempt it is removed and
// [dolate.ErrRetriesExhausted] is returned so the caller can report the loss.
func (q *Queue) DequeueFailure(ctx context.Context, op dolate.Operation, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ctx = opCtx(ctx, op)
	attempts := op.RetryCount + 1
	if attempts >= q.maxAttempts {
		if _, err := q.store.DeleteOperation(ctx, op.ID); err != nil {
			return fmt.Errorf("error discarding operation: %w", err)
		}
		slog.WarnContext(ctx, "operation discarded after final attempt", "attempts", attempts, "error", cause)
		if err := q.refresh(ctx); err != nil {
			return err
		}

		return dolate.ErrRetriesExhausted
	}

	now := q.now()
	next := now.Add(q.backoff(attempts))
	op.RetryCount = attempts
	op.LastFailureAt = &now
	op.NextAttemptAt = &next
	if err := q.store.MoveToFailed(ctx, op); err != nil {
		return fmt.Errorf("error moving operation to failed: %w", err)
	}
	slog.InfoContext(ctx, "operation failed, will retry", "retry_count", attempts, "next_attempt_at", next, "error", cause)

	return q.refresh(ctx)
}

// Discard drops an operation that can never succeed.
func (q *Queue) Discard(ctx context.Context, op dolate.Operation, reason error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.store.DeleteOperation(ctx, op.ID); err != nil {
		return fmt.Errorf("error discarding operation: %w", err)
	}
	slog.WarnContext(opCtx(ctx, op), "operation discarded", "reason", reason)

	return q.refresh(ctx)
}

// Backlog returns pending operations followed by failed ones that are due.
func (q *Queue) Backlog(ctx context.Context, now time.Time) (Backlog, error) {
	return q.backlog(ctx, now, "")
}

// ArticleBacklog is [Queue.Backlog] narrowed to one article. Backoff is
// ignored since the caller asked for this article explicitly.
func (q *Queue) ArticleBacklog(ctx context.Context, articleID string) (Backlog, error) {
	return q.backlog(ctx, time.Time{}, articleID)
}

func (q *Queue) backlog(ctx context.Context, now time.Time, articleID string) (Backlog, error) {
	pending, err := q.store.Operations(ctx, sqlite.OpFilter{Sublog: dolate.SublogPending, ArticleID: articleID})
	if err != nil {
		return Backlog{}, fmt.Errorf("error reading pending operations: %w", err)
	}
	failed, err := q.store.Operations(ctx, sqlite.OpFilter{Sublog: dolate.SublogFailed, ArticleID: articleID})
	if err != nil {
		return Backlog{}, fmt.Errorf("error reading failed operations: %w", err)
	}

	b := Backlog{Ops: pending}
	for _, op := range failed {
		if !now.IsZero() && !op.Due(now) {
			b.Deferred++
			continue
		}
		b.Ops = append(b.Ops, op)
	}

	return b, nil
}

// Failed lists the failed sublog in order.
func (q *Queue) Failed(ctx context.Context) ([]dolate.Operation, error) {
	ops, err := q.store.Operations(ctx, sqlite.OpFilter{Sublog: dolate.SublogFailed})
	if err != nil {
		return nil, fmt.Errorf("error reading failed operations: %w", err)
	}

	return ops, nil
}

// RetryFailed makes every failed operation due now. Retry counts are kept.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.store.ClearBackoff(ctx)
	if err != nil {
		return 0, fmt.Errorf("error clearing backoff: %w", err)
	}

	return int(n), nil
}

// AmendCreate rewrites the queued create for an article that hasn't reached
// the backend yet. It reports false if no create is queued for it.
func (q *Queue) AmendCreate(ctx context.Context, a dolate.Article) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.store.Operations(ctx, sqlite.OpFilter{ArticleID: a.ID, Type: dolate.OpCreate})
	if err != nil {
		return false, fmt.Errorf("error finding queued create: %w", err)
	}
	if len(ops) == 0 {
		return false, nil
	}

	byts, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("error encoding article: %s", err)
	}
	if err := q.store.SetPayload(ctx, ops[0].ID, byts); err != nil {
		return false, fmt.Errorf("error amending create: %w", err)
	}

	return true, nil
}

// CreateQueued reports whether a create for the article is in either sublog.
func (q *Queue) CreateQueued(ctx context.Context, articleID string) (bool, error) {
	ops, err := q.store.Operations(ctx, sqlite.OpFilter{ArticleID: articleID, Type: dolate.OpCreate})
	if err != nil {
		return false, fmt.Errorf("error finding queued create: %w", err)
	}

	return len(ops) > 0, nil
}

// CancelArticle drops every queued operation for the article.
func (q *Queue) CancelArticle(ctx context.Context, articleID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.store.DeleteOperations(ctx, sqlite.OpFilter{ArticleID: articleID})
	if err != nil {
		return 0, fmt.Errorf("error cancelling operations: %w", err)
	}

	return int(n), q.refresh(ctx)
}

// Rekey points queued operations at an article's server-assigned id.
func (q *Queue) Rekey(ctx context.Context, oldID, newID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.store.RekeyOperations(ctx, oldID, newID); err != nil {
		return fmt.Errorf("error rekeying operations: %w", err)
	}

	return nil
}

// ClearUser discards everything queued by the user and reports how much was lost.
func (q *Queue) ClearUser(ctx context.Context, userID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.store.DeleteOperations(ctx, sqlite.OpFilter{UserID: userID})
	if err != nil {
		return 0, fmt.Errorf("error clearing user operations: %w", err)
	}
	if n > 0 {
		slog.WarnContext(ctx, "discarded unsynced operations", "user_id", userID, "count", n)
	}

	return int(n), q.refresh(ctx)
}

// Size is the number of operations across both sublogs.
func (q *Queue) Size() int {
	return int(q.size.Load())
}

// Refresh recounts the queue from storage.
func (q *Queue) Refresh(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.refresh(ctx)
}

func (q *Queue) refresh(ctx context.Context) error {
	n, err := q.store.CountOperations(ctx)
	if err != nil {
		return fmt.Errorf("error counting operations: %w", err)
	}
	q.size.Store(int64(n))

	return nil
}

func opCtx(ctx context.Context, op dolate.Operation) context.Context {
	return logger.Ctx(ctx,
		slog.String("op_id", op.ID),
		slog.String("op_type", string(op.Type)),
		slog.String("article_id", op.ArticleID),
	)
}
