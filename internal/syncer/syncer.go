// Package syncer replays queued operations against the backend and pulls the
// backend's collection back down.
//
// Only one drain runs at a time. A full sync waits for a running drain, then
// holds the same slot while it pushes and fetches, so nothing is pushed in the
// middle of replacing the collection.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jdholdren/dolate/internal/dolate"
	dolerrs "github.com/jdholdren/dolate/internal/errors"
	"github.com/jdholdren/dolate/internal/metrics"
	"github.com/jdholdren/dolate/internal/queue"
	"github.com/jdholdren/dolate/logger"
)

const (
	DefaultBatchSize = 5
	DefaultInterval  = 5 * time.Minute
)

var errUnresolvable = errors.New("article was never created on the backend")

type (
	Queue interface {
		Backlog(ctx context.Context, now time.Time) (queue.Backlog, error)
		ArticleBacklog(ctx context.Context, articleID string) (queue.Backlog, error)
		DequeueSuccess(ctx context.Context, op dolate.Operation) error
		DequeueFailure(ctx context.Context, op dolate.Operation, cause error) error
		Discard(ctx context.Context, op dolate.Operation, reason error) error
		RetryFailed(ctx context.Context) (int, error)
		Failed(ctx context.Context) ([]dolate.Operation, error)
		CreateQueued(ctx context.Context, articleID string) (bool, error)
		Size() int
	}

	// State is the in-memory collection the syncer keeps in step with the backend.
	State interface {
		UserID() string
		Get(id string) (dolate.Article, bool)
		Snapshot() []dolate.Article
		Replace(ctx context.Context, userID string, articles []dolate.Article)
		ResolveCreated(ctx context.Context, sent, server dolate.Article) dolate.Article
		Abandon(ctx context.Context, op dolate.Operation)
	}

	Syncer struct {
		queue     Queue
		remote    dolate.Remote
		state     State
		status    *Status
		metrics   metrics.Recorder
		batchSize int
		interval  time.Duration
		now       func() time.Time

		mu       sync.Mutex
		inflight chan struct{}
	}

	Option func(*Syncer)

	// OpError describes an operation that didn't make it this time.
	OpError struct {
		OperationID string        `json:"operation_id"`
		ArticleID   string        `json:"article_id"`
		Type        dolate.OpType `json:"type"`
		Outcome     string        `json:"outcome"`
		Message     string        `json:"message"`
	}

	DrainResult struct {
		// AlreadyRunning is set when another drain held the slot. Nothing was sent.
		AlreadyRunning bool `json:"already_running"`
		Attempted      int  `json:"attempted"`
		Succeeded      int  `json:"succeeded"`
		// Failed transiently and will be retried.
		Failed    int `json:"failed"`
		Rejected  int `json:"rejected"`
		Discarded int `json:"discarded"`
		// Not attempted: still backing off or waiting on their create.
		Deferred int       `json:"deferred"`
		Pending  int       `json:"pending"`
		Errors   []OpError `json:"errors,omitempty"`
		// Err is set when the backlog couldn't be read at all.
		Err error `json:"-"`
	}

	FullSyncResult struct {
		Drain    DrainResult `json:"drain"`
		Fetched  int         `json:"fetched"`
		LastSync *time.Time  `json:"last_sync,omitempty"`
		Err      error       `json:"-"`
	}
)

// OK reports if the whole backlog went through.
func (r DrainResult) OK() bool {
	return !r.AlreadyRunning && r.Err == nil && r.Failed+r.Rejected+r.Discarded == 0
}

func (r FullSyncResult) OK() bool {
	return r.Err == nil
}

func WithBatchSize(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithInterval sets how often Run drains the queue.
func WithInterval(d time.Duration) Option {
	return func(s *Syncer) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Syncer) { s.metrics = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

func New(q Queue, remote dolate.Remote, state State, status *Status, opts ...Option) *Syncer {
	s := &Syncer{
		queue:     q,
		remote:    remote,
		state:     state,
		status:    status,
		metrics:   metrics.Nop{},
		batchSize: DefaultBatchSize,
		interval:  DefaultInterval,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// DrainQueue sends the backlog to the backend in batches.
//
// If a drain is already running it returns at once with AlreadyRunning set.
func (s *Syncer) DrainQueue(ctx context.Context) DrainResult {
	done, _, ok := s.acquire()
	if !ok {
		return DrainResult{AlreadyRunning: true, Pending: s.queue.Size()}
	}
	defer done()

	return s.drain(ctx, func(ctx context.Context) (queue.Backlog, error) {
		return s.queue.Backlog(ctx, s.now())
	})
}

// Flush waits for a running drain to finish, then drains what's left.
func (s *Syncer) Flush(ctx context.Context) DrainResult {
	done, err := s.await(ctx)
	if err != nil {
		return DrainResult{Err: err, Pending: s.queue.Size()}
	}
	defer done()

	return s.drain(ctx, func(ctx context.Context) (queue.Backlog, error) {
		return s.queue.Backlog(ctx, s.now())
	})
}

// SyncArticle drains only the operations for one article, backoff or not.
func (s *Syncer) SyncArticle(ctx context.Context, articleID string) DrainResult {
	done, _, ok := s.acquire()
	if !ok {
		return DrainResult{AlreadyRunning: true, Pending: s.queue.Size()}
	}
	defer done()

	return s.drain(ctx, func(ctx context.Context) (queue.Backlog, error) {
		return s.queue.ArticleBacklog(ctx, articleID)
	})
}

// RetryFailed makes every failed operation due and drains.
func (s *Syncer) RetryFailed(ctx context.Context) DrainResult {
	n, err := s.queue.RetryFailed(ctx)
	if err != nil {
		return DrainResult{Err: err, Pending: s.queue.Size()}
	}
	slog.InfoContext(ctx, "retrying failed operations", "count", n)

	return s.DrainQueue(ctx)
}

// Failed lists the operations that failed at least once and await a retry.
func (s *Syncer) Failed(ctx context.Context) ([]dolate.Operation, error) {
	return s.queue.Failed(ctx)
}

// FullSync pushes local changes, then replaces the collection with the
// backend's. The last sync time is stamped even if some pushes failed.
func (s *Syncer) FullSync(ctx context.Context) FullSyncResult {
	done, err := s.await(ctx)
	if err != nil {
		return FullSyncResult{Err: err}
	}
	defer done()

	userID := s.state.UserID()
	if userID == "" {
		return FullSyncResult{Err: dolate.ErrNoSession}
	}
	ctx = logger.WithUser(ctx, userID)

	res := FullSyncResult{
		Drain: s.drain(ctx, func(ctx context.Context) (queue.Backlog, error) {
			return s.queue.Backlog(ctx, s.now())
		}),
	}

	list, err := s.remote.ListArticles(ctx, userID)
	if err != nil {
		slog.WarnContext(ctx, "full sync fetch failed", "error", err)
		s.metrics.RecordFullSync(false)
		res.Err = fmt.Errorf("error fetching articles: %w", err)
		return res
	}

	s.state.Replace(ctx, userID, list)
	now := s.now()
	s.status.SetLastSync(&now)
	s.metrics.RecordFullSync(true)

	res.Fetched = len(list)
	res.LastSync = &now
	slog.InfoContext(ctx, "full sync complete", "fetched", res.Fetched, "pushed", res.Drain.Succeeded, "pending", res.Drain.Pending)

	return res
}

// CheckConflicts compares the local collection with a fresh fetch and reports
// every article whose updated_at differs. Nothing is changed.
func (s *Syncer) CheckConflicts(ctx context.Context) ([]dolate.Conflict, error) {
	userID := s.state.UserID()
	if userID == "" {
		return nil, dolate.ErrNoSession
	}

	server, err := s.remote.ListArticles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error fetching articles: %w", err)
	}

	conflicts := Conflicts(s.state.Snapshot(), server)
	s.metrics.RecordConflicts(len(conflicts))

	return conflicts, nil
}

// Conflicts pairs up articles by id and classifies the ones whose updated_at
// differ. The result is sorted by article id.
func Conflicts(local, server []dolate.Article) []dolate.Conflict {
	byID := make(map[string]dolate.Article, len(local))
	for _, a := range local {
		byID[a.ID] = a
	}

	out := []dolate.Conflict{}
	for _, remote := range server {
		mine, ok := byID[remote.ID]
		if !ok || mine.UpdatedAt.Equal(remote.UpdatedAt) {
			continue
		}

		kind := dolate.ConflictServerNewer
		if mine.UpdatedAt.After(remote.UpdatedAt) {
			kind = dolate.ConflictLocalNewer
		}
		out = append(out, dolate.Conflict{
			ArticleID: remote.ID,
			Local:     mine.Clone(),
			Server:    remote.Clone(),
			Kind:      kind,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArticleID < out[j].ArticleID })

	return out
}

// Run drains the queue every interval while online and there's something to send.
// It never runs a full sync.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if !s.status.Online() || s.status.Syncing() || s.queue.Size() == 0 {
			continue
		}
		res := s.DrainQueue(ctx)
		if !res.OK() && !res.AlreadyRunning {
			slog.WarnContext(ctx, "sync failed", "pending", res.Pending, "failed", res.Failed, "discarded", res.Discarded+res.Rejected)
		}
	}
}

// acquire takes the drain slot. If it's taken, the returned channel closes
// when it frees up.
func (s *Syncer) acquire() (done func(), wait <-chan struct{}, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight != nil {
		return nil, s.inflight, false
	}

	ch := make(chan struct{})
	s.inflight = ch
	s.status.begin()

	return func() {
		s.mu.Lock()
		s.inflight = nil
		s.mu.Unlock()

		close(ch)
		s.status.end()
	}, nil, true
}

// await blocks until it holds the drain slot.
func (s *Syncer) await(ctx context.Context) (func(), error) {
	for {
		done, wait, ok := s.acquire()
		if ok {
			return done, nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// drain must be called holding the slot.
func (s *Syncer) drain(ctx context.Context, load func(context.Context) (queue.Backlog, error)) DrainResult {
	start := time.Now()
	defer func() { s.metrics.RecordDrain(time.Since(start)) }()

	backlog, err := load(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "error loading backlog", "error", err)
		return DrainResult{Err: err, Pending: s.queue.Size()}
	}

	res := DrainResult{Deferred: backlog.Deferred}
	r := &run{resolved: map[string]string{}}
	for _, batch := range plan(backlog.Ops, s.batchSize) {
		outcomes := make([]outcome, len(batch))

		var g errgroup.Group
		for i, op := range batch {
			g.Go(func() error {
				outcomes[i] = s.replay(ctx, r, op)
				return nil
			})
		}
		_ = g.Wait()

		for _, o := range outcomes {
			res.add(o)
		}
	}
	res.Pending = s.queue.Size()

	if res.Attempted > 0 {
		slog.InfoContext(ctx, "drained queue",
			"attempted", res.Attempted,
			"succeeded", res.Succeeded,
			"failed", res.Failed,
			"rejected", res.Rejected,
			"discarded", res.Discarded,
			"pending", res.Pending,
		)
	}

	return res
}

// plan splits ops into batches of at most size, keeping each article's
// operations in order and never putting two for the same article in one batch.
func plan(ops []dolate.Operation, size int) [][]dolate.Operation {
	var (
		batches [][]dolate.Operation
		last    = map[string]int{}
	)
	for _, op := range ops {
		i := 0
		if j, ok := last[op.ArticleID]; ok {
			i = j + 1
		}
		for i < len(batches) && len(batches[i]) >= size {
			i++
		}
		if i == len(batches) {
			batches = append(batches, nil)
		}
		batches[i] = append(batches[i], op)
		last[op.ArticleID] = i
	}

	return batches
}

const (
	outcomeDeferred = "deferred"
)

type (
	outcome struct {
		op     dolate.Operation
		result string
		err    error
	}

	// run carries what one drain learns as it goes.
	run struct {
		mu       sync.Mutex
		resolved map[string]string // Temporary id to server id
	}
)

func (r *run) lookup(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	newID, ok := r.resolved[id]
	return newID, ok
}

func (r *run) resolve(tmpID, serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resolved[tmpID] = serverID
}

func (res *DrainResult) add(o outcome) {
	if o.result == outcomeDeferred {
		res.Deferred++
		return
	}

	res.Attempted++
	switch o.result {
	case metrics.OutcomeSucceeded:
		res.Succeeded++
		return
	case metrics.OutcomeTransient:
		res.Failed++
	case metrics.OutcomeRejected:
		res.Rejected++
	case metrics.OutcomeDiscarded:
		res.Discarded++
	}

	msg := ""
	if o.err != nil {
		msg = o.err.Error()
	}
	res.Errors = append(res.Errors, OpError{
		OperationID: o.op.ID,
		ArticleID:   o.op.ArticleID,
		Type:        o.op.Type,
		Outcome:     o.result,
		Message:     msg,
	})
}

// replay sends one operation and files the outcome with the queue.
func (s *Syncer) replay(ctx context.Context, r *run, op dolate.Operation) (o outcome) {
	if dolate.IsTemporaryID(op.ArticleID) && op.Type != dolate.OpCreate {
		newID, ok := r.lookup(op.ArticleID)
		if !ok && s.unresolvable(ctx, op.ArticleID) {
			if qerr := s.queue.Discard(ctx, op, errUnresolvable); qerr != nil {
				slog.ErrorContext(ctx, "error discarding operation", "op_id", op.ID, "error", qerr)
			}
			s.metrics.RecordOperation(string(op.Type), metrics.OutcomeDiscarded)
			return outcome{op: op, result: metrics.OutcomeDiscarded, err: errUnresolvable}
		}
		if !ok {
			// Its create hasn't gone through yet
			return outcome{op: op, result: outcomeDeferred}
		}
		op.ArticleID = newID
	}
	ctx = logger.Ctx(ctx,
		slog.String("op_id", op.ID),
		slog.String("op_type", string(op.Type)),
		slog.String("article_id", op.ArticleID),
	)

	err := s.send(ctx, r, op)
	o = outcome{op: op, err: err}
	switch {
	case err == nil:
		o.result = metrics.OutcomeSucceeded
	case dolerrs.IsRejected(err):
		o.result = metrics.OutcomeRejected
		if qerr := s.queue.Discard(ctx, op, err); qerr != nil {
			slog.ErrorContext(ctx, "error discarding rejected operation", "error", qerr)
		}
		s.state.Abandon(ctx, op)
	default:
		o.result = metrics.OutcomeTransient
		qerr := s.queue.DequeueFailure(ctx, op, err)
		switch {
		case errors.Is(qerr, dolate.ErrRetriesExhausted):
			o.result = metrics.OutcomeDiscarded
			s.state.Abandon(ctx, op)
		case qerr != nil:
			slog.ErrorContext(ctx, "error recording failed operation", "error", qerr)
		}
	}
	s.metrics.RecordOperation(string(op.Type), o.result)

	return o
}

// unresolvable reports whether nothing will ever give the temporary id a
// server id: no create is queued for it and none is in flight.
func (s *Syncer) unresolvable(ctx context.Context, tmpID string) bool {
	if _, ok := s.state.Get(tmpID); ok {
		return false
	}
	queued, err := s.queue.CreateQueued(ctx, tmpID)
	if err != nil {
		slog.ErrorContext(ctx, "error looking for queued create", "article_id", tmpID, "error", err)
		return false
	}

	return !queued
}

// send makes the backend call for op. A panic in the call is reported as a
// transient failure.
func (s *Syncer) send(ctx context.Context, r *run, op dolate.Operation) (err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "panic replaying operation", "panic", p)
			err = dolerrs.E(fmt.Errorf("panic replaying operation: %v", p), dolerrs.KindTransient)
		}
	}()

	switch op.Type {
	case dolate.OpCreate:
		a, err := op.Article()
		if err != nil {
			return dolerrs.E(err, dolerrs.KindRejected)
		}
		server, err := s.remote.CreateArticle(ctx, a)
		if err != nil {
			return err
		}
		s.dequeue(ctx, op)
		r.resolve(a.ID, server.ID)
		s.state.ResolveCreated(ctx, a, server)

		return nil
	case dolate.OpUpdate:
		patch, err := op.Patch()
		if err != nil {
			return dolerrs.E(err, dolerrs.KindRejected)
		}
		if _, err := s.remote.UpdateArticle(ctx, op.ArticleID, patch); err != nil {
			return err
		}
	case dolate.OpDelete:
		if err := s.remote.DeleteArticle(ctx, op.ArticleID); err != nil {
			return err
		}
	default:
		return dolerrs.E(fmt.Sprintf("unknown operation type %q", op.Type), dolerrs.KindRejected)
	}

	s.dequeue(ctx, op)
	return nil
}

// dequeue clears an operation the backend has accepted.
func (s *Syncer) dequeue(ctx context.Context, op dolate.Operation) {
	if err := s.queue.DequeueSuccess(ctx, op); err != nil {
		slog.ErrorContext(ctx, "error dequeueing sent operation", "error", err)
	}
}
