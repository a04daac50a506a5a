package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"

	"github.com/jdholdren/dolate/internal/dolate"
)

const opColumns = `id, sublog, type, collection, article_id, payload, user_id,
	enqueued_at, retry_count, last_failure_at, next_attempt_at`

// The payload is kept as text in the table, so it goes through a row type
// rather than scanning straight into [dolate.Operation].
type opRow struct {
	ID            string     `db:"id"`
	Sublog        string     `db:"sublog"`
	Type          string     `db:"type"`
	Collection    string     `db:"collection"`
	ArticleID     string     `db:"article_id"`
	Payload       string     `db:"payload"`
	UserID        string     `db:"user_id"`
	EnqueuedAt    time.Time  `db:"enqueued_at"`
	RetryCount    int        `db:"retry_count"`
	LastFailureAt *time.Time `db:"last_failure_at"`
	NextAttemptAt *time.Time `db:"next_attempt_at"`
}

func toRow(op dolate.Operation) opRow {
	return opRow{
		ID:            op.ID,
		Sublog:        string(op.Sublog),
		Type:          string(op.Type),
		Collection:    op.Collection,
		ArticleID:     op.ArticleID,
		Payload:       string(op.Payload),
		UserID:        op.UserID,
		EnqueuedAt:    op.EnqueuedAt,
		RetryCount:    op.RetryCount,
		LastFailureAt: op.LastFailureAt,
		NextAttemptAt: op.NextAttemptAt,
	}
}

func (r opRow) op() dolate.Operation {
	var payload json.RawMessage
	if r.Payload != "" {
		payload = json.RawMessage(r.Payload)
	}

	return dolate.Operation{
		ID:            r.ID,
		Sublog:        dolate.Sublog(r.Sublog),
		Type:          dolate.OpType(r.Type),
		Collection:    r.Collection,
		ArticleID:     r.ArticleID,
		Payload:       payload,
		UserID:        r.UserID,
		EnqueuedAt:    r.EnqueuedAt,
		RetryCount:    r.RetryCount,
		LastFailureAt: r.LastFailureAt,
		NextAttemptAt: r.NextAttemptAt,
	}
}

const insertOp = `INSERT INTO operations (` + opColumns + `)
VALUES (:id, :sublog, :type, :collection, :article_id, :payload, :user_id,
	:enqueued_at, :retry_count, :last_failure_at, :next_attempt_at);`

func (r Repo) InsertOperation(ctx context.Context, op dolate.Operation) error {
	_, err := r.db.NamedExecContext(ctx, insertOp, toRow(op))
	if sqliteErr := (&sqlite.Error{}); errors.As(err, &sqliteErr) && sqliteErr.Code() == 2067 {
		return fmt.Errorf("operation already queued: %w", dolate.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("error inserting operation: %s", err)
	}

	return nil
}

func (r Repo) Operation(ctx context.Context, id string) (dolate.Operation, error) {
	const q = `SELECT ` + opColumns + ` FROM operations WHERE id = ?;`

	var row opRow
	err := r.db.GetContext(ctx, &row, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return dolate.Operation{}, dolate.ErrNotFound
	}
	if err != nil {
		return dolate.Operation{}, fmt.Errorf("error fetching operation: %s", err)
	}

	return row.op(), nil
}

// OpFilter narrows [Repo.Operations]. Zero fields match everything.
type OpFilter struct {
	Sublog    dolate.Sublog
	ArticleID string
	UserID    string
	Type      dolate.OpType
}

// Operations lists operations in insertion order.
func (r Repo) Operations(ctx context.Context, f OpFilter) ([]dolate.Operation, error) {
	q := sq.Select(opColumns).From("operations").Where(f.where()).OrderBy("seq ASC")

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("error constructing sql: %s", err)
	}

	var rows []opRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("error selecting operations: %s", err)
	}

	ops := make([]dolate.Operation, 0, len(rows))
	for _, row := range rows {
		ops = append(ops, row.op())
	}

	return ops, nil
}

// DeleteOperations removes every operation matching the filter and reports how many went.
func (r Repo) DeleteOperations(ctx context.Context, f OpFilter) (int64, error) {
	query, args, err := sq.Delete("operations").Where(f.where()).ToSql()
	if err != nil {
		return 0, fmt.Errorf("error constructing sql: %s", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("error deleting operations: %s", err)
	}

	return res.RowsAffected()
}

func (r Repo) DeleteOperation(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?;`, id)
	if err != nil {
		return false, fmt.Errorf("error deleting operation: %s", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error reading affected rows: %s", err)
	}

	return n > 0, nil
}

// MoveToFailed re-appends the operation at the tail of the failed sublog with
// its new retry bookkeeping.
func (r Repo) MoveToFailed(ctx context.Context, op dolate.Operation) error {
	op.Sublog = dolate.SublogFailed

	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE id = ?;`, op.ID)
		if err != nil {
			return fmt.Errorf("error removing operation: %s", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return dolate.ErrNotFound
		}

		if _, err := tx.NamedExecContext(ctx, insertOp, toRow(op)); err != nil {
			return fmt.Errorf("error reinserting operation: %s", err)
		}

		return nil
	})
}

// ClearBackoff makes every failed operation due right away.
func (r Repo) ClearBackoff(ctx context.Context) (int64, error) {
	query, args, err := sq.Update("operations").
		Set("next_attempt_at", nil).
		Where(sq.Eq{"sublog": string(dolate.SublogFailed)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("error constructing sql: %s", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("error clearing backoff: %s", err)
	}

	return res.RowsAffected()
}

// SetPayload overwrites an operation's payload in place, keeping its position.
func (r Repo) SetPayload(ctx context.Context, id string, payload json.RawMessage) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE operations SET payload = ? WHERE id = ?;`, string(payload), id); err != nil {
		return fmt.Errorf("error updating payload: %s", err)
	}

	return nil
}

// RekeyOperations points operations for one article id at another.
func (r Repo) RekeyOperations(ctx context.Context, oldID, newID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE operations SET article_id = ? WHERE article_id = ?;`, newID, oldID)
	if err != nil {
		return 0, fmt.Errorf("error rekeying operations: %s", err)
	}

	return res.RowsAffected()
}

func (r Repo) CountOperations(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM operations;`); err != nil {
		return 0, fmt.Errorf("error counting operations: %s", err)
	}

	return count, nil
}

func (f OpFilter) where() sq.And {
	conds := sq.And{}
	if f.Sublog != "" {
		conds = append(conds, sq.Eq{"sublog": string(f.Sublog)})
	}
	if f.ArticleID != "" {
		conds = append(conds, sq.Eq{"article_id": f.ArticleID})
	}
	if f.UserID != "" {
		conds = append(conds, sq.Eq{"user_id": f.UserID})
	}
	if f.Type != "" {
		conds = append(conds, sq.Eq{"type": string(f.Type)})
	}

	return conds
}
