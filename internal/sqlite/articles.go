package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/jdholdren/dolate/internal/dolate"
)

type collectionRow struct {
	UserID       string     `db:"user_id"`
	Articles     string     `db:"articles"`
	LastSyncedAt *time.Time `db:"last_synced_at"`
}

// SaveCollection overwrites the user's snapshot and rebuilds their per-id index.
func (r Repo) SaveCollection(ctx context.Context, userID string, articles []dolate.Article, syncedAt time.Time) error {
	byts, err := json.Marshal(nonNil(articles))
	if err != nil {
		return fmt.Errorf("error encoding collection: %s", err)
	}

	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		const upsert = `INSERT INTO collections (user_id, articles, last_synced_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			articles = excluded.articles,
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at;`
		if _, err := tx.ExecContext(ctx, upsert, userID, string(byts), syncedAt, syncedAt); err != nil {
			return fmt.Errorf("error saving collection: %s", err)
		}

		if err := deleteSnapshotsForUser(ctx, tx, userID); err != nil {
			return err
		}
		for _, a := range articles {
			if err := putSnapshot(ctx, tx, a); err != nil {
				return err
			}
		}

		return nil
	})
}

// Collection returns the user's snapshot, or [dolate.ErrNotFound] if nothing was ever saved.
func (r Repo) Collection(ctx context.Context, userID string) ([]dolate.Article, error) {
	row, err := collection(ctx, r.db, userID)
	if err != nil {
		return nil, err
	}

	return decodeCollection(row.Articles)
}

// LastSync returns when the user's collection was last replaced from the backend.
func (r Repo) LastSync(ctx context.Context, userID string) (*time.Time, error) {
	row, err := collection(ctx, r.db, userID)
	if err != nil {
		return nil, err
	}

	return row.LastSyncedAt, nil
}

// UpsertArticle writes the article into both the per-id index and its owner's
// collection.
//
// A write older than what is stored is ignored and reported with false.
func (r Repo) UpsertArticle(ctx context.Context, a dolate.Article) (bool, error) {
	applied := false
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := snapshot(ctx, tx, a.ID)
		if err != nil && !errors.Is(err, dolate.ErrNotFound) {
			return err
		}
		if err == nil && existing.UpdatedAt.After(a.UpdatedAt) {
			return nil
		}

		if err := putSnapshot(ctx, tx, a); err != nil {
			return err
		}
		if err := editCollection(ctx, tx, a.UserID, func(list []dolate.Article) []dolate.Article {
			return upsertInto(list, a.ID, a)
		}); err != nil {
			return err
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return applied, nil
}

// RemoveArticle deletes the article from the index and its owner's collection.
func (r Repo) RemoveArticle(ctx context.Context, id string) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := snapshot(ctx, tx, id)
		if errors.Is(err, dolate.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM article_snapshots WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("error deleting snapshot: %s", err)
		}

		return editCollection(ctx, tx, existing.UserID, func(list []dolate.Article) []dolate.Article {
			return slices.DeleteFunc(list, func(a dolate.Article) bool { return a.ID == id })
		})
	})
}

// SwapArticle replaces the article stored under oldID with a, which carries a new id.
func (r Repo) SwapArticle(ctx context.Context, oldID string, a dolate.Article) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM article_snapshots WHERE id = ?;`, oldID); err != nil {
			return fmt.Errorf("error deleting snapshot: %s", err)
		}
		if err := putSnapshot(ctx, tx, a); err != nil {
			return err
		}

		return editCollection(ctx, tx, a.UserID, func(list []dolate.Article) []dolate.Article {
			// A change event may have delivered the server copy already
			if a.ID != oldID {
				list = slices.DeleteFunc(list, func(x dolate.Article) bool { return x.ID == a.ID })
			}
			return upsertInto(list, oldID, a)
		})
	})
}

// Article returns a single article from the per-id index.
func (r Repo) Article(ctx context.Context, id string) (dolate.Article, error) {
	return snapshot(ctx, r.db, id)
}

// ClearUser removes the user's collection and every indexed article they own.
func (r Repo) ClearUser(ctx context.Context, userID string) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE user_id = ?;`, userID); err != nil {
			return fmt.Errorf("error deleting collection: %s", err)
		}

		return deleteSnapshotsForUser(ctx, tx, userID)
	})
}

type snapshotRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Body      string    `db:"body"`
	UpdatedAt time.Time `db:"updated_at"`
}

func snapshot(ctx context.Context, q sqlx.QueryerContext, id string) (dolate.Article, error) {
	const query = `SELECT id, user_id, body FROM article_snapshots WHERE id = ?;`

	var row snapshotRow
	err := sqlx.GetContext(ctx, q, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return dolate.Article{}, dolate.ErrNotFound
	}
	if err != nil {
		return dolate.Article{}, fmt.Errorf("error fetching snapshot: %s", err)
	}

	var a dolate.Article
	if err := json.Unmarshal([]byte(row.Body), &a); err != nil {
		return dolate.Article{}, fmt.Errorf("error decoding snapshot: %s", err)
	}

	return a, nil
}

func putSnapshot(ctx context.Context, tx *sqlx.Tx, a dolate.Article) error {
	byts, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("error encoding snapshot: %s", err)
	}

	const q = `INSERT INTO article_snapshots (id, user_id, body, updated_at)
	VALUES (:id, :user_id, :body, :updated_at)
	ON CONFLICT (id) DO UPDATE SET
		user_id = excluded.user_id,
		body = excluded.body,
		updated_at = excluded.updated_at;`
	if _, err := tx.NamedExecContext(ctx, q, snapshotRow{
		ID:        a.ID,
		UserID:    a.UserID,
		Body:      string(byts),
		UpdatedAt: a.UpdatedAt,
	}); err != nil {
		return fmt.Errorf("error writing snapshot: %s", err)
	}

	return nil
}

func deleteSnapshotsForUser(ctx context.Context, tx *sqlx.Tx, userID string) error {
	query, args, err := sq.Delete("article_snapshots").Where(sq.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("error deleting snapshots: %s", err)
	}

	return nil
}

func collection(ctx context.Context, q sqlx.QueryerContext, userID string) (collectionRow, error) {
	const query = `SELECT user_id, articles, last_synced_at FROM collections WHERE user_id = ?;`

	var row collectionRow
	err := sqlx.GetContext(ctx, q, &row, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return collectionRow{}, dolate.ErrNotFound
	}
	if err != nil {
		return collectionRow{}, fmt.Errorf("error fetching collection: %s", err)
	}

	return row, nil
}

// editCollection rewrites the user's snapshot through fn, creating it if needed.
func editCollection(ctx context.Context, tx *sqlx.Tx, userID string, fn func([]dolate.Article) []dolate.Article) error {
	var list []dolate.Article
	row, err := collection(ctx, tx, userID)
	switch {
	case errors.Is(err, dolate.ErrNotFound):
	case err != nil:
		return err
	default:
		if list, err = decodeCollection(row.Articles); err != nil {
			return err
		}
	}

	byts, err := json.Marshal(nonNil(fn(list)))
	if err != nil {
		return fmt.Errorf("error encoding collection: %s", err)
	}

	const q = `INSERT INTO collections (user_id, articles, updated_at)
	VALUES (?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT (user_id) DO UPDATE SET
		articles = excluded.articles,
		updated_at = excluded.updated_at;`
	if _, err := tx.ExecContext(ctx, q, userID, string(byts)); err != nil {
		return fmt.Errorf("error writing collection: %s", err)
	}

	return nil
}

func decodeCollection(body string) ([]dolate.Article, error) {
	list := []dolate.Article{}
	if err := json.Unmarshal([]byte(body), &list); err != nil {
		return nil, fmt.Errorf("error decoding collection: %s", err)
	}

	return list, nil
}

// upsertInto replaces the entry with the given id in place, or prepends a.
func upsertInto(list []dolate.Article, id string, a dolate.Article) []dolate.Article {
	if i := slices.IndexFunc(list, func(x dolate.Article) bool { return x.ID == id }); i >= 0 {
		list[i] = a
		return list
	}

	return append([]dolate.Article{a}, list...)
}

func nonNil(list []dolate.Article) []dolate.Article {
	if list == nil {
		return []dolate.Article{}
	}
	return list
}
