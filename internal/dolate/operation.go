package dolate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const CollectionArticles = "articles"

type (
	OpType string
	Sublog string

	// Operation is a deferred mutation waiting to be replayed against the backend.
	Operation struct {
		ID         string          `json:"id"`
		Sublog     Sublog          `json:"sublog"`
		Type       OpType          `json:"type"`
		Collection string          `json:"collection"`
		ArticleID  string          `json:"article_id"`
		Payload    json.RawMessage `json:"payload,omitempty"`
		UserID     string          `json:"user_id"`
		EnqueuedAt time.Time       `json:"enqueued_at"`
		RetryCount int             `json:"retry_count"`

		LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
		NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	}
)

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"

	SublogPending Sublog = "pending"
	SublogFailed  Sublog = "failed"
)

// NewCreateOp builds the operation that creates the article remotely.
func NewCreateOp(a Article) (Operation, error) {
	byts, err := json.Marshal(a)
	if err != nil {
		return Operation{}, fmt.Errorf("error encoding article: %s", err)
	}

	return newOp(OpCreate, a.UserID, a.ID, byts), nil
}

// NewUpdateOp builds the operation that sends the patch for the article.
func NewUpdateOp(userID, articleID string, patch ArticlePatch) (Operation, error) {
	byts, err := json.Marshal(patch)
	if err != nil {
		return Operation{}, fmt.Errorf("error encoding patch: %s", err)
	}

	return newOp(OpUpdate, userID, articleID, byts), nil
}

func NewDeleteOp(userID, articleID string) Operation {
	return newOp(OpDelete, userID, articleID, nil)
}

func newOp(typ OpType, userID, articleID string, payload json.RawMessage) Operation {
	return Operation{
		ID:         uuid.NewString(),
		Sublog:     SublogPending,
		Type:       typ,
		Collection: CollectionArticles,
		ArticleID:  articleID,
		Payload:    payload,
		UserID:     userID,
	}
}

// Article decodes a create operation's payload.
func (o Operation) Article() (Article, error) {
	if o.Type != OpCreate {
		return Article{}, fmt.Errorf("operation %s is a %s, not a create", o.ID, o.Type)
	}

	var a Article
	if err := json.Unmarshal(o.Payload, &a); err != nil {
		return Article{}, fmt.Errorf("error decoding create payload: %s", err)
	}

	return a, nil
}

// Patch decodes an update operation's payload.
func (o Operation) Patch() (ArticlePatch, error) {
	if o.Type != OpUpdate {
		return ArticlePatch{}, fmt.Errorf("operation %s is a %s, not an update", o.ID, o.Type)
	}

	var p ArticlePatch
	if err := json.Unmarshal(o.Payload, &p); err != nil {
		return ArticlePatch{}, fmt.Errorf("error decoding update payload: %s", err)
	}

	return p, nil
}

// Due reports if the operation may be attempted at the given time.
func (o Operation) Due(now time.Time) bool {
	return o.NextAttemptAt == nil || !o.NextAttemptAt.After(now)
}
