// Package v1 holds the wire types of the backend's article API and its change feed.
package v1

import (
	"net/http"
	"net/url"
	"time"

	dolerrs "github.com/jdholdren/dolate/internal/errors"
)

type (
	// Article is a row of the backend's articles table.
	Article struct {
		ID          string     `json:"id"`
		Title       string     `json:"title"`
		URL         string     `json:"url"`
		Content     *string    `json:"content,omitempty"`
		Description *string    `json:"description,omitempty"`
		ImageURL    *string    `json:"image_url,omitempty"`
		Author      *string    `json:"author,omitempty"`
		PublishedAt *time.Time `json:"published_at,omitempty"`
		Domain      string     `json:"domain"`
		IsRead      bool       `json:"is_read"`
		IsFavorite  bool       `json:"is_favorite"`
		Tags        []string   `json:"tags"`
		ReadingTime *int       `json:"reading_time,omitempty"`
		UserID      string     `json:"user_id"`
		CreatedAt   time.Time  `json:"created_at"`
		UpdatedAt   time.Time  `json:"updated_at"`
	}

	// CreateArticleRequest is the insert shape: the backend assigns the id and timestamps.
	CreateArticleRequest struct {
		Title       string     `json:"title"`
		URL         string     `json:"url"`
		Content     *string    `json:"content,omitempty"`
		Description *string    `json:"description,omitempty"`
		ImageURL    *string    `json:"image_url,omitempty"`
		Author      *string    `json:"author,omitempty"`
		PublishedAt *time.Time `json:"published_at,omitempty"`
		Domain      string     `json:"domain"`
		IsRead      bool       `json:"is_read"`
		IsFavorite  bool       `json:"is_favorite"`
		Tags        []string   `json:"tags"`
		ReadingTime *int       `json:"reading_time,omitempty"`
		UserID      string     `json:"user_id"`
	}

	// UpdateArticleRequest only carries the fields that change.
	UpdateArticleRequest struct {
		Title       *string    `json:"title,omitempty"`
		URL         *string    `json:"url,omitempty"`
		Content     *string    `json:"content,omitempty"`
		Description *string    `json:"description,omitempty"`
		ImageURL    *string    `json:"image_url,omitempty"`
		Author      *string    `json:"author,omitempty"`
		PublishedAt *time.Time `json:"published_at,omitempty"`
		Domain      *string    `json:"domain,omitempty"`
		IsRead      *bool      `json:"is_read,omitempty"`
		IsFavorite  *bool      `json:"is_favorite,omitempty"`
		Tags        *[]string  `json:"tags,omitempty"`
		ReadingTime *int       `json:"reading_time,omitempty"`
	}

	ListArticlesResponse struct {
		Articles []Article `json:"articles"`
	}

	EventType string

	// ChangeEvent is one message on the change feed.
	ChangeEvent struct {
		EventType EventType `json:"event_type"`
		Record    *Article  `json:"record,omitempty"`
		OldRecord *Article  `json:"old_record,omitempty"`
	}
)

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

func (r CreateArticleRequest) Validate() error {
	var errs []dolerrs.Detail
	if r.Title == "" {
		errs = append(errs, dolerrs.Detail{Field: "title", Error: "required"})
	}
	if !absoluteHTTP(r.URL) {
		errs = append(errs, dolerrs.Detail{Field: "url", Error: "must be an http(s) url"})
	}
	if r.UserID == "" {
		errs = append(errs, dolerrs.Detail{Field: "user_id", Error: "required"})
	}
	if len(errs) > 0 {
		return dolerrs.E("invalid request", http.StatusBadRequest, errs)
	}

	return nil
}

func (r UpdateArticleRequest) Validate() error {
	var errs []dolerrs.Detail
	if r.Title != nil && *r.Title == "" {
		errs = append(errs, dolerrs.Detail{Field: "title", Error: "cannot be empty"})
	}
	if r.URL != nil && !absoluteHTTP(*r.URL) {
		errs = append(errs, dolerrs.Detail{Field: "url", Error: "must be an http(s) url"})
	}
	if len(errs) > 0 {
		return dolerrs.E("invalid request", http.StatusBadRequest, errs)
	}

	return nil
}

// ID is the id the event is about, taken from the old record for deletes.
func (e ChangeEvent) ID() string {
	if e.EventType == EventDelete && e.OldRecord != nil {
		return e.OldRecord.ID
	}
	if e.Record != nil {
		return e.Record.ID
	}
	return ""
}

// UserID is the owner of the event's record.
func (e ChangeEvent) UserID() string {
	if e.Record != nil {
		return e.Record.UserID
	}
	if e.OldRecord != nil {
		return e.OldRecord.UserID
	}
	return ""
}

func absoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
