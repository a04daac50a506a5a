// Package v1 holds the request and response bodies of the daemon's local API.
package v1

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jdholdren/dolate/internal/dolate"
	dolerrs "github.com/jdholdren/dolate/internal/errors"
)

type (
	SignInRequest struct {
		UserID string `json:"user_id"`
	}

	SignOutResponse struct {
		// Unsynced changes that were thrown away.
		Discarded int    `json:"discarded"`
		Warning   string `json:"warning,omitempty"`
	}

	// NetworkRequest reports a connectivity change seen by the host platform.
	NetworkRequest struct {
		Online *bool `json:"online"`
	}

	CreateArticleRequest struct {
		URL         string     `json:"url"`
		Title       string     `json:"title"`
		Description string     `json:"description"`
		Content     string     `json:"content"`
		ImageURL    string     `json:"image_url"`
		Author      string     `json:"author"`
		Tags        []string   `json:"tags"`
		PublishedAt *time.Time `json:"published_at"`
	}

	// UpdateArticleRequest changes the user-editable fields. Absent fields are kept.
	UpdateArticleRequest struct {
		Title       *string   `json:"title"`
		Description *string   `json:"description"`
		IsRead      *bool     `json:"is_read"`
		IsFavorite  *bool     `json:"is_favorite"`
		Tags        *[]string `json:"tags"`
	}

	ContentRequest struct {
		HTML string `json:"html"`
	}

	ArticlesResponse struct {
		Articles []dolate.Article `json:"articles"`
		Tags     []string         `json:"tags,omitempty"`
		// Where the results came from: "local" or "remote".
		Source string `json:"source,omitempty"`
	}

	ConflictsResponse struct {
		Conflicts []dolate.Conflict `json:"conflicts"`
	}

	// FailedResponse lists the operations waiting to be retried.
	FailedResponse struct {
		Operations []dolate.Operation `json:"operations"`
	}
)

func (r SignInRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return dolerrs.E("invalid request", http.StatusBadRequest, dolerrs.Detail{Field: "user_id", Error: "required"})
	}

	return nil
}

func (r NetworkRequest) Validate() error {
	if r.Online == nil {
		return dolerrs.E("invalid request", http.StatusBadRequest, dolerrs.Detail{Field: "online", Error: "required"})
	}

	return nil
}

func (r CreateArticleRequest) Validate() error {
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return dolerrs.E("invalid request", http.StatusBadRequest, dolerrs.Detail{Field: "url", Error: "must be an http(s) url"})
	}

	return nil
}

func (r UpdateArticleRequest) Validate() error {
	var errs []dolerrs.Detail
	if r.Title != nil && strings.TrimSpace(*r.Title) == "" {
		errs = append(errs, dolerrs.Detail{Field: "title", Error: "cannot be empty"})
	}
	if r.Title == nil && r.Description == nil && r.IsRead == nil && r.IsFavorite == nil && r.Tags == nil {
		errs = append(errs, dolerrs.Detail{Field: "", Error: "nothing to update"})
	}
	if len(errs) > 0 {
		return dolerrs.E("invalid request", http.StatusBadRequest, errs)
	}

	return nil
}

// Patch is the update as the article state applies it.
func (r UpdateArticleRequest) Patch() dolate.ArticlePatch {
	return dolate.ArticlePatch{
		Title:       r.Title,
		Description: r.Description,
		IsRead:      r.IsRead,
		IsFavorite:  r.IsFavorite,
		Tags:        r.Tags,
	}
}

func (r ContentRequest) Validate() error {
	if strings.TrimSpace(r.HTML) == "" {
		return dolerrs.E("invalid request", http.StatusBadRequest, dolerrs.Detail{Field: "html", Error: "required"})
	}

	return nil
}
