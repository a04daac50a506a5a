package gateway

import (
	v1 "github.com/jdholdren/dolate/api/articles/v1"
	"github.com/jdholdren/dolate/internal/dolate"
)

// FromWire converts a backend row into a domain article.
func FromWire(a v1.Article) dolate.Article {
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}

	return dolate.Article{
		ID:          a.ID,
		Title:       a.Title,
		URL:         a.URL,
		Content:     deref(a.Content),
		Description: deref(a.Description),
		ImageURL:    deref(a.ImageURL),
		Author:      deref(a.Author),
		PublishedAt: a.PublishedAt,
		Domain:      a.Domain,
		IsRead:      a.IsRead,
		IsFavorite:  a.IsFavorite,
		Tags:        tags,
		ReadingTime: deref(a.ReadingTime),
		UserID:      a.UserID,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func ToCreateRequest(a dolate.Article) v1.CreateArticleRequest {
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}

	return v1.CreateArticleRequest{
		Title:       a.Title,
		URL:         a.URL,
		Content:     nonZero(a.Content),
		Description: nonZero(a.Description),
		ImageURL:    nonZero(a.ImageURL),
		Author:      nonZero(a.Author),
		PublishedAt: a.PublishedAt,
		Domain:      a.Domain,
		IsRead:      a.IsRead,
		IsFavorite:  a.IsFavorite,
		Tags:        tags,
		ReadingTime: nonZero(a.ReadingTime),
		UserID:      a.UserID,
	}
}

func ToUpdateRequest(p dolate.ArticlePatch) v1.UpdateArticleRequest {
	req := v1.UpdateArticleRequest{
		Title:       p.Title,
		URL:         p.URL,
		Content:     p.Content,
		Description: p.Description,
		ImageURL:    p.ImageURL,
		Author:      p.Author,
		PublishedAt: p.PublishedAt,
		IsRead:      p.IsRead,
		IsFavorite:  p.IsFavorite,
		Tags:        p.Tags,
		ReadingTime: p.ReadingTime,
	}
	if p.URL != nil {
		req.Domain = dolate.Ptr(dolate.DomainOf(*p.URL))
	}

	return req
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func nonZero[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}
