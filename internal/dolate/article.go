package dolate

import (
	"math"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
)

const (
	temporaryPrefix = "tmp-"
	wordsPerMinute  = 200
)

var trackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term",
	"fbclid", "gclid", "ref", "source", "campaign",
}

// NewTemporaryID returns an id for an article that the backend hasn't seen yet.
func NewTemporaryID() string {
	return temporaryPrefix + uuid.NewString()
}

func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, temporaryPrefix)
}

// DomainOf gives the hostname of the url without a leading "www.".
func DomainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}

	return strings.TrimPrefix(u.Hostname(), "www.")
}

// ValidURL reports if the url is an absolute http(s) url.
func ValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// NormalizeURL drops common tracking parameters and upgrades http to https.
//
// Anything unparseable is returned as-is.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	q := u.Query()
	for _, p := range trackingParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	if u.Scheme == "http" {
		u.Scheme = "https"
	}

	return u.String()
}

// ReadingTime estimates the minutes needed to read the text, never less than one.
func ReadingTime(text string) int {
	words := len(strings.Fields(text))
	return max(1, int(math.Ceil(float64(words)/wordsPerMinute)))
}

// HasTag reports if the article carries the tag.
func (a Article) HasTag(tag string) bool {
	return slices.Contains(a.Tags, tag)
}

// Clone returns a copy that shares no slices with the receiver.
func (a Article) Clone() Article {
	a.Tags = slices.Clone(a.Tags)
	if a.PublishedAt != nil {
		t := *a.PublishedAt
		a.PublishedAt = &t
	}

	return a
}

// Empty reports if the patch would change nothing.
func (p ArticlePatch) Empty() bool {
	return p == (ArticlePatch{})
}

// Apply returns a copy of the article with the patch's fields set.
func (p ArticlePatch) Apply(a Article) Article {
	a = a.Clone()
	if p.Title != nil {
		a.Title = *p.Title
	}
	if p.URL != nil {
		a.URL = *p.URL
		a.Domain = DomainOf(*p.URL)
	}
	if p.Content != nil {
		a.Content = *p.Content
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.ImageURL != nil {
		a.ImageURL = *p.ImageURL
	}
	if p.Author != nil {
		a.Author = *p.Author
	}
	if p.PublishedAt != nil {
		t := *p.PublishedAt
		a.PublishedAt = &t
	}
	if p.IsRead != nil {
		a.IsRead = *p.IsRead
	}
	if p.IsFavorite != nil {
		a.IsFavorite = *p.IsFavorite
	}
	if p.Tags != nil {
		a.Tags = slices.Clone(*p.Tags)
	}
	if p.ReadingTime != nil {
		a.ReadingTime = *p.ReadingTime
	}

	return a
}

// Merge folds a later patch on top of this one.
func (p ArticlePatch) Merge(later ArticlePatch) ArticlePatch {
	if later.Title != nil {
		p.Title = later.Title
	}
	if later.URL != nil {
		p.URL = later.URL
	}
	if later.Content != nil {
		p.Content = later.Content
	}
	if later.Description != nil {
		p.Description = later.Description
	}
	if later.ImageURL != nil {
		p.ImageURL = later.ImageURL
	}
	if later.Author != nil {
		p.Author = later.Author
	}
	if later.PublishedAt != nil {
		p.PublishedAt = later.PublishedAt
	}
	if later.IsRead != nil {
		p.IsRead = later.IsRead
	}
	if later.IsFavorite != nil {
		p.IsFavorite = later.IsFavorite
	}
	if later.Tags != nil {
		p.Tags = later.Tags
	}
	if later.ReadingTime != nil {
		p.ReadingTime = later.ReadingTime
	}

	return p
}

// Ptr is a small helper for building patches.
func Ptr[T any](v T) *T {
	return &v
}
