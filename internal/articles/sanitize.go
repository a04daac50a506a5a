package articles

import (
	"html"
	"slices"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/jdholdren/dolate/internal/dolate"
)

var (
	stripPolicy   = bluemonday.StrictPolicy()
	contentPolicy = bluemonday.UGCPolicy()
)

// plain removes every tag from s, leaving readable text.
func plain(s string) string {
	return strings.TrimSpace(html.UnescapeString(stripPolicy.Sanitize(s)))
}

// clean sanitizes everything in an article that came off the network.
func clean(a dolate.Article) dolate.Article {
	a = a.Clone()
	a.Title = plain(a.Title)
	a.Description = plain(a.Description)
	a.Author = plain(a.Author)
	if a.Content != "" {
		a.Content = contentPolicy.Sanitize(a.Content)
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}

	return a
}

// normalizeTags trims, drops empties and dedups, keeping the first spelling.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}

	return out
}
