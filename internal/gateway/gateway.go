// Package gateway talks to the backend's article API over JSON/HTTP.
//
// Every failure comes back as an internal/errors Error so callers can decide
// between retrying later and giving up: network trouble, timeouts, 408, 429
// and 5xx are transient, any other 4xx is a rejection.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/jdholdren/dolate/api"
	v1 "github.com/jdholdren/dolate/api/articles/v1"
	"github.com/jdholdren/dolate/internal/dolate"
	dolerrs "github.com/jdholdren/dolate/internal/errors"
)

var _ dolate.Remote = (*Client)(nil)

type (
	Config struct {
		BaseURL     string
		AccessToken string
		// Requests per second allowed towards the backend, and the burst above it.
		RPS     float64
		Burst   int
		Timeout time.Duration
	}

	Client struct {
		base    *url.URL
		http    *http.Client
		limiter *rate.Limiter
	}
)

func New(ctx context.Context, cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", cfg.BaseURL)
	}

	httpCli := &http.Client{}
	if cfg.AccessToken != "" {
		httpCli = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.AccessToken,
			TokenType:   "Bearer",
		}))
	}
	httpCli.Timeout = cfg.Timeout
	if httpCli.Timeout == 0 {
		httpCli.Timeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}

	return &Client{
		base:    base,
		http:    httpCli,
		limiter: rate.NewLimiter(limit, max(cfg.Burst, 1)),
	}, nil
}

func (c *Client) CreateArticle(ctx context.Context, a dolate.Article) (dolate.Article, error) {
	var resp v1.Article
	if err := c.do(ctx, http.MethodPost, "/v1/articles", nil, ToCreateRequest(a), &resp); err != nil {
		return dolate.Article{}, fmt.Errorf("error creating article: %w", err)
	}

	return FromWire(resp), nil
}

func (c *Client) UpdateArticle(ctx context.Context, id string, patch dolate.ArticlePatch) (dolate.Article, error) {
	var resp v1.Article
	path := "/v1/articles/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPatch, path, nil, ToUpdateRequest(patch), &resp); err != nil {
		return dolate.Article{}, fmt.Errorf("error updating article: %w", err)
	}

	return FromWire(resp), nil
}

// DeleteArticle treats an already-gone article as deleted.
func (c *Client) DeleteArticle(ctx context.Context, id string) error {
	path := "/v1/articles/" + url.PathEscape(id)
	err := c.do(ctx, http.MethodDelete, path, nil, nil, nil)
	var e *dolerrs.Error
	if errors.As(err, &e) && e.Status == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error deleting article: %w", err)
	}

	return nil
}

// ListArticles returns all of the user's articles, newest first.
func (c *Client) ListArticles(ctx context.Context, userID string) ([]dolate.Article, error) {
	return c.list(ctx, userID, nil)
}

// SearchArticles matches the query against title, description and domain on the backend.
func (c *Client) SearchArticles(ctx context.Context, userID, query string) ([]dolate.Article, error) {
	return c.list(ctx, userID, url.Values{"q": {query}})
}

func (c *Client) list(ctx context.Context, userID string, query url.Values) ([]dolate.Article, error) {
	var resp v1.ListArticlesResponse
	path := "/v1/users/" + url.PathEscape(userID) + "/articles"
	if err := c.do(ctx, http.MethodGet, path, query, nil, &resp); err != nil {
		return nil, fmt.Errorf("error listing articles: %w", err)
	}

	articles := make([]dolate.Article, 0, len(resp.Articles))
	for _, a := range resp.Articles {
		articles = append(articles, FromWire(a))
	}

	return articles, nil
}

// Ping checks that the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/v1/health", nil), nil)
	if err != nil {
		return fmt.Errorf("error building request: %s", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return dolerrs.E(err, dolerrs.KindTransient, http.StatusServiceUnavailable)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return dolerrs.E(fmt.Sprintf("health check returned %d", resp.StatusCode), resp.StatusCode)
	}

	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return dolerrs.E(fmt.Errorf("error waiting on rate limit: %w", err), dolerrs.KindTransient)
	}

	var reader io.Reader
	if body != nil {
		byts, err := json.Marshal(body)
		if err != nil {
			return dolerrs.E(fmt.Errorf("error encoding request: %w", err), http.StatusBadRequest, dolerrs.KindRejected)
		}
		reader = bytes.NewReader(byts)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), reader)
	if err != nil {
		return dolerrs.E(fmt.Errorf("error building request: %w", err), http.StatusBadRequest, dolerrs.KindRejected)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Lost connectivity, timeouts and the like
		return dolerrs.E(fmt.Errorf("error calling backend: %w", err), dolerrs.KindTransient, http.StatusServiceUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(method, path, resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return dolerrs.E(fmt.Errorf("error decoding response: %w", err), dolerrs.KindTransient, http.StatusBadGateway)
	}

	return nil
}

func decodeError(method, path string, resp *http.Response) error {
	var apiErr api.Error
	byts, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(byts, &apiErr); err != nil || (apiErr.Message == "" && apiErr.Reason == "") {
		apiErr = api.Error{Reason: "http_error", Message: http.StatusText(resp.StatusCode)}
	}

	details := make([]dolerrs.Detail, 0, len(apiErr.Details))
	for _, d := range apiErr.Details {
		details = append(details, dolerrs.Detail{Field: d.Field, Error: d.Error})
	}

	return dolerrs.E(fmt.Errorf("%s %s: %w", method, path, apiErr), resp.StatusCode, details)
}

func (c *Client) url(path string, query url.Values) string {
	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	return u.String()
}
