// Package changefeed listens to the backend's push channel of article changes
// and applies them to the article state as they arrive.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"

	v1 "github.com/jdholdren/dolate/api/articles/v1"
	"github.com/jdholdren/dolate/internal/dolate"
	"github.com/jdholdren/dolate/internal/gateway"
	"github.com/jdholdren/dolate/logger"
)

const changesPath = "/v1/changes"

type (
	// State is what change events are applied to.
	State interface {
		ApplyInsert(ctx context.Context, a dolate.Article) bool
		ApplyUpdate(ctx context.Context, a dolate.Article) bool
		ApplyDelete(ctx context.Context, id string) bool
	}

	Config struct {
		// URL of the websocket endpoint, ws:// or wss://.
		URL         string
		AccessToken string
		// Reconnect delays grow from MinBackoff up to MaxBackoff.
		MinBackoff time.Duration
		MaxBackoff time.Duration
	}

	Listener struct {
		url        *url.URL
		header     http.Header
		state      State
		dialer     *websocket.Dialer
		minBackoff time.Duration
		maxBackoff time.Duration

		subMu sync.Mutex // Serializes Subscribe and Unsubscribe
		mu    sync.Mutex
		sub   *subscription
	}

	subscription struct {
		userID string
		cancel context.CancelFunc
		done   chan struct{}
	}
)

func New(cfg Config, state State) (*Listener, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("invalid change feed url %q", cfg.URL)
	}

	header := http.Header{}
	if cfg.AccessToken != "" {
		tok := &oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"}
		header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	}

	l := &Listener{
		url:        u,
		header:     header,
		state:      state,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
	}
	if l.minBackoff <= 0 {
		l.minBackoff = time.Second
	}
	if l.maxBackoff < l.minBackoff {
		l.maxBackoff = max(time.Minute, l.minBackoff)
	}

	return l, nil
}

// URLFromBackend derives the change feed endpoint from the backend's base url.
func URLFromBackend(backend string) (string, error) {
	u, err := url.Parse(backend)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid backend url %q", backend)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}

	return u.JoinPath(changesPath).String(), nil
}

// Subscribe starts listening for the user's changes. Subscribing for a
// different user replaces the running subscription; for the same user it
// does nothing.
//
// The subscription outlives ctx and runs until Unsubscribe.
func (l *Listener) Subscribe(ctx context.Context, userID string) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	if l.current() == userID {
		return
	}
	l.stop()

	ctx, cancel := context.WithCancel(context.WithoutCancel(logger.WithUser(ctx, userID)))
	sub := &subscription{
		userID: userID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l.mu.Lock()
	l.sub = sub
	l.mu.Unlock()

	go func() {
		defer close(sub.done)
		l.listen(ctx, userID)
	}()
}

// Unsubscribe stops the subscription and waits for its reader to exit.
func (l *Listener) Unsubscribe() {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	l.stop()
}

func (l *Listener) stop() {
	l.mu.Lock()
	sub := l.sub
	l.sub = nil
	l.mu.Unlock()

	if sub == nil {
		return
	}
	sub.cancel()
	<-sub.done
}

// current is the subscribed user, empty if there's no subscription.
func (l *Listener) current() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sub == nil {
		return ""
	}
	return l.sub.userID
}

// Handle applies one event for the current subscription. Events about
// another user's articles are dropped.
func (l *Listener) Handle(ctx context.Context, ev v1.ChangeEvent) bool {
	return l.handle(ctx, l.current(), ev)
}

func (l *Listener) handle(ctx context.Context, userID string, ev v1.ChangeEvent) bool {
	// Delete payloads may carry only the id
	if owner := ev.UserID(); userID == "" || (owner != "" && owner != userID) {
		slog.DebugContext(ctx, "dropping change event for another user", "event_type", ev.EventType)
		return false
	}

	switch ev.EventType {
	case v1.EventInsert:
		if ev.Record == nil {
			return false
		}
		return l.state.ApplyInsert(ctx, gateway.FromWire(*ev.Record))
	case v1.EventUpdate:
		if ev.Record == nil {
			return false
		}
		return l.state.ApplyUpdate(ctx, gateway.FromWire(*ev.Record))
	case v1.EventDelete:
		id := ev.ID()
		if id == "" {
			return false
		}
		return l.state.ApplyDelete(ctx, id)
	default:
		slog.WarnContext(ctx, "unknown change event", "event_type", ev.EventType)
		return false
	}
}

// listen keeps a connection open until ctx is done, reconnecting with
// backoff. The backoff starts over after a connection that delivered events.
func (l *Listener) listen(ctx context.Context, userID string) {
	b := l.backoff()
	for {
		delivered, err := l.session(ctx, userID)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			b = l.backoff()
		}

		wait, _ := b.Next()
		slog.WarnContext(ctx, "change feed disconnected", "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (l *Listener) backoff() retry.Backoff {
	b := retry.NewExponential(l.minBackoff)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(l.maxBackoff, b)
}

// session reads one connection until it breaks. It reports whether any
// event came through.
func (l *Listener) session(ctx context.Context, userID string) (bool, error) {
	u := *l.url
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	conn, resp, err := l.dialer.DialContext(ctx, u.String(), l.header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("error dialing change feed: %s (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("error dialing change feed: %w", err)
	}
	defer conn.Close()
	slog.InfoContext(ctx, "change feed connected")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	delivered := false
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return delivered, nil
			}
			return delivered, fmt.Errorf("error reading change feed: %w", err)
		}

		var ev v1.ChangeEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			slog.WarnContext(ctx, "skipping undecodable change event", "error", err)
			continue
		}

		delivered = true
		l.handle(ctx, userID, ev)
	}
}
