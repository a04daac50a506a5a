// Package netmon tracks whether the backend can be reached and kicks off a
// drain when it comes back.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jdholdren/dolate/internal/syncer"
)

const DefaultProbeInterval = 30 * time.Second

type (
	Drainer interface {
		DrainQueue(ctx context.Context) syncer.DrainResult
	}

	// Pinger checks the backend's health endpoint.
	Pinger interface {
		Ping(ctx context.Context) error
	}

	Monitor struct {
		status   *syncer.Status
		pinger   Pinger
		interval time.Duration

		mu      sync.Mutex
		drainer Drainer
		wg      sync.WaitGroup
	}

	Option func(*Monitor)
)

func WithProbeInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func New(status *syncer.Status, pinger Pinger, opts ...Option) *Monitor {
	m := &Monitor{
		status:   status,
		pinger:   pinger,
		interval: DefaultProbeInterval,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Subscribe registers what to drain on reconnect. Only the first registration
// counts; it reports whether this one was kept.
func (m *Monitor) Subscribe(d Drainer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.drainer != nil {
		return false
	}
	m.drainer = d
	return true
}

// Observe records a connectivity change. Going from offline to online with
// changes pending starts one drain in the background.
func (m *Monitor) Observe(ctx context.Context, online bool) {
	was := m.status.SetOnline(online)
	if was == online {
		return
	}
	slog.InfoContext(ctx, "connectivity changed", "online", online)

	if !online || m.status.Pending() == 0 {
		return
	}

	m.mu.Lock()
	d := m.drainer
	m.mu.Unlock()
	if d == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		res := d.DrainQueue(ctx)
		if !res.OK() && !res.AlreadyRunning {
			slog.WarnContext(ctx, "sync failed", "pending", res.Pending, "failed", res.Failed)
		}
	}()
}

// Wait blocks until drains started by Observe have finished.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Run probes the backend every interval and feeds the result to Observe.
// Hosts that report connectivity themselves don't need it.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.probe(ctx)

		select {
		case <-ctx.Done():
			m.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	err := m.pinger.Ping(pingCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.DebugContext(ctx, "backend unreachable", "error", err)
	}

	m.Observe(ctx, err == nil)
}
