package netmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/dolate/internal/gateway"
	"github.com/jdholdren/dolate/internal/syncer"
)

type drainer struct{ calls atomic.Int32 }

func (d *drainer) DrainQueue(context.Context) syncer.DrainResult {
	d.calls.Add(1)
	return syncer.DrainResult{Succeeded: 1}
}

func TestObserve(t *testing.T) {
	var (
		ctx     = context.Background()
		pending atomic.Int32
		status  = syncer.NewStatus(func() int { return int(pending.Load()) })
		m       = New(status, nil)
		d       = &drainer{}
		dup     = &drainer{}
	)
	pending.Store(2)
	require.True(t, m.Subscribe(d))
	assert.False(t, m.Subscribe(dup))

	m.Observe(ctx, true)
	m.Observe(ctx, true)
	m.Wait()
	assert.True(t, status.Online())
	assert.EqualValues(t, 1, d.calls.Load())
	assert.EqualValues(t, 0, dup.calls.Load())

	m.Observe(ctx, false)
	m.Wait()
	assert.False(t, status.Online())
	assert.EqualValues(t, 1, d.calls.Load())

	// Reconnecting with nothing queued doesn't drain
	pending.Store(0)
	m.Observe(ctx, true)
	m.Wait()
	assert.EqualValues(t, 1, d.calls.Load())

	pending.Store(1)
	m.Observe(ctx, false)
	m.Observe(ctx, true)
	m.Wait()
	assert.EqualValues(t, 2, d.calls.Load())
}

func TestObserveWithoutSubscriber(t *testing.T) {
	status := syncer.NewStatus(func() int { return 3 })
	m := New(status, nil)

	m.Observe(context.Background(), true)
	m.Wait()
	assert.True(t, status.Online())
}

func TestRunProbesBackend(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" || !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cli, err := gateway.New(ctx, gateway.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	var (
		status = syncer.NewStatus(func() int { return 1 })
		m      = New(status, cli, WithProbeInterval(10*time.Millisecond))
		d      = &drainer{}
	)
	m.Subscribe(d)

	done := make(chan error)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, status.Online())
	assert.EqualValues(t, 0, d.calls.Load())

	healthy.Store(true)
	assert.Eventually(t, status.Online, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return d.calls.Load() == 1 }, time.Second, 10*time.Millisecond)

	healthy.Store(false)
	assert.Eventually(t, func() bool { return !status.Online() }, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	assert.EqualValues(t, 1, d.calls.Load())
}
