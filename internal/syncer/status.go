package syncer

import (
	"sync"
	"sync/atomic"
	"time"
)

type (
	// Status is the process-wide view of sync health shown to the user.
	// None of it is persisted.
	Status struct {
		online  atomic.Bool
		busy    atomic.Int32
		pending func() int

		mu       sync.RWMutex
		lastSync *time.Time
	}

	StatusView struct {
		Online   bool       `json:"online"`
		Syncing  bool       `json:"syncing"`
		LastSync *time.Time `json:"last_sync"`
		Pending  int        `json:"pending"`
	}
)

// NewStatus reads the pending count through pending, normally the queue's Size.
func NewStatus(pending func() int) *Status {
	return &Status{pending: pending}
}

func (s *Status) Online() bool {
	return s.online.Load()
}

// SetOnline records connectivity and reports what it was before.
func (s *Status) SetOnline(online bool) (was bool) {
	return s.online.Swap(online)
}

// Syncing reports if a drain or full sync is running.
func (s *Status) Syncing() bool {
	return s.busy.Load() > 0
}

func (s *Status) LastSync() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.lastSync == nil {
		return nil
	}
	t := *s.lastSync
	return &t
}

func (s *Status) SetLastSync(t *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSync = t
}

func (s *Status) Pending() int {
	return s.pending()
}

func (s *Status) View() StatusView {
	return StatusView{
		Online:   s.Online(),
		Syncing:  s.Syncing(),
		LastSync: s.LastSync(),
		Pending:  s.Pending(),
	}
}

func (s *Status) begin() { s.busy.Add(1) }
func (s *Status) end()   { s.busy.Add(-1) }
