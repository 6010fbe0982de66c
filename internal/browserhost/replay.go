package browserhost

import (
	"sync"

	"github.com/vincentbai/sessiontrace/internal/tracker"
)

// Replay records a coarse DOM replay stream: a snapshot when recording
// starts and one entry per batch of mutations.
type Replay struct {
	page *Page

	mu     sync.Mutex
	events []any
}

func NewReplay(p *Page) *Replay {
	return &Replay{page: p}
}

func (r *Replay) Start() error {
	return r.page.setReplay(true, r.append)
}

func (r *Replay) Stop() {
	if err := r.page.setReplay(false, nil); err != nil {
		r.page.logger.Debug("failed to stop replay observer", "error", err)
	}
}

func (r *Replay) append(event map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns the recorded stream in arrival order.
func (r *Replay) Events() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any{}, r.events...)
}

var _ tracker.ReplayRecorder = (*Replay)(nil)
