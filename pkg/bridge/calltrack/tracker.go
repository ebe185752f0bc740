// Package calltrack indexes live call sessions for draining. Shutdown asks
// every call to hang up gracefully, waits out the grace period, then cancels
// whatever is left.
package calltrack

import (
	"context"
	"sync"
)

// Handle is the tracker's grip on one call.
type Handle struct {
	// Cancel force-terminates the call.
	Cancel func()
	// Hangup asks the call to end gracefully with a spoken reason. Best
	// effort; draining does not depend on its success.
	Hangup func(reason string) error
}

type trackedCall struct {
	handle Handle
	once   sync.Once
}

// Tracker is safe for concurrent use. The zero value is not usable; call
// NewTracker.
type Tracker struct {
	mu    sync.Mutex
	calls map[string]*trackedCall
	wg    sync.WaitGroup
}

func NewTracker() *Tracker {
	return &Tracker{calls: make(map[string]*trackedCall)}
}

// Register adds a call and returns its unregister function. Registering the
// same call id again replaces the previous entry.
func (t *Tracker) Register(callID string, h Handle) (unregister func()) {
	entry := &trackedCall{handle: h}

	t.mu.Lock()
	old := t.calls[callID]
	t.calls[callID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(callID, old)
	}
	return func() { t.unregister(callID, entry) }
}

func (t *Tracker) unregister(callID string, entry *trackedCall) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.calls[callID] == entry {
			delete(t.calls, callID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Count returns the number of live calls.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// HangupAll asks every live call to end gracefully.
func (t *Tracker) HangupAll(reason string) (sent int) {
	var hangups []func(string) error
	t.mu.Lock()
	for _, entry := range t.calls {
		if entry.handle.Hangup != nil {
			hangups = append(hangups, entry.handle.Hangup)
		}
	}
	t.mu.Unlock()

	for _, hangup := range hangups {
		_ = hangup(reason)
		sent++
	}
	return sent
}

// CancelAll force-terminates every live call.
func (t *Tracker) CancelAll() (canceled int) {
	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.calls {
		if entry.handle.Cancel != nil {
			cancels = append(cancels, entry.handle.Cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered call unregisters or ctx ends. Returns
// false on timeout.
func (t *Tracker) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
