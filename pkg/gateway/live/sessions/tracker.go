// Package sessions tracks the live assessment sessions a gateway process is
// hosting, so shutdown can warn candidates and wait for transcripts to land.
package sessions

import (
	"context"
	"sync"
)

// Handle is the narrow control surface a session exposes to the tracker.
type Handle struct {
	// Cancel aborts the session; the orchestrator preserves its ledger.
	Cancel func(reason string)
	// Warn pushes an advisory frame to the candidate's client.
	Warn func(code, message string) error
}

type entry struct {
	handle Handle
	once   sync.Once
}

type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*entry)}
}

// Register adds a session and returns its unregister func. Registering an ID
// that is already present evicts the stale entry first; a reconnecting client
// must not leave a zombie holding up shutdown.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	e := &entry{handle: h}

	t.mu.Lock()
	if t.entries == nil {
		t.entries = make(map[string]*entry)
	}
	stale := t.entries[sessionID]
	t.entries[sessionID] = e
	t.wg.Add(1)
	t.mu.Unlock()

	if stale != nil {
		t.unregister(sessionID, stale)
	}
	return func() { t.unregister(sessionID, e) }
}

func (t *Tracker) unregister(sessionID string, e *entry) {
	if t == nil || e == nil {
		return
	}
	e.once.Do(func() {
		t.mu.Lock()
		if t.entries[sessionID] == e {
			delete(t.entries, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// WarnAll notifies every active session, typically that the gateway is
// draining. Warn calls run outside the lock.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	var warns []func(code, message string) error
	t.mu.Lock()
	for _, e := range t.entries {
		if e != nil && e.handle.Warn != nil {
			warns = append(warns, e.handle.Warn)
		}
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

// CancelAll aborts every active session with the given reason.
func (t *Tracker) CancelAll(reason string) (canceled int) {
	if t == nil {
		return 0
	}
	var cancels []func(string)
	t.mu.Lock()
	for _, e := range t.entries {
		if e != nil && e.handle.Cancel != nil {
			cancels = append(cancels, e.handle.Cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel(reason)
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered, or ctx ends.
// It reports whether the tracker drained fully.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

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
