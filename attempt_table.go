package settle

import (
	"context"
	"sync"
	"time"
)

// attemptTable tracks non-terminal attempts by reference id and keeps
// finished attempts around for a while so Status can still answer.
type attemptTable struct {
	mu       sync.Mutex
	active   map[string]*activeAttempt
	finished map[string]*SettlementAttempt
	expiry   map[string]time.Time
	ttl      time.Duration
	now      func() time.Time
}

type activeAttempt struct {
	attempt   SettlementAttempt
	cancel    context.CancelFunc
	cancelled bool
}

func newAttemptTable(ttl time.Duration, now func() time.Time) *attemptTable {
	return &attemptTable{
		active:   make(map[string]*activeAttempt),
		finished: make(map[string]*SettlementAttempt),
		expiry:   make(map[string]time.Time),
		ttl:      ttl,
		now:      now,
	}
}

// reserve atomically marks ref as in-flight. It returns false if another
// non-terminal attempt already holds the reference id.
func (t *attemptTable) reserve(attempt SettlementAttempt, cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.active[attempt.ReferenceID]; exists {
		return false
	}
	t.active[attempt.ReferenceID] = &activeAttempt{attempt: attempt, cancel: cancel}
	return true
}

// advance moves the attempt to state and applies mutate. Moving into PAYING
// fails if a cancel landed first, so payment never starts after a cancel.
func (t *attemptTable) advance(ref string, state AttemptState, mutate func(*SettlementAttempt)) (SettlementAttempt, AttemptState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.active[ref]
	if !ok {
		return SettlementAttempt{}, "", false
	}
	if state == StatePaying && entry.cancelled {
		return entry.attempt, entry.attempt.State, false
	}
	previous := entry.attempt.State
	entry.attempt.State = state
	entry.attempt.UpdatedAt = t.now()
	if mutate != nil {
		mutate(&entry.attempt)
	}
	return entry.attempt, previous, true
}

// requestCancel cancels ref if it is still safe to do so
func (t *attemptTable) requestCancel(ref string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.active[ref]
	if !ok {
		return ErrAttemptNotFound
	}
	if !entry.attempt.State.Cancellable() {
		return NewPaymentError(ErrCodeCancelNotAllowed,
			"payment already started for "+ref+"; wait for the result or check its status",
			map[string]interface{}{"state": string(entry.attempt.State)})
	}
	entry.cancelled = true
	if entry.cancel != nil {
		entry.cancel()
	}
	return nil
}

func (t *attemptTable) wasCancelled(ref string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.active[ref]
	return ok && entry.cancelled
}

// release removes ref from the in-flight set and remembers its final state
func (t *attemptTable) release(ref string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.active[ref]
	if !ok {
		return
	}
	delete(t.active, ref)

	final := entry.attempt
	t.finished[ref] = &final
	t.expiry[ref] = t.now().Add(t.ttl)

	t.cleanupExpiredLocked()
}

func (t *attemptTable) get(ref string) (SettlementAttempt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.active[ref]; ok {
		return entry.attempt, true
	}
	if expiry, ok := t.expiry[ref]; ok {
		if t.now().Before(expiry) {
			return *t.finished[ref], true
		}
		delete(t.finished, ref)
		delete(t.expiry, ref)
	}
	return SettlementAttempt{}, false
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (t *attemptTable) cleanupExpiredLocked() {
	now := t.now()
	for ref, expiry := range t.expiry {
		if now.After(expiry) {
			delete(t.finished, ref)
			delete(t.expiry, ref)
		}
	}
}
