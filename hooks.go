package settle

import (
	"context"
	"time"
)

// ============================================================================
// Coordinator Hook Context Types
// ============================================================================

// AttemptContext is passed to every coordinator hook
type AttemptContext struct {
	Ctx       context.Context
	Attempt   SettlementAttempt
	Previous  AttemptState
	Timestamp time.Time
}

// AttemptResultContext is passed to hooks fired on terminal states
type AttemptResultContext struct {
	AttemptContext
	Error    error
	Duration time.Duration
}

// ============================================================================
// Hook Function Types
// ============================================================================

// StateChangeHook is called after every state transition
type StateChangeHook func(AttemptContext)

// SettledHook is called once an attempt reaches SETTLED
type SettledHook func(AttemptResultContext)

// FailedHook is called once an attempt reaches FAILED or INELIGIBLE.
// Error is the *PaymentError that ended the attempt.
type FailedHook func(AttemptResultContext)

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (c *Coordinator) OnStateChange(hook StateChangeHook) *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateChangeHooks = append(c.stateChangeHooks, hook)
	return c
}

func (c *Coordinator) OnSettled(hook SettledHook) *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settledHooks = append(c.settledHooks, hook)
	return c
}

func (c *Coordinator) OnFailed(hook FailedHook) *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedHooks = append(c.failedHooks, hook)
	return c
}

func (c *Coordinator) fireStateChange(hctx AttemptContext) {
	c.mu.RLock()
	hooks := c.stateChangeHooks
	c.mu.RUnlock()
	for _, hook := range hooks {
		hook(hctx)
	}
}

func (c *Coordinator) fireTerminal(hctx AttemptResultContext) {
	c.mu.RLock()
	settled := c.settledHooks
	failed := c.failedHooks
	c.mu.RUnlock()

	if hctx.Attempt.State == StateSettled {
		for _, hook := range settled {
			hook(hctx)
		}
		return
	}
	for _, hook := range failed {
		hook(hctx)
	}
}
