package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrDuplicateRequest is returned when a key or alias is already awaiting a response
	ErrDuplicateRequest = errors.New("request already in flight")
	// ErrResponseTimeout is delivered when an entry's deadline passes first
	ErrResponseTimeout = fmt.Errorf("no response before deadline: %w", context.DeadlineExceeded)
	// ErrConnectionLost is delivered to every waiter when the socket drops
	ErrConnectionLost = errors.New("connection lost before response")
)

// Response is what a waiter receives: the matching envelope or the reason there is none
type Response struct {
	Envelope Envelope
	Err      error
}

type pending struct {
	alias string
	ch    chan Response
	timer *time.Timer
}

// Correlator matches responses to outstanding requests. Entries are keyed by
// request id and optionally by an alias (response type plus reference id)
// for counterparts that answer without echoing the id. Each entry has its own
// deadline, so a late answer for one flow is never delivered to another.
type Correlator struct {
	mu      sync.Mutex
	entries map[string]*pending
	aliases map[string]string
}

// NewCorrelator creates an empty table
func NewCorrelator() *Correlator {
	return &Correlator{
		entries: make(map[string]*pending),
		aliases: make(map[string]string),
	}
}

// AliasKey builds the alias for a response type and reference id
func AliasKey(t MessageType, referenceID string) string {
	if referenceID == "" {
		return ""
	}
	return string(t) + "|" + referenceID
}

// Register adds an entry that expires at deadline. The returned channel
// receives exactly one result.
func (c *Correlator) Register(id, alias string, deadline time.Time) (<-chan Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; exists {
		return nil, fmt.Errorf("%w: id %s", ErrDuplicateRequest, id)
	}
	if alias != "" {
		if _, exists := c.aliases[alias]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, alias)
		}
	}

	p := &pending{alias: alias, ch: make(chan Response, 1)}
	p.timer = time.AfterFunc(time.Until(deadline), func() {
		c.complete(id, Response{Err: ErrResponseTimeout})
	})
	c.entries[id] = p
	if alias != "" {
		c.aliases[alias] = id
	}
	return p.ch, nil
}

// Resolve delivers env to its waiter. It returns false when nothing is
// waiting for it (unknown, expired or already answered).
func (c *Correlator) Resolve(env Envelope) bool {
	id := env.ID
	if id == "" {
		c.mu.Lock()
		id = c.aliases[AliasKey(env.Type, env.ReferenceID)]
		c.mu.Unlock()
		if id == "" {
			return false
		}
	}
	return c.complete(id, Response{Envelope: env})
}

// Cancel drops an entry without delivering anything
func (c *Correlator) Cancel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.entries[id]; ok {
		c.removeLocked(id, p)
	}
}

// FailAll delivers err to every waiter and empties the table
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.entries {
		c.removeLocked(id, p)
		p.ch <- Response{Err: err}
	}
}

// Pending returns the number of outstanding entries
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Correlator) complete(id string, r Response) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[id]
	if !ok {
		return false
	}
	c.removeLocked(id, p)
	p.ch <- r
	return true
}

func (c *Correlator) removeLocked(id string, p *pending) {
	p.timer.Stop()
	delete(c.entries, id)
	if p.alias != "" {
		delete(c.aliases, p.alias)
	}
}
