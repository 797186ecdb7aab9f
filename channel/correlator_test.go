package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelator_ResolveByID(t *testing.T) {
	c := NewCorrelator()
	ch, err := c.Register("req-1", AliasKey(TypeEligibilityResult, "igloo7"), time.Now().Add(time.Second))
	require.NoError(t, err)

	assert.True(t, c.Resolve(Envelope{Type: TypeEligibilityResult, ID: "req-1"}))
	resp := <-ch
	require.NoError(t, resp.Err)
	assert.Equal(t, "req-1", resp.Envelope.ID)
	assert.Zero(t, c.Pending())

	// A second answer for the same request is dropped
	assert.False(t, c.Resolve(Envelope{Type: TypeEligibilityResult, ID: "req-1"}))
}

func TestCorrelator_ResolveByAlias(t *testing.T) {
	c := NewCorrelator()
	ch, err := c.Register("req-2", AliasKey(TypeSettlementResult, "match-9"), time.Now().Add(time.Second))
	require.NoError(t, err)

	assert.False(t, c.Resolve(Envelope{Type: TypeSettlementResult, ReferenceID: "other"}))
	assert.True(t, c.Resolve(Envelope{Type: TypeSettlementResult, ReferenceID: "match-9"}))
	resp := <-ch
	assert.Equal(t, "match-9", resp.Envelope.ReferenceID)
}

func TestCorrelator_DuplicatesRejected(t *testing.T) {
	c := NewCorrelator()
	alias := AliasKey(TypeEligibilityResult, "igloo7")
	_, err := c.Register("a", alias, time.Now().Add(time.Second))
	require.NoError(t, err)

	_, err = c.Register("a", "", time.Now().Add(time.Second))
	require.ErrorIs(t, err, ErrDuplicateRequest)
	_, err = c.Register("b", alias, time.Now().Add(time.Second))
	require.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestCorrelator_DeadlineExpiresEntry(t *testing.T) {
	c := NewCorrelator()
	ch, err := c.Register("slow", "", time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)

	resp := <-ch
	require.ErrorIs(t, resp.Err, ErrResponseTimeout)
	assert.True(t, errors.Is(resp.Err, context.DeadlineExceeded))

	// Late answer does not reach anyone
	assert.False(t, c.Resolve(Envelope{Type: TypeEligibilityResult, ID: "slow"}))
}

func TestCorrelator_IndependentDeadlines(t *testing.T) {
	c := NewCorrelator()
	short, err := c.Register("short", "", time.Now().Add(10*time.Millisecond))
	require.NoError(t, err)
	long, err := c.Register("long", "", time.Now().Add(time.Second))
	require.NoError(t, err)

	require.ErrorIs(t, (<-short).Err, ErrResponseTimeout)
	assert.True(t, c.Resolve(Envelope{Type: TypeWithdrawalResult, ID: "long"}))
	require.NoError(t, (<-long).Err)
}

func TestCorrelator_FailAll(t *testing.T) {
	c := NewCorrelator()
	a, _ := c.Register("a", "", time.Now().Add(time.Second))
	b, _ := c.Register("b", "", time.Now().Add(time.Second))

	c.FailAll(ErrConnectionLost)
	require.ErrorIs(t, (<-a).Err, ErrConnectionLost)
	require.ErrorIs(t, (<-b).Err, ErrConnectionLost)
	assert.Zero(t, c.Pending())
}
