package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	settle "github.com/waddle-labs/settle"
	"github.com/waddle-labs/settle/ledger"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	s, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_AttemptRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	attempt := settle.SettlementAttempt{
		Purpose:      settle.PurposeEntryFee,
		ReferenceID:  "igloo7",
		Amount:       1000,
		Counterparty: "Treasury1111111111111111111111111111111111",
		State:        settle.StatePaying,
		StartedAt:    started,
		UpdatedAt:    started,
	}
	require.NoError(t, s.SaveAttempt(ctx, attempt))

	attempt.State = settle.StateFailed
	attempt.Signature = "5sig"
	attempt.Ambiguous = true
	attempt.ErrorCode = settle.ErrCodeConfirmationTimeout
	require.NoError(t, s.SaveAttempt(ctx, attempt))

	got, err := s.GetAttempt(ctx, "igloo7")
	require.NoError(t, err)
	assert.Equal(t, settle.StateFailed, got.State)
	assert.Equal(t, "5sig", got.Signature)
	assert.True(t, got.Ambiguous)
	assert.Equal(t, uint64(1000), got.Amount)
	assert.True(t, started.Equal(got.StartedAt))
}

func TestStore_GetAttemptMissing(t *testing.T) {
	s := openTest(t)
	_, err := s.GetAttempt(context.Background(), "nope")
	require.ErrorIs(t, err, settle.ErrAttemptNotFound)
}

func TestStore_ListAmbiguous(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, ref := range []string{"b", "a", "c"} {
		require.NoError(t, s.SaveAttempt(ctx, settle.SettlementAttempt{
			ReferenceID: ref,
			State:       settle.StateFailed,
			Ambiguous:   ref != "c",
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	list, err := s.ListAmbiguous(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ReferenceID)
	assert.Equal(t, "a", list[1].ReferenceID)
}

func TestStore_RetryKeepsAmbiguousAttempt(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveAttempt(ctx, settle.SettlementAttempt{
		ID:          "attempt-1",
		ReferenceID: "match-4",
		State:       settle.StateFailed,
		Signature:   "5first",
		ErrorCode:   settle.ErrCodeVerificationTimeout,
		Ambiguous:   true,
		StartedAt:   base,
	}))
	require.NoError(t, s.SaveAttempt(ctx, settle.SettlementAttempt{
		ID:          "attempt-2",
		ReferenceID: "match-4",
		State:       settle.StateFailed,
		ErrorCode:   settle.ErrCodeNoResponse,
		StartedAt:   base.Add(time.Minute),
	}))

	latest, err := s.GetAttempt(ctx, "match-4")
	require.NoError(t, err)
	assert.Equal(t, "attempt-2", latest.ID)

	list, err := s.ListAmbiguous(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "attempt-1", list[0].ID)
	assert.Equal(t, "5first", list[0].Signature)

	// Settling the reference reconciles the earlier attempt
	require.NoError(t, s.SaveAttempt(ctx, settle.SettlementAttempt{
		ID:          "attempt-3",
		ReferenceID: "match-4",
		State:       settle.StateSettled,
		StartedAt:   base.Add(2 * time.Minute),
	}))
	list, err = s.ListAmbiguous(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStore_Withdrawals(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []ledger.WithdrawalRecord{
		{ID: "w-1", Requested: 150, Rake: 8, Net: 142, Status: ledger.StatusQueued, QueuePosition: 3, CreatedAt: base},
		{ID: "w-2", Requested: 500, Rake: 25, Net: 475, Status: ledger.StatusCompleted, Signature: "sig", CreatedAt: base.Add(time.Minute)},
	}
	for _, r := range records {
		require.NoError(t, s.SaveWithdrawal(ctx, r))
	}

	all, err := s.ListWithdrawals(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "w-1", all[0].ID)
	assert.Equal(t, uint64(142), all[0].Net)

	open, err := s.ListWithdrawals(ctx, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, ledger.StatusQueued, open[0].Status)

	records[0].Status = ledger.StatusCancelled
	require.NoError(t, s.SaveWithdrawal(ctx, records[0]))
	open, err = s.ListWithdrawals(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, open)
}
