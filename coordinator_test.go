package settle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounterpart struct {
	mu          sync.Mutex
	eligibility func(ctx context.Context, q EligibilityQuery) (*EligibilityResult, error)
	settlement  func(ctx context.Context, s SettlementSubmission) (*SettlementResult, error)
	submissions []SettlementSubmission
}

func (f *fakeCounterpart) CheckEligibility(ctx context.Context, q EligibilityQuery) (*EligibilityResult, error) {
	if f.eligibility == nil {
		return &EligibilityResult{ReferenceID: q.ReferenceID, CanProceed: true}, nil
	}
	return f.eligibility(ctx, q)
}

func (f *fakeCounterpart) SubmitSettlement(ctx context.Context, s SettlementSubmission) (*SettlementResult, error) {
	f.mu.Lock()
	f.submissions = append(f.submissions, s)
	f.mu.Unlock()
	if f.settlement == nil {
		return &SettlementResult{ReferenceID: s.ReferenceID, Success: true}, nil
	}
	return f.settlement(ctx, s)
}

func (f *fakeCounterpart) submitted() []SettlementSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SettlementSubmission(nil), f.submissions...)
}

type fakeEngine struct {
	calls atomic.Int32
	fn    func(ctx context.Context, p TransferParams) (*TransferResult, error)
}

func (f *fakeEngine) Transfer(ctx context.Context, p TransferParams) (*TransferResult, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return &TransferResult{Signature: "sig-" + p.Memo, Program: "token"}, nil
	}
	return f.fn(ctx, p)
}

type fakeNativeEngine struct {
	fakeEngine
	native   atomic.Int32
	lamports uint64
}

func (f *fakeNativeEngine) TransferNative(_ context.Context, _ string, lamports uint64, memo string) (*TransferResult, error) {
	f.native.Add(1)
	f.lamports = lamports
	return &TransferResult{Signature: "native-" + memo, Program: "system"}, nil
}

type fakeAuthorizer struct {
	calls  atomic.Int32
	params AuthorizeParams
	err    error
}

func (f *fakeAuthorizer) Authorize(_ context.Context, p AuthorizeParams) (*Authorization, error) {
	f.calls.Add(1)
	f.params = p
	if f.err != nil {
		return nil, f.err
	}
	return &Authorization{Payload: "intent-payload", Nonce: "n"}, nil
}

type memoryStore struct {
	mu       sync.Mutex
	attempts map[string]SettlementAttempt
	history  []AttemptState
}

func newMemoryStore() *memoryStore {
	return &memoryStore{attempts: make(map[string]SettlementAttempt)}
}

func (m *memoryStore) SaveAttempt(_ context.Context, a SettlementAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.ReferenceID] = a
	m.history = append(m.history, a.State)
	return nil
}

func (m *memoryStore) GetAttempt(_ context.Context, ref string) (*SettlementAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[ref]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return &a, nil
}

func entryFee(ref string) AttemptRequest {
	return AttemptRequest{
		Purpose:     PurposeEntryFee,
		ReferenceID: ref,
		Amount:      1000,
		Recipient:   "Treasury1111111111111111111111111111111111",
		Mint:        "Mint111111111111111111111111111111111111111",
	}
}

func TestCoordinator_SettlesTransfer(t *testing.T) {
	counterpart := &fakeCounterpart{}
	engine := &fakeEngine{}
	store := newMemoryStore()
	c := NewCoordinator(counterpart, WithTransferEngine(engine), WithAttemptStore(store))

	var states []AttemptState
	var settled int
	c.OnStateChange(func(ac AttemptContext) { states = append(states, ac.Attempt.State) }).
		OnSettled(func(AttemptResultContext) { settled++ })

	attempt, err := c.Settle(context.Background(), entryFee("igloo7"))
	require.NoError(t, err)
	assert.Equal(t, StateSettled, attempt.State)
	assert.Equal(t, "sig-entry_fee:igloo7", attempt.Signature)
	assert.NotEmpty(t, attempt.ID)
	assert.Equal(t, []AttemptState{StateEligibilityPending, StatePaying, StateVerifying, StateSettled}, states)
	assert.Equal(t, 1, settled)

	subs := counterpart.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, "sig-entry_fee:igloo7", subs[0].Signature)
	assert.Empty(t, subs[0].IntentPayload)

	stored, err := c.Status(context.Background(), "igloo7")
	require.NoError(t, err)
	assert.Equal(t, StateSettled, stored.State)
}

func TestCoordinator_AlreadySatisfiedSkipsPayment(t *testing.T) {
	counterpart := &fakeCounterpart{
		eligibility: func(_ context.Context, q EligibilityQuery) (*EligibilityResult, error) {
			return &EligibilityResult{ReferenceID: q.ReferenceID, CanProceed: true, AlreadySatisfied: true}, nil
		},
	}
	engine := &fakeEngine{}
	c := NewCoordinator(counterpart, WithTransferEngine(engine))

	attempt, err := c.Settle(context.Background(), entryFee("igloo7"))
	require.NoError(t, err)
	assert.Equal(t, StateSettled, attempt.State)
	assert.Zero(t, engine.calls.Load())
	assert.Empty(t, counterpart.submitted())
}

func TestCoordinator_Ineligible(t *testing.T) {
	counterpart := &fakeCounterpart{
		eligibility: func(_ context.Context, q EligibilityQuery) (*EligibilityResult, error) {
			return &EligibilityResult{ReferenceID: q.ReferenceID, Reason: "match_full", Message: "Match is full"}, nil
		},
	}
	engine := &fakeEngine{}
	c := NewCoordinator(counterpart, WithTransferEngine(engine))

	attempt, err := c.Settle(context.Background(), entryFee("match-1"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeIneligible, CodeOf(err))
	assert.Equal(t, StateIneligible, attempt.State)
	assert.Equal(t, "Match is full", attempt.Error)
	assert.Zero(t, engine.calls.Load())
}

func TestCoordinator_SingleInFlight(t *testing.T) {
	release := make(chan struct{})
	counterpart := &fakeCounterpart{
		eligibility: func(_ context.Context, q EligibilityQuery) (*EligibilityResult, error) {
			<-release
			return &EligibilityResult{ReferenceID: q.ReferenceID, CanProceed: true}, nil
		},
	}
	engine := &fakeEngine{}
	c := NewCoordinator(counterpart, WithTransferEngine(engine))

	done := make(chan error, 1)
	go func() {
		_, err := c.Settle(context.Background(), entryFee("igloo7"))
		done <- err
	}()
	require.Eventually(t, func() bool {
		a, err := c.Status(context.Background(), "igloo7")
		return err == nil && a.State == StateEligibilityPending
	}, time.Second, 5*time.Millisecond)

	attempt, err := c.Settle(context.Background(), entryFee("igloo7"))
	assert.Nil(t, attempt)
	assert.Equal(t, ErrCodeAttemptInFlight, CodeOf(err))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), engine.calls.Load())

	// A new attempt is allowed once the first one finished
	_, err = c.Settle(context.Background(), entryFee("igloo7"))
	require.NoError(t, err)
}

func TestCoordinator_UserRejectionStopsBeforeSubmission(t *testing.T) {
	counterpart := &fakeCounterpart{}
	engine := &fakeEngine{fn: func(context.Context, TransferParams) (*TransferResult, error) {
		return nil, NewPaymentError(ErrCodeUserRejected, "user declined", nil)
	}}
	var failed []error
	c := NewCoordinator(counterpart, WithTransferEngine(engine))
	c.OnFailed(func(rc AttemptResultContext) { failed = append(failed, rc.Error) })

	attempt, err := c.Settle(context.Background(), entryFee("igloo7"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeUserRejected, CodeOf(err))
	assert.Equal(t, StateFailed, attempt.State)
	assert.False(t, attempt.Ambiguous)
	assert.Empty(t, counterpart.submitted())
	require.Len(t, failed, 1)
}

func TestCoordinator_EligibilityFailures(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		counterpart := &fakeCounterpart{
			eligibility: func(ctx context.Context, _ EligibilityQuery) (*EligibilityResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
		c := NewCoordinator(counterpart, WithEligibilityTimeout(20*time.Millisecond))
		attempt, err := c.Settle(context.Background(), entryFee("igloo7"))
		assert.Equal(t, ErrCodeTimeout, CodeOf(err))
		assert.Equal(t, StateFailed, attempt.State)
	})

	t.Run("not connected", func(t *testing.T) {
		counterpart := &fakeCounterpart{
			eligibility: func(context.Context, EligibilityQuery) (*EligibilityResult, error) {
				return nil, ErrNotConnected
			},
		}
		c := NewCoordinator(counterpart)
		_, err := c.Settle(context.Background(), entryFee("igloo7"))
		assert.Equal(t, ErrCodeNoResponse, CodeOf(err))
	})

	t.Run("caller gone", func(t *testing.T) {
		counterpart := &fakeCounterpart{
			eligibility: func(ctx context.Context, _ EligibilityQuery) (*EligibilityResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
		c := NewCoordinator(counterpart)
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(10*time.Millisecond, cancel)
		attempt, err := c.Settle(ctx, entryFee("igloo7"))
		assert.Equal(t, ErrCodeCancelled, CodeOf(err))
		assert.Equal(t, StateFailed, attempt.State)
	})

	t.Run("no counterpart", func(t *testing.T) {
		c := NewCoordinator(nil)
		_, err := c.Settle(context.Background(), entryFee("igloo7"))
		assert.Equal(t, ErrCodeNoResponse, CodeOf(err))
	})
}

func TestCoordinator_VerificationTimeoutIsAmbiguous(t *testing.T) {
	counterpart := &fakeCounterpart{
		settlement: func(ctx context.Context, _ SettlementSubmission) (*SettlementResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	store := newMemoryStore()
	c := NewCoordinator(counterpart,
		WithTransferEngine(&fakeEngine{}),
		WithAttemptStore(store),
		WithVerificationTimeout(20*time.Millisecond))

	attempt, err := c.Settle(context.Background(), entryFee("igloo7"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeVerificationTimeout, CodeOf(err))
	assert.True(t, attempt.Ambiguous)
	assert.Equal(t, "sig-entry_fee:igloo7", attempt.Signature)

	stored, err := store.GetAttempt(context.Background(), "igloo7")
	require.NoError(t, err)
	assert.True(t, stored.Ambiguous)
}

func TestCoordinator_ConfirmationTimeoutKeepsSignature(t *testing.T) {
	engine := &fakeEngine{fn: func(context.Context, TransferParams) (*TransferResult, error) {
		return nil, NewPaymentError(ErrCodeConfirmationTimeout, "not confirmed", nil).WithSignature("5abc")
	}}
	counterpart := &fakeCounterpart{}
	c := NewCoordinator(counterpart, WithTransferEngine(engine))

	attempt, err := c.Settle(context.Background(), entryFee("igloo7"))
	require.Error(t, err)
	assert.True(t, attempt.Ambiguous)
	assert.Equal(t, "5abc", attempt.Signature)
	assert.Empty(t, counterpart.submitted())
}

func TestCoordinator_VerificationRejected(t *testing.T) {
	counterpart := &fakeCounterpart{
		settlement: func(_ context.Context, s SettlementSubmission) (*SettlementResult, error) {
			return &SettlementResult{ReferenceID: s.ReferenceID, Error: "amount_mismatch", Message: "Amount does not match"}, nil
		},
	}
	c := NewCoordinator(counterpart, WithTransferEngine(&fakeEngine{}))

	attempt, err := c.Settle(context.Background(), entryFee("igloo7"))
	assert.Equal(t, ErrCodeVerificationRejected, CodeOf(err))
	assert.Equal(t, StateFailed, attempt.State)
	assert.False(t, attempt.Ambiguous)
	assert.Equal(t, "Amount does not match", attempt.Error)
}

func TestCoordinator_WagerUsesIntent(t *testing.T) {
	counterpart := &fakeCounterpart{}
	engine := &fakeEngine{}
	auth := &fakeAuthorizer{}
	c := NewCoordinator(counterpart, WithTransferEngine(engine), WithIntentAuthorizer(auth))

	req := entryFee("match-42")
	req.Purpose = PurposeWager
	attempt, err := c.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateSettled, attempt.State)
	assert.Equal(t, "intent-payload", attempt.IntentPayload)
	assert.Zero(t, engine.calls.Load())
	assert.Equal(t, "wager:match-42", auth.params.Memo)

	subs := counterpart.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, "intent-payload", subs[0].IntentPayload)
	assert.Empty(t, subs[0].Signature)
}

func TestCoordinator_IntentRejected(t *testing.T) {
	auth := &fakeAuthorizer{err: NewPaymentError(ErrCodeUserRejected, "declined", nil)}
	counterpart := &fakeCounterpart{}
	c := NewCoordinator(counterpart, WithIntentAuthorizer(auth))

	req := entryFee("match-42")
	req.Purpose = PurposeWager
	_, err := c.Settle(context.Background(), req)
	assert.Equal(t, ErrCodeUserRejected, CodeOf(err))
	assert.Empty(t, counterpart.submitted())
}

func TestCoordinator_Cancel(t *testing.T) {
	t.Run("before payment", func(t *testing.T) {
		counterpart := &fakeCounterpart{
			eligibility: func(ctx context.Context, _ EligibilityQuery) (*EligibilityResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
		engine := &fakeEngine{}
		c := NewCoordinator(counterpart, WithTransferEngine(engine))

		done := make(chan *SettlementAttempt, 1)
		errs := make(chan error, 1)
		go func() {
			a, err := c.Settle(context.Background(), entryFee("igloo7"))
			done <- a
			errs <- err
		}()
		require.Eventually(t, func() bool {
			a, err := c.Status(context.Background(), "igloo7")
			return err == nil && a.State == StateEligibilityPending
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, c.Cancel("igloo7"))
		attempt := <-done
		assert.Equal(t, ErrCodeCancelled, CodeOf(<-errs))
		assert.Equal(t, StateFailed, attempt.State)
		assert.Zero(t, engine.calls.Load())
	})

	t.Run("not allowed while paying", func(t *testing.T) {
		paying := make(chan struct{})
		release := make(chan struct{})
		engine := &fakeEngine{fn: func(context.Context, TransferParams) (*TransferResult, error) {
			close(paying)
			<-release
			return &TransferResult{Signature: "sig"}, nil
		}}
		c := NewCoordinator(&fakeCounterpart{}, WithTransferEngine(engine))

		errs := make(chan error, 1)
		go func() {
			_, err := c.Settle(context.Background(), entryFee("igloo7"))
			errs <- err
		}()
		<-paying

		err := c.Cancel("igloo7")
		assert.Equal(t, ErrCodeCancelNotAllowed, CodeOf(err))
		close(release)
		require.NoError(t, <-errs)
	})

	t.Run("unknown", func(t *testing.T) {
		c := NewCoordinator(&fakeCounterpart{})
		assert.True(t, errors.Is(c.Cancel("nope"), ErrAttemptNotFound))
	})
}

func TestCoordinator_StatusFallsBackToStore(t *testing.T) {
	store := newMemoryStore()
	require.NoError(t, store.SaveAttempt(context.Background(), SettlementAttempt{
		ReferenceID: "old", State: StateFailed, Ambiguous: true, Signature: "5old",
	}))
	c := NewCoordinator(&fakeCounterpart{}, WithAttemptStore(store))

	a, err := c.Status(context.Background(), "old")
	require.NoError(t, err)
	assert.True(t, a.Ambiguous)

	_, err = c.Status(context.Background(), "missing")
	require.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestCoordinator_InvalidRequest(t *testing.T) {
	c := NewCoordinator(&fakeCounterpart{})
	req := entryFee("igloo7")
	req.Amount = 0
	_, err := c.Settle(context.Background(), req)
	assert.Equal(t, ErrCodeInvalidRequest, CodeOf(err))
}

func nativeDeposit(ref string) AttemptRequest {
	return AttemptRequest{
		Purpose:     PurposeDeposit,
		ReferenceID: ref,
		Amount:      250_000_000,
		Recipient:   "Treasury1111111111111111111111111111111111",
	}
}

func TestCoordinator_NativeDeposit(t *testing.T) {
	counterpart := &fakeCounterpart{}
	engine := &fakeNativeEngine{}
	c := NewCoordinator(counterpart, WithTransferEngine(engine))

	attempt, err := c.Settle(context.Background(), nativeDeposit("dep-1"))
	require.NoError(t, err)
	assert.Equal(t, StateSettled, attempt.State)
	assert.Equal(t, int32(1), engine.native.Load())
	assert.Zero(t, engine.calls.Load())
	assert.Equal(t, uint64(250_000_000), engine.lamports)
	assert.Equal(t, "native-deposit:dep-1", attempt.Signature)
}

func TestCoordinator_NativeDepositNeedsNativeEngine(t *testing.T) {
	var queried atomic.Int32
	counterpart := &fakeCounterpart{
		eligibility: func(_ context.Context, q EligibilityQuery) (*EligibilityResult, error) {
			queried.Add(1)
			return &EligibilityResult{ReferenceID: q.ReferenceID, CanProceed: true}, nil
		},
	}
	engine := &fakeEngine{}
	c := NewCoordinator(counterpart, WithTransferEngine(engine))

	attempt, err := c.Settle(context.Background(), nativeDeposit("dep-1"))
	assert.Nil(t, attempt)
	assert.Equal(t, ErrCodeInvalidRequest, CodeOf(err))
	assert.Zero(t, queried.Load())
	assert.Zero(t, engine.calls.Load())
}
