package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waddle-labs/settle/observability"
)

const (
	// DefaultEligibilityTimeout bounds the eligibility round-trip
	DefaultEligibilityTimeout = 10 * time.Second
	// DefaultVerificationTimeout bounds the wait for the counterpart's verdict
	DefaultVerificationTimeout = 30 * time.Second
	// defaultFinishedTTL is how long finished attempts stay answerable from memory
	defaultFinishedTTL = 15 * time.Minute
)

// Coordinator sequences eligibility check, payment, verification and grant
// for one payment use-case at a time per reference id.
type Coordinator struct {
	mu sync.RWMutex

	counterpart Counterpart
	transfers   TransferEngine
	intents     IntentAuthorizer
	store       AttemptStore
	logger      *slog.Logger
	metrics     *observability.Metrics
	now         func() time.Time

	eligibilityTimeout  time.Duration
	verificationTimeout time.Duration
	finishedTTL         time.Duration

	table *attemptTable

	stateChangeHooks []StateChangeHook
	settledHooks     []SettledHook
	failedHooks      []FailedHook
}

// CoordinatorOption configures the coordinator
type CoordinatorOption func(*Coordinator)

// WithTransferEngine sets the engine used for unconditional payments
func WithTransferEngine(engine TransferEngine) CoordinatorOption {
	return func(c *Coordinator) { c.transfers = engine }
}

// WithIntentAuthorizer sets the service used for conditional payments
func WithIntentAuthorizer(authorizer IntentAuthorizer) CoordinatorOption {
	return func(c *Coordinator) { c.intents = authorizer }
}

// WithAttemptStore persists every transition
func WithAttemptStore(store AttemptStore) CoordinatorOption {
	return func(c *Coordinator) { c.store = store }
}

// WithLogger overrides the default logger
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics overrides the default metrics registry
func WithMetrics(m *observability.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithEligibilityTimeout overrides DefaultEligibilityTimeout
func WithEligibilityTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.eligibilityTimeout = d }
}

// WithVerificationTimeout overrides DefaultVerificationTimeout
func WithVerificationTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.verificationTimeout = d }
}

// WithClock sets the function used to derive timestamps
func WithClock(clock func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = clock }
}

// NewCoordinator creates a coordinator talking to counterpart.
// A nil counterpart is allowed; every attempt then fails with NO_RESPONSE.
func NewCoordinator(counterpart Counterpart, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		counterpart:         counterpart,
		logger:              slog.Default(),
		now:                 time.Now,
		eligibilityTimeout:  DefaultEligibilityTimeout,
		verificationTimeout: DefaultVerificationTimeout,
		finishedTTL:         defaultFinishedTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.table = newAttemptTable(c.finishedTTL, c.now)
	return c
}

// Settle runs one attempt to a terminal state and returns it.
//
// The returned error is nil only for SETTLED. For INELIGIBLE and FAILED it is
// the *PaymentError that ended the attempt, and the attempt is returned too.
// A second call for a reference id that is still in flight is rejected with
// ATTEMPT_IN_FLIGHT without any side effect.
func (c *Coordinator) Settle(ctx context.Context, req AttemptRequest) (*SettlementAttempt, error) {
	if err := req.Validate(); err != nil {
		return nil, NewPaymentError(ErrCodeInvalidRequest, err.Error(), nil)
	}
	if req.Native() {
		if _, ok := c.transfers.(NativeTransferer); !ok {
			return nil, NewPaymentError(ErrCodeInvalidRequest, "transfer engine cannot pay native deposits", nil)
		}
	}

	ref := req.ReferenceID
	start := c.now()
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	initial := SettlementAttempt{
		ID:           uuid.NewString(),
		Purpose:      req.Purpose,
		ReferenceID:  ref,
		Amount:       req.Amount,
		Counterparty: req.Recipient,
		Mint:         req.Mint,
		State:        StateIdle,
		StartedAt:    start,
		UpdatedAt:    start,
	}
	if !c.table.reserve(initial, cancel) {
		return nil, NewPaymentError(ErrCodeAttemptInFlight,
			fmt.Sprintf("an attempt for %s is already in progress", ref),
			map[string]interface{}{"referenceId": ref})
	}
	c.metrics.AttemptStarted()
	defer func() {
		c.table.release(ref)
		c.metrics.AttemptFinished()
	}()

	logger := c.logger.With("reference_id", ref, "purpose", string(req.Purpose))

	// ELIGIBILITY_PENDING
	c.transition(ctx, ref, StateEligibilityPending, nil)
	eligibility, err := c.checkEligibility(attemptCtx, req)
	if err != nil {
		return c.finish(ctx, ref, StateFailed, err, start)
	}

	if eligibility.AlreadySatisfied {
		logger.Info("condition already satisfied, skipping payment")
		return c.finish(ctx, ref, StateSettled, nil, start)
	}
	if !eligibility.CanProceed {
		reason := eligibility.Message
		if reason == "" {
			reason = eligibility.Reason
		}
		if reason == "" {
			reason = "eligibility requirement not met"
		}
		return c.finish(ctx, ref, StateIneligible, NewPaymentError(ErrCodeIneligible, reason,
			map[string]interface{}{"reason": eligibility.Reason}), start)
	}

	// PAYING. From here on the caller's cancellation no longer applies:
	// abandoning a payment that may land would strand funds.
	if _, _, ok := c.advance(ctx, ref, StatePaying, nil); !ok {
		return c.finish(ctx, ref, StateFailed, NewPaymentError(ErrCodeCancelled, "cancelled before payment", nil), start)
	}
	payCtx := context.WithoutCancel(ctx)

	submission, err := c.pay(payCtx, req)
	if err != nil {
		logger.Warn("payment failed", "code", CodeOf(err), "error", err)
		return c.finish(ctx, ref, StateFailed, err, start)
	}

	// VERIFYING
	c.transition(ctx, ref, StateVerifying, func(a *SettlementAttempt) {
		a.Signature = submission.Signature
		a.IntentPayload = submission.IntentPayload
	})

	verdict, err := c.submit(payCtx, submission)
	if err != nil {
		logger.Warn("verification outcome unknown", "error", err)
		return c.finish(ctx, ref, StateFailed, err, start)
	}
	if !verdict.Success {
		msg := verdict.Message
		if msg == "" {
			msg = verdict.Error
		}
		if msg == "" {
			msg = "counterpart rejected the payment"
		}
		return c.finish(ctx, ref, StateFailed, NewPaymentError(ErrCodeVerificationRejected, msg,
			map[string]interface{}{"error": verdict.Error}), start)
	}

	logger.Info("settlement confirmed", "signature", submission.Signature)
	return c.finish(ctx, ref, StateSettled, nil, start)
}

// Cancel aborts an attempt that has not started paying yet.
// Once the attempt reached PAYING it returns CANCEL_NOT_ALLOWED.
func (c *Coordinator) Cancel(referenceID string) error {
	return c.table.requestCancel(referenceID)
}

// Status returns the latest known state of the attempt for referenceID
func (c *Coordinator) Status(ctx context.Context, referenceID string) (*SettlementAttempt, error) {
	if attempt, ok := c.table.get(referenceID); ok {
		return &attempt, nil
	}
	if c.store != nil {
		attempt, err := c.store.GetAttempt(ctx, referenceID)
		if err != nil {
			return nil, err
		}
		if attempt != nil {
			return attempt, nil
		}
	}
	return nil, ErrAttemptNotFound
}

func (c *Coordinator) checkEligibility(ctx context.Context, req AttemptRequest) (*EligibilityResult, error) {
	if c.counterpart == nil {
		return nil, NewPaymentError(ErrCodeNoResponse, "no counterpart channel configured", nil)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.eligibilityTimeout)
	defer cancel()

	result, err := c.counterpart.CheckEligibility(waitCtx, EligibilityQuery{
		ReferenceID: req.ReferenceID,
		Purpose:     req.Purpose,
	})
	if err == nil {
		if result == nil {
			return nil, NewPaymentError(ErrCodeNoResponse, "empty eligibility response", nil)
		}
		return result, nil
	}

	switch {
	case c.table.wasCancelled(req.ReferenceID), errors.Is(ctx.Err(), context.Canceled):
		return nil, WrapPaymentError(ErrCodeCancelled, err, "cancelled while checking eligibility")
	case errors.Is(err, ErrNotConnected):
		return nil, WrapPaymentError(ErrCodeNoResponse, err, "eligibility check not sent")
	case errors.Is(err, context.DeadlineExceeded):
		return nil, WrapPaymentError(ErrCodeTimeout, err, "no eligibility answer within %s", c.eligibilityTimeout)
	default:
		return nil, WrapPaymentError(ErrCodeNoResponse, err, "eligibility check failed")
	}
}

func (c *Coordinator) pay(ctx context.Context, req AttemptRequest) (*SettlementSubmission, error) {
	submission := &SettlementSubmission{ReferenceID: req.ReferenceID, Purpose: req.Purpose}

	if req.Purpose.Conditional() {
		if c.intents == nil {
			return nil, NewPaymentError(ErrCodeInvalidRequest, "no intent authorizer configured", nil)
		}
		auth, err := c.intents.Authorize(ctx, AuthorizeParams{
			Amount:    req.Amount,
			Mint:      req.Mint,
			Recipient: req.Recipient,
			Memo:      req.MemoText(),
		})
		if err != nil {
			return nil, asPaymentError(err, ErrCodeSigningFailed)
		}
		submission.IntentPayload = auth.Payload
		return submission, nil
	}

	if c.transfers == nil {
		return nil, NewPaymentError(ErrCodeInvalidRequest, "no transfer engine configured", nil)
	}
	var (
		result *TransferResult
		err    error
	)
	if native, ok := c.transfers.(NativeTransferer); ok && req.Native() {
		result, err = native.TransferNative(ctx, req.Recipient, req.Amount, req.MemoText())
	} else {
		result, err = c.transfers.Transfer(ctx, TransferParams{
			Recipient: req.Recipient,
			Mint:      req.Mint,
			Amount:    req.Amount,
			Memo:      req.MemoText(),
		})
	}
	if err != nil {
		return nil, asPaymentError(err, ErrCodeSubmissionFailed)
	}
	submission.Signature = result.Signature
	return submission, nil
}

func (c *Coordinator) submit(ctx context.Context, submission *SettlementSubmission) (*SettlementResult, error) {
	if c.counterpart == nil {
		return nil, NewPaymentError(ErrCodeVerificationTimeout, "payment made but no counterpart channel to confirm it", nil)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.verificationTimeout)
	defer cancel()

	result, err := c.counterpart.SubmitSettlement(waitCtx, *submission)
	if err != nil {
		return nil, WrapPaymentError(ErrCodeVerificationTimeout, err,
			"payment made but not acknowledged within %s", c.verificationTimeout)
	}
	if result == nil {
		return nil, NewPaymentError(ErrCodeVerificationTimeout, "empty settlement response", nil)
	}
	return result, nil
}

// transition advances the attempt and notifies hooks and the store
func (c *Coordinator) transition(ctx context.Context, ref string, state AttemptState, mutate func(*SettlementAttempt)) {
	c.advance(ctx, ref, state, mutate)
}

func (c *Coordinator) advance(ctx context.Context, ref string, state AttemptState, mutate func(*SettlementAttempt)) (SettlementAttempt, AttemptState, bool) {
	attempt, previous, ok := c.table.advance(ref, state, mutate)
	if !ok {
		return attempt, previous, false
	}
	c.logger.Debug("attempt transition", "reference_id", ref, "from", string(previous), "to", string(state))
	c.persist(ctx, attempt)
	c.fireStateChange(AttemptContext{Ctx: ctx, Attempt: attempt, Previous: previous, Timestamp: attempt.UpdatedAt})
	return attempt, previous, true
}

func (c *Coordinator) finish(ctx context.Context, ref string, state AttemptState, cause error, start time.Time) (*SettlementAttempt, error) {
	var pe *PaymentError
	if cause != nil {
		pe = asPaymentError(cause, ErrCodeSubmissionFailed)
	}

	attempt, previous, _ := c.table.advance(ref, state, func(a *SettlementAttempt) {
		if pe == nil {
			return
		}
		a.ErrorCode = pe.Code
		a.Error = pe.Message
		a.Ambiguous = IsAmbiguous(pe.Code)
		if sig := SignatureOf(pe); sig != "" && a.Signature == "" {
			a.Signature = sig
		}
	})
	c.persist(ctx, attempt)

	outcome := string(state)
	if pe != nil {
		outcome = pe.Code
	}
	c.metrics.RecordAttempt(string(attempt.Purpose), outcome)

	hctx := AttemptContext{Ctx: ctx, Attempt: attempt, Previous: previous, Timestamp: attempt.UpdatedAt}
	c.fireStateChange(hctx)
	c.fireTerminal(AttemptResultContext{AttemptContext: hctx, Error: cause, Duration: c.now().Sub(start)})

	if pe != nil {
		return &attempt, pe
	}
	return &attempt, nil
}

func (c *Coordinator) persist(ctx context.Context, attempt SettlementAttempt) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		c.logger.Error("persist attempt", "reference_id", attempt.ReferenceID, "error", err)
	}
}

// asPaymentError keeps PaymentErrors verbatim and wraps anything else under fallback
func asPaymentError(err error, fallback string) *PaymentError {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe
	}
	return WrapPaymentError(fallback, err, "unexpected failure")
}
