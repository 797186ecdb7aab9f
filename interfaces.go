package settle

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by a Counterpart whose message channel is absent
var ErrNotConnected = errors.New("counterpart channel not connected")

// ErrAttemptNotFound is returned when no attempt exists for a reference id
var ErrAttemptNotFound = errors.New("settlement attempt not found")

// TransferEngine performs direct, immediate on-chain transfers.
//
// Implementations never return an error that is not a *PaymentError.
// A CONFIRMATION_TIMEOUT error still carries the transaction signature in
// Details["signature"] so the caller can reconcile later.
type TransferEngine interface {
	Transfer(ctx context.Context, params TransferParams) (*TransferResult, error)
}

// NativeTransferer moves the chain's native currency. A TransferEngine that
// also implements it pays deposits that name no mint.
type NativeTransferer interface {
	TransferNative(ctx context.Context, recipient string, lamports uint64, memo string) (*TransferResult, error)
}

// IntentAuthorizer signs conditional payment intents. Signing moves no funds.
//
// Implementations never return an error that is not a *PaymentError.
type IntentAuthorizer interface {
	Authorize(ctx context.Context, params AuthorizeParams) (*Authorization, error)
}

// Counterpart is the remote verifier reached over the message channel.
// Both calls block until the correlated response arrives or ctx is done.
type Counterpart interface {
	CheckEligibility(ctx context.Context, query EligibilityQuery) (*EligibilityResult, error)
	SubmitSettlement(ctx context.Context, submission SettlementSubmission) (*SettlementResult, error)
}

// AttemptStore persists settlement attempts so ambiguous outcomes survive a restart
type AttemptStore interface {
	SaveAttempt(ctx context.Context, attempt SettlementAttempt) error
	GetAttempt(ctx context.Context, referenceID string) (*SettlementAttempt, error)
}
