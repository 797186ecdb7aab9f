// Package ledger mirrors the counterpart's premium-currency ledger: deposits,
// withdrawals with rake, the withdrawal queue and cancellation. The
// counterpart is authoritative; everything held here is a read-only mirror
// refreshed by pushed events.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"time"
)

var (
	// ErrBelowMinimum is returned for withdrawal requests under the configured minimum
	ErrBelowMinimum = errors.New("withdrawal below minimum")
	// ErrCancelNotAllowed is returned when a withdrawal is past the cancellable states
	ErrCancelNotAllowed = errors.New("withdrawal can no longer be cancelled")
	// ErrUnknownWithdrawal is returned for ids the client has never seen
	ErrUnknownWithdrawal = errors.New("unknown withdrawal")
	// ErrInvalidTransition is returned when an update would move a record backwards
	ErrInvalidTransition = errors.New("invalid withdrawal transition")
)

// WithdrawalStatus is the lifecycle state of a withdrawal
type WithdrawalStatus string

const (
	StatusPending    WithdrawalStatus = "pending"
	StatusQueued     WithdrawalStatus = "queued"
	StatusProcessing WithdrawalStatus = "processing"
	StatusCompleted  WithdrawalStatus = "completed"
	StatusCancelled  WithdrawalStatus = "cancelled"
)

// forward lists the statuses each status may move to
var forward = map[WithdrawalStatus][]WithdrawalStatus{
	StatusPending:    {StatusQueued, StatusProcessing, StatusCompleted, StatusCancelled},
	StatusQueued:     {StatusProcessing, StatusCompleted, StatusCancelled},
	StatusProcessing: {StatusCompleted},
}

// Valid reports whether s is a known status
func (s WithdrawalStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s WithdrawalStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Cancellable reports whether a cancellation may still be requested
func (s WithdrawalStatus) Cancellable() bool {
	return s == StatusPending || s == StatusQueued
}

// CanTransition reports whether from may move to to. Staying in a
// non-terminal status is allowed so queue position refreshes apply.
func CanTransition(from, to WithdrawalStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WithdrawalRecord is the client-side mirror of a counterpart ledger entry.
// Rake and Net are fixed when the request is accepted.
type WithdrawalRecord struct {
	ID            string           `json:"id"`
	Requested     uint64           `json:"requested"`
	Rake          uint64           `json:"rake"`
	Net           uint64           `json:"net"`
	ChainAmount   uint64           `json:"chainAmount"`
	Status        WithdrawalStatus `json:"status"`
	QueuePosition int              `json:"queuePosition,omitempty"`
	Signature     string           `json:"signature,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// advance applies a status update in place
func (r *WithdrawalRecord) advance(status WithdrawalStatus, queuePosition int, signature string, at time.Time) error {
	if !CanTransition(r.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, status)
	}
	r.Status = status
	if status == StatusQueued {
		r.QueuePosition = queuePosition
	} else {
		r.QueuePosition = 0
	}
	if signature != "" {
		r.Signature = signature
	}
	r.UpdatedAt = at
	return nil
}

// BasisPoints is the denominator for rake rates
const BasisPoints = 10_000

// ComputeRake splits requested into rake and net. Net is floored and the rake
// is the ceiling of requested*rakeBps/10000, so a fractional pebble goes to
// the rake: 150 at 500 bps is net 142, rake 8 (not the 7 a floored rake gives).
func ComputeRake(requested uint64, rakeBps uint32) (rake, net uint64) {
	if rakeBps >= BasisPoints {
		return requested, 0
	}
	hi, lo := bits.Mul64(requested, uint64(BasisPoints-rakeBps))
	net, _ = bits.Div64(hi, lo, BasisPoints)
	return requested - net, net
}

// ============================================================================
// Counterpart messages
// ============================================================================

// DepositNotification tells the counterpart a native deposit landed.
// The counterpart verifies the transaction itself before crediting.
type DepositNotification struct {
	Signature string `json:"signature"`
	Lamports  uint64 `json:"lamports,string"`
}

// WithdrawalRequest asks to convert pebbles back to the chain currency
type WithdrawalRequest struct {
	RequestID string `json:"requestId"`
	Pebbles   uint64 `json:"pebbles,string"`
}

// WithdrawalResult is the counterpart's answer to a WithdrawalRequest
type WithdrawalResult struct {
	WithdrawalID  string           `json:"withdrawalId"`
	Status        WithdrawalStatus `json:"status"`
	QueuePosition int              `json:"queuePosition,omitempty"`
	Rake          uint64           `json:"rake,string"`
	Net           uint64           `json:"net,string"`
	ChainAmount   uint64           `json:"chainAmount,string"`
	Signature     string           `json:"signature,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// CancelRequest asks the counterpart to cancel a pending or queued withdrawal
type CancelRequest struct {
	WithdrawalID string `json:"withdrawalId"`
}

// CancelResult is the counterpart's answer to a CancelRequest
type CancelResult struct {
	WithdrawalID string `json:"withdrawalId"`
	Success      bool   `json:"success"`
	Refunded     uint64 `json:"refunded,string"`
	Error        string `json:"error,omitempty"`
}

// BalanceUpdate is pushed whenever the counterpart changes the balance.
// Sequence increases monotonically; older updates are ignored.
type BalanceUpdate struct {
	Pebbles  uint64 `json:"pebbles,string"`
	Sequence uint64 `json:"sequence"`
}

// WithdrawalUpdate is pushed when a withdrawal changes status
type WithdrawalUpdate struct {
	WithdrawalID  string           `json:"withdrawalId"`
	Status        WithdrawalStatus `json:"status"`
	QueuePosition int              `json:"queuePosition,omitempty"`
	Signature     string           `json:"signature,omitempty"`
}

// Counterpart is the ledger side of the message channel
type Counterpart interface {
	NotifyDeposit(ctx context.Context, notification DepositNotification) error
	RequestWithdrawal(ctx context.Context, request WithdrawalRequest) (*WithdrawalResult, error)
	CancelWithdrawal(ctx context.Context, request CancelRequest) (*CancelResult, error)
}
