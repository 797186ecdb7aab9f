package settle

import (
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is the version stamped on every payment intent
const ProtocolVersion = 1

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1")
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Purpose identifies the use-case a payment belongs to
type Purpose string

const (
	PurposeWager    Purpose = "wager"
	PurposeRent     Purpose = "rent"
	PurposeEntryFee Purpose = "entry_fee"
	PurposeDeposit  Purpose = "deposit"
)

// Valid reports whether p is a known purpose
func (p Purpose) Valid() bool {
	switch p {
	case PurposeWager, PurposeRent, PurposeEntryFee, PurposeDeposit:
		return true
	}
	return false
}

// Conditional reports whether payments for this purpose are authorized with a
// signed intent instead of an immediate transfer.
func (p Purpose) Conditional() bool {
	return p == PurposeWager
}

// AttemptState is the state of a SettlementAttempt
type AttemptState string

const (
	StateIdle               AttemptState = "IDLE"
	StateEligibilityPending AttemptState = "ELIGIBILITY_PENDING"
	StateIneligible         AttemptState = "INELIGIBLE"
	StatePaying             AttemptState = "PAYING"
	StateVerifying          AttemptState = "VERIFYING"
	StateSettled            AttemptState = "SETTLED"
	StateFailed             AttemptState = "FAILED"
)

// Terminal reports whether no further transitions are possible
func (s AttemptState) Terminal() bool {
	return s == StateIneligible || s == StateSettled || s == StateFailed
}

// Cancellable reports whether a user cancel is still safe in this state.
// Once payment has begun the attempt must run to completion.
func (s AttemptState) Cancellable() bool {
	return s == StateIdle || s == StateEligibilityPending
}

// AttemptRequest describes one payment use-case to settle
type AttemptRequest struct {
	Purpose     Purpose
	ReferenceID string // match, igloo or challenge id
	Amount      uint64 // base units
	Recipient   string // counterparty address
	Mint        string
	Memo        string // optional; defaults to "<purpose>:<referenceId>"
}

// Validate performs basic validation on an attempt request
func (r AttemptRequest) Validate() error {
	if !r.Purpose.Valid() {
		return fmt.Errorf("unknown purpose %q", r.Purpose)
	}
	if strings.TrimSpace(r.ReferenceID) == "" {
		return fmt.Errorf("reference id is required")
	}
	if r.Amount == 0 {
		return fmt.Errorf("amount must be positive")
	}
	if r.Recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	if r.Mint == "" && r.Purpose != PurposeDeposit {
		return fmt.Errorf("mint is required")
	}
	return nil
}

// Native reports whether the request pays in the chain's native currency
func (r AttemptRequest) Native() bool {
	return r.Purpose == PurposeDeposit && r.Mint == ""
}

// MemoText returns the memo carried by the payment
func (r AttemptRequest) MemoText() string {
	if r.Memo != "" {
		return r.Memo
	}
	return FormatMemo(r.Purpose, r.ReferenceID)
}

// FormatMemo encodes a purpose tag and reference id
func FormatMemo(purpose Purpose, referenceID string) string {
	return string(purpose) + ":" + referenceID
}

// SettlementAttempt correlates one payment use-case end to end
type SettlementAttempt struct {
	ID            string       `json:"id,omitempty"`
	Purpose       Purpose      `json:"purpose"`
	ReferenceID   string       `json:"referenceId"`
	Amount        uint64       `json:"amount"`
	Counterparty  string       `json:"counterparty"`
	Mint          string       `json:"mint,omitempty"`
	State         AttemptState `json:"state"`
	Signature     string       `json:"signature,omitempty"`
	IntentPayload string       `json:"intentPayload,omitempty"`
	ErrorCode     string       `json:"errorCode,omitempty"`
	Error         string       `json:"error,omitempty"`
	Ambiguous     bool         `json:"ambiguous,omitempty"`
	StartedAt     time.Time    `json:"startedAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// ============================================================================
// Counterpart messages
// ============================================================================

// EligibilityQuery asks the counterpart whether a payment is needed
type EligibilityQuery struct {
	ReferenceID string  `json:"referenceId"`
	Purpose     Purpose `json:"purpose"`
}

// EligibilityResult is the counterpart's answer to an EligibilityQuery
type EligibilityResult struct {
	ReferenceID      string `json:"referenceId"`
	CanProceed       bool   `json:"canProceed"`
	AlreadySatisfied bool   `json:"alreadySatisfied"`
	Reason           string `json:"reason,omitempty"`
	Message          string `json:"message,omitempty"`
}

// SettlementSubmission carries the payment artifact to the counterpart.
// Exactly one of Signature or IntentPayload is set.
type SettlementSubmission struct {
	ReferenceID   string  `json:"referenceId"`
	Purpose       Purpose `json:"purpose"`
	Signature     string  `json:"signature,omitempty"`
	IntentPayload string  `json:"intent,omitempty"`
}

// SettlementResult is the counterpart's verdict on a SettlementSubmission
type SettlementResult struct {
	ReferenceID string `json:"referenceId"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	Message     string `json:"message,omitempty"`
}

// TransferParams describes an unconditional transfer
type TransferParams struct {
	Recipient string
	Mint      string
	Amount    uint64 // base units
	Memo      string
}

// TransferResult is the outcome of a confirmed transfer
type TransferResult struct {
	Signature string
	Program   string
	Slot      uint64
}

// AuthorizeParams describes a conditional payment to authorize
type AuthorizeParams struct {
	Amount          uint64
	Mint            string
	Recipient       string
	Memo            string
	ValidityMinutes int // 0 selects the preset for the memo's purpose
}

// Authorization is a signed, transport-encoded payment intent
type Authorization struct {
	Payload    string
	Nonce      string
	ValidUntil time.Time
}
