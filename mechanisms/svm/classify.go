package svm

import (
	"errors"
	"strings"

	settle "github.com/waddle-labs/settle"
)

// ErrUserRejected is returned by wallet providers when the user declines a request
var ErrUserRejected = errors.New("user rejected the request")

// Substrings wallets and RPC nodes use for the same failure. Matching is
// best-effort; anything unmatched is reported as a generic failure.
var (
	userRejectionHints = []string{
		"user rejected",
		"rejected the request",
		"user denied",
		"user declined",
		"request was rejected",
	}
	insufficientFundsHints = []string{
		"insufficient funds",
		"insufficient lamports",
		"insufficientfunds",
		"attempt to debit an account but found no record of a prior credit",
		"custom program error: 0x1",
	}
	blockhashExpiredHints = []string{
		"blockhash not found",
		"block height exceeded",
		"blockhashnotfound",
		"transaction expired",
	}
)

// IsUserRejection reports whether err means the user declined in the wallet
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUserRejected) || containsAny(err.Error(), userRejectionHints)
}

// IsInsufficientFunds reports whether err looks like a balance shortfall
func IsInsufficientFunds(err error) bool {
	return err != nil && containsAny(err.Error(), insufficientFundsHints)
}

// IsBlockhashExpired reports whether a submission failed because its checkpoint expired
func IsBlockhashExpired(err error) bool {
	return err != nil && containsAny(err.Error(), blockhashExpiredHints)
}

// classifySigningError maps a wallet failure to the transfer taxonomy
func classifySigningError(err error) *settle.PaymentError {
	if IsUserRejection(err) {
		return settle.WrapPaymentError(settle.ErrCodeUserRejected, err, "signature request declined")
	}
	if IsInsufficientFunds(err) {
		return settle.WrapPaymentError(settle.ErrCodeInsufficientBalance, err, "wallet reported insufficient balance")
	}
	return settle.WrapPaymentError(settle.ErrCodeSigningFailed, err, "failed to sign transaction")
}

// classifySubmissionError maps an RPC submission failure to the transfer taxonomy
func classifySubmissionError(err error) *settle.PaymentError {
	if IsInsufficientFunds(err) {
		return settle.WrapPaymentError(settle.ErrCodeInsufficientBalance, err, "insufficient balance")
	}
	return settle.WrapPaymentError(settle.ErrCodeSubmissionFailed, err, "failed to submit transaction")
}

func containsAny(s string, needles []string) bool {
	s = strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
