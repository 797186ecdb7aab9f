package settle

import (
	"errors"
	"fmt"
)

// PaymentError represents a payment-specific error.
// Every failure that leaves the transfer engine, the intent service or the
// coordinator is a *PaymentError so callers can switch on Code.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	cause   error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any
func (e *PaymentError) Unwrap() error {
	return e.cause
}

// DetailSignature is the Details key that carries a submitted transaction signature
const DetailSignature = "signature"

// WithSignature records the submitted transaction signature on the error
func (e *PaymentError) WithSignature(signature string) *PaymentError {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[DetailSignature] = signature
	return e
}

// SignatureOf returns the transaction signature recorded on err, if any
func SignatureOf(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) && pe.Details != nil {
		if sig, ok := pe.Details[DetailSignature].(string); ok {
			return sig
		}
	}
	return ""
}

// Error codes
const (
	// Transfer / signing taxonomy
	ErrCodeUserRejected           = "USER_REJECTED"
	ErrCodeInsufficientBalance    = "INSUFFICIENT_BALANCE"
	ErrCodeMintLookupFailed       = "MINT_LOOKUP_FAILED"
	ErrCodeProgramDetectionFailed = "PROGRAM_DETECTION_FAILED"
	ErrCodeConfirmationTimeout    = "CONFIRMATION_TIMEOUT"
	ErrCodeSubmissionFailed       = "SUBMISSION_FAILED"
	ErrCodeSigningFailed          = "SIGNING_FAILED"
	ErrCodeInvalidRequest         = "INVALID_REQUEST"

	// Coordinator / protocol
	ErrCodeNoResponse           = "NO_RESPONSE"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeIneligible           = "INELIGIBLE"
	ErrCodeVerificationRejected = "VERIFICATION_REJECTED"
	ErrCodeVerificationTimeout  = "VERIFICATION_TIMEOUT"
	ErrCodeAttemptInFlight      = "ATTEMPT_IN_FLIGHT"
	ErrCodeCancelNotAllowed     = "CANCEL_NOT_ALLOWED"
	ErrCodeCancelled            = "CANCELLED"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WrapPaymentError creates a payment error that keeps cause reachable through errors.Is/As.
func WrapPaymentError(code string, cause error, format string, args ...interface{}) *PaymentError {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &PaymentError{Code: code, Message: msg, cause: cause}
}

// CodeOf returns the payment error code carried by err, or "" if err is not a PaymentError.
func CodeOf(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsAmbiguous reports whether the outcome of the payment is unknown.
// Funds may have moved; callers must check status rather than retry.
func IsAmbiguous(code string) bool {
	return code == ErrCodeConfirmationTimeout || code == ErrCodeVerificationTimeout
}

// IsRecoverable reports whether the user can fix the cause and trigger again.
func IsRecoverable(code string) bool {
	switch code {
	case ErrCodeUserRejected, ErrCodeInsufficientBalance, ErrCodeIneligible,
		ErrCodeNoResponse, ErrCodeTimeout, ErrCodeAttemptInFlight, ErrCodeCancelled:
		return true
	}
	return false
}

var userMessages = map[string]string{
	ErrCodeUserRejected:           "You declined the request in your wallet.",
	ErrCodeInsufficientBalance:    "Not enough balance to cover this payment and network fees.",
	ErrCodeMintLookupFailed:       "Could not load token details. Please try again later.",
	ErrCodeProgramDetectionFailed: "This token is not supported.",
	ErrCodeConfirmationTimeout:    "The network has not confirmed your payment yet. Check its status before paying again.",
	ErrCodeSubmissionFailed:       "The payment could not be submitted to the network.",
	ErrCodeSigningFailed:          "Your wallet could not sign the request.",
	ErrCodeInvalidRequest:         "The payment request is invalid.",
	ErrCodeNoResponse:             "The server is not reachable.",
	ErrCodeTimeout:                "The server did not answer in time.",
	ErrCodeIneligible:             "You are not eligible for this yet.",
	ErrCodeVerificationRejected:   "The server rejected the payment.",
	ErrCodeVerificationTimeout:    "Your payment was sent but not yet acknowledged. Check its status before paying again.",
	ErrCodeAttemptInFlight:        "A payment for this is already in progress.",
	ErrCodeCancelNotAllowed:       "The payment is already being processed and can no longer be cancelled.",
	ErrCodeCancelled:              "The payment was cancelled.",
}

// UserMessage returns a short human-readable reason for a failure code
func UserMessage(code string) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	return "Something went wrong."
}
