// Package channel is the persistent message channel to the counterpart
// verifier: JSON envelopes over a websocket with request/response correlation
// and server-pushed updates.
package channel

import (
	"encoding/json"
	"fmt"
)

// MessageType tags an envelope
type MessageType string

const (
	TypeEligibilityQuery       MessageType = "eligibility_query"
	TypeEligibilityResult      MessageType = "eligibility_result"
	TypeSettlementSubmit       MessageType = "settlement_submit"
	TypeSettlementResult       MessageType = "settlement_result"
	TypeDepositNotify          MessageType = "deposit_notify"
	TypeWithdrawalRequest      MessageType = "withdrawal_request"
	TypeWithdrawalResult       MessageType = "withdrawal_result"
	TypeWithdrawalCancel       MessageType = "withdrawal_cancel"
	TypeWithdrawalCancelResult MessageType = "withdrawal_cancel_result"
	TypeBalanceUpdate          MessageType = "balance_update"
	TypeWithdrawalUpdate       MessageType = "withdrawal_update"
	TypeError                  MessageType = "error"
)

// responseTypes maps each request to the response that answers it
var responseTypes = map[MessageType]MessageType{
	TypeEligibilityQuery:  TypeEligibilityResult,
	TypeSettlementSubmit:  TypeSettlementResult,
	TypeWithdrawalRequest: TypeWithdrawalResult,
	TypeWithdrawalCancel:  TypeWithdrawalCancelResult,
}

// ResponseType returns the type answering t, if t expects an answer
func ResponseType(t MessageType) (MessageType, bool) {
	r, ok := responseTypes[t]
	return r, ok
}

// IsPush reports whether t is sent unsolicited by the counterpart
func IsPush(t MessageType) bool {
	return t == TypeBalanceUpdate || t == TypeWithdrawalUpdate
}

// Envelope is one JSON text frame. ID correlates a response with its request;
// the counterpart echoes it. ReferenceID names the use-case the message is about.
type Envelope struct {
	Type        MessageType     `json:"type"`
	ID          string          `json:"id,omitempty"`
	ReferenceID string          `json:"referenceId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope
func NewEnvelope(t MessageType, id, referenceID string, payload interface{}) (Envelope, error) {
	env := Envelope{Type: t, ID: id, ReferenceID: referenceID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the payload into out
func (e Envelope) Decode(out interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ErrorPayload is carried by TypeError envelopes
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// RemoteError is a TypeError answer to a request
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return "counterpart error: " + e.Message
	}
	return fmt.Sprintf("counterpart error %s: %s", e.Code, e.Message)
}
