// Package intent builds, signs, encodes and verifies payment intents: signed,
// time-bounded, off-chain statements of willingness to pay. Signing an intent
// moves no funds; a verifier redeems it only before its expiry and only once.
package intent

import (
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/xeipuuv/gojsonschema"

	settle "github.com/waddle-labs/settle"
	settlesvm "github.com/waddle-labs/settle/mechanisms/svm"
)

var (
	// ErrExpired is returned for intents whose validity window has passed
	ErrExpired = errors.New("payment intent expired")
	// ErrInvalidSignature is returned when the signature does not verify against the payer
	ErrInvalidSignature = errors.New("payment intent signature invalid")
	// ErrMalformed is returned when a payload cannot be decoded
	ErrMalformed = errors.New("malformed payment intent")
)

//go:embed schema.json
var schemaJSON []byte

var schema = mustSchema()

func mustSchema() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("intent: invalid embedded schema: %v", err))
	}
	return s
}

// PaymentIntent is the signed conditional-payment object.
// ValidUntil is unix seconds. Signature is base58 over CanonicalMessage.
type PaymentIntent struct {
	Version    int    `json:"version"`
	Network    string `json:"network"`
	Payer      string `json:"payer"`
	Recipient  string `json:"recipient"`
	Mint       string `json:"mint"`
	Amount     uint64 `json:"amount,string"`
	ValidUntil int64  `json:"validUntil"`
	Nonce      string `json:"nonce"`
	Memo       string `json:"memo"`
	Signature  string `json:"signature"`
}

// Expiry returns ValidUntil as a time
func (p PaymentIntent) Expiry() time.Time {
	return time.Unix(p.ValidUntil, 0).UTC()
}

// IsExpired reports whether now is past the intent's validity window
func IsExpired(p PaymentIntent, now time.Time) bool {
	return now.Unix() > p.ValidUntil
}

// ParseMemo splits a "purpose:reference" memo. ok is false when the memo does
// not start with a known purpose.
func ParseMemo(memo string) (purpose settle.Purpose, referenceID string, ok bool) {
	tag, ref, found := strings.Cut(memo, ":")
	if !found || ref == "" {
		return "", "", false
	}
	purpose = settle.Purpose(tag)
	if !purpose.Valid() {
		return "", "", false
	}
	return purpose, ref, true
}

// CanonicalMessage renders the exact text shown to and signed by the payer.
// Every field except the signature is bound by it.
func CanonicalMessage(p PaymentIntent) string {
	var b strings.Builder
	b.WriteString("Authorize payment\n")
	fmt.Fprintf(&b, "Amount: %d (base units)\n", p.Amount)
	fmt.Fprintf(&b, "Token: %s\n", p.Mint)
	fmt.Fprintf(&b, "To: %s (%s)\n", settlesvm.AbbreviateAddress(p.Recipient), p.Recipient)
	if purpose, ref, ok := ParseMemo(p.Memo); ok {
		fmt.Fprintf(&b, "Purpose: %s\n", purpose)
		fmt.Fprintf(&b, "Reference: %s\n", ref)
	}
	fmt.Fprintf(&b, "Memo: %s\n", p.Memo)
	fmt.Fprintf(&b, "Expires: %s\n", p.Expiry().Format(time.RFC3339))
	fmt.Fprintf(&b, "From: %s\n", p.Payer)
	fmt.Fprintf(&b, "Network: %s\n", p.Network)
	fmt.Fprintf(&b, "Nonce: %s\n", p.Nonce)
	fmt.Fprintf(&b, "Version: %d", p.Version)
	return b.String()
}

// Encode packages the intent as base64url JSON
func Encode(p PaymentIntent) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal intent: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a payload produced by Encode. Missing required fields are
// rejected; unknown extra fields are ignored.
func Decode(payload string) (*PaymentIntent, error) {
	payload = strings.TrimSpace(payload)
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformed, strings.Join(problems, "; "))
	}

	var p PaymentIntent
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &p, nil
}

// Verify checks expiry first, then the payer's signature over the canonical message
func Verify(p PaymentIntent, now time.Time) error {
	if IsExpired(p, now) {
		return fmt.Errorf("%w at %s", ErrExpired, p.Expiry().Format(time.RFC3339))
	}
	payer, err := solana.PublicKeyFromBase58(p.Payer)
	if err != nil {
		return fmt.Errorf("%w: invalid payer: %v", ErrInvalidSignature, err)
	}
	sig, err := solana.SignatureFromBase58(p.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !sig.Verify(payer, []byte(CanonicalMessage(p))) {
		return ErrInvalidSignature
	}
	return nil
}

// DecodeAndVerify decodes payload and verifies it at now
func DecodeAndVerify(payload string, now time.Time) (*PaymentIntent, error) {
	p, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	if err := Verify(*p, now); err != nil {
		return p, err
	}
	return p, nil
}
