package intent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	solana "github.com/gagliardetto/solana-go"

	settle "github.com/waddle-labs/settle"
	settlesvm "github.com/waddle-labs/settle/mechanisms/svm"
)

// Preset is the default validity window for a purpose
type Preset struct {
	Purpose  settle.Purpose
	Validity time.Duration
}

// Presets by purpose. The wager window covers an expected match.
var Presets = map[settle.Purpose]Preset{
	settle.PurposeEntryFee: {Purpose: settle.PurposeEntryFee, Validity: 10 * time.Minute},
	settle.PurposeRent:     {Purpose: settle.PurposeRent, Validity: 60 * time.Minute},
	settle.PurposeWager:    {Purpose: settle.PurposeWager, Validity: 30 * time.Minute},
}

// DefaultValidity applies when neither the caller nor a preset gives a window
const DefaultValidity = 30 * time.Minute

// PresetFor returns the preset for purpose
func PresetFor(purpose settle.Purpose) (Preset, bool) {
	p, ok := Presets[purpose]
	return p, ok
}

// Service builds and signs payment intents for one payer wallet
type Service struct {
	signer  settlesvm.MessageSigner
	network string
	logger  *slog.Logger
	now     func() time.Time
	entropy io.Reader
}

// Option configures the service
type Option func(*Service)

// WithLogger overrides the default logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock sets the function used to compute validUntil
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEntropy replaces the nonce source
func WithEntropy(r io.Reader) Option {
	return func(s *Service) { s.entropy = r }
}

// NewService creates an intent service. network is a CAIP-2 id or short name.
func NewService(signer settlesvm.MessageSigner, network string, opts ...Option) (*Service, error) {
	caip2, err := settlesvm.NormalizeNetwork(network)
	if err != nil {
		return nil, err
	}
	s := &Service{
		signer:  signer,
		network: caip2,
		logger:  slog.Default(),
		now:     time.Now,
		entropy: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Authorize builds an intent for params, has the payer sign its canonical
// message and returns the encoded payload. Every error is a *settle.PaymentError.
func (s *Service) Authorize(ctx context.Context, params settle.AuthorizeParams) (*settle.Authorization, error) {
	signed, err := s.AuthorizeIntent(ctx, params)
	if err != nil {
		return nil, err
	}
	payload, err := Encode(*signed)
	if err != nil {
		return nil, settle.WrapPaymentError(settle.ErrCodeSigningFailed, err, "failed to encode intent")
	}
	return &settle.Authorization{
		Payload:    payload,
		Nonce:      signed.Nonce,
		ValidUntil: signed.Expiry(),
	}, nil
}

// AuthorizeIntent is Authorize without the transport encoding
func (s *Service) AuthorizeIntent(ctx context.Context, params settle.AuthorizeParams) (*PaymentIntent, error) {
	unsigned, err := s.Build(params)
	if err != nil {
		return nil, err
	}

	message := CanonicalMessage(*unsigned)
	sig, err := s.signer.SignMessage(ctx, []byte(message))
	if err != nil {
		if settlesvm.IsUserRejection(err) {
			return nil, settle.WrapPaymentError(settle.ErrCodeUserRejected, err, "intent signature declined")
		}
		return nil, settle.WrapPaymentError(settle.ErrCodeSigningFailed, err, "failed to sign intent")
	}

	signed := *unsigned
	signed.Signature = sig.String()
	s.logger.Info("payment intent signed",
		"nonce", signed.Nonce, "memo", signed.Memo, "valid_until", signed.Expiry())
	return &signed, nil
}

// Build creates the unsigned intent for params
func (s *Service) Build(params settle.AuthorizeParams) (*PaymentIntent, error) {
	if params.Amount == 0 {
		return nil, settle.NewPaymentError(settle.ErrCodeInvalidRequest, "amount must be positive", nil)
	}
	if _, err := solana.PublicKeyFromBase58(params.Recipient); err != nil {
		return nil, settle.WrapPaymentError(settle.ErrCodeInvalidRequest, err, "invalid recipient address")
	}
	if _, err := solana.PublicKeyFromBase58(params.Mint); err != nil {
		return nil, settle.WrapPaymentError(settle.ErrCodeInvalidRequest, err, "invalid mint address")
	}
	if params.ValidityMinutes < 0 {
		return nil, settle.NewPaymentError(settle.ErrCodeInvalidRequest, "validity must not be negative", nil)
	}
	payer := s.signer.Address()
	if payer.IsZero() {
		return nil, settle.NewPaymentError(settle.ErrCodeSigningFailed, "wallet not connected", nil)
	}

	nonce, err := s.nonce()
	if err != nil {
		return nil, settle.WrapPaymentError(settle.ErrCodeSigningFailed, err, "failed to generate nonce")
	}

	return &PaymentIntent{
		Version:    settle.ProtocolVersion,
		Network:    s.network,
		Payer:      payer.String(),
		Recipient:  params.Recipient,
		Mint:       params.Mint,
		Amount:     params.Amount,
		ValidUntil: s.now().Add(s.validity(params)).Unix(),
		Nonce:      nonce,
		Memo:       params.Memo,
	}, nil
}

func (s *Service) validity(params settle.AuthorizeParams) time.Duration {
	if params.ValidityMinutes > 0 {
		return time.Duration(params.ValidityMinutes) * time.Minute
	}
	if purpose, _, ok := ParseMemo(params.Memo); ok {
		if preset, ok := PresetFor(purpose); ok {
			return preset.Validity
		}
	}
	return DefaultValidity
}

func (s *Service) nonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(s.entropy, buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

var _ settle.IntentAuthorizer = (*Service)(nil)
