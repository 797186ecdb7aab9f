// Package svm adapts injected Solana wallet providers into the signers used by
// the transfer engine and the intent service.
package svm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	solana "github.com/gagliardetto/solana-go"

	settlesvm "github.com/waddle-labs/settle/mechanisms/svm"
)

// DefaultSignTimeout bounds how long a user has to approve a request
const DefaultSignTimeout = 2 * time.Minute

var (
	// ErrSignRequestPending is returned when a sign request arrives while another is outstanding
	ErrSignRequestPending = errors.New("another sign request is pending")
	// ErrWalletNotConnected is returned by sign calls before Connect
	ErrWalletNotConnected = errors.New("wallet not connected")
	// ErrUserRejected is the provider-agnostic user rejection
	ErrUserRejected = settlesvm.ErrUserRejected
)

// IsUserRejection reports whether err means the user declined in the wallet
func IsUserRejection(err error) bool {
	return settlesvm.IsUserRejection(err)
}

// Wallet owns one provider and serializes access to it.
// At most one sign request is outstanding at a time; a concurrent request is
// rejected with ErrSignRequestPending instead of being interleaved.
type Wallet struct {
	provider    Provider
	signTimeout time.Duration
	logger      *slog.Logger

	mu        sync.RWMutex
	address   solana.PublicKey
	connected bool

	signing sync.Mutex
}

// WalletOption configures a Wallet
type WalletOption func(*Wallet)

// WithSignTimeout overrides DefaultSignTimeout
func WithSignTimeout(d time.Duration) WalletOption {
	return func(w *Wallet) { w.signTimeout = d }
}

// WithLogger overrides the default logger
func WithLogger(logger *slog.Logger) WalletOption {
	return func(w *Wallet) { w.logger = logger }
}

// NewWallet wraps provider. The wallet starts disconnected.
func NewWallet(provider Provider, opts ...WalletOption) *Wallet {
	w := &Wallet{
		provider:    provider,
		signTimeout: DefaultSignTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Connect asks the provider for access and records the signer address
func (w *Wallet) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.signTimeout)
	defer cancel()

	address, err := w.provider.Connect(ctx)
	if err != nil {
		return fmt.Errorf("wallet connect: %w", err)
	}
	if address.IsZero() {
		return fmt.Errorf("wallet connect: provider returned no address")
	}

	w.mu.Lock()
	w.address = address
	w.connected = true
	w.mu.Unlock()

	w.logger.Info("wallet connected", "address", address.String())
	return nil
}

// Disconnect releases the provider session
func (w *Wallet) Disconnect(ctx context.Context) error {
	w.mu.Lock()
	w.connected = false
	w.address = solana.PublicKey{}
	w.mu.Unlock()

	if err := w.provider.Disconnect(ctx); err != nil {
		return fmt.Errorf("wallet disconnect: %w", err)
	}
	return nil
}

// Connected reports whether Connect succeeded and Disconnect has not been called since
func (w *Wallet) Connected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// Address returns the connected signer address, or the zero key when disconnected
func (w *Wallet) Address() solana.PublicKey {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.address
}

// SignMessage asks the user to sign message exactly as given
func (w *Wallet) SignMessage(ctx context.Context, message []byte) (solana.Signature, error) {
	var sig solana.Signature
	err := w.withSigner(ctx, "message", func(ctx context.Context) error {
		var err error
		sig, err = w.provider.SignMessage(ctx, message)
		return err
	})
	return sig, err
}

// SignTransaction asks the user to sign tx in place
func (w *Wallet) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	return w.withSigner(ctx, "transaction", func(ctx context.Context) error {
		return w.provider.SignTransaction(ctx, tx)
	})
}

// withSigner runs fn while holding the single sign slot. The slot is held
// until the provider returns, even if the caller stops waiting earlier, so a
// prompt still open in the wallet blocks new requests.
func (w *Wallet) withSigner(ctx context.Context, kind string, fn func(context.Context) error) error {
	if !w.Connected() {
		return ErrWalletNotConnected
	}
	if !w.signing.TryLock() {
		return ErrSignRequestPending
	}

	ctx, cancel := context.WithTimeout(ctx, w.signTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		err := fn(ctx)
		w.signing.Unlock()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			w.logger.Debug("sign request failed", "kind", kind, "error", err)
		}
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		default:
		}
		w.logger.Warn("sign request abandoned", "kind", kind, "error", ctx.Err())
		return fmt.Errorf("sign %s: %w", kind, ctx.Err())
	}
}

var (
	_ settlesvm.ClientSvmSigner = (*Wallet)(nil)
	_ settlesvm.MessageSigner   = (*Wallet)(nil)
)
