package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// Provider is the injected wallet capability a Wallet drives.
// Browser extensions, hardware wallets and local keypairs all fit behind it.
type Provider interface {
	Connect(ctx context.Context) (solana.PublicKey, error)
	Disconnect(ctx context.Context) error
	PublicKey() solana.PublicKey
	SignMessage(ctx context.Context, message []byte) (solana.Signature, error)
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// KeypairProvider signs with a local private key. Intended for CLIs and development.
type KeypairProvider struct {
	key solana.PrivateKey
}

// NewKeypairProvider creates a provider from a base58-encoded private key.
func NewKeypairProvider(privateKeyBase58 string) (*KeypairProvider, error) {
	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &KeypairProvider{key: key}, nil
}

// NewKeypairProviderFromKey wraps an already decoded key
func NewKeypairProviderFromKey(key solana.PrivateKey) *KeypairProvider {
	return &KeypairProvider{key: key}
}

func (p *KeypairProvider) Connect(context.Context) (solana.PublicKey, error) {
	return p.key.PublicKey(), nil
}

func (p *KeypairProvider) Disconnect(context.Context) error { return nil }

func (p *KeypairProvider) PublicKey() solana.PublicKey {
	return p.key.PublicKey()
}

func (p *KeypairProvider) SignMessage(_ context.Context, message []byte) (solana.Signature, error) {
	sig, err := p.key.Sign(message)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign message: %w", err)
	}
	return sig, nil
}

func (p *KeypairProvider) SignTransaction(_ context.Context, tx *solana.Transaction) error {
	return signTransactionWithPrivateKey(p.key, tx)
}

// signTransactionWithPrivateKey places the key's signature at its account index,
// leaving any other signatures untouched.
func signTransactionWithPrivateKey(privateKey solana.PrivateKey, tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	signature, err := privateKey.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	accountIndex, err := tx.GetAccountIndex(privateKey.PublicKey())
	if err != nil {
		return fmt.Errorf("failed to get account index: %w", err)
	}

	if len(tx.Signatures) <= int(accountIndex) {
		newSignatures := make([]solana.Signature, accountIndex+1)
		copy(newSignatures, tx.Signatures)
		tx.Signatures = newSignatures
	}
	tx.Signatures[accountIndex] = signature
	return nil
}

// SignTransactionFunc signs a transaction in place
type SignTransactionFunc func(ctx context.Context, tx *solana.Transaction) error

// SignMessageFunc signs arbitrary bytes
type SignMessageFunc func(ctx context.Context, message []byte) (solana.Signature, error)

// FuncProvider adapts callbacks (e.g. a bridge to an external wallet) into a Provider
type FuncProvider struct {
	Key     solana.PublicKey
	SignTx  SignTransactionFunc
	SignMsg SignMessageFunc
}

// NewFuncProvider creates a callback-backed provider
func NewFuncProvider(publicKey solana.PublicKey, signTx SignTransactionFunc, signMsg SignMessageFunc) (*FuncProvider, error) {
	if publicKey.IsZero() {
		return nil, fmt.Errorf("public key is required")
	}
	if signTx == nil && signMsg == nil {
		return nil, fmt.Errorf("at least one sign callback is required")
	}
	return &FuncProvider{Key: publicKey, SignTx: signTx, SignMsg: signMsg}, nil
}

func (p *FuncProvider) Connect(context.Context) (solana.PublicKey, error) { return p.Key, nil }

func (p *FuncProvider) Disconnect(context.Context) error { return nil }

func (p *FuncProvider) PublicKey() solana.PublicKey { return p.Key }

func (p *FuncProvider) SignMessage(ctx context.Context, message []byte) (solana.Signature, error) {
	if p.SignMsg == nil {
		return solana.Signature{}, fmt.Errorf("provider cannot sign messages")
	}
	return p.SignMsg(ctx, message)
}

func (p *FuncProvider) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	if p.SignTx == nil {
		return fmt.Errorf("provider cannot sign transactions")
	}
	return p.SignTx(ctx, tx)
}
