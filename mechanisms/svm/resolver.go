package svm

import (
	"context"
	"errors"
	"strings"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	settle "github.com/waddle-labs/settle"
)

// DefaultSuffixHints are mint address suffixes used by a token-launch platform
// that always mints under Token-2022.
var DefaultSuffixHints = []string{"pump"}

// AccountReader reads raw account state
type AccountReader interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
}

// Resolver determines which token program governs a mint
type Resolver struct {
	accounts    AccountReader
	suffixHints []string
}

// ResolverOption configures the resolver
type ResolverOption func(*Resolver)

// WithSuffixHints replaces the fast-path suffix hints. Passing none disables the fast path.
func WithSuffixHints(hints ...string) ResolverOption {
	return func(r *Resolver) {
		r.suffixHints = append([]string(nil), hints...)
	}
}

// NewResolver creates a resolver backed by accounts
func NewResolver(accounts AccountReader, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		accounts:    accounts,
		suffixHints: DefaultSuffixHints,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the program variant for mint. Mints matching a suffix hint
// resolve to Extended without a network call; everything else goes on-chain.
//
// The hint can misclassify a mint that happens to share the suffix. Callers
// that go on to read the mint account should reconcile with its owner.
func (r *Resolver) Resolve(ctx context.Context, mint solana.PublicKey) (ProgramVariant, error) {
	if r.matchesHint(mint) {
		return Extended, nil
	}
	return r.ResolveOnChain(ctx, mint)
}

// ResolveOnChain reads the mint account and maps its owner program
func (r *Resolver) ResolveOnChain(ctx context.Context, mint solana.PublicKey) (ProgramVariant, error) {
	account, err := r.accounts.GetAccountInfo(ctx, mint)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return ProgramVariant{}, settle.NewPaymentError(settle.ErrCodeProgramDetectionFailed,
				"mint account "+mint.String()+" does not exist", map[string]interface{}{"mint": mint.String()})
		}
		return ProgramVariant{}, settle.WrapPaymentError(settle.ErrCodeProgramDetectionFailed, err,
			"failed to read mint account %s", mint)
	}
	if account == nil || account.Value == nil {
		return ProgramVariant{}, settle.NewPaymentError(settle.ErrCodeProgramDetectionFailed,
			"mint account "+mint.String()+" does not exist", map[string]interface{}{"mint": mint.String()})
	}
	return variantFromOwner(mint, account.Value.Owner)
}

func variantFromOwner(mint, owner solana.PublicKey) (ProgramVariant, error) {
	variant, ok := VariantForOwner(owner)
	if !ok {
		return ProgramVariant{}, settle.NewPaymentError(settle.ErrCodeProgramDetectionFailed,
			"asset was not created by a known token program",
			map[string]interface{}{"mint": mint.String(), "owner": owner.String()})
	}
	return variant, nil
}

func (r *Resolver) matchesHint(mint solana.PublicKey) bool {
	addr := mint.String()
	for _, suffix := range r.suffixHints {
		if suffix != "" && strings.HasSuffix(addr, suffix) {
			return true
		}
	}
	return false
}
