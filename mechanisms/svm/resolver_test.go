package svm

import (
	"context"
	"errors"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	settle "github.com/waddle-labs/settle"
)

func TestResolveOnChain(t *testing.T) {
	client := newMockRPC()
	classic := client.addMint(solana.TokenProgramID, 6)
	extended := client.addMint(solana.Token2022ProgramID, 6)
	foreign := client.addMint(solana.SystemProgramID, 6)
	missing := solana.NewWallet().PublicKey()

	resolver := NewResolver(client, WithSuffixHints())

	tests := []struct {
		name string
		mint solana.PublicKey
		want ProgramVariant
		code string
	}{
		{"classic owner", classic, Classic, ""},
		{"extended owner", extended, Extended, ""},
		{"unknown owner", foreign, ProgramVariant{}, settle.ErrCodeProgramDetectionFailed},
		{"missing account", missing, ProgramVariant{}, settle.ErrCodeProgramDetectionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Resolution is deterministic for unchanged chain state
			for i := 0; i < 2; i++ {
				got, err := resolver.Resolve(context.Background(), tt.mint)
				if tt.code != "" {
					requireCode(t, err, tt.code)
					continue
				}
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				if got != tt.want {
					t.Errorf("Expected %s, got %s", tt.want, got)
				}
			}
		})
	}
}

func TestResolve_SuffixHintSkipsNetwork(t *testing.T) {
	client := newMockRPC()
	mint := solana.NewWallet().PublicKey()
	addr := mint.String()

	resolver := NewResolver(client, WithSuffixHints(addr[len(addr)-4:]))
	got, err := resolver.Resolve(context.Background(), mint)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != Extended {
		t.Errorf("Expected token-2022 for hinted mint, got %s", got)
	}
	if client.accountCalls != 0 {
		t.Errorf("Hinted mints must resolve without a network call")
	}
}

func TestResolve_RPCFailure(t *testing.T) {
	client := newMockRPC()
	client.accountErr = errors.New("connection refused")

	_, err := NewResolver(client).Resolve(context.Background(), solana.NewWallet().PublicKey())
	requireCode(t, err, settle.ErrCodeProgramDetectionFailed)
	if !errors.Is(err, client.accountErr) {
		t.Errorf("Expected cause to be preserved")
	}
}

func TestResolve_NilAccountValue(t *testing.T) {
	client := &nilAccountRPC{mockRPC: newMockRPC()}
	_, err := NewResolver(client).ResolveOnChain(context.Background(), solana.NewWallet().PublicKey())
	requireCode(t, err, settle.ErrCodeProgramDetectionFailed)
}

type nilAccountRPC struct{ *mockRPC }

func (n *nilAccountRPC) GetAccountInfo(context.Context, solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	return &rpc.GetAccountInfoResult{}, nil
}

func TestVariantDerivationsDiffer(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	a, err := Classic.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	b, err := Extended.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if a == b {
		t.Errorf("Associated accounts must differ between programs")
	}

	if v, ok := VariantForOwner(solana.Token2022ProgramID); !ok || v.Kind != KindExtended {
		t.Errorf("Expected token-2022 owner to map to the extended variant")
	}
	if _, ok := VariantForOwner(solana.SystemProgramID); ok {
		t.Errorf("System program must not map to a token variant")
	}
}

func TestClassifyErrors(t *testing.T) {
	if !IsUserRejection(errors.New("User rejected the request.")) {
		t.Errorf("Expected wallet rejection text to classify as rejection")
	}
	if IsUserRejection(errors.New("rate limited")) {
		t.Errorf("Unexpected rejection match")
	}
	if got := classifySigningError(errors.New("Insufficient lamports")).Code; got != settle.ErrCodeInsufficientBalance {
		t.Errorf("Expected INSUFFICIENT_BALANCE, got %s", got)
	}
	if got := classifySigningError(errors.New("device locked")).Code; got != settle.ErrCodeSigningFailed {
		t.Errorf("Expected SIGNING_FAILED, got %s", got)
	}
	if !IsBlockhashExpired(errors.New("BlockhashNotFound")) {
		t.Errorf("Expected blockhash expiry match")
	}
}
