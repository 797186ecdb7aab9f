package svm

import (
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// ProgramKind tags which token program governs a mint
type ProgramKind int

const (
	// KindClassic is the original SPL Token program
	KindClassic ProgramKind = iota + 1
	// KindExtended is the Token-2022 (token extensions) program
	KindExtended
)

func (k ProgramKind) String() string {
	switch k {
	case KindClassic:
		return "token"
	case KindExtended:
		return "token-2022"
	default:
		return "unknown"
	}
}

// createIdempotentDiscriminator is the associated token account program's
// CreateIdempotent instruction tag. It succeeds when the account already exists.
const createIdempotentDiscriminator = 1

// ProgramVariant is one of the two token programs together with the
// constructors that are only valid for it. Accounts derived or instructions
// built from one variant must never be mixed with the other.
type ProgramVariant struct {
	Kind      ProgramKind
	ProgramID solana.PublicKey
}

var (
	// Classic is the SPL Token program variant
	Classic = ProgramVariant{Kind: KindClassic, ProgramID: solana.TokenProgramID}
	// Extended is the Token-2022 program variant
	Extended = ProgramVariant{Kind: KindExtended, ProgramID: solana.Token2022ProgramID}
)

var variantsByOwner = map[solana.PublicKey]ProgramVariant{
	solana.TokenProgramID:     Classic,
	solana.Token2022ProgramID: Extended,
}

// VariantForOwner maps a mint account's owner program to its variant
func VariantForOwner(owner solana.PublicKey) (ProgramVariant, bool) {
	v, ok := variantsByOwner[owner]
	return v, ok
}

func (v ProgramVariant) String() string {
	return v.Kind.String()
}

// FindAssociatedTokenAddress derives the associated token account of owner for mint
// under this program. The account need not exist.
func (v ProgramVariant) FindAssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{owner[:], v.ProgramID[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive associated token account: %w", err)
	}
	return addr, nil
}

// NewCreateIdempotentATAInstruction builds the "create associated account if
// absent" instruction for owner/mint, funded by payer.
func (v ProgramVariant) NewCreateIdempotentATAInstruction(payer, owner, mint solana.PublicKey) (solana.Instruction, error) {
	ata, err := v.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.Meta(payer).WRITE().SIGNER(),
		solana.Meta(ata).WRITE(),
		solana.Meta(owner),
		solana.Meta(mint),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(v.ProgramID),
	}
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		accounts,
		[]byte{createIdempotentDiscriminator},
	), nil
}

// NewTransferCheckedInstruction builds TransferChecked addressed to this program.
// The instruction layout is shared by both programs; only the program id differs.
func (v ProgramVariant) NewTransferCheckedInstruction(
	amount uint64,
	decimals uint8,
	source, mint, destination, owner solana.PublicKey,
) (solana.Instruction, error) {
	ix, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(source).
		SetMintAccount(mint).
		SetDestinationAccount(destination).
		SetOwnerAccount(owner).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build transfer instruction: %w", err)
	}
	data, err := ix.Data()
	if err != nil {
		return nil, fmt.Errorf("encode transfer instruction: %w", err)
	}
	return solana.NewInstruction(v.ProgramID, ix.Accounts(), data), nil
}
