package svm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	settle "github.com/waddle-labs/settle"
	"github.com/waddle-labs/settle/observability"
)

const (
	// DefaultPollInterval is the confirmation polling cadence
	DefaultPollInterval = 2 * time.Second
	// DefaultConfirmTimeout bounds confirmation polling
	DefaultConfirmTimeout = 60 * time.Second
	// checkpointRetries is how many times an expired blockhash is replaced.
	// Other submission failures are never retried here.
	checkpointRetries = 1
)

// Checkpoint bounds a transaction's validity window
type Checkpoint struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// TransferRequest is a fully resolved, ready-to-sign transfer.
// Program, SourceATA and DestinationATA always belong to the same variant.
type TransferRequest struct {
	Sender         solana.PublicKey
	Recipient      solana.PublicKey
	Mint           solana.PublicKey
	Amount         uint64
	Decimals       uint8
	Program        ProgramVariant
	SourceATA      solana.PublicKey
	DestinationATA solana.PublicKey
	Memo           string
}

// Engine builds, signs, submits and confirms direct transfers
type Engine struct {
	rpc      RPC
	signer   ClientSvmSigner
	resolver *Resolver
	logger   *slog.Logger
	metrics  *observability.Metrics

	pollInterval     time.Duration
	confirmTimeout   time.Duration
	computeUnitPrice uint64
	computeUnitLimit uint32
	commitment       rpc.CommitmentType
	now              func() time.Time
}

// EngineOption configures the engine
type EngineOption func(*Engine)

// WithResolver replaces the default resolver (e.g. to change suffix hints)
func WithResolver(r *Resolver) EngineOption {
	return func(e *Engine) { e.resolver = r }
}

// WithPollInterval sets the confirmation polling cadence
func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.pollInterval = d }
}

// WithConfirmTimeout bounds confirmation polling
func WithConfirmTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.confirmTimeout = d }
}

// WithComputeUnitPrice sets the priority fee in microlamports
func WithComputeUnitPrice(microLamports uint64) EngineOption {
	return func(e *Engine) { e.computeUnitPrice = microLamports }
}

// WithEngineLogger overrides the default logger
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithEngineMetrics overrides the default metrics registry
func WithEngineMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a transfer engine that pays from signer's wallet
func NewEngine(client RPC, signer ClientSvmSigner, opts ...EngineOption) *Engine {
	e := &Engine{
		rpc:              client,
		signer:           signer,
		logger:           slog.Default(),
		pollInterval:     DefaultPollInterval,
		confirmTimeout:   DefaultConfirmTimeout,
		computeUnitPrice: DefaultComputeUnitPrice,
		computeUnitLimit: DefaultComputeUnitLimit,
		commitment:       rpc.CommitmentConfirmed,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = NewResolver(client)
	}
	return e
}

// Transfer moves params.Amount base units of params.Mint to params.Recipient.
// Every error is a *settle.PaymentError. A CONFIRMATION_TIMEOUT error carries
// the submitted signature in Details["signature"]; the transfer may still land.
func (e *Engine) Transfer(ctx context.Context, params settle.TransferParams) (*settle.TransferResult, error) {
	recipient, err := solana.PublicKeyFromBase58(params.Recipient)
	if err != nil {
		return nil, e.fail(settle.WrapPaymentError(settle.ErrCodeInvalidRequest, err, "invalid recipient address"))
	}
	mint, err := solana.PublicKeyFromBase58(params.Mint)
	if err != nil {
		return nil, e.fail(settle.WrapPaymentError(settle.ErrCodeInvalidRequest, err, "invalid mint address"))
	}
	if params.Amount == 0 {
		return nil, e.fail(settle.NewPaymentError(settle.ErrCodeInvalidRequest, "amount must be positive", nil))
	}

	req, err := e.BuildTransferRequest(ctx, recipient, mint, params.Amount)
	if err != nil {
		return nil, e.fail(err)
	}
	req.Memo = params.Memo

	instructions, err := req.Instructions()
	if err != nil {
		return nil, e.fail(settle.WrapPaymentError(settle.ErrCodeInvalidRequest, err, "failed to build instructions"))
	}

	return e.execute(ctx, instructions, req.Program.String())
}

// TransferNative moves lamports of the chain's native currency to recipient
func (e *Engine) TransferNative(ctx context.Context, recipient string, lamports uint64, memo string) (*settle.TransferResult, error) {
	to, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return nil, e.fail(settle.WrapPaymentError(settle.ErrCodeInvalidRequest, err, "invalid recipient address"))
	}
	if lamports == 0 {
		return nil, e.fail(settle.NewPaymentError(settle.ErrCodeInvalidRequest, "amount must be positive", nil))
	}

	instructions, err := e.computeBudget()
	if err != nil {
		return nil, e.fail(settle.WrapPaymentError(settle.ErrCodeInvalidRequest, err, "failed to build instructions"))
	}
	instructions = append(instructions, system.NewTransferInstruction(lamports, e.signer.Address(), to).Build())
	if memo != "" {
		instructions = append(instructions, newMemoInstruction(memo))
	}
	return e.execute(ctx, instructions, "system")
}

// BuildTransferRequest resolves the token program, mint precision and
// associated token accounts for a transfer from the signer to recipient.
func (e *Engine) BuildTransferRequest(ctx context.Context, recipient, mint solana.PublicKey, amount uint64) (*TransferRequest, error) {
	variant, err := e.resolver.Resolve(ctx, mint)
	if err != nil {
		return nil, err
	}

	decimals, owner, err := e.fetchMint(ctx, mint)
	if err != nil {
		return nil, err
	}
	// The mint account owner is authoritative over the suffix hint
	if owner != variant.ProgramID {
		actual, err := variantFromOwner(mint, owner)
		if err != nil {
			return nil, err
		}
		e.logger.Warn("mint program hint disagreed with chain",
			"mint", mint.String(), "hint", variant.String(), "owner", actual.String())
		variant = actual
	}

	sender := e.signer.Address()
	source, err := variant.FindAssociatedTokenAddress(sender, mint)
	if err != nil {
		return nil, settle.WrapPaymentError(settle.ErrCodeInvalidRequest, err, "failed to derive source account")
	}
	destination, err := variant.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return nil, settle.WrapPaymentError(settle.ErrCodeInvalidRequest, err, "failed to derive destination account")
	}

	return &TransferRequest{
		Sender:         sender,
		Recipient:      recipient,
		Mint:           mint,
		Amount:         amount,
		Decimals:       decimals,
		Program:        variant,
		SourceATA:      source,
		DestinationATA: destination,
	}, nil
}

// Instructions returns the transfer's instructions: idempotent destination
// account creation, TransferChecked, and an optional memo.
func (r *TransferRequest) Instructions() ([]solana.Instruction, error) {
	createATA, err := r.Program.NewCreateIdempotentATAInstruction(r.Sender, r.Recipient, r.Mint)
	if err != nil {
		return nil, err
	}
	transfer, err := r.Program.NewTransferCheckedInstruction(
		r.Amount, r.Decimals, r.SourceATA, r.Mint, r.DestinationATA, r.Sender)
	if err != nil {
		return nil, err
	}
	out := []solana.Instruction{createATA, transfer}
	if r.Memo != "" {
		out = append(out, newMemoInstruction(r.Memo))
	}
	return out, nil
}

func (e *Engine) fetchMint(ctx context.Context, mint solana.PublicKey) (uint8, solana.PublicKey, error) {
	account, err := e.rpc.GetAccountInfo(ctx, mint)
	if err != nil || account == nil || account.Value == nil || account.Value.Data == nil {
		if err == nil {
			err = rpc.ErrNotFound
		}
		return 0, solana.PublicKey{}, settle.WrapPaymentError(settle.ErrCodeMintLookupFailed, err,
			"failed to load mint %s", mint)
	}

	var mintData token.Mint
	if err := bin.NewBinDecoder(account.Value.Data.GetBinary()).Decode(&mintData); err != nil {
		return 0, solana.PublicKey{}, settle.WrapPaymentError(settle.ErrCodeMintLookupFailed, err,
			"failed to decode mint %s", mint)
	}
	if !mintData.IsInitialized {
		return 0, solana.PublicKey{}, settle.NewPaymentError(settle.ErrCodeMintLookupFailed,
			"mint "+mint.String()+" is not initialized", nil)
	}
	return mintData.Decimals, account.Value.Owner, nil
}

// execute prepends the compute budget, signs, submits and confirms
func (e *Engine) execute(ctx context.Context, instructions []solana.Instruction, program string) (*settle.TransferResult, error) {
	if len(instructions) > 0 && instructions[0].ProgramID() != solana.ComputeBudget {
		budget, err := e.computeBudget()
		if err != nil {
			return nil, e.fail(settle.WrapPaymentError(settle.ErrCodeInvalidRequest, err, "failed to build compute budget"))
		}
		instructions = append(budget, instructions...)
	}

	signature, err := e.signAndSubmit(ctx, instructions)
	if err != nil {
		return nil, e.fail(err)
	}

	submitted := e.now()
	slot, err := e.confirm(ctx, signature)
	if err != nil {
		return nil, e.fail(err)
	}
	e.metrics.ObserveTransfer(program, e.now().Sub(submitted))

	return &settle.TransferResult{
		Signature: signature.String(),
		Program:   program,
		Slot:      slot,
	}, nil
}

func (e *Engine) computeBudget() ([]solana.Instruction, error) {
	cuLimit, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().
		SetUnits(e.computeUnitLimit).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build compute limit instruction: %w", err)
	}
	cuPrice, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().
		SetMicroLamports(e.computeUnitPrice).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build compute price instruction: %w", err)
	}
	return []solana.Instruction{cuLimit, cuPrice}, nil
}

// signAndSubmit fetches a checkpoint, signs and submits. An expired checkpoint
// is replaced exactly once; every other failure is returned as is.
func (e *Engine) signAndSubmit(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	var lastErr error
	for attempt := 0; attempt <= checkpointRetries; attempt++ {
		checkpoint, err := e.LatestCheckpoint(ctx)
		if err != nil {
			return solana.Signature{}, err
		}

		tx, err := solana.NewTransaction(instructions, checkpoint.Blockhash, solana.TransactionPayer(e.signer.Address()))
		if err != nil {
			return solana.Signature{}, settle.WrapPaymentError(settle.ErrCodeInvalidRequest, err, "failed to create transaction")
		}

		if err := e.signer.SignTransaction(ctx, tx); err != nil {
			return solana.Signature{}, classifySigningError(err)
		}

		signature, err := e.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: e.commitment,
		})
		if err == nil {
			return signature, nil
		}
		if !IsBlockhashExpired(err) {
			return solana.Signature{}, classifySubmissionError(err)
		}
		e.logger.Warn("checkpoint expired before submission", "attempt", attempt+1, "error", err)
		lastErr = err
	}
	return solana.Signature{}, settle.WrapPaymentError(settle.ErrCodeSubmissionFailed, lastErr, "checkpoint expired twice")
}

// LatestCheckpoint fetches a recent blockhash and its expiry height
func (e *Engine) LatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	latest, err := e.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil || latest == nil || latest.Value == nil {
		if err == nil {
			err = errors.New("empty blockhash response")
		}
		return nil, settle.WrapPaymentError(settle.ErrCodeSubmissionFailed, err, "failed to get latest blockhash")
	}
	return &Checkpoint{
		Blockhash:            latest.Value.Blockhash,
		LastValidBlockHeight: latest.Value.LastValidBlockHeight,
	}, nil
}

// confirm polls the signature status until it is confirmed or the timeout elapses
func (e *Engine) confirm(ctx context.Context, signature solana.Signature) (uint64, error) {
	deadline := time.NewTimer(e.confirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	timeout := func(cause error) error {
		return settle.WrapPaymentError(settle.ErrCodeConfirmationTimeout, cause,
			"transaction %s not confirmed within %s", signature, e.confirmTimeout).
			WithSignature(signature.String())
	}

	for {
		statuses, err := e.rpc.GetSignatureStatuses(ctx, false, signature)
		switch {
		case err != nil:
			e.logger.Debug("signature status poll failed", "signature", signature.String(), "error", err)
		case statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil:
			status := statuses.Value[0]
			if status.Err != nil {
				cause := fmt.Errorf("%v", status.Err)
				pe := classifySubmissionError(cause)
				pe.Message = "transaction failed on-chain: " + pe.Message
				return 0, pe.WithSignature(signature.String())
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return status.Slot, nil
			}
		}

		select {
		case <-ctx.Done():
			return 0, timeout(ctx.Err())
		case <-deadline.C:
			return 0, timeout(nil)
		case <-ticker.C:
		}
	}
}

func (e *Engine) fail(err error) error {
	e.metrics.RecordTransferError(settle.CodeOf(err))
	return err
}

func newMemoInstruction(memo string) solana.Instruction {
	return solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{}, []byte(memo))
}

var (
	_ settle.TransferEngine   = (*Engine)(nil)
	_ settle.NativeTransferer = (*Engine)(nil)
)
