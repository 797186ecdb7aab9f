// Package verifier is a local counterpart for development: it answers the
// settlement channel's eligibility, settlement and ledger messages from
// in-memory rules and pushes balance and withdrawal updates.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"

	settle "github.com/waddle-labs/settle"
	"github.com/waddle-labs/settle/channel"
	"github.com/waddle-labs/settle/intent"
	"github.com/waddle-labs/settle/ledger"
	"github.com/waddle-labs/settle/observability"
)

// DefaultLamportsPerPebble prices one pebble at 0.001 SOL
const DefaultLamportsPerPebble uint64 = 1_000_000

// Rules configure how the verifier answers
type Rules struct {
	// Satisfied reference ids answer AlreadySatisfied
	Satisfied []string
	// Closed maps reference ids to the reason they are ineligible
	Closed map[string]string

	LamportsPerPebble uint64
	RakeBps           uint32
	MinWithdrawal     uint64
	// Liquidity in lamports available for instant withdrawals; the rest queue
	Liquidity uint64
}

// SignatureChecker confirms that a direct transfer landed
type SignatureChecker interface {
	Confirmed(ctx context.Context, signature string) (bool, error)
}

// StatusReader is the slice of the Solana RPC used by RPCChecker
type StatusReader interface {
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// RPCChecker checks signatures against a Solana RPC node
type RPCChecker struct {
	RPC StatusReader
}

// Confirmed reports whether signature reached confirmed commitment without error
func (c RPCChecker) Confirmed(ctx context.Context, signature string) (bool, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature: %w", err)
	}
	out, err := c.RPC.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return false, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return false, nil
	}
	status := out.Value[0]
	if status.Err != nil {
		return false, nil
	}
	return status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
		status.ConfirmationStatus == rpc.ConfirmationStatusFinalized, nil
}

// Verifier holds the counterpart's state
type Verifier struct {
	rules   Rules
	checker SignatureChecker
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu          sync.Mutex
	satisfied   map[string]bool
	nonces      map[string]bool
	signatures  map[string]bool
	pebbles     uint64
	sequence    uint64
	liquidity   uint64
	withdrawals map[string]*ledger.WithdrawalRecord
	queue       []string
}

// Option configures a Verifier
type Option func(*Verifier)

// WithSignatureChecker verifies direct transfer signatures on-chain.
// Without one, any unseen signature is accepted.
func WithSignatureChecker(c SignatureChecker) Option {
	return func(v *Verifier) { v.checker = c }
}

// WithLogger overrides the default logger
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

// WithMetrics records verdicts and withdrawals
func WithMetrics(m *observability.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// WithClock sets the clock used for intent expiry
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// New creates a verifier with rules
func New(rules Rules, opts ...Option) *Verifier {
	if rules.LamportsPerPebble == 0 {
		rules.LamportsPerPebble = DefaultLamportsPerPebble
	}
	v := &Verifier{
		rules:       rules,
		logger:      slog.Default(),
		now:         time.Now,
		satisfied:   make(map[string]bool),
		nonces:      make(map[string]bool),
		signatures:  make(map[string]bool),
		liquidity:   rules.Liquidity,
		withdrawals: make(map[string]*ledger.WithdrawalRecord),
	}
	for _, ref := range rules.Satisfied {
		v.satisfied[ref] = true
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Balance returns the current pebble balance and its sequence
func (v *Verifier) Balance() (uint64, uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pebbles, v.sequence
}

// Handle answers one inbound envelope. reply is nil for fire-and-forget
// messages; pushes go to every connected client.
func (v *Verifier) Handle(ctx context.Context, env channel.Envelope) (reply *channel.Envelope, pushes []channel.Envelope) {
	var (
		payload interface{}
		err     error
	)
	switch env.Type {
	case channel.TypeEligibilityQuery:
		var q settle.EligibilityQuery
		if err = env.Decode(&q); err == nil {
			payload = v.eligibility(q)
		}
	case channel.TypeSettlementSubmit:
		var s settle.SettlementSubmission
		if err = env.Decode(&s); err == nil {
			payload = v.settle(ctx, s)
		}
	case channel.TypeDepositNotify:
		var n ledger.DepositNotification
		if err = env.Decode(&n); err == nil {
			pushes = v.deposit(ctx, n)
		}
	case channel.TypeWithdrawalRequest:
		var r ledger.WithdrawalRequest
		if err = env.Decode(&r); err == nil {
			payload, pushes = v.withdraw(r)
		}
	case channel.TypeWithdrawalCancel:
		var r ledger.CancelRequest
		if err = env.Decode(&r); err == nil {
			payload, pushes = v.cancel(r)
		}
	default:
		err = fmt.Errorf("unsupported message type %q", env.Type)
	}

	if err != nil {
		v.logger.Warn("rejecting message", "type", string(env.Type), "id", env.ID, "error", err)
		out, _ := channel.NewEnvelope(channel.TypeError, env.ID, env.ReferenceID, channel.ErrorPayload{Code: "bad_request", Message: err.Error()})
		return &out, nil
	}
	if payload == nil {
		return nil, pushes
	}
	responseType, _ := channel.ResponseType(env.Type)
	out, err := channel.NewEnvelope(responseType, env.ID, env.ReferenceID, payload)
	if err != nil {
		v.logger.Error("encode reply", "type", string(responseType), "error", err)
		return nil, pushes
	}
	return &out, pushes
}

func (v *Verifier) eligibility(q settle.EligibilityQuery) settle.EligibilityResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	result := settle.EligibilityResult{ReferenceID: q.ReferenceID}
	if v.satisfied[q.ReferenceID] {
		result.CanProceed = true
		result.AlreadySatisfied = true
		return result
	}
	if reason, closed := v.rules.Closed[q.ReferenceID]; closed {
		result.Reason = "closed"
		result.Message = reason
		return result
	}
	result.CanProceed = true
	return result
}

func (v *Verifier) settle(ctx context.Context, s settle.SettlementSubmission) settle.SettlementResult {
	result := settle.SettlementResult{ReferenceID: s.ReferenceID}
	reject := func(code, msg string) settle.SettlementResult {
		result.Error = code
		result.Message = msg
		v.metrics.RecordAttempt(string(s.Purpose), "rejected")
		v.logger.Info("settlement rejected", "reference_id", s.ReferenceID, "error", code)
		return result
	}

	switch {
	case s.IntentPayload != "":
		p, err := intent.DecodeAndVerify(s.IntentPayload, v.now())
		if err != nil {
			return reject("invalid_intent", err.Error())
		}
		if _, ref, ok := intent.ParseMemo(p.Memo); !ok || ref != s.ReferenceID {
			return reject("reference_mismatch", "intent memo does not name this reference")
		}
		v.mu.Lock()
		if v.nonces[p.Nonce] {
			v.mu.Unlock()
			return reject("nonce_reused", "intent already consumed")
		}
		v.nonces[p.Nonce] = true
		v.satisfied[s.ReferenceID] = true
		v.mu.Unlock()

	case s.Signature != "":
		if v.checker != nil {
			ok, err := v.checker.Confirmed(ctx, s.Signature)
			if err != nil {
				return reject("lookup_failed", err.Error())
			}
			if !ok {
				return reject("not_confirmed", "transaction not confirmed")
			}
		}
		v.mu.Lock()
		if v.signatures[s.Signature] {
			v.mu.Unlock()
			return reject("signature_reused", "transaction already credited")
		}
		v.signatures[s.Signature] = true
		v.satisfied[s.ReferenceID] = true
		v.mu.Unlock()

	default:
		return reject("missing_artifact", "submission carries neither signature nor intent")
	}

	v.metrics.RecordAttempt(string(s.Purpose), "verified")
	result.Success = true
	return result
}

// deposit credits a notified transfer. With a SignatureChecker configured the
// transfer must be confirmed on-chain first; the claimed amount is trusted
// only for unchecked dev runs.
func (v *Verifier) deposit(ctx context.Context, n ledger.DepositNotification) []channel.Envelope {
	if n.Signature == "" {
		v.logger.Warn("ignoring deposit notification without signature")
		return nil
	}
	if v.checker != nil {
		ok, err := v.checker.Confirmed(ctx, n.Signature)
		if err != nil || !ok {
			v.logger.Warn("deposit not confirmed", "signature", n.Signature, "error", err)
			return nil
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.signatures[n.Signature] {
		v.logger.Warn("ignoring repeated deposit notification", "signature", n.Signature)
		return nil
	}
	v.signatures[n.Signature] = true
	credited := n.Lamports / v.rules.LamportsPerPebble
	v.pebbles += credited
	v.logger.Info("deposit credited", "signature", n.Signature, "pebbles", credited)
	return []channel.Envelope{v.balancePushLocked()}
}

func (v *Verifier) withdraw(r ledger.WithdrawalRequest) (ledger.WithdrawalResult, []channel.Envelope) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if r.Pebbles < v.rules.MinWithdrawal {
		return ledger.WithdrawalResult{Error: fmt.Sprintf("minimum withdrawal is %d", v.rules.MinWithdrawal)}, nil
	}
	if r.Pebbles > v.pebbles {
		return ledger.WithdrawalResult{Error: "insufficient balance"}, nil
	}
	v.pebbles -= r.Pebbles

	rake, net := ledger.ComputeRake(r.Pebbles, v.rules.RakeBps)
	now := v.now()
	w := &ledger.WithdrawalRecord{
		ID:          uuid.NewString(),
		Requested:   r.Pebbles,
		Rake:        rake,
		Net:         net,
		ChainAmount: net * v.rules.LamportsPerPebble,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if w.ChainAmount <= v.liquidity {
		v.liquidity -= w.ChainAmount
		w.Status = ledger.StatusCompleted
		w.Signature = "dev-" + uuid.NewString()
	} else {
		v.queue = append(v.queue, w.ID)
		w.Status = ledger.StatusQueued
		w.QueuePosition = len(v.queue)
	}
	v.withdrawals[w.ID] = w
	v.metrics.RecordWithdrawal(string(w.Status))

	result := ledger.WithdrawalResult{
		WithdrawalID:  w.ID,
		Status:        w.Status,
		QueuePosition: w.QueuePosition,
		Rake:          rake,
		Net:           net,
		ChainAmount:   w.ChainAmount,
		Signature:     w.Signature,
	}
	return result, []channel.Envelope{v.balancePushLocked()}
}

func (v *Verifier) cancel(r ledger.CancelRequest) (ledger.CancelResult, []channel.Envelope) {
	v.mu.Lock()
	defer v.mu.Unlock()

	result := ledger.CancelResult{WithdrawalID: r.WithdrawalID}
	w, ok := v.withdrawals[r.WithdrawalID]
	if !ok {
		result.Error = "unknown withdrawal"
		return result, nil
	}
	if !w.Status.Cancellable() {
		result.Error = fmt.Sprintf("withdrawal is %s", w.Status)
		return result, nil
	}

	w.Status = ledger.StatusCancelled
	w.QueuePosition = 0
	w.UpdatedAt = v.now()
	v.pebbles += w.Requested
	pushes := v.dequeueLocked(r.WithdrawalID)
	v.metrics.RecordWithdrawal(string(ledger.StatusCancelled))

	result.Success = true
	result.Refunded = w.Requested
	return result, append(pushes, v.balancePushLocked())
}

// dequeueLocked removes id from the queue and pushes new positions for the
// withdrawals behind it
func (v *Verifier) dequeueLocked(id string) []channel.Envelope {
	var pushes []channel.Envelope
	kept := v.queue[:0]
	for _, queued := range v.queue {
		if queued == id {
			continue
		}
		kept = append(kept, queued)
		w := v.withdrawals[queued]
		if pos := len(kept); pos != w.QueuePosition {
			w.QueuePosition = pos
			env, err := channel.NewEnvelope(channel.TypeWithdrawalUpdate, "", queued, ledger.WithdrawalUpdate{
				WithdrawalID:  queued,
				Status:        w.Status,
				QueuePosition: pos,
			})
			if err == nil {
				pushes = append(pushes, env)
			}
		}
	}
	v.queue = kept
	return pushes
}

func (v *Verifier) balancePushLocked() channel.Envelope {
	v.sequence++
	env, _ := channel.NewEnvelope(channel.TypeBalanceUpdate, "", "", ledger.BalanceUpdate{
		Pebbles:  v.pebbles,
		Sequence: v.sequence,
	})
	return env
}
