package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	settle "github.com/waddle-labs/settle"
	"github.com/waddle-labs/settle/observability"
)

const (
	// DefaultMinWithdrawal in pebbles
	DefaultMinWithdrawal uint64 = 100
	// DefaultRakeBps is 5%
	DefaultRakeBps uint32 = 500
	// DefaultNotifyTimeout bounds the fire-and-forget deposit notification
	DefaultNotifyTimeout = 10 * time.Second
)

// NativeTransferer moves the chain's native currency
type NativeTransferer interface {
	TransferNative(ctx context.Context, recipient string, lamports uint64, memo string) (*settle.TransferResult, error)
}

// Config holds ledger parameters agreed with the counterpart
type Config struct {
	Treasury      string // deposit recipient
	MinWithdrawal uint64
	RakeBps       uint32
	NotifyTimeout time.Duration
}

// Balance is the cached premium balance. Stale is set after a local action
// that the counterpart has not yet acknowledged with a push.
type Balance struct {
	Pebbles   uint64
	Sequence  uint64
	UpdatedAt time.Time
	Known     bool
	Stale     bool
}

// Client drives deposit, withdrawal and cancellation flows against the
// counterpart and mirrors the resulting state.
type Client struct {
	counterpart Counterpart
	transfers   NativeTransferer
	cfg         Config
	logger      *slog.Logger
	metrics     *observability.Metrics
	now         func() time.Time

	mu          sync.RWMutex
	balance     Balance
	withdrawals map[string]*WithdrawalRecord

	notifyWG sync.WaitGroup
}

// Option configures the client
type Option func(*Client)

// WithLogger overrides the default logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics records withdrawal outcomes
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock sets the function used for timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a ledger client. transfers may be nil when deposits are not used.
func NewClient(counterpart Counterpart, transfers NativeTransferer, cfg Config, opts ...Option) *Client {
	if cfg.MinWithdrawal == 0 {
		cfg.MinWithdrawal = DefaultMinWithdrawal
	}
	if cfg.RakeBps == 0 {
		cfg.RakeBps = DefaultRakeBps
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	c := &Client{
		counterpart: counterpart,
		transfers:   transfers,
		cfg:         cfg,
		logger:      slog.Default(),
		now:         time.Now,
		withdrawals: make(map[string]*WithdrawalRecord),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deposit transfers lamports to the treasury and, once confirmed, notifies the
// counterpart without waiting for an answer. The balance is never credited
// locally; it changes only when the counterpart pushes an update.
func (c *Client) Deposit(ctx context.Context, lamports uint64) (*settle.TransferResult, error) {
	if c.transfers == nil {
		return nil, settle.NewPaymentError(settle.ErrCodeInvalidRequest, "no transfer engine configured", nil)
	}
	if c.cfg.Treasury == "" {
		return nil, settle.NewPaymentError(settle.ErrCodeInvalidRequest, "no treasury configured", nil)
	}

	depositID := uuid.NewString()
	result, err := c.transfers.TransferNative(ctx, c.cfg.Treasury, lamports, settle.FormatMemo(settle.PurposeDeposit, depositID))
	if err != nil {
		return nil, err
	}
	c.markStale()

	notification := DepositNotification{Signature: result.Signature, Lamports: lamports}
	c.notifyWG.Add(1)
	go func() {
		defer c.notifyWG.Done()
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.NotifyTimeout)
		defer cancel()
		if c.counterpart == nil {
			c.logger.Warn("deposit landed but no counterpart to notify", "signature", result.Signature)
			return
		}
		if err := c.counterpart.NotifyDeposit(notifyCtx, notification); err != nil {
			c.logger.Warn("deposit notification failed", "signature", result.Signature, "error", err)
			return
		}
		c.logger.Info("deposit notified", "signature", result.Signature, "lamports", lamports)
	}()

	return result, nil
}

// WaitNotifications blocks until in-flight deposit notifications finish
func (c *Client) WaitNotifications() {
	c.notifyWG.Wait()
}

// RequestWithdrawal asks the counterpart to withdraw pebbles. The returned
// record is completed or queued depending on available liquidity.
func (c *Client) RequestWithdrawal(ctx context.Context, pebbles uint64) (*WithdrawalRecord, error) {
	if pebbles < c.cfg.MinWithdrawal {
		return nil, fmt.Errorf("%w: %d < %d", ErrBelowMinimum, pebbles, c.cfg.MinWithdrawal)
	}
	if c.counterpart == nil {
		return nil, settle.ErrNotConnected
	}

	requestID := uuid.NewString()
	result, err := c.counterpart.RequestWithdrawal(ctx, WithdrawalRequest{RequestID: requestID, Pebbles: pebbles})
	if err != nil {
		return nil, fmt.Errorf("withdrawal request: %w", err)
	}
	if result.Error != "" {
		c.metrics.RecordWithdrawal("rejected")
		return nil, fmt.Errorf("withdrawal rejected: %s", result.Error)
	}
	if !result.Status.Valid() || result.Status == StatusCancelled {
		return nil, fmt.Errorf("withdrawal request: unexpected status %q", result.Status)
	}

	rake, net := ComputeRake(pebbles, c.cfg.RakeBps)
	if result.Net != 0 || result.Rake != 0 {
		if result.Net != net || result.Rake != rake {
			c.logger.Warn("counterpart rake differs from local computation",
				"requested", pebbles, "rake", result.Rake, "net", result.Net, "local_rake", rake, "local_net", net)
		}
		rake, net = result.Rake, result.Net
	}

	id := result.WithdrawalID
	if id == "" {
		id = requestID
	}
	now := c.now()
	record := &WithdrawalRecord{
		ID:          id,
		Requested:   pebbles,
		Rake:        rake,
		Net:         net,
		ChainAmount: result.ChainAmount,
		Status:      result.Status,
		Signature:   result.Signature,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if record.Status == StatusQueued {
		record.QueuePosition = result.QueuePosition
	}

	c.mu.Lock()
	c.withdrawals[id] = record
	c.balance.Stale = true
	out := *record
	c.mu.Unlock()

	c.metrics.RecordWithdrawal(string(record.Status))
	c.logger.Info("withdrawal requested", "withdrawal_id", id, "status", string(record.Status),
		"requested", pebbles, "rake", rake, "net", net, "queue_position", record.QueuePosition)
	return &out, nil
}

// CancelWithdrawal cancels a pending or queued withdrawal and returns the
// cancelled record together with the refund, which is always the full requested amount.
func (c *Client) CancelWithdrawal(ctx context.Context, id string) (*WithdrawalRecord, uint64, error) {
	c.mu.RLock()
	record, ok := c.withdrawals[id]
	var status WithdrawalStatus
	if ok {
		status = record.Status
	}
	c.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownWithdrawal, id)
	}
	if !status.Cancellable() {
		return nil, 0, fmt.Errorf("%w: status %s", ErrCancelNotAllowed, status)
	}
	if c.counterpart == nil {
		return nil, 0, settle.ErrNotConnected
	}

	result, err := c.counterpart.CancelWithdrawal(ctx, CancelRequest{WithdrawalID: id})
	if err != nil {
		return nil, 0, fmt.Errorf("cancel withdrawal: %w", err)
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "rejected by counterpart"
		}
		return nil, 0, fmt.Errorf("%w: %s", ErrCancelNotAllowed, msg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A cancelled push may land before the reply; it confirms the same outcome
	if record.Status != StatusCancelled {
		if err := record.advance(StatusCancelled, 0, "", c.now()); err != nil {
			return nil, 0, err
		}
		c.metrics.RecordWithdrawal(string(StatusCancelled))
	}
	refund := record.Requested
	if result.Refunded != 0 && result.Refunded != refund {
		c.logger.Warn("counterpart refund differs from requested amount",
			"withdrawal_id", id, "refunded", result.Refunded, "requested", refund)
	}
	c.balance.Stale = true
	out := *record
	return &out, refund, nil
}

// ApplyBalance installs a pushed balance. Updates older than the cached one are ignored.
func (c *Client) ApplyBalance(update BalanceUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balance.Known && update.Sequence != 0 && update.Sequence < c.balance.Sequence {
		c.logger.Debug("ignoring stale balance update", "sequence", update.Sequence, "current", c.balance.Sequence)
		return
	}
	c.balance = Balance{
		Pebbles:   update.Pebbles,
		Sequence:  update.Sequence,
		UpdatedAt: c.now(),
		Known:     true,
	}
}

// ApplyWithdrawalUpdate moves the mirrored record forward. Updates for unknown
// ids create a record; backward transitions are rejected.
func (c *Client) ApplyWithdrawalUpdate(update WithdrawalUpdate) error {
	if !update.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, update.Status)
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.withdrawals[update.WithdrawalID]
	if !ok {
		c.withdrawals[update.WithdrawalID] = &WithdrawalRecord{
			ID:            update.WithdrawalID,
			Status:        update.Status,
			QueuePosition: update.QueuePosition,
			Signature:     update.Signature,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return nil
	}
	if err := record.advance(update.Status, update.QueuePosition, update.Signature, now); err != nil {
		c.logger.Warn("rejected withdrawal update", "withdrawal_id", update.WithdrawalID, "error", err)
		return err
	}
	if update.Status.Terminal() {
		c.metrics.RecordWithdrawal(string(update.Status))
	}
	return nil
}

// Balance returns the cached balance
func (c *Client) Balance() Balance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balance
}

// Withdrawal returns a copy of the mirrored record
func (c *Client) Withdrawal(id string) (*WithdrawalRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.withdrawals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWithdrawal, id)
	}
	out := *record
	return &out, nil
}

// Withdrawals returns all mirrored records, oldest first
func (c *Client) Withdrawals() []WithdrawalRecord {
	c.mu.RLock()
	out := make([]WithdrawalRecord, 0, len(c.withdrawals))
	for _, r := range c.withdrawals {
		out = append(out, *r)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (c *Client) markStale() {
	c.mu.Lock()
	c.balance.Stale = true
	c.mu.Unlock()
}

// Restore seeds the mirror with previously persisted records. Records already
// known are kept as they are.
func (c *Client) Restore(records ...WithdrawalRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range records {
		if _, ok := c.withdrawals[records[i].ID]; ok {
			continue
		}
		r := records[i]
		c.withdrawals[r.ID] = &r
	}
}
