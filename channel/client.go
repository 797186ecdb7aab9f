package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	settle "github.com/waddle-labs/settle"
	"github.com/waddle-labs/settle/ledger"
	"github.com/waddle-labs/settle/observability"
)

const (
	// DefaultWriteTimeout bounds each frame write
	DefaultWriteTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds a request when the caller's context has no earlier deadline
	DefaultRequestTimeout = 30 * time.Second
	// maxMessageBytes caps inbound frames
	maxMessageBytes = 1 << 20
)

// PushHandler receives unsolicited envelopes of a subscribed type
type PushHandler func(Envelope)

// Client is the client end of the counterpart channel
type Client struct {
	url            string
	header         http.Header
	writeTimeout   time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger
	metrics        *observability.Metrics
	correlator     *Correlator

	mu     sync.RWMutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	subMu    sync.RWMutex
	handlers map[MessageType][]PushHandler
}

// Option configures a Client
type Option func(*Client)

// WithHeader adds headers (e.g. authorization) to the websocket handshake
func WithHeader(header http.Header) Option {
	return func(c *Client) { c.header = header }
}

// WithWriteTimeout overrides DefaultWriteTimeout
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

// WithRequestTimeout overrides DefaultRequestTimeout
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithLogger overrides the default logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics counts dropped responses
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for the websocket endpoint at url. It does not dial.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:            url,
		writeTimeout:   DefaultWriteTimeout,
		requestTimeout: DefaultRequestTimeout,
		logger:         slog.Default(),
		correlator:     NewCorrelator(),
		handlers:       make(map[MessageType][]PushHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the counterpart and starts the read loop. Connecting an
// already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(maxMessageBytes)

	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.readLoop(readCtx, conn, c.done)

	c.logger.Info("counterpart channel connected", "url", c.url)
	return nil
}

// Close closes the socket and fails every outstanding request
func (c *Client) Close() error {
	c.mu.Lock()
	conn, cancel, done := c.conn, c.cancel, c.done
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := conn.Close(websocket.StatusNormalClosure, "client closing")
	cancel()
	<-done
	return err
}

// Connected reports whether the socket is open
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Subscribe registers h for pushes of type t
func (c *Client) Subscribe(t MessageType, h PushHandler) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.handlers[t] = append(c.handlers[t], h)
}

// Send writes a message that expects no answer
func (c *Client) Send(ctx context.Context, t MessageType, referenceID string, payload interface{}) error {
	env, err := NewEnvelope(t, uuid.NewString(), referenceID, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, env)
}

// Request writes a message and waits for the correlated answer, decoding its
// payload into out. The wait ends at the earlier of ctx's deadline and the
// request timeout.
func (c *Client) Request(ctx context.Context, t MessageType, referenceID string, payload, out interface{}) error {
	responseType, ok := ResponseType(t)
	if !ok {
		return fmt.Errorf("%s expects no response", t)
	}
	if !c.Connected() {
		return settle.ErrNotConnected
	}

	id := uuid.NewString()
	env, err := NewEnvelope(t, id, referenceID, payload)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ch, err := c.correlator.Register(id, AliasKey(responseType, referenceID), deadline)
	if err != nil {
		return err
	}

	if err := c.write(ctx, env); err != nil {
		c.correlator.Cancel(id)
		return err
	}

	select {
	case resp := <-ch:
		if resp.Err != nil {
			return resp.Err
		}
		return decodeResponse(resp.Envelope, responseType, out)
	case <-ctx.Done():
		c.correlator.Cancel(id)
		return ctx.Err()
	}
}

func decodeResponse(env Envelope, want MessageType, out interface{}) error {
	switch env.Type {
	case want:
		return env.Decode(out)
	case TypeError:
		var payload ErrorPayload
		if err := env.Decode(&payload); err != nil {
			return &RemoteError{Message: "unreadable error response"}
		}
		return &RemoteError{Code: payload.Code, Message: payload.Message}
	default:
		return fmt.Errorf("expected %s response, got %s", want, env.Type)
	}
}

func (c *Client) write(ctx context.Context, env Envelope) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return settle.ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			c.dropConnection(conn, err)
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("discarding malformed frame", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	if IsPush(env.Type) {
		c.subMu.RLock()
		handlers := append([]PushHandler(nil), c.handlers[env.Type]...)
		c.subMu.RUnlock()
		if len(handlers) == 0 {
			c.logger.Debug("push without subscriber", "type", string(env.Type))
		}
		for _, h := range handlers {
			h(env)
		}
		return
	}

	if c.correlator.Resolve(env) {
		return
	}
	c.metrics.RecordDroppedResponse()
	c.logger.Warn("dropping uncorrelated message",
		"type", string(env.Type), "id", env.ID, "reference_id", env.ReferenceID)
}

func (c *Client) dropConnection(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	if websocket.CloseStatus(cause) == websocket.StatusNormalClosure || errors.Is(cause, context.Canceled) {
		c.logger.Info("counterpart channel closed")
	} else {
		c.logger.Warn("counterpart channel lost", "error", cause)
	}
	c.correlator.FailAll(ErrConnectionLost)
}

// ============================================================================
// settle.Counterpart
// ============================================================================

// CheckEligibility asks whether a payment is needed for query.ReferenceID
func (c *Client) CheckEligibility(ctx context.Context, query settle.EligibilityQuery) (*settle.EligibilityResult, error) {
	var result settle.EligibilityResult
	if err := c.Request(ctx, TypeEligibilityQuery, query.ReferenceID, query, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitSettlement posts the payment artifact and waits for the verdict
func (c *Client) SubmitSettlement(ctx context.Context, submission settle.SettlementSubmission) (*settle.SettlementResult, error) {
	var result settle.SettlementResult
	if err := c.Request(ctx, TypeSettlementSubmit, submission.ReferenceID, submission, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ============================================================================
// ledger.Counterpart
// ============================================================================

// NotifyDeposit sends the deposit notification without waiting
func (c *Client) NotifyDeposit(ctx context.Context, notification ledger.DepositNotification) error {
	return c.Send(ctx, TypeDepositNotify, notification.Signature, notification)
}

// RequestWithdrawal asks for a withdrawal and waits for the completed or queued answer
func (c *Client) RequestWithdrawal(ctx context.Context, request ledger.WithdrawalRequest) (*ledger.WithdrawalResult, error) {
	var result ledger.WithdrawalResult
	if err := c.Request(ctx, TypeWithdrawalRequest, request.RequestID, request, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelWithdrawal asks to cancel a pending or queued withdrawal
func (c *Client) CancelWithdrawal(ctx context.Context, request ledger.CancelRequest) (*ledger.CancelResult, error) {
	var result ledger.CancelResult
	if err := c.Request(ctx, TypeWithdrawalCancel, request.WithdrawalID, request, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BindLedger routes balance and withdrawal pushes into l
func (c *Client) BindLedger(l *ledger.Client) {
	c.Subscribe(TypeBalanceUpdate, func(env Envelope) {
		var update ledger.BalanceUpdate
		if err := env.Decode(&update); err != nil {
			c.logger.Warn("bad balance update", "error", err)
			return
		}
		l.ApplyBalance(update)
	})
	c.Subscribe(TypeWithdrawalUpdate, func(env Envelope) {
		var update ledger.WithdrawalUpdate
		if err := env.Decode(&update); err != nil {
			c.logger.Warn("bad withdrawal update", "error", err)
			return
		}
		_ = l.ApplyWithdrawalUpdate(update)
	})
}

var (
	_ settle.Counterpart = (*Client)(nil)
	_ ledger.Counterpart = (*Client)(nil)
)
