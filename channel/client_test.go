package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	settle "github.com/waddle-labs/settle"
	"github.com/waddle-labs/settle/ledger"
)

// responder returns the frames to send back for one inbound envelope
type responder func(env Envelope) []Envelope

type testServer struct {
	*httptest.Server
	mu       sync.Mutex
	received []Envelope
	conns    []*websocket.Conn
}

func newTestServer(t *testing.T, respond responder) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()
		defer conn.Close(websocket.StatusNormalClosure, "done")

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			ts.mu.Lock()
			ts.received = append(ts.received, env)
			ts.mu.Unlock()
			go func(env Envelope) {
				for _, out := range respond(env) {
					raw, _ := json.Marshal(out)
					if err := conn.Write(r.Context(), websocket.MessageText, raw); err != nil {
						return
					}
				}
			}(env)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) push(t *testing.T, env Envelope) {
	t.Helper()
	ts.mu.Lock()
	conn := ts.conns[len(ts.conns)-1]
	ts.mu.Unlock()
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, raw))
}

func (ts *testServer) receivedTypes() []MessageType {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var out []MessageType
	for _, env := range ts.received {
		out = append(out, env.Type)
	}
	return out
}

func reply(t MessageType, req Envelope, payload interface{}) Envelope {
	env, _ := NewEnvelope(t, req.ID, req.ReferenceID, payload)
	return env
}

func connect(t *testing.T, ts *testServer, opts ...Option) *Client {
	t.Helper()
	c := NewClient(ts.wsURL(), opts...)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws")
	_, err := c.CheckEligibility(context.Background(), settle.EligibilityQuery{ReferenceID: "igloo7"})
	require.ErrorIs(t, err, settle.ErrNotConnected)
	require.ErrorIs(t, c.NotifyDeposit(context.Background(), ledger.DepositNotification{Signature: "s"}), settle.ErrNotConnected)
}

func TestClient_EligibilityAndSettlement(t *testing.T) {
	ts := newTestServer(t, func(env Envelope) []Envelope {
		switch env.Type {
		case TypeEligibilityQuery:
			return []Envelope{reply(TypeEligibilityResult, env, settle.EligibilityResult{
				ReferenceID: env.ReferenceID, CanProceed: true, AlreadySatisfied: true,
			})}
		case TypeSettlementSubmit:
			var sub settle.SettlementSubmission
			_ = env.Decode(&sub)
			return []Envelope{reply(TypeSettlementResult, env, settle.SettlementResult{
				ReferenceID: sub.ReferenceID, Success: sub.Signature == "good",
			})}
		}
		return nil
	})
	c := connect(t, ts)

	result, err := c.CheckEligibility(context.Background(), settle.EligibilityQuery{ReferenceID: "igloo7", Purpose: settle.PurposeEntryFee})
	require.NoError(t, err)
	assert.True(t, result.CanProceed)
	assert.True(t, result.AlreadySatisfied)

	verdict, err := c.SubmitSettlement(context.Background(), settle.SettlementSubmission{ReferenceID: "igloo7", Signature: "good"})
	require.NoError(t, err)
	assert.True(t, verdict.Success)
	assert.Equal(t, []MessageType{TypeEligibilityQuery, TypeSettlementSubmit}, ts.receivedTypes())
}

func TestClient_ConcurrentFlowsNotCrossed(t *testing.T) {
	release := make(chan struct{})
	ts := newTestServer(t, func(env Envelope) []Envelope {
		switch env.Type {
		case TypeWithdrawalRequest:
			// Answered only after the eligibility query arrives
			<-release
			return []Envelope{reply(TypeWithdrawalResult, env, ledger.WithdrawalResult{WithdrawalID: "w-1", Status: ledger.StatusQueued, QueuePosition: 4})}
		case TypeEligibilityQuery:
			close(release)
			return []Envelope{reply(TypeEligibilityResult, env, settle.EligibilityResult{ReferenceID: env.ReferenceID, CanProceed: true})}
		}
		return nil
	})
	c := connect(t, ts)

	var wg sync.WaitGroup
	wg.Add(1)
	var withdrawal *ledger.WithdrawalResult
	var withdrawalErr error
	go func() {
		defer wg.Done()
		withdrawal, withdrawalErr = c.RequestWithdrawal(context.Background(), ledger.WithdrawalRequest{RequestID: "r-1", Pebbles: 500})
	}()

	require.Eventually(t, func() bool { return c.correlator.Pending() == 1 }, time.Second, 5*time.Millisecond)
	eligibility, err := c.CheckEligibility(context.Background(), settle.EligibilityQuery{ReferenceID: "match-1"})
	wg.Wait()

	require.NoError(t, err)
	assert.True(t, eligibility.CanProceed)
	require.NoError(t, withdrawalErr)
	assert.Equal(t, "w-1", withdrawal.WithdrawalID)
	assert.Equal(t, 4, withdrawal.QueuePosition)
}

func TestClient_RequestTimeoutAndLateResponseDropped(t *testing.T) {
	var (
		mu   sync.Mutex
		late Envelope
	)
	ts := newTestServer(t, func(env Envelope) []Envelope {
		mu.Lock()
		late = env
		mu.Unlock()
		return nil
	})
	c := connect(t, ts, WithRequestTimeout(30*time.Millisecond))

	_, err := c.CheckEligibility(context.Background(), settle.EligibilityQuery{ReferenceID: "igloo7"})
	require.ErrorIs(t, err, ErrResponseTimeout)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	mu.Lock()
	stale := reply(TypeEligibilityResult, late, settle.EligibilityResult{CanProceed: true})
	mu.Unlock()
	ts.push(t, stale)

	// The next request is not answered by the stale frame
	_, err = c.CheckEligibility(context.Background(), settle.EligibilityQuery{ReferenceID: "igloo7"})
	require.ErrorIs(t, err, ErrResponseTimeout)
}

func TestClient_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, func(env Envelope) []Envelope {
		return []Envelope{reply(TypeError, env, ErrorPayload{Code: "bad_request", Message: "unknown withdrawal"})}
	})
	c := connect(t, ts)

	_, err := c.CancelWithdrawal(context.Background(), ledger.CancelRequest{WithdrawalID: "w-x"})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "bad_request", remote.Code)
}

func TestClient_ConnectionLossFailsWaiters(t *testing.T) {
	ts := newTestServer(t, func(env Envelope) []Envelope { return nil })
	c := connect(t, ts)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SubmitSettlement(context.Background(), settle.SettlementSubmission{ReferenceID: "m-1", Signature: "sig"})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.correlator.Pending() == 1 }, time.Second, 5*time.Millisecond)

	ts.mu.Lock()
	conn := ts.conns[0]
	ts.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, "restart")

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released after connection loss")
	}
	require.Eventually(t, func() bool { return !c.Connected() }, time.Second, 5*time.Millisecond)
}

func TestClient_PushesReachLedger(t *testing.T) {
	ts := newTestServer(t, func(env Envelope) []Envelope { return nil })
	c := connect(t, ts)
	l := ledger.NewClient(c, nil, ledger.Config{})
	c.BindLedger(l)

	// Ensure the server side has registered the connection
	require.NoError(t, c.NotifyDeposit(context.Background(), ledger.DepositNotification{Signature: "dep", Lamports: 10}))
	require.Eventually(t, func() bool { return len(ts.receivedTypes()) == 1 }, time.Second, 5*time.Millisecond)

	balance, _ := NewEnvelope(TypeBalanceUpdate, "", "", ledger.BalanceUpdate{Pebbles: 1200, Sequence: 3})
	ts.push(t, balance)
	update, _ := NewEnvelope(TypeWithdrawalUpdate, "", "", ledger.WithdrawalUpdate{WithdrawalID: "w-7", Status: ledger.StatusQueued, QueuePosition: 2})
	ts.push(t, update)

	require.Eventually(t, func() bool { return l.Balance().Pebbles == 1200 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		r, err := l.Withdrawal("w-7")
		return err == nil && r.QueuePosition == 2
	}, time.Second, 5*time.Millisecond)
}
