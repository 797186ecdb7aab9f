package verifier

import (
	"context"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	settle "github.com/waddle-labs/settle"
	"github.com/waddle-labs/settle/channel"
	"github.com/waddle-labs/settle/intent"
	"github.com/waddle-labs/settle/ledger"
	signersvm "github.com/waddle-labs/settle/signers/svm"
)

func request(t *testing.T, typ channel.MessageType, ref string, payload interface{}) channel.Envelope {
	t.Helper()
	env, err := channel.NewEnvelope(typ, "id-"+ref, ref, payload)
	require.NoError(t, err)
	return env
}

func decodeReply(t *testing.T, env *channel.Envelope, want channel.MessageType, out interface{}) {
	t.Helper()
	require.NotNil(t, env)
	require.Equal(t, want, env.Type)
	require.NoError(t, env.Decode(out))
}

func signedIntent(t *testing.T, memo string, now time.Time) string {
	t.Helper()
	wallet := signersvm.NewWallet(signersvm.NewKeypairProviderFromKey(solana.NewWallet().PrivateKey))
	require.NoError(t, wallet.Connect(context.Background()))
	service, err := intent.NewService(wallet, "solana-devnet", intent.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	auth, err := service.Authorize(context.Background(), settle.AuthorizeParams{
		Amount:    250,
		Mint:      solana.NewWallet().PublicKey().String(),
		Recipient: solana.NewWallet().PublicKey().String(),
		Memo:      memo,
	})
	require.NoError(t, err)
	return auth.Payload
}

func TestVerifier_Eligibility(t *testing.T) {
	v := New(Rules{Satisfied: []string{"igloo7"}, Closed: map[string]string{"match-9": "Match is full"}})

	cases := []struct {
		ref       string
		proceed   bool
		satisfied bool
	}{
		{"igloo7", true, true},
		{"match-9", false, false},
		{"match-1", true, false},
	}
	for _, tc := range cases {
		reply, pushes := v.Handle(context.Background(), request(t, channel.TypeEligibilityQuery, tc.ref,
			settle.EligibilityQuery{ReferenceID: tc.ref, Purpose: settle.PurposeEntryFee}))
		var result settle.EligibilityResult
		decodeReply(t, reply, channel.TypeEligibilityResult, &result)
		assert.Equal(t, tc.proceed, result.CanProceed, tc.ref)
		assert.Equal(t, tc.satisfied, result.AlreadySatisfied, tc.ref)
		assert.Equal(t, "id-"+tc.ref, reply.ID)
		assert.Empty(t, pushes)
	}
}

func TestVerifier_IntentSettlement(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	v := New(Rules{}, WithClock(func() time.Time { return now }))
	payload := signedIntent(t, "wager:match-42", now)

	submit := func(ref string) settle.SettlementResult {
		reply, _ := v.Handle(context.Background(), request(t, channel.TypeSettlementSubmit, ref, settle.SettlementSubmission{
			ReferenceID: ref, Purpose: settle.PurposeWager, IntentPayload: payload,
		}))
		var result settle.SettlementResult
		decodeReply(t, reply, channel.TypeSettlementResult, &result)
		return result
	}

	assert.Equal(t, "reference_mismatch", submit("match-43").Error)
	assert.True(t, submit("match-42").Success)
	assert.Equal(t, "nonce_reused", submit("match-42").Error)

	now = now.Add(time.Hour)
	fresh := signedIntent(t, "wager:match-50", now.Add(-2*time.Hour))
	reply, _ := v.Handle(context.Background(), request(t, channel.TypeSettlementSubmit, "match-50", settle.SettlementSubmission{
		ReferenceID: "match-50", Purpose: settle.PurposeWager, IntentPayload: fresh,
	}))
	var result settle.SettlementResult
	decodeReply(t, reply, channel.TypeSettlementResult, &result)
	assert.Equal(t, "invalid_intent", result.Error)
}

type stubStatuses struct {
	status *rpc.SignatureStatusesResult
}

func (s stubStatuses) GetSignatureStatuses(context.Context, bool, ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{s.status}}, nil
}

func TestVerifier_SignatureSettlement(t *testing.T) {
	sig := solana.Signature{1, 2, 3}.String()

	pending := New(Rules{}, WithSignatureChecker(RPCChecker{RPC: stubStatuses{}}))
	reply, _ := pending.Handle(context.Background(), request(t, channel.TypeSettlementSubmit, "igloo7",
		settle.SettlementSubmission{ReferenceID: "igloo7", Signature: sig}))
	var result settle.SettlementResult
	decodeReply(t, reply, channel.TypeSettlementResult, &result)
	assert.Equal(t, "not_confirmed", result.Error)

	confirmed := New(Rules{}, WithSignatureChecker(RPCChecker{RPC: stubStatuses{status: &rpc.SignatureStatusesResult{
		ConfirmationStatus: rpc.ConfirmationStatusFinalized,
	}}}))
	reply, _ = confirmed.Handle(context.Background(), request(t, channel.TypeSettlementSubmit, "igloo7",
		settle.SettlementSubmission{ReferenceID: "igloo7", Signature: sig}))
	decodeReply(t, reply, channel.TypeSettlementResult, &result)
	assert.True(t, result.Success)

	// A credited signature cannot settle a second reference
	reply, _ = confirmed.Handle(context.Background(), request(t, channel.TypeSettlementSubmit, "igloo8",
		settle.SettlementSubmission{ReferenceID: "igloo8", Signature: sig}))
	result = settle.SettlementResult{}
	decodeReply(t, reply, channel.TypeSettlementResult, &result)
	assert.Equal(t, "signature_reused", result.Error)
}

type countingChecker struct {
	calls     int
	confirmed bool
}

func (c *countingChecker) Confirmed(context.Context, string) (bool, error) {
	c.calls++
	return c.confirmed, nil
}

func TestVerifier_DepositRequiresConfirmation(t *testing.T) {
	notify := func(sig string) channel.Envelope {
		return request(t, channel.TypeDepositNotify, sig, ledger.DepositNotification{Signature: sig, Lamports: 5_000_000_000})
	}

	unconfirmed := &countingChecker{}
	v := New(Rules{}, WithSignatureChecker(unconfirmed))
	reply, pushes := v.Handle(context.Background(), notify("forged"))
	assert.Nil(t, reply)
	assert.Empty(t, pushes)
	assert.Equal(t, 1, unconfirmed.calls)
	pebbles, _ := v.Balance()
	assert.Zero(t, pebbles)

	confirmed := &countingChecker{confirmed: true}
	v = New(Rules{}, WithSignatureChecker(confirmed))
	_, pushes = v.Handle(context.Background(), notify("landed"))
	require.Len(t, pushes, 1)
	pebbles, _ = v.Balance()
	assert.Equal(t, uint64(5000), pebbles)

	// The same transfer is credited once
	_, pushes = v.Handle(context.Background(), notify("landed"))
	assert.Empty(t, pushes)
	pebbles, _ = v.Balance()
	assert.Equal(t, uint64(5000), pebbles)
}

func TestVerifier_WithdrawalQueueAndCancel(t *testing.T) {
	v := New(Rules{RakeBps: 500, MinWithdrawal: 100, Liquidity: 150 * DefaultLamportsPerPebble})

	_, pushes := v.Handle(context.Background(), request(t, channel.TypeDepositNotify, "dep",
		ledger.DepositNotification{Signature: "dep-sig", Lamports: 1000 * DefaultLamportsPerPebble}))
	require.Len(t, pushes, 1)
	pebbles, seq := v.Balance()
	assert.Equal(t, uint64(1000), pebbles)
	assert.Equal(t, uint64(1), seq)

	withdraw := func(ref string, amount uint64) ledger.WithdrawalResult {
		reply, _ := v.Handle(context.Background(), request(t, channel.TypeWithdrawalRequest, ref,
			ledger.WithdrawalRequest{RequestID: ref, Pebbles: amount}))
		var result ledger.WithdrawalResult
		decodeReply(t, reply, channel.TypeWithdrawalResult, &result)
		return result
	}

	first := withdraw("r1", 150)
	assert.Equal(t, ledger.StatusCompleted, first.Status)
	assert.Equal(t, uint64(8), first.Rake)
	assert.Equal(t, uint64(142), first.Net)
	assert.NotEmpty(t, first.Signature)

	second := withdraw("r2", 200)
	third := withdraw("r3", 300)
	assert.Equal(t, ledger.StatusQueued, second.Status)
	assert.Equal(t, 1, second.QueuePosition)
	assert.Equal(t, 2, third.QueuePosition)
	assert.Equal(t, "minimum withdrawal is 100", withdraw("r4", 50).Error)

	reply, pushes := v.Handle(context.Background(), request(t, channel.TypeWithdrawalCancel, second.WithdrawalID,
		ledger.CancelRequest{WithdrawalID: second.WithdrawalID}))
	var cancel ledger.CancelResult
	decodeReply(t, reply, channel.TypeWithdrawalCancelResult, &cancel)
	assert.True(t, cancel.Success)
	assert.Equal(t, uint64(200), cancel.Refunded)

	// The withdrawal behind moves up, then the balance follows
	require.Len(t, pushes, 2)
	var moved ledger.WithdrawalUpdate
	require.NoError(t, pushes[0].Decode(&moved))
	assert.Equal(t, third.WithdrawalID, moved.WithdrawalID)
	assert.Equal(t, 1, moved.QueuePosition)
	assert.Equal(t, channel.TypeBalanceUpdate, pushes[1].Type)

	pebbles, _ = v.Balance()
	assert.Equal(t, uint64(1000-150-300), pebbles)

	reply, _ = v.Handle(context.Background(), request(t, channel.TypeWithdrawalCancel, first.WithdrawalID,
		ledger.CancelRequest{WithdrawalID: first.WithdrawalID}))
	cancel = ledger.CancelResult{}
	decodeReply(t, reply, channel.TypeWithdrawalCancelResult, &cancel)
	assert.False(t, cancel.Success)
}

func TestVerifier_UnsupportedMessage(t *testing.T) {
	v := New(Rules{})
	reply, _ := v.Handle(context.Background(), channel.Envelope{Type: "bogus", ID: "x"})
	var payload channel.ErrorPayload
	decodeReply(t, reply, channel.TypeError, &payload)
	assert.Equal(t, "bad_request", payload.Code)
	assert.Equal(t, "x", reply.ID)
}
