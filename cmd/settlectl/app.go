package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gagliardetto/solana-go/rpc"

	settle "github.com/waddle-labs/settle"
	"github.com/waddle-labs/settle/channel"
	"github.com/waddle-labs/settle/intent"
	"github.com/waddle-labs/settle/internal/config"
	"github.com/waddle-labs/settle/ledger"
	settlesvm "github.com/waddle-labs/settle/mechanisms/svm"
	"github.com/waddle-labs/settle/observability"
	"github.com/waddle-labs/settle/observability/logging"
	signersvm "github.com/waddle-labs/settle/signers/svm"
	"github.com/waddle-labs/settle/store"
)

// app lazily builds the components a command needs
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	rpc     *rpc.Client
	wallet  *signersvm.Wallet
	channel *channel.Client
	journal *store.Store
}

func newApp() (*app, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:     cfg,
		logger:  logging.Setup("settlectl", cfg.Env, cfg.LogLevel),
		metrics: observability.Default(),
	}, nil
}

func (a *app) Close() {
	if a.channel != nil {
		_ = a.channel.Close()
	}
	if a.wallet != nil {
		_ = a.wallet.Disconnect(context.Background())
	}
	if a.journal != nil {
		_ = a.journal.Close()
	}
}

func (a *app) rpcClient() (*rpc.Client, error) {
	if a.rpc == nil {
		client, err := settlesvm.NewRPCClient(a.cfg.Network, a.cfg.RPCURL)
		if err != nil {
			return nil, err
		}
		a.rpc = client
	}
	return a.rpc, nil
}

func (a *app) resolver() (*settlesvm.Resolver, error) {
	client, err := a.rpcClient()
	if err != nil {
		return nil, err
	}
	return settlesvm.NewResolver(client, settlesvm.WithSuffixHints(a.cfg.SuffixHints...)), nil
}

// signer connects the configured keypair wallet
func (a *app) signer(ctx context.Context) (*signersvm.Wallet, error) {
	if a.wallet != nil {
		return a.wallet, nil
	}
	if a.cfg.PrivateKey == "" {
		return nil, errors.New("private_key is not configured (set SETTLE_PRIVATE_KEY)")
	}
	provider, err := signersvm.NewKeypairProvider(a.cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	wallet := signersvm.NewWallet(provider,
		signersvm.WithSignTimeout(a.cfg.SignTimeout),
		signersvm.WithLogger(a.logger))
	if err := wallet.Connect(ctx); err != nil {
		return nil, err
	}
	a.wallet = wallet
	return wallet, nil
}

func (a *app) engine(ctx context.Context) (*settlesvm.Engine, error) {
	wallet, err := a.signer(ctx)
	if err != nil {
		return nil, err
	}
	resolver, err := a.resolver()
	if err != nil {
		return nil, err
	}
	return settlesvm.NewEngine(a.rpc, wallet,
		settlesvm.WithResolver(resolver),
		settlesvm.WithPollInterval(a.cfg.PollInterval),
		settlesvm.WithConfirmTimeout(a.cfg.ConfirmTimeout),
		settlesvm.WithComputeUnitPrice(a.cfg.ComputeUnitPrice),
		settlesvm.WithEngineLogger(a.logger),
		settlesvm.WithEngineMetrics(a.metrics),
	), nil
}

func (a *app) intents(ctx context.Context) (*intent.Service, error) {
	wallet, err := a.signer(ctx)
	if err != nil {
		return nil, err
	}
	return intent.NewService(wallet, a.cfg.Network, intent.WithLogger(a.logger))
}

func (a *app) counterpart(ctx context.Context) (*channel.Client, error) {
	if a.channel != nil {
		return a.channel, nil
	}
	var header http.Header
	if a.cfg.ChannelToken != "" {
		header = http.Header{"Authorization": []string{"Bearer " + a.cfg.ChannelToken}}
	}
	client := channel.NewClient(a.cfg.ChannelURL,
		channel.WithHeader(header),
		channel.WithRequestTimeout(a.cfg.RequestTimeout),
		channel.WithWriteTimeout(a.cfg.WriteTimeout),
		channel.WithLogger(a.logger),
		channel.WithMetrics(a.metrics))
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	a.channel = client
	return client, nil
}

func (a *app) store() (*store.Store, error) {
	if a.journal == nil {
		s, err := store.Open(a.cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		a.journal = s
	}
	return a.journal, nil
}

func (a *app) coordinator(ctx context.Context) (*settle.Coordinator, error) {
	counterpart, err := a.counterpart(ctx)
	if err != nil {
		return nil, err
	}
	engine, err := a.engine(ctx)
	if err != nil {
		return nil, err
	}
	intents, err := a.intents(ctx)
	if err != nil {
		return nil, err
	}
	journal, err := a.store()
	if err != nil {
		return nil, err
	}
	c := settle.NewCoordinator(counterpart,
		settle.WithTransferEngine(engine),
		settle.WithIntentAuthorizer(intents),
		settle.WithAttemptStore(journal),
		settle.WithEligibilityTimeout(a.cfg.EligibilityTimeout),
		settle.WithVerificationTimeout(a.cfg.VerificationTimeout),
		settle.WithLogger(a.logger),
		settle.WithMetrics(a.metrics))
	c.OnStateChange(func(ac settle.AttemptContext) {
		a.logger.Info("attempt state", "reference_id", ac.Attempt.ReferenceID,
			"from", string(ac.Previous), "to", string(ac.Attempt.State))
	})
	return c, nil
}

// ledgerClient binds a ledger mirror to the channel and seeds it from the journal
func (a *app) ledgerClient(ctx context.Context) (*ledger.Client, error) {
	if a.cfg.Treasury == "" {
		return nil, errors.New("treasury is not configured")
	}
	counterpart, err := a.counterpart(ctx)
	if err != nil {
		return nil, err
	}
	engine, err := a.engine(ctx)
	if err != nil {
		return nil, err
	}
	journal, err := a.store()
	if err != nil {
		return nil, err
	}

	l := ledger.NewClient(counterpart, engine, ledger.Config{
		Treasury:      a.cfg.Treasury,
		MinWithdrawal: a.cfg.MinWithdrawal,
		RakeBps:       a.cfg.RakeBps,
	}, ledger.WithLogger(a.logger), ledger.WithMetrics(a.metrics))

	records, err := journal.ListWithdrawals(ctx, false)
	if err != nil {
		return nil, err
	}
	l.Restore(records...)
	counterpart.BindLedger(l)
	return l, nil
}

func (a *app) saveWithdrawal(ctx context.Context, record *ledger.WithdrawalRecord) {
	if record == nil || a.journal == nil {
		return
	}
	if err := a.journal.SaveWithdrawal(ctx, *record); err != nil {
		a.logger.Error("journal withdrawal", "id", record.ID, "error", err)
	}
}

// mint falls back to the network's default asset
func (a *app) mint(flag string) string {
	if flag != "" {
		return flag
	}
	if network, err := settlesvm.GetNetworkConfig(a.cfg.Network); err == nil {
		return network.DefaultAsset.Address
	}
	return ""
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// describeError renders a payment error with its user-facing message
func describeError(err error) error {
	var pe *settle.PaymentError
	if !errors.As(err, &pe) {
		return err
	}
	msg := settle.UserMessage(pe.Code)
	if sig := settle.SignatureOf(pe); sig != "" {
		msg += " Signature: " + sig + "."
	}
	return fmt.Errorf("%s (%w)", msg, err)
}
