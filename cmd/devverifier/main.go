// Command devverifier runs a local counterpart for the settlement channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waddle-labs/settle/internal/config"
	"github.com/waddle-labs/settle/internal/verifier"
	settlesvm "github.com/waddle-labs/settle/mechanisms/svm"
	"github.com/waddle-labs/settle/observability"
	"github.com/waddle-labs/settle/observability/logging"
)

func main() {
	var (
		configFile string
		satisfied  string
		closed     string
		liquidity  string
		checkChain bool
	)
	flag.StringVar(&configFile, "config", "", "config file (default ./settle.yaml)")
	flag.StringVar(&satisfied, "satisfied", "", "comma separated reference ids that are already paid")
	flag.StringVar(&closed, "closed", "", "comma separated reference ids that are not eligible")
	flag.StringVar(&liquidity, "liquidity", "10", "SOL available for instant withdrawals")
	flag.BoolVar(&checkChain, "check-chain", false, "confirm transfer signatures against the configured RPC")
	flag.Parse()

	if err := run(configFile, satisfied, closed, liquidity, checkChain); err != nil {
		fmt.Fprintln(os.Stderr, "devverifier:", err)
		os.Exit(1)
	}
}

func run(configFile, satisfied, closed, liquidity string, checkChain bool) error {
	cfg, err := config.Load(config.New(), configFile)
	if err != nil {
		return err
	}
	logger := logging.Setup("devverifier", cfg.Env, cfg.LogLevel)

	lamports, err := settlesvm.ParseAmount(liquidity, settlesvm.NativeDecimals)
	if err != nil {
		return fmt.Errorf("liquidity: %w", err)
	}
	rules := verifier.Rules{
		Satisfied:     splitList(satisfied),
		Closed:        make(map[string]string),
		RakeBps:       cfg.RakeBps,
		MinWithdrawal: cfg.MinWithdrawal,
		Liquidity:     lamports,
	}
	for _, ref := range splitList(closed) {
		rules.Closed[ref] = "This match is no longer accepting players."
	}

	opts := []verifier.Option{
		verifier.WithLogger(logger),
		verifier.WithMetrics(observability.Default()),
	}
	if checkChain {
		client, err := settlesvm.NewRPCClient(cfg.Network, cfg.RPCURL)
		if err != nil {
			return err
		}
		opts = append(opts, verifier.WithSignatureChecker(verifier.RPCChecker{RPC: client}))
	}

	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := verifier.NewServer(verifier.New(rules, opts...),
		verifier.WithToken(cfg.ChannelToken),
		verifier.WithServerLogger(logger))

	srv := &http.Server{
		Addr:              cfg.VerifierListen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("devverifier listening", "addr", cfg.VerifierListen, "network", cfg.Network)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
