package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"

	settle "github.com/waddle-labs/settle"
	"github.com/waddle-labs/settle/intent"
	settlesvm "github.com/waddle-labs/settle/mechanisms/svm"
)

// run builds the app, applies an interrupt-aware context and always closes it
func run(fn func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return describeError(fn(ctx, cmd, a, args))
	}
}

func parseBaseUnits(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("amount must be a positive integer in base units, got %q", s)
	}
	return n, nil
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [mint]",
	Short: "Show which token program governs a mint",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		mint, err := solana.PublicKeyFromBase58(args[0])
		if err != nil {
			return fmt.Errorf("invalid mint: %w", err)
		}
		resolver, err := a.resolver()
		if err != nil {
			return err
		}
		onChain, _ := cmd.Flags().GetBool("onchain")
		resolve := resolver.Resolve
		if onChain {
			resolve = resolver.ResolveOnChain
		}
		variant, err := resolve(ctx, mint)
		if err != nil {
			return err
		}
		out := map[string]string{
			"mint":    mint.String(),
			"program": variant.String(),
			"id":      variant.ProgramID.String(),
		}
		if owner, _ := cmd.Flags().GetString("owner"); owner != "" {
			ownerKey, err := solana.PublicKeyFromBase58(owner)
			if err != nil {
				return fmt.Errorf("invalid owner: %w", err)
			}
			ata, err := variant.FindAssociatedTokenAddress(ownerKey, mint)
			if err != nil {
				return err
			}
			out["associatedTokenAccount"] = ata.String()
		}
		return printJSON(cmd.OutOrStdout(), out)
	}),
}

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Send tokens directly and wait for confirmation",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
		to, _ := cmd.Flags().GetString("to")
		mint, _ := cmd.Flags().GetString("mint")
		mint = a.mint(mint)
		memo, _ := cmd.Flags().GetString("memo")
		rawAmount, _ := cmd.Flags().GetString("amount")
		amount, err := parseBaseUnits(rawAmount)
		if err != nil {
			return err
		}
		engine, err := a.engine(ctx)
		if err != nil {
			return err
		}
		result, err := engine.Transfer(ctx, settle.TransferParams{
			Recipient: to, Mint: mint, Amount: amount, Memo: memo,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	}),
}

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Run a full eligibility, payment and verification attempt",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
		purpose, _ := cmd.Flags().GetString("purpose")
		ref, _ := cmd.Flags().GetString("ref")
		to, _ := cmd.Flags().GetString("to")
		mint, _ := cmd.Flags().GetString("mint")
		mint = a.mint(mint)
		rawAmount, _ := cmd.Flags().GetString("amount")
		amount, err := parseBaseUnits(rawAmount)
		if err != nil {
			return err
		}
		coordinator, err := a.coordinator(ctx)
		if err != nil {
			return err
		}
		attempt, err := coordinator.Settle(ctx, settle.AttemptRequest{
			Purpose:     settle.Purpose(purpose),
			ReferenceID: ref,
			Amount:      amount,
			Recipient:   to,
			Mint:        mint,
		})
		if attempt != nil {
			if perr := printJSON(cmd.OutOrStdout(), attempt); perr != nil {
				return perr
			}
		}
		return err
	}),
}

var authorizeCmd = &cobra.Command{
	Use:   "authorize",
	Short: "Sign a payment intent without moving funds",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
		to, _ := cmd.Flags().GetString("to")
		mint, _ := cmd.Flags().GetString("mint")
		mint = a.mint(mint)
		memo, _ := cmd.Flags().GetString("memo")
		validity, _ := cmd.Flags().GetInt("validity")
		rawAmount, _ := cmd.Flags().GetString("amount")
		amount, err := parseBaseUnits(rawAmount)
		if err != nil {
			return err
		}
		service, err := a.intents(ctx)
		if err != nil {
			return err
		}
		auth, err := service.Authorize(ctx, settle.AuthorizeParams{
			Amount: amount, Mint: mint, Recipient: to, Memo: memo, ValidityMinutes: validity,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), auth)
	}),
}

var decodeCmd = &cobra.Command{
	Use:   "decode [payload]",
	Short: "Decode a payment intent and print the message the payer saw",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := intent.Decode(args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"intent":  p,
			"message": intent.CanonicalMessage(*p),
			"expired": intent.IsExpired(*p, time.Now()),
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [payload]",
	Short: "Check a payment intent's expiry and signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := intent.DecodeAndVerify(args[0], time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "valid: %s pays %s %d until %s\n",
			settlesvm.AbbreviateAddress(p.Payer), settlesvm.AbbreviateAddress(p.Recipient),
			p.Amount, p.Expiry().Format(time.RFC3339))
		return nil
	},
}

var depositCmd = &cobra.Command{
	Use:   "deposit",
	Short: "Deposit SOL into the premium balance",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
		sol, _ := cmd.Flags().GetString("sol")
		lamports, err := settlesvm.ParseAmount(sol, settlesvm.NativeDecimals)
		if err != nil {
			return err
		}
		l, err := a.ledgerClient(ctx)
		if err != nil {
			return err
		}
		result, err := l.Deposit(ctx, lamports)
		if err != nil {
			return err
		}
		l.WaitNotifications()
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"signature": result.Signature,
			"slot":      result.Slot,
			"sol":       settlesvm.FormatAmount(lamports, settlesvm.NativeDecimals),
		})
	}),
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Request a withdrawal of premium pebbles",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
		pebbles, _ := cmd.Flags().GetUint64("pebbles")
		l, err := a.ledgerClient(ctx)
		if err != nil {
			return err
		}
		record, err := l.RequestWithdrawal(ctx, pebbles)
		if err != nil {
			return err
		}
		a.saveWithdrawal(ctx, record)
		return printJSON(cmd.OutOrStdout(), record)
	}),
}

var cancelWithdrawalCmd = &cobra.Command{
	Use:   "cancel-withdrawal [id]",
	Short: "Cancel a pending or queued withdrawal",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		l, err := a.ledgerClient(ctx)
		if err != nil {
			return err
		}
		record, refund, err := l.CancelWithdrawal(ctx, args[0])
		if err != nil {
			return err
		}
		a.saveWithdrawal(ctx, record)
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"withdrawal": record,
			"refunded":   refund,
		})
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status [reference-id]",
	Short: "Show the journaled state of a settlement attempt",
	Args:  cobra.MaximumNArgs(1),
	RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		journal, err := a.store()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			ambiguous, err := journal.ListAmbiguous(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ambiguous)
		}
		attempt, err := settle.NewCoordinator(nil, settle.WithAttemptStore(journal)).Status(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), attempt)
	}),
}

func init() {
	resolveCmd.Flags().Bool("onchain", false, "skip suffix hints and read the mint account")
	resolveCmd.Flags().String("owner", "", "also derive this owner's associated token account")

	for _, cmd := range []*cobra.Command{transferCmd, settleCmd, authorizeCmd} {
		cmd.Flags().String("to", "", "recipient address")
		cmd.Flags().String("mint", "", "token mint (default: the network's USDC)")
		cmd.Flags().String("amount", "", "amount in base units")
		_ = cmd.MarkFlagRequired("to")
		_ = cmd.MarkFlagRequired("amount")
	}
	transferCmd.Flags().String("memo", "", "optional memo")
	authorizeCmd.Flags().String("memo", "", "purpose:reference memo, e.g. wager:match-42")
	authorizeCmd.Flags().Int("validity", 0, "validity in minutes (0 uses the purpose preset)")

	settleCmd.Flags().String("purpose", string(settle.PurposeEntryFee), "wager, rent, entry_fee or deposit")
	settleCmd.Flags().String("ref", "", "match, igloo or challenge id")
	_ = settleCmd.MarkFlagRequired("ref")

	depositCmd.Flags().String("sol", "", "amount of SOL, e.g. 0.25")
	_ = depositCmd.MarkFlagRequired("sol")

	withdrawCmd.Flags().Uint64("pebbles", 0, "pebbles to withdraw")
	_ = withdrawCmd.MarkFlagRequired("pebbles")
}
