// Command settlectl drives direct payments, payment intents and premium
// ledger flows from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/waddle-labs/settle/internal/config"
)

var (
	configFile string
	v          = config.New()
)

var rootCmd = &cobra.Command{
	Use:           "settlectl",
	Short:         "Settlement client CLI",
	Long:          `Pay, authorize and reconcile game settlements on Solana against a counterpart verifier.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ./settle.yaml)")
	flags.String("network", "", "solana network (short name or CAIP-2)")
	flags.String("rpc-url", "", "JSON-RPC endpoint")
	flags.String("channel-url", "", "counterpart websocket URL")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("database-path", "", "sqlite journal path")

	for key, flag := range map[string]string{
		"network":       "network",
		"rpc_url":       "rpc-url",
		"channel_url":   "channel-url",
		"log_level":     "log-level",
		"database_path": "database-path",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(
		resolveCmd,
		transferCmd,
		settleCmd,
		authorizeCmd,
		decodeCmd,
		verifyCmd,
		depositCmd,
		withdrawCmd,
		cancelWithdrawalCmd,
		statusCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
