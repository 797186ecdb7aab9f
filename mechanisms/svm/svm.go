// Package svm provides SVM (Solana Virtual Machine) support for direct payments.
// It resolves which token program governs a mint (classic Token or Token-2022),
// builds TransferChecked transactions against the matching associated token
// accounts, submits them and waits for confirmation.
package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	// CAIP-2 network identifiers
	SolanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnetCAIP2  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	SolanaTestnetCAIP2 = "solana:4uhcVJyU9pJkvQyS88uRDiswHXSCkY3z"

	// Short network names accepted in configuration
	SolanaMainnet = "solana"
	SolanaDevnet  = "solana-devnet"
	SolanaTestnet = "solana-testnet"

	// Default RPC endpoints
	MainnetRPCURL = "https://api.mainnet-beta.solana.com"
	DevnetRPCURL  = "https://api.devnet.solana.com"
	TestnetRPCURL = "https://api.testnet.solana.com"

	// USDC mints
	USDCMainnetAddress = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCDevnetAddress  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"

	// DefaultComputeUnitPrice in microlamports
	DefaultComputeUnitPrice uint64 = 1

	// DefaultComputeUnitLimit covers compute budget, idempotent ATA creation
	// under either token program, TransferChecked and a memo
	DefaultComputeUnitLimit uint32 = 80_000

	// NativeDecimals is the precision of lamports
	NativeDecimals = 9
)

// RPC is the subset of the Solana JSON-RPC surface the engine needs.
// *rpc.Client satisfies it.
type RPC interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// ClientSvmSigner signs transactions on behalf of the paying wallet
type ClientSvmSigner interface {
	Address() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// MessageSigner signs arbitrary off-chain messages with the wallet key
type MessageSigner interface {
	Address() solana.PublicKey
	SignMessage(ctx context.Context, message []byte) (solana.Signature, error)
}

// NetworkConfig describes a supported Solana cluster
type NetworkConfig struct {
	CAIP2        string
	Name         string
	RPCURL       string
	DefaultAsset AssetInfo
}

// AssetInfo describes a known token
type AssetInfo struct {
	Address  string
	Symbol   string
	Decimals uint8
}

var networks = map[string]NetworkConfig{
	SolanaMainnetCAIP2: {
		CAIP2:        SolanaMainnetCAIP2,
		Name:         SolanaMainnet,
		RPCURL:       MainnetRPCURL,
		DefaultAsset: AssetInfo{Address: USDCMainnetAddress, Symbol: "USDC", Decimals: 6},
	},
	SolanaDevnetCAIP2: {
		CAIP2:        SolanaDevnetCAIP2,
		Name:         SolanaDevnet,
		RPCURL:       DevnetRPCURL,
		DefaultAsset: AssetInfo{Address: USDCDevnetAddress, Symbol: "USDC", Decimals: 6},
	},
	SolanaTestnetCAIP2: {
		CAIP2:        SolanaTestnetCAIP2,
		Name:         SolanaTestnet,
		RPCURL:       TestnetRPCURL,
		DefaultAsset: AssetInfo{Address: USDCDevnetAddress, Symbol: "USDC", Decimals: 6},
	},
}

var shortNames = map[string]string{
	SolanaMainnet: SolanaMainnetCAIP2,
	SolanaDevnet:  SolanaDevnetCAIP2,
	SolanaTestnet: SolanaTestnetCAIP2,
}

// NormalizeNetwork converts a short network name to its CAIP-2 identifier
func NormalizeNetwork(network string) (string, error) {
	if _, ok := networks[network]; ok {
		return network, nil
	}
	if caip2, ok := shortNames[network]; ok {
		return caip2, nil
	}
	return "", fmt.Errorf("unsupported network: %s", network)
}

// IsValidNetwork reports whether the network is supported
func IsValidNetwork(network string) bool {
	_, err := NormalizeNetwork(network)
	return err == nil
}

// GetNetworkConfig returns the configuration for a network (short name or CAIP-2)
func GetNetworkConfig(network string) (*NetworkConfig, error) {
	caip2, err := NormalizeNetwork(network)
	if err != nil {
		return nil, err
	}
	config := networks[caip2]
	return &config, nil
}

// NewRPCClient returns a JSON-RPC client for url, or for the network default when url is empty
func NewRPCClient(network, url string) (*rpc.Client, error) {
	if url != "" {
		return rpc.New(url), nil
	}
	config, err := GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}
	return rpc.New(config.RPCURL), nil
}
