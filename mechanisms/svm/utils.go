package svm

import (
	"fmt"
	"math/big"
	"strings"

	solana "github.com/gagliardetto/solana-go"
)

// ParseAmount converts a decimal string ("1.5") to base units for the given precision
func ParseAmount(amount string, decimals uint8) (uint64, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0, fmt.Errorf("amount is empty")
	}
	whole, frac, hasFrac := strings.Cut(amount, ".")
	if hasFrac && len(frac) > int(decimals) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))

	value, ok := new(big.Int).SetString(digits, 10)
	if !ok || value.Sign() < 0 {
		return 0, fmt.Errorf("invalid amount: %s", amount)
	}
	if !value.IsUint64() {
		return 0, fmt.Errorf("amount %s overflows", amount)
	}
	return value.Uint64(), nil
}

// FormatAmount renders base units as a decimal string without trailing zeros
func FormatAmount(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}
	s := fmt.Sprintf("%0*d", int(decimals)+1, amount)
	whole, frac := s[:len(s)-int(decimals)], strings.TrimRight(s[len(s)-int(decimals):], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// ValidateSolanaAddress reports whether addr is a well-formed base58 public key
func ValidateSolanaAddress(addr string) bool {
	_, err := solana.PublicKeyFromBase58(addr)
	return err == nil
}

// AbbreviateAddress shortens an address for display, e.g. "9xQe…VFin"
func AbbreviateAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:4] + "…" + addr[len(addr)-4:]
}
