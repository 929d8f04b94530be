package types

import "math/big"

// Account tracks the spendable balance held by an address on the marketplace
// node. Offer proceeds are NOT part of this balance until claimed; they
// accumulate in the market module's fund ledger.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// EnsureAccount normalises a possibly-nil account into a usable value.
func EnsureAccount(acc *Account) *Account {
	if acc == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}
