package types

import "math/big"

// Account tracks the CSPR balance held for one address, including the
// contract's own custody vault. Balances are motes and never nil after
// passing through the state manager.
type Account struct {
	Nonce   uint64
	Balance *big.Int
}

// Clone returns a deep copy so callers can mutate without touching the stored
// instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	clone := &Account{Nonce: a.Nonce, Balance: big.NewInt(0)}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	return clone
}
