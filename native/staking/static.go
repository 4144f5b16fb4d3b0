package staking

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// Static is a deterministic in-process Adapter used by tests and local
// development. It mints derivative units at a fixed rate, tracks the
// contract's custodial position, and lets callers inject reward accrual and
// operation failures.
type Static struct {
	mu sync.Mutex

	rateNum *big.Int
	rateDen *big.Int

	position *big.Int

	failStake   error
	failUnstake error
	failBalance error
}

// NewStatic returns a Static adapter minting derivative units 1:1.
func NewStatic() *Static {
	return &Static{
		rateNum:  big.NewInt(1),
		rateDen:  big.NewInt(1),
		position: big.NewInt(0),
	}
}

// SetRate overrides the derivative-per-mote mint rate as num/den.
func (s *Static) SetRate(num, den int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if num <= 0 || den <= 0 {
		return
	}
	s.rateNum = big.NewInt(num)
	s.rateDen = big.NewInt(den)
}

// AccrueRewards credits derivative units to the custodial position without a
// deposit, simulating staking rewards accruing inside the external protocol.
func (s *Static) AccrueRewards(units *big.Int) {
	if units == nil || units.Sign() <= 0 {
		return
	}
	s.mu.Lock()
	s.position.Add(s.position, units)
	s.mu.Unlock()
}

// FailNext configures the error returned by subsequent calls of the given
// operation ("stake", "unstake" or "balance"). A nil error clears it.
func (s *Static) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch op {
	case "stake":
		s.failStake = err
	case "unstake":
		s.failUnstake = err
	case "balance":
		s.failBalance = err
	}
}

func (s *Static) Stake(_ context.Context, amount *big.Int) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStake != nil {
		return nil, opError("stake", s.failStake)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, opError("stake", fmt.Errorf("amount must be positive"))
	}
	minted := new(big.Int).Mul(amount, s.rateNum)
	minted.Div(minted, s.rateDen)
	s.position.Add(s.position, minted)
	return minted, nil
}

func (s *Static) Unstake(_ context.Context, derivative *big.Int) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUnstake != nil {
		return nil, opError("unstake", s.failUnstake)
	}
	if derivative == nil || derivative.Sign() <= 0 {
		return nil, opError("unstake", fmt.Errorf("derivative amount must be positive"))
	}
	if s.position.Cmp(derivative) < 0 {
		return nil, opError("unstake", fmt.Errorf("position %s below requested %s", s.position, derivative))
	}
	s.position.Sub(s.position, derivative)
	released := new(big.Int).Mul(derivative, s.rateDen)
	released.Div(released, s.rateNum)
	return released, nil
}

func (s *Static) Balance(_ context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBalance != nil {
		return nil, opError("balance", s.failBalance)
	}
	return new(big.Int).Set(s.position), nil
}
