package staking

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// ErrNotConfigured is returned while the external contract handles are unset.
// The deployed addresses of the liquid-staking protocol are only known after
// deployment, so the connector starts unconfigured.
var ErrNotConfigured = errors.New("staking: liquid staking contract not configured")

// Adapter is the capability surface the escrow engine consumes from the
// external liquid-staking protocol. Stake converts CSPR motes into derivative
// units, Unstake converts derivative units back, and Balance reports the
// contract's own custodial derivative position. Every operation may fail and
// failures must propagate; the engine never treats a failed call as zero.
type Adapter interface {
	Stake(ctx context.Context, amount *big.Int) (*big.Int, error)
	Unstake(ctx context.Context, derivative *big.Int) (*big.Int, error)
	Balance(ctx context.Context) (*big.Int, error)
}

// Error wraps a failure from the external protocol with the operation that
// produced it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("staking: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
