package staking

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
)

func TestStaticMintAndRedeemAtRate(t *testing.T) {
	adapter := NewStatic()
	ctx := context.Background()

	minted, err := adapter.Stake(ctx, big.NewInt(100))
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if minted.Int64() != 100 {
		t.Fatalf("minted = %s, want 100 at 1:1", minted)
	}

	adapter.SetRate(2, 1)
	minted, err = adapter.Stake(ctx, big.NewInt(100))
	if err != nil {
		t.Fatalf("stake at 2:1: %v", err)
	}
	if minted.Int64() != 200 {
		t.Fatalf("minted = %s, want 200 at 2:1", minted)
	}

	released, err := adapter.Unstake(ctx, big.NewInt(200))
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	if released.Int64() != 100 {
		t.Fatalf("released = %s, want 100 at 2:1", released)
	}

	balance, err := adapter.Balance(ctx)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 100 {
		t.Fatalf("position = %s, want 100", balance)
	}
}

func TestStaticAccrueRewards(t *testing.T) {
	adapter := NewStatic()
	ctx := context.Background()
	if _, err := adapter.Stake(ctx, big.NewInt(400)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	adapter.AccrueRewards(big.NewInt(40))
	adapter.AccrueRewards(nil)
	adapter.AccrueRewards(big.NewInt(-5))

	balance, err := adapter.Balance(ctx)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 440 {
		t.Fatalf("position = %s, want 440", balance)
	}
}

func TestStaticRejectsOverdraw(t *testing.T) {
	adapter := NewStatic()
	ctx := context.Background()
	if _, err := adapter.Stake(ctx, big.NewInt(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if _, err := adapter.Unstake(ctx, big.NewInt(101)); err == nil {
		t.Fatal("unstake above position must fail")
	}
	if _, err := adapter.Stake(ctx, big.NewInt(0)); err == nil {
		t.Fatal("zero stake must fail")
	}
}

func TestStaticFailureInjection(t *testing.T) {
	adapter := NewStatic()
	ctx := context.Background()
	injected := fmt.Errorf("validator slashed")
	adapter.FailNext("stake", injected)

	_, err := adapter.Stake(ctx, big.NewInt(100))
	if !errors.Is(err, injected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	var opErr *Error
	if !errors.As(err, &opErr) || opErr.Op != "stake" {
		t.Fatalf("expected stake op error, got %v", err)
	}

	adapter.FailNext("stake", nil)
	if _, err := adapter.Stake(ctx, big.NewInt(100)); err != nil {
		t.Fatalf("cleared injection still failing: %v", err)
	}
}
