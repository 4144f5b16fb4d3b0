package staking

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
)

func configuredConnector(t *testing.T, handler http.HandlerFunc) *Connector {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	connector := NewConnector(server.Client(), server.URL)
	connector.SetContract([20]byte{0xC1})
	connector.SetToken([20]byte{0xC2})
	return connector
}

func TestConnectorUnconfiguredCallsFail(t *testing.T) {
	connector := NewConnector(nil, "http://staking.invalid")
	if connector.Configured() {
		t.Fatal("fresh connector must be unconfigured")
	}
	if _, err := connector.Stake(context.Background(), big.NewInt(100)); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}

	connector.SetContract([20]byte{0xC1})
	if connector.Configured() {
		t.Fatal("one handle must not mark configured")
	}
	connector.SetToken([20]byte{0xC2})
	if !connector.Configured() {
		t.Fatal("both handles must mark configured")
	}
}

func TestConnectorStakeSendsContractCall(t *testing.T) {
	var received callRequest
	connector := configuredConnector(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(callResponse{Result: "95"})
	})

	minted, err := connector.Stake(context.Background(), big.NewInt(100))
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if minted.Int64() != 95 {
		t.Fatalf("minted = %s, want 95", minted)
	}
	if received.Method != "stake" || received.Amount != "100" {
		t.Fatalf("request = %+v", received)
	}
	if received.Contract == "" || received.Token == "" {
		t.Fatalf("handles missing from request: %+v", received)
	}
}

func TestConnectorBalanceOmitsAmount(t *testing.T) {
	var received callRequest
	connector := configuredConnector(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(callResponse{Result: "440"})
	})

	balance, err := connector.Balance(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 440 {
		t.Fatalf("balance = %s, want 440", balance)
	}
	if received.Method != "balance_of" || received.Amount != "" {
		t.Fatalf("request = %+v", received)
	}
}

func TestConnectorUpstreamErrors(t *testing.T) {
	t.Run("contract error", func(t *testing.T) {
		connector := configuredConnector(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(callResponse{Error: "delegation cap reached"})
		})
		_, err := connector.Stake(context.Background(), big.NewInt(100))
		var opErr *Error
		if !errors.As(err, &opErr) || opErr.Op != "stake" {
			t.Fatalf("expected stake op error, got %v", err)
		}
	})

	t.Run("http error status", func(t *testing.T) {
		connector := configuredConnector(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "node syncing", http.StatusServiceUnavailable)
		})
		if _, err := connector.Unstake(context.Background(), big.NewInt(10)); err == nil {
			t.Fatal("non-200 status must fail")
		}
	})

	t.Run("malformed result", func(t *testing.T) {
		connector := configuredConnector(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(callResponse{Result: "not-a-number"})
		})
		if _, err := connector.Balance(context.Background()); err == nil {
			t.Fatal("malformed result must fail")
		}
	})
}

func TestConnectorValidatesAmounts(t *testing.T) {
	connector := NewConnector(nil, "http://staking.invalid")
	connector.SetContract([20]byte{0xC1})
	connector.SetToken([20]byte{0xC2})

	if _, err := connector.Stake(context.Background(), big.NewInt(0)); err == nil {
		t.Fatal("zero stake must fail without touching the network")
	}
	if _, err := connector.Unstake(context.Background(), nil); err == nil {
		t.Fatal("nil unstake must fail without touching the network")
	}
}
