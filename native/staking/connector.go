package staking

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const defaultRequestTimeout = 10 * time.Second

// Connector speaks to the deployed liquid-staking protocol through its
// execution endpoint. The staking contract and derivative token handles are
// settable post-deployment; until both are configured every call fails with
// ErrNotConfigured.
type Connector struct {
	client   HTTPDoer
	endpoint string

	mu       sync.RWMutex
	contract [20]byte
	token    [20]byte
}

// NewConnector constructs a connector for the given execution endpoint. When
// the client is nil http.DefaultClient is used.
func NewConnector(client HTTPDoer, endpoint string) *Connector {
	if client == nil {
		client = http.DefaultClient
	}
	return &Connector{client: client, endpoint: strings.TrimSpace(endpoint)}
}

// SetContract installs the liquid-staking contract handle.
func (c *Connector) SetContract(handle [20]byte) {
	c.mu.Lock()
	c.contract = handle
	c.mu.Unlock()
}

// SetToken installs the derivative token contract handle.
func (c *Connector) SetToken(handle [20]byte) {
	c.mu.Lock()
	c.token = handle
	c.mu.Unlock()
}

// Configured reports whether both external contract handles are installed.
func (c *Connector) Configured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.contract != ([20]byte{}) && c.token != ([20]byte{})
}

func (c *Connector) handles() (contract, token [20]byte, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.contract == ([20]byte{}) || c.token == ([20]byte{}) {
		return contract, token, ErrNotConfigured
	}
	return c.contract, c.token, nil
}

type callRequest struct {
	Contract string `json:"contract"`
	Token    string `json:"token"`
	Method   string `json:"method"`
	Amount   string `json:"amount,omitempty"`
}

type callResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

func (c *Connector) call(ctx context.Context, method string, amount *big.Int) (*big.Int, error) {
	contract, token, err := c.handles()
	if err != nil {
		return nil, err
	}
	if c.endpoint == "" {
		return nil, ErrNotConfigured
	}
	payload := callRequest{
		Contract: hex.EncodeToString(contract[:]),
		Token:    hex.EncodeToString(token[:]),
		Method:   method,
	}
	if amount != nil {
		payload.Amount = amount.String()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, opError(method, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, opError(method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, opError(method, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, opError(method, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
	var decoded callResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, opError(method, fmt.Errorf("decode: %w", err))
	}
	if decoded.Error != "" {
		return nil, opError(method, fmt.Errorf("upstream: %s", decoded.Error))
	}
	result, ok := new(big.Int).SetString(strings.TrimSpace(decoded.Result), 10)
	if !ok || result.Sign() < 0 {
		return nil, opError(method, fmt.Errorf("invalid result %q", decoded.Result))
	}
	return result, nil
}

// Stake deposits CSPR into the liquid-staking protocol and returns the
// derivative units minted for the deposit.
func (c *Connector) Stake(ctx context.Context, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, opError("stake", fmt.Errorf("amount must be positive"))
	}
	return c.call(ctx, "stake", amount)
}

// Unstake burns derivative units and returns the CSPR released.
func (c *Connector) Unstake(ctx context.Context, derivative *big.Int) (*big.Int, error) {
	if derivative == nil || derivative.Sign() <= 0 {
		return nil, opError("unstake", fmt.Errorf("derivative amount must be positive"))
	}
	return c.call(ctx, "unstake", derivative)
}

// Balance reports the derivative units held by the contract's own custodial
// position. The query is always for the contract's position, never for a
// caller-supplied account.
func (c *Connector) Balance(ctx context.Context) (*big.Int, error) {
	return c.call(ctx, "balance_of", nil)
}
