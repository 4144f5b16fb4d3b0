package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"caspero/core/events"
	"caspero/core/types"
	"caspero/native/staking"
)

var (
	errNilState = errors.New("escrow engine: state not configured")
	errNilVault = errors.New("escrow engine: vault not configured")
)

// engineState is the narrow persistence surface the engine needs. The state
// manager provides point lookups only; the participant list is the single
// iteration structure and exists solely for cancellation refunds.
type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(code string) (*Escrow, bool, error)
	ParticipantPut(code string, addr [20]byte, p *Participant) error
	ParticipantGet(code string, addr [20]byte) (*Participant, bool, error)
	ParticipantListGet(code string) ([][20]byte, error)
	ParticipantListAppend(code string, addr [20]byte) error
	UserEscrowAdd(addr [20]byte, code string, creator bool) error
	UserEscrows(addr [20]byte) ([]UserEscrowRef, error)
	StakingHandlesGet() (contract, token [20]byte, err error)
	StakingHandlesPut(contract, token [20]byte) error
	DerivativeOutstandingGet() (*big.Int, error)
	DerivativeOutstandingPut(units *big.Int) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, acc *types.Account) error
}

// configurable is implemented by adapters whose external contract handles are
// settable post-deployment.
type configurable interface {
	SetContract([20]byte)
	SetToken([20]byte)
}

// RefundFailure identifies a participant whose cancellation refund failed and
// why. Individual failures never abort the remaining refunds.
type RefundFailure struct {
	Participant [20]byte
	Reason      string
}

// CancelResult reports the outcome of a cancellation refund sweep.
type CancelResult struct {
	RefundCount int
	Refunded    [][20]byte
	Failed      []RefundFailure
}

// Engine implements the group-escrow state machine over persistent key-value
// state. Every mutating operation validates its preconditions in order, each
// mapping to a distinct coded error, before touching state.
type Engine struct {
	state   engineState
	adapter staking.Adapter
	emitter events.Emitter
	vault   [20]byte
	owner   [20]byte
	nowFn   func() int64
	codeFn  func() string
}

// NewEngine creates an escrow engine with a no-op emitter. Callers wire state,
// adapter and addresses via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		codeFn:  uuid.NewString,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAdapter configures the liquid-staking adapter.
func (e *Engine) SetAdapter(adapter staking.Adapter) { e.adapter = adapter }

// SetVault configures the address of the contract's custody purse.
func (e *Engine) SetVault(addr [20]byte) { e.vault = addr }

// SetOwner configures the admin address allowed to install external contract
// handles.
func (e *Engine) SetOwner(addr [20]byte) { e.owner = addr }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetCodeFunc overrides the escrow code generator used when the creator does
// not supply one. Primarily intended for tests.
func (e *Engine) SetCodeFunc(gen func() string) {
	if gen == nil {
		e.codeFn = uuid.NewString
		return
	}
	e.codeFn = gen
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) loadEscrow(code string) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok, err := e.state.EscrowGet(code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return esc, nil
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

// transfer moves motes between ledger accounts, failing when the source
// balance is insufficient.
func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneOrZero(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

// adjustVault credits (positive delta) or debits the custody purse for motes
// moving to and from the external staking protocol.
func (e *Engine) adjustVault(delta *big.Int) error {
	if e.vault == ([20]byte{}) {
		return errNilVault
	}
	acc, err := e.state.GetAccount(e.vault)
	if err != nil {
		return err
	}
	acc = ensureAccount(acc)
	next := new(big.Int).Add(acc.Balance, delta)
	if next.Sign() < 0 {
		return ErrInsufficientBalance
	}
	acc.Balance = next
	return e.state.PutAccount(e.vault, acc)
}

// adjustOutstanding moves the pooled principal counter by delta. The counter
// tracks principal units only; accrued rewards live in the gap between it and
// the adapter's position. Floored at zero so a refund that already burned its
// units can never be failed retroactively.
func (e *Engine) adjustOutstanding(delta *big.Int) error {
	outstanding, err := e.state.DerivativeOutstandingGet()
	if err != nil {
		return err
	}
	next := new(big.Int).Add(outstanding, delta)
	if next.Sign() < 0 {
		next = big.NewInt(0)
	}
	return e.state.DerivativeOutstandingPut(next)
}

func (e *Engine) stakingAdapter() (staking.Adapter, error) {
	if e == nil || e.adapter == nil {
		return nil, ErrStakingNotConfigured
	}
	return e.adapter, nil
}

func mapStakingErr(sentinel *Error, err error) error {
	if errors.Is(err, staking.ErrNotConfigured) {
		return ErrStakingNotConfigured
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}

// Create initialises and persists a new escrow in the Open state. The creator
// is not auto-enrolled; they join like any other participant. An empty code
// is replaced with a generated one, and any code is checked for collision.
// The effective total is redefined as split*numFriends so integer-division
// dust is never owed by anyone.
func (e *Engine) Create(creator [20]byte, code string, totalAmount *big.Int, numFriends uint8, password string) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if numFriends < MinParticipants {
		return nil, ErrMinParticipants
	}
	if numFriends > MaxParticipants {
		return nil, ErrMaxParticipants
	}
	if totalAmount == nil || totalAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	code = strings.TrimSpace(code)
	if code == "" {
		code = e.codeFn()
	}
	_, exists, err := e.state.EscrowGet(code)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrEscrowExists
	}
	split := new(big.Int).Div(totalAmount, big.NewInt(int64(numFriends)))
	if split.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	effective := new(big.Int).Mul(split, big.NewInt(int64(numFriends)))
	esc := &Escrow{
		Code:                  code,
		Creator:               creator,
		TotalAmount:           effective,
		SplitAmount:           split,
		NumFriends:            numFriends,
		JoinedCount:           0,
		Status:                StatusOpen,
		AccumulatedDerivative: big.NewInt(0),
		InitialDerivative:     big.NewInt(0),
		CreatedAt:             e.now(),
		PasswordHash:          HashPassword(password),
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	if err := e.state.UserEscrowAdd(creator, code, true); err != nil {
		return nil, err
	}
	e.emit(EscrowCreated{
		Code:        esc.Code,
		Creator:     esc.Creator,
		TotalAmount: cloneOrZero(esc.TotalAmount),
		NumFriends:  esc.NumFriends,
	})
	return esc.Clone(), nil
}

// Join contributes the exact split amount to an open escrow. The contribution
// is staked immediately; a staking failure aborts the call before the caller
// is debited. The join that reaches the participant target flips the escrow
// to Complete within the same call, snapshotting the derivative balance as
// the yield baseline.
func (e *Engine) Join(ctx context.Context, code string, caller [20]byte, amount *big.Int, password string) error {
	esc, err := e.loadEscrow(code)
	if err != nil {
		return err
	}
	if esc.Status != StatusOpen {
		return ErrEscrowNotOpen
	}
	_, joined, err := e.state.ParticipantGet(code, caller)
	if err != nil {
		return err
	}
	if joined {
		return ErrAlreadyJoined
	}
	if esc.PasswordProtected() && !PasswordMatches(esc.PasswordHash, password) {
		return ErrInvalidPassword
	}
	if amount == nil || amount.Cmp(esc.SplitAmount) != 0 {
		return ErrIncorrectAmount
	}
	// Probe the caller's funds up front so a successful stake can never be
	// followed by a failed debit.
	callerAcc, err := e.state.GetAccount(caller)
	if err != nil {
		return err
	}
	if ensureAccount(callerAcc).Balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	adapter, err := e.stakingAdapter()
	if err != nil {
		return err
	}
	minted, err := adapter.Stake(ctx, amount)
	if err != nil {
		return mapStakingErr(ErrStakingFailed, err)
	}
	if err := e.adjustOutstanding(minted); err != nil {
		return err
	}
	if err := e.transfer(caller, e.vault, amount); err != nil {
		return err
	}
	// The staked motes leave the custody purse for the external protocol.
	if err := e.adjustVault(new(big.Int).Neg(amount)); err != nil {
		return err
	}
	participant := &Participant{
		Contributed:        cloneOrZero(amount),
		DerivativeReceived: cloneOrZero(minted),
		YieldPaid:          big.NewInt(0),
		Withdrawn:          false,
	}
	if err := e.state.ParticipantPut(code, caller, participant); err != nil {
		return err
	}
	if err := e.state.ParticipantListAppend(code, caller); err != nil {
		return err
	}
	if err := e.state.UserEscrowAdd(caller, code, false); err != nil {
		return err
	}
	esc.AccumulatedDerivative = new(big.Int).Add(esc.AccumulatedDerivative, minted)
	esc.JoinedCount++
	completed := esc.JoinedCount == esc.NumFriends
	if completed {
		esc.Status = StatusComplete
		esc.InitialDerivative = cloneOrZero(esc.AccumulatedDerivative)
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return err
	}
	e.emit(ParticipantJoined{
		Code:        esc.Code,
		Participant: caller,
		Amount:      cloneOrZero(amount),
		JoinedCount: esc.JoinedCount,
	})
	if completed {
		e.emit(EscrowCompleted{
			Code:            esc.Code,
			TotalDerivative: cloneOrZero(esc.AccumulatedDerivative),
		})
	}
	return nil
}

// Withdraw pays a participant their principal plus proportional yield from a
// completed escrow. The staking protocol holds one pooled position for every
// escrow, so yield is the positive gap between that position and the total
// outstanding principal units, apportioned by the participant's share of the
// outstanding units. Principal staked for other escrows can never surface as
// yield here. The gap is floored at zero rather than blocking withdrawal when
// the external position slipped.
func (e *Engine) Withdraw(ctx context.Context, code string, caller [20]byte) error {
	esc, err := e.loadEscrow(code)
	if err != nil {
		return err
	}
	if esc.Status != StatusComplete {
		return ErrEscrowNotComplete
	}
	participant, ok, err := e.state.ParticipantGet(code, caller)
	if err != nil {
		return err
	}
	if !ok {
		return ErrParticipantNotFound
	}
	if participant.Withdrawn {
		return ErrAlreadyWithdrawn
	}
	adapter, err := e.stakingAdapter()
	if err != nil {
		return err
	}
	current, err := adapter.Balance(ctx)
	if err != nil {
		return mapStakingErr(ErrBalanceQueryFailed, err)
	}
	outstanding, err := e.state.DerivativeOutstandingGet()
	if err != nil {
		return err
	}
	totalYield := new(big.Int).Sub(current, outstanding)
	if totalYield.Sign() < 0 {
		totalYield = big.NewInt(0)
	}
	share := big.NewInt(0)
	if outstanding.Sign() > 0 && totalYield.Sign() > 0 {
		share = new(big.Int).Mul(participant.DerivativeReceived, totalYield)
		share.Div(share, outstanding)
	}
	redeem := new(big.Int).Add(participant.DerivativeReceived, share)
	released, err := adapter.Unstake(ctx, redeem)
	if err != nil {
		return mapStakingErr(ErrUnstakingFailed, err)
	}
	// The share units carried rewards, not principal; only the principal
	// leaves the outstanding counter.
	if err := e.adjustOutstanding(new(big.Int).Neg(participant.DerivativeReceived)); err != nil {
		return err
	}
	// Released motes arrive in the custody purse before paying out.
	if err := e.adjustVault(released); err != nil {
		return err
	}
	if err := e.transfer(e.vault, caller, released); err != nil {
		return err
	}
	participant.Withdrawn = true
	yieldPaid := new(big.Int).Sub(released, participant.Contributed)
	if yieldPaid.Sign() < 0 {
		yieldPaid = big.NewInt(0)
	}
	participant.YieldPaid = yieldPaid
	if err := e.state.ParticipantPut(code, caller, participant); err != nil {
		return err
	}
	e.emit(WithdrawalMade{
		Code:        esc.Code,
		Participant: caller,
		Amount:      cloneOrZero(released),
	})
	return nil
}

// Cancel is the creator's emergency exit from an open escrow. Every joined
// participant is refunded their contribution independently: one failed
// unstake or payout never aborts the remaining refunds, and failures are
// reported both in the result and the emitted event. The escrow ends
// Cancelled regardless.
func (e *Engine) Cancel(ctx context.Context, code string, caller [20]byte) (*CancelResult, error) {
	esc, err := e.loadEscrow(code)
	if err != nil {
		return nil, err
	}
	if esc.Creator != caller {
		return nil, ErrNotCreator
	}
	if esc.Status != StatusOpen {
		return nil, ErrCannotCancel
	}
	participants, err := e.state.ParticipantListGet(code)
	if err != nil {
		return nil, err
	}
	result := &CancelResult{}
	for _, addr := range participants {
		participant, ok, err := e.state.ParticipantGet(code, addr)
		if err != nil {
			result.Failed = append(result.Failed, RefundFailure{Participant: addr, Reason: err.Error()})
			continue
		}
		if !ok || participant.DerivativeReceived.Sign() <= 0 {
			continue
		}
		if err := e.refundParticipant(ctx, addr, participant); err != nil {
			result.Failed = append(result.Failed, RefundFailure{Participant: addr, Reason: err.Error()})
			continue
		}
		result.Refunded = append(result.Refunded, addr)
		result.RefundCount++
	}
	esc.Status = StatusCancelled
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	failed := make([][20]byte, 0, len(result.Failed))
	for _, f := range result.Failed {
		failed = append(failed, f.Participant)
	}
	e.emit(EscrowCancelled{
		Code:        esc.Code,
		RefundCount: result.RefundCount,
		Failed:      failed,
	})
	return result, nil
}

func (e *Engine) refundParticipant(ctx context.Context, addr [20]byte, participant *Participant) error {
	adapter, err := e.stakingAdapter()
	if err != nil {
		return err
	}
	released, err := adapter.Unstake(ctx, participant.DerivativeReceived)
	if err != nil {
		return mapStakingErr(ErrUnstakingFailed, err)
	}
	if err := e.adjustOutstanding(new(big.Int).Neg(participant.DerivativeReceived)); err != nil {
		return err
	}
	if err := e.adjustVault(released); err != nil {
		return err
	}
	return e.transfer(e.vault, addr, released)
}

// Get returns the read-only view of an escrow.
func (e *Engine) Get(code string) (*EscrowView, error) {
	esc, err := e.loadEscrow(code)
	if err != nil {
		return nil, err
	}
	return &EscrowView{
		Code:                  esc.Code,
		Creator:               esc.Creator,
		TotalAmount:           cloneOrZero(esc.TotalAmount),
		SplitAmount:           cloneOrZero(esc.SplitAmount),
		NumFriends:            esc.NumFriends,
		JoinedCount:           esc.JoinedCount,
		Status:                esc.Status,
		AccumulatedDerivative: cloneOrZero(esc.AccumulatedDerivative),
		InitialDerivative:     cloneOrZero(esc.InitialDerivative),
		CreatedAt:             esc.CreatedAt,
		PasswordProtected:     esc.PasswordProtected(),
	}, nil
}

// ParticipantStatus returns one participant's standing. An identity that
// never joined yields a view with Joined=false, not an error.
func (e *Engine) ParticipantStatus(code string, addr [20]byte) (*ParticipantView, error) {
	if _, err := e.loadEscrow(code); err != nil {
		return nil, err
	}
	participant, ok, err := e.state.ParticipantGet(code, addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ParticipantView{
			Joined:             false,
			Contributed:        big.NewInt(0),
			DerivativeReceived: big.NewInt(0),
			YieldPaid:          big.NewInt(0),
		}, nil
	}
	return &ParticipantView{
		Joined:             true,
		Contributed:        cloneOrZero(participant.Contributed),
		DerivativeReceived: cloneOrZero(participant.DerivativeReceived),
		YieldPaid:          cloneOrZero(participant.YieldPaid),
		Withdrawn:          participant.Withdrawn,
	}, nil
}

// UserEscrows returns the cheap per-user index of escrow codes.
func (e *Engine) UserEscrows(addr [20]byte) ([]UserEscrowRef, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.UserEscrows(addr)
}

// SetLiquidStakingContract installs the external staking contract handle.
// Owner-only.
func (e *Engine) SetLiquidStakingContract(caller, handle [20]byte) error {
	return e.setHandle(caller, handle, true)
}

// SetTokenContract installs the derivative token contract handle. Owner-only.
func (e *Engine) SetTokenContract(caller, handle [20]byte) error {
	return e.setHandle(caller, handle, false)
}

func (e *Engine) setHandle(caller, handle [20]byte, stakingContract bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.owner == ([20]byte{}) || caller != e.owner {
		return ErrNotOwner
	}
	contract, token, err := e.state.StakingHandlesGet()
	if err != nil {
		return err
	}
	if stakingContract {
		contract = handle
	} else {
		token = handle
	}
	if err := e.state.StakingHandlesPut(contract, token); err != nil {
		return err
	}
	e.applyHandles(contract, token)
	return nil
}

// LoadStakingHandles restores persisted contract handles into the adapter,
// typically at service startup.
func (e *Engine) LoadStakingHandles() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	contract, token, err := e.state.StakingHandlesGet()
	if err != nil {
		return err
	}
	e.applyHandles(contract, token)
	return nil
}

func (e *Engine) applyHandles(contract, token [20]byte) {
	cfg, ok := e.adapter.(configurable)
	if !ok {
		return
	}
	if contract != ([20]byte{}) {
		cfg.SetContract(contract)
	}
	if token != ([20]byte{}) {
		cfg.SetToken(token)
	}
}
