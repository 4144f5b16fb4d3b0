package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"caspero/core/types"
)

// Event type identifiers consumed by the off-chain indexer. The event stream
// is its sole source for platform-wide views, so every transition emits
// exactly one event of each relevant type.
const (
	TypeEscrowCreated     = "escrow.created"
	TypeParticipantJoined = "escrow.participant_joined"
	TypeEscrowCompleted   = "escrow.completed"
	TypeWithdrawalMade    = "escrow.withdrawal"
	TypeEscrowCancelled   = "escrow.cancelled"
)

// EscrowCreated is emitted once per successful creation.
type EscrowCreated struct {
	Code        string
	Creator     [20]byte
	TotalAmount *big.Int
	NumFriends  uint8
}

func (EscrowCreated) EventType() string { return TypeEscrowCreated }

func (e EscrowCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowCreated,
		Attributes: map[string]string{
			"code":        e.Code,
			"creator":     hex.EncodeToString(e.Creator[:]),
			"totalAmount": formatAmount(e.TotalAmount),
			"numFriends":  strconv.FormatUint(uint64(e.NumFriends), 10),
		},
	}
}

// ParticipantJoined is emitted on every successful join, including the one
// that completes the escrow.
type ParticipantJoined struct {
	Code        string
	Participant [20]byte
	Amount      *big.Int
	JoinedCount uint8
}

func (ParticipantJoined) EventType() string { return TypeParticipantJoined }

func (e ParticipantJoined) Event() *types.Event {
	return &types.Event{
		Type: TypeParticipantJoined,
		Attributes: map[string]string{
			"code":        e.Code,
			"participant": hex.EncodeToString(e.Participant[:]),
			"amount":      formatAmount(e.Amount),
			"joinedCount": strconv.FormatUint(uint64(e.JoinedCount), 10),
		},
	}
}

// EscrowCompleted is emitted exactly once, by the join that fills the escrow.
type EscrowCompleted struct {
	Code            string
	TotalDerivative *big.Int
}

func (EscrowCompleted) EventType() string { return TypeEscrowCompleted }

func (e EscrowCompleted) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowCompleted,
		Attributes: map[string]string{
			"code":                   e.Code,
			"totalDerivativeBalance": formatAmount(e.TotalDerivative),
		},
	}
}

// WithdrawalMade is emitted when a participant withdraws principal plus
// proportional yield after completion.
type WithdrawalMade struct {
	Code        string
	Participant [20]byte
	Amount      *big.Int
}

func (WithdrawalMade) EventType() string { return TypeWithdrawalMade }

func (e WithdrawalMade) Event() *types.Event {
	return &types.Event{
		Type: TypeWithdrawalMade,
		Attributes: map[string]string{
			"code":        e.Code,
			"participant": hex.EncodeToString(e.Participant[:]),
			"amount":      formatAmount(e.Amount),
		},
	}
}

// EscrowCancelled is emitted when the creator cancels an open escrow. Failed
// refund recipients are listed so the failure is never silent.
type EscrowCancelled struct {
	Code        string
	RefundCount int
	Failed      [][20]byte
}

func (EscrowCancelled) EventType() string { return TypeEscrowCancelled }

func (e EscrowCancelled) Event() *types.Event {
	attrs := map[string]string{
		"code":        e.Code,
		"refundCount": strconv.Itoa(e.RefundCount),
		"failedCount": strconv.Itoa(len(e.Failed)),
	}
	if len(e.Failed) > 0 {
		encoded := make([]string, 0, len(e.Failed))
		for _, addr := range e.Failed {
			encoded = append(encoded, hex.EncodeToString(addr[:]))
		}
		attrs["failed"] = strings.Join(encoded, ",")
	}
	return &types.Event{Type: TypeEscrowCancelled, Attributes: attrs}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
