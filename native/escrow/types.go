package escrow

import (
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Status represents the lifecycle states of a group escrow. Open is the only
// initial state; Complete and Cancelled are terminal and never transition out.
type Status uint8

const (
	StatusOpen Status = iota + 1
	StatusComplete
	StatusCancelled
)

// Participant count bounds enforced at creation.
const (
	MinParticipants = 2
	MaxParticipants = 100
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusComplete, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled
}

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusComplete:
		return "complete"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Escrow is the persistent record of one group-pooling agreement, keyed by its
// code. Amounts are CSPR motes; derivative balances are liquid-staking token
// units. A zero PasswordHash means the escrow is joinable without a password.
type Escrow struct {
	Code                  string
	Creator               [20]byte
	TotalAmount           *big.Int
	SplitAmount           *big.Int
	NumFriends            uint8
	JoinedCount           uint8
	Status                Status
	AccumulatedDerivative *big.Int
	InitialDerivative     *big.Int
	CreatedAt             int64
	PasswordHash          [32]byte
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.TotalAmount = cloneOrZero(e.TotalAmount)
	clone.SplitAmount = cloneOrZero(e.SplitAmount)
	clone.AccumulatedDerivative = cloneOrZero(e.AccumulatedDerivative)
	clone.InitialDerivative = cloneOrZero(e.InitialDerivative)
	return &clone
}

// PasswordProtected reports whether joining requires the creator's password.
func (e *Escrow) PasswordProtected() bool {
	return e != nil && e.PasswordHash != ([32]byte{})
}

// Sanitize validates and normalises the escrow record, returning a cloned
// instance with non-nil amount fields. The original value is not mutated.
func Sanitize(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("escrow: nil record")
	}
	clone := e.Clone()
	clone.Code = strings.TrimSpace(clone.Code)
	if clone.Code == "" {
		return nil, fmt.Errorf("escrow: empty code")
	}
	if clone.TotalAmount.Sign() < 0 || clone.SplitAmount.Sign() < 0 {
		return nil, fmt.Errorf("escrow: negative amount")
	}
	if clone.AccumulatedDerivative.Sign() < 0 || clone.InitialDerivative.Sign() < 0 {
		return nil, fmt.Errorf("escrow: negative derivative balance")
	}
	if clone.NumFriends < MinParticipants || clone.NumFriends > MaxParticipants {
		return nil, fmt.Errorf("escrow: participant target out of range: %d", clone.NumFriends)
	}
	if clone.JoinedCount > clone.NumFriends {
		return nil, fmt.Errorf("escrow: joined count %d above target %d", clone.JoinedCount, clone.NumFriends)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid status: %d", clone.Status)
	}
	return clone, nil
}

// Participant records one identity's contribution to an escrow. Withdrawn is
// set exactly once and never reset.
type Participant struct {
	Contributed        *big.Int
	DerivativeReceived *big.Int
	YieldPaid          *big.Int
	Withdrawn          bool
}

// Clone returns a deep copy of the participant record.
func (p *Participant) Clone() *Participant {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Contributed = cloneOrZero(p.Contributed)
	clone.DerivativeReceived = cloneOrZero(p.DerivativeReceived)
	clone.YieldPaid = cloneOrZero(p.YieldPaid)
	return &clone
}

// UserEscrowRef is one entry of the per-user escrow index.
type UserEscrowRef struct {
	Code    string
	Creator bool
}

// EscrowView is the read-only projection returned by queries. It exposes
// every public field and whether a password gates joining, never the hash
// itself.
type EscrowView struct {
	Code                  string
	Creator               [20]byte
	TotalAmount           *big.Int
	SplitAmount           *big.Int
	NumFriends            uint8
	JoinedCount           uint8
	Status                Status
	AccumulatedDerivative *big.Int
	InitialDerivative     *big.Int
	CreatedAt             int64
	PasswordProtected     bool
}

// ParticipantView is the read-only projection of one participant's standing.
// Joined is false when the identity never joined the escrow; the remaining
// fields are zero in that case.
type ParticipantView struct {
	Joined             bool
	Contributed        *big.Int
	DerivativeReceived *big.Int
	YieldPaid          *big.Int
	Withdrawn          bool
}

// HashPassword derives the stored digest for a join password. The empty
// password maps to the zero hash, meaning the escrow is unprotected.
func HashPassword(password string) [32]byte {
	var digest [32]byte
	if password == "" {
		return digest
	}
	copy(digest[:], ethcrypto.Keccak256([]byte(password)))
	return digest
}

// PasswordMatches compares the supplied password against a stored digest in
// constant time.
func PasswordMatches(hash [32]byte, password string) bool {
	supplied := HashPassword(password)
	return subtle.ConstantTimeCompare(hash[:], supplied[:]) == 1
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
