package state

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"caspero/core/types"
	"caspero/native/escrow"
	"caspero/storage"
)

// Manager owns key derivation and serialization for all escrow state held in
// the flat key-value dictionary. Records are RLP-encoded under keccak-hashed
// prefix keys. The Manager satisfies the escrow engine's state interface.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func escrowRecordKey(code string) []byte {
	buf := make([]byte, len(escrowRecordPrefix)+len(code))
	copy(buf, escrowRecordPrefix)
	copy(buf[len(escrowRecordPrefix):], code)
	return ethcrypto.Keccak256(buf)
}

func participantKey(code string, addr [20]byte) []byte {
	buf := make([]byte, len(escrowParticipantPrefix)+len(code)+1+len(addr))
	copy(buf, escrowParticipantPrefix)
	copy(buf[len(escrowParticipantPrefix):], code)
	buf[len(escrowParticipantPrefix)+len(code)] = ':'
	copy(buf[len(escrowParticipantPrefix)+len(code)+1:], addr[:])
	return ethcrypto.Keccak256(buf)
}

func participantListKey(code string) []byte {
	buf := make([]byte, len(escrowListPrefix)+len(code))
	copy(buf, escrowListPrefix)
	copy(buf[len(escrowListPrefix):], code)
	return ethcrypto.Keccak256(buf)
}

func userIndexKey(addr [20]byte) []byte {
	buf := make([]byte, len(escrowUserPrefix)+len(addr))
	copy(buf, escrowUserPrefix)
	copy(buf[len(escrowUserPrefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

func accountKey(addr [20]byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

func stakingHandlesKey() []byte {
	return ethcrypto.Keccak256(stakingHandlesRawKey)
}

func outstandingKey() []byte {
	return ethcrypto.Keccak256(outstandingRawKey)
}

// storedEscrow is the RLP wire form of an escrow record. Signed timestamps
// are carried as big.Int because RLP only encodes unsigned integers.
type storedEscrow struct {
	Code                  string
	Creator               [20]byte
	TotalAmount           *big.Int
	SplitAmount           *big.Int
	NumFriends            uint8
	JoinedCount           uint8
	Status                uint8
	AccumulatedDerivative *big.Int
	InitialDerivative     *big.Int
	CreatedAt             *big.Int
	PasswordHash          [32]byte
}

func newStoredEscrow(e *escrow.Escrow) (*storedEscrow, error) {
	sanitized, err := escrow.Sanitize(e)
	if err != nil {
		return nil, err
	}
	return &storedEscrow{
		Code:                  sanitized.Code,
		Creator:               sanitized.Creator,
		TotalAmount:           sanitized.TotalAmount,
		SplitAmount:           sanitized.SplitAmount,
		NumFriends:            sanitized.NumFriends,
		JoinedCount:           sanitized.JoinedCount,
		Status:                uint8(sanitized.Status),
		AccumulatedDerivative: sanitized.AccumulatedDerivative,
		InitialDerivative:     sanitized.InitialDerivative,
		CreatedAt:             big.NewInt(sanitized.CreatedAt),
		PasswordHash:          sanitized.PasswordHash,
	}, nil
}

func (s *storedEscrow) toEscrow() (*escrow.Escrow, error) {
	if s == nil {
		return nil, fmt.Errorf("state: nil escrow storage record")
	}
	out := &escrow.Escrow{
		Code:                  s.Code,
		Creator:               s.Creator,
		TotalAmount:           bigOrZero(s.TotalAmount),
		SplitAmount:           bigOrZero(s.SplitAmount),
		NumFriends:            s.NumFriends,
		JoinedCount:           s.JoinedCount,
		Status:                escrow.Status(s.Status),
		AccumulatedDerivative: bigOrZero(s.AccumulatedDerivative),
		InitialDerivative:     bigOrZero(s.InitialDerivative),
		PasswordHash:          s.PasswordHash,
	}
	if s.CreatedAt != nil {
		out.CreatedAt = s.CreatedAt.Int64()
	}
	return escrow.Sanitize(out)
}

type storedParticipant struct {
	Contributed        *big.Int
	DerivativeReceived *big.Int
	YieldPaid          *big.Int
	Withdrawn          bool
}

type storedUserRef struct {
	Code    string
	Creator bool
}

type storedHandles struct {
	Contract [20]byte
	Token    [20]byte
}

type storedOutstanding struct {
	Units *big.Int
}

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (m *Manager) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// get decodes the record at key into out, reporting whether it existed.
func (m *Manager) get(key []byte, out interface{}) (bool, error) {
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// EscrowPut persists an escrow record under its code.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	stored, err := newStoredEscrow(e)
	if err != nil {
		return err
	}
	return m.put(escrowRecordKey(stored.Code), stored)
}

// EscrowGet loads an escrow record, reporting whether it exists.
func (m *Manager) EscrowGet(code string) (*escrow.Escrow, bool, error) {
	var stored storedEscrow
	ok, err := m.get(escrowRecordKey(code), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	out, err := stored.toEscrow()
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// ParticipantPut persists one participant record under escrow code + address.
func (m *Manager) ParticipantPut(code string, addr [20]byte, p *escrow.Participant) error {
	if p == nil {
		return fmt.Errorf("state: nil participant record")
	}
	stored := &storedParticipant{
		Contributed:        bigOrZero(p.Contributed),
		DerivativeReceived: bigOrZero(p.DerivativeReceived),
		YieldPaid:          bigOrZero(p.YieldPaid),
		Withdrawn:          p.Withdrawn,
	}
	return m.put(participantKey(code, addr), stored)
}

// ParticipantGet loads one participant record, reporting whether it exists.
func (m *Manager) ParticipantGet(code string, addr [20]byte) (*escrow.Participant, bool, error) {
	var stored storedParticipant
	ok, err := m.get(participantKey(code, addr), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &escrow.Participant{
		Contributed:        bigOrZero(stored.Contributed),
		DerivativeReceived: bigOrZero(stored.DerivativeReceived),
		YieldPaid:          bigOrZero(stored.YieldPaid),
		Withdrawn:          stored.Withdrawn,
	}, true, nil
}

// ParticipantListGet returns the append-only participant list for an escrow.
func (m *Manager) ParticipantListGet(code string) ([][20]byte, error) {
	var list [][20]byte
	if _, err := m.get(participantListKey(code), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// ParticipantListAppend appends an address to the escrow's participant list.
// The list exists solely so cancellation can iterate joined participants; the
// dictionary offers no native iteration.
func (m *Manager) ParticipantListAppend(code string, addr [20]byte) error {
	list, err := m.ParticipantListGet(code)
	if err != nil {
		return err
	}
	list = append(list, addr)
	return m.put(participantListKey(code), list)
}

// UserEscrowAdd records an escrow in the user's index, once per code. The
// creator flag sticks with the first entry written for the code.
func (m *Manager) UserEscrowAdd(addr [20]byte, code string, creator bool) error {
	refs, err := m.userRefs(addr)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if ref.Code == code {
			return nil
		}
	}
	refs = append(refs, storedUserRef{Code: code, Creator: creator})
	return m.put(userIndexKey(addr), refs)
}

// UserEscrows returns the user's escrow index.
func (m *Manager) UserEscrows(addr [20]byte) ([]escrow.UserEscrowRef, error) {
	refs, err := m.userRefs(addr)
	if err != nil {
		return nil, err
	}
	out := make([]escrow.UserEscrowRef, 0, len(refs))
	for _, ref := range refs {
		out = append(out, escrow.UserEscrowRef{Code: ref.Code, Creator: ref.Creator})
	}
	return out, nil
}

func (m *Manager) userRefs(addr [20]byte) ([]storedUserRef, error) {
	var refs []storedUserRef
	if _, err := m.get(userIndexKey(addr), &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

// StakingHandlesGet returns the configured external contract handles; zero
// values mean not configured.
func (m *Manager) StakingHandlesGet() (contract, token [20]byte, err error) {
	var stored storedHandles
	if _, err := m.get(stakingHandlesKey(), &stored); err != nil {
		return contract, token, err
	}
	return stored.Contract, stored.Token, nil
}

// StakingHandlesPut persists the external contract handles.
func (m *Manager) StakingHandlesPut(contract, token [20]byte) error {
	return m.put(stakingHandlesKey(), &storedHandles{Contract: contract, Token: token})
}

// DerivativeOutstandingGet returns the total principal derivative units the
// contract holds across all escrows. The staking protocol keeps one pooled
// custodial position, so this counter is what apportions that position back
// to individual escrows.
func (m *Manager) DerivativeOutstandingGet() (*big.Int, error) {
	var stored storedOutstanding
	if _, err := m.get(outstandingKey(), &stored); err != nil {
		return nil, err
	}
	return bigOrZero(stored.Units), nil
}

// DerivativeOutstandingPut persists the outstanding principal counter.
func (m *Manager) DerivativeOutstandingPut(units *big.Int) error {
	return m.put(outstandingKey(), &storedOutstanding{Units: bigOrZero(units)})
}

// GetAccount loads the ledger account for an address. Missing accounts load
// as zero-balance accounts.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	var stored storedAccount
	ok, err := m.get(accountKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	return &types.Account{Nonce: stored.Nonce, Balance: bigOrZero(stored.Balance)}, nil
}

// PutAccount persists the ledger account for an address.
func (m *Manager) PutAccount(addr [20]byte, acc *types.Account) error {
	if acc == nil {
		return fmt.Errorf("state: nil account")
	}
	stored := &storedAccount{Nonce: acc.Nonce, Balance: bigOrZero(acc.Balance)}
	return m.put(accountKey(addr), stored)
}
