package escrow

// Error is a revert reason with a stable numeric code. Codes are part of the
// external contract surface: clients key specific messages off them and must
// be able to tell caller-correctable validation failures from transient
// external-dependency failures.
type Error struct {
	Code uint32
	text string
}

func (e *Error) Error() string { return e.text }

// Retryable reports whether the failure may clear on retry. Validation and
// lifecycle errors are deterministic and never retryable; only external
// staking-protocol failures are.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrStakingFailed.Code, ErrUnstakingFailed.Code, ErrBalanceQueryFailed.Code:
		return true
	default:
		return false
	}
}

var (
	ErrMinParticipants      = &Error{1, "escrow: at least two participants required"}
	ErrMaxParticipants      = &Error{2, "escrow: participant target above maximum"}
	ErrInvalidAmount        = &Error{3, "escrow: total amount must be positive"}
	ErrEscrowExists         = &Error{4, "escrow: code already in use"}
	ErrEscrowNotFound       = &Error{5, "escrow: not found"}
	ErrEscrowNotOpen        = &Error{6, "escrow: not open for joining"}
	ErrAlreadyJoined        = &Error{7, "escrow: caller already joined"}
	ErrInvalidPassword      = &Error{8, "escrow: invalid password"}
	ErrIncorrectAmount      = &Error{9, "escrow: contribution must equal the split amount"}
	ErrStakingFailed        = &Error{10, "escrow: staking call failed"}
	ErrEscrowNotComplete    = &Error{11, "escrow: not complete"}
	ErrParticipantNotFound  = &Error{12, "escrow: participant not found"}
	ErrAlreadyWithdrawn     = &Error{13, "escrow: already withdrawn"}
	ErrNotCreator           = &Error{14, "escrow: caller is not the creator"}
	ErrCannotCancel         = &Error{15, "escrow: cannot cancel in current status"}
	ErrUnstakingFailed      = &Error{16, "escrow: unstaking call failed"}
	ErrStakingNotConfigured = &Error{17, "escrow: liquid staking not configured"}
	ErrInsufficientBalance  = &Error{18, "escrow: insufficient balance"}
	ErrNotOwner             = &Error{19, "escrow: caller is not the contract owner"}
	ErrBalanceQueryFailed   = &Error{20, "escrow: derivative balance query failed"}
)
