package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"caspero/native/escrow"
)

type escrowCreateParams struct {
	Creator     string `json:"creator"`
	Code        string `json:"code,omitempty"`
	TotalAmount string `json:"totalAmount"`
	NumFriends  uint8  `json:"numFriends"`
	Password    string `json:"password,omitempty"`
}

type escrowJoinParams struct {
	Code     string `json:"code"`
	Caller   string `json:"caller"`
	Amount   string `json:"amount"`
	Password string `json:"password,omitempty"`
}

type escrowActorParams struct {
	Code   string `json:"code"`
	Caller string `json:"caller"`
}

type escrowCodeParams struct {
	Code string `json:"code"`
}

type escrowParticipantParams struct {
	Code        string `json:"code"`
	Participant string `json:"participant"`
}

type escrowUserParams struct {
	User string `json:"user"`
}

type escrowHandleParams struct {
	Caller string `json:"caller"`
	Handle string `json:"handle"`
}

type escrowCreateResult struct {
	Code string `json:"code"`
}

type escrowJSON struct {
	Code                  string `json:"code"`
	Creator               string `json:"creator"`
	TotalAmount           string `json:"totalAmount"`
	SplitAmount           string `json:"splitAmount"`
	NumFriends            uint8  `json:"numFriends"`
	JoinedCount           uint8  `json:"joinedCount"`
	Status                string `json:"status"`
	AccumulatedDerivative string `json:"accumulatedDerivativeBalance"`
	InitialDerivative     string `json:"initialDerivativeBalance"`
	CreatedAt             int64  `json:"createdAt"`
	PasswordProtected     bool   `json:"passwordProtected"`
}

type participantJSON struct {
	Joined             bool   `json:"joined"`
	Contributed        string `json:"csprContributed,omitempty"`
	DerivativeReceived string `json:"derivativeReceived,omitempty"`
	YieldPaid          string `json:"yieldPaid,omitempty"`
	Withdrawn          bool   `json:"withdrawn"`
}

type userEscrowJSON struct {
	Code      string `json:"code"`
	IsCreator bool   `json:"isCreator"`
}

type refundFailureJSON struct {
	Participant string `json:"participant"`
	Reason      string `json:"reason"`
}

type cancelResultJSON struct {
	RefundCount int                 `json:"refundCount"`
	Refunded    []string            `json:"refunded"`
	Failed      []refundFailureJSON `json:"failed"`
}

type errorData struct {
	Code      uint32 `json:"code"`
	Retryable bool   `json:"retryable"`
	Detail    string `json:"detail"`
}

func parseAddress(raw string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return out, fmt.Errorf("address required")
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("invalid address: %v", err)
	}
	if len(decoded) != 20 {
		return out, fmt.Errorf("invalid address length: %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func parsePositiveBigInt(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return value, nil
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

// writeEngineError maps a coded engine error onto the JSON-RPC surface,
// keeping the stable numeric code and retryability visible to clients.
func (s *Server) writeEngineError(w http.ResponseWriter, req *RPCRequest, method string, err error) {
	var coded *escrow.Error
	if !errors.As(err, &coded) {
		s.log.Error("escrow entry point failed", slog.String("method", method), slog.Any("error", err))
		s.metrics.ObserveError(method, "internal")
		writeError(w, http.StatusInternalServerError, req.ID, codeEscrowInternal, "internal_error", err.Error())
		return
	}
	status := http.StatusBadRequest
	rpcCode := codeEscrowInvalidParams
	switch coded {
	case escrow.ErrEscrowNotFound, escrow.ErrParticipantNotFound:
		status, rpcCode = http.StatusNotFound, codeEscrowNotFound
	case escrow.ErrNotCreator, escrow.ErrNotOwner, escrow.ErrInvalidPassword:
		status, rpcCode = http.StatusForbidden, codeEscrowForbidden
	case escrow.ErrEscrowExists, escrow.ErrEscrowNotOpen, escrow.ErrAlreadyJoined,
		escrow.ErrEscrowNotComplete, escrow.ErrAlreadyWithdrawn, escrow.ErrCannotCancel:
		status, rpcCode = http.StatusConflict, codeEscrowConflict
	case escrow.ErrStakingFailed, escrow.ErrUnstakingFailed, escrow.ErrBalanceQueryFailed,
		escrow.ErrStakingNotConfigured:
		status, rpcCode = http.StatusBadGateway, codeEscrowUpstream
	}
	s.metrics.ObserveError(method, strconv.FormatUint(uint64(coded.Code), 10))
	writeError(w, status, req.ID, rpcCode, coded.Error(), errorData{
		Code:      coded.Code,
		Retryable: coded.Retryable(),
		Detail:    err.Error(),
	})
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, "unauthorized", authErr.Message)
		return
	}
	var params escrowCreateParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	creator, err := parseAddress(params.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	total, err := parsePositiveBigInt(params.TotalAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	s.mu.Lock()
	created, err := s.engine.Create(creator, params.Code, total, params.NumFriends, params.Password)
	s.mu.Unlock()
	if err != nil {
		s.writeEngineError(w, req, "escrow_create", err)
		return
	}
	writeResult(w, req.ID, escrowCreateResult{Code: created.Code})
}

func (s *Server) handleEscrowJoin(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, "unauthorized", authErr.Message)
		return
	}
	var params escrowJoinParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	s.mu.Lock()
	err = s.engine.Join(r.Context(), params.Code, caller, amount, params.Password)
	s.mu.Unlock()
	if err != nil {
		s.writeEngineError(w, req, "escrow_join", err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleEscrowWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, "unauthorized", authErr.Message)
		return
	}
	var params escrowActorParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	s.mu.Lock()
	err = s.engine.Withdraw(r.Context(), params.Code, caller)
	s.mu.Unlock()
	if err != nil {
		s.writeEngineError(w, req, "escrow_withdraw", err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleEscrowCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, "unauthorized", authErr.Message)
		return
	}
	var params escrowActorParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	s.mu.Lock()
	result, err := s.engine.Cancel(r.Context(), params.Code, caller)
	s.mu.Unlock()
	if err != nil {
		s.writeEngineError(w, req, "escrow_cancel", err)
		return
	}
	out := cancelResultJSON{
		RefundCount: result.RefundCount,
		Refunded:    make([]string, 0, len(result.Refunded)),
		Failed:      make([]refundFailureJSON, 0, len(result.Failed)),
	}
	for _, addr := range result.Refunded {
		out.Refunded = append(out.Refunded, "0x"+hex.EncodeToString(addr[:]))
	}
	for _, failure := range result.Failed {
		participant := "0x" + hex.EncodeToString(failure.Participant[:])
		out.Failed = append(out.Failed, refundFailureJSON{Participant: participant, Reason: failure.Reason})
		s.log.Warn("cancellation refund failed",
			slog.String("code", params.Code),
			slog.String("participant", participant),
			slog.String("reason", failure.Reason))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowCodeParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	view, err := s.engine.Get(params.Code)
	if err != nil {
		s.writeEngineError(w, req, "escrow_get", err)
		return
	}
	writeResult(w, req.ID, escrowJSON{
		Code:                  view.Code,
		Creator:               "0x" + hex.EncodeToString(view.Creator[:]),
		TotalAmount:           view.TotalAmount.String(),
		SplitAmount:           view.SplitAmount.String(),
		NumFriends:            view.NumFriends,
		JoinedCount:           view.JoinedCount,
		Status:                view.Status.String(),
		AccumulatedDerivative: view.AccumulatedDerivative.String(),
		InitialDerivative:     view.InitialDerivative.String(),
		CreatedAt:             view.CreatedAt,
		PasswordProtected:     view.PasswordProtected,
	})
}

func (s *Server) handleEscrowParticipantStatus(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowParticipantParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	participant, err := parseAddress(params.Participant)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	view, err := s.engine.ParticipantStatus(params.Code, participant)
	if err != nil {
		s.writeEngineError(w, req, "escrow_participantStatus", err)
		return
	}
	out := participantJSON{Joined: view.Joined, Withdrawn: view.Withdrawn}
	if view.Joined {
		out.Contributed = view.Contributed.String()
		out.DerivativeReceived = view.DerivativeReceived.String()
		out.YieldPaid = view.YieldPaid.String()
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleEscrowListUserEscrows(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowUserParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	user, err := parseAddress(params.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	refs, err := s.engine.UserEscrows(user)
	if err != nil {
		s.writeEngineError(w, req, "escrow_listUserEscrows", err)
		return
	}
	out := make([]userEscrowJSON, 0, len(refs))
	for _, ref := range refs {
		out = append(out, userEscrowJSON{Code: ref.Code, IsCreator: ref.Creator})
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleEscrowSetLiquidStakingContract(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleSetHandle(w, r, req, "escrow_setLiquidStakingContract", s.engine.SetLiquidStakingContract)
}

func (s *Server) handleEscrowSetTokenContract(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleSetHandle(w, r, req, "escrow_setTokenContract", s.engine.SetTokenContract)
}

func (s *Server) handleSetHandle(w http.ResponseWriter, r *http.Request, req *RPCRequest, method string, set func(caller, handle [20]byte) error) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, "unauthorized", authErr.Message)
		return
	}
	var params escrowHandleParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	handle, err := parseAddress(params.Handle)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	s.mu.Lock()
	err = set(caller, handle)
	s.mu.Unlock()
	if err != nil {
		s.writeEngineError(w, req, method, err)
		return
	}
	writeResult(w, req.ID, true)
}
