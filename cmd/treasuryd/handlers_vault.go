package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"treasury/pkg/engine"
	"treasury/pkg/httpx"
	"treasury/pkg/models"
)

var statusByCode = map[string]int{
	"unauthorized":          http.StatusForbidden,
	"not_found":             http.StatusNotFound,
	"invalid_state":         http.StatusConflict,
	"duplicate_approval":    http.StatusConflict,
	"vault_exists":          http.StatusConflict,
	"stale_result":          http.StatusConflict,
	"capacity_exceeded":     http.StatusConflict,
	"emergency_mode_active": http.StatusConflict,
	"compliance_expired":    http.StatusConflict,
	"expired":               http.StatusGone,
	"policy_violation":      http.StatusUnprocessableEntity,
	"invalid_threshold":     http.StatusUnprocessableEntity,
	"insufficient_funds":    http.StatusUnprocessableEntity,
	"sanctioned_party":      http.StatusUnprocessableEntity,
	"compliance_rejected":   http.StatusUnprocessableEntity,
	"invalid_request":       http.StatusBadRequest,
	"signer_failed":         http.StatusBadGateway,
}

// writeError renders an engine error with its stable reason code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, httpx.ErrBadRequest) {
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	code := engine.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		s.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		httpx.ErrorCode(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	httpx.ErrorCode(w, status, code, err.Error())
}

func vaultParam(r *http.Request) string {
	return chi.URLParam(r, "vault")
}

func proposalParam(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, engine.ErrInvalidRequest
	}
	return id, nil
}

func (s *Server) createVault(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateVaultRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.Engine.CreateVault(r.Context(), req, caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, info)
}

func (s *Server) listVaults(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"vaults": s.Engine.VaultIDs()})
}

func (s *Server) getVault(w http.ResponseWriter, r *http.Request) {
	info, err := s.Engine.VaultInfo(r.Context(), vaultParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, info)
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.Engine.VaultBalance(r.Context(), vaultParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"balance":         bal,
		"balance_decimal": models.FormatAmount(bal, models.DefaultDecimals),
	})
}

func (s *Server) getGovernance(w http.ResponseWriter, r *http.Request) {
	gov, err := s.Engine.Governance(r.Context(), vaultParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, gov)
}

func (s *Server) getPendingCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.Engine.PendingCount(r.Context(), vaultParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"pending": n})
}

func (s *Server) getEmergency(w http.ResponseWriter, r *http.Request) {
	st, err := s.Engine.EmergencyMode(r.Context(), vaultParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) declareEmergency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.Engine.DeclareEmergency(r.Context(), vaultParam(r), req.Reason, caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) resolveEmergency(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.ResolveEmergency(r.Context(), vaultParam(r), caller(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"active": false})
}

func (s *Server) getPolicies(w http.ResponseWriter, r *http.Request) {
	ps, err := s.Engine.Policies(r.Context(), vaultParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"policies": ps})
}

func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) {
	var req models.SpendingPolicy
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	class := models.PolicyClass(strings.ToUpper(chi.URLParam(r, "class")))
	p, err := s.Engine.UpdatePolicy(r.Context(), vaultParam(r), class, req, caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) depositFragments(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fragments []models.Fragment `json:"fragments"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	bal, err := s.Engine.Deposit(r.Context(), vaultParam(r), req.Fragments, caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, bal)
}

func (s *Server) updateConfirmations(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Updates []struct {
			TxID          string `json:"txid"`
			Index         uint32 `json:"index"`
			Confirmations int    `json:"confirmations"`
		} `json:"updates"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	updates := make(map[models.Outpoint]int, len(req.Updates))
	for _, u := range req.Updates {
		updates[models.Outpoint{TxID: u.TxID, Index: u.Index}] = u.Confirmations
	}
	if err := s.Engine.UpdateConfirmations(r.Context(), vaultParam(r), updates, caller(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.getUTXO(w, r)
}

func (s *Server) getUTXO(w http.ResponseWriter, r *http.Request) {
	bal, err := s.Engine.UTXOBalance(r.Context(), vaultParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	frags, err := s.Engine.Fragments(r.Context(), vaultParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"balance": bal, "fragments": frags})
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	entries, head, err := s.Engine.AuditTrail(r.Context(), vaultParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"head": head, "entries": entries})
}
