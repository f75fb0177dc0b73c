package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"treasury/pkg/auth"
	"treasury/pkg/engine"
	"treasury/pkg/httpx"
	"treasury/pkg/models"
	"treasury/pkg/notify"
	"treasury/pkg/signer"
)

type proposeBody struct {
	Amount        int64  `json:"amount,omitempty"`
	AmountDecimal string `json:"amount_decimal,omitempty"`
	Recipient     string `json:"recipient"`
	Purpose       string `json:"purpose"`
	Urgency       int    `json:"urgency"`
	FeeRate       int64  `json:"fee_rate,omitempty"`
}

func (b proposeBody) request() (engine.ProposeRequest, error) {
	amount := b.Amount
	if b.AmountDecimal != "" {
		if b.Amount != 0 {
			return engine.ProposeRequest{}, fmt.Errorf("%w: amount and amount_decimal are exclusive", engine.ErrInvalidRequest)
		}
		v, err := models.ParseAmount(b.AmountDecimal, models.DefaultDecimals)
		if err != nil {
			return engine.ProposeRequest{}, fmt.Errorf("%w: %v", engine.ErrInvalidRequest, err)
		}
		amount = v
	}
	return engine.ProposeRequest{
		Amount:    amount,
		Recipient: b.Recipient,
		Purpose:   b.Purpose,
		Urgency:   b.Urgency,
		FeeRate:   b.FeeRate,
	}, nil
}

func (s *Server) propose(w http.ResponseWriter, r *http.Request) {
	var body proposeBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := body.request()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.Engine.Propose(r.Context(), vaultParam(r), req, caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	ps, err := s.Engine.ListProposals(r.Context(), vaultParam(r), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"proposals": ps})
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	id, err := proposalParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.Engine.Proposal(r.Context(), vaultParam(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) getTransactionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := proposalParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.Engine.TransactionStatus(r.Context(), vaultParam(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

type proposalOp func(ctx context.Context, vaultID string, id uint64, caller string) (*models.Proposal, error)

// proposalAction adapts a body-less proposal transition to a handler.
func (s *Server) proposalAction(op proposalOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := proposalParam(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		p, err := op(r.Context(), vaultParam(r), id, caller(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, p)
	}
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	s.proposalAction(s.Engine.Approve)(w, r)
}

func (s *Server) reevaluate(w http.ResponseWriter, r *http.Request) {
	s.proposalAction(s.Engine.ReevaluateCompliance)(w, r)
}

func (s *Server) checkTimeLock(w http.ResponseWriter, r *http.Request) {
	s.proposalAction(s.Engine.CheckTimeLock)(w, r)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	s.proposalAction(s.Engine.Execute)(w, r)
}

func (s *Server) complianceVerdict(w http.ResponseWriter, r *http.Request) {
	id, err := proposalParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Verdict string `json:"verdict"`
		Note    string `json:"note"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.Engine.ReceiveComplianceVerdict(r.Context(), vaultParam(r), id, req.Verdict, req.Note, caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := proposalParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.Engine.Cancel(r.Context(), vaultParam(r), id, req.Reason, caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

// signerCallback completes an execution. When signer keys are configured the
// result must carry a valid Ed25519 signature over its canonical payload.
func (s *Server) signerCallback(w http.ResponseWriter, r *http.Request) {
	var res signer.Result
	if err := httpx.DecodeJSON(r, &res); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.SignerKeys != nil {
		kid := r.Header.Get(auth.KeyIDHeader)
		sig := r.Header.Get(auth.SignatureHeader)
		if err := auth.VerifyCallback(r.Context(), s.SignerKeys, kid, sig, res); err != nil {
			s.Log.Warn().Err(err).Str("kid", kid).Str("request_id", res.RequestID).Msg("signer callback rejected")
			httpx.ErrorCode(w, http.StatusUnauthorized, "invalid_signature", "signer callback signature invalid")
			return
		}
	}
	p, err := s.Engine.CompleteExecution(r.Context(), res)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.Engine.Profile(chi.URLParam(r, "subject"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) upsertProfile(w http.ResponseWriter, r *http.Request) {
	var p models.ComplianceProfile
	if err := httpx.DecodeJSON(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	p.Subject = chi.URLParam(r, "subject")
	out, err := s.Engine.UpsertProfile(r.Context(), p, caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) applyScreening(w http.ResponseWriter, r *http.Request) {
	var res models.ScreeningResult
	if err := httpx.DecodeJSON(r, &res); err != nil {
		s.writeError(w, r, err)
		return
	}
	res.Subject = chi.URLParam(r, "subject")
	res.Kind = strings.ToLower(chi.URLParam(r, "kind"))
	out, err := s.Engine.ApplyScreening(r.Context(), res, caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// streamEvents pushes engine events over a websocket. The optional vault
// query parameter narrows the stream to one vault.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(s.WSOrigins) > 0 {
		opts.OriginPatterns = s.WSOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Hub.Subscribe(64, r.URL.Query().Get("vault"))
	defer s.Hub.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, notify.NewEvent("ready", "", "", time.Time{}, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
