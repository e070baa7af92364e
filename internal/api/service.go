// Package api exposes credit line sessions over HTTP and WebSocket.
//
// All monetary values use shopspring/decimal and travel as strings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mezopay/credit-engine/internal/card"
	"github.com/mezopay/credit-engine/internal/chain"
	"github.com/mezopay/credit-engine/internal/contract"
	"github.com/mezopay/credit-engine/internal/controller"
	"github.com/mezopay/credit-engine/internal/creditline"
	"github.com/mezopay/credit-engine/internal/model"
	"github.com/mezopay/credit-engine/internal/units"
	"github.com/mezopay/credit-engine/internal/validate"
)

// Sessions resolves the session of an address, starting it on first use.
type Sessions interface {
	Session(ctx context.Context, address string) (*controller.Session, error)
}

// Service serves the account endpoints. Writes are accepted only for the
// address the engine signs for.
type Service struct {
	sessions Sessions
	signer   string
}

// NewService creates the account service. signerAddress may be empty, in
// which case every write is refused.
func NewService(sessions Sessions, signerAddress string) *Service {
	return &Service{sessions: sessions, signer: normalizeAddress(signerAddress)}
}

func normalizeAddress(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// --- Request/Response types ---

// ActionRequest is the JSON body for POST /accounts/{address}/actions.
type ActionRequest struct {
	Kind     model.ActionKind `json:"kind"`
	Amount   string           `json:"amount,omitempty"` // display units, up to 18 decimals
	Merchant string           `json:"merchant,omitempty"`
	Freeze   bool             `json:"freeze,omitempty"`
}

// HealthResponse is the derived credit health of an account.
type HealthResponse struct {
	creditline.Health
	MaxMintable decimal.Decimal `json:"max_mintable"`
	Price       decimal.Decimal `json:"collateral_price"`
}

// CardResponse is the card of an account with its remaining allowances.
type CardResponse struct {
	Card   model.VirtualCard `json:"card"`
	Limits card.Limits       `json:"limits"`
}

// HistoryResponse is the merged ledger of an account, newest first.
type HistoryResponse struct {
	Address         string              `json:"address"`
	Entries         []model.LedgerEntry `json:"entries"`
	BackfillWarning string              `json:"backfill_warning,omitempty"`
	LiveWarning     string              `json:"live_warning,omitempty"`
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string        `json:"error"`
	Code  validate.Code `json:"code,omitempty"`
}

// --- HTTP Handlers ---

func (s *Service) session(w http.ResponseWriter, r *http.Request) (*controller.Session, bool) {
	sess, err := s.sessions.Session(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		switch {
		case errors.Is(err, contract.ErrInvalidAddress):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, controller.ErrSessionLimit):
			w.Header().Set("Retry-After", "5")
			writeError(w, "too many active sessions", http.StatusServiceUnavailable)
		default:
			slog.Error("session start failed", "address", chi.URLParam(r, "address"), "err", err)
			writeError(w, "session unavailable", http.StatusServiceUnavailable)
		}
		return nil, false
	}
	return sess, true
}

// GetAccount handles GET /api/v1/accounts/{address}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Controller.Snapshot())
}

// GetHealth handles GET /api/v1/accounts/{address}/health
func (s *Service) GetHealth(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	snap := sess.Controller.Snapshot()
	writeJSON(w, http.StatusOK, HealthResponse{
		Health:      snap.Health,
		MaxMintable: snap.MaxMintable,
		Price:       snap.Price,
	})
}

// GetCard handles GET /api/v1/accounts/{address}/card
func (s *Service) GetCard(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	snap := sess.Controller.Snapshot()
	if !snap.Card.Exists() {
		writeError(w, "no card issued", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, CardResponse{Card: snap.Card, Limits: snap.CardLimits})
}

// GetHistory handles GET /api/v1/accounts/{address}/history
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	resp := HistoryResponse{Address: sess.Address(), Entries: sess.Ledger.History()}
	backfill, live := sess.Warnings()
	if backfill != nil {
		resp.BackfillWarning = backfill.Error()
	}
	if live != nil {
		resp.LiveWarning = live.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPending handles GET /api/v1/accounts/{address}/pending
func (s *Service) GetPending(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	pa, found := sess.Controller.Pending()
	if !found {
		writeError(w, "no action submitted", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pa)
}

// Refresh handles POST /api/v1/accounts/{address}/refresh
func (s *Service) Refresh(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Controller.Refresh(r.Context()); err != nil {
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, sess.Controller.Snapshot())
}

func (s *Service) writable(w http.ResponseWriter, r *http.Request) bool {
	if s.signer == "" || normalizeAddress(chi.URLParam(r, "address")) != s.signer {
		writeError(w, "writes are only accepted for the signer address", http.StatusForbidden)
		return false
	}
	return true
}

func amountBearing(k model.ActionKind) bool {
	switch k {
	case model.ActionDeposit, model.ActionMint, model.ActionRepay, model.ActionApprove, model.ActionSpend:
		return true
	}
	return false
}

// SubmitAction handles POST /api/v1/accounts/{address}/actions
func (s *Service) SubmitAction(w http.ResponseWriter, r *http.Request) {
	if !s.writable(w, r) {
		return
	}
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	action := controller.Action{Kind: req.Kind, Merchant: strings.TrimSpace(req.Merchant), Freeze: req.Freeze}
	switch {
	case amountBearing(req.Kind):
		amount, err := units.ParseAmount(req.Amount)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		action.Amount = amount
	case req.Kind == model.ActionFreeze, req.Kind == model.ActionClose:
	default:
		writeError(w, "unknown action kind", http.StatusBadRequest)
		return
	}
	if req.Kind == model.ActionSpend && action.Merchant == "" {
		writeError(w, "merchant is required", http.StatusBadRequest)
		return
	}

	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	// The request context ends with this reply; signing is bounded by it,
	// confirmation is not.
	pa, err := sess.Controller.Submit(r.Context(), action)
	if err != nil {
		writeSubmitError(w, pa, err)
		return
	}

	slog.Info("action accepted",
		"address", sess.Address(),
		"kind", pa.Kind,
		"amount", pa.Amount.String(),
		"hash", pa.Hash,
	)
	writeJSON(w, http.StatusAccepted, pa)
}

// CancelAction handles POST /api/v1/accounts/{address}/actions/cancel
func (s *Service) CancelAction(w http.ResponseWriter, r *http.Request) {
	if !s.writable(w, r) {
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if !sess.Controller.Cancel() {
		writeError(w, "no action awaiting confirmation", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func writeSubmitError(w http.ResponseWriter, pa model.PendingAction, err error) {
	var signerErr *chain.SignerError
	switch {
	case errors.Is(err, validate.ErrActionInProgress):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: validate.CodeActionInProgress})
	case errors.Is(err, validate.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: validate.CodeOf(err)})
	case errors.Is(err, units.ErrConversion):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &signerErr):
		status := http.StatusServiceUnavailable
		if errors.Is(err, chain.ErrUserRejected) {
			status = http.StatusForbidden
		}
		writeJSON(w, status, struct {
			ErrorResponse
			Action model.PendingAction `json:"action"`
		}{ErrorResponse{Error: err.Error()}, pa})
	default:
		writeJSON(w, http.StatusBadGateway, struct {
			ErrorResponse
			Action model.PendingAction `json:"action"`
		}{ErrorResponse{Error: err.Error()}, pa})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
