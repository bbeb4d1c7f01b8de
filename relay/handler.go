package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

// Handler exposes the approval ledger over HTTP. Every payload that passes
// through it (TOTP secrets, shards, signatures) is ciphertext or a public
// value; the handler enforces phase transitions and the threshold gate and
// nothing else.
type Handler struct {
	ledger *Ledger
	log    *slog.Logger
}

// NewHandler creates the relay HTTP handler around a ledger.
func NewHandler(ledger *Ledger, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{ledger: ledger, log: log}
}

// RegisterRoutes attaches the relay API to a chi router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/policy/{user_id}", h.handleRegisterPolicy)
	r.Get("/api/state/{user_id}", h.handleFetchState)
	r.Post("/api/access/{user_id}", h.handleInitiateAccess)
	r.Delete("/api/access/{user_id}", h.handleCancelAccess)
	r.Post("/api/approval/{approval_id}/accept", h.handleAccept)
	r.Post("/api/approval/{approval_id}/secret", h.handleStoreSecret)
	r.Post("/api/approval/{approval_id}/verification", h.handleSubmitVerification)
	r.Post("/api/approval/{approval_id}/reject", h.handleReject)
	r.Post("/api/approval/{approval_id}/approve", h.handleApprove)
}

// Wire bodies. State responses reuse the interfaces types directly; both
// sides of the wire share them.

type registerPolicyRequest struct {
	Policy interfaces.Policy `json:"policy"`
}

type initiateAccessRequest struct {
	Intent interfaces.AccessIntent `json:"intent"`
}

type storeSecretRequest struct {
	EncryptedSecret []byte `json:"encrypted_secret"`
}

type rejectRequest struct {
	FreshEntropy []byte `json:"fresh_entropy"`
}

type approveRequest struct {
	Shard interfaces.EncryptedSecretShard `json:"shard"`
}

func (h *Handler) handleRegisterPolicy(w http.ResponseWriter, r *http.Request) {
	var req registerPolicyRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.ledger.RegisterPolicy(chi.URLParam(r, "user_id"), req.Policy); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleFetchState(w http.ResponseWriter, r *http.Request) {
	state, err := h.ledger.FetchParticipantState(r.Context(), chi.URLParam(r, "user_id"))
	h.respond(w, state, err)
}

func (h *Handler) handleInitiateAccess(w http.ResponseWriter, r *http.Request) {
	var req initiateAccessRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	state, err := h.ledger.InitiateAccess(r.Context(), chi.URLParam(r, "user_id"), req.Intent)
	h.respond(w, state, err)
}

func (h *Handler) handleCancelAccess(w http.ResponseWriter, r *http.Request) {
	state, err := h.ledger.CancelAccess(r.Context(), chi.URLParam(r, "user_id"))
	h.respond(w, state, err)
}

func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	state, err := h.ledger.AcceptRequest(r.Context(), chi.URLParam(r, "approval_id"))
	h.respond(w, state, err)
}

func (h *Handler) handleStoreSecret(w http.ResponseWriter, r *http.Request) {
	var req storeSecretRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	state, err := h.ledger.StoreTotpSecret(r.Context(), chi.URLParam(r, "approval_id"), req.EncryptedSecret)
	h.respond(w, state, err)
}

func (h *Handler) handleSubmitVerification(w http.ResponseWriter, r *http.Request) {
	var submission interfaces.VerificationSubmission
	if err := decodeBody(r, &submission); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	state, err := h.ledger.SubmitTotpVerification(r.Context(), chi.URLParam(r, "approval_id"), submission)
	h.respond(w, state, err)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	state, err := h.ledger.RejectRequest(r.Context(), chi.URLParam(r, "approval_id"), req.FreshEntropy)
	h.respond(w, state, err)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	state, err := h.ledger.ApproveAccess(r.Context(), chi.URLParam(r, "approval_id"), req.Shard)
	h.respond(w, state, err)
}

func (h *Handler) respond(w http.ResponseWriter, state interfaces.ParticipantState, err error) {
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		h.log.Error("Failed to encode state response", "err", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownUser), errors.Is(err, ErrUnknownApproval):
		return http.StatusNotFound
	case errors.Is(err, ErrRequestInFlight), errors.Is(err, interfaces.ErrProtocolViolation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("could not read request body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("could not parse request body: %w", err)
	}
	return nil
}
