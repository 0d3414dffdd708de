package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/glowpoint/terminal-payments/internal/auth"
	"github.com/glowpoint/terminal-payments/internal/domain"
	"github.com/glowpoint/terminal-payments/internal/logging"
	"github.com/glowpoint/terminal-payments/internal/terminal"
)

type sessionEngine interface {
	StartCharge(ctx context.Context, input terminal.StartInput) (*domain.PaymentSession, error)
	Progress(ctx context.Context, reference string) (*domain.PaymentSession, error)
	Cancel(ctx context.Context, reference string) error
}

type sessionSnapshotter interface {
	Snapshot(limit int) []domain.PaymentSession
}

type PaymentHandler struct {
	engine   sessionEngine
	sessions sessionSnapshotter
}

func NewPaymentHandler(engine sessionEngine, sessions sessionSnapshotter) *PaymentHandler {
	return &PaymentHandler{engine: engine, sessions: sessions}
}

type startPaymentRequest struct {
	Reference   string `json:"reference,omitempty"`
	Amount      int64  `json:"amount"`
	TipAmount   int64  `json:"tip_amount,omitempty"`
	Description string `json:"description,omitempty"`
}

func (r startPaymentRequest) Validate() []FieldError {
	var errs []FieldError

	if r.Amount <= 0 {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}

	if r.TipAmount < 0 {
		errs = append(errs, FieldError{Field: "tip_amount", Message: "cannot be negative"})
	}

	if r.Reference != "" && !strings.HasPrefix(r.Reference, "POS-") {
		errs = append(errs, FieldError{Field: "reference", Message: "must start with POS-"})
	}

	return errs
}

type sessionDTO struct {
	Reference     string          `json:"reference"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Amount        int64           `json:"amount"`
	TipAmount     int64           `json:"tip_amount"`
	Description   string          `json:"description,omitempty"`
	State         string          `json:"state"`
	StatusMessage string          `json:"status_message,omitempty"`
	PollAttempts  int             `json:"poll_attempts"`
	Outcome       *domain.Outcome `json:"outcome,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toSessionDTO(s *domain.PaymentSession) sessionDTO {
	return sessionDTO{
		Reference:     s.Reference,
		TransactionID: s.ProviderTransactionID,
		Amount:        s.Amount,
		TipAmount:     s.TipAmount,
		Description:   s.Description,
		State:         string(s.State),
		StatusMessage: s.StatusMessage,
		PollAttempts:  s.PollAttempts,
		Outcome:       s.Outcome,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.LastTransitionAt,
	}
}

// Start puts a charge on the terminal and answers as soon as the session is
// underway. The outcome arrives later; clients follow up via Get.
func (h *PaymentHandler) Start(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	staffID, ok := auth.StaffIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req startPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	s, err := h.engine.StartCharge(r.Context(), terminal.StartInput{
		Reference:   req.Reference,
		Amount:      req.Amount,
		TipAmount:   req.TipAmount,
		Description: req.Description,
	})
	if err != nil {
		log.Warn("terminal charge start failed", "staff_id", staffID, "error", err)
		RespondDomainError(w, err)
		return
	}

	log.Info("terminal charge accepted", "staff_id", staffID, "reference", s.Reference, "state", s.State)
	w.Header().Set("Location", fmt.Sprintf("/api/v1/terminal/payments/%s", s.Reference))
	RespondSuccess(w, http.StatusAccepted, toSessionDTO(s))
}

func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	reference := r.PathValue("reference")
	if reference == "" {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	s, err := h.engine.Progress(r.Context(), reference)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toSessionDTO(s))
}

// Cancel forwards a cancellation request to the terminal. Acceptance does not
// finalize the session; the cancellation outcome arrives like any other.
func (h *PaymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	staffID, ok := auth.StaffIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	reference := r.PathValue("reference")
	if err := h.engine.Cancel(r.Context(), reference); err != nil {
		log.Warn("cancellation not accepted", "staff_id", staffID, "reference", reference, "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

// Sessions lists recent sessions from the live store. Diagnostics only.
func (h *PaymentHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			RespondValidationError(w, []FieldError{{Field: "limit", Message: "must be between 1 and 500"}})
			return
		}
		limit = n
	}

	sessions := h.sessions.Snapshot(limit)
	out := make([]sessionDTO, 0, len(sessions))
	for i := range sessions {
		out = append(out, toSessionDTO(&sessions[i]))
	}
	RespondSuccess(w, http.StatusOK, out)
}
