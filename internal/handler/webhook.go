package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/glowpoint/terminal-payments/internal/domain"
	"github.com/glowpoint/terminal-payments/internal/logging"
)

type webhookIngestor interface {
	Ingest(ctx context.Context, reference string, report domain.StatusReport)
}

type WebhookHandler struct {
	ingestor webhookIngestor
	secret   string
}

func NewWebhookHandler(ingestor webhookIngestor, secret string) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor, secret: secret}
}

// webhookPayload mirrors the provider's terminal event shape. Money fields
// arrive as decimal dollar amounts.
type webhookPayload struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	InvoiceNumber string          `json:"invoiceNumber"`
	Amount        decimal.Decimal `json:"amount"`
	TipAmount     decimal.Decimal `json:"tipAmount"`
	CardBrand     string          `json:"cardBrand,omitempty"`
	CardLast4     string          `json:"cardLast4,omitempty"`
	ApprovalCode  string          `json:"approvalCode,omitempty"`
	Message       string          `json:"message,omitempty"`
}

func (p webhookPayload) validate() []FieldError {
	var errs []FieldError

	if p.InvoiceNumber == "" {
		errs = append(errs, FieldError{Field: "invoiceNumber", Message: "required"})
	}
	if p.Type == "" {
		errs = append(errs, FieldError{Field: "type", Message: "required"})
	}

	return errs
}

// toReport normalizes the provider's event vocabulary into a status report.
// Event types this service does not recognize stay pending; the polling loop
// remains the authority for those sessions.
func (p webhookPayload) toReport() domain.StatusReport {
	switch p.Type {
	case "cardTransaction":
		return domain.StatusReport{
			Status:        domain.ReportCompleted,
			TransactionID: p.ID,
			Message:       p.Message,
			Outcome: &domain.Outcome{
				TransactionID: p.ID,
				CardBrand:     p.CardBrand,
				CardLast4:     p.CardLast4,
				ApprovalCode:  p.ApprovalCode,
				Amount:        toCents(p.Amount),
				TipAmount:     toCents(p.TipAmount),
			},
		}
	case "terminalDecline":
		return domain.StatusReport{
			Status:        domain.ReportFailed,
			TransactionID: p.ID,
			Message:       p.Message,
		}
	case "terminalCancel":
		return domain.StatusReport{
			Status:        domain.ReportCancelled,
			TransactionID: p.ID,
			Message:       p.Message,
		}
	default:
		return domain.StatusReport{
			Status:        domain.ReportPending,
			TransactionID: p.ID,
			Message:       p.Message,
		}
	}
}

func (h *WebhookHandler) ReceiveTerminalWebhook(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		log.Error("failed to read webhook body", "error", err)
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	sig := r.Header.Get("X-Webhook-Signature")
	if !verifyHMAC(body, sig, h.secret) {
		log.Warn("webhook signature verification failed")
		RespondAppError(w, ErrInvalidSignature, nil)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Warn("failed to parse webhook payload", "error", err)
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if fields := payload.validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	log.Info("terminal webhook received",
		"reference", payload.InvoiceNumber,
		"event_type", payload.Type,
		"transaction_id", payload.ID,
	)

	h.ingestor.Ingest(r.Context(), payload.InvoiceNumber, payload.toReport())

	// Always acknowledged once authenticated; the provider must not retry
	// events this service chose to drop.
	RespondSuccess(w, http.StatusOK, map[string]string{"status": "received"})
}

func verifyHMAC(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}
