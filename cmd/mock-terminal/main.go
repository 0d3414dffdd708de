// mock-terminal simulates a smart payment terminal for local development.
// It accepts purchase requests, holds them in flight for a configurable
// delay, then resolves them and delivers a signed webhook. The description
// field steers the outcome: "decline" fails the charge, "cancel" voids it,
// anything else approves.
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/glowpoint/terminal-payments/internal/logging"
)

type mockConfig struct {
	Port          string        `env:"PORT" envDefault:"8081"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv        string        `env:"APP_ENV" envDefault:"development"`
	WebhookSecret string        `env:"WEBHOOK_SECRET" envDefault:"dev-webhook-secret"`
	DecisionDelay time.Duration `env:"DECISION_DELAY" envDefault:"3s"`
}

type txnState string

const (
	txnPending   txnState = "pending"
	txnCompleted txnState = "completed"
	txnDeclined  txnState = "declined"
	txnCancelled txnState = "cancelled"
)

type transaction struct {
	ID            string
	InvoiceNumber string
	Amount        decimal.Decimal
	TipAmount     decimal.Decimal
	Description   string
	WebhookURL    string
	State         txnState
	Message       string
}

// device models one physical terminal: a single charge in flight at a time.
type device struct {
	mu       sync.Mutex
	inFlight string
	txns     map[string]*transaction
}

type server struct {
	cfg     mockConfig
	logger  *slog.Logger
	client  *http.Client
	mu      sync.Mutex
	devices map[string]*device
}

func main() {
	cfg, err := env.ParseAs[mockConfig]()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init("mock-terminal", cfg.LogLevel, cfg.AppEnv)

	s := &server{
		cfg:     cfg,
		logger:  logger,
		client:  &http.Client{Timeout: 5 * time.Second},
		devices: make(map[string]*device),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v2/devices/{device}/payment/purchase", s.handlePurchase)
	mux.HandleFunc("GET /v2/devices/{device}/payments/{reference}", s.handleStatus)
	mux.HandleFunc("POST /v2/devices/{device}/payments/{reference}/cancel", s.handleCancel)

	addr := ":" + cfg.Port
	slog.Info("mock terminal started", "addr", addr, "decision_delay", cfg.DecisionDelay)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func (s *server) device(code string) *device {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[code]
	if !ok {
		d = &device{txns: make(map[string]*transaction)}
		s.devices[code] = d
	}
	return d
}

type purchaseRequest struct {
	TransactionAmount decimal.Decimal `json:"transactionAmount"`
	TipAmount         decimal.Decimal `json:"tipAmount"`
	Currency          string          `json:"currency"`
	InvoiceNumber     string          `json:"invoiceNumber"`
	Description       string          `json:"description"`
	WebhookURL        string          `json:"webhookUrl"`
}

func (s *server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed purchase payload"})
		return
	}
	if req.InvoiceNumber == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "invoiceNumber is required"})
		return
	}
	if !req.TransactionAmount.IsPositive() {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "transactionAmount must be positive"})
		return
	}

	d := s.device(r.PathValue("device"))
	d.mu.Lock()
	if d.inFlight != "" {
		d.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"message": "terminal busy"})
		return
	}
	if existing, ok := d.txns[req.InvoiceNumber]; ok && existing.State == txnPending {
		d.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"message": "charge already in flight for invoice"})
		return
	}

	txn := &transaction{
		ID:            fmt.Sprintf("%d", 20000000+rand.IntN(80000000)),
		InvoiceNumber: req.InvoiceNumber,
		Amount:        req.TransactionAmount,
		TipAmount:     req.TipAmount,
		Description:   req.Description,
		WebhookURL:    req.WebhookURL,
		State:         txnPending,
		Message:       "card read, awaiting approval",
	}
	d.txns[req.InvoiceNumber] = txn
	d.inFlight = req.InvoiceNumber
	d.mu.Unlock()

	s.logger.Info("charge placed on terminal",
		"invoice", req.InvoiceNumber, "transaction_id", txn.ID, "amount", req.TransactionAmount)

	go s.resolveLater(d, req.InvoiceNumber)

	writeJSON(w, http.StatusOK, map[string]string{
		"transactionId":   txn.ID,
		"status":          "pending",
		"responseMessage": "charge sent to terminal",
	})
}

// resolveLater waits out the decision delay, settles the transaction, and
// fires the webhook.
func (s *server) resolveLater(d *device, invoice string) {
	time.Sleep(s.cfg.DecisionDelay)

	d.mu.Lock()
	txn, ok := d.txns[invoice]
	if !ok || txn.State != txnPending {
		d.mu.Unlock()
		return
	}

	desc := strings.ToLower(txn.Description)
	switch {
	case strings.Contains(desc, "decline"):
		txn.State = txnDeclined
		txn.Message = "card declined by issuer"
	case strings.Contains(desc, "cancel"):
		txn.State = txnCancelled
		txn.Message = "cancelled at terminal"
	default:
		txn.State = txnCompleted
		txn.Message = "approved"
	}
	if d.inFlight == invoice {
		d.inFlight = ""
	}
	snapshot := *txn
	d.mu.Unlock()

	s.logger.Info("transaction resolved", "invoice", invoice, "state", snapshot.State)

	if snapshot.WebhookURL != "" {
		s.deliverWebhook(snapshot)
	}
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	d := s.device(r.PathValue("device"))

	d.mu.Lock()
	txn, ok := d.txns[r.PathValue("reference")]
	if !ok {
		d.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "no such transaction"})
		return
	}
	snapshot := *txn
	d.mu.Unlock()

	resp := map[string]any{
		"status":          string(snapshot.State),
		"transactionId":   snapshot.ID,
		"responseMessage": snapshot.Message,
	}
	switch snapshot.State {
	case txnCompleted:
		resp["approvedAmount"] = snapshot.Amount
		resp["tipAmount"] = snapshot.TipAmount
		resp["cardBrand"] = "visa"
		resp["cardLast4"] = "4242"
		resp["approvalCode"] = approvalCode(snapshot.ID)
	case txnDeclined:
		resp["failureReason"] = snapshot.Message
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	d := s.device(r.PathValue("device"))

	d.mu.Lock()
	txn, ok := d.txns[r.PathValue("reference")]
	if !ok || txn.State != txnPending {
		d.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]any{"accepted": false})
		return
	}
	txn.State = txnCancelled
	txn.Message = "cancelled by merchant"
	if d.inFlight == txn.InvoiceNumber {
		d.inFlight = ""
	}
	snapshot := *txn
	d.mu.Unlock()

	s.logger.Info("transaction cancelled", "invoice", snapshot.InvoiceNumber)
	if snapshot.WebhookURL != "" {
		go s.deliverWebhook(snapshot)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

// deliverWebhook posts the terminal event, signed, retrying with exponential
// backoff for up to a minute. Real processors redeliver too; the receiving
// side must tolerate duplicates.
func (s *server) deliverWebhook(txn transaction) {
	event := map[string]any{
		"id":            txn.ID,
		"invoiceNumber": txn.InvoiceNumber,
	}
	switch txn.State {
	case txnCompleted:
		event["type"] = "cardTransaction"
		event["amount"] = txn.Amount
		event["tipAmount"] = txn.TipAmount
		event["cardBrand"] = "visa"
		event["cardLast4"] = "4242"
		event["approvalCode"] = approvalCode(txn.ID)
	case txnDeclined:
		event["type"] = "terminalDecline"
		event["message"] = txn.Message
	case txnCancelled:
		event["type"] = "terminalCancel"
		event["message"] = txn.Message
	default:
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal webhook", "error", err)
		return
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = time.Minute

	err = backoff.Retry(func() error {
		req, err := http.NewRequest(http.MethodPost, txn.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Signature", signature)

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		return nil
	}, policy)
	if err != nil {
		s.logger.Error("webhook delivery gave up", "invoice", txn.InvoiceNumber, "error", err)
		return
	}
	s.logger.Info("webhook delivered", "invoice", txn.InvoiceNumber, "type", event["type"])
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func approvalCode(transactionID string) string {
	if len(transactionID) >= 6 {
		return "A" + transactionID[:5]
	}
	return "A" + transactionID
}
