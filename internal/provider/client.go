package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/glowpoint/terminal-payments/internal/domain"
	"github.com/glowpoint/terminal-payments/internal/logging"
)

// Client speaks the smart-terminal HTTP API. The wire format uses decimal
// dollar amounts; everything internal stays in minor units.
type Client struct {
	baseURL     string
	apiToken    string
	deviceCode  string
	currency    string
	callbackURL string
	httpClient  *http.Client
}

func NewClient(baseURL, apiToken, deviceCode, currency, callbackURL string) *Client {
	return &Client{
		baseURL:     baseURL,
		apiToken:    apiToken,
		deviceCode:  deviceCode,
		currency:    currency,
		callbackURL: callbackURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type purchasePayload struct {
	TransactionAmount decimal.Decimal `json:"transactionAmount"`
	TipAmount         decimal.Decimal `json:"tipAmount"`
	Currency          string          `json:"currency"`
	InvoiceNumber     string          `json:"invoiceNumber"`
	Description       string          `json:"description,omitempty"`
	WebhookURL        string          `json:"webhookUrl,omitempty"`
}

type purchaseResponse struct {
	TransactionID   string `json:"transactionId"`
	Status          string `json:"status"`
	ResponseMessage string `json:"responseMessage"`
}

type statusResponse struct {
	Status          string          `json:"status"`
	TransactionID   string          `json:"transactionId"`
	ResponseMessage string          `json:"responseMessage"`
	ApprovedAmount  decimal.Decimal `json:"approvedAmount"`
	TipAmount       decimal.Decimal `json:"tipAmount"`
	CardBrand       string          `json:"cardBrand"`
	CardLast4       string          `json:"cardLast4"`
	ApprovalCode    string          `json:"approvalCode"`
	FailureReason   string          `json:"failureReason"`
}

type cancelResponse struct {
	Accepted bool `json:"accepted"`
}

func (c *Client) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	log := logging.FromContext(ctx)

	payload := purchasePayload{
		TransactionAmount: dollars(req.Amount + req.TipAmount),
		TipAmount:         dollars(req.TipAmount),
		Currency:          c.currency,
		InvoiceNumber:     req.Reference,
		Description:       req.Description,
		WebhookURL:        c.callbackURL,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return StartResult{}, fmt.Errorf("Start: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/v2/devices/%s/payment/purchase", c.baseURL, c.deviceCode)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return StartResult{}, fmt.Errorf("Start: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-token", c.apiToken)
	httpReq.Header.Set("Idempotency-Key", uuid.NewString())

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return StartResult{}, fmt.Errorf("Start: send: %w", err)
	}
	defer resp.Body.Close()

	log.Info("provider start call",
		"reference", req.Reference,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	switch {
	case resp.StatusCode == http.StatusConflict:
		// Terminal busy: the reference may already name a running charge.
		return StartResult{Conflict: true}, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return StartResult{}, &RejectionError{
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return StartResult{}, fmt.Errorf("Start: unexpected status %d: %s", resp.StatusCode, readErrorMessage(resp.Body))
	}

	var pr purchaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return StartResult{}, fmt.Errorf("Start: decode: %w", err)
	}

	return StartResult{TransactionID: pr.TransactionID}, nil
}

func (c *Client) GetStatus(ctx context.Context, reference, transactionID string) (domain.StatusReport, error) {
	url := fmt.Sprintf("%s/v2/devices/%s/payments/%s", c.baseURL, c.deviceCode, reference)
	if transactionID != "" {
		url += "?transactionId=" + transactionID
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.StatusReport{}, fmt.Errorf("GetStatus: build request: %w", err)
	}
	httpReq.Header.Set("api-token", c.apiToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.StatusReport{}, fmt.Errorf("GetStatus: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Processor has no record yet; not a terminal answer.
		return domain.StatusReport{Status: domain.ReportPending, Message: "waiting for terminal"}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.StatusReport{}, fmt.Errorf("GetStatus: unexpected status %d: %s", resp.StatusCode, readErrorMessage(resp.Body))
	}

	var sr statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return domain.StatusReport{}, fmt.Errorf("GetStatus: decode: %w", err)
	}

	return sr.toReport(), nil
}

func (c *Client) Cancel(ctx context.Context, reference, transactionID string) (bool, error) {
	log := logging.FromContext(ctx)

	url := fmt.Sprintf("%s/v2/devices/%s/payments/%s/cancel", c.baseURL, c.deviceCode, reference)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false, fmt.Errorf("Cancel: build request: %w", err)
	}
	httpReq.Header.Set("api-token", c.apiToken)
	if transactionID != "" {
		httpReq.Header.Set("X-Transaction-Id", transactionID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("Cancel: send: %w", err)
	}
	defer resp.Body.Close()

	log.Info("provider cancel call", "reference", reference, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, nil
	}

	var cr cancelResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return false, fmt.Errorf("Cancel: decode: %w", err)
	}
	return cr.Accepted, nil
}

func (s statusResponse) toReport() domain.StatusReport {
	report := domain.StatusReport{
		TransactionID: s.TransactionID,
		Message:       s.ResponseMessage,
	}

	switch s.Status {
	case "completed", "approved":
		report.Status = domain.ReportCompleted
		report.Outcome = &domain.Outcome{
			TransactionID: s.TransactionID,
			CardBrand:     s.CardBrand,
			CardLast4:     s.CardLast4,
			ApprovalCode:  s.ApprovalCode,
			Amount:        cents(s.ApprovedAmount),
			TipAmount:     cents(s.TipAmount),
		}
	case "failed", "declined":
		report.Status = domain.ReportFailed
		report.Outcome = &domain.Outcome{
			TransactionID: s.TransactionID,
			FailureReason: nonEmpty(s.FailureReason, s.ResponseMessage),
		}
	case "cancelled":
		report.Status = domain.ReportCancelled
	default:
		report.Status = domain.ReportPending
	}
	return report
}

func readErrorMessage(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 512))
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return string(body)
}

func nonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// dollars converts minor units to the decimal dollar amount the wire expects.
func dollars(minorUnits int64) decimal.Decimal {
	return decimal.NewFromInt(minorUnits).Shift(-2)
}

// cents converts a decimal dollar amount back to minor units.
func cents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}
