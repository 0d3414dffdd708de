package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowpoint/terminal-payments/internal/domain"
)

const testWebhookSecret = "test-secret-key"

type mockIngestor struct {
	reference string
	report    domain.StatusReport
	calls     int
}

func (m *mockIngestor) Ingest(_ context.Context, reference string, report domain.StatusReport) {
	m.reference = reference
	m.report = report
	m.calls++
}

func signPayload(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func validWebhookBody() string {
	p := webhookPayload{
		ID:            "25764674",
		Type:          "cardTransaction",
		InvoiceNumber: "POS-20260314T092653-ab12cd34",
		Amount:        decimal.NewFromFloat(48.00),
		TipAmount:     decimal.NewFromFloat(8.00),
		CardBrand:     "visa",
		CardLast4:     "4242",
		ApprovalCode:  "T4E5ST",
	}
	b, _ := json.Marshal(p)
	return string(b)
}

func TestVerifyHMAC(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		signature string
		secret    string
		want      bool
	}{
		{
			name:      "valid signature",
			body:      `{"id":"abc"}`,
			signature: signPayload(`{"id":"abc"}`, testWebhookSecret),
			secret:    testWebhookSecret,
			want:      true,
		},
		{
			name:      "wrong signature",
			body:      `{"id":"abc"}`,
			signature: "deadbeef",
			secret:    testWebhookSecret,
			want:      false,
		},
		{
			name:      "empty signature",
			body:      `{"id":"abc"}`,
			signature: "",
			secret:    testWebhookSecret,
			want:      false,
		},
		{
			name:      "wrong secret",
			body:      `{"id":"abc"}`,
			signature: signPayload(`{"id":"abc"}`, "other-secret"),
			secret:    testWebhookSecret,
			want:      false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := verifyHMAC([]byte(tc.body), tc.signature, tc.secret)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestReceiveTerminalWebhook(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setupSig   func(body string) string
		wantStatus int
		wantCode   string
		wantCalls  int
	}{
		{
			name:       "valid signed webhook",
			body:       validWebhookBody(),
			setupSig:   func(body string) string { return signPayload(body, testWebhookSecret) },
			wantStatus: http.StatusOK,
			wantCalls:  1,
		},
		{
			name:       "missing signature header",
			body:       validWebhookBody(),
			setupSig:   nil,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "INVALID_SIGNATURE",
		},
		{
			name:       "invalid HMAC signature",
			body:       validWebhookBody(),
			setupSig:   func(_ string) string { return "deadbeefdeadbeef" },
			wantStatus: http.StatusUnauthorized,
			wantCode:   "INVALID_SIGNATURE",
		},
		{
			name:       "empty body",
			body:       "",
			setupSig:   func(body string) string { return signPayload(body, testWebhookSecret) },
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "invalid JSON body",
			body:       "not-json",
			setupSig:   func(body string) string { return signPayload(body, testWebhookSecret) },
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name: "missing required fields",
			body: func() string {
				b, _ := json.Marshal(map[string]string{"cardBrand": "visa"})
				return string(b)
			}(),
			setupSig:   func(body string) string { return signPayload(body, testWebhookSecret) },
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_FAILED",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ingestor := &mockIngestor{}
			h := NewWebhookHandler(ingestor, testWebhookSecret)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/terminal", strings.NewReader(tc.body))
			if tc.setupSig != nil {
				req.Header.Set("X-Webhook-Signature", tc.setupSig(tc.body))
			}
			rr := httptest.NewRecorder()

			h.ReceiveTerminalWebhook(rr, req)

			assert.Equal(t, tc.wantStatus, rr.Code)
			assert.Equal(t, tc.wantCalls, ingestor.calls)

			var resp APIResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

			if tc.wantCode == "" {
				assert.True(t, resp.Success)
			} else {
				assert.False(t, resp.Success)
				require.NotNil(t, resp.Error)
				assert.Equal(t, tc.wantCode, resp.Error.Code)
			}
		})
	}
}

func TestWebhookPayloadToReport(t *testing.T) {
	tests := []struct {
		name       string
		eventType  string
		wantStatus domain.ReportStatus
	}{
		{"card transaction completes", "cardTransaction", domain.ReportCompleted},
		{"terminal decline fails", "terminalDecline", domain.ReportFailed},
		{"terminal cancel cancels", "terminalCancel", domain.ReportCancelled},
		{"unknown event stays pending", "somethingNew", domain.ReportPending},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := webhookPayload{ID: "txn-1", Type: tc.eventType, InvoiceNumber: "POS-x"}
			report := p.toReport()
			assert.Equal(t, tc.wantStatus, report.Status)
			assert.Equal(t, "txn-1", report.TransactionID)
		})
	}
}

func TestWebhookMoneyNormalization(t *testing.T) {
	ingestor := &mockIngestor{}
	h := NewWebhookHandler(ingestor, testWebhookSecret)

	body := validWebhookBody()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/terminal", strings.NewReader(body))
	req.Header.Set("X-Webhook-Signature", signPayload(body, testWebhookSecret))
	rr := httptest.NewRecorder()

	h.ReceiveTerminalWebhook(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, ingestor.calls)
	assert.Equal(t, "POS-20260314T092653-ab12cd34", ingestor.reference)

	require.NotNil(t, ingestor.report.Outcome)
	assert.Equal(t, int64(4800), ingestor.report.Outcome.Amount)
	assert.Equal(t, int64(800), ingestor.report.Outcome.TipAmount)
	assert.Equal(t, "visa", ingestor.report.Outcome.CardBrand)
	assert.Equal(t, "4242", ingestor.report.Outcome.CardLast4)
	assert.Equal(t, "T4E5ST", ingestor.report.Outcome.ApprovalCode)
}
