package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowpoint/terminal-payments/internal/domain"
)

func newTestClient(ts *httptest.Server) *Client {
	return NewClient(ts.URL, "test-token", "DEV-1", "USD", "http://app/api/v1/webhooks/terminal")
}

func TestStart_Success(t *testing.T) {
	var got purchasePayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/devices/DEV-1/payment/purchase", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("api-token"))
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		json.NewEncoder(w).Encode(purchaseResponse{TransactionID: "T-100", Status: "pending"})
	}))
	defer ts.Close()

	res, err := newTestClient(ts).Start(context.Background(), StartRequest{
		Reference:   "POS-1",
		Amount:      2500,
		TipAmount:   500,
		Description: "haircut",
	})
	require.NoError(t, err)
	assert.Equal(t, "T-100", res.TransactionID)
	assert.False(t, res.Conflict)

	assert.True(t, got.TransactionAmount.Equal(decimal.RequireFromString("30.00")), "total should be dollars, tip included")
	assert.True(t, got.TipAmount.Equal(decimal.RequireFromString("5.00")))
	assert.Equal(t, "POS-1", got.InvoiceNumber)
}

func TestStart_TerminalBusyIsConflictNotError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"message": "terminal busy"})
	}))
	defer ts.Close()

	res, err := newTestClient(ts).Start(context.Background(), StartRequest{Reference: "POS-2", Amount: 1000})
	require.NoError(t, err)
	assert.True(t, res.Conflict)
	assert.Empty(t, res.TransactionID)
}

func TestStart_RejectionError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"message": "invalid amount"})
	}))
	defer ts.Close()

	_, err := newTestClient(ts).Start(context.Background(), StartRequest{Reference: "POS-3", Amount: 0})
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, http.StatusUnprocessableEntity, rejection.StatusCode)
	assert.Equal(t, "invalid amount", rejection.Message)
}

func TestStart_ServerErrorIsNotRejection(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := newTestClient(ts).Start(context.Background(), StartRequest{Reference: "POS-4", Amount: 1000})
	require.Error(t, err)
	var rejection *RejectionError
	assert.False(t, errors.As(err, &rejection))
}

func TestGetStatus_Completed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/devices/DEV-1/payments/POS-5", r.URL.Path)
		assert.Equal(t, "T-200", r.URL.Query().Get("transactionId"))
		json.NewEncoder(w).Encode(statusResponse{
			Status:         "completed",
			TransactionID:  "T-200",
			ApprovedAmount: decimal.RequireFromString("31.50"),
			TipAmount:      decimal.RequireFromString("6.50"),
			CardBrand:      "visa",
			CardLast4:      "4242",
			ApprovalCode:   "OK123",
		})
	}))
	defer ts.Close()

	report, err := newTestClient(ts).GetStatus(context.Background(), "POS-5", "T-200")
	require.NoError(t, err)
	assert.Equal(t, domain.ReportCompleted, report.Status)
	require.NotNil(t, report.Outcome)
	assert.Equal(t, int64(3150), report.Outcome.Amount)
	assert.Equal(t, int64(650), report.Outcome.TipAmount)
	assert.Equal(t, "4242", report.Outcome.CardLast4)
}

func TestGetStatus_DeclinedCarriesReason(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(statusResponse{
			Status:          "declined",
			TransactionID:   "T-201",
			ResponseMessage: "insufficient funds",
		})
	}))
	defer ts.Close()

	report, err := newTestClient(ts).GetStatus(context.Background(), "POS-6", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ReportFailed, report.Status)
	require.NotNil(t, report.Outcome)
	assert.Equal(t, "insufficient funds", report.Outcome.FailureReason)
}

func TestGetStatus_NotFoundIsPending(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	report, err := newTestClient(ts).GetStatus(context.Background(), "POS-7", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ReportPending, report.Status)
}

func TestCancel(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantAccepted bool
	}{
		{"accepted", http.StatusOK, `{"accepted":true}`, true},
		{"not accepted", http.StatusOK, `{"accepted":false}`, false},
		{"nothing to cancel", http.StatusNotFound, `{}`, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v2/devices/DEV-1/payments/POS-8/cancel", r.URL.Path)
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			accepted, err := newTestClient(ts).Cancel(context.Background(), "POS-8", "")
			require.NoError(t, err)
			assert.Equal(t, tc.wantAccepted, accepted)
		})
	}
}

func TestMoneyConversion(t *testing.T) {
	assert.True(t, dollars(2500).Equal(decimal.RequireFromString("25.00")))
	assert.True(t, dollars(1).Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, int64(2500), cents(decimal.RequireFromString("25.00")))
	assert.Equal(t, int64(3199), cents(decimal.RequireFromString("31.99")))
}
