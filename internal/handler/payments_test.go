package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowpoint/terminal-payments/internal/auth"
	"github.com/glowpoint/terminal-payments/internal/domain"
	"github.com/glowpoint/terminal-payments/internal/terminal"
)

type mockEngine struct {
	session   *domain.PaymentSession
	startErr  error
	cancelErr error
	started   *terminal.StartInput
}

func (m *mockEngine) StartCharge(_ context.Context, input terminal.StartInput) (*domain.PaymentSession, error) {
	m.started = &input
	if m.startErr != nil {
		return nil, m.startErr
	}
	return m.session, nil
}

func (m *mockEngine) Progress(_ context.Context, reference string) (*domain.PaymentSession, error) {
	if m.session == nil || m.session.Reference != reference {
		return nil, domain.ErrSessionNotFound
	}
	return m.session, nil
}

func (m *mockEngine) Cancel(_ context.Context, _ string) error {
	return m.cancelErr
}

type mockSnapshotter struct {
	sessions []domain.PaymentSession
}

func (m *mockSnapshotter) Snapshot(limit int) []domain.PaymentSession {
	if limit < len(m.sessions) {
		return m.sessions[:limit]
	}
	return m.sessions
}

func testSession() *domain.PaymentSession {
	return &domain.PaymentSession{
		Reference:             "POS-20260314T092653-ab12cd34",
		ProviderTransactionID: "txn-1",
		Amount:                4500,
		TipAmount:             500,
		State:                 domain.StateAwaitingTerminal,
		CreatedAt:             time.Now().UTC(),
		LastTransitionAt:      time.Now().UTC(),
	}
}

func authedRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	return req.WithContext(auth.ContextWithStaffID(req.Context(), uuid.New()))
}

func newMux(h *PaymentHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/terminal/payments", h.Start)
	mux.HandleFunc("GET /api/v1/terminal/payments/{reference}", h.Get)
	mux.HandleFunc("POST /api/v1/terminal/payments/{reference}/cancel", h.Cancel)
	mux.HandleFunc("GET /api/v1/terminal/sessions", h.Sessions)
	return mux
}

func TestStartPayment(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		authed     bool
		startErr   error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "accepted",
			body:       `{"amount":4500,"tip_amount":500,"description":"balayage"}`,
			authed:     true,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "missing auth",
			body:       `{"amount":4500}`,
			authed:     false,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "MISSING_TOKEN",
		},
		{
			name:       "invalid body",
			body:       "not-json",
			authed:     true,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "zero amount",
			body:       `{"amount":0}`,
			authed:     true,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_FAILED",
		},
		{
			name:       "negative tip",
			body:       `{"amount":4500,"tip_amount":-1}`,
			authed:     true,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_FAILED",
		},
		{
			name:       "malformed reference",
			body:       `{"amount":4500,"reference":"invoice-9"}`,
			authed:     true,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_FAILED",
		},
		{
			name:       "provider rejection",
			body:       `{"amount":4500}`,
			authed:     true,
			startErr:   fmt.Errorf("StartCharge: %w", domain.ErrStartRejected),
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "PAYMENT_REJECTED",
		},
		{
			name:       "engine closed",
			body:       `{"amount":4500}`,
			authed:     true,
			startErr:   domain.ErrEngineClosed,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "SHUTTING_DOWN",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine := &mockEngine{session: testSession(), startErr: tc.startErr}
			h := NewPaymentHandler(engine, &mockSnapshotter{})
			mux := newMux(h)

			var req *http.Request
			if tc.authed {
				req = authedRequest(http.MethodPost, "/api/v1/terminal/payments", tc.body)
			} else {
				req = httptest.NewRequest(http.MethodPost, "/api/v1/terminal/payments", strings.NewReader(tc.body))
			}
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)

			assert.Equal(t, tc.wantStatus, rr.Code)

			var resp APIResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			if tc.wantCode == "" {
				assert.True(t, resp.Success)
				assert.Equal(t, "/api/v1/terminal/payments/POS-20260314T092653-ab12cd34", rr.Header().Get("Location"))
			} else {
				require.NotNil(t, resp.Error)
				assert.Equal(t, tc.wantCode, resp.Error.Code)
			}
		})
	}
}

func TestStartPaymentPassesInputThrough(t *testing.T) {
	engine := &mockEngine{session: testSession()}
	h := NewPaymentHandler(engine, &mockSnapshotter{})
	mux := newMux(h)

	body := `{"amount":4500,"tip_amount":500,"description":"balayage","reference":"POS-retry-1"}`
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, authedRequest(http.MethodPost, "/api/v1/terminal/payments", body))

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.NotNil(t, engine.started)
	assert.Equal(t, int64(4500), engine.started.Amount)
	assert.Equal(t, int64(500), engine.started.TipAmount)
	assert.Equal(t, "balayage", engine.started.Description)
	assert.Equal(t, "POS-retry-1", engine.started.Reference)
}

func TestGetPayment(t *testing.T) {
	session := testSession()
	session.State = domain.StateCompleted
	session.Outcome = &domain.Outcome{TransactionID: "txn-1", Amount: 5000, TipAmount: 500}

	engine := &mockEngine{session: session}
	h := NewPaymentHandler(engine, &mockSnapshotter{})
	mux := newMux(h)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, authedRequest(http.MethodGet, "/api/v1/terminal/payments/"+session.Reference, ""))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var dto sessionDTO
	require.NoError(t, json.Unmarshal(data, &dto))
	assert.Equal(t, "completed", dto.State)
	require.NotNil(t, dto.Outcome)
	assert.Equal(t, int64(5000), dto.Outcome.Amount)
}

func TestGetPaymentNotFound(t *testing.T) {
	engine := &mockEngine{session: testSession()}
	h := NewPaymentHandler(engine, &mockSnapshotter{})
	mux := newMux(h)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, authedRequest(http.MethodGet, "/api/v1/terminal/payments/POS-unknown", ""))

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelPayment(t *testing.T) {
	tests := []struct {
		name       string
		cancelErr  error
		wantStatus int
		wantCode   string
	}{
		{"accepted", nil, http.StatusAccepted, ""},
		{"session finished", domain.ErrSessionTerminal, http.StatusConflict, "SESSION_FINISHED"},
		{"not accepted", domain.ErrCancelNotAccepted, http.StatusConflict, "CANCEL_NOT_ACCEPTED"},
		{"unknown session", domain.ErrSessionNotFound, http.StatusNotFound, "RESOURCE_NOT_FOUND"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine := &mockEngine{session: testSession(), cancelErr: tc.cancelErr}
			h := NewPaymentHandler(engine, &mockSnapshotter{})
			mux := newMux(h)

			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, authedRequest(http.MethodPost, "/api/v1/terminal/payments/POS-x/cancel", ""))

			assert.Equal(t, tc.wantStatus, rr.Code)
			if tc.wantCode != "" {
				var resp APIResponse
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
				require.NotNil(t, resp.Error)
				assert.Equal(t, tc.wantCode, resp.Error.Code)
			}
		})
	}
}

func TestSessionsSnapshot(t *testing.T) {
	snap := &mockSnapshotter{sessions: []domain.PaymentSession{*testSession(), *testSession()}}
	h := NewPaymentHandler(&mockEngine{}, snap)
	mux := newMux(h)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, authedRequest(http.MethodGet, "/api/v1/terminal/sessions?limit=1", ""))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	items, ok := resp.Data.([]any)
	require.True(t, ok)
	assert.Len(t, items, 1)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, authedRequest(http.MethodGet, "/api/v1/terminal/sessions?limit=0", ""))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
