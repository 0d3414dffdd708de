package provider

import (
	"context"
	"fmt"

	"github.com/glowpoint/terminal-payments/internal/domain"
)

// StartRequest carries everything the processor needs to put a charge on the
// physical terminal. Reference is the client-generated session reference; it
// doubles as the invoice number on the provider side.
type StartRequest struct {
	Reference   string
	Amount      int64
	TipAmount   int64
	Description string
}

// StartResult is the provider's answer to a start call. Conflict means the
// terminal already has a transaction in flight; that is not an error, it is
// a signal to attach to the running session by reference.
type StartResult struct {
	TransactionID string
	Conflict      bool
}

// Gateway is the processor adapter. Each method is a single remote call with
// no retry logic of its own; retries belong to the polling loop and callers.
type Gateway interface {
	Start(ctx context.Context, req StartRequest) (StartResult, error)
	GetStatus(ctx context.Context, reference, transactionID string) (domain.StatusReport, error)
	Cancel(ctx context.Context, reference, transactionID string) (bool, error)
}

// RejectionError is a definitive provider refusal to start a charge: the
// terminal never saw the request, so failing the session inline is safe.
// Transport-level errors are deliberately NOT rejections; the charge may
// have reached the terminal, and the caller must fall back to polling.
type RejectionError struct {
	StatusCode int
	Message    string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("provider rejected start (%d): %s", e.StatusCode, e.Message)
}
