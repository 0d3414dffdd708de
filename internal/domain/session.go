package domain

import "time"

type SessionState string

const (
	// StateIdle is the zero state before startSession has been called.
	// A stored session never carries it; it exists so progress reporting
	// for an unknown reference has something honest to say.
	StateIdle SessionState = "idle"

	StateStarting             SessionState = "starting"
	StateAwaitingTerminal     SessionState = "awaiting_terminal"
	StateAwaitingConfirmation SessionState = "awaiting_confirmation"
	StateCompleted            SessionState = "completed"
	StateFailed               SessionState = "failed"
	StateCancelled            SessionState = "cancelled"
)

// Terminal reports whether a state admits no further transitions.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Outcome is the provider's final word on a charge. It is populated only
// once a session reaches a terminal state.
type Outcome struct {
	TransactionID string `json:"transaction_id,omitempty"`
	CardBrand     string `json:"card_brand,omitempty"`
	CardLast4     string `json:"card_last4,omitempty"`
	ApprovalCode  string `json:"approval_code,omitempty"`
	// Amount is the approved total in minor units, tip included.
	Amount        int64  `json:"amount,omitempty"`
	TipAmount     int64  `json:"tip_amount,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// PaymentSession is one logical card-present payment attempt. The reference
// is generated client-side before any provider call and never changes; the
// provider transaction id binds once, on the first non-empty value observed,
// and never rebinds.
type PaymentSession struct {
	Reference             string
	ProviderTransactionID string
	// Amount is the base charge in minor units; TipAmount the tip agreed at
	// session creation. Both are immutable after creation. The terminal may
	// still approve a larger total when the customer adds a tip on-device.
	Amount           int64
	TipAmount        int64
	Description      string
	State            SessionState
	StatusMessage    string
	PollAttempts     int
	Outcome          *Outcome
	CreatedAt        time.Time
	LastTransitionAt time.Time
}

// Total is the amount submitted to the terminal.
func (s *PaymentSession) Total() int64 {
	return s.Amount + s.TipAmount
}

// Clone returns a deep copy so callers outside the engine can never mutate
// shared state.
func (s *PaymentSession) Clone() *PaymentSession {
	cp := *s
	if s.Outcome != nil {
		o := *s.Outcome
		cp.Outcome = &o
	}
	return &cp
}

type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportCompleted ReportStatus = "completed"
	ReportFailed    ReportStatus = "failed"
	ReportCancelled ReportStatus = "cancelled"
)

// StatusReport is the one event shape both status channels produce: the
// polling loop translates provider status responses into it and the webhook
// ingestion point translates webhook payloads into it. The reconciliation
// engine consumes nothing else.
type StatusReport struct {
	Status        ReportStatus
	TransactionID string
	Message       string
	Outcome       *Outcome
}

// Terminal reports whether the status is a final answer from the provider.
func (r ReportStatus) Terminal() bool {
	return r == ReportCompleted || r == ReportFailed || r == ReportCancelled
}
