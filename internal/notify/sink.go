package notify

import (
	"log/slog"

	"github.com/glowpoint/terminal-payments/internal/domain"
)

// Result is the single terminal answer for a session. State is one of
// Completed, Failed, or Cancelled; Outcome is always set and Reason only on
// adverse states.
type Result struct {
	Reference string
	State     domain.SessionState
	Outcome   *domain.Outcome
	Reason    string
}

// Sink receives exactly one Result per session. Implementations must not
// block; the engine delivers synchronously after releasing session state.
type Sink interface {
	PaymentResolved(result Result)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(result Result)

func (f SinkFunc) PaymentResolved(result Result) { f(result) }

// LogSink records outcomes to the structured log. It stands in for the
// receipt/UI layer in wiring and keeps an audit trail either way.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) PaymentResolved(result Result) {
	switch result.State {
	case domain.StateCompleted:
		s.Logger.Info("terminal payment completed",
			"reference", result.Reference,
			"transaction_id", result.Outcome.TransactionID,
			"amount", result.Outcome.Amount,
			"tip_amount", result.Outcome.TipAmount,
			"card_last4", result.Outcome.CardLast4,
		)
	case domain.StateCancelled:
		s.Logger.Info("terminal payment cancelled", "reference", result.Reference)
	default:
		s.Logger.Warn("terminal payment failed",
			"reference", result.Reference,
			"reason", result.Reason,
		)
	}
}
