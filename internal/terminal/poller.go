package terminal

import (
	"context"
	"time"

	"github.com/glowpoint/terminal-payments/internal/domain"
)

const pollCallTimeout = 10 * time.Second

// startPoller launches the background status loop for a session. At most one
// poller runs per session; the poller outlives the request that created the
// session and stops only on a terminal report, exhaustion, or engine close.
func (e *Engine) startPoller(reference string) {
	e.mu.Lock()
	ls, ok := e.live[reference]
	closed := e.closed
	e.mu.Unlock()
	if !ok || closed {
		return
	}

	ctx, cancel := context.WithCancel(e.rootCtx)

	ls.mu.Lock()
	if ls.published || ls.pollCancel != nil {
		ls.mu.Unlock()
		cancel()
		return
	}
	ls.pollCancel = cancel
	ls.mu.Unlock()

	e.wg.Add(1)
	go e.runPoller(ctx, reference)
}

func (e *Engine) runPoller(ctx context.Context, reference string) {
	defer e.wg.Done()

	logger := e.logger.With("reference", reference)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(e.cfg.PollDeadline)
	defer deadline.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			logger.Warn("poll deadline reached without a terminal outcome", "attempts", attempts)
			e.reportTimeout(reference)
			return
		case <-ticker.C:
			attempts++
			ls, ok := e.lookupLive(reference)
			if !ok {
				return
			}
			ls.mu.Lock()
			transactionID := ls.data.ProviderTransactionID
			ls.data.PollAttempts = attempts
			ls.mu.Unlock()

			callCtx, cancel := context.WithTimeout(ctx, pollCallTimeout)
			report, err := e.gateway.GetStatus(callCtx, reference, transactionID)
			cancel()
			if err != nil {
				// Transient by definition; the next tick retries.
				e.metrics.PollErrors.Inc()
				logger.Debug("status poll failed", "attempt", attempts, "error", err)
			} else {
				e.handleReport(reference, report, "poll")
				if report.Status.Terminal() {
					return
				}
			}
			if attempts >= e.cfg.PollMaxAttempts {
				logger.Warn("poll attempts exhausted without a terminal outcome", "attempts", attempts)
				e.reportTimeout(reference)
				return
			}
		}
	}
}

// reportTimeout feeds one synthetic failure through reconciliation. It goes
// through the grace window like any other adverse report, so a webhook
// arriving right after exhaustion can still complete the session.
func (e *Engine) reportTimeout(reference string) {
	e.handleReport(reference, domain.StatusReport{
		Status:  domain.ReportFailed,
		Message: "no terminal outcome before the polling deadline",
	}, "poll")
}
