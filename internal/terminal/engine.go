package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glowpoint/terminal-payments/internal/domain"
	"github.com/glowpoint/terminal-payments/internal/metrics"
	"github.com/glowpoint/terminal-payments/internal/notify"
	"github.com/glowpoint/terminal-payments/internal/provider"
)

// SessionStore keeps the live and recently finished sessions by reference.
type SessionStore interface {
	Get(ctx context.Context, reference string) (*domain.PaymentSession, error)
	Put(ctx context.Context, session *domain.PaymentSession) error
}

// Archive persists session records durably. Best effort; an archive failure
// never blocks reconciliation.
type Archive interface {
	Upsert(ctx context.Context, session *domain.PaymentSession) error
}

type Config struct {
	PollInterval    time.Duration
	PollMaxAttempts int
	PollDeadline    time.Duration
	GraceWindow     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = 90
	}
	if c.PollDeadline <= 0 {
		c.PollDeadline = 3 * time.Minute
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 10 * time.Second
	}
	return c
}

// StartInput describes one charge to put on the terminal. Reference is
// optional: when the client supplies one it is honored, and restarting an
// already known reference returns the existing session instead of charging
// twice.
type StartInput struct {
	Reference   string
	Amount      int64
	TipAmount   int64
	Description string
}

// Engine reconciles terminal payment sessions from two racing status sources,
// the polling loop and webhook deliveries, into exactly one published outcome
// per session. All state transitions happen here and nowhere else.
type Engine struct {
	gateway  provider.Gateway
	sessions SessionStore
	archive  Archive
	sink     notify.Sink
	cfg      Config
	metrics  *metrics.Set
	logger   *slog.Logger

	mu     sync.Mutex
	live   map[string]*liveSession
	closed bool

	// rootCtx parents every poller so background reconciliation survives the
	// HTTP request that triggered it.
	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// liveSession is the engine's mutable record of one in-flight session. Data
// handed to callers is always a clone; ls.mu guards everything in here.
type liveSession struct {
	mu         sync.Mutex
	data       *domain.PaymentSession
	published  bool
	pending    *pendingFinal
	graceTimer *time.Timer
	pollCancel context.CancelFunc
	sink       notify.Sink // overrides the engine default when set
}

// pendingFinal is an adverse outcome parked for the grace window. A completed
// report arriving before the timer fires wins and discards it.
type pendingFinal struct {
	state  domain.SessionState
	report domain.StatusReport
}

func NewEngine(gateway provider.Gateway, sessions SessionStore, archive Archive, sink notify.Sink, cfg Config, set *metrics.Set, logger *slog.Logger) *Engine {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Engine{
		gateway:    gateway,
		sessions:   sessions,
		archive:    archive,
		sink:       sink,
		cfg:        cfg.withDefaults(),
		metrics:    set,
		logger:     logger,
		live:       make(map[string]*liveSession),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
}

// StartCharge creates a session, asks the provider to put the charge on the
// terminal, and leaves a poller running. Only a definitive provider rejection
// fails the call; a transport error or a terminal-busy answer returns the
// session in awaiting_terminal and lets reconciliation settle it.
func (e *Engine) StartCharge(ctx context.Context, input StartInput) (*domain.PaymentSession, error) {
	if input.Amount <= 0 {
		return nil, fmt.Errorf("StartCharge: %w", domain.ErrInvalidAmount)
	}
	if input.TipAmount < 0 {
		return nil, fmt.Errorf("StartCharge: %w", domain.ErrInvalidTipAmount)
	}

	now := time.Now()
	reference := input.Reference
	if reference == "" {
		reference = NewReference(now)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("StartCharge: %w", domain.ErrEngineClosed)
	}
	if ls, ok := e.live[reference]; ok {
		e.mu.Unlock()
		return snapshotOf(ls), nil
	}

	session := &domain.PaymentSession{
		Reference:        reference,
		Amount:           input.Amount,
		TipAmount:        input.TipAmount,
		Description:      input.Description,
		State:            domain.StateStarting,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	ls := &liveSession{data: session}

	// A finished session under the same reference is a client retry; give
	// back the recorded outcome instead of charging the card again.
	if existing, err := e.sessions.Get(ctx, reference); err == nil {
		e.mu.Unlock()
		return existing, nil
	}
	e.live[reference] = ls
	e.mu.Unlock()

	e.persist(ctx, session.Clone())
	e.metrics.SessionsStarted.Inc()
	e.metrics.ActiveSessions.Inc()

	logger := e.logger.With("reference", reference)
	logger.Info("terminal charge starting", "amount", input.Amount, "tip_amount", input.TipAmount)

	result, err := e.gateway.Start(ctx, provider.StartRequest{
		Reference:   reference,
		Amount:      input.Amount,
		TipAmount:   input.TipAmount,
		Description: input.Description,
	})

	var rejection *provider.RejectionError
	switch {
	case errors.As(err, &rejection):
		// The terminal never saw this charge; failing inline is safe.
		logger.Warn("provider rejected charge", "status_code", rejection.StatusCode, "message", rejection.Message)
		e.failInline(ls, rejection.Message)
		return nil, fmt.Errorf("StartCharge: %s: %w", rejection.Message, domain.ErrStartRejected)
	case err != nil:
		// The request may still have reached the terminal. Attach the poller
		// and let reconciliation discover what actually happened.
		logger.Warn("start call did not complete, reconciling by poll", "error", err)
		e.transition(ls, domain.StateAwaitingTerminal, "start outcome unknown, reconciling")
	case result.Conflict:
		e.metrics.ConflictAttaches.Inc()
		logger.Info("terminal busy, attached to in-flight transaction")
		e.transition(ls, domain.StateAwaitingTerminal, "terminal busy, awaiting in-flight transaction")
	default:
		// A webhook can bind the transaction id while the start call is in
		// flight. The first binding wins; a contradicting start response is
		// treated like any other mismatched report.
		var mismatch string
		ls.mu.Lock()
		switch {
		case result.TransactionID == "":
		case ls.data.ProviderTransactionID == "":
			ls.data.ProviderTransactionID = result.TransactionID
		case ls.data.ProviderTransactionID != result.TransactionID:
			mismatch = ls.data.ProviderTransactionID
		}
		ls.mu.Unlock()
		if mismatch != "" {
			e.metrics.SuspiciousReports.Inc()
			logger.Warn("start response contradicts bound transaction id",
				"bound_transaction_id", mismatch,
				"reported_transaction_id", result.TransactionID)
		}
		e.transition(ls, domain.StateAwaitingTerminal, "charge sent to terminal")
	}

	e.startPoller(reference)
	return snapshotOf(ls), nil
}

// Progress returns the current view of a session.
func (e *Engine) Progress(ctx context.Context, reference string) (*domain.PaymentSession, error) {
	s, err := e.sessions.Get(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("Progress: %w", err)
	}
	return s, nil
}

// Cancel asks the provider to abort the in-flight charge. Acceptance is
// advisory: it never finalizes the session directly, it parks a Cancelled
// outcome behind the grace window where a late Completed can still override
// it.
func (e *Engine) Cancel(ctx context.Context, reference string) error {
	e.mu.Lock()
	ls, ok := e.live[reference]
	e.mu.Unlock()
	if !ok {
		s, err := e.sessions.Get(ctx, reference)
		if err != nil {
			return fmt.Errorf("Cancel: %w", err)
		}
		return fmt.Errorf("Cancel: session is already %s: %w", s.State, domain.ErrSessionTerminal)
	}

	ls.mu.Lock()
	transactionID := ls.data.ProviderTransactionID
	ls.mu.Unlock()

	accepted, err := e.gateway.Cancel(ctx, reference, transactionID)
	if err != nil {
		return fmt.Errorf("Cancel: %w", err)
	}
	if !accepted {
		return fmt.Errorf("Cancel: %w", domain.ErrCancelNotAccepted)
	}
	e.logger.Info("cancellation requested", "reference", reference)

	// An accepted cancel parks a Cancelled outcome behind the grace window.
	// The terminal may already have charged the card; a Completed report
	// arriving before the window elapses still wins.
	e.handleReport(reference, domain.StatusReport{
		Status:  domain.ReportCancelled,
		Message: "cancellation requested",
	}, "cancel")
	return nil
}

// AttachSink routes the session's eventual outcome to sink instead of the
// engine default. Returns false when the session is not live. The caller that
// started a session does not have to stay attached: detaching later only
// redirects delivery, reconciliation keeps running.
func (e *Engine) AttachSink(reference string, sink notify.Sink) bool {
	ls, ok := e.lookupLive(reference)
	if !ok {
		return false
	}
	ls.mu.Lock()
	ls.sink = sink
	ls.mu.Unlock()
	return true
}

// DetachSink restores the engine's default sink for a session. The outcome is
// still published exactly once; it just lands on the default sink.
func (e *Engine) DetachSink(reference string) {
	ls, ok := e.lookupLive(reference)
	if !ok {
		return
	}
	ls.mu.Lock()
	ls.sink = nil
	ls.mu.Unlock()
}

// Ingest feeds a webhook-derived status report into reconciliation. Unknown
// references never create sessions: a report for a session the store already
// finalized is a duplicate and dropped quietly, anything else is an orphan.
func (e *Engine) Ingest(ctx context.Context, reference string, report domain.StatusReport) {
	e.mu.Lock()
	_, ok := e.live[reference]
	e.mu.Unlock()
	if !ok {
		if existing, err := e.sessions.Get(ctx, reference); err == nil && existing.State.Terminal() {
			if report.TransactionID != "" && existing.ProviderTransactionID != "" &&
				report.TransactionID != existing.ProviderTransactionID {
				e.metrics.SuspiciousReports.Inc()
				e.logger.Warn("late report contradicts recorded transaction id",
					"reference", reference,
					"bound_transaction_id", existing.ProviderTransactionID,
					"reported_transaction_id", report.TransactionID)
				return
			}
			e.logger.Debug("webhook for finished session ignored", "reference", reference, "state", existing.State)
			return
		}
		e.metrics.OrphanWebhooks.Inc()
		e.logger.Warn("orphan webhook dropped", "reference", reference, "status", report.Status)
		return
	}
	e.handleReport(reference, report, "webhook")
}

// Close stops every poller and waits for them. Sessions still awaiting an
// outcome stay in the store as-is; a restart with the same reference attaches
// rather than re-charges.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.rootCancel()
	e.wg.Wait()
}

// handleReport is the single reconciliation point both status channels feed.
func (e *Engine) handleReport(reference string, report domain.StatusReport, source string) {
	e.mu.Lock()
	ls, ok := e.live[reference]
	e.mu.Unlock()
	if !ok {
		return
	}

	logger := e.logger.With("reference", reference, "source", source)

	var deliver func()
	ls.mu.Lock()
	if ls.data.State.Terminal() || ls.published {
		ls.mu.Unlock()
		return
	}

	// Transaction identity binds exactly once. A report naming a different
	// transaction is not about this session and is discarded whole.
	if report.TransactionID != "" {
		bound := ls.data.ProviderTransactionID
		if bound == "" {
			ls.data.ProviderTransactionID = report.TransactionID
		} else if bound != report.TransactionID {
			ls.mu.Unlock()
			e.metrics.SuspiciousReports.Inc()
			logger.Warn("discarding report with conflicting transaction id",
				"bound_transaction_id", bound, "reported_transaction_id", report.TransactionID)
			return
		}
	}

	switch report.Status {
	case domain.ReportPending:
		if report.Message != "" {
			ls.data.State = domain.StateAwaitingConfirmation
			ls.data.StatusMessage = report.Message
			ls.data.LastTransitionAt = time.Now()
		} else if ls.data.State == domain.StateStarting {
			ls.data.State = domain.StateAwaitingTerminal
			ls.data.LastTransitionAt = time.Now()
		}
	case domain.ReportCompleted:
		deliver = e.finalizeLocked(ls, domain.StateCompleted, report)
	case domain.ReportFailed:
		e.armGraceLocked(ls, reference, domain.StateFailed, report)
	case domain.ReportCancelled:
		e.armGraceLocked(ls, reference, domain.StateCancelled, report)
	}
	snapshot := ls.data.Clone()
	ls.mu.Unlock()

	if deliver != nil {
		deliver()
		return
	}
	e.persist(context.Background(), snapshot)
}

// armGraceLocked parks an adverse outcome for the grace window so a late
// success report can still override it. The first adverse report holds the
// slot; later ones change nothing. Caller holds ls.mu.
func (e *Engine) armGraceLocked(ls *liveSession, reference string, state domain.SessionState, report domain.StatusReport) {
	if ls.pending != nil {
		return
	}
	ls.pending = &pendingFinal{state: state, report: report}
	if report.Message != "" {
		ls.data.StatusMessage = report.Message
	}
	ls.graceTimer = time.AfterFunc(e.cfg.GraceWindow, func() {
		e.finalizePending(reference)
	})
}

func (e *Engine) finalizePending(reference string) {
	e.mu.Lock()
	ls, ok := e.live[reference]
	e.mu.Unlock()
	if !ok {
		return
	}

	ls.mu.Lock()
	if ls.pending == nil || ls.published {
		ls.mu.Unlock()
		return
	}
	pending := ls.pending
	ls.pending = nil
	ls.graceTimer = nil
	deliver := e.finalizeLocked(ls, pending.state, pending.report)
	ls.mu.Unlock()

	if deliver != nil {
		deliver()
	}
}

// finalizeLocked moves the session to its terminal state and returns the
// delivery closure. The closure runs outside ls.mu so the sink never observes
// a held lock. Returns nil when the outcome was already published. Caller
// holds ls.mu.
func (e *Engine) finalizeLocked(ls *liveSession, state domain.SessionState, report domain.StatusReport) func() {
	if ls.published {
		return nil
	}
	ls.published = true
	if ls.graceTimer != nil {
		ls.graceTimer.Stop()
		ls.graceTimer = nil
	}
	ls.pending = nil
	if ls.pollCancel != nil {
		ls.pollCancel()
		ls.pollCancel = nil
	}

	s := ls.data
	s.State = state
	s.LastTransitionAt = time.Now()
	if report.Message != "" {
		s.StatusMessage = report.Message
	}

	outcome := &domain.Outcome{}
	if report.Outcome != nil {
		cp := *report.Outcome
		outcome = &cp
	}
	if outcome.TransactionID == "" {
		outcome.TransactionID = s.ProviderTransactionID
	}
	if state == domain.StateCompleted {
		if outcome.Amount == 0 {
			outcome.Amount = s.Total()
		}
		if outcome.TipAmount == 0 && outcome.Amount > s.Amount {
			// An on-device tip shows up only in the approved total.
			outcome.TipAmount = outcome.Amount - s.Amount
		}
	} else if outcome.FailureReason == "" {
		outcome.FailureReason = report.Message
	}
	s.Outcome = outcome

	snapshot := s.Clone()
	result := notify.Result{
		Reference: snapshot.Reference,
		State:     state,
		Outcome:   snapshot.Outcome,
		Reason:    outcome.FailureReason,
	}
	sink := ls.sink
	if sink == nil {
		sink = e.sink
	}

	return func() {
		// Persist before dropping the live entry so a report landing in
		// between finds the recorded outcome instead of looking orphaned.
		e.persist(context.Background(), snapshot)

		e.mu.Lock()
		delete(e.live, snapshot.Reference)
		e.mu.Unlock()

		e.metrics.ActiveSessions.Dec()
		e.metrics.OutcomesPublished.WithLabelValues(string(state)).Inc()
		e.logger.Info("terminal payment resolved", "reference", snapshot.Reference, "state", state)
		sink.PaymentResolved(result)
	}
}

// failInline finalizes a session that never reached the terminal.
func (e *Engine) failInline(ls *liveSession, reason string) {
	ls.mu.Lock()
	deliver := e.finalizeLocked(ls, domain.StateFailed, domain.StatusReport{
		Status:  domain.ReportFailed,
		Message: reason,
	})
	ls.mu.Unlock()
	if deliver != nil {
		deliver()
	}
}

// transition moves a non-terminal session forward and persists the snapshot.
func (e *Engine) transition(ls *liveSession, state domain.SessionState, message string) {
	ls.mu.Lock()
	if ls.data.State.Terminal() {
		ls.mu.Unlock()
		return
	}
	ls.data.State = state
	ls.data.StatusMessage = message
	ls.data.LastTransitionAt = time.Now()
	snapshot := ls.data.Clone()
	ls.mu.Unlock()

	e.persist(context.Background(), snapshot)
}

func (e *Engine) persist(ctx context.Context, session *domain.PaymentSession) {
	if err := e.sessions.Put(ctx, session); err != nil {
		e.logger.Error("failed to store session", "reference", session.Reference, "error", err)
	}
	if e.archive == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.archive.Upsert(actx, session); err != nil {
		e.logger.Error("failed to archive session", "reference", session.Reference, "error", err)
	}
}

func (e *Engine) lookupLive(reference string) (*liveSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls, ok := e.live[reference]
	return ls, ok
}

func snapshotOf(ls *liveSession) *domain.PaymentSession {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.data.Clone()
}
