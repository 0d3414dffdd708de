package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glowpoint/terminal-payments/internal/domain"
)

// Memory is the live session store: one record per in-flight or recently
// completed session. Terminal sessions are retained for a window so a late
// webhook can still be matched against the recorded outcome, then evicted.
type Memory struct {
	mu        sync.RWMutex
	sessions  map[string]*domain.PaymentSession
	retention time.Duration
	logger    *slog.Logger
}

func NewMemory(retention time.Duration, logger *slog.Logger) *Memory {
	return &Memory{
		sessions:  make(map[string]*domain.PaymentSession),
		retention: retention,
		logger:    logger,
	}
}

func (m *Memory) Get(_ context.Context, reference string) (*domain.PaymentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[reference]
	if !ok {
		return nil, fmt.Errorf("Get: %q: %w", reference, domain.ErrSessionNotFound)
	}
	return s.Clone(), nil
}

func (m *Memory) Put(_ context.Context, session *domain.PaymentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[session.Reference] = session.Clone()
	return nil
}

// Snapshot returns up to limit sessions, newest first. Diagnostics only.
func (m *Memory) Snapshot(limit int) []domain.PaymentSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.PaymentSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RunJanitor evicts terminal sessions whose retention window has elapsed.
// Blocks until ctx is done.
func (m *Memory) RunJanitor(ctx context.Context, interval time.Duration) {
	m.logger.Info("session janitor started", "interval", interval, "retention", m.retention)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("session janitor stopped")
			return
		case <-ticker.C:
			if n := m.evictExpired(time.Now()); n > 0 {
				m.logger.Info("evicted expired sessions", "count", n)
			}
		}
	}
}

func (m *Memory) evictExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted int
	for ref, s := range m.sessions {
		if s.State.Terminal() && now.Sub(s.LastTransitionAt) > m.retention {
			delete(m.sessions, ref)
			evicted++
		}
	}
	return evicted
}
