package browser

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/metrics"
)

// Manager admits, tracks, and reaps browser sessions. Every successful
// Create holds one semaphore permit until the session closes; the invariant
// ActiveCount() + PermitsAvailable() == MaxConcurrent() holds at every
// quiescent point.
type Manager struct {
	backend       Backend
	store         *Store
	sem           *semaphore.Weighted
	maxConcurrent int
	active        atomic.Int64
	metrics       *metrics.Metrics

	reaperStop   chan struct{}
	reaperOnce   sync.Once
	reaperWg     sync.WaitGroup
	idlePeriod   time.Duration
}

// NewManager builds a manager with the given admission capacity.
func NewManager(backend Backend, maxConcurrent int, idlePeriod time.Duration, m *metrics.Metrics) *Manager {
	return &Manager{
		backend:       backend,
		store:         NewStore(),
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: maxConcurrent,
		metrics:       m,
		reaperStop:    make(chan struct{}),
		idlePeriod:    idlePeriod,
	}
}

// Create admits and launches a new session. The permit taken here is
// returned on every failure path; once the session is registered the permit
// belongs to the session until Close.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	if opts.Kind == "" {
		opts.Kind = Chromium
	}
	if !opts.Kind.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, apperr.CodeInvalidRequest,
			"unknown browser kind %q", opts.Kind)
	}
	if !m.sem.TryAcquire(1) {
		return nil, apperr.Newf(apperr.KindRateLimit, apperr.CodeCapacityExceeded,
			"session capacity %d exceeded", m.maxConcurrent)
	}

	br, err := m.backend.Launch(ctx, opts)
	if err != nil {
		m.sem.Release(1)
		return nil, apperr.Wrap(apperr.KindExternalService, apperr.CodeLaunchFailed,
			"browser launch failed", err)
	}
	bc, err := br.NewContext(opts)
	if err != nil {
		// Best-effort teardown of the half-built session, then return the permit.
		if cerr := br.Close(); cerr != nil {
			slog.Warn("Failed to close browser after context failure", "error", cerr)
		}
		m.sem.Release(1)
		return nil, apperr.Wrap(apperr.KindExternalService, apperr.CodeLaunchFailed,
			"browser context creation failed", err)
	}

	sess := newSession(opts.Kind, br, bc)
	m.store.Put(sess)
	m.active.Add(1)
	m.metrics.SessionsActive.Inc()
	m.metrics.SessionsCreated.Inc()
	slog.Info("Browser session created", "session_id", sess.ID, "kind", sess.Kind)
	return sess, nil
}

// Get returns the session and touches it (touch-on-read).
func (m *Manager) Get(id string) (*Session, bool) {
	sess, ok := m.store.Get(id)
	if !ok {
		return nil, false
	}
	sess.Touch()
	return sess, true
}

// Touch refreshes lastUsedAt. Idempotent; false when the session is absent.
func (m *Manager) Touch(id string) bool {
	sess, ok := m.store.Get(id)
	if !ok {
		return false
	}
	sess.Touch()
	return true
}

// Close tears down a session and returns its permit. Close errors from the
// backend are logged; the entry is removed and the permit released
// regardless, so partial failure cannot leak permits.
func (m *Manager) Close(id string) bool {
	sess, ok := m.store.Remove(id)
	if !ok {
		return false
	}
	if err := sess.close(); err != nil {
		slog.Warn("Error closing browser session", "session_id", id, "error", err)
	}
	m.active.Add(-1)
	m.metrics.SessionsActive.Dec()
	m.sem.Release(1)
	slog.Info("Browser session closed", "session_id", id)
	return true
}

// List snapshots session metadata.
func (m *Manager) List() []Info {
	return m.store.List()
}

// CloseIdle closes every session idle longer than maxIdle, selected at a
// single scan instant. A session touched between selection and close is
// still closed; idle reaping is approximate by design.
func (m *Manager) CloseIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	var stale []string
	for _, info := range m.store.List() {
		if info.LastUsedAt.Before(cutoff) {
			stale = append(stale, info.ID)
		}
	}
	closed := 0
	for _, id := range stale {
		if m.Close(id) {
			closed++
		}
	}
	if closed > 0 {
		slog.Info("Idle sessions reaped", "count", closed)
	}
	return closed
}

// CloseAll closes every session. Idempotent; after return the semaphore is
// back at full capacity.
func (m *Manager) CloseAll() {
	for _, id := range m.store.IDs() {
		m.Close(id)
	}
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int { return int(m.active.Load()) }

// MaxConcurrent returns the admission capacity.
func (m *Manager) MaxConcurrent() int { return m.maxConcurrent }

// PermitsAvailable returns the number of sessions that could still be
// admitted.
func (m *Manager) PermitsAvailable() int { return m.maxConcurrent - m.ActiveCount() }

// StartReaper runs CloseIdle(idlePeriod) every idlePeriod until StopReaper.
// A session can therefore live up to twice the idle period past last use.
func (m *Manager) StartReaper() {
	m.reaperWg.Add(1)
	go func() {
		defer m.reaperWg.Done()
		ticker := time.NewTicker(m.idlePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CloseIdle(m.idlePeriod)
			case <-m.reaperStop:
				return
			}
		}
	}()
	slog.Info("Session reaper started", "period", m.idlePeriod)
}

// StopReaper stops the reaper goroutine. Safe to call more than once.
func (m *Manager) StopReaper() {
	m.reaperOnce.Do(func() { close(m.reaperStop) })
	m.reaperWg.Wait()
}

// Shutdown stops the reaper and closes every session.
func (m *Manager) Shutdown() {
	m.StopReaper()
	m.CloseAll()
}
