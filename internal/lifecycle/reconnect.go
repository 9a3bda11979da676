package lifecycle

import (
	"context"

	"github.com/danmuck/wabridge/internal/observability"
	"github.com/danmuck/wabridge/internal/session"
	"github.com/rs/zerolog/log"
)

// reconnectAfterFailure schedules the next attempt of the current cycle, or
// the first attempt when no cycle is running.
func (m *Manager) reconnectAfterFailure(id session.ID) {
	m.mu.Lock()
	next := m.cycles[id.Raw] + 1
	m.mu.Unlock()
	m.scheduleReconnect(id, next)
}

// scheduleReconnect arms attempt N. Once the bounded policy is exhausted the
// session stays disconnected and the notification gate takes over.
func (m *Manager) scheduleReconnect(id session.ID, attempt int) {
	delay, ok := session.ReconnectDelay(m.cfg.Session.Reconnect, attempt)
	if !ok {
		m.clearCycle(id.Raw)
		observability.RecordReconnect("exhausted")
		log.Warn().Str("session_id", id.Raw).Int("attempts", attempt-1).Msg("lifecycle.Manager.scheduleReconnect exhausted")
		m.gateNotification(id)
		return
	}

	m.mu.Lock()
	m.cycles[id.Raw] = attempt
	m.mu.Unlock()

	observability.RecordReconnect("scheduled")
	log.Info().Str("session_id", id.Raw).Int("attempt", attempt).Dur("delay", delay).Msg("lifecycle.Manager.scheduleReconnect")
	m.timers.Arm(id.Raw, session.TimerReconnect, delay, func() {
		m.attemptReconnect(id, attempt)
	})
}

// attemptReconnect re-checks the guard and re-requests through the pairing
// queue. A failed request counts against the cycle; a handle that later
// closes before open is counted by onSystemClose.
func (m *Manager) attemptReconnect(id session.ID, attempt int) {
	s, ok := m.registry.Get(id.Raw)
	if !ok || s.Status != session.StatusDisconnected || s.LoggedOut {
		m.clearCycle(id.Raw)
		observability.RecordReconnect("cancelled")
		log.Debug().Str("session_id", id.Raw).Int("attempt", attempt).Msg("lifecycle.Manager.attemptReconnect guard rejected")
		return
	}

	h, err := m.queue.Request(m.baseCtx(), id)
	if err != nil {
		observability.RecordReconnect("failed")
		log.Warn().Str("session_id", id.Raw).Int("attempt", attempt).Err(err).Msg("lifecycle.Manager.attemptReconnect failed")
		m.markDisconnected(id, "reconnect failed")
		m.scheduleReconnect(id, attempt+1)
		return
	}

	cur, ok := m.registry.Get(id.Raw)
	if !ok || cur.Handle != h {
		m.clearCycle(id.Raw)
		observability.RecordReconnect("reused")
		log.Info().Str("session_id", id.Raw).Msg("lifecycle.Manager.attemptReconnect tenant served by another session")
		return
	}
	observability.RecordReconnect("started")
}

func (m *Manager) clearCycle(sessionID string) {
	m.mu.Lock()
	delete(m.cycles, sessionID)
	m.mu.Unlock()
}

// ReconnectAttempt reports the attempt number of the running cycle, zero
// when none is running.
func (m *Manager) ReconnectAttempt(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cycles[sessionID]
}

// gateNotification waits NotifySettle, then alerts only when the registry
// and the store both still read disconnected.
func (m *Manager) gateNotification(id session.ID) {
	m.timers.Arm(id.Raw, session.TimerNotifySettle, m.cfg.Session.NotifySettle, func() {
		m.confirmAndNotify(id)
	})
}

func (m *Manager) confirmAndNotify(id session.ID) {
	s, ok := m.registry.Get(id.Raw)
	if !ok || s.Status != session.StatusDisconnected || s.LoggedOut {
		observability.RecordNotification(string(NotifySystem), false)
		log.Info().Str("session_id", id.Raw).Msg("lifecycle.Manager.confirmAndNotify registry recovered")
		return
	}

	ctx, cancel := context.WithTimeout(m.baseCtx(), storeTimeout)
	defer cancel()
	rec, err := m.store.Get(ctx, id.Raw)
	if err != nil || rec.Status != session.StoredStatus(session.StatusDisconnected) {
		observability.RecordNotification(string(NotifySystem), false)
		log.Info().Str("session_id", id.Raw).Str("stored_status", rec.Status).Err(err).Msg("lifecycle.Manager.confirmAndNotify store disagrees")
		return
	}

	m.notify(ctx, Notification{
		SessionID:   id.Raw,
		PhoneNumber: rec.PhoneNumber,
		Kind:        NotifySystem,
		Reason:      s.Disconnect.Reason,
		Code:        s.Disconnect.Code,
		At:          m.clock.Now(),
	})
}

func (m *Manager) notify(ctx context.Context, n Notification) {
	observability.RecordNotification(string(n.Kind), true)
	if m.notifier == nil {
		log.Warn().Str("session_id", n.SessionID).Str("kind", string(n.Kind)).Msg("lifecycle.Manager.notify no notifier")
		return
	}
	if err := m.notifier.NotifyDisconnected(ctx, n); err != nil {
		log.Warn().Str("session_id", n.SessionID).Str("kind", string(n.Kind)).Err(err).Msg("lifecycle.Manager.notify failed")
		return
	}
	log.Info().Str("session_id", n.SessionID).Str("kind", string(n.Kind)).Msg("lifecycle.Manager.notify sent")
}
