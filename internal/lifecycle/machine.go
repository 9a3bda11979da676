package lifecycle

import (
	"context"

	"github.com/danmuck/wabridge/internal/observability"
	"github.com/danmuck/wabridge/internal/session"
	"github.com/danmuck/wabridge/internal/transport"
	"github.com/rs/zerolog/log"
)

// startTransport is the pairing queue's Starter: it opens a handle from
// persisted credentials, installs it in the registry and starts its
// dispatcher.
func (m *Manager) startTransport(ctx context.Context, id session.ID) (transport.Handle, error) {
	if m.factory == nil {
		return nil, transport.ErrNotConnected
	}
	h, err := m.factory.Open(ctx, m.credentials(ctx, id.Raw))
	if err != nil {
		return nil, err
	}

	var prev transport.Handle
	m.registry.Upsert(id, func(s *session.Session) {
		prev = s.Handle
		s.Handle = h
		s.Disconnect = session.Disconnect{}
		if s.Status != session.StatusConnecting {
			s.SetStatus(session.StatusDisconnected)
		}
	})
	if prev != nil && prev != h {
		prev.End()
	}
	// A ceiling armed for an earlier handle would no-op against this one.
	m.timers.Disarm(id.Raw, session.TimerConnectingCeiling)
	log.Info().Str("session_id", id.Raw).Str("tenant_group", id.TenantGroup).Msg("lifecycle.Manager.startTransport handle opened")

	m.enterConnecting(id, h)
	go m.dispatch(id, h)
	return h, nil
}

// dispatch consumes one handle's event stream in order until the handle
// ends. Events from a handle the registry no longer owns are dropped.
func (m *Manager) dispatch(id session.ID, h transport.Handle) {
	for ev := range h.Events() {
		m.handleEvent(id, h, ev)
	}
	log.Debug().Str("session_id", id.Raw).Msg("lifecycle.Manager.dispatch stream closed")
}

func (m *Manager) handleEvent(id session.ID, h transport.Handle, ev transport.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("session_id", id.Raw).Interface("panic", r).Msg("lifecycle.Manager.handleEvent recovered")
		}
	}()
	if !m.owns(id.Raw, h) {
		log.Debug().Str("session_id", id.Raw).Int("kind", int(ev.Kind)).Msg("lifecycle.Manager.handleEvent stale handle")
		return
	}

	switch ev.Kind {
	case transport.EventPairingCode:
		m.onPairingCode(id, h, ev.PairingCode)
	case transport.EventConnection:
		switch ev.State {
		case transport.StateConnecting:
			m.enterConnecting(id, h)
		case transport.StateOpen:
			m.onOpen(id, h, ev.Identity)
		case transport.StateClose:
			m.onClose(id, h, ev.Close)
		}
	case transport.EventMessage:
		if ev.Message != nil {
			m.onMessage(id, h, *ev.Message)
		}
	case transport.EventCredentials:
		m.onCredentials(id, ev.Credentials)
	}
}

func (m *Manager) owns(sessionID string, h transport.Handle) bool {
	s, ok := m.registry.Get(sessionID)
	return ok && s.Handle == h
}

// enterConnecting stamps connectingSince on first entry and arms the
// connecting ceiling. Connected and qr_ready sessions are left alone.
func (m *Manager) enterConnecting(id session.ID, h transport.Handle) {
	now := m.clock.Now()
	_, ok := m.registry.Update(id.Raw, func(s *session.Session) bool {
		if s.Handle != h {
			return false
		}
		if s.Status != session.StatusConnecting && s.Status != session.StatusDisconnected {
			return false
		}
		s.SetStatus(session.StatusConnecting)
		if s.ConnectingSince.IsZero() {
			s.ConnectingSince = now
		}
		return true
	})
	if !ok {
		return
	}
	m.timers.ArmIfIdle(id.Raw, session.TimerConnectingCeiling, m.cfg.Session.ConnectingCeiling, func() {
		m.expireConnecting(id, h, "connecting ceiling")
	})
	m.persistStatus(id.Raw, session.StatusConnecting, "")
	observability.RecordTransition(string(session.StatusConnecting), "connecting")
}

// onPairingCode moves to qr_ready unless the session already reached open.
func (m *Manager) onPairingCode(id session.ID, h transport.Handle, code string) {
	now := m.clock.Now()
	_, ok := m.registry.Update(id.Raw, func(s *session.Session) bool {
		if s.Handle != h || s.Status == session.StatusConnected {
			return false
		}
		s.SetStatus(session.StatusQRReady)
		s.PairingPayload = code
		s.PairingGeneratedAt = now
		return true
	})
	if !ok {
		log.Debug().Str("session_id", id.Raw).Msg("lifecycle.Manager.onPairingCode ignored after open")
		return
	}
	m.timers.Disarm(id.Raw, session.TimerConnectingCeiling)

	ctx, cancel := context.WithTimeout(m.baseCtx(), storeTimeout)
	defer cancel()
	if err := m.store.SavePairingCode(ctx, id.Raw, code); err != nil {
		log.Warn().Str("session_id", id.Raw).Err(err).Msg("lifecycle.Manager.onPairingCode store failed")
	}
	m.persistStatus(id.Raw, session.StatusQRReady, "")
	observability.RecordTransition(string(session.StatusQRReady), "pairing_code")
	log.Info().Str("session_id", id.Raw).Msg("lifecycle.Manager.onPairingCode qr ready")
}

func (m *Manager) onOpen(id session.ID, h transport.Handle, identity string) {
	now := m.clock.Now()
	s, ok := m.registry.Update(id.Raw, func(s *session.Session) bool {
		if s.Handle != h {
			return false
		}
		phone := session.PhoneFromIdentity(identity)
		if phone == "" {
			phone = s.PhoneNumber
		}
		s.SetConnected(phone, now)
		s.LastActivity = now
		return true
	})
	if !ok {
		return
	}
	m.timers.Disarm(id.Raw, session.TimerConnectingCeiling)
	m.timers.Disarm(id.Raw, session.TimerReconnect)
	m.clearCycle(id.Raw)
	m.armLiveness(id, h)

	m.persistStatus(id.Raw, session.StatusConnected, s.PhoneNumber)
	observability.RecordTransition(string(session.StatusConnected), "open")
	log.Info().Str("session_id", id.Raw).Str("phone", s.PhoneNumber).Msg("lifecycle.Manager.onOpen connected")
}

// armLiveness stamps the session every LivenessInterval while it stays
// connected on h.
func (m *Manager) armLiveness(id session.ID, h transport.Handle) {
	m.timers.Arm(id.Raw, session.TimerLiveness, m.cfg.Session.LivenessInterval, func() {
		_, ok := m.registry.Update(id.Raw, func(s *session.Session) bool {
			return s.Status == session.StatusConnected && s.Handle == h
		})
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(m.baseCtx(), storeTimeout)
		defer cancel()
		if err := m.store.Touch(ctx, id.Raw); err != nil {
			log.Debug().Str("session_id", id.Raw).Err(err).Msg("lifecycle.Manager.liveness touch failed")
		}
		m.armLiveness(id, h)
	})
}

func (m *Manager) onClose(id session.ID, h transport.Handle, reason transport.CloseReason) {
	m.timers.Disarm(id.Raw, session.TimerConnectingCeiling)
	m.timers.Disarm(id.Raw, session.TimerLiveness)

	switch reason.Kind {
	case transport.CloseRestartRequired:
		m.onRestartRequired(id, h)
	case transport.CloseLoggedOut:
		m.onLoggedOut(id, h, reason)
	default:
		m.onSystemClose(id, h, reason)
	}
}

// onRestartRequired swaps the handle for a fresh one through the queue. It
// is not a disconnect: no notification and no reconnect cycle.
func (m *Manager) onRestartRequired(id session.ID, h transport.Handle) {
	_, ok := m.registry.Update(id.Raw, func(s *session.Session) bool {
		if s.Handle != h {
			return false
		}
		s.Handle = nil
		s.SetStatus(session.StatusConnecting)
		if s.ConnectingSince.IsZero() {
			s.ConnectingSince = m.clock.Now()
		}
		return true
	})
	if !ok {
		return
	}
	h.End()
	log.Info().Str("session_id", id.Raw).Msg("lifecycle.Manager.onRestartRequired re-pairing")

	go func() {
		if _, err := m.queue.Request(m.baseCtx(), id); err != nil {
			log.Warn().Str("session_id", id.Raw).Err(err).Msg("lifecycle.Manager.onRestartRequired restart failed")
			m.markDisconnected(id, "restart failed")
			m.reconnectAfterFailure(id)
		}
	}()
}

func (m *Manager) onLoggedOut(id session.ID, h transport.Handle, reason transport.CloseReason) {
	var phone string
	_, ok := m.registry.Update(id.Raw, func(s *session.Session) bool {
		if s.Handle != h {
			return false
		}
		phone = s.PhoneNumber
		s.Handle = nil
		s.LoggedOut = true
		s.SetStatus(session.StatusDisconnected)
		s.Disconnect = session.Disconnect{Reason: reason.Reason, Code: reason.Code}
		return true
	})
	if !ok {
		return
	}
	m.timers.DisarmAll(id.Raw)
	m.clearCycle(id.Raw)
	h.End()

	ctx, cancel := context.WithTimeout(m.baseCtx(), storeTimeout)
	defer cancel()
	m.persistStatus(id.Raw, session.StatusDisconnected, "")
	m.wipeCredentials(ctx, id.Raw)
	if err := m.store.SaveDevice(ctx, id.Raw, ""); err != nil {
		log.Warn().Str("session_id", id.Raw).Err(err).Msg("lifecycle.Manager.onLoggedOut clear device failed")
	}
	observability.RecordTransition(string(session.StatusDisconnected), "logged_out")
	log.Warn().Str("session_id", id.Raw).Str("reason", reason.Reason).Msg("lifecycle.Manager.onLoggedOut")

	m.notify(ctx, Notification{
		SessionID:   id.Raw,
		PhoneNumber: phone,
		Kind:        NotifyLoggedOut,
		Reason:      reason.Reason,
		Code:        reason.Code,
		At:          m.clock.Now(),
	})
}

func (m *Manager) onSystemClose(id session.ID, h transport.Handle, reason transport.CloseReason) {
	var loggedOut bool
	_, ok := m.registry.Update(id.Raw, func(s *session.Session) bool {
		if s.Handle != h {
			return false
		}
		loggedOut = s.LoggedOut
		s.Handle = nil
		s.SetStatus(session.StatusDisconnected)
		s.Disconnect = session.Disconnect{Reason: reason.Reason, Code: reason.Code}
		return true
	})
	if !ok {
		return
	}
	m.timers.Disarm(id.Raw, session.TimerConnectingCeiling)
	m.timers.Disarm(id.Raw, session.TimerLiveness)
	h.End()

	m.persistStatus(id.Raw, session.StatusDisconnected, "")
	observability.RecordTransition(string(session.StatusDisconnected), "system")
	log.Warn().
		Str("session_id", id.Raw).
		Str("reason", reason.Reason).
		Int("code", reason.Code).
		Msg("lifecycle.Manager.onSystemClose")

	if loggedOut {
		return
	}
	m.reconnectAfterFailure(id)
}

// expireConnecting forces a session still connecting on expect (any handle
// when nil) to disconnected and schedules a reconnect.
func (m *Manager) expireConnecting(id session.ID, expect transport.Handle, reason string) bool {
	var h transport.Handle
	var loggedOut bool
	_, ok := m.registry.Update(id.Raw, func(s *session.Session) bool {
		if s.Status != session.StatusConnecting {
			return false
		}
		if expect != nil && s.Handle != expect {
			return false
		}
		h = s.Handle
		loggedOut = s.LoggedOut
		s.Handle = nil
		s.SetStatus(session.StatusDisconnected)
		s.Disconnect = session.Disconnect{Reason: reason}
		return true
	})
	if !ok {
		return false
	}
	m.timers.Disarm(id.Raw, session.TimerConnectingCeiling)
	if h != nil {
		h.End()
	}
	m.persistStatus(id.Raw, session.StatusDisconnected, "")
	observability.RecordTransition(string(session.StatusDisconnected), "connecting_timeout")
	log.Warn().Str("session_id", id.Raw).Str("reason", reason).Msg("lifecycle.Manager.expireConnecting")

	if !loggedOut {
		m.reconnectAfterFailure(id)
	}
	return true
}

// markDisconnected records a failed construction. The session entry is
// created when missing so callers can observe the retryable outcome.
func (m *Manager) markDisconnected(id session.ID, reason string) session.Session {
	var h transport.Handle
	s := m.registry.Upsert(id, func(s *session.Session) {
		if s.Status == session.StatusConnected {
			return
		}
		h = s.Handle
		s.Handle = nil
		s.SetStatus(session.StatusDisconnected)
		s.Disconnect = session.Disconnect{Reason: reason}
	})
	if h != nil {
		h.End()
	}
	if s.Status == session.StatusDisconnected {
		m.timers.Disarm(id.Raw, session.TimerConnectingCeiling)
		m.persistStatus(id.Raw, session.StatusDisconnected, "")
	}
	return s
}

func (m *Manager) onMessage(id session.ID, h transport.Handle, msg transport.IncomingMessage) {
	now := m.clock.Now()
	s, ok := m.registry.Update(id.Raw, func(s *session.Session) bool {
		if s.Handle != h {
			return false
		}
		s.LastActivity = now
		return true
	})
	if !ok || m.sink() == nil {
		return
	}
	select {
	case m.inboundQ <- inboundItem{session: s, msg: msg}:
	default:
		observability.RecordInbound("dropped_backlog")
		log.Warn().Str("session_id", id.Raw).Str("message_id", msg.ID).Msg("lifecycle.Manager.onMessage inbound backlog full")
	}
}

// inboundItem pairs a message with the session snapshot taken on arrival.
type inboundItem struct {
	session session.Session
	msg     transport.IncomingMessage
}

func (m *Manager) deliverInbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-m.inboundQ:
			if sink := m.sink(); sink != nil {
				sink.HandleInbound(ctx, item.session, item.msg)
			}
		}
	}
}

func (m *Manager) onCredentials(id session.ID, creds transport.Credentials) {
	ctx, cancel := context.WithTimeout(m.baseCtx(), storeTimeout)
	defer cancel()
	if err := m.store.SaveDevice(ctx, id.Raw, creds.DeviceID); err != nil {
		log.Warn().Str("session_id", id.Raw).Err(err).Msg("lifecycle.Manager.onCredentials store failed")
		return
	}
	log.Info().Str("session_id", id.Raw).Str("device_id", creds.DeviceID).Msg("lifecycle.Manager.onCredentials persisted")
}
