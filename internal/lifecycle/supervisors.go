package lifecycle

import (
	"context"

	"github.com/danmuck/wabridge/internal/session"
	"github.com/danmuck/wabridge/internal/transport"
	"github.com/rs/zerolog/log"
)

// SweepHealth probes connected sessions that have been silent longer than
// SilenceThreshold. An unreachable session is closed as a system
// disconnect.
func (m *Manager) SweepHealth(ctx context.Context) int {
	cfg := m.cfg.Session
	now := m.clock.Now()
	dropped := 0
	for _, key := range m.registry.Keys() {
		s, ok := m.registry.Get(key)
		if !ok || s.Status != session.StatusConnected || s.Handle == nil {
			continue
		}
		last := s.LastActivity
		if s.ConnectedAt.After(last) {
			last = s.ConnectedAt
		}
		if now.Sub(last) <= cfg.SilenceThreshold {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
		res, err := s.Handle.ProbeRegistered(probeCtx, s.PhoneNumber)
		cancel()
		if err == nil && res.Registered {
			stamp := m.clock.Now()
			m.registry.Update(key, func(cur *session.Session) bool {
				if cur.Handle != s.Handle {
					return false
				}
				cur.LastActivity = stamp
				return true
			})
			continue
		}

		reason := "health probe unregistered"
		if err != nil {
			reason = "health probe failed"
		}
		log.Warn().Str("session_id", key).Dur("silent", now.Sub(last)).Err(err).Msg("lifecycle.Manager.SweepHealth unreachable")
		m.onSystemClose(s.ID, s.Handle, transport.CloseReason{Kind: transport.CloseSystem, Reason: reason})
		dropped++
	}
	return dropped
}

// SweepPairingExpiry tears down qr_ready sessions whose code is older than
// PairingTTL, and evicts disconnected sessions idle past StaleAfter with no
// reconnection pending.
func (m *Manager) SweepPairingExpiry(ctx context.Context) (expired, evicted int) {
	cfg := m.cfg.Session
	now := m.clock.Now()
	for _, key := range m.registry.Keys() {
		s, ok := m.registry.Get(key)
		if !ok {
			continue
		}
		switch {
		case s.Status == session.StatusQRReady && now.Sub(s.PairingGeneratedAt) > cfg.PairingTTL:
			if m.expirePairing(ctx, s) {
				expired++
			}
		case s.Status == session.StatusDisconnected && now.Sub(s.LastUpdate) > cfg.StaleAfter:
			if m.timers.Armed(key, session.TimerReconnect) || m.timers.Armed(key, session.TimerNotifySettle) {
				continue
			}
			removed := m.registry.CompareAndRemove(key, func(cur session.Session) bool {
				return cur.Status == session.StatusDisconnected && cur.LastUpdate.Equal(s.LastUpdate)
			})
			if removed {
				m.timers.DisarmAll(key)
				m.clearCycle(key)
				log.Info().Str("session_id", key).Msg("lifecycle.Manager.SweepPairingExpiry evicted stale session")
				evicted++
			}
		}
	}
	return expired, evicted
}

func (m *Manager) expirePairing(ctx context.Context, s session.Session) bool {
	removed := m.registry.CompareAndRemove(s.SessionID, func(cur session.Session) bool {
		return cur.Status == session.StatusQRReady &&
			cur.Handle == s.Handle &&
			cur.PairingGeneratedAt.Equal(s.PairingGeneratedAt)
	})
	if !removed {
		return false
	}
	m.timers.DisarmAll(s.SessionID)
	m.clearCycle(s.SessionID)
	if s.Handle != nil {
		s.Handle.End()
	}
	m.wipeCredentials(ctx, s.SessionID)
	if err := m.store.Delete(ctx, s.SessionID); err != nil {
		log.Warn().Str("session_id", s.SessionID).Err(err).Msg("lifecycle.Manager.expirePairing store delete failed")
	}
	log.Info().Str("session_id", s.SessionID).Msg("lifecycle.Manager.expirePairing pairing code expired")
	return true
}

// SweepConnecting disconnects sessions stuck connecting past
// ConnectingCeiling and schedules one reconnection for each.
func (m *Manager) SweepConnecting() int {
	cfg := m.cfg.Session
	now := m.clock.Now()
	n := 0
	for _, key := range m.registry.Keys() {
		s, ok := m.registry.Get(key)
		if !ok || s.Status != session.StatusConnecting || s.ConnectingSince.IsZero() {
			continue
		}
		if now.Sub(s.ConnectingSince) <= cfg.ConnectingCeiling {
			continue
		}
		if m.expireConnecting(s.ID, nil, "connecting timeout") {
			n++
		}
	}
	return n
}
