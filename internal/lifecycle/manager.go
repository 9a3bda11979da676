package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/wabridge/internal/clock"
	"github.com/danmuck/wabridge/internal/observability"
	"github.com/danmuck/wabridge/internal/pairing"
	"github.com/danmuck/wabridge/internal/session"
	"github.com/danmuck/wabridge/internal/store"
	"github.com/danmuck/wabridge/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionNotFound = errors.New("lifecycle: session not found")
	ErrNotStarted      = errors.New("lifecycle: manager not started")
)

const storeTimeout = 5 * time.Second

// InboundSink receives messages from connected sessions.
type InboundSink interface {
	HandleInbound(ctx context.Context, s session.Session, msg transport.IncomingMessage)
}

// Config groups supervision and pairing settings.
type Config struct {
	Session session.Config
	Pairing pairing.Config
	Inbound InboundConfig
}

// InboundConfig bounds the handoff from event dispatch to the sink. Messages
// arriving while Backlog items are queued are dropped.
type InboundConfig struct {
	Workers int
	Backlog int
}

func DefaultConfig() Config {
	return Config{
		Session: session.DefaultConfig(),
		Pairing: pairing.DefaultConfig(),
		Inbound: InboundConfig{Workers: 4, Backlog: 1024},
	}
}

func (c InboundConfig) withDefaults() InboundConfig {
	d := DefaultConfig().Inbound
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Backlog <= 0 {
		c.Backlog = d.Backlog
	}
	return c
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Registry *session.Registry
	Store    store.Store
	Factory  transport.Factory
	Notifier Notifier
	Inbound  InboundSink
	Clock    clock.Clock
}

// Manager is the connection state machine plus its schedulers.
type Manager struct {
	cfg      Config
	clock    clock.Clock
	registry *session.Registry
	timers   *session.Timers
	store    store.Store
	factory  transport.Factory
	notifier Notifier
	queue    *pairing.Queue
	inboundQ chan inboundItem

	mu      sync.RWMutex
	ctx     context.Context
	inbound InboundSink
	started bool
	cycles  map[string]int
}

// Lifecycle manager constructor using explicit configuration.
func NewManager(cfg Config, deps Deps) *Manager {
	cfg.Session = cfg.Session.WithDefaults()
	cfg.Inbound = cfg.Inbound.withDefaults()
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	reg := deps.Registry
	if reg == nil {
		reg = session.NewRegistry(clk)
	}
	st := deps.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	m := &Manager{
		cfg:      cfg,
		clock:    clk,
		registry: reg,
		timers:   session.NewTimers(clk),
		store:    st,
		factory:  deps.Factory,
		notifier: deps.Notifier,
		inbound:  deps.Inbound,
		inboundQ: make(chan inboundItem, cfg.Inbound.Backlog),
		ctx:      context.Background(),
		cycles:   make(map[string]int),
	}
	m.queue = pairing.NewQueue(cfg.Pairing, reg, m.startTransport, clk)
	return m
}

// SetInbound installs the sink for inbound messages. The bridge and the
// manager depend on each other, so wiring happens after construction.
func (m *Manager) SetInbound(sink InboundSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = sink
}

func (m *Manager) Registry() *session.Registry { return m.registry }
func (m *Manager) Timers() *session.Timers     { return m.timers }
func (m *Manager) Queue() *pairing.Queue       { return m.queue }

// Ready reports whether Start has run.
func (m *Manager) Ready() bool { return m.isStarted() }

// Start launches the pairing worker and the inbound delivery workers. Sweeps
// are driven by Run or called directly.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.ctx = ctx
	m.mu.Unlock()

	go m.queue.Run(ctx)
	for i := 0; i < m.cfg.Inbound.Workers; i++ {
		go m.deliverInbound(ctx)
	}
}

// Run starts the manager, restores persisted ready sessions, and runs the
// supervisors until ctx ends. Live handles are closed on return.
func (m *Manager) Run(ctx context.Context) error {
	if m.factory == nil {
		return fmt.Errorf("lifecycle: missing transport factory")
	}
	m.Start(ctx)
	defer m.Shutdown()

	go func() {
		if n, err := m.Restore(ctx); err != nil {
			log.Warn().Err(err).Msg("lifecycle.Manager.Run restore failed")
		} else {
			log.Info().Int("sessions", n).Msg("lifecycle.Manager.Run restore complete")
		}
	}()

	cfg := m.cfg.Session
	health := m.clock.NewTicker(cfg.HealthInterval)
	defer health.Stop()
	expiry := m.clock.NewTicker(cfg.PairingExpiryInterval)
	defer expiry.Stop()
	connecting := m.clock.NewTicker(cfg.ConnectingSweepInterval)
	defer connecting.Stop()

	log.Info().
		Dur("health_interval", cfg.HealthInterval).
		Dur("pairing_expiry_interval", cfg.PairingExpiryInterval).
		Dur("connecting_interval", cfg.ConnectingSweepInterval).
		Msg("lifecycle.Manager.Run supervisors started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("lifecycle.Manager.Run shutdown")
			return nil
		case <-health.C():
			m.SweepHealth(ctx)
			m.publishCounts()
		case <-expiry.C():
			m.SweepPairingExpiry(ctx)
		case <-connecting.C():
			m.SweepConnecting()
		}
	}
}

// CreateSession returns the live session for rawID, pairing through the
// queue when needed. Construction timeouts leave the session disconnected
// and are not returned as errors.
func (m *Manager) CreateSession(ctx context.Context, rawID string) (session.Session, error) {
	id, err := session.ParseID(rawID)
	if err != nil {
		return session.Session{}, err
	}
	if !m.isStarted() {
		return session.Session{}, ErrNotStarted
	}

	if s, ok := m.registry.Update(id.Raw, func(s *session.Session) bool {
		if !s.LoggedOut {
			return false
		}
		s.LoggedOut = false
		return true
	}); ok {
		log.Info().Str("session_id", s.SessionID).Msg("lifecycle.Manager.CreateSession revive logged out session")
	}

	h, err := m.queue.Request(ctx, id)
	if err != nil {
		if errors.Is(err, pairing.ErrAttemptTimeout) || transport.IsTimeout(err) {
			log.Warn().Str("session_id", id.Raw).Err(err).Msg("lifecycle.Manager.CreateSession construction timed out")
			s := m.markDisconnected(id, "construction timeout")
			return s, nil
		}
		return session.Session{}, err
	}

	if s, ok := m.registry.Get(id.Raw); ok && s.Handle == h {
		return s, nil
	}
	if s, ok := m.registry.ConnectedInGroup(id.TenantGroup, ""); ok && s.Handle == h {
		return s, nil
	}
	s, _ := m.registry.Get(id.Raw)
	return s, nil
}

// Logout unlinks the device, wipes credentials and forgets the session.
func (m *Manager) Logout(ctx context.Context, rawID string) error {
	return m.destroy(ctx, rawID, true)
}

// Reset closes the session and wipes its credentials without unlinking, so
// the next CreateSession pairs fresh.
func (m *Manager) Reset(ctx context.Context, rawID string) error {
	return m.destroy(ctx, rawID, false)
}

func (m *Manager) destroy(ctx context.Context, rawID string, unlink bool) error {
	s, ok := m.registry.Remove(rawID)
	if !ok {
		if _, err := m.store.Get(ctx, rawID); err != nil {
			return ErrSessionNotFound
		}
	}
	m.timers.DisarmAll(rawID)
	m.clearCycle(rawID)

	if ok && s.Handle != nil {
		if unlink {
			if err := s.Handle.Logout(ctx); err != nil {
				log.Warn().Str("session_id", rawID).Err(err).Msg("lifecycle.Manager.destroy logout failed")
				s.Handle.End()
			}
		} else {
			s.Handle.End()
		}
	}
	m.wipeCredentials(ctx, rawID)
	if err := m.store.UpsertStatus(ctx, rawID, session.StoredStatus(session.StatusDisconnected), ""); err != nil {
		log.Warn().Str("session_id", rawID).Err(err).Msg("lifecycle.Manager.destroy store status failed")
	}
	if err := m.store.SaveDevice(ctx, rawID, ""); err != nil {
		log.Warn().Str("session_id", rawID).Err(err).Msg("lifecycle.Manager.destroy store device failed")
	}
	log.Info().Str("session_id", rawID).Bool("unlink", unlink).Msg("lifecycle.Manager.destroy complete")
	return nil
}

// Restore re-creates every session persisted as ready that still has
// device credentials.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	recs, err := m.store.ListByStatus(ctx, session.StoredReady)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: restore list: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if rec.DeviceID == "" {
			log.Debug().Str("session_id", rec.SessionID).Msg("lifecycle.Manager.Restore skip session without device")
			continue
		}
		if _, err := m.CreateSession(ctx, rec.SessionID); err != nil {
			log.Warn().Str("session_id", rec.SessionID).Err(err).Msg("lifecycle.Manager.Restore session failed")
			continue
		}
		n++
	}
	return n, nil
}

// Shutdown ends every live handle and disarms all timers. Credentials and
// persisted status are kept so the next boot can restore.
func (m *Manager) Shutdown() {
	for _, id := range m.registry.Keys() {
		m.timers.DisarmAll(id)
		var h transport.Handle
		m.registry.Update(id, func(s *session.Session) bool {
			h = s.Handle
			s.Handle = nil
			return h != nil
		})
		if h != nil {
			h.End()
		}
	}
}

func (m *Manager) isStarted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

func (m *Manager) baseCtx() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ctx
}

func (m *Manager) sink() InboundSink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inbound
}

func (m *Manager) persistStatus(sessionID string, status session.Status, phone string) {
	ctx, cancel := context.WithTimeout(m.baseCtx(), storeTimeout)
	defer cancel()
	if err := m.store.UpsertStatus(ctx, sessionID, session.StoredStatus(status), phone); err != nil {
		log.Warn().Str("session_id", sessionID).Str("status", string(status)).Err(err).Msg("lifecycle.Manager store status failed")
	}
}

func (m *Manager) credentials(ctx context.Context, sessionID string) transport.Credentials {
	creds := transport.Credentials{SessionID: sessionID}
	if rec, err := m.store.Get(ctx, sessionID); err == nil {
		creds.DeviceID = rec.DeviceID
	}
	return creds
}

func (m *Manager) wipeCredentials(ctx context.Context, sessionID string) {
	if m.factory == nil {
		return
	}
	if err := m.factory.WipeCredentials(ctx, m.credentials(ctx, sessionID)); err != nil {
		log.Warn().Str("session_id", sessionID).Err(err).Msg("lifecycle.Manager wipe credentials failed")
	}
}

func (m *Manager) publishCounts() {
	counts := m.registry.CountByStatus()
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	observability.SetSessionCounts(out)
}
