// Package transporttest provides scriptable transport handles for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/wabridge/internal/transport"
)

// Sent records one Send call.
type Sent struct {
	Address string
	Content transport.Content
}

// Handle is an in-memory transport.Handle driven by Emit.
type Handle struct {
	SessionID string

	mu       sync.Mutex
	events   chan transport.Event
	ended    bool
	loggedIn bool
	sent     []Sent
	seq      int

	// ProbeFunc overrides ProbeRegistered; the default reports registered.
	ProbeFunc func(ctx context.Context, address string) (transport.ProbeResult, error)
	// SendErr, when set, fails every Send.
	SendErr   error
	LogoutErr error

	endCalls    atomic.Int32
	logoutCalls atomic.Int32
	probeCalls  atomic.Int32
}

func NewHandle(sessionID string) *Handle {
	return &Handle{
		SessionID: sessionID,
		events:    make(chan transport.Event, 64),
		loggedIn:  true,
	}
}

func (h *Handle) Events() <-chan transport.Event {
	return h.events
}

// Emit delivers ev unless the handle has ended. It reports delivery.
func (h *Handle) Emit(ev transport.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return false
	}
	h.events <- ev
	return true
}

func (h *Handle) EmitPairingCode(code string) bool {
	return h.Emit(transport.Event{Kind: transport.EventPairingCode, PairingCode: code})
}

func (h *Handle) EmitOpen(identity string) bool {
	return h.Emit(transport.Event{Kind: transport.EventConnection, State: transport.StateOpen, Identity: identity})
}

func (h *Handle) EmitClose(kind transport.CloseKind, reason string) bool {
	return h.Emit(transport.Event{
		Kind:  transport.EventConnection,
		State: transport.StateClose,
		Close: transport.CloseReason{Kind: kind, Reason: reason},
	})
}

func (h *Handle) EmitMessage(msg transport.IncomingMessage) bool {
	return h.Emit(transport.Event{Kind: transport.EventMessage, Message: &msg})
}

func (h *Handle) Send(ctx context.Context, address string, content transport.Content) (transport.DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return transport.DeliveryResult{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return transport.DeliveryResult{}, transport.ErrClosed
	}
	if h.SendErr != nil {
		return transport.DeliveryResult{}, h.SendErr
	}
	h.seq++
	h.sent = append(h.sent, Sent{Address: address, Content: content})
	return transport.DeliveryResult{
		MessageID: fmt.Sprintf("%s-out-%d", h.SessionID, h.seq),
		Timestamp: time.Now(),
	}, nil
}

func (h *Handle) ProbeRegistered(ctx context.Context, address string) (transport.ProbeResult, error) {
	h.probeCalls.Add(1)
	if h.ProbeFunc != nil {
		return h.ProbeFunc(ctx, address)
	}
	if err := ctx.Err(); err != nil {
		return transport.ProbeResult{}, err
	}
	return transport.ProbeResult{Registered: true, CanonicalAddress: address}, nil
}

func (h *Handle) End() {
	h.endCalls.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	h.ended = true
	close(h.events)
}

func (h *Handle) Logout(ctx context.Context) error {
	h.logoutCalls.Add(1)
	if h.LogoutErr != nil {
		return h.LogoutErr
	}
	h.mu.Lock()
	h.loggedIn = false
	h.mu.Unlock()
	h.End()
	return nil
}

func (h *Handle) Ended() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended
}

func (h *Handle) SentMessages() []Sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Sent(nil), h.sent...)
}

func (h *Handle) EndCalls() int    { return int(h.endCalls.Load()) }
func (h *Handle) LogoutCalls() int { return int(h.logoutCalls.Load()) }
func (h *Handle) ProbeCalls() int  { return int(h.probeCalls.Load()) }

// Factory hands out Handles and records every Open.
type Factory struct {
	mu      sync.Mutex
	handles []*Handle
	wiped   []string

	// OpenErr, when set, is returned for the next Open and then cleared.
	OpenErr error
	// OpenHook runs inside Open before the handle is created.
	OpenHook func(ctx context.Context, creds transport.Credentials) error
}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Open(ctx context.Context, creds transport.Credentials) (transport.Handle, error) {
	if f.OpenHook != nil {
		if err := f.OpenHook(ctx, creds); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		err := f.OpenErr
		f.OpenErr = nil
		return nil, err
	}
	h := NewHandle(creds.SessionID)
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *Factory) WipeCredentials(_ context.Context, creds transport.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wiped = append(f.wiped, creds.SessionID)
	return nil
}

// Opens returns the number of handles created.
func (f *Factory) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

// Last returns the most recent handle opened for sessionID.
func (f *Factory) Last(sessionID string) *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.handles) - 1; i >= 0; i-- {
		if f.handles[i].SessionID == sessionID {
			return f.handles[i]
		}
	}
	return nil
}

// OpensFor counts handles created for sessionID.
func (f *Factory) OpensFor(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.handles {
		if h.SessionID == sessionID {
			n++
		}
	}
	return n
}

func (f *Factory) Wiped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.wiped...)
}
