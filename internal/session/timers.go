package session

import (
	"sync"
	"time"

	"github.com/danmuck/wabridge/internal/clock"
)

// TimerKind names one per-session timer slot.
type TimerKind string

const (
	TimerConnectingCeiling TimerKind = "connecting_ceiling"
	TimerLiveness          TimerKind = "liveness"
	TimerReconnect         TimerKind = "reconnect"
	TimerNotifySettle      TimerKind = "notify_settle"
)

type timerKey struct {
	session string
	kind    TimerKind
}

type armedTimer struct {
	timer clock.Timer
	gen   uint64
}

// Timers tracks at most one armed timer per (session, kind). Arming a slot
// cancels whatever it held; DisarmAll clears a session on teardown.
type Timers struct {
	mu    sync.Mutex
	clock clock.Clock
	gen   uint64
	items map[timerKey]armedTimer
}

func NewTimers(clk clock.Clock) *Timers {
	if clk == nil {
		clk = clock.Real()
	}
	return &Timers{
		clock: clk,
		items: make(map[timerKey]armedTimer),
	}
}

// Arm schedules fn after d in the given slot. The slot is released before fn
// runs, so fn may re-arm it.
func (t *Timers) Arm(sessionID string, kind TimerKind, d time.Duration, fn func()) {
	key := timerKey{session: sessionID, kind: kind}

	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.items[key]; ok {
		prev.timer.Stop()
	}
	t.gen++
	gen := t.gen
	timer := t.clock.AfterFunc(d, func() {
		if !t.release(key, gen) {
			return
		}
		fn()
	})
	t.items[key] = armedTimer{timer: timer, gen: gen}
}

// ArmIfIdle arms the slot only when nothing is armed there.
func (t *Timers) ArmIfIdle(sessionID string, kind TimerKind, d time.Duration, fn func()) bool {
	t.mu.Lock()
	_, busy := t.items[timerKey{session: sessionID, kind: kind}]
	t.mu.Unlock()
	if busy {
		return false
	}
	t.Arm(sessionID, kind, d, fn)
	return true
}

func (t *Timers) release(key timerKey, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.items[key]
	if !ok || cur.gen != gen {
		return false
	}
	delete(t.items, key)
	return true
}

// Disarm cancels one slot.
func (t *Timers) Disarm(sessionID string, kind TimerKind) {
	key := timerKey{session: sessionID, kind: kind}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.items[key]; ok {
		cur.timer.Stop()
		delete(t.items, key)
	}
}

// DisarmAll cancels every slot of one session.
func (t *Timers) DisarmAll(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, cur := range t.items {
		if key.session == sessionID {
			cur.timer.Stop()
			delete(t.items, key)
		}
	}
}

// Armed reports whether a slot currently holds a timer.
func (t *Timers) Armed(sessionID string, kind TimerKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.items[timerKey{session: sessionID, kind: kind}]
	return ok
}

// Count returns the number of armed timers for one session.
func (t *Timers) Count(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key := range t.items {
		if key.session == sessionID {
			n++
		}
	}
	return n
}
