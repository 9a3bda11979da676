// Package pairing serializes transport construction: one attempt in flight
// process-wide, FIFO, with a cooldown between attempts.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/wabridge/internal/clock"
	"github.com/danmuck/wabridge/internal/observability"
	"github.com/danmuck/wabridge/internal/session"
	"github.com/danmuck/wabridge/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	// ErrAttemptTimeout is returned instead of a handle when construction
	// times out; callers treat it as retryable.
	ErrAttemptTimeout = errors.New("pairing: attempt timed out")
	ErrQueueClosed    = errors.New("pairing: queue closed")
)

// Starter constructs a transport handle for one session.
type Starter func(ctx context.Context, id session.ID) (transport.Handle, error)

// Config defines queue pacing.
type Config struct {
	Cooldown       time.Duration
	AttemptTimeout time.Duration
	// FreshWindow bounds how long a non-connected live session is reused
	// instead of paired again.
	FreshWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		Cooldown:       3 * time.Second,
		AttemptTimeout: 60 * time.Second,
		FreshWindow:    120 * time.Second,
	}
}

// Entry is one queued pairing request.
type Entry struct {
	Seq       uint64    `json:"seq"`
	SessionID string    `json:"session_id"`
	QueuedAt  time.Time `json:"queued_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

type result struct {
	handle transport.Handle
	err    error
}

type request struct {
	ctx   context.Context
	id    session.ID
	seq   uint64
	reply chan result
}

// Queue is the process-wide single-flight pairing serializer.
type Queue struct {
	cfg      Config
	registry *session.Registry
	start    Starter
	clock    clock.Clock

	mu      sync.Mutex
	queue   []*request
	entries map[uint64]Entry
	seq     uint64
	wake    chan struct{}
	done    chan struct{}

	inFlight atomic.Int32
}

func NewQueue(cfg Config, registry *session.Registry, start Starter, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	if cfg.FreshWindow <= 0 {
		cfg.FreshWindow = DefaultConfig().FreshWindow
	}
	return &Queue{
		cfg:      cfg,
		registry: registry,
		start:    start,
		clock:    clk,
		entries:  make(map[uint64]Entry),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Run drains the queue until ctx ends. Pending requests then fail with
// ErrQueueClosed.
func (q *Queue) Run(ctx context.Context) {
	defer q.shutdown()

	for {
		req, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		attempted := q.process(ctx, req)
		if attempted && !q.cooldown(ctx) {
			return
		}
	}
}

// Request enqueues a pairing request and waits for its outcome. Requests
// made before Run wait for the worker.
func (q *Queue) Request(ctx context.Context, id session.ID) (transport.Handle, error) {
	q.mu.Lock()
	select {
	case <-q.done:
		q.mu.Unlock()
		return nil, ErrQueueClosed
	default:
	}
	q.seq++
	req := &request{ctx: ctx, id: id, seq: q.seq, reply: make(chan result, 1)}
	q.queue = append(q.queue, req)
	q.entries[req.seq] = Entry{Seq: req.seq, SessionID: id.Raw, QueuedAt: q.clock.Now()}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case res := <-req.reply:
		return res.handle, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrQueueClosed
	}
}

// Pending returns queued and in-flight entries in FIFO order.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// InFlight reports how many constructions are running right now.
func (q *Queue) InFlight() int {
	return int(q.inFlight.Load())
}

func (q *Queue) pop() (*request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil, false
	}
	req := q.queue[0]
	q.queue[0] = nil
	q.queue = q.queue[1:]
	return req, true
}

func (q *Queue) finish(req *request, res result) {
	q.mu.Lock()
	delete(q.entries, req.seq)
	q.mu.Unlock()
	req.reply <- res
}

// process serves one request and reports whether a construction ran.
func (q *Queue) process(ctx context.Context, req *request) bool {
	if err := req.ctx.Err(); err != nil {
		q.finish(req, result{err: err})
		return false
	}

	if s, ok := q.registry.ConnectedInGroup(req.id.TenantGroup, req.id.Raw); ok {
		log.Info().
			Str("session_id", req.id.Raw).
			Str("tenant_group", req.id.TenantGroup).
			Str("connected_session", s.SessionID).
			Msg("pairing.Queue reuse tenant connection")
		observability.RecordPairingAttempt("reused_tenant")
		q.finish(req, result{handle: s.Handle})
		return false
	}
	if s, ok := q.registry.Get(req.id.Raw); ok && q.fresh(s) {
		log.Debug().
			Str("session_id", req.id.Raw).
			Str("status", string(s.Status)).
			Msg("pairing.Queue reuse live session")
		observability.RecordPairingAttempt("reused_session")
		q.finish(req, result{handle: s.Handle})
		return false
	}

	q.mu.Lock()
	if e, ok := q.entries[req.seq]; ok {
		e.StartedAt = q.clock.Now()
		q.entries[req.seq] = e
	}
	q.mu.Unlock()

	handle, err := q.attempt(ctx, req)
	switch {
	case err == nil:
		observability.RecordPairingAttempt("started")
	case errors.Is(err, ErrAttemptTimeout):
		observability.RecordPairingAttempt("timeout")
	default:
		observability.RecordPairingAttempt("failed")
	}
	q.finish(req, result{handle: handle, err: err})
	return true
}

func (q *Queue) attempt(ctx context.Context, req *request) (handle transport.Handle, err error) {
	q.inFlight.Add(1)
	defer q.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			handle = nil
			err = fmt.Errorf("pairing: start panicked session_id=%q: %v", req.id.Raw, r)
		}
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	defer cancel()
	stop := context.AfterFunc(req.ctx, cancel)
	defer stop()

	handle, err = q.start(attemptCtx, req.id)
	if err != nil {
		if transport.IsTimeout(err) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			log.Warn().Str("session_id", req.id.Raw).Err(err).Msg("pairing.Queue attempt timed out")
			return nil, fmt.Errorf("%w: session_id=%q", ErrAttemptTimeout, req.id.Raw)
		}
		log.Warn().Str("session_id", req.id.Raw).Err(err).Msg("pairing.Queue attempt failed")
		return nil, err
	}
	return handle, nil
}

func (q *Queue) fresh(s session.Session) bool {
	if !s.IsLive() {
		return false
	}
	if s.Status == session.StatusConnected {
		return true
	}
	return q.clock.Now().Sub(s.LastUpdate) < q.cfg.FreshWindow
}

// cooldown waits between attempts; false means ctx ended first.
func (q *Queue) cooldown(ctx context.Context) bool {
	if q.cfg.Cooldown <= 0 {
		return ctx.Err() == nil
	}
	elapsed := make(chan struct{})
	timer := q.clock.AfterFunc(q.cfg.Cooldown, func() { close(elapsed) })
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-elapsed:
		return true
	}
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	close(q.done)
	for _, req := range q.queue {
		delete(q.entries, req.seq)
		req.reply <- result{err: ErrQueueClosed}
	}
	q.queue = nil
}
