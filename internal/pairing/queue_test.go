package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/wabridge/internal/clock"
	"github.com/danmuck/wabridge/internal/session"
	"github.com/danmuck/wabridge/internal/testutil/testlog"
	"github.com/danmuck/wabridge/internal/transport"
	"github.com/danmuck/wabridge/internal/transport/transporttest"
)

func mustID(t *testing.T, raw string) session.ID {
	t.Helper()
	id, err := session.ParseID(raw)
	if err != nil {
		t.Fatalf("parse id %q: %v", raw, err)
	}
	return id
}

func startQueue(t *testing.T, cfg Config, reg *session.Registry, start Starter) *Queue {
	t.Helper()
	q := NewQueue(cfg, reg, start, clock.Real())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func TestQueueSingleFlightUnderConcurrency(t *testing.T) {
	testlog.Start(t)

	reg := session.NewRegistry(clock.Real())
	factory := transporttest.NewFactory()

	var inFlight, maxInFlight atomic.Int32
	start := func(ctx context.Context, id session.ID) (transport.Handle, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return factory.Open(ctx, transport.Credentials{SessionID: id.Raw})
	}
	q := startQueue(t, Config{Cooldown: 0, AttemptTimeout: time.Second}, reg, start)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := mustID(t, fmt.Sprintf("g1_tenant%d_s1", i))
			h, err := q.Request(context.Background(), id)
			if err != nil || h == nil {
				t.Errorf("request %d: handle=%v err=%v", i, h, err)
			}
		}(i)
	}
	wg.Wait()

	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("max constructions in flight=%d want 1", got)
	}
	if got := factory.Opens(); got != 12 {
		t.Fatalf("opens=%d want 12", got)
	}
	if len(q.Pending()) != 0 {
		t.Fatalf("pending entries leaked: %+v", q.Pending())
	}
}

func TestQueueReusesConnectedTenantGroup(t *testing.T) {
	testlog.Start(t)

	reg := session.NewRegistry(clock.Real())
	existing := transporttest.NewHandle("g1_acctA_s1")
	reg.Upsert(mustID(t, "g1_acctA_s1"), func(s *session.Session) {
		s.Handle = existing
		s.SetConnected("923001234567", time.Now())
	})

	var starts atomic.Int32
	start := func(ctx context.Context, id session.ID) (transport.Handle, error) {
		starts.Add(1)
		return transporttest.NewHandle(id.Raw), nil
	}
	q := startQueue(t, Config{Cooldown: 0}, reg, start)

	for _, raw := range []string{"g1_acctA_s2", "g2_acctA_s3"} {
		h, err := q.Request(context.Background(), mustID(t, raw))
		if err != nil {
			t.Fatalf("request %s: %v", raw, err)
		}
		if h != existing {
			t.Fatalf("request %s returned a new handle", raw)
		}
	}
	if got := starts.Load(); got != 0 {
		t.Fatalf("constructions=%d want 0", got)
	}

	if _, err := q.Request(context.Background(), mustID(t, "g1_acctB_s1")); err != nil {
		t.Fatalf("other tenant group: %v", err)
	}
	if got := starts.Load(); got != 1 {
		t.Fatalf("other tenant group constructions=%d want 1", got)
	}
}

func TestQueueReturnsFreshLiveSession(t *testing.T) {
	testlog.Start(t)

	reg := session.NewRegistry(clock.Real())
	live := transporttest.NewHandle("g1_acctA_s1")
	reg.Upsert(mustID(t, "g1_acctA_s1"), func(s *session.Session) {
		s.Handle = live
		s.SetStatus(session.StatusQRReady)
		s.PairingPayload = "code"
	})

	var starts atomic.Int32
	start := func(ctx context.Context, id session.ID) (transport.Handle, error) {
		starts.Add(1)
		return transporttest.NewHandle(id.Raw), nil
	}
	q := startQueue(t, Config{Cooldown: 0}, reg, start)

	h, err := q.Request(context.Background(), mustID(t, "g1_acctA_s1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if h != live || starts.Load() != 0 {
		t.Fatalf("fresh live session was not reused")
	}
}

func TestQueueTimeoutIsRetryableSentinel(t *testing.T) {
	testlog.Start(t)

	reg := session.NewRegistry(clock.Real())
	start := func(ctx context.Context, id session.ID) (transport.Handle, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	q := startQueue(t, Config{Cooldown: 0, AttemptTimeout: 20 * time.Millisecond}, reg, start)

	h, err := q.Request(context.Background(), mustID(t, "g1_acctA_s1"))
	if h != nil {
		t.Fatalf("expected nil handle on timeout")
	}
	if !errors.Is(err, ErrAttemptTimeout) {
		t.Fatalf("err=%v want ErrAttemptTimeout", err)
	}
}

func TestQueuePropagatesConstructionErrors(t *testing.T) {
	testlog.Start(t)

	boom := errors.New("bad credentials")
	reg := session.NewRegistry(clock.Real())
	start := func(ctx context.Context, id session.ID) (transport.Handle, error) {
		return nil, boom
	}
	q := startQueue(t, Config{Cooldown: 0}, reg, start)

	if _, err := q.Request(context.Background(), mustID(t, "g1_acctA_s1")); !errors.Is(err, boom) {
		t.Fatalf("err=%v want %v", err, boom)
	}
}

func TestQueueDrainsInFIFOOrder(t *testing.T) {
	testlog.Start(t)

	reg := session.NewRegistry(clock.Real())
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	start := func(ctx context.Context, id session.ID) (transport.Handle, error) {
		if id.Raw == "g0_block_s0" {
			<-gate
		}
		mu.Lock()
		order = append(order, id.Raw)
		mu.Unlock()
		return transporttest.NewHandle(id.Raw), nil
	}
	q := startQueue(t, Config{Cooldown: 0}, reg, start)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Request(context.Background(), mustID(t, "g0_block_s0"))
	}()
	waitPending(t, q, 1)

	want := []string{"g1_a_s1", "g1_b_s1", "g1_c_s1"}
	for i, raw := range want {
		wg.Add(1)
		go func(raw string) {
			defer wg.Done()
			_, _ = q.Request(context.Background(), mustID(t, raw))
		}(raw)
		waitPending(t, q, i+2)
	}
	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 || order[0] != "g0_block_s0" {
		t.Fatalf("order=%v", order)
	}
	for i, raw := range want {
		if order[i+1] != raw {
			t.Fatalf("order=%v want FIFO %v", order, want)
		}
	}
}

func TestQueueCooldownUsesClock(t *testing.T) {
	testlog.Start(t)

	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	reg := session.NewRegistry(fake)
	var starts atomic.Int32
	start := func(ctx context.Context, id session.ID) (transport.Handle, error) {
		starts.Add(1)
		return transporttest.NewHandle(id.Raw), nil
	}
	q := NewQueue(Config{Cooldown: 3 * time.Second}, reg, start, fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	if _, err := q.Request(context.Background(), mustID(t, "g1_a_s1")); err != nil {
		t.Fatalf("first request: %v", err)
	}

	second := make(chan error, 1)
	go func() {
		_, err := q.Request(context.Background(), mustID(t, "g1_b_s1"))
		second <- err
	}()
	select {
	case <-second:
		t.Fatalf("second attempt ran before cooldown elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	waitFakePending(t, fake)
	fake.Advance(3 * time.Second)
	select {
	case err := <-second:
		if err != nil {
			t.Fatalf("second request: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second attempt never ran")
	}
	if got := starts.Load(); got != 2 {
		t.Fatalf("starts=%d want 2", got)
	}
}

func TestQueueFailsPendingOnShutdown(t *testing.T) {
	testlog.Start(t)

	q := NewQueue(DefaultConfig(), session.NewRegistry(clock.Real()), nil, clock.Real())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Run(ctx)

	if _, err := q.Request(context.Background(), mustID(t, "g1_a_s1")); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("err=%v want ErrQueueClosed", err)
	}
	if len(q.Pending()) != 0 {
		t.Fatalf("closed queue kept pending entries")
	}
}

func waitPending(t *testing.T, q *Queue, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(q.Pending()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pending entries never reached %d", n)
}

func waitFakePending(t *testing.T, fake *clock.Fake) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fake.Pending() > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("cooldown timer never armed")
}
