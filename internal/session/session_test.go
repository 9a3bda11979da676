package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/wabridge/internal/clock"
	"github.com/danmuck/wabridge/internal/testutil/testlog"
)

func TestParseID(t *testing.T) {
	testlog.Start(t)

	id, err := ParseID("g1_acctA_s1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.TenantGroup != "acctA" || id.LocalID != "s1" || id.Raw != "g1_acctA_s1" {
		t.Fatalf("unexpected id: %+v", id)
	}

	solo, err := ParseID("standalone")
	if err != nil {
		t.Fatalf("parse solo: %v", err)
	}
	if solo.TenantGroup != "standalone" {
		t.Fatalf("solo tenant group=%q", solo.TenantGroup)
	}

	if _, err := ParseID("  "); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestPhoneFromIdentity(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"923001234567:1":                  "923001234567",
		"923001234567:12@s.whatsapp.net":  "923001234567",
		"923001234567@s.whatsapp.net":     "923001234567",
		"923001234567.0:3@s.whatsapp.net": "923001234567",
		"923001234567":                    "923001234567",
	}
	for in, want := range cases {
		if got := PhoneFromIdentity(in); got != want {
			t.Fatalf("PhoneFromIdentity(%q)=%q want %q", in, got, want)
		}
	}
}

func TestConnectedFieldsMoveTogether(t *testing.T) {
	testlog.Start(t)

	now := time.Unix(1760000000, 0)
	var s Session
	s.Status = StatusQRReady
	s.PairingPayload = "2@abc"
	s.LoggedOut = true
	s.SetConnected("923001234567", now)
	if s.PhoneNumber == "" || s.ConnectedAt.IsZero() || s.PairingPayload != "" || s.LoggedOut {
		t.Fatalf("unexpected connected state: %+v", s)
	}

	s.SetStatus(StatusDisconnected)
	if s.PhoneNumber != "" || !s.ConnectedAt.IsZero() {
		t.Fatalf("connected fields not cleared together: %+v", s)
	}
	if StoredStatus(StatusConnected) != StoredReady || StoredStatus(StatusQRReady) != "qr_ready" {
		t.Fatalf("unexpected stored status mapping")
	}
}

func TestRegistryUpsertIsAtomicUnderConcurrency(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry(clock.Real())
	id, _ := ParseID("g1_acctA_s1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				reg.Upsert(id, func(s *Session) { s.SetConnected("923001234567", time.Now()) })
			} else {
				reg.Upsert(id, func(s *Session) { s.SetStatus(StatusDisconnected) })
			}
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, ok := reg.Get(id.Raw)
			if !ok {
				return
			}
			if (s.PhoneNumber == "") != s.ConnectedAt.IsZero() {
				t.Errorf("observed half-patched session: %+v", s)
			}
		}()
	}
	wg.Wait()
}

func TestRegistryListKeysRemove(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry(clock.NewFake(time.Unix(0, 0)))
	for _, raw := range []string{"g1_b_s1", "g1_a_s1", "g1_a_s2"} {
		id, _ := ParseID(raw)
		reg.Upsert(id, func(s *Session) { s.SetStatus(StatusConnecting) })
	}
	keys := reg.Keys()
	if len(keys) != 3 || keys[0] != "g1_a_s1" {
		t.Fatalf("unexpected keys: %v", keys)
	}
	if got := reg.CountByStatus()[StatusConnecting]; got != 3 {
		t.Fatalf("connecting count=%d", got)
	}
	if _, ok := reg.Remove("g1_a_s2"); !ok {
		t.Fatalf("remove missing")
	}
	if len(reg.List()) != 2 {
		t.Fatalf("unexpected list length")
	}
	if _, ok := reg.Update("missing", func(*Session) bool { return true }); ok {
		t.Fatalf("update of missing session applied")
	}
}

func TestTimersArmReplaceAndDisarm(t *testing.T) {
	testlog.Start(t)

	clk := clock.NewFake(time.Unix(0, 0))
	timers := NewTimers(clk)

	fired := map[string]int{}
	timers.Arm("s1", TimerReconnect, 5*time.Second, func() { fired["first"]++ })
	timers.Arm("s1", TimerReconnect, 10*time.Second, func() { fired["second"]++ })
	timers.Arm("s1", TimerConnectingCeiling, 3*time.Second, func() { fired["ceiling"]++ })
	if timers.Count("s1") != 2 {
		t.Fatalf("count=%d", timers.Count("s1"))
	}

	timers.Disarm("s1", TimerConnectingCeiling)
	clk.Advance(10 * time.Second)
	if fired["first"] != 0 || fired["second"] != 1 || fired["ceiling"] != 0 {
		t.Fatalf("unexpected fired: %v", fired)
	}
	if timers.Armed("s1", TimerReconnect) {
		t.Fatalf("slot not released after firing")
	}

	timers.Arm("s1", TimerLiveness, time.Second, func() { fired["liveness"]++ })
	timers.Arm("s2", TimerLiveness, time.Second, func() { fired["other"]++ })
	timers.DisarmAll("s1")
	clk.Advance(2 * time.Second)
	if fired["liveness"] != 0 || fired["other"] != 1 {
		t.Fatalf("DisarmAll leaked timers: %v", fired)
	}
	if ok := timers.ArmIfIdle("s2", TimerLiveness, time.Second, func() {}); !ok {
		t.Fatalf("ArmIfIdle on idle slot refused")
	}
	if ok := timers.ArmIfIdle("s2", TimerLiveness, time.Second, func() {}); ok {
		t.Fatalf("ArmIfIdle on busy slot accepted")
	}
}

func TestReconnectDelayBoundedTwoAttempts(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig().Reconnect
	if d, ok := ReconnectDelay(cfg, 1); !ok || d != 5*time.Second {
		t.Fatalf("attempt1 got=%v ok=%v", d, ok)
	}
	if d, ok := ReconnectDelay(cfg, 2); !ok || d != 10*time.Second {
		t.Fatalf("attempt2 got=%v ok=%v", d, ok)
	}
	if _, ok := ReconnectDelay(cfg, 3); ok {
		t.Fatalf("attempt3 should be exhausted")
	}
}
