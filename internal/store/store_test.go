package store

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/danmuck/wabridge/internal/testutil/testlog"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	srv := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), RedisConfig{Addr: srv.Addr()})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "")
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  newRedisStore(t),
	}
}

func TestStoreStatusRoundTrip(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.UpsertStatus(ctx, "g1_acctA_s1", "connecting", ""); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if err := s.SavePairingCode(ctx, "g1_acctA_s1", "2@abc"); err != nil {
				t.Fatalf("pairing code: %v", err)
			}
			if err := s.UpsertStatus(ctx, "g1_acctA_s1", "ready", "923001234567"); err != nil {
				t.Fatalf("upsert ready: %v", err)
			}
			if err := s.UpsertStatus(ctx, "g1_acctA_s1", "disconnected", ""); err != nil {
				t.Fatalf("upsert disconnected: %v", err)
			}

			rec, err := s.Get(ctx, "g1_acctA_s1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if rec.Status != "disconnected" || rec.PhoneNumber != "923001234567" || rec.PairingCode != "2@abc" {
				t.Fatalf("unexpected record: %+v", rec)
			}
			if rec.UpdatedAt.IsZero() {
				t.Fatalf("updated_at not stamped")
			}
		})
	}
}

func TestStoreMissingAndDelete(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get missing err=%v", err)
			}
			if err := s.Touch(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("touch missing err=%v", err)
			}
			if err := s.UpsertStatus(ctx, " ", "connecting", ""); !errors.Is(err, ErrMissingID) {
				t.Fatalf("blank id err=%v", err)
			}
			if err := s.SaveDevice(ctx, "g1_a_s1", "923001234567:4@s.whatsapp.net"); err != nil {
				t.Fatalf("save device: %v", err)
			}
			if err := s.Touch(ctx, "g1_a_s1"); err != nil {
				t.Fatalf("touch: %v", err)
			}
			if err := s.Delete(ctx, "g1_a_s1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := s.Get(ctx, "g1_a_s1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get after delete err=%v", err)
			}
		})
	}
}

func TestStoreListByStatus(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_ = s.UpsertStatus(ctx, "g1_b_s1", "ready", "1")
			_ = s.UpsertStatus(ctx, "g1_a_s1", "ready", "2")
			_ = s.UpsertStatus(ctx, "g1_c_s1", "disconnected", "")

			ready, err := s.ListByStatus(ctx, "ready")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(ready) != 2 || ready[0].SessionID != "g1_a_s1" || ready[1].SessionID != "g1_b_s1" {
				t.Fatalf("ready=%+v", ready)
			}
			all, _ := s.ListByStatus(ctx, "")
			if len(all) != 3 {
				t.Fatalf("all=%d want 3", len(all))
			}
		})
	}
}

func TestRedisClientPingFailure(t *testing.T) {
	testlog.Start(t)

	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()
	if _, err := NewRedisClient(context.Background(), RedisConfig{Addr: addr}); err == nil {
		t.Fatalf("expected ping failure against closed server")
	}
}
