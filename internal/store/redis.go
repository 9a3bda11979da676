package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "wabridge:session:"
	indexSuffix      = "index"

	fieldStatus      = "status"
	fieldPhone       = "phone_number"
	fieldPairingCode = "pairing_code"
	fieldDevice      = "device_id"
	fieldUpdatedAt   = "updated_at"
)

// RedisConfig locates the Redis server backing RedisStore.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
}

// NewRedisClient connects and pings before returning.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*goredis.Client, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: redis ping addr=%q: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisStore keeps one hash per session plus a set indexing session ids.
type RedisStore struct {
	client *goredis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(client *goredis.Client, prefix string) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (r *RedisStore) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisStore) indexKey() string {
	return r.prefix + indexSuffix
}

func (r *RedisStore) write(ctx context.Context, sessionID string, fields map[string]any) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrMissingID
	}
	fields[fieldUpdatedAt] = r.now().UTC().Format(time.RFC3339Nano)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key(sessionID), fields)
	pipe.SAdd(ctx, r.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: write session_id=%q: %w", sessionID, err)
	}
	return nil
}

func (r *RedisStore) UpsertStatus(ctx context.Context, sessionID, status, phone string) error {
	fields := map[string]any{fieldStatus: status}
	if phone != "" {
		fields[fieldPhone] = phone
	}
	return r.write(ctx, sessionID, fields)
}

func (r *RedisStore) SavePairingCode(ctx context.Context, sessionID, code string) error {
	return r.write(ctx, sessionID, map[string]any{fieldPairingCode: code})
}

func (r *RedisStore) SaveDevice(ctx context.Context, sessionID, deviceID string) error {
	return r.write(ctx, sessionID, map[string]any{fieldDevice: deviceID})
}

func (r *RedisStore) Get(ctx context.Context, sessionID string) (Record, error) {
	sessionID = strings.TrimSpace(sessionID)
	vals, err := r.client.HGetAll(ctx, r.key(sessionID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("store: get session_id=%q: %w", sessionID, err)
	}
	if len(vals) == 0 {
		return Record{}, ErrNotFound
	}
	return decodeRecord(sessionID, vals), nil
}

func (r *RedisStore) Touch(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	n, err := r.client.Exists(ctx, r.key(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("store: touch session_id=%q: %w", sessionID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return r.write(ctx, sessionID, map[string]any{})
}

func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(sessionID))
	pipe.SRem(ctx, r.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: delete session_id=%q: %w", sessionID, err)
	}
	return nil
}

func (r *RedisStore) ListByStatus(ctx context.Context, status string) ([]Record, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	sort.Strings(ids)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}

func decodeRecord(sessionID string, vals map[string]string) Record {
	rec := Record{
		SessionID:   sessionID,
		Status:      vals[fieldStatus],
		PhoneNumber: vals[fieldPhone],
		PairingCode: vals[fieldPairingCode],
		DeviceID:    vals[fieldDevice],
	}
	if ts, err := time.Parse(time.RFC3339Nano, vals[fieldUpdatedAt]); err == nil {
		rec.UpdatedAt = ts
	}
	return rec
}
