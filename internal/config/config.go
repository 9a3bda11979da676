package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/wabridge/internal/bridge"
	"github.com/danmuck/wabridge/internal/lifecycle"
	"github.com/danmuck/wabridge/internal/store"
	"github.com/danmuck/wabridge/internal/transport/wa"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the resolved wabridge runtime configuration.
type Config struct {
	Server    ServerConfig
	Lifecycle lifecycle.Config
	Bridge    bridge.Config
	CRM       bridge.CRMConfig
	Store     StoreConfig
	Transport wa.Config
	Log       LogConfig
}

type ServerConfig struct {
	Name        string
	Addr        string
	CORSOrigins []string
	// APIKey guards every route except health probes when set.
	APIKey string
}

type StoreConfig struct {
	Backend string
	Redis   store.RedisConfig
}

type LogConfig struct {
	Level string
	File  string
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:        "wabridge",
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Lifecycle: lifecycle.DefaultConfig(),
		Bridge:    bridge.DefaultConfig(),
		CRM:       bridge.CRMConfig{Timeout: 10 * time.Second},
		Store: StoreConfig{
			Backend: StoreMemory,
			Redis: store.RedisConfig{
				Addr:        "localhost:6379",
				KeyPrefix:   store.DefaultKeyPrefix,
				DialTimeout: 5 * time.Second,
			},
		},
		Transport: wa.DefaultConfig(),
		Log:       LogConfig{Level: "info"},
	}
}

// Load overlays the keys defined in path onto DefaultConfig.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	o := overlay{meta: meta}
	o.str(&cfg.Server.Name, raw.Server.Name, "server", "name")
	o.str(&cfg.Server.Addr, raw.Server.Addr, "server", "addr")
	if meta.IsDefined("server", "cors_origins") {
		cfg.Server.CORSOrigins = raw.Server.CORSOrigins
	}
	o.str(&cfg.Server.APIKey, raw.Server.APIKey, "server", "api_key")

	sc := &cfg.Lifecycle.Session
	o.dur(&sc.LivenessInterval, raw.Lifecycle.LivenessInterval, "lifecycle", "liveness_interval")
	o.dur(&sc.ConnectingCeiling, raw.Lifecycle.ConnectingCeiling, "lifecycle", "connecting_ceiling")
	o.dur(&sc.HealthInterval, raw.Lifecycle.HealthInterval, "lifecycle", "health_interval")
	o.dur(&sc.SilenceThreshold, raw.Lifecycle.SilenceThreshold, "lifecycle", "silence_threshold")
	o.dur(&sc.ProbeTimeout, raw.Lifecycle.ProbeTimeout, "lifecycle", "probe_timeout")
	o.dur(&sc.PairingExpiryInterval, raw.Lifecycle.PairingExpiryInterval, "lifecycle", "pairing_expiry_interval")
	o.dur(&sc.PairingTTL, raw.Lifecycle.PairingTTL, "lifecycle", "pairing_ttl")
	o.dur(&sc.ConnectingSweepInterval, raw.Lifecycle.ConnectingSweepInterval, "lifecycle", "connecting_sweep_interval")
	o.dur(&sc.StaleAfter, raw.Lifecycle.StaleAfter, "lifecycle", "stale_after")
	o.dur(&sc.NotifySettle, raw.Lifecycle.NotifySettle, "lifecycle", "notify_settle")
	o.dur(&sc.Reconnect.InitialDelay, raw.Lifecycle.ReconnectInitialDelay, "lifecycle", "reconnect_initial_delay")
	o.dur(&sc.Reconnect.MaxDelay, raw.Lifecycle.ReconnectMaxDelay, "lifecycle", "reconnect_max_delay")
	if meta.IsDefined("lifecycle", "reconnect_multiplier") {
		sc.Reconnect.Multiplier = raw.Lifecycle.ReconnectMultiplier
	}
	o.num(&sc.Reconnect.MaxAttempts, raw.Lifecycle.ReconnectMaxAttempts, "lifecycle", "reconnect_max_attempts")

	pc := &cfg.Lifecycle.Pairing
	o.dur(&pc.Cooldown, raw.Pairing.Cooldown, "pairing", "cooldown")
	o.dur(&pc.AttemptTimeout, raw.Pairing.AttemptTimeout, "pairing", "attempt_timeout")
	o.dur(&pc.FreshWindow, raw.Pairing.FreshWindow, "pairing", "fresh_window")

	bc := &cfg.Bridge
	o.dur(&bc.DedupTTL, raw.Bridge.DedupTTL, "bridge", "dedup_ttl")
	o.num(&bc.DedupSize, raw.Bridge.DedupSize, "bridge", "dedup_size")
	o.dur(&bc.EchoTTL, raw.Bridge.EchoTTL, "bridge", "echo_ttl")
	o.num(&bc.EchoSize, raw.Bridge.EchoSize, "bridge", "echo_size")
	o.dur(&bc.ForwardTimeout, raw.Bridge.ForwardTimeout, "bridge", "forward_timeout")
	o.dur(&bc.SendTimeout, raw.Bridge.SendTimeout, "bridge", "send_timeout")
	o.dur(&bc.ProbeTimeout, raw.Bridge.ProbeTimeout, "bridge", "probe_timeout")
	o.num(&cfg.Lifecycle.Inbound.Workers, raw.Bridge.InboundWorkers, "bridge", "inbound_workers")
	o.num(&cfg.Lifecycle.Inbound.Backlog, raw.Bridge.InboundBacklog, "bridge", "inbound_backlog")
	o.str(&cfg.CRM.InboundURL, raw.Bridge.InboundURL, "bridge", "inbound_url")
	o.str(&cfg.CRM.NotifyURL, raw.Bridge.NotifyURL, "bridge", "notify_url")
	o.str(&cfg.CRM.APIKey, raw.Bridge.APIKey, "bridge", "api_key")
	o.dur(&cfg.CRM.Timeout, raw.Bridge.HTTPTimeout, "bridge", "http_timeout")

	o.str(&cfg.Store.Backend, strings.ToLower(raw.Store.Backend), "store", "backend")
	o.str(&cfg.Store.Redis.Addr, raw.Store.RedisAddr, "store", "redis_addr")
	o.str(&cfg.Store.Redis.Password, raw.Store.RedisPassword, "store", "redis_password")
	o.num(&cfg.Store.Redis.DB, raw.Store.RedisDB, "store", "redis_db")
	o.str(&cfg.Store.Redis.KeyPrefix, raw.Store.KeyPrefix, "store", "key_prefix")
	o.dur(&cfg.Store.Redis.DialTimeout, raw.Store.DialTimeout, "store", "dial_timeout")

	o.str(&cfg.Transport.StorePath, raw.Transport.StorePath, "transport", "store_path")
	o.str(&cfg.Transport.DeviceName, raw.Transport.DeviceName, "transport", "device_name")
	o.dur(&cfg.Transport.MediaTimeout, raw.Transport.MediaTimeout, "transport", "media_timeout")
	if meta.IsDefined("transport", "max_media_bytes") {
		cfg.Transport.MaxMediaSize = raw.Transport.MaxMediaBytes
	}

	o.str(&cfg.Log.Level, raw.Log.Level, "log", "level")
	o.str(&cfg.Log.File, raw.Log.File, "log", "file")

	if o.err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, o.err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints the loader cannot express.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch cfg.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if strings.TrimSpace(cfg.Store.Redis.Addr) == "" {
			return fmt.Errorf("store.redis_addr required for redis backend")
		}
	default:
		return fmt.Errorf("store.backend %q unsupported (expected %s or %s)", cfg.Store.Backend, StoreMemory, StoreRedis)
	}
	if strings.TrimSpace(cfg.Transport.StorePath) == "" {
		return fmt.Errorf("transport.store_path is required")
	}
	r := cfg.Lifecycle.Session.Reconnect
	if r.MaxAttempts < 0 {
		return fmt.Errorf("lifecycle.reconnect_max_attempts must not be negative")
	}
	if r.MaxDelay > 0 && r.InitialDelay > r.MaxDelay {
		return fmt.Errorf("lifecycle.reconnect_initial_delay exceeds reconnect_max_delay")
	}
	return nil
}

// overlay applies defined keys and keeps the first duration parse error.
type overlay struct {
	meta toml.MetaData
	err  error
}

func (o *overlay) str(dst *string, v string, key ...string) {
	if o.meta.IsDefined(key...) {
		*dst = strings.TrimSpace(v)
	}
}

func (o *overlay) num(dst *int, v int, key ...string) {
	if o.meta.IsDefined(key...) {
		*dst = v
	}
}

func (o *overlay) dur(dst *time.Duration, v string, key ...string) {
	if !o.meta.IsDefined(key...) || o.err != nil {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		o.err = fmt.Errorf("%s: %w", strings.Join(key, "."), err)
		return
	}
	*dst = d
}
