package config

import (
	"time"
)

// fileConfig is the on-disk layout. Durations are Go duration strings.
type fileConfig struct {
	Server    fileServer    `toml:"server"`
	Lifecycle fileLifecycle `toml:"lifecycle"`
	Pairing   filePairing   `toml:"pairing"`
	Bridge    fileBridge    `toml:"bridge"`
	Store     fileStore     `toml:"store"`
	Transport fileTransport `toml:"transport"`
	Log       fileLog       `toml:"log"`
}

type fileServer struct {
	Name        string   `toml:"name"`
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

type fileLifecycle struct {
	LivenessInterval        string  `toml:"liveness_interval"`
	ConnectingCeiling       string  `toml:"connecting_ceiling"`
	HealthInterval          string  `toml:"health_interval"`
	SilenceThreshold        string  `toml:"silence_threshold"`
	ProbeTimeout            string  `toml:"probe_timeout"`
	PairingExpiryInterval   string  `toml:"pairing_expiry_interval"`
	PairingTTL              string  `toml:"pairing_ttl"`
	ConnectingSweepInterval string  `toml:"connecting_sweep_interval"`
	StaleAfter              string  `toml:"stale_after"`
	NotifySettle            string  `toml:"notify_settle"`
	ReconnectInitialDelay   string  `toml:"reconnect_initial_delay"`
	ReconnectMultiplier     float64 `toml:"reconnect_multiplier"`
	ReconnectMaxDelay       string  `toml:"reconnect_max_delay"`
	ReconnectMaxAttempts    int     `toml:"reconnect_max_attempts"`
}

type filePairing struct {
	Cooldown       string `toml:"cooldown"`
	AttemptTimeout string `toml:"attempt_timeout"`
	FreshWindow    string `toml:"fresh_window"`
}

type fileBridge struct {
	DedupTTL       string `toml:"dedup_ttl"`
	DedupSize      int    `toml:"dedup_size"`
	EchoTTL        string `toml:"echo_ttl"`
	EchoSize       int    `toml:"echo_size"`
	ForwardTimeout string `toml:"forward_timeout"`
	SendTimeout    string `toml:"send_timeout"`
	ProbeTimeout   string `toml:"probe_timeout"`
	InboundWorkers int    `toml:"inbound_workers"`
	InboundBacklog int    `toml:"inbound_backlog"`
	InboundURL     string `toml:"inbound_url"`
	NotifyURL      string `toml:"notify_url"`
	APIKey         string `toml:"api_key"`
	HTTPTimeout    string `toml:"http_timeout"`
}

type fileStore struct {
	Backend       string `toml:"backend"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	KeyPrefix     string `toml:"key_prefix"`
	DialTimeout   string `toml:"dial_timeout"`
}

type fileTransport struct {
	StorePath     string `toml:"store_path"`
	DeviceName    string `toml:"device_name"`
	MediaTimeout  string `toml:"media_timeout"`
	MaxMediaBytes int64  `toml:"max_media_bytes"`
}

type fileLog struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// toFile renders cfg in the on-disk layout.
func toFile(cfg Config) fileConfig {
	sc := cfg.Lifecycle.Session
	pc := cfg.Lifecycle.Pairing
	return fileConfig{
		Server: fileServer{
			Name:        cfg.Server.Name,
			Addr:        cfg.Server.Addr,
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Server.APIKey,
		},
		Lifecycle: fileLifecycle{
			LivenessInterval:        durStr(sc.LivenessInterval),
			ConnectingCeiling:       durStr(sc.ConnectingCeiling),
			HealthInterval:          durStr(sc.HealthInterval),
			SilenceThreshold:        durStr(sc.SilenceThreshold),
			ProbeTimeout:            durStr(sc.ProbeTimeout),
			PairingExpiryInterval:   durStr(sc.PairingExpiryInterval),
			PairingTTL:              durStr(sc.PairingTTL),
			ConnectingSweepInterval: durStr(sc.ConnectingSweepInterval),
			StaleAfter:              durStr(sc.StaleAfter),
			NotifySettle:            durStr(sc.NotifySettle),
			ReconnectInitialDelay:   durStr(sc.Reconnect.InitialDelay),
			ReconnectMultiplier:     sc.Reconnect.Multiplier,
			ReconnectMaxDelay:       durStr(sc.Reconnect.MaxDelay),
			ReconnectMaxAttempts:    sc.Reconnect.MaxAttempts,
		},
		Pairing: filePairing{
			Cooldown:       durStr(pc.Cooldown),
			AttemptTimeout: durStr(pc.AttemptTimeout),
			FreshWindow:    durStr(pc.FreshWindow),
		},
		Bridge: fileBridge{
			DedupTTL:       durStr(cfg.Bridge.DedupTTL),
			DedupSize:      cfg.Bridge.DedupSize,
			EchoTTL:        durStr(cfg.Bridge.EchoTTL),
			EchoSize:       cfg.Bridge.EchoSize,
			ForwardTimeout: durStr(cfg.Bridge.ForwardTimeout),
			SendTimeout:    durStr(cfg.Bridge.SendTimeout),
			ProbeTimeout:   durStr(cfg.Bridge.ProbeTimeout),
			InboundWorkers: cfg.Lifecycle.Inbound.Workers,
			InboundBacklog: cfg.Lifecycle.Inbound.Backlog,
			InboundURL:     cfg.CRM.InboundURL,
			NotifyURL:      cfg.CRM.NotifyURL,
			APIKey:         cfg.CRM.APIKey,
			HTTPTimeout:    durStr(cfg.CRM.Timeout),
		},
		Store: fileStore{
			Backend:       cfg.Store.Backend,
			RedisAddr:     cfg.Store.Redis.Addr,
			RedisPassword: cfg.Store.Redis.Password,
			RedisDB:       cfg.Store.Redis.DB,
			KeyPrefix:     cfg.Store.Redis.KeyPrefix,
			DialTimeout:   durStr(cfg.Store.Redis.DialTimeout),
		},
		Transport: fileTransport{
			StorePath:     cfg.Transport.StorePath,
			DeviceName:    cfg.Transport.DeviceName,
			MediaTimeout:  durStr(cfg.Transport.MediaTimeout),
			MaxMediaBytes: cfg.Transport.MaxMediaSize,
		},
		Log: fileLog{Level: cfg.Log.Level, File: cfg.Log.File},
	}
}

func durStr(d time.Duration) string {
	return d.String()
}
