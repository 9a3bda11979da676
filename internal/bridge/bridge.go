// Package bridge moves messages between connected sessions and the CRM:
// inbound messages are filtered, classified, deduplicated and forwarded to
// the CRM webhook; outbound send requests are probed and delivered through
// the session's transport handle.
package bridge

import (
	"context"
	"time"

	"github.com/danmuck/wabridge/internal/dedup"
	"github.com/danmuck/wabridge/internal/session"
)

// Forwarder delivers one bridged inbound message to the CRM.
type Forwarder interface {
	Forward(ctx context.Context, msg BridgedMessage) error
}

// Config defines bridge limits.
type Config struct {
	DedupTTL       time.Duration
	DedupSize      int
	EchoTTL        time.Duration
	EchoSize       int
	ForwardTimeout time.Duration
	SendTimeout    time.Duration
	ProbeTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		DedupTTL:       dedup.DefaultTTL,
		DedupSize:      dedup.DefaultSize,
		EchoTTL:        dedup.DefaultTTL,
		EchoSize:       dedup.DefaultSize,
		ForwardTimeout: 10 * time.Second,
		SendTimeout:    60 * time.Second,
		ProbeTimeout:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DedupTTL <= 0 {
		c.DedupTTL = d.DedupTTL
	}
	if c.DedupSize <= 0 {
		c.DedupSize = d.DedupSize
	}
	if c.EchoTTL <= 0 {
		c.EchoTTL = d.EchoTTL
	}
	if c.EchoSize <= 0 {
		c.EchoSize = d.EchoSize
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = d.ForwardTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// Bridge is the inbound sink and outbound sender for all sessions.
type Bridge struct {
	cfg       Config
	registry  *session.Registry
	forwarder Forwarder
	seen      *dedup.Cache
	echo      *dedup.Cache
}

// Bridge constructor using explicit configuration.
func New(cfg Config, registry *session.Registry, forwarder Forwarder) *Bridge {
	cfg = cfg.withDefaults()
	return &Bridge{
		cfg:       cfg,
		registry:  registry,
		forwarder: forwarder,
		seen:      dedup.New(cfg.DedupSize, cfg.DedupTTL, registry.Clock()),
		echo:      dedup.New(cfg.EchoSize, cfg.EchoTTL, registry.Clock()),
	}
}
