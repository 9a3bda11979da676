package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/wabridge/internal/bridge"
	"github.com/danmuck/wabridge/internal/config"
	"github.com/danmuck/wabridge/internal/lifecycle"
	"github.com/danmuck/wabridge/internal/logging"
	"github.com/danmuck/wabridge/internal/observability"
	"github.com/danmuck/wabridge/internal/server"
	"github.com/danmuck/wabridge/internal/store"
	"github.com/danmuck/wabridge/internal/transport/wa"
)

const defaultConfigPath = "cmd/wabridge/config.toml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to wabridge config.toml")
	flag.Parse()

	cfg, loadErr := config.Load(*configPath)
	missing := errors.Is(loadErr, fs.ErrNotExist)
	if missing {
		cfg = config.DefaultConfig()
	}

	logging.ConfigureWith(logging.ProfileRuntime, func(lc *logging.Config) {
		if lvl, ok := logging.ParseLevel(cfg.Log.Level); ok {
			lc.Level = lvl
		}
		lc.File = cfg.Log.File
	})
	observability.InitLogger("wabridge")

	switch {
	case missing:
		log.Warn().Str("path", *configPath).Msg("config not found, using defaults")
	case loadErr != nil:
		log.Fatal().Err(loadErr).Msg("failed to load wabridge config")
	default:
		log.Info().Str("path", *configPath).Msg("loaded wabridge config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("wabridge stopped")
	}
	log.Info().Msg("wabridge stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	sessions, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	if dir := filepath.Dir(cfg.Transport.StorePath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	factory, err := wa.NewFactory(ctx, cfg.Transport)
	if err != nil {
		return err
	}
	defer factory.Close()

	crm := bridge.NewCRMClient(cfg.CRM)
	manager := lifecycle.NewManager(cfg.Lifecycle, lifecycle.Deps{
		Store:    sessions,
		Factory:  factory,
		Notifier: crm,
	})
	br := bridge.New(cfg.Bridge, manager.Registry(), crm)
	manager.SetInbound(br)

	srv := server.New(server.Config{
		Name:        cfg.Server.Name,
		Addr:        cfg.Server.Addr,
		CORSOrigins: cfg.Server.CORSOrigins,
		APIKey:      cfg.Server.APIKey,
	}, manager, br)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() { errCh <- manager.Run(ctx) }()
	go func() { errCh <- srv.Serve(ctx) }()

	// Either side stopping stops the other.
	var first error
	for i := 0; i < 2; i++ {
		err := <-errCh
		cancel()
		if first == nil && err != nil && !errors.Is(err, context.Canceled) {
			first = err
		}
	}
	return first
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	if cfg.Backend != config.StoreRedis {
		log.Info().Str("backend", config.StoreMemory).Msg("session store ready")
		return store.NewMemoryStore(), func() {}, nil
	}
	client, err := store.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("backend", config.StoreRedis).Str("addr", cfg.Redis.Addr).Msg("session store ready")
	return store.NewRedisStore(client, cfg.Redis.KeyPrefix), func() { _ = client.Close() }, nil
}
