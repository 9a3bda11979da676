// Package wa implements transport.Factory on top of whatsmeow, keeping
// per-device credentials in a sqlite-backed whatsmeow store.
package wa

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/danmuck/wabridge/internal/transport"
)

const sqliteDialect = "sqlite"

var ErrMissingStorePath = errors.New("wa: credential store path required")

// Config locates the credential database and names the linked device.
type Config struct {
	StorePath    string
	DeviceName   string
	MediaTimeout time.Duration
	MaxMediaSize int64
}

func DefaultConfig() Config {
	return Config{
		StorePath:    "local/wabridge-devices.db",
		DeviceName:   "wabridge",
		MediaTimeout: 60 * time.Second,
		MaxMediaSize: 64 << 20,
	}
}

// Factory opens whatsmeow clients from persisted device credentials.
type Factory struct {
	cfg       Config
	container *sqlstore.Container
	media     *http.Client
}

// NewFactory opens (and migrates) the credential database.
func NewFactory(ctx context.Context, cfg Config) (*Factory, error) {
	if strings.TrimSpace(cfg.StorePath) == "" {
		return nil, ErrMissingStorePath
	}
	if cfg.MediaTimeout <= 0 {
		cfg.MediaTimeout = DefaultConfig().MediaTimeout
	}
	if cfg.MaxMediaSize <= 0 {
		cfg.MaxMediaSize = DefaultConfig().MaxMediaSize
	}
	if name := strings.TrimSpace(cfg.DeviceName); name != "" {
		store.DeviceProps.Os = proto.String(name)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", cfg.StorePath)
	container, err := sqlstore.New(ctx, sqliteDialect, dsn, waLog.Zerolog(log.Logger.With().Str("component", "wa.store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("wa: open credential store path=%q: %w", cfg.StorePath, err)
	}
	return &Factory{
		cfg:       cfg,
		container: container,
		media:     &http.Client{Timeout: cfg.MediaTimeout},
	}, nil
}

// Open loads the device bound to creds, or a fresh one when unpaired, and
// connects. Unpaired devices emit pairing codes on the handle.
func (f *Factory) Open(ctx context.Context, creds transport.Credentials) (transport.Handle, error) {
	device, err := f.device(ctx, creds)
	if err != nil {
		return nil, err
	}
	if device == nil {
		device = f.container.NewDevice()
	}

	clientLog := waLog.Zerolog(log.Logger.With().Str("component", "wa.client").Str("session_id", creds.SessionID).Logger())
	client := whatsmeow.NewClient(device, clientLog)
	// Reconnects belong to the lifecycle manager, which opens a new handle.
	client.EnableAutoReconnect = false
	client.DisableLoginAutoReconnect = true
	h := newHandle(creds.SessionID, client, f)
	client.AddEventHandler(h.onEvent)

	if client.Store.ID == nil {
		qr, err := client.GetQRChannel(h.ctx)
		if err != nil {
			h.End()
			return nil, fmt.Errorf("wa: qr channel session_id=%q: %w", creds.SessionID, err)
		}
		go h.watchQR(qr)
	}

	connected := make(chan error, 1)
	go func() { connected <- client.Connect() }()
	select {
	case err := <-connected:
		if err != nil {
			h.End()
			return nil, wrapNetErr(fmt.Errorf("wa: connect session_id=%q: %w", creds.SessionID, err))
		}
	case <-ctx.Done():
		h.End()
		return nil, fmt.Errorf("wa: connect session_id=%q: %w", creds.SessionID, transport.ErrTimeout)
	}
	return h, nil
}

// WipeCredentials deletes the device row bound to creds.
func (f *Factory) WipeCredentials(ctx context.Context, creds transport.Credentials) error {
	device, err := f.device(ctx, creds)
	if err != nil || device == nil {
		return err
	}
	if err := device.Delete(ctx); err != nil {
		return fmt.Errorf("wa: delete device session_id=%q: %w", creds.SessionID, err)
	}
	log.Info().Str("session_id", creds.SessionID).Str("device_id", creds.DeviceID).Msg("wa.Factory.WipeCredentials deleted device")
	return nil
}

// Close releases the credential database.
func (f *Factory) Close() error {
	return f.container.Close()
}

func (f *Factory) device(ctx context.Context, creds transport.Credentials) (*store.Device, error) {
	raw := strings.TrimSpace(creds.DeviceID)
	if raw == "" {
		return nil, nil
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return nil, fmt.Errorf("wa: parse device id %q: %w", raw, err)
	}
	device, err := f.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("wa: load device %q: %w", raw, err)
	}
	return device, nil
}

func wrapNetErr(err error) error {
	if transport.IsTimeout(err) {
		return fmt.Errorf("%w: %v", transport.ErrTimeout, err)
	}
	return err
}
