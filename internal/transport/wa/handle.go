package wa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"

	"github.com/danmuck/wabridge/internal/transport"
)

const eventBuffer = 256

var ErrMediaTooLarge = errors.New("wa: media exceeds size limit")

// handle adapts one whatsmeow client onto transport.Handle.
type handle struct {
	sessionID string
	client    *whatsmeow.Client
	factory   *Factory

	ctx    context.Context
	cancel context.CancelFunc

	events  chan transport.Event
	done    chan struct{}
	endOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

func newHandle(sessionID string, client *whatsmeow.Client, f *Factory) *handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &handle{
		sessionID: sessionID,
		client:    client,
		factory:   f,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan transport.Event, eventBuffer),
		done:      make(chan struct{}),
	}
}

func (h *handle) Events() <-chan transport.Event { return h.events }

// emit blocks while the buffer is full, until the handle ends.
func (h *handle) emit(ev transport.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *handle) onEvent(raw any) {
	ev, ok := convertEvent(raw, h.identity)
	if !ok {
		return
	}
	h.emit(ev)
}

func (h *handle) identity() string {
	if h.client.Store.ID == nil {
		return ""
	}
	return h.client.Store.ID.String()
}

func (h *handle) watchQR(items <-chan whatsmeow.QRChannelItem) {
	for item := range items {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			h.emit(transport.Event{Kind: transport.EventPairingCode, PairingCode: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			log.Debug().Str("session_id", h.sessionID).Msg("wa.handle.watchQR paired")
		default:
			// Codes ran out or pairing failed; the pairing expiry sweep owns teardown.
			log.Info().Str("session_id", h.sessionID).Str("event", item.Event).Err(item.Error).Msg("wa.handle.watchQR pairing ended")
		}
	}
}

func (h *handle) End() {
	h.endOnce.Do(func() {
		close(h.done)
		h.cancel()
		h.mu.Lock()
		h.closed = true
		close(h.events)
		h.mu.Unlock()
		h.client.Disconnect()
	})
}

func (h *handle) Logout(ctx context.Context) error {
	defer h.End()
	if err := h.client.Logout(ctx); err != nil {
		return fmt.Errorf("wa: logout session_id=%q: %w", h.sessionID, err)
	}
	return nil
}

func (h *handle) ProbeRegistered(ctx context.Context, address string) (transport.ProbeResult, error) {
	if !h.client.IsConnected() {
		return transport.ProbeResult{}, transport.ErrNotConnected
	}
	jid, err := ParseAddress(address)
	if err != nil {
		return transport.ProbeResult{}, err
	}
	if jid.Server != types.DefaultUserServer {
		// Groups and other non-user chats are not probed.
		return transport.ProbeResult{Registered: true, CanonicalAddress: jid.String()}, nil
	}
	resp, err := h.client.IsOnWhatsApp(ctx, []string{"+" + jid.User})
	if err != nil {
		return transport.ProbeResult{}, wrapNetErr(fmt.Errorf("wa: probe %q: %w", address, err))
	}
	for _, r := range resp {
		if r.IsIn {
			return transport.ProbeResult{Registered: true, CanonicalAddress: r.JID.String()}, nil
		}
	}
	return transport.ProbeResult{Registered: false}, nil
}

func (h *handle) Send(ctx context.Context, address string, content transport.Content) (transport.DeliveryResult, error) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return transport.DeliveryResult{}, transport.ErrClosed
	}
	if !h.client.IsConnected() {
		return transport.DeliveryResult{}, transport.ErrNotConnected
	}
	jid, err := ParseAddress(address)
	if err != nil {
		return transport.DeliveryResult{}, err
	}

	var upload *whatsmeow.UploadResponse
	if content.Kind != transport.KindText {
		data, err := h.mediaBytes(ctx, content)
		if err != nil {
			return transport.DeliveryResult{}, err
		}
		resp, err := h.client.Upload(ctx, data, mediaType(content.Kind))
		if err != nil {
			return transport.DeliveryResult{}, wrapNetErr(fmt.Errorf("wa: upload %s: %w", content.Kind, err))
		}
		upload = &resp
	}

	msg, err := BuildMessage(content, upload)
	if err != nil {
		return transport.DeliveryResult{}, err
	}
	resp, err := h.client.SendMessage(ctx, jid, msg)
	if err != nil {
		if errors.Is(err, whatsmeow.ErrNotConnected) {
			return transport.DeliveryResult{}, transport.ErrNotConnected
		}
		return transport.DeliveryResult{}, wrapNetErr(fmt.Errorf("wa: send to %q: %w", address, err))
	}
	return transport.DeliveryResult{MessageID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

func (h *handle) mediaBytes(ctx context.Context, content transport.Content) ([]byte, error) {
	if len(content.Data) > 0 {
		if int64(len(content.Data)) > h.factory.cfg.MaxMediaSize {
			return nil, ErrMediaTooLarge
		}
		return content.Data, nil
	}
	url := strings.TrimSpace(content.URL)
	if url == "" {
		return nil, fmt.Errorf("wa: %s without data or url", content.Kind)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wa: media request: %w", err)
	}
	resp, err := h.factory.media.Do(req)
	if err != nil {
		return nil, wrapNetErr(fmt.Errorf("wa: fetch media %q: %w", url, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("wa: fetch media %q: status %d", url, resp.StatusCode)
	}
	limit := h.factory.cfg.MaxMediaSize
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, wrapNetErr(fmt.Errorf("wa: read media %q: %w", url, err))
	}
	if int64(len(data)) > limit {
		return nil, ErrMediaTooLarge
	}
	return data, nil
}
