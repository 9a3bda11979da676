package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/wabridge/internal/lifecycle"
	"github.com/danmuck/wabridge/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	endpointInbound = "inbound"
	endpointNotify  = "notify"
)

var ErrWebhookNotConfigured = errors.New("bridge: webhook url not configured")

// CRMConfig locates the CRM webhooks.
type CRMConfig struct {
	InboundURL string
	NotifyURL  string
	APIKey     string
	Timeout    time.Duration
}

// CRMClient posts bridged messages and disconnect alerts to the CRM.
type CRMClient struct {
	cfg    CRMConfig
	client *http.Client
}

func NewCRMClient(cfg CRMConfig) *CRMClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &CRMClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Forward posts one inbound message to the CRM inbound webhook.
func (c *CRMClient) Forward(ctx context.Context, msg BridgedMessage) error {
	return c.post(ctx, endpointInbound, c.cfg.InboundURL, msg.ExternalMessageID, msg)
}

// notificationBody is the CRM notification webhook body.
type notificationBody struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Code        int       `json:"code,omitempty"`
	LoggedOut   bool      `json:"loggedOut"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// NotifyDisconnected posts a disconnect alert to the CRM notification
// webhook.
func (c *CRMClient) NotifyDisconnected(ctx context.Context, n lifecycle.Notification) error {
	id := uuid.NewString()
	return c.post(ctx, endpointNotify, c.cfg.NotifyURL, id, notificationBody{
		ID:          id,
		SessionID:   n.SessionID,
		PhoneNumber: n.PhoneNumber,
		Reason:      n.Reason,
		Code:        n.Code,
		LoggedOut:   n.Kind == lifecycle.NotifyLoggedOut,
		OccurredAt:  n.At,
	})
}

func (c *CRMClient) post(ctx context.Context, endpoint, url, requestID string, body any) error {
	start := time.Now()
	url = strings.TrimSpace(url)
	if url == "" {
		return ErrWebhookNotConfigured
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bridge: encode %s payload: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("bridge: build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set(observability.RequestIDHeader, requestID)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.RecordCRMRequest(endpoint, http.StatusBadGateway, time.Since(start), false)
		log.Error().Str("endpoint", endpoint).Str("url", url).Err(err).Msg("crm_request_failed")
		return fmt.Errorf("bridge: %s webhook: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	ok := resp.StatusCode < 400
	observability.RecordCRMRequest(endpoint, resp.StatusCode, time.Since(start), ok)
	log.Debug().
		Str("endpoint", endpoint).
		Str("url", url).
		Int("status", resp.StatusCode).
		Msg("crm_request")
	if !ok {
		return fmt.Errorf("bridge: %s webhook status=%d", endpoint, resp.StatusCode)
	}
	return nil
}
