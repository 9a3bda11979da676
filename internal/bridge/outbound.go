package bridge

import (
	"context"
	"errors"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/danmuck/wabridge/internal/observability"
	"github.com/danmuck/wabridge/internal/session"
	"github.com/danmuck/wabridge/internal/transport"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

const defaultMimeType = "application/octet-stream"

var (
	ErrInvalidRequest = errors.New("bridge: invalid send request")
	ErrMissingMedia   = errors.New("bridge: media send without data or url")
)

var validate = validator.New()

// SendRequest is an outbound send originated by the CRM.
type SendRequest struct {
	SessionID        string `json:"sessionId" validate:"required"`
	RecipientAddress string `json:"recipientAddress" validate:"required"`
	Text             string `json:"text"`
	ContentType      string `json:"contentType" validate:"omitempty,oneof=text image video audio voice document sticker"`
	MediaRef         string `json:"mediaRef,omitempty" validate:"omitempty,url"`
	MediaData        []byte `json:"mediaData,omitempty"`
	FileName         string `json:"fileName,omitempty"`
	MimeType         string `json:"mimeType,omitempty"`
}

type SendStatus string

const (
	StatusSent    SendStatus = "sent"
	StatusSkipped SendStatus = "skipped"
	StatusError   SendStatus = "error"
)

// SendResult is the outcome reported back to the CRM.
type SendResult struct {
	Status    SendStatus `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	MessageID string     `json:"messageId,omitempty"`
}

// Send delivers req through the session's handle. Unregistered recipients
// and transient failures are reported as skipped; they are never retried.
func (b *Bridge) Send(ctx context.Context, req SendRequest) SendResult {
	res := b.send(ctx, req)
	kind := req.ContentType
	if kind == "" {
		kind = string(transport.KindText)
	}
	observability.RecordOutbound(kind, string(res.Status))
	event := log.Info()
	if res.Status != StatusSent {
		event = log.Warn()
	}
	event.
		Str("session_id", req.SessionID).
		Str("recipient", req.RecipientAddress).
		Str("kind", kind).
		Str("status", string(res.Status)).
		Str("reason", res.Reason).
		Msg("bridge.Send")
	return res
}

func (b *Bridge) send(ctx context.Context, req SendRequest) SendResult {
	if err := validate.Struct(&req); err != nil {
		return SendResult{Status: StatusError, Reason: ErrInvalidRequest.Error() + ": " + err.Error()}
	}
	content, err := BuildContent(req)
	if err != nil {
		return SendResult{Status: StatusError, Reason: err.Error()}
	}

	s, ok := b.registry.Get(req.SessionID)
	if !ok || s.Status != session.StatusConnected || s.Handle == nil {
		return SendResult{Status: StatusSkipped, Reason: "session not connected"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout)
	probe, err := s.Handle.ProbeRegistered(probeCtx, req.RecipientAddress)
	cancel()
	if err != nil {
		if transport.IsTimeout(err) {
			return SendResult{Status: StatusSkipped, Reason: "probe timed out"}
		}
		return SendResult{Status: StatusError, Reason: "probe failed: " + err.Error()}
	}
	if !probe.Registered {
		return SendResult{Status: StatusSkipped, Reason: "recipient not registered"}
	}
	address := probe.CanonicalAddress
	if address == "" {
		address = req.RecipientAddress
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
	defer cancel()
	delivered, err := s.Handle.Send(sendCtx, address, content)
	if err != nil {
		if transport.IsTimeout(err) || errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrClosed) {
			return SendResult{Status: StatusSkipped, Reason: err.Error()}
		}
		return SendResult{Status: StatusError, Reason: err.Error()}
	}
	b.echo.Add(delivered.MessageID)
	return SendResult{Status: StatusSent, MessageID: delivered.MessageID}
}

// BuildContent turns a send request into transport content, inferring the
// document filename and MIME type when not supplied.
func BuildContent(req SendRequest) (transport.Content, error) {
	kind := transport.ContentKind(strings.ToLower(strings.TrimSpace(req.ContentType)))
	if kind == "" {
		kind = transport.KindText
	}
	if kind == transport.KindText {
		if strings.TrimSpace(req.Text) == "" {
			return transport.Content{}, ErrInvalidRequest
		}
		return transport.Content{Kind: kind, Text: req.Text}, nil
	}

	if len(req.MediaData) == 0 && strings.TrimSpace(req.MediaRef) == "" {
		return transport.Content{}, ErrMissingMedia
	}
	c := transport.Content{
		Kind:     kind,
		Caption:  req.Text,
		Data:     req.MediaData,
		URL:      req.MediaRef,
		FileName: req.FileName,
		MimeType: req.MimeType,
	}
	if kind == transport.KindDocument {
		if c.FileName == "" {
			c.FileName = fileNameFromURL(c.URL)
		}
		if c.FileName == "" {
			c.FileName = "document"
		}
	}
	if c.MimeType == "" {
		c.MimeType = InferMimeType(c.FileName, c.URL)
	}
	return c, nil
}

// InferMimeType resolves a MIME type from a file name or URL suffix.
func InferMimeType(fileName, rawURL string) string {
	for _, name := range []string{fileName, fileNameFromURL(rawURL)} {
		ext := strings.ToLower(path.Ext(name))
		if ext == "" {
			continue
		}
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return defaultMimeType
}

func fileNameFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
