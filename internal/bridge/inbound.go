package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/danmuck/wabridge/internal/observability"
	"github.com/danmuck/wabridge/internal/session"
	"github.com/danmuck/wabridge/internal/transport"
	"github.com/rs/zerolog/log"
)

const (
	statusBroadcast = "status@broadcast"
	broadcastSuffix = "@broadcast"
	channelSuffix   = "@newsletter"
)

// Drop reasons, in filter order.
const (
	dropEmpty     = "empty"
	dropBroadcast = "broadcast"
	dropSelf      = "self"
	dropNotLive   = "not_live"
	dropHistory   = "history"
)

// BridgedMessage is the CRM inbound webhook body.
type BridgedMessage struct {
	From              string     `json:"from"`
	PushName          string     `json:"pushName,omitempty"`
	Message           string     `json:"message"`
	MessageType       string     `json:"messageType"`
	MediaURL          string     `json:"mediaUrl"`
	MediaMessage      *MediaInfo `json:"mediaMessage,omitempty"`
	Timestamp         int64      `json:"timestamp"`
	SessionID         string     `json:"sessionId"`
	ExternalMessageID string     `json:"externalMessageId"`
}

// MediaInfo describes the attachment of a media message.
type MediaInfo struct {
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// HandleInbound filters, classifies, deduplicates and forwards one message.
// Forwarding is best-effort and never retried.
func (b *Bridge) HandleInbound(ctx context.Context, s session.Session, msg transport.IncomingMessage) {
	if reason := b.dropReason(s, msg); reason != "" {
		observability.RecordInbound("dropped_" + reason)
		log.Debug().
			Str("session_id", s.SessionID).
			Str("message_id", msg.ID).
			Str("reason", reason).
			Msg("bridge.HandleInbound dropped")
		return
	}
	if !b.seen.FirstSeen(msg.ID) {
		observability.RecordInbound("duplicate")
		log.Debug().Str("session_id", s.SessionID).Str("message_id", msg.ID).Msg("bridge.HandleInbound duplicate")
		return
	}

	out := Classify(s.SessionID, msg)
	if b.forwarder == nil {
		observability.RecordInbound("no_forwarder")
		return
	}
	fctx, cancel := context.WithTimeout(ctx, b.cfg.ForwardTimeout)
	defer cancel()
	if err := b.forwarder.Forward(fctx, out); err != nil {
		observability.RecordInbound("forward_failed")
		log.Warn().
			Str("session_id", s.SessionID).
			Str("message_id", msg.ID).
			Err(err).
			Msg("bridge.HandleInbound forward failed")
		return
	}
	observability.RecordInbound("forwarded")
	log.Debug().
		Str("session_id", s.SessionID).
		Str("message_id", msg.ID).
		Str("type", out.MessageType).
		Msg("bridge.HandleInbound forwarded")
}

// dropReason returns the first matching filter, or "" to keep the message.
func (b *Bridge) dropReason(s session.Session, msg transport.IncomingMessage) string {
	if isEmpty(msg.Content) {
		return dropEmpty
	}
	if isBroadcastWithoutSender(msg) {
		return dropBroadcast
	}
	if msg.FromMe || b.echo.Contains(msg.ID) {
		return dropSelf
	}
	if !msg.Live {
		return dropNotLive
	}
	// Message timestamps have second precision.
	if s.ConnectedAt.IsZero() || msg.Timestamp.Before(s.ConnectedAt.Truncate(time.Second)) {
		return dropHistory
	}
	return ""
}

func isEmpty(c transport.IncomingContent) bool {
	switch c.Kind {
	case transport.KindProtocol:
		return true
	case transport.KindText, transport.KindUnknown, "":
		return strings.TrimSpace(c.Text) == ""
	default:
		return false
	}
}

func isBroadcastWithoutSender(msg transport.IncomingMessage) bool {
	chat := msg.Chat
	if !isBroadcastAddress(chat) {
		return false
	}
	sender := strings.TrimSpace(msg.Sender)
	return sender == "" || sender == chat || isBroadcastAddress(sender)
}

// isBroadcastAddress covers status, broadcast list and channel addresses.
func isBroadcastAddress(addr string) bool {
	return addr == statusBroadcast ||
		strings.HasSuffix(addr, broadcastSuffix) ||
		strings.HasSuffix(addr, channelSuffix)
}

// Classify maps an inbound message onto the CRM webhook shape. Media
// messages without a caption carry a placeholder text.
func Classify(sessionID string, msg transport.IncomingMessage) BridgedMessage {
	from := msg.Sender
	if from == "" {
		from = msg.Chat
	}
	out := BridgedMessage{
		From:              session.PhoneFromIdentity(from),
		PushName:          msg.PushName,
		MessageType:       string(msg.Content.Kind),
		MediaURL:          msg.Content.MediaRef,
		Timestamp:         msg.Timestamp.Unix(),
		SessionID:         sessionID,
		ExternalMessageID: msg.ID,
	}

	c := msg.Content
	switch c.Kind {
	case transport.KindText, transport.KindUnknown, "":
		out.MessageType = string(transport.KindText)
		out.Message = c.Text
		out.MediaURL = ""
		return out
	}

	out.Message = c.Caption
	if strings.TrimSpace(out.Message) == "" {
		out.Message = placeholder(c)
	}
	out.MediaMessage = &MediaInfo{
		MimeType: c.MimeType,
		FileName: c.FileName,
		Caption:  c.Caption,
	}
	return out
}

func placeholder(c transport.IncomingContent) string {
	switch c.Kind {
	case transport.KindImage:
		return "[Image]"
	case transport.KindVideo:
		return "[Video]"
	case transport.KindAudio:
		return "[Audio]"
	case transport.KindVoice:
		return "[Voice message]"
	case transport.KindSticker:
		return "[Sticker]"
	case transport.KindDocument:
		if c.FileName != "" {
			return "[Document: " + c.FileName + "]"
		}
		return "[Document]"
	default:
		return "[Media]"
	}
}
