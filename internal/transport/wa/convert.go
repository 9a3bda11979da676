package wa

import (
	"fmt"
	"strconv"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/danmuck/wabridge/internal/transport"
)

// Stream error code the server sends when the client must reconnect, most
// notably right after pairing.
const streamRestartRequired = "515"

// Close codes reported for closes the server does not number.
const (
	codeStreamReplaced = 440
	codeClientOutdated = 405
	codeConnectionLost = 428
)

// historyCategory marks messages redelivered from another device.
const historyCategory = "peer"

// ParseAddress accepts a full JID or a bare phone number.
func ParseAddress(address string) (types.JID, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return types.JID{}, fmt.Errorf("wa: empty address")
	}
	if strings.Contains(address, "@") {
		jid, err := types.ParseJID(address)
		if err != nil {
			return types.JID{}, fmt.Errorf("wa: parse address %q: %w", address, err)
		}
		return jid.ToNonAD(), nil
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, address)
	if digits == "" {
		return types.JID{}, fmt.Errorf("wa: address %q has no digits", address)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// convertEvent maps a whatsmeow event onto the transport stream. Events the
// lifecycle does not consume report false.
func convertEvent(raw any, identity func() string) (transport.Event, bool) {
	switch e := raw.(type) {
	case *events.Connected:
		return transport.Event{Kind: transport.EventConnection, State: transport.StateOpen, Identity: identity()}, true
	case *events.PairSuccess:
		return transport.Event{Kind: transport.EventCredentials, Credentials: transport.Credentials{DeviceID: e.ID.String()}}, true
	case *events.LoggedOut:
		return closeEvent(transport.CloseLoggedOut, e.Reason.String(), int(e.Reason)), true
	case *events.ManualLoginReconnect:
		return closeEvent(transport.CloseRestartRequired, "restart required", 515), true
	case *events.StreamError:
		if e.Code == streamRestartRequired {
			return closeEvent(transport.CloseRestartRequired, "restart required", 515), true
		}
		code, _ := strconv.Atoi(e.Code)
		return closeEvent(transport.CloseSystem, "stream error "+e.Code, code), true
	case *events.StreamReplaced:
		return closeEvent(transport.CloseSystem, "stream replaced", codeStreamReplaced), true
	case *events.ConnectFailure:
		reason := strings.TrimSpace(e.Message)
		if reason == "" {
			reason = e.Reason.String()
		}
		if e.Reason.IsLoggedOut() {
			return closeEvent(transport.CloseLoggedOut, reason, int(e.Reason)), true
		}
		return closeEvent(transport.CloseSystem, reason, int(e.Reason)), true
	case *events.TemporaryBan:
		return closeEvent(transport.CloseSystem, e.String(), int(e.Code)), true
	case *events.ClientOutdated:
		return closeEvent(transport.CloseSystem, "client outdated", codeClientOutdated), true
	case *events.Disconnected:
		return closeEvent(transport.CloseSystem, "connection lost", codeConnectionLost), true
	case *events.Message:
		msg := ConvertMessage(e)
		return transport.Event{Kind: transport.EventMessage, Message: &msg}, true
	}
	return transport.Event{}, false
}

func closeEvent(kind transport.CloseKind, reason string, code int) transport.Event {
	return transport.Event{
		Kind:  transport.EventConnection,
		State: transport.StateClose,
		Close: transport.CloseReason{Kind: kind, Reason: reason, Code: code},
	}
}

// ConvertMessage normalizes an incoming whatsmeow message.
func ConvertMessage(e *events.Message) transport.IncomingMessage {
	info := e.Info
	out := transport.IncomingMessage{
		ID:        string(info.ID),
		Chat:      info.Chat.String(),
		PushName:  info.PushName,
		FromMe:    info.IsFromMe,
		Live:      info.Category != historyCategory,
		Timestamp: info.Timestamp,
		Content:   contentOf(e.Message),
	}
	if !info.Sender.IsEmpty() {
		out.Sender = info.Sender.ToNonAD().String()
	}
	return out
}

func contentOf(m *waE2E.Message) transport.IncomingContent {
	if m == nil {
		return transport.IncomingContent{Kind: transport.KindUnknown}
	}
	switch {
	case m.GetConversation() != "":
		return transport.IncomingContent{Kind: transport.KindText, Text: m.GetConversation()}
	case m.GetExtendedTextMessage() != nil:
		return transport.IncomingContent{Kind: transport.KindText, Text: m.GetExtendedTextMessage().GetText()}
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		return transport.IncomingContent{Kind: transport.KindImage, Caption: img.GetCaption(), MediaRef: img.GetURL(), MimeType: img.GetMimetype()}
	case m.GetVideoMessage() != nil:
		vid := m.GetVideoMessage()
		return transport.IncomingContent{Kind: transport.KindVideo, Caption: vid.GetCaption(), MediaRef: vid.GetURL(), MimeType: vid.GetMimetype()}
	case m.GetAudioMessage() != nil:
		aud := m.GetAudioMessage()
		kind := transport.KindAudio
		if aud.GetPTT() {
			kind = transport.KindVoice
		}
		return transport.IncomingContent{Kind: kind, MediaRef: aud.GetURL(), MimeType: aud.GetMimetype()}
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		return transport.IncomingContent{Kind: transport.KindDocument, Caption: doc.GetCaption(), MediaRef: doc.GetURL(), MimeType: doc.GetMimetype(), FileName: doc.GetFileName()}
	case m.GetStickerMessage() != nil:
		st := m.GetStickerMessage()
		return transport.IncomingContent{Kind: transport.KindSticker, MediaRef: st.GetURL(), MimeType: st.GetMimetype()}
	case m.GetProtocolMessage() != nil, m.GetReactionMessage() != nil, m.GetSenderKeyDistributionMessage() != nil:
		return transport.IncomingContent{Kind: transport.KindProtocol}
	}
	return transport.IncomingContent{Kind: transport.KindUnknown}
}

func mediaType(kind transport.ContentKind) whatsmeow.MediaType {
	switch kind {
	case transport.KindVideo:
		return whatsmeow.MediaVideo
	case transport.KindAudio, transport.KindVoice:
		return whatsmeow.MediaAudio
	case transport.KindDocument:
		return whatsmeow.MediaDocument
	default:
		return whatsmeow.MediaImage
	}
}

// BuildMessage assembles the outbound protobuf. Media kinds require the
// upload that carried their bytes.
func BuildMessage(content transport.Content, up *whatsmeow.UploadResponse) (*waE2E.Message, error) {
	if content.Kind == transport.KindText {
		return &waE2E.Message{Conversation: proto.String(content.Text)}, nil
	}
	if up == nil {
		return nil, fmt.Errorf("wa: %s message without upload", content.Kind)
	}
	switch content.Kind {
	case transport.KindImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			Mimetype:      proto.String(content.MimeType),
			Caption:       optional(content.Caption),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case transport.KindVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			Mimetype:      proto.String(content.MimeType),
			Caption:       optional(content.Caption),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case transport.KindAudio, transport.KindVoice:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			Mimetype:      proto.String(content.MimeType),
			PTT:           proto.Bool(content.Kind == transport.KindVoice),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case transport.KindSticker:
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			Mimetype:      proto.String(content.MimeType),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case transport.KindDocument:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			Mimetype:      proto.String(content.MimeType),
			FileName:      proto.String(content.FileName),
			Title:         proto.String(content.FileName),
			Caption:       optional(content.Caption),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	}
	return nil, fmt.Errorf("wa: unsupported content kind %q", content.Kind)
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return proto.String(s)
}
