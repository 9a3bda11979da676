// Package transport defines the boundary between session lifecycle code and
// the messaging network client. Lifecycle code consumes a typed event stream
// and calls back into the handle; it never sees wire-protocol types.
package transport

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	ErrTimeout      = errors.New("transport: timed out")
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: handle closed")
)

// ConnectionState mirrors the client's connection-update states.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClose      ConnectionState = "close"
)

// CloseKind classifies why a connection closed.
type CloseKind int

const (
	CloseSystem CloseKind = iota
	CloseRestartRequired
	CloseLoggedOut
)

func (k CloseKind) String() string {
	switch k {
	case CloseRestartRequired:
		return "restart_required"
	case CloseLoggedOut:
		return "logged_out"
	default:
		return "system"
	}
}

// CloseReason accompanies StateClose.
type CloseReason struct {
	Kind   CloseKind
	Reason string
	Code   int
}

type EventKind int

const (
	EventPairingCode EventKind = iota
	EventConnection
	EventMessage
	EventCredentials
)

// Event is one item of a handle's ordered event stream.
type Event struct {
	Kind EventKind

	PairingCode string

	State ConnectionState
	// Identity is the account address reported with StateOpen.
	Identity string
	Close    CloseReason

	Message *IncomingMessage

	Credentials Credentials
}

// Credentials are the persisted per-session device credentials. DeviceID is
// empty until the device has been paired.
type Credentials struct {
	SessionID string
	DeviceID  string
}

// ContentKind names the payload carried by a message.
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindImage    ContentKind = "image"
	KindVideo    ContentKind = "video"
	KindAudio    ContentKind = "audio"
	KindVoice    ContentKind = "voice"
	KindDocument ContentKind = "document"
	KindSticker  ContentKind = "sticker"
	KindProtocol ContentKind = "protocol"
	KindUnknown  ContentKind = "unknown"
)

// IncomingContent is the normalized body of an inbound message.
type IncomingContent struct {
	Kind     ContentKind
	Text     string
	Caption  string
	MediaRef string
	MimeType string
	FileName string
}

// IncomingMessage is a message received by the account.
type IncomingMessage struct {
	ID       string
	Chat     string
	Sender   string
	PushName string
	FromMe   bool
	// Live is false for history/offline-sync deliveries.
	Live      bool
	Timestamp time.Time
	Content   IncomingContent
}

// Content is an outbound payload. Media comes from Data or, when Data is
// empty, from URL.
type Content struct {
	Kind     ContentKind
	Text     string
	Caption  string
	Data     []byte
	URL      string
	FileName string
	MimeType string
}

// DeliveryResult reports an accepted send.
type DeliveryResult struct {
	MessageID string
	Timestamp time.Time
}

// ProbeResult reports whether an address belongs to a registered account.
type ProbeResult struct {
	Registered       bool
	CanonicalAddress string
}

// Handle is one live client connection for one session.
type Handle interface {
	// Events is closed when the handle ends.
	Events() <-chan Event
	Send(ctx context.Context, address string, content Content) (DeliveryResult, error)
	ProbeRegistered(ctx context.Context, address string) (ProbeResult, error)
	// End closes the connection without invalidating credentials.
	End()
	// Logout unlinks the device from the account.
	Logout(ctx context.Context) error
}

// Factory constructs handles from persisted credentials.
type Factory interface {
	Open(ctx context.Context, creds Credentials) (Handle, error)
	// WipeCredentials removes device credentials so the next Open pairs fresh.
	WipeCredentials(ctx context.Context, creds Credentials) error
}

// IsTimeout reports whether err is timeout-shaped and therefore retryable.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
