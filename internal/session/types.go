package session

import (
	"strings"
	"time"

	"github.com/danmuck/wabridge/internal/transport"
)

// Status is the in-memory connection status of one session.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusQRReady      Status = "qr_ready"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// StoredReady is the terminal status written to the Session Store on
// entering StatusConnected.
const StoredReady = "ready"

// StoredStatus maps an in-memory status onto the persisted vocabulary.
func StoredStatus(s Status) string {
	if s == StatusConnected {
		return StoredReady
	}
	return string(s)
}

// Disconnect records why a session last left the connected path.
type Disconnect struct {
	Reason string `json:"reason,omitempty"`
	Code   int    `json:"code,omitempty"`
}

// Session is one tenant account's connection to the messaging network.
type Session struct {
	ID             ID         `json:"-"`
	SessionID      string     `json:"session_id"`
	Status         Status     `json:"status"`
	PairingPayload string     `json:"pairing_payload,omitempty"`
	PhoneNumber    string     `json:"phone_number,omitempty"`
	LoggedOut      bool       `json:"logged_out"`
	Disconnect     Disconnect `json:"disconnect"`

	LastUpdate         time.Time `json:"last_update"`
	LastActivity       time.Time `json:"last_activity"`
	ConnectingSince    time.Time `json:"connecting_since"`
	ConnectedAt        time.Time `json:"connected_at"`
	PairingGeneratedAt time.Time `json:"pairing_generated_at"`

	Handle transport.Handle `json:"-"`
}

// IsLive reports whether the session has a handle on the connection path.
func (s Session) IsLive() bool {
	return s.Handle != nil && s.Status != StatusDisconnected
}

// SetConnected stamps the connected fields together.
func (s *Session) SetConnected(phone string, at time.Time) {
	s.Status = StatusConnected
	s.PhoneNumber = phone
	s.ConnectedAt = at
	s.PairingPayload = ""
	s.PairingGeneratedAt = time.Time{}
	s.ConnectingSince = time.Time{}
	s.LoggedOut = false
	s.Disconnect = Disconnect{}
}

// SetStatus moves to a non-connected status, clearing the connected fields
// together when leaving StatusConnected.
func (s *Session) SetStatus(status Status) {
	if status == StatusConnected {
		return
	}
	if s.Status == StatusConnected || status == StatusDisconnected {
		s.PhoneNumber = ""
		s.ConnectedAt = time.Time{}
	}
	if status != StatusQRReady {
		s.PairingPayload = ""
	}
	if status != StatusConnecting {
		s.ConnectingSince = time.Time{}
	}
	s.Status = status
}

// PhoneFromIdentity strips the device suffix and server from a transport
// identity: "923001234567:1@s.whatsapp.net" becomes "923001234567".
func PhoneFromIdentity(identity string) string {
	identity = strings.TrimSpace(identity)
	if i := strings.IndexByte(identity, '@'); i >= 0 {
		identity = identity[:i]
	}
	if i := strings.IndexByte(identity, ':'); i >= 0 {
		identity = identity[:i]
	}
	if i := strings.IndexByte(identity, '.'); i >= 0 {
		identity = identity[:i]
	}
	return identity
}
