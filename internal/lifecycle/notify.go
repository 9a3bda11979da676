package lifecycle

import (
	"context"
	"time"
)

// NotificationKind distinguishes unconditional logout alerts from gated
// system-disconnect alerts.
type NotificationKind string

const (
	NotifyLoggedOut NotificationKind = "logged_out"
	NotifySystem    NotificationKind = "system"
)

// Notification is a user-facing "session disconnected" alert.
type Notification struct {
	SessionID   string           `json:"sessionId"`
	PhoneNumber string           `json:"phoneNumber,omitempty"`
	Kind        NotificationKind `json:"kind"`
	Reason      string           `json:"reason,omitempty"`
	Code        int              `json:"code,omitempty"`
	At          time.Time        `json:"at"`
}

// Notifier delivers disconnect alerts.
type Notifier interface {
	NotifyDisconnected(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function into a Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) NotifyDisconnected(ctx context.Context, n Notification) error {
	return f(ctx, n)
}
