// Package store persists per-session status, phone number, pairing code and
// device binding so sessions survive process restarts.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("store: session not found")
	ErrMissingID = errors.New("store: missing session_id")
)

// Record is the persisted view of one session.
type Record struct {
	SessionID   string    `json:"session_id"`
	Status      string    `json:"status"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	PairingCode string    `json:"pairing_code,omitempty"`
	DeviceID    string    `json:"device_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is keyed upsert/select over session records.
type Store interface {
	// UpsertStatus writes status and, when non-empty, the phone number.
	UpsertStatus(ctx context.Context, sessionID, status, phone string) error
	SavePairingCode(ctx context.Context, sessionID, code string) error
	SaveDevice(ctx context.Context, sessionID, deviceID string) error
	Get(ctx context.Context, sessionID string) (Record, error)
	// Touch refreshes UpdatedAt without changing any other field.
	Touch(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
	ListByStatus(ctx context.Context, status string) ([]Record, error)
}
