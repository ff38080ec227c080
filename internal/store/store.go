// Package store is the durable persistence layer. It holds only what
// must survive a restart: identities and their public keys, device
// records, bans, encrypted contact backups and attachment metadata.
// Message content never lands here.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// Identity is a registered WhisperID with its long-term public keys.
// The server stores public keys verbatim and never holds private
// material.
type Identity struct {
	WhisperID     string
	EncPublicKey  []byte
	SignPublicKey []byte
	CreatedAt     time.Time
}

// Device is the hardware record behind an identity. One identity has
// exactly one active device; recovery re-points the identity at a new
// device row.
type Device struct {
	DeviceID     string
	WhisperID    string
	Platform     string
	PushToken    string
	VoipToken    string
	RegisteredAt time.Time
	LastSeenAt   time.Time
}

// ContactBackup is a sealed blob the server stores verbatim. Nonce and
// ciphertext round-trip byte-identical; the server cannot read them.
type ContactBackup struct {
	WhisperID  string
	Nonce      []byte
	Ciphertext []byte
	UpdatedAt  time.Time
}

// Attachment is metadata for an object the client uploaded through a
// presigned URL. The object body lives in the blob store, sealed
// client-side.
type Attachment struct {
	ObjectKey   string
	Owner       string
	ContentType string
	SizeBytes   int64
	CreatedAt   time.Time
}

// Store is the durable-state contract.
type Store interface {
	// RegisterIdentity creates or recovers an identity and its device in
	// one transaction. On recovery the device row is replaced and the
	// stored keys updated to the presented ones.
	RegisterIdentity(ctx context.Context, id *Identity, dev *Device) error
	GetIdentity(ctx context.Context, whisperID string) (*Identity, error)
	GetDevice(ctx context.Context, whisperID string) (*Device, error)
	TouchDevice(ctx context.Context, deviceID string, at time.Time) error
	UpdatePushTokens(ctx context.Context, deviceID, pushToken, voipToken string) error

	IsBanned(ctx context.Context, whisperID string) (bool, error)
	BanIdentity(ctx context.Context, whisperID, reason string) error

	SaveContactBackup(ctx context.Context, b *ContactBackup) error
	GetContactBackup(ctx context.Context, whisperID string) (*ContactBackup, error)
	DeleteContactBackup(ctx context.Context, whisperID string) error

	RecordAttachment(ctx context.Context, a *Attachment) error
	GetAttachment(ctx context.Context, objectKey string) (*Attachment, error)

	Close() error
}
