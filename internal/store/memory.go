package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu          sync.Mutex
	identities  map[string]*Identity
	devices     map[string]*Device // keyed by whisper id
	bans        map[string]string
	backups     map[string]*ContactBackup
	attachments map[string]*Attachment
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		identities:  make(map[string]*Identity),
		devices:     make(map[string]*Device),
		bans:        make(map[string]string),
		backups:     make(map[string]*ContactBackup),
		attachments: make(map[string]*Attachment),
	}
}

func (m *Memory) RegisterIdentity(ctx context.Context, id *Identity, dev *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idCopy := *id
	idCopy.EncPublicKey = append([]byte(nil), id.EncPublicKey...)
	idCopy.SignPublicKey = append([]byte(nil), id.SignPublicKey...)
	m.identities[id.WhisperID] = &idCopy
	devCopy := *dev
	m.devices[dev.WhisperID] = &devCopy
	return nil
}

func (m *Memory) GetIdentity(ctx context.Context, whisperID string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[whisperID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *id
	return &cp, nil
}

func (m *Memory) GetDevice(ctx context.Context, whisperID string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[whisperID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) TouchDevice(ctx context.Context, deviceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.DeviceID == deviceID {
			d.LastSeenAt = at
		}
	}
	return nil
}

func (m *Memory) UpdatePushTokens(ctx context.Context, deviceID, pushToken, voipToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.DeviceID == deviceID {
			d.PushToken = pushToken
			d.VoipToken = voipToken
		}
	}
	return nil
}

func (m *Memory) IsBanned(ctx context.Context, whisperID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bans[whisperID]
	return ok, nil
}

func (m *Memory) BanIdentity(ctx context.Context, whisperID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans[whisperID] = reason
	return nil
}

func (m *Memory) SaveContactBackup(ctx context.Context, b *ContactBackup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	cp.Nonce = append([]byte(nil), b.Nonce...)
	cp.Ciphertext = append([]byte(nil), b.Ciphertext...)
	m.backups[b.WhisperID] = &cp
	return nil
}

func (m *Memory) GetContactBackup(ctx context.Context, whisperID string) (*ContactBackup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backups[whisperID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) DeleteContactBackup(ctx context.Context, whisperID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backups, whisperID)
	return nil
}

func (m *Memory) RecordAttachment(ctx context.Context, a *Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attachments[a.ObjectKey]; !ok {
		cp := *a
		m.attachments[a.ObjectKey] = &cp
	}
	return nil
}

func (m *Memory) GetAttachment(ctx context.Context, objectKey string) (*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attachments[objectKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) Close() error { return nil }
