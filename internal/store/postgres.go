package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// Postgres implements Store on database/sql with the pq driver.
type Postgres struct {
	db *sql.DB
}

// NewPostgres connects, verifies with a ping and ensures the schema.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("postgres connected")
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			whisper_id      TEXT PRIMARY KEY,
			enc_public_key  BYTEA NOT NULL,
			sign_public_key BYTEA NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			device_id     TEXT PRIMARY KEY,
			whisper_id    TEXT NOT NULL REFERENCES identities(whisper_id) ON DELETE CASCADE,
			platform      TEXT NOT NULL,
			push_token    TEXT NOT NULL DEFAULT '',
			voip_token    TEXT NOT NULL DEFAULT '',
			registered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS devices_whisper_id_idx ON devices(whisper_id)`,
		`CREATE TABLE IF NOT EXISTS bans (
			whisper_id TEXT PRIMARY KEY,
			reason     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS contact_backups (
			whisper_id TEXT PRIMARY KEY REFERENCES identities(whisper_id) ON DELETE CASCADE,
			nonce      BYTEA NOT NULL,
			ciphertext BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			object_key   TEXT PRIMARY KEY,
			owner        TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size_bytes   BIGINT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// RegisterIdentity upserts the identity and replaces its device row in
// one transaction, so a recovery either fully lands or not at all.
func (p *Postgres) RegisterIdentity(ctx context.Context, id *Identity, dev *Device) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin register tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO identities (whisper_id, enc_public_key, sign_public_key, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (whisper_id) DO UPDATE
		SET enc_public_key = EXCLUDED.enc_public_key,
		    sign_public_key = EXCLUDED.sign_public_key`,
		id.WhisperID, id.EncPublicKey, id.SignPublicKey, id.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}

	// One device per identity: recovery drops the old row.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM devices WHERE whisper_id = $1 AND device_id <> $2`,
		dev.WhisperID, dev.DeviceID); err != nil {
		return fmt.Errorf("clear previous device: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (device_id, whisper_id, platform, push_token, voip_token, registered_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (device_id) DO UPDATE
		SET whisper_id = EXCLUDED.whisper_id,
		    platform = EXCLUDED.platform,
		    push_token = EXCLUDED.push_token,
		    voip_token = EXCLUDED.voip_token,
		    last_seen_at = EXCLUDED.last_seen_at`,
		dev.DeviceID, dev.WhisperID, dev.Platform, dev.PushToken, dev.VoipToken, dev.RegisteredAt)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit register tx: %w", err)
	}
	return nil
}

func (p *Postgres) GetIdentity(ctx context.Context, whisperID string) (*Identity, error) {
	var id Identity
	err := p.db.QueryRowContext(ctx, `
		SELECT whisper_id, enc_public_key, sign_public_key, created_at
		FROM identities WHERE whisper_id = $1`, whisperID).
		Scan(&id.WhisperID, &id.EncPublicKey, &id.SignPublicKey, &id.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return &id, nil
}

func (p *Postgres) GetDevice(ctx context.Context, whisperID string) (*Device, error) {
	var d Device
	err := p.db.QueryRowContext(ctx, `
		SELECT device_id, whisper_id, platform, push_token, voip_token, registered_at, last_seen_at
		FROM devices WHERE whisper_id = $1`, whisperID).
		Scan(&d.DeviceID, &d.WhisperID, &d.Platform, &d.PushToken, &d.VoipToken, &d.RegisteredAt, &d.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

func (p *Postgres) TouchDevice(ctx context.Context, deviceID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = $2 WHERE device_id = $1`, deviceID, at)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

func (p *Postgres) UpdatePushTokens(ctx context.Context, deviceID, pushToken, voipToken string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE devices SET push_token = $2, voip_token = $3 WHERE device_id = $1`,
		deviceID, pushToken, voipToken)
	if err != nil {
		return fmt.Errorf("update push tokens: %w", err)
	}
	return nil
}

func (p *Postgres) IsBanned(ctx context.Context, whisperID string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM bans WHERE whisper_id = $1`, whisperID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check ban: %w", err)
	}
	return true, nil
}

func (p *Postgres) BanIdentity(ctx context.Context, whisperID, reason string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bans (whisper_id, reason) VALUES ($1, $2)
		ON CONFLICT (whisper_id) DO UPDATE SET reason = EXCLUDED.reason`,
		whisperID, reason)
	if err != nil {
		return fmt.Errorf("ban identity: %w", err)
	}
	return nil
}

func (p *Postgres) SaveContactBackup(ctx context.Context, b *ContactBackup) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contact_backups (whisper_id, nonce, ciphertext, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (whisper_id) DO UPDATE
		SET nonce = EXCLUDED.nonce,
		    ciphertext = EXCLUDED.ciphertext,
		    updated_at = EXCLUDED.updated_at`,
		b.WhisperID, b.Nonce, b.Ciphertext, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save contact backup: %w", err)
	}
	return nil
}

func (p *Postgres) GetContactBackup(ctx context.Context, whisperID string) (*ContactBackup, error) {
	var b ContactBackup
	err := p.db.QueryRowContext(ctx, `
		SELECT whisper_id, nonce, ciphertext, updated_at
		FROM contact_backups WHERE whisper_id = $1`, whisperID).
		Scan(&b.WhisperID, &b.Nonce, &b.Ciphertext, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact backup: %w", err)
	}
	return &b, nil
}

func (p *Postgres) DeleteContactBackup(ctx context.Context, whisperID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM contact_backups WHERE whisper_id = $1`, whisperID)
	if err != nil {
		return fmt.Errorf("delete contact backup: %w", err)
	}
	return nil
}

func (p *Postgres) RecordAttachment(ctx context.Context, a *Attachment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO attachments (object_key, owner, content_type, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (object_key) DO NOTHING`,
		a.ObjectKey, a.Owner, a.ContentType, a.SizeBytes, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("record attachment: %w", err)
	}
	return nil
}

func (p *Postgres) GetAttachment(ctx context.Context, objectKey string) (*Attachment, error) {
	var a Attachment
	err := p.db.QueryRowContext(ctx, `
		SELECT object_key, owner, content_type, size_bytes, created_at
		FROM attachments WHERE object_key = $1`, objectKey).
		Scan(&a.ObjectKey, &a.Owner, &a.ContentType, &a.SizeBytes, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return &a, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
