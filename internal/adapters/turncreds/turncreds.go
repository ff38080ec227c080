// Package turncreds mints short-lived TURN relay credentials using the
// coturn REST scheme: the username carries the expiry, the credential
// is an HMAC over it with the relay's shared secret.
package turncreds

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/whisper2/server/internal/protocol"
)

// DefaultTTL is how long minted credentials stay valid on the relay.
const DefaultTTL = time.Hour

// Minter issues credentials for a fixed relay fleet.
type Minter struct {
	urls   []string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// New builds a minter. ttl falls back to DefaultTTL when zero.
func New(urls []string, secret string, ttl time.Duration) *Minter {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Minter{urls: urls, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Enabled reports whether a relay fleet is configured.
func (m *Minter) Enabled() bool {
	return len(m.urls) > 0 && len(m.secret) > 0
}

// Mint issues credentials bound to the identity. The relay recomputes
// the same HMAC from its copy of the secret; no server round-trip.
func (m *Minter) Mint(whisperID string) *protocol.TurnCredentials {
	expiry := m.now().Add(m.ttl).Unix()
	username := fmt.Sprintf("%d:%s", expiry, whisperID)

	mac := hmac.New(sha1.New, m.secret)
	mac.Write([]byte(username))
	credential := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return &protocol.TurnCredentials{
		URLs:       m.urls,
		Username:   username,
		Credential: credential,
		TTL:        int(m.ttl.Seconds()),
	}
}
