package protocol

// ============================================================================
// INBOUND PAYLOADS
// ============================================================================

// RegisterBegin opens the registration handshake. WhisperID is present only
// for recovery flows.
type RegisterBegin struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	DeviceID        string `json:"deviceId"`
	Platform        string `json:"platform"`
	WhisperID       string `json:"whisperId,omitempty"`
}

// RegisterProof completes the registration handshake by signing the issued
// challenge with the device signing key.
type RegisterProof struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	ChallengeID     string `json:"challengeId"`
	DeviceID        string `json:"deviceId"`
	Platform        string `json:"platform"`
	WhisperID       string `json:"whisperId,omitempty"`
	EncPublicKey    string `json:"encPublicKey"`
	SignPublicKey   string `json:"signPublicKey"`
	Signature       string `json:"signature"`
	PushToken       string `json:"pushToken,omitempty"`
	VoipToken       string `json:"voipToken,omitempty"`
	SharePresence   *bool  `json:"sharePresence,omitempty"`
}

// SessionRefresh extends a live session. On a freshly opened socket it also
// re-binds the connection to the session's identity.
type SessionRefresh struct {
	SessionToken  string `json:"sessionToken"`
	SharePresence *bool  `json:"sharePresence,omitempty"`
}

// Logout revokes the session bound to the connection.
type Logout struct{}

// PingPayload is sent by either side; the receiver echoes the timestamp in
// a pong.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// PongPayload echoes the timestamp of the ping it answers.
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// SendMessage carries one ciphertext envelope to a single recipient.
type SendMessage struct {
	ProtocolVersion int         `json:"protocolVersion"`
	CryptoVersion   int         `json:"cryptoVersion"`
	MessageID       string      `json:"messageId"`
	From            string      `json:"from"`
	To              string      `json:"to"`
	MsgType         string      `json:"msgType"`
	Timestamp       int64       `json:"timestamp"`
	Nonce           string      `json:"nonce"`
	Ciphertext      string      `json:"ciphertext"`
	Signature       string      `json:"signature"`
	Attachment      *Attachment `json:"attachment,omitempty"`
}

// Attachment references an uploaded object. FileKeyBox is opaque ciphertext;
// the server never inspects it.
type Attachment struct {
	ObjectKey   string `json:"objectKey"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
	FileKeyBox  string `json:"fileKeyBox"`
}

// FetchPending drains the caller's offline queue.
type FetchPending struct {
	Cursor int `json:"cursor,omitempty"`
	Limit  int `json:"limit,omitempty"`
}

// DeliveryReceipt reports delivered/read progress back to the original
// sender. It is signed over the canonical form with empty nonce and
// ciphertext lines.
type DeliveryReceipt struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// Typing is forwarded ephemerally; it carries no ciphertext and therefore
// no signature.
type Typing struct {
	To       string `json:"to"`
	IsTyping bool   `json:"isTyping"`
}

// CallSignal is the shared shape of all call signalling frames. SDP blobs
// and ICE candidates ride inside the opaque ciphertext.
type CallSignal struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	CallID          string `json:"callId"`
	From            string `json:"from"`
	To              string `json:"to"`
	IsVideo         bool   `json:"isVideo,omitempty"`
	Timestamp       int64  `json:"timestamp"`
	Nonce           string `json:"nonce"`
	Ciphertext      string `json:"ciphertext"`
	Signature       string `json:"signature"`
}

// GetTurnCredentials requests short-lived TURN relay credentials.
type GetTurnCredentials struct{}

// PresignUpload asks for a short-TTL upload URL.
type PresignUpload struct {
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// PresignDownload asks for a short-TTL download URL for an object the
// requester is allowed to read.
type PresignDownload struct {
	ObjectKey string `json:"objectKey"`
}

// BackupContacts stores the caller's encrypted contact blob (one slot,
// overwrite semantics).
type BackupContacts struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// ============================================================================
// OUTBOUND PAYLOADS
// ============================================================================

// RegisterChallenge answers register_begin.
type RegisterChallenge struct {
	ChallengeID string `json:"challengeId"`
	Challenge   string `json:"challenge"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// RegisterAck answers register_proof.
type RegisterAck struct {
	Success          bool   `json:"success"`
	WhisperID        string `json:"whisperId"`
	SessionToken     string `json:"sessionToken"`
	SessionExpiresAt int64  `json:"sessionExpiresAt"`
	ServerTime       int64  `json:"serverTime"`
}

// SessionRefreshed answers session_refresh.
type SessionRefreshed struct {
	SessionExpiresAt int64 `json:"sessionExpiresAt"`
	ServerTime       int64 `json:"serverTime"`
}

// LogoutAck answers logout.
type LogoutAck struct {
	Success bool `json:"success"`
}

// MessageAccepted acknowledges a send_message to the sender.
type MessageAccepted struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// MessageDelivered tells the sender the recipient's connection wrote the
// frame.
type MessageDelivered struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Envelope is the message_received payload. Sender keys are attached so a
// first-contact recipient can verify without a directory round-trip.
type Envelope struct {
	MessageID           string      `json:"messageId"`
	From                string      `json:"from"`
	To                  string      `json:"to"`
	MsgType             string      `json:"msgType"`
	Timestamp           int64       `json:"timestamp"`
	Nonce               string      `json:"nonce"`
	Ciphertext          string      `json:"ciphertext"`
	Signature           string      `json:"signature"`
	Attachment          *Attachment `json:"attachment,omitempty"`
	SenderEncPublicKey  string      `json:"senderEncPublicKey,omitempty"`
	SenderSignPublicKey string      `json:"senderSignPublicKey,omitempty"`
}

// PendingMessages answers fetch_pending. NextCursor is nil when the queue
// is drained.
type PendingMessages struct {
	Messages   []Envelope `json:"messages"`
	NextCursor *int       `json:"nextCursor"`
}

// PresenceUpdate notifies a peer about an identity's online state.
type PresenceUpdate struct {
	WhisperID string `json:"whisperId"`
	Status    string `json:"status"`
	LastSeen  int64  `json:"lastSeen,omitempty"`
}

// ForceLogout tells a connection its session was revoked.
type ForceLogout struct {
	Reason string `json:"reason"`
}

// Force-logout reasons.
const (
	ReasonAnotherDevice  = "another_device_registered"
	ReasonServerDraining = "server_draining"
)

// TurnCredentials answers get_turn_credentials.
type TurnCredentials struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int      `json:"ttl"`
}

// PresignResult answers presign_upload / presign_download.
type PresignResult struct {
	ObjectKey   string            `json:"objectKey"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	ExpiresAtMs int64             `json:"expiresAtMs"`
}

// BackupAck answers backup_contacts.
type BackupAck struct {
	Success   bool  `json:"success"`
	Created   bool  `json:"created"`
	SizeBytes int   `json:"sizeBytes"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Delivery-receipt statuses.
const (
	StatusAccepted  = "accepted"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusOnline    = "online"
	StatusOffline   = "offline"
)
