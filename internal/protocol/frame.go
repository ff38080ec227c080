// Package protocol defines the Whisper2 wire protocol: the frame envelope,
// the recognised frame types, the error taxonomy, canonical signing bytes,
// and the Ed25519 signature verifier.
package protocol

import "encoding/json"

// Wire constants. Every payload that carries versions must carry exactly
// these values.
const (
	ProtocolVersion = 1
	CryptoVersion   = 1
)

// Frame size caps. Ordinary frames are capped at 64 KiB; contact-backup
// uploads are allowed up to 256 KiB.
const (
	MaxFrameBytes       = 64 * 1024
	MaxBackupFrameBytes = 256 * 1024
)

// Frame is the envelope carried on the WebSocket channel in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Inbound frame types.
const (
	TypeRegisterBegin      = "register_begin"
	TypeRegisterProof      = "register_proof"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeSessionRefresh     = "session_refresh"
	TypeLogout             = "logout"
	TypeSendMessage        = "send_message"
	TypeFetchPending       = "fetch_pending"
	TypeDeliveryReceipt    = "delivery_receipt"
	TypeTyping             = "typing"
	TypeCallInitiate       = "call_initiate"
	TypeCallAnswer         = "call_answer"
	TypeCallICECandidate   = "call_ice_candidate"
	TypeCallEnd            = "call_end"
	TypeCallRinging        = "call_ringing"
	TypeGetTurnCredentials = "get_turn_credentials"
	TypePresignUpload      = "presign_upload"
	TypePresignDownload    = "presign_download"
	TypeBackupContacts     = "backup_contacts"
)

// Outbound-only frame types.
const (
	TypeRegisterChallenge = "register_challenge"
	TypeRegisterAck       = "register_ack"
	TypeSessionRefreshed  = "session_refreshed"
	TypeLogoutAck         = "logout_ack"
	TypeMessageAccepted   = "message_accepted"
	TypeMessageDelivered  = "message_delivered"
	TypeMessageReceived   = "message_received"
	TypePendingMessages   = "pending_messages"
	TypePresenceUpdate    = "presence_update"
	TypeForceLogout       = "force_logout"
	TypeCallIncoming      = "call_incoming"
	TypeTurnCredentials   = "turn_credentials"
	TypePresignResult     = "presign_result"
	TypeBackupAck         = "backup_ack"
	TypeError             = "error"
)

// ErrorCode identifies the failure class reported to the client.
type ErrorCode string

const (
	ErrNotRegistered    ErrorCode = "NOT_REGISTERED"
	ErrAuthFailed       ErrorCode = "AUTH_FAILED"
	ErrInvalidPayload   ErrorCode = "INVALID_PAYLOAD"
	ErrInvalidTimestamp ErrorCode = "INVALID_TIMESTAMP"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
	ErrUserBanned       ErrorCode = "USER_BANNED"
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrForbidden        ErrorCode = "FORBIDDEN"
	ErrInternal         ErrorCode = "INTERNAL_ERROR"
)

// Reject is a refused operation on its way to becoming an error frame.
// Handlers return it; the dispatcher echoes the request id and serializes.
type Reject struct {
	Code       ErrorCode
	Message    string
	RetryAfter int // seconds, only for RATE_LIMITED
}

func (r *Reject) Error() string {
	return string(r.Code) + ": " + r.Message
}

// Rejectf builds a Reject.
func Rejectf(code ErrorCode, message string) *Reject {
	return &Reject{Code: code, Message: message}
}

// ErrorPayload is the payload of an "error" frame.
type ErrorPayload struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	RequestID  string    `json:"requestId,omitempty"`
	RetryAfter int       `json:"retryAfter,omitempty"`
	Details    []string  `json:"details,omitempty"`
}

// NewErrorFrame builds an error frame echoing the request id of the frame
// that failed, when one was supplied.
func NewErrorFrame(code ErrorCode, message, requestID string) *Frame {
	return MustFrame(TypeError, requestID, ErrorPayload{
		Code:      code,
		Message:   message,
		RequestID: requestID,
	})
}

// NewFrame marshals payload and wraps it in a frame of the given type.
func NewFrame(frameType, requestID string, payload interface{}) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: frameType, RequestID: requestID, Payload: raw}, nil
}

// MustFrame is NewFrame for payloads built from plain structs that cannot
// fail to marshal.
func MustFrame(frameType, requestID string, payload interface{}) *Frame {
	f, err := NewFrame(frameType, requestID, payload)
	if err != nil {
		panic(err)
	}
	return f
}
