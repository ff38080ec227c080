package schema

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper2/server/internal/protocol"
)

func b64(n int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, n))
}

func validSendMessage() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": 1,
		"cryptoVersion":   1,
		"messageId":       "m-1",
		"from":            "WSP-AAAA-AAAA-AAAA",
		"to":              "WSP-BBBB-BBBB-BBBB",
		"msgType":         "text",
		"timestamp":       1700000000000,
		"nonce":           b64(24),
		"ciphertext":      "dGVzdA==",
		"signature":       b64(64),
	}
}

func marshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestGateAcceptsValidSendMessage(t *testing.T) {
	g := NewGate()
	assert.NoError(t, g.Validate(protocol.TypeSendMessage, marshal(t, validSendMessage())))
}

func TestGateUnknownType(t *testing.T) {
	g := NewGate()
	err := g.Validate("group_send_message", marshal(t, map[string]interface{}{}))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Violations[0], "unknown frame type")
	assert.False(t, g.Known("group_send_message"))
}

func TestGateSendMessageViolations(t *testing.T) {
	g := NewGate()

	tests := []struct {
		name   string
		mutate func(m map[string]interface{})
		want   string
	}{
		{"wrong protocol version", func(m map[string]interface{}) { m["protocolVersion"] = 2 }, "protocolVersion: must be 1"},
		{"wrong crypto version", func(m map[string]interface{}) { m["cryptoVersion"] = 0 }, "cryptoVersion: must be 1"},
		{"missing messageId", func(m map[string]interface{}) { delete(m, "messageId") }, "messageId: required"},
		{"bad whisper id", func(m map[string]interface{}) { m["to"] = "WSP-1111-1111-1111" }, "to: must match WSP-XXXX-XXXX-XXXX"},
		{"short nonce", func(m map[string]interface{}) { m["nonce"] = b64(16) }, "nonce: must decode to 24 bytes"},
		{"url-safe ciphertext", func(m map[string]interface{}) { m["ciphertext"] = "dGV_dA==" }, "ciphertext: must be strict base64"},
		{"unpadded ciphertext", func(m map[string]interface{}) { m["ciphertext"] = "dGVzdA" }, "ciphertext: must be strict base64"},
		{"short signature", func(m map[string]interface{}) { m["signature"] = b64(32) }, "signature: must decode to 64 bytes"},
		{"extra field", func(m map[string]interface{}) { m["roleChanges"] = []string{} }, "roleChanges: unexpected field"},
		{"timestamp not integer", func(m map[string]interface{}) { m["timestamp"] = "now" }, "timestamp: must be an integer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validSendMessage()
			tt.mutate(m)
			err := g.Validate(protocol.TypeSendMessage, marshal(t, m))
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Violations, tt.want)
		})
	}
}

func TestGateCollectsAllViolations(t *testing.T) {
	g := NewGate()
	m := validSendMessage()
	delete(m, "signature")
	m["nonce"] = "xx"
	err := g.Validate(protocol.TypeSendMessage, marshal(t, m))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Violations, 2)
}

func TestGateAttachmentNested(t *testing.T) {
	g := NewGate()
	m := validSendMessage()
	m["attachment"] = map[string]interface{}{
		"objectKey":   "att/WSP-AAAA-AAAA-AAAA/abc",
		"contentType": "image/jpeg",
		"sizeBytes":   1024,
		"fileKeyBox":  "dGVzdA==",
	}
	assert.NoError(t, g.Validate(protocol.TypeSendMessage, marshal(t, m)))

	m["attachment"] = map[string]interface{}{
		"objectKey": "k",
	}
	err := g.Validate(protocol.TypeSendMessage, marshal(t, m))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Violations[0], "attachment")
}

func TestGateRegisterFlow(t *testing.T) {
	g := NewGate()

	begin := map[string]interface{}{
		"protocolVersion": 1,
		"cryptoVersion":   1,
		"deviceId":        "7a6b1c2d-0000-4000-8000-000000000001",
		"platform":        "android",
	}
	assert.NoError(t, g.Validate(protocol.TypeRegisterBegin, marshal(t, begin)))

	begin["platform"] = "windows"
	err := g.Validate(protocol.TypeRegisterBegin, marshal(t, begin))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Violations, "platform: must be one of ios|android")

	proof := map[string]interface{}{
		"protocolVersion": 1,
		"cryptoVersion":   1,
		"challengeId":     "7a6b1c2d-0000-4000-8000-00000000000c",
		"deviceId":        "7a6b1c2d-0000-4000-8000-000000000001",
		"platform":        "android",
		"encPublicKey":    b64(32),
		"signPublicKey":   b64(32),
		"signature":       b64(64),
	}
	assert.NoError(t, g.Validate(protocol.TypeRegisterProof, marshal(t, proof)))

	proof["challengeId"] = "not-a-uuid"
	err = g.Validate(protocol.TypeRegisterProof, marshal(t, proof))
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Violations, "challengeId: must be a UUID")
}

func TestGatePublicTypes(t *testing.T) {
	g := NewGate()
	for _, typ := range []string{
		protocol.TypeRegisterBegin,
		protocol.TypeRegisterProof,
		protocol.TypePing,
		protocol.TypePong,
		protocol.TypeSessionRefresh,
	} {
		assert.True(t, g.Public(typ), "%s must be public", typ)
	}
	for _, typ := range []string{
		protocol.TypeSendMessage,
		protocol.TypeFetchPending,
		protocol.TypeTyping,
		protocol.TypeBackupContacts,
	} {
		assert.False(t, g.Public(typ), "%s must require a session", typ)
	}
}

func TestGateFrameSizeCaps(t *testing.T) {
	g := NewGate()
	assert.Equal(t, protocol.MaxFrameBytes, g.MaxFrameBytes(protocol.TypeSendMessage))
	assert.Equal(t, protocol.MaxBackupFrameBytes, g.MaxFrameBytes(protocol.TypeBackupContacts))
}

func TestGateBackupContacts(t *testing.T) {
	g := NewGate()
	payload := map[string]interface{}{
		"nonce":      b64(24),
		"ciphertext": b64(1024),
	}
	assert.NoError(t, g.Validate(protocol.TypeBackupContacts, marshal(t, payload)))

	payload["ciphertext"] = ""
	err := g.Validate(protocol.TypeBackupContacts, marshal(t, payload))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Violations, "ciphertext: must not be empty")
}

func TestGateEmptyPayloadTypes(t *testing.T) {
	g := NewGate()
	assert.NoError(t, g.Validate(protocol.TypeLogout, nil))
	assert.NoError(t, g.Validate(protocol.TypeGetTurnCredentials, json.RawMessage(`{}`)))

	err := g.Validate(protocol.TypeLogout, json.RawMessage(`{"stray":1}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Violations, "stray: unexpected field")
}

func TestGateNotAnObject(t *testing.T) {
	g := NewGate()
	err := g.Validate(protocol.TypePing, json.RawMessage(`[1,2,3]`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"payload: not a JSON object"}, verr.Violations)
}
