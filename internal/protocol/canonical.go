package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Canonical signing bytes. This is the hardest compatibility surface of the
// protocol: both sides must produce byte-identical output or every
// signature breaks. The form is line-separated UTF-8, terminated by '\n'
// on every line including the last:
//
//	v1
//	<messageType>
//	<messageId>
//	<from>
//	<toOrGroupId>
//	<timestamp>
//	<base64(nonce)>
//	<base64(ciphertext)>
const canonicalVersion = "v1"

// NonceBytes is the required decoded length of a message nonce.
const NonceBytes = 24

// SignatureBytes is the required decoded length of an Ed25519 signature.
const SignatureBytes = 64

// PublicKeyBytes is the required decoded length of X25519 and Ed25519 keys.
const PublicKeyBytes = 32

var (
	ErrBadBase64    = errors.New("protocol: not strict base64")
	ErrBadNonce     = errors.New("protocol: nonce must decode to 24 bytes")
	ErrBadSignature = errors.New("protocol: signature must decode to 64 bytes")
	ErrBadPublicKey = errors.New("protocol: public key must decode to 32 bytes")
)

// CanonicalMessage builds the signing bytes for a message-shaped frame
// (send_message, delivery_receipt, call signalling). Nonce and ciphertext
// are passed in their base64 wire form; receipts pass them empty.
func CanonicalMessage(messageType, messageID, from, to string, timestamp int64, nonceB64, ciphertextB64 string) []byte {
	var b strings.Builder
	b.Grow(len(messageType) + len(messageID) + len(from) + len(to) + len(nonceB64) + len(ciphertextB64) + 32)
	b.WriteString(canonicalVersion)
	b.WriteByte('\n')
	b.WriteString(messageType)
	b.WriteByte('\n')
	b.WriteString(messageID)
	b.WriteByte('\n')
	b.WriteString(from)
	b.WriteByte('\n')
	b.WriteString(to)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(nonceB64)
	b.WriteByte('\n')
	b.WriteString(ciphertextB64)
	b.WriteByte('\n')
	return []byte(b.String())
}

// CanonicalProof builds the signing bytes for register_proof:
//
//	v1\nregister_proof\n<challengeId>\n<deviceId>\n<platform>\n<encPublicKey>\n<signPublicKey>\n
func CanonicalProof(challengeID, deviceID, platform, encPublicKeyB64, signPublicKeyB64 string) []byte {
	var b strings.Builder
	b.Grow(len(challengeID) + len(deviceID) + len(platform) + len(encPublicKeyB64) + len(signPublicKeyB64) + 24)
	b.WriteString(canonicalVersion)
	b.WriteByte('\n')
	b.WriteString(TypeRegisterProof)
	b.WriteByte('\n')
	b.WriteString(challengeID)
	b.WriteByte('\n')
	b.WriteString(deviceID)
	b.WriteByte('\n')
	b.WriteString(platform)
	b.WriteByte('\n')
	b.WriteString(encPublicKeyB64)
	b.WriteByte('\n')
	b.WriteString(signPublicKeyB64)
	b.WriteByte('\n')
	return []byte(b.String())
}

// DecodeStrictBase64 decodes s under the strict rules of the protocol:
// padded standard alphabet only, length divisible by four. The empty
// string decodes to empty bytes.
func DecodeStrictBase64(s string) ([]byte, error) {
	if len(s)%4 != 0 {
		return nil, fmt.Errorf("%w: length %d not divisible by 4", ErrBadBase64, len(s))
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '/', c == '=':
		default:
			return nil, fmt.Errorf("%w: byte %q at offset %d", ErrBadBase64, c, i)
		}
	}
	out, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBase64, err)
	}
	return out, nil
}

// DecodeNonce decodes a base64 nonce and enforces its 24-byte length.
func DecodeNonce(s string) ([]byte, error) {
	raw, err := DecodeStrictBase64(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != NonceBytes {
		return nil, fmt.Errorf("%w: got %d", ErrBadNonce, len(raw))
	}
	return raw, nil
}

// DecodePublicKey decodes a base64 public key and enforces its 32-byte
// length.
func DecodePublicKey(s string) ([]byte, error) {
	raw, err := DecodeStrictBase64(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != PublicKeyBytes {
		return nil, fmt.Errorf("%w: got %d", ErrBadPublicKey, len(raw))
	}
	return raw, nil
}
