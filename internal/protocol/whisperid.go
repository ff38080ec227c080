package protocol

import (
	"crypto/rand"
	"fmt"
	"regexp"
)

// WhisperIDs look like WSP-ABCD-EFGH-IJKL with groups drawn from the
// RFC 4648 base32 alphabet. Minted once per account, stable for its
// lifetime.
var whisperIDPattern = regexp.MustCompile(`^WSP-[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}$`)

const base32Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

// ValidWhisperID reports whether s is a well-formed WhisperID.
func ValidWhisperID(s string) bool {
	return whisperIDPattern.MatchString(s)
}

// MintWhisperID generates a fresh WhisperID from crypto/rand.
func MintWhisperID() (string, error) {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("mint whisper id: %w", err)
	}
	chars := make([]byte, 12)
	for i, b := range raw {
		chars[i] = base32Alphabet[int(b)%len(base32Alphabet)]
	}
	return fmt.Sprintf("WSP-%s-%s-%s", chars[0:4], chars[4:8], chars[8:12]), nil
}
