package protocol

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
)

// VerifySignature checks an Ed25519 signature over SHA-256(canonical).
// The server never decrypts ciphertext; this is the only cryptographic
// judgment it makes about a frame.
func VerifySignature(signPublicKey []byte, canonical []byte, signatureB64 string) error {
	if len(signPublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: got %d", ErrBadPublicKey, len(signPublicKey))
	}
	sig, err := DecodeStrictBase64(signatureB64)
	if err != nil {
		return err
	}
	if len(sig) != SignatureBytes {
		return fmt.Errorf("%w: got %d", ErrBadSignature, len(sig))
	}
	digest := sha256.Sum256(canonical)
	if !ed25519.Verify(ed25519.PublicKey(signPublicKey), digest[:], sig) {
		return fmt.Errorf("protocol: signature verification failed")
	}
	return nil
}
