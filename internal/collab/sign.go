package collab

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var ErrBadSignature = errors.New("signature verification failed")

// DeriveSigningKey derives a deterministic ed25519 key from seed material.
// Different purposes yield unrelated keys from the same seed.
func DeriveSigningKey(seed []byte, purpose string) (ed25519.PrivateKey, error) {
	if len(seed) == 0 {
		return nil, errors.New("empty seed")
	}
	r := hkdf.New(sha256.New, seed, nil, []byte(purpose))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return ed25519.NewKeyFromSeed(keySeed), nil
}

// Sign signs msg with key.
func Sign(key ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(key, msg)
}

// Verify checks a signature made by Sign.
func Verify(pub ed25519.PublicKey, msg, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, msg, sig) {
		return ErrBadSignature
	}
	return nil
}
