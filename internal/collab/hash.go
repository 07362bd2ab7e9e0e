package collab

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"golang.org/x/crypto/blake2b"
)

// HashAlgorithm represents the hashing algorithm to use
type HashAlgorithm string

const (
	BLAKE2b256 HashAlgorithm = "blake2b-256"
	SHA256     HashAlgorithm = "sha256"
)

// DigestSize is the size of every digest produced by a Hasher.
const DigestSize = 32

// Digest is a fixed-size hash output.
type Digest [DigestSize]byte

// String encodes the digest as unpadded URL-safe base64.
func (d Digest) String() string {
	return base64.RawURLEncoding.EncodeToString(d[:])
}

// ParseDigest decodes a digest produced by Digest.String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decoding digest: %w", err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("digest must be %d bytes, got %d", DigestSize, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// Hasher computes content digests. It backs module IDs, seed derivation and
// upload links, so every one of those uses the same algorithm.
type Hasher struct {
	algorithm HashAlgorithm
}

// NewHasher creates a new hasher with the specified algorithm
func NewHasher(algorithm HashAlgorithm) Hasher {
	return Hasher{algorithm: algorithm}
}

// DefaultHasher returns a BLAKE2b-256 hasher
func DefaultHasher() Hasher {
	return NewHasher(BLAKE2b256)
}

// Algorithm returns the configured algorithm.
func (h Hasher) Algorithm() HashAlgorithm {
	if h.algorithm == "" {
		return BLAKE2b256
	}
	return h.algorithm
}

func (h Hasher) newHash() hash.Hash {
	switch h.Algorithm() {
	case SHA256:
		return sha256.New()
	default:
		// New256 only fails for oversized keys.
		b, _ := blake2b.New256(nil)
		return b
	}
}

// Sum hashes the concatenation of parts.
func (h Hasher) Sum(parts ...[]byte) Digest {
	w := h.newHash()
	for _, p := range parts {
		w.Write(p)
	}
	var d Digest
	copy(d[:], w.Sum(nil))
	return d
}

// ModuleID returns the content address of module code.
func (h Hasher) ModuleID(code []byte) types.ModuleID {
	return types.ModuleID(h.Sum(code).String())
}
