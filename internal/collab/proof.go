package collab

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	ErrProofMismatch    = errors.New("data does not match root")
	ErrRangeUnsupported = errors.New("range proofs are not supported")
)

// ProofVerifier checks that data[start:end] belongs to the content with the
// given root. Callers only act on the outcome.
type ProofVerifier interface {
	VerifyProof(root Digest, data []byte, start, end uint64, proof []Digest) error
}

// HashProofVerifier verifies single-leaf content: the root is the hash of the
// whole data and the proof is empty.
type HashProofVerifier struct {
	Hasher Hasher
}

// VerifyProof implements ProofVerifier.
func (v HashProofVerifier) VerifyProof(root Digest, data []byte, start, end uint64, proof []Digest) error {
	if start != 0 || end != uint64(len(data)) || len(proof) != 0 {
		return fmt.Errorf("%w: [%d,%d) of %d bytes with %d proof nodes",
			ErrRangeUnsupported, start, end, len(data), len(proof))
	}
	got := v.Hasher.Sum(data)
	if !bytes.Equal(got[:], root[:]) {
		return fmt.Errorf("%w: got %s want %s", ErrProofMismatch, got, root)
	}
	return nil
}
