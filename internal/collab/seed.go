package collab

import (
	"crypto/rand"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
)

// SeedSize is the length of active and module seeds.
const SeedSize = 16

const (
	activeSeedSalt       = "defaultUserActiveSeed"
	moduleSeedDerivation = "moduleSeedDerivation"
)

// SeedDeriver turns the user seed into the per-module seeds handed out by
// presentSeed. Modules never see the user seed or each other's seeds.
type SeedDeriver struct {
	hasher Hasher
	active []byte
}

// NewSeedDeriver derives the active seed from a user seed of at least SeedSize bytes.
func NewSeedDeriver(userSeed []byte, hasher Hasher) (*SeedDeriver, error) {
	if len(userSeed) < SeedSize {
		return nil, fmt.Errorf("user seed must be at least %d bytes, got %d", SeedSize, len(userSeed))
	}
	sum := hasher.Sum(userSeed, []byte(activeSeedSalt))
	return &SeedDeriver{hasher: hasher, active: sum[:SeedSize]}, nil
}

// NewEphemeralSeedDeriver uses a random user seed that lives as long as the process.
func NewEphemeralSeedDeriver(hasher Hasher) (*SeedDeriver, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generating seed: %w", err)
	}
	return NewSeedDeriver(seed, hasher)
}

// ActiveSeed returns a copy of the active seed.
func (d *SeedDeriver) ActiveSeed() []byte {
	return append([]byte(nil), d.active...)
}

// SeedFor derives the seed presented to one module.
func (d *SeedDeriver) SeedFor(id types.ModuleID) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	sum := d.hasher.Sum([]byte(moduleSeedDerivation+string(id)), d.active)
	return sum[:SeedSize], nil
}
