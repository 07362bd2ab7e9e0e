// Package id provides identifier generation for channels, sessions and nonces.
//
// Channel and session identifiers are prefixed ULIDs, which keeps them
// k-sortable and readable in logs. Query nonces come from a NonceSource: a
// random per-source ULID prefix plus a monotonic counter, so two sources that
// share a relay path never produce the same nonce.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// ChannelID identifies one transport channel
type ChannelID string

// SessionID identifies one kernel session
type SessionID string

// RelayID identifies a boundary relay instance
type RelayID string

const (
	ChannelPrefix = "ch"
	SessionPrefix = "sess"
	RelayPrefix   = "relay"
	NoncePrefix   = "q"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for testing with deterministic entropy
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewChannelID generates a new channel ID
func NewChannelID() ChannelID {
	return ChannelID(Default().GenerateWithPrefix(ChannelPrefix))
}

// NewSessionID generates a new session ID
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewRelayID generates a new relay ID
func NewRelayID() RelayID {
	return RelayID(Default().GenerateWithPrefix(RelayPrefix))
}

func (id ChannelID) String() string { return string(id) }
func (id SessionID) String() string { return string(id) }
func (id RelayID) String() string   { return string(id) }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Parse parses a ULID string
func Parse(id string) (ulid.ULID, error) {
	return ulid.Parse(id)
}

// Timestamp extracts the timestamp from a ULID
func Timestamp(id string) (time.Time, error) {
	parsed, err := Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

// NonceSource hands out query nonces. Safe for concurrent use.
type NonceSource struct {
	prefix  string
	counter atomic.Uint64
}

// NewNonceSource creates a nonce source with a fresh random prefix
func NewNonceSource() *NonceSource {
	return NewNonceSourceWithPrefix(Default().GenerateWithPrefix(NoncePrefix))
}

// NewNonceSourceWithPrefix creates a nonce source with a fixed prefix.
// Useful for testing with predictable nonces
func NewNonceSourceWithPrefix(prefix string) *NonceSource {
	return &NonceSource{prefix: prefix}
}

// Next returns the next nonce. Nonces from one source never repeat.
func (s *NonceSource) Next() string {
	n := s.counter.Add(1)
	return s.prefix + "." + strconv.FormatUint(n, 10)
}

// Issued returns how many nonces have been handed out
func (s *NonceSource) Issued() uint64 {
	return s.counter.Load()
}
