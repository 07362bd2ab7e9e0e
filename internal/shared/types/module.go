package types

import (
	"errors"
	"fmt"
	"time"
)

// MaxModuleIDLength bounds the length of a module identifier.
const MaxModuleIDLength = 128

var ErrInvalidModuleID = errors.New("invalid module id")

// ModuleID is a stable, content-addressed module identifier
type ModuleID string

func (id ModuleID) String() string { return string(id) }

// Validate checks that the identifier is non-empty, bounded and made of
// URL-safe base64 characters only.
func (id ModuleID) Validate() error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidModuleID)
	}
	if len(id) > MaxModuleIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidModuleID, MaxModuleIDLength)
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidModuleID, c)
		}
	}
	return nil
}

// LoadState represents module lifecycle states
type LoadState string

const (
	StateUnloaded LoadState = "unloaded"
	StateLoading  LoadState = "loading"
	StateReady    LoadState = "ready"
	StateFailed   LoadState = "failed"
)

// ModuleInfo is a point-in-time copy of a module record
type ModuleInfo struct {
	ID            ModuleID  `json:"id"`
	State         LoadState `json:"state"`
	Loads         int       `json:"loads"`
	InFlight      int       `json:"in_flight"`
	SeedDelivered bool      `json:"seed_delivered"`
	LastError     string    `json:"last_error,omitempty"`
	ReadyAt       time.Time `json:"ready_at,omitempty"`
}

// Stats contains module manager statistics
type Stats struct {
	TotalModules   int `json:"total_modules"`
	ReadyModules   int `json:"ready_modules"`
	LoadingModules int `json:"loading_modules"`
	FailedModules  int `json:"failed_modules"`
	InFlight       int `json:"in_flight"`
}

// Override redirects calls for one module to another build of it.
type Override struct {
	Override string `json:"override" yaml:"override" toml:"override"`
	Notes    string `json:"notes" yaml:"notes" toml:"notes"`
}
