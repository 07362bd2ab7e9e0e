package kernel

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
)

// MaxOverrideNotes bounds the notes attached to one override.
const MaxOverrideNotes = 140

var (
	ErrOverridesNotObject = errors.New("newOverrides needs to be a key-value list of module overrides")
	ErrOverrideNotes      = errors.New("every module override should have a notes field")
	ErrOverrideTarget     = errors.New("every module override should have an override field")
)

// Overrides maps module identifiers to the build that should serve them.
type Overrides struct {
	mu sync.RWMutex
	m  map[types.ModuleID]types.Override
}

// NewOverrides creates a table seeded with the given entries.
func NewOverrides(initial map[types.ModuleID]types.Override) *Overrides {
	o := &Overrides{m: make(map[types.ModuleID]types.Override, len(initial))}
	maps.Copy(o.m, initial)
	return o
}

// LoadOverrides reads an override table keyed by module ID. Files ending in
// .toml are parsed as TOML, anything else as YAML. An empty path yields an
// empty table.
func LoadOverrides(path string) (map[types.ModuleID]types.Override, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading overrides: %w", err)
	}
	var table map[string]types.Override
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(raw, &table)
	} else {
		err = yaml.Unmarshal(raw, &table)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing overrides %s: %w", path, err)
	}
	out, err := ValidateOverrides(table)
	if err != nil {
		return nil, fmt.Errorf("overrides %s: %w", path, err)
	}
	return out, nil
}

// ValidateOverrides checks every key and entry of an override table.
func ValidateOverrides(table map[string]types.Override) (map[types.ModuleID]types.Override, error) {
	if table == nil {
		return nil, ErrOverridesNotObject
	}
	out := make(map[types.ModuleID]types.Override, len(table))
	for key, entry := range table {
		id := types.ModuleID(key)
		if err := id.Validate(); err != nil {
			return nil, fmt.Errorf("module override key %q: %w", key, err)
		}
		if entry.Override == "" {
			return nil, ErrOverrideTarget
		}
		if err := types.ModuleID(entry.Override).Validate(); err != nil {
			return nil, fmt.Errorf("override for %s: %w", key, err)
		}
		if len(entry.Notes) > MaxOverrideNotes {
			return nil, fmt.Errorf("notes for %s are longer than %d characters", key, MaxOverrideNotes)
		}
		out[id] = entry
	}
	return out, nil
}

// Resolve returns the module that should serve calls addressed to id.
func (o *Overrides) Resolve(id types.ModuleID) types.ModuleID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if entry, ok := o.m[id]; ok {
		return types.ModuleID(entry.Override)
	}
	return id
}

// List returns a copy of the table keyed by string for the wire.
func (o *Overrides) List() map[string]types.Override {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]types.Override, len(o.m))
	for id, entry := range o.m {
		out[string(id)] = entry
	}
	return out
}

// Replace swaps the whole table.
func (o *Overrides) Replace(table map[types.ModuleID]types.Override) {
	next := make(map[types.ModuleID]types.Override, len(table))
	maps.Copy(next, table)
	o.mu.Lock()
	o.m = next
	o.mu.Unlock()
}
