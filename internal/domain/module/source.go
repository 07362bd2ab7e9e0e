package module

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/collab"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zstd"
)

// ErrNotFound is returned by sources and loaders that do not know a module.
var ErrNotFound = errors.New("module not found")

// ErrNotText is returned for module files whose content is not text.
var ErrNotText = errors.New("module file is not text")

// MaxModuleSize bounds the size of module code after decompression.
const MaxModuleSize = 16 << 20

// Source fetches module code by ID.
type Source interface {
	Fetch(ctx context.Context, id types.ModuleID) ([]byte, error)
}

// MemorySource serves module code registered in-process.
type MemorySource struct {
	hasher collab.Hasher

	mu   sync.RWMutex
	code map[types.ModuleID][]byte
}

// NewMemorySource creates an empty in-process source.
func NewMemorySource(hasher collab.Hasher) *MemorySource {
	return &MemorySource{hasher: hasher, code: make(map[types.ModuleID][]byte)}
}

// Add stores code under its content address and returns the ID.
func (s *MemorySource) Add(code []byte) types.ModuleID {
	id := s.hasher.ModuleID(code)
	s.mu.Lock()
	s.code[id] = append([]byte(nil), code...)
	s.mu.Unlock()
	return id
}

// Fetch implements Source.
func (s *MemorySource) Fetch(_ context.Context, id types.ModuleID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	code, ok := s.code[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]byte(nil), code...), nil
}

// DirSource serves module code from files under a directory. Files matching
// the patterns are indexed by the content hash of their (decompressed) code;
// files ending in .zst are zstd compressed.
type DirSource struct {
	root     string
	patterns []string
	hasher   collab.Hasher

	mu    sync.RWMutex
	index map[types.ModuleID]string // Protected by mu
}

// DefaultPatterns selects plain and zstd compressed JavaScript modules.
var DefaultPatterns = []string{"**/*.js", "**/*.js.zst"}

// NewDirSource creates a source rooted at dir. Call Scan before use.
func NewDirSource(dir string, hasher collab.Hasher, patterns ...string) *DirSource {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return &DirSource{
		root:     dir,
		patterns: patterns,
		hasher:   hasher,
		index:    make(map[types.ModuleID]string),
	}
}

// Scan walks the directory and rebuilds the index. It returns the module
// IDs found, sorted.
func (s *DirSource) Scan(ctx context.Context) ([]types.ModuleID, error) {
	var (
		mu    sync.Mutex
		files []string
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, s.root, func(p string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return nil
		}
		if s.matches(filepath.ToSlash(rel)) {
			mu.Lock()
			files = append(files, p)
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", s.root, err)
	}

	index := make(map[types.ModuleID]string, len(files))
	for _, p := range files {
		code, err := readModuleFile(p)
		if errors.Is(err, ErrNotText) {
			continue
		}
		if err != nil {
			return nil, err
		}
		index[s.hasher.ModuleID(code)] = p
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()

	ids := make([]types.ModuleID, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Path returns the file backing a module.
func (s *DirSource) Path(id types.ModuleID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.index[id]
	return p, ok
}

// Fetch implements Source.
func (s *DirSource) Fetch(_ context.Context, id types.ModuleID) ([]byte, error) {
	p, ok := s.Path(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return readModuleFile(p)
}

func (s *DirSource) matches(rel string) bool {
	for _, pattern := range s.patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func readModuleFile(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening module: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(p, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("zstd failed: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, MaxModuleSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading module %s: %w", filepath.Base(p), err)
	}
	if n > MaxModuleSize {
		return nil, fmt.Errorf("module %s exceeds %d bytes", filepath.Base(p), MaxModuleSize)
	}
	if !isText(buf.Bytes()) {
		return nil, fmt.Errorf("%w: %s", ErrNotText, filepath.Base(p))
	}
	return buf.Bytes(), nil
}

// isText reports whether the detected type is plain text or derives from it.
func isText(code []byte) bool {
	for m := mimetype.Detect(code); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// VerifyingSource re-checks fetched code against its content address.
type VerifyingSource struct {
	Source   Source
	Verifier collab.ProofVerifier
}

// ErrCorrupt is returned when fetched code does not match its module ID.
var ErrCorrupt = errors.New("module code does not match its id")

// Fetch implements Source.
func (s VerifyingSource) Fetch(ctx context.Context, id types.ModuleID) ([]byte, error) {
	code, err := s.Source.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	root, err := collab.ParseDigest(string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if err := s.Verifier.VerifyProof(root, code, 0, uint64(len(code)), nil); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	return code, nil
}

// Chain tries each loader in order and returns the first that knows the
// module. Loaders report unknown modules with ErrNotFound.
type Chain []Loader

// Load implements Loader.
func (c Chain) Load(ctx context.Context, id types.ModuleID) (Unit, error) {
	for _, l := range c {
		unit, err := l.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return unit, err
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}
