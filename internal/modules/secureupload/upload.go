// Package secureupload is a native module that computes the link of a small
// file locally, so that a portal cannot alter the data behind the caller's
// back.
package secureupload

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/collab"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/router"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/sdk"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
)

// Method is the only method the module serves.
const Method types.Method = "secureUpload"

const (
	MaxFileSize     = 4 * 1000 * 1000
	MaxFilenameSize = 255
	SectorSize      = 1 << 22
	layoutSize      = 99
)

var (
	ErrMissingFilename = errors.New("missing filename from module data")
	ErrMissingFileData = errors.New("missing fileData from module data")
	ErrTooLarge        = errors.New("currently only small uploads are supported, please use less than 4 MB")
)

// Request is the secureUpload input.
type Request struct {
	Filename *string `json:"filename"`
	FileData []byte  `json:"fileData"`
}

// Response carries the computed link.
type Response struct {
	Skylink string `json:"skylink"`
}

// Progress is sent once while the link is computed.
type Progress struct {
	Stage string `json:"stage"`
}

type metadata struct {
	Filename string `json:"Filename"`
	Length   int    `json:"Length"`
}

// ID returns the identifier the module is registered under. Native modules
// have no code to hash, so the ID is derived from a fixed name.
func ID(hasher collab.Hasher) types.ModuleID {
	return hasher.ModuleID([]byte("native:secureupload"))
}

// New returns a fresh module instance.
func New(hasher collab.Hasher) *sdk.Module {
	m := sdk.NewModule()
	_ = m.Handle(Method, func(aq *router.ActiveQuery) { handle(hasher, aq) })
	return m
}

func handle(hasher collab.Hasher, aq *router.ActiveQuery) {
	input, ok := aq.CallerInput().(map[string]any)
	if !ok {
		_ = aq.Reject("secureUpload data is not an object")
		return
	}
	if _, ok := input["filename"]; !ok {
		_ = aq.Reject(ErrMissingFilename.Error())
		return
	}
	if _, ok := input["fileData"]; !ok {
		_ = aq.Reject(ErrMissingFileData.Error())
		return
	}
	var req Request
	if err := aq.Bind(&req); err != nil {
		_ = aq.Rejectf("secureUpload data is malformed: %v", err)
		return
	}
	serve(hasher, aq, req)
}

func serve(hasher collab.Hasher, aq *router.ActiveQuery, req Request) {
	if req.Filename == nil {
		_ = aq.Reject(ErrMissingFilename.Error())
		return
	}
	if req.FileData == nil {
		_ = aq.Reject(ErrMissingFileData.Error())
		return
	}
	_ = aq.SendUpdate(Progress{Stage: "hashing"})

	link, err := Skylink(hasher, *req.Filename, req.FileData)
	if err != nil {
		_ = aq.Reject(err.Error())
		return
	}
	_ = aq.Respond(Response{Skylink: link})
}

// Skylink computes the link of a single-sector file.
func Skylink(hasher collab.Hasher, filename string, data []byte) (string, error) {
	if len(data) > MaxFileSize {
		return "", ErrTooLarge
	}
	if err := ValidateFilename(filename); err != nil {
		return "", fmt.Errorf("upload is using invalid metadata: %w", err)
	}
	meta, err := sonic.Marshal(metadata{Filename: filename, Length: len(data)})
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}

	layout := make([]byte, layoutSize)
	layout[0] = 1
	binary.LittleEndian.PutUint64(layout[1:], uint64(len(data)))
	binary.LittleEndian.PutUint64(layout[9:], uint64(len(meta)))
	// Fanout size, data pieces and parity pieces stay zero.
	layout[34] = 1 // plaintext cipher

	total := len(layout) + len(meta) + len(data)
	if total > SectorSize {
		return "", errors.New("total sector is too large")
	}

	root := hasher.Sum(layout, meta, data)
	link := make([]byte, 0, 2+collab.DigestSize)
	link = binary.LittleEndian.AppendUint16(link, bitfield(total))
	link = append(link, root[:]...)
	return base64.RawURLEncoding.EncodeToString(link), nil
}

// bitfield encodes the link version and the fetch size class of the file.
func bitfield(size int) uint16 {
	mode := 0
	for limit := 1 << 15; limit < size; limit *= 2 {
		mode++
	}
	return uint16(mode)<<2 | 1
}

// ValidateFilename rejects empty, oversized and non-relative paths.
func ValidateFilename(name string) error {
	switch {
	case name == "":
		return errors.New("filename cannot be blank")
	case len(name) > MaxFilenameSize:
		return fmt.Errorf("filename cannot be longer than %d bytes", MaxFilenameSize)
	case strings.HasPrefix(name, "/"):
		return errors.New("filename cannot start with /")
	}
	for _, elem := range strings.Split(name, "/") {
		switch elem {
		case "":
			return errors.New("filename cannot have an empty element")
		case ".", "..":
			return fmt.Errorf("filename cannot have a %s element", elem)
		}
	}
	return nil
}
