// Package aot persists compiled code together with its stack maps. An image
// holds one section per code blob; loading lays the sections out at a new
// address and rebases each stack map to it.
package aot

import (
	"errors"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/chazu/ecmavm/vm"
	"github.com/chazu/ecmavm/vm/stackmap"
	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("ecmavm.aot")

// Version is the image format version written by this package.
const Version uint32 = 1

// sectionAlign is the alignment of loaded sections.
const sectionAlign = 16

var (
	ErrVersionMismatch = errors.New("image version mismatch")
	ErrChecksum        = errors.New("section checksum mismatch")
	ErrCorruptStackMap = errors.New("corrupt stack map")
	ErrOverlap         = errors.New("section overlaps registered code")
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("aot: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Image is a set of persisted code sections.
type Image struct {
	Version  uint32    `cbor:"1,keyasint"`
	Sections []Section `cbor:"2,keyasint"`
}

// Section is one code blob as it was laid out when the image was written.
// HostAddr is the address the blob had then; the stack map's function
// addresses are relative to it.
type Section struct {
	Name      string          `cbor:"1,keyasint"`
	HostAddr  uint64          `cbor:"2,keyasint"`
	Code      []byte          `cbor:"3,keyasint"`
	StackMap  []byte          `cbor:"4,keyasint,omitempty"`
	Functions []FunctionEntry `cbor:"5,keyasint,omitempty"`
	Checksum  uint32          `cbor:"6,keyasint"`
}

// FunctionEntry names a function whose code starts Offset bytes into its
// section.
type FunctionEntry struct {
	Name      string `cbor:"1,keyasint"`
	Offset    uint64 `cbor:"2,keyasint"`
	CompileID string `cbor:"3,keyasint,omitempty"`
}

// NewImage returns an empty image of the current version.
func NewImage() *Image {
	return &Image{Version: Version}
}

// FromCodeSpace builds an image from every blob registered in cs.
func FromCodeSpace(cs *vm.CodeSpace) *Image {
	img := NewImage()
	for _, code := range cs.Blobs() {
		img.AddCode(code)
	}
	return img
}

// AddCode appends a section holding code.
func (img *Image) AddCode(code *vm.MachineCode) {
	name := fmt.Sprintf("code@%#x", code.Entry)
	var funcs []FunctionEntry
	if code.Function != nil {
		name = code.Function.String()
		funcs = append(funcs, FunctionEntry{Name: name, CompileID: code.CompileID})
	}
	sec := Section{
		Name:      name,
		HostAddr:  uint64(code.Entry),
		Code:      append([]byte(nil), code.Code...),
		StackMap:  append([]byte(nil), code.RawStackMap...),
		Functions: funcs,
	}
	sec.Checksum = sec.checksum()
	img.Sections = append(img.Sections, sec)
}

// checksum covers the code and the encoded stack map.
func (s *Section) checksum() uint32 {
	h := crc32.NewIEEE()
	h.Write(s.Code)
	h.Write(s.StackMap)
	return h.Sum32()
}

// Verify checks the image version and every section checksum.
func (img *Image) Verify() error {
	if img.Version != Version {
		return fmt.Errorf("aot: version %d, want %d: %w", img.Version, Version, ErrVersionMismatch)
	}
	for i := range img.Sections {
		s := &img.Sections[i]
		if got := s.checksum(); got != s.Checksum {
			return fmt.Errorf("aot: section %q: %#08x != %#08x: %w", s.Name, got, s.Checksum, ErrChecksum)
		}
	}
	return nil
}

// Size returns the bytes needed to load every section from an aligned base.
func (img *Image) Size() uintptr {
	var size uintptr
	for _, s := range img.Sections {
		size = align(size) + uintptr(len(s.Code))
	}
	return size
}

func align(addr uintptr) uintptr {
	return (addr + sectionAlign - 1) &^ (sectionAlign - 1)
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Marshal serializes an image to canonical CBOR.
func Marshal(img *Image) ([]byte, error) {
	data, err := cborEncMode.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("aot: marshal image: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes an image and checks its version.
func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("aot: unmarshal image: %w", err)
	}
	if img.Version != Version {
		return nil, fmt.Errorf("aot: version %d, want %d: %w", img.Version, Version, ErrVersionMismatch)
	}
	return &img, nil
}

// WriteFile writes img to path.
func WriteFile(path string, img *Image) error {
	data, err := Marshal(img)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("aot: write %s: %w", path, err)
	}
	return nil
}

// ReadFile reads an image from path.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("aot: read %s: %w", path, err)
	}
	return Unmarshal(data)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load verifies img, lays its sections out contiguously from base and
// registers each one in thread's code space with its stack map rebased to
// the new address. A zero base allocates the range from the code space.
// Nothing is registered when an error is returned.
func (img *Image) Load(thread *vm.Thread, base uintptr) ([]*vm.MachineCode, error) {
	if err := img.Verify(); err != nil {
		return nil, err
	}
	cs := thread.CodeSpace()
	if base == 0 {
		base = cs.Allocate(img.Size())
	}

	codes := make([]*vm.MachineCode, 0, len(img.Sections))
	addr := align(base)
	for i := range img.Sections {
		s := &img.Sections[i]
		addr = align(addr)
		if overlaps(cs, addr, uintptr(len(s.Code))) {
			return nil, fmt.Errorf("aot: section %q at %#x: %w", s.Name, addr, ErrOverlap)
		}
		code, err := s.load(addr)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		addr += uintptr(len(s.Code))
	}

	for _, code := range codes {
		cs.Register(code)
	}
	log.Infof("loaded %d sections at %#x", len(codes), base)
	return codes, nil
}

func overlaps(cs *vm.CodeSpace, addr, size uintptr) bool {
	if size == 0 {
		return cs.Lookup(addr) != nil
	}
	if cs.Lookup(addr) != nil || cs.Lookup(addr+size-1) != nil {
		return true
	}
	for _, b := range cs.Blobs() {
		if b.Entry >= addr && b.Entry < addr+size {
			return true
		}
	}
	return false
}

// load parses the section's stack map for a copy of the code at addr.
// Image contents are external input, so a malformed stack map is reported
// as an error instead of a contract violation.
func (s *Section) load(addr uintptr) (code *vm.MachineCode, err error) {
	code = &vm.MachineCode{
		Entry:       addr,
		Code:        append([]byte(nil), s.Code...),
		RawStackMap: s.StackMap,
	}
	if len(s.Functions) > 0 {
		code.CompileID = s.Functions[0].CompileID
	}
	if len(s.StackMap) == 0 {
		return code, nil
	}

	defer func() {
		if r := recover(); r != nil {
			cv, ok := r.(*stackmap.ContractViolation)
			if !ok {
				panic(r)
			}
			code, err = nil, fmt.Errorf("aot: section %q: %v: %w", s.Name, cv, ErrCorruptStackMap)
		}
	}()
	p := stackmap.NewParser()
	p.CalculateStackMapRebased(s.StackMap, uintptr(s.HostAddr), addr)
	code.StackMap = p
	return code, nil
}
