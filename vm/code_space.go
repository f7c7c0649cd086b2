package vm

import (
	"sort"
	"sync"

	"github.com/chazu/ecmavm/vm/stackmap"
)

// MachineCode is one blob of generated native code together with the stack
// map describing its call sites.
type MachineCode struct {
	Function  *JSFunction
	Entry     uintptr
	Code      []byte
	StackMap  *stackmap.Parser
	CompileID string

	// RawStackMap is the encoded table StackMap was parsed from, kept so
	// the blob can be persisted and re-parsed at another address.
	RawStackMap []byte
}

// Size returns the blob length in bytes.
func (c *MachineCode) Size() uintptr { return uintptr(len(c.Code)) }

// Contains reports whether pc lies inside the blob.
func (c *MachineCode) Contains(pc uintptr) bool {
	return pc >= c.Entry && pc < c.Entry+c.Size()
}

// CodeSpace owns the address range generated code is placed in and maps
// native return addresses back to their blobs and call sites. Registration
// happens on the mutator or at a safepoint; lookups may come from any
// goroutine.
type CodeSpace struct {
	mu    sync.RWMutex
	next  uintptr
	blobs []*MachineCode // sorted by Entry
}

// codeSpaceBase is the first address handed out. Addresses are opaque
// identifiers; nothing is ever executed at them.
const codeSpaceBase uintptr = 0x10000

// NewCodeSpace creates an empty code space.
func NewCodeSpace() *CodeSpace {
	return &CodeSpace{next: codeSpaceBase}
}

// Allocate reserves size bytes, 16-byte aligned, and returns the start.
func (cs *CodeSpace) Allocate(size uintptr) uintptr {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	addr := cs.next
	cs.next += (size + 15) &^ 15
	if cs.next == addr {
		cs.next += 16
	}
	return addr
}

// Register makes a blob visible to Lookup. Its stack map must already be
// parsed against the blob's final address.
func (cs *CodeSpace) Register(code *MachineCode) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	i := sort.Search(len(cs.blobs), func(i int) bool { return cs.blobs[i].Entry >= code.Entry })
	cs.blobs = append(cs.blobs, nil)
	copy(cs.blobs[i+1:], cs.blobs[i:])
	cs.blobs[i] = code
	if end := code.Entry + code.Size(); end > cs.next {
		cs.next = (end + 15) &^ 15
	}
}

// Unregister removes a blob.
func (cs *CodeSpace) Unregister(code *MachineCode) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i, b := range cs.blobs {
		if b == code {
			cs.blobs = append(cs.blobs[:i], cs.blobs[i+1:]...)
			return
		}
	}
}

// Lookup returns the blob containing pc, or nil.
func (cs *CodeSpace) Lookup(pc uintptr) *MachineCode {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	i := sort.Search(len(cs.blobs), func(i int) bool { return cs.blobs[i].Entry > pc })
	if i == 0 {
		return nil
	}
	if b := cs.blobs[i-1]; b.Contains(pc) {
		return b
	}
	return nil
}

// LookupCallSite resolves a native return address to its call site.
func (cs *CodeSpace) LookupCallSite(retAddr uintptr) (*stackmap.CallSite, *MachineCode, bool) {
	code := cs.Lookup(retAddr)
	if code == nil || code.StackMap == nil {
		return nil, nil, false
	}
	site, ok := code.StackMap.CallSite(retAddr)
	if !ok {
		return nil, code, false
	}
	return site, code, true
}

// Len returns the number of registered blobs.
func (cs *CodeSpace) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.blobs)
}

// Blobs returns the registered blobs ordered by address.
func (cs *CodeSpace) Blobs() []*MachineCode {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]*MachineCode, len(cs.blobs))
	copy(out, cs.blobs)
	return out
}
