package vm

import (
	"encoding/binary"
)

// BaselineEntry maps the native code starting at NativeOffset to the
// bytecode instruction at BytecodeOffset.
type BaselineEntry struct {
	NativeOffset   uint32
	BytecodeOffset uint32
}

// BaselineCode is the native-to-bytecode offset table of one method's
// baseline code. Entries are stored as uvarint deltas in ascending native
// order.
type BaselineCode struct {
	Base  uintptr
	table []byte
	count int
}

// NewBaselineCode encodes entries, which must be sorted by NativeOffset.
func NewBaselineCode(base uintptr, entries []BaselineEntry) *BaselineCode {
	b := &BaselineCode{Base: base, count: len(entries)}
	var prevNative, prevBytecode uint32
	for i, e := range entries {
		if i > 0 && e.NativeOffset <= prevNative {
			Fatalf("baseline: native offsets not ascending at entry %d", i)
		}
		b.table = binary.AppendUvarint(b.table, uint64(e.NativeOffset-prevNative))
		b.table = binary.AppendVarint(b.table, int64(e.BytecodeOffset)-int64(prevBytecode))
		prevNative, prevBytecode = e.NativeOffset, e.BytecodeOffset
	}
	return b
}

// Len returns the number of entries.
func (b *BaselineCode) Len() int { return b.count }

// BytecodeOffset returns the bytecode offset for a native return address
// inside the baseline code. The return address points past the call, so the
// owning entry is the last one starting strictly before it.
func (b *BaselineCode) BytecodeOffset(nativePc uintptr) (uint32, bool) {
	if nativePc <= b.Base {
		return 0, false
	}
	rel := uint64(nativePc - b.Base)
	var native uint64
	var bytecode int64
	found := false
	var result uint32
	for off := 0; off < len(b.table); {
		dn, n := binary.Uvarint(b.table[off:])
		if n <= 0 {
			Fatalf("baseline: corrupt offset table at %d", off)
		}
		off += n
		db, m := binary.Varint(b.table[off:])
		if m <= 0 {
			Fatalf("baseline: corrupt offset table at %d", off)
		}
		off += m
		native += dn
		bytecode += db
		if native >= rel {
			break
		}
		result = uint32(bytecode)
		found = true
	}
	return result, found
}

// ReturnAddressFor returns a native return address inside the entry that
// covers bytecodeOffset, as a call emitted there would leave on the stack.
func (b *BaselineCode) ReturnAddressFor(bytecodeOffset uint32) (uintptr, bool) {
	var native uint64
	var bytecode int64
	for off := 0; off < len(b.table); {
		dn, n := binary.Uvarint(b.table[off:])
		off += n
		db, m := binary.Varint(b.table[off:])
		off += m
		if n <= 0 || m <= 0 {
			Fatalf("baseline: corrupt offset table at %d", off)
		}
		native += dn
		bytecode += db
		if uint32(bytecode) == bytecodeOffset {
			return b.Base + uintptr(native) + 1, true
		}
	}
	return 0, false
}
