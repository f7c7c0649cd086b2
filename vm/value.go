package vm

import (
	"fmt"
	"math"
)

// Value represents an ECMAScript value using NaN-boxing.
//
// All values are 64-bit words. Non-float values are encoded in the NaN
// space using the quiet NaN prefix and tag bits to distinguish types.
//
// Encoding scheme:
//   - Float: Native IEEE 754 double (if not a tagged NaN, it's a float)
//   - Int: Quiet NaN + tagInt + 48-bit signed payload
//   - HeapObject: Quiet NaN + tagObject + heap arena id
//   - Special: Quiet NaN + tagSpecial + special value ID
//
// Heap references never carry raw Go pointers; the payload is an id into
// the owning thread's Heap, so a Value can live in a stack slot and be
// rewritten by a moving collector.
type Value uint64

const (
	// 0x7FF8_0000_0000_0000
	nanBits uint64 = 0x7FF8000000000000

	// 0x0007_0000_0000_0000
	tagMask uint64 = 0x0007000000000000

	// 0x0000_FFFF_FFFF_FFFF
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagObject  uint64 = 0x0001000000000000
	tagInt     uint64 = 0x0002000000000000
	tagSpecial uint64 = 0x0003000000000000

	intSignBit    uint64 = 0x0000800000000000
	intSignExtend uint64 = 0xFFFF000000000000
)

const (
	specialUndefined uint64 = 0
	specialNull      uint64 = 1
	specialTrue      uint64 = 2
	specialFalse     uint64 = 3
	specialHole      uint64 = 4
)

// Pre-defined special values
const (
	Undefined Value = Value(nanBits | tagSpecial | specialUndefined)
	Null      Value = Value(nanBits | tagSpecial | specialNull)
	True      Value = Value(nanBits | tagSpecial | specialTrue)
	False     Value = Value(nanBits | tagSpecial | specialFalse)
	Hole      Value = Value(nanBits | tagSpecial | specialHole)
)

// NaN is the canonical not-a-number.
const NaN Value = Value(nanBits)

// Int range (48-bit signed)
const (
	MaxInt int64 = (1 << 47) - 1
	MinInt int64 = -(1 << 47)
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsFloat returns true if v represents a float64 value.
func (v Value) IsFloat() bool {
	bits := uint64(v)
	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		return true
	}
	if bits&0x000FFFFFFFFFFFFF == 0 {
		// +Inf / -Inf
		return true
	}
	if (bits & nanBits) != nanBits {
		return true
	}
	return bits&tagMask == 0
}

// IsInt returns true if v represents a small integer.
func (v Value) IsInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsHeapObject returns true if v references an object in the heap arena.
func (v Value) IsHeapObject() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagObject)
}

// IsSpecial returns true for undefined, null, true, false and hole.
func (v Value) IsSpecial() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagSpecial)
}

func (v Value) IsUndefined() bool { return v == Undefined }
func (v Value) IsNull() bool      { return v == Null }
func (v Value) IsHole() bool      { return v == Hole }

// IsNullOrUndefined reports whether v is null or undefined.
func (v Value) IsNullOrUndefined() bool {
	return v == Null || v == Undefined
}

// ---------------------------------------------------------------------------
// Constructors and accessors
// ---------------------------------------------------------------------------

// Float64 returns v as a float64. Ints are widened.
func (v Value) Float64() float64 {
	if v.IsInt() {
		return float64(v.Int())
	}
	if !v.IsFloat() {
		panic("Value.Float64: not a number")
	}
	return math.Float64frombits(uint64(v))
}

// FromFloat64 creates a Value from a float64.
func FromFloat64(f float64) Value {
	return Value(math.Float64bits(f))
}

// Int returns v as an int64.
// Panics if v is not a small integer.
func (v Value) Int() int64 {
	if !v.IsInt() {
		panic("Value.Int: not a small integer")
	}
	payload := uint64(v) & payloadMask
	if (payload & intSignBit) != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// FromInt creates a Value from an int64, falling back to a double when the
// value does not fit in 48 bits.
func FromInt(n int64) Value {
	if n > MaxInt || n < MinInt {
		return FromFloat64(float64(n))
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// HeapID returns the arena id of a heap reference.
func (v Value) HeapID() uint32 {
	if !v.IsHeapObject() {
		panic("Value.HeapID: not a heap object")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromHeapID creates a heap reference Value.
func FromHeapID(id uint32) Value {
	return Value(nanBits | tagObject | uint64(id))
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// IsNumber returns true for ints and floats.
func (v Value) IsNumber() bool {
	return v.IsInt() || v.IsFloat()
}

// ToBoolean implements the ECMAScript ToBoolean conversion for the value
// kinds the core understands. Heap objects are always truthy.
func (v Value) ToBoolean() bool {
	switch {
	case v == True:
		return true
	case v == False, v == Null, v == Undefined, v == Hole:
		return false
	case v.IsInt():
		return v.Int() != 0
	case v.IsFloat():
		f := v.Float64()
		return f != 0 && !math.IsNaN(f)
	default:
		return true
	}
}

func (v Value) String() string {
	switch {
	case v == Undefined:
		return "undefined"
	case v == Null:
		return "null"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v == Hole:
		return "hole"
	case v.IsInt():
		return fmt.Sprintf("%d", v.Int())
	case v.IsHeapObject():
		return fmt.Sprintf("<heap#%d>", v.HeapID())
	default:
		return fmt.Sprintf("%g", v.Float64())
	}
}
