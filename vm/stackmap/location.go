package stackmap

import (
	"fmt"
)

// Kind is the wire encoding of a location's type byte.
type Kind uint8

const (
	KindRegister      Kind = 1
	KindDirect        Kind = 2
	KindIndirect      Kind = 3
	KindConstant      Kind = 4
	KindConstantIndex Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindDirect:
		return "direct"
	case KindIndirect:
		return "indirect"
	case KindConstant:
		return "constant"
	case KindConstantIndex:
		return "constant-index"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// DWARF register numbers (x86-64) the frame walker can resolve.
const (
	DwarfRegFP uint16 = 6
	DwarfRegSP uint16 = 7
)

// Location is one entry of a stack-map record. It is a closed set:
// Register, Direct, Indirect, Constant and ConstantIndex.
type Location interface {
	Kind() Kind
	isLocation()
}

// Register: the value lives in a machine register.
type Register struct {
	Reg  uint16
	Size uint16
}

// Direct: the value is the address Reg + Offset itself.
type Direct struct {
	Reg    uint16
	Size   uint16
	Offset int32
}

// Indirect: the value is spilled to memory at Reg + Offset.
type Indirect struct {
	Reg    uint16
	Size   uint16
	Offset int32
}

// Constant: a small constant embedded in the record.
type Constant struct {
	Value int32
}

// ConstantIndex: a large constant stored in the constants pool.
type ConstantIndex struct {
	Index uint32
}

func (Register) Kind() Kind      { return KindRegister }
func (Direct) Kind() Kind        { return KindDirect }
func (Indirect) Kind() Kind      { return KindIndirect }
func (Constant) Kind() Kind      { return KindConstant }
func (ConstantIndex) Kind() Kind { return KindConstantIndex }

func (Register) isLocation()      {}
func (Direct) isLocation()        {}
func (Indirect) isLocation()      {}
func (Constant) isLocation()      {}
func (ConstantIndex) isLocation() {}

func (l Register) String() string      { return fmt.Sprintf("reg(%d)", l.Reg) }
func (l Direct) String() string        { return fmt.Sprintf("&[reg(%d)%+d]", l.Reg, l.Offset) }
func (l Indirect) String() string      { return fmt.Sprintf("[reg(%d)%+d]", l.Reg, l.Offset) }
func (l Constant) String() string      { return fmt.Sprintf("#%d", l.Value) }
func (l ConstantIndex) String() string { return fmt.Sprintf("#pool[%d]", l.Index) }

// DeoptValue is one element of a deoptimization bundle: a spilled value
// (Indirect), a small Constant, or a LargeConstant resolved from the pool.
type DeoptValue interface {
	isDeoptValue()
}

// LargeConstant is a pool constant resolved while deriving call sites.
type LargeConstant struct {
	Value uint64
}

func (l LargeConstant) String() string { return fmt.Sprintf("#%d", l.Value) }

func (Indirect) isDeoptValue()      {}
func (Constant) isDeoptValue()      {}
func (LargeConstant) isDeoptValue() {}

// DerivedPair is a (base, derived) heap pointer pair at a call site. Each
// side is either Indirect (a runtime location) or Constant (a compile-time
// constant the collector never needs to touch). After filtering, a pair with
// Base == Derived denotes a plain root.
type DerivedPair struct {
	Base    Location
	Derived Location
}

// IsRoot reports whether the pair describes a single non-derived root.
func (p DerivedPair) IsRoot() bool {
	return p.Base == p.Derived
}

func (p DerivedPair) String() string {
	return fmt.Sprintf("(%v, %v)", p.Base, p.Derived)
}
