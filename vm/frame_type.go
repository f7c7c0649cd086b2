package vm

import (
	"fmt"
)

// FrameType is the tag stored in every frame at sp-1. The enumeration is
// total: every frame the interpreter, the runtime or compiled code pushes
// has exactly one of these tags, and every dispatch over FrameType has an
// explicit case for each value.
type FrameType uint64

const (
	FrameInvalid FrameType = iota

	// Interpreter frames. Body: vregs then args, at sp and above.
	FrameInterpreted
	FrameInterpretedFastNew
	FrameAsmInterpreted

	// Builtin called from the plain interpreter. Body: args.
	FrameInterpretedBuiltin

	// Chain origins for the two interpreter modes.
	FrameInterpretedEntry
	FrameAsmInterpretedEntry

	// Bridges between interpreted and compiled code.
	FrameAsmInterpretedBridge
	FrameAsmBridge

	// Compiled code. Spill slots live below the header and are described
	// by the stack map of the call site.
	FrameOptimized
	FrameOptimizedEntry
	FrameOptimizedJSFunction
	FrameOptimizedJSFastCall

	// Trampoline pushed by baseline code calling a builtin stub.
	FrameBaselineBuiltin

	// Leave frames mark a transition from compiled code into the runtime.
	FrameLeave
	FrameLeaveWithArgv
	FrameBuiltinCallLeave

	// Native builtin frame. Body: function, new.target, this, args.
	FrameBuiltin
	FrameBuiltinEntry

	numFrameTypes
)

var frameTypeNames = [numFrameTypes]string{
	FrameInvalid:              "invalid",
	FrameInterpreted:          "interpreted",
	FrameInterpretedFastNew:   "interpreted-fast-new",
	FrameAsmInterpreted:       "asm-interpreted",
	FrameInterpretedBuiltin:   "interpreted-builtin",
	FrameInterpretedEntry:     "interpreted-entry",
	FrameAsmInterpretedEntry:  "asm-interpreted-entry",
	FrameAsmInterpretedBridge: "asm-interpreted-bridge",
	FrameAsmBridge:            "asm-bridge",
	FrameOptimized:            "optimized",
	FrameOptimizedEntry:       "optimized-entry",
	FrameOptimizedJSFunction:  "optimized-js-function",
	FrameOptimizedJSFastCall:  "optimized-js-fast-call",
	FrameBaselineBuiltin:      "baseline-builtin",
	FrameLeave:                "leave",
	FrameLeaveWithArgv:        "leave-with-argv",
	FrameBuiltinCallLeave:     "builtin-call-leave",
	FrameBuiltin:              "builtin",
	FrameBuiltinEntry:         "builtin-entry",
}

func (t FrameType) String() string {
	if t < numFrameTypes {
		return frameTypeNames[t]
	}
	return fmt.Sprintf("frame-type(%d)", uint64(t))
}

// Valid reports whether t is a tag some frame can carry.
func (t FrameType) Valid() bool { return t > FrameInvalid && t < numFrameTypes }

// AllFrameTypes returns every valid frame type.
func AllFrameTypes() []FrameType {
	out := make([]FrameType, 0, numFrameTypes-1)
	for t := FrameInterpreted; t < numFrameTypes; t++ {
		out = append(out, t)
	}
	return out
}

// ---------------------------------------------------------------------------
// Layout ABI
// ---------------------------------------------------------------------------
//
// Offsets are in words below sp. The first three are common to every frame
// so a walker can dispatch before it knows the concrete kind.

const (
	offsetType = 1
	offsetPrev = 2
	offsetPC   = 3

	commonHeaderSize = 3

	// Interpreted, InterpretedFastNew, AsmInterpreted.
	offsetFunction = 4
	offsetThis     = 5
	offsetAcc      = 6
	offsetEnv      = 7
	offsetArgc     = 8

	interpretedHeaderSize = 8

	// InterpretedBuiltin and OptimizedJSFunction: function at offsetFunction.
	offsetCallArgc = 5

	// OptimizedEntry.
	offsetPrevLeave = 4

	// Leave frames and Builtin.
	offsetLeaveArgc = 4
	offsetLeaveArgv = 5

	builtinFixedArgs = 3
)

// MaxPC is stored as the pc of an asm interpreted frame while baseline code
// runs in it; the bytecode offset must then be recovered from the baseline
// offset table.
const MaxPC uint64 = ^uint64(0)

// FrameHeaderSize returns the number of header words below sp.
func FrameHeaderSize(t FrameType) int {
	switch t {
	case FrameInterpreted, FrameInterpretedFastNew, FrameAsmInterpreted:
		return interpretedHeaderSize
	case FrameInterpretedBuiltin, FrameOptimizedJSFunction:
		return commonHeaderSize + 2
	case FrameOptimizedJSFastCall, FrameOptimizedEntry:
		return commonHeaderSize + 1
	case FrameLeave, FrameBuiltin:
		return commonHeaderSize + 1
	case FrameLeaveWithArgv, FrameBuiltinCallLeave:
		return commonHeaderSize + 2
	case FrameInterpretedEntry, FrameAsmInterpretedEntry, FrameAsmInterpretedBridge,
		FrameAsmBridge, FrameOptimized, FrameBaselineBuiltin, FrameBuiltinEntry:
		return commonHeaderSize
	default:
		Fatalf("frame: no layout for frame type %v", t)
		return 0
	}
}

// IsInterpretedFrameType reports frames that carry vregs and an accumulator.
func IsInterpretedFrameType(t FrameType) bool {
	return t == FrameInterpreted || t == FrameInterpretedFastNew || t == FrameAsmInterpreted
}

// IsOptimizedJSFrameType reports compiled frames of JS functions.
func IsOptimizedJSFrameType(t FrameType) bool {
	return t == FrameOptimizedJSFunction || t == FrameOptimizedJSFastCall
}

// IsJSFrameType reports frames that belong to a JS-level activation.
func IsJSFrameType(t FrameType) bool {
	return IsInterpretedFrameType(t) || t == FrameInterpretedBuiltin || IsOptimizedJSFrameType(t)
}

// IsEntryFrameType reports chain-origin frames.
func IsEntryFrameType(t FrameType) bool {
	return t == FrameInterpretedEntry || t == FrameAsmInterpretedEntry ||
		t == FrameOptimizedEntry || t == FrameBuiltinEntry
}

// IsJSEntryFrameType reports entry frames the JS-level walk stops at.
func IsJSEntryFrameType(t FrameType) bool {
	return t == FrameInterpretedEntry || t == FrameAsmInterpretedEntry || t == FrameOptimizedEntry
}

// IsLeaveFrameType reports runtime-boundary frames.
func IsLeaveFrameType(t FrameType) bool {
	return t == FrameLeave || t == FrameLeaveWithArgv || t == FrameBuiltinCallLeave
}

// IsNativeFrameType reports frames whose pc slot holds a native return
// address rather than a bytecode offset.
func IsNativeFrameType(t FrameType) bool {
	return !IsInterpretedFrameType(t) && t != FrameInterpretedBuiltin &&
		t != FrameInterpretedEntry && t != FrameAsmInterpretedEntry
}
