package jit

import (
	"github.com/chazu/ecmavm/vm"
	"github.com/chazu/ecmavm/vm/stackmap"
)

// InstrBytes is the size of the native code emitted per bytecode
// instruction. Every instruction gets one fixed-size word so native and
// bytecode offsets map one-to-one.
const InstrBytes = 8

// Flags stored in byte 1 of an emitted instruction word.
const (
	flagSpeculated = 1 << iota
	flagRuntimeCall
)

// FrameType is the frame compiled functions run in.
const FrameType = vm.FrameOptimizedJSFunction

// emit lays out native code for j according to plan, encodes the stack map
// of its runtime calls and parses it against the allocated address. The
// returned code is not yet registered.
func emit(thread *vm.Thread, j *job, plan *Plan) (*vm.MachineCode, *vm.BaselineCode) {
	m := j.method
	code := m.Bytecode

	n := 0
	for pc := 0; pc < len(code); pc += vm.Opcode(code[pc]).Size() {
		n++
	}
	entry := thread.CodeSpace().Allocate(uintptr(n * InstrBytes))

	out := make([]byte, 0, n*InstrBytes)
	table := make([]vm.BaselineEntry, 0, n)
	var records []stackmap.Record
	for pc := 0; pc < len(code); pc += vm.Opcode(code[pc]).Size() {
		op := vm.Opcode(code[pc])
		native := uint32(len(out))
		table = append(table, vm.BaselineEntry{NativeOffset: native, BytecodeOffset: uint32(pc)})

		var word [InstrBytes]byte
		word[0] = byte(op)
		copy(word[2:], code[pc+1:pc+op.Size()])
		if site, ok := plan.Site(pc); ok {
			if site.Speculated {
				word[1] |= flagSpeculated
			} else {
				word[1] |= flagRuntimeCall
				records = append(records, callSiteRecord(m, pc, native+InstrBytes))
			}
		}
		out = append(out, word[:]...)
	}

	w := stackmap.NewWriter()
	w.AddFunction(uint64(entry), FrameStackSize(m), records...)
	raw := w.Bytes()
	parser := stackmap.NewParser()
	if !parser.CalculateStackMap(raw) {
		vm.Fatalf("jit: %s: empty stack map", m.Name)
	}

	mc := &vm.MachineCode{
		Function:    j.fn,
		Entry:       entry,
		Code:        out,
		StackMap:    parser,
		CompileID:   plan.Deps.CompileID().String(),
		RawStackMap: raw,
	}
	return mc, vm.NewBaselineCode(entry, table)
}

// FrameStackSize returns the fixed frame size of m's compiled code in
// bytes: the frame header plus one spill word per virtual register.
func FrameStackSize(m *vm.Method) uint64 {
	return uint64(8 * (vm.FrameHeaderSize(FrameType) + m.NumVRegs))
}

// SpillLocation returns where compiled code keeps virtual register idx
// while suspended at a call.
func SpillLocation(idx int) stackmap.Indirect {
	return stackmap.Indirect{Reg: stackmap.DwarfRegFP, Size: 8, Offset: vm.SpillOffset(FrameType, idx+1)}
}

// callSiteRecord describes the runtime call emitted for the instruction at
// pc. The deopt bundle carries the bytecode offset followed by every
// register, which are also the call's GC roots. retOffset is the offset of
// the return address within the function.
func callSiteRecord(m *vm.Method, pc int, retOffset uint32) stackmap.Record {
	deoptLocs := make([]stackmap.Location, 0, 1+m.NumVRegs)
	deoptLocs = append(deoptLocs, stackmap.Constant{Value: int32(pc)})
	pairs := make([]stackmap.DerivedPair, 0, m.NumVRegs)
	for i := 0; i < m.NumVRegs; i++ {
		loc := SpillLocation(i)
		deoptLocs = append(deoptLocs, loc)
		pairs = append(pairs, stackmap.DerivedPair{Base: loc, Derived: loc})
	}
	return stackmap.NewCallSiteRecord(uint64(pc), retOffset, deoptLocs, pairs)
}
