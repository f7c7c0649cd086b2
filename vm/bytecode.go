package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------
//
// The instruction set is accumulator based: most instructions read or write
// the accumulator and name at most one virtual register. Virtual registers
// are numbered across the method's own registers followed by its arguments.

// Opcode represents a single bytecode instruction.
type Opcode byte

// Loads and stores
const (
	OpNop          Opcode = 0x00 // no operation
	OpLdai         Opcode = 0x01 // acc = imm32
	OpLdaUndefined Opcode = 0x02 // acc = undefined
	OpLda          Opcode = 0x03 // acc = v8
	OpSta          Opcode = 0x04 // v8 = acc
	OpLdaStr       Opcode = 0x05 // acc = string names[u16]
)

// Arithmetic and comparison
const (
	OpAdd2 Opcode = 0x10 // acc = v8 + acc
	OpSub2 Opcode = 0x11 // acc = v8 - acc
	OpLess Opcode = 0x12 // acc = v8 < acc
	OpInc  Opcode = 0x13 // acc = acc + 1
)

// Control flow. Offsets are signed 16-bit, relative to the next instruction.
const (
	OpJmp  Opcode = 0x20 // unconditional jump
	OpJeqz Opcode = 0x21 // jump if acc is falsy
	OpJnez Opcode = 0x22 // jump if acc is truthy
)

// Properties and globals
const (
	OpLdObjByName Opcode = 0x30 // acc = acc[names[u16]], feedback slot u8
	OpStObjByName Opcode = 0x31 // v8[names[u16]] = acc, feedback slot u8
	OpTryLdGlobal Opcode = 0x32 // acc = global names[u16], ReferenceError if missing
	OpGetIterator Opcode = 0x33 // acc = iterator of acc
)

// Calls and returns
const (
	OpCallArgs        Opcode = 0x40 // acc = acc(v8 .. v8+u8-1)
	OpReturn          Opcode = 0x41 // return acc
	OpReturnUndefined Opcode = 0x42 // return undefined
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:          {"NOP", 0},
	OpLdai:         {"LDAI", 4},
	OpLdaUndefined: {"LDA_UNDEFINED", 0},
	OpLda:          {"LDA", 1},
	OpSta:          {"STA", 1},
	OpLdaStr:       {"LDA_STR", 2},

	OpAdd2: {"ADD2", 1},
	OpSub2: {"SUB2", 1},
	OpLess: {"LESS", 1},
	OpInc:  {"INC", 0},

	OpJmp:  {"JMP", 2},
	OpJeqz: {"JEQZ", 2},
	OpJnez: {"JNEZ", 2},

	OpLdObjByName: {"LDOBJBYNAME", 3},
	OpStObjByName: {"STOBJBYNAME", 4},
	OpTryLdGlobal: {"TRYLDGLOBAL", 2},
	OpGetIterator: {"GETITERATOR", 0},

	OpCallArgs:        {"CALLARGS", 2},
	OpReturn:          {"RETURN", 0},
	OpReturnUndefined: {"RETURN_UNDEFINED", 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Valid reports whether op is part of the instruction set.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string { return op.Info().Name }

// Size returns the encoded length of the instruction.
func (op Opcode) Size() int { return 1 + op.Info().OperandBytes }

func (op Opcode) String() string { return op.Name() }

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
	names []string
	index map[string]uint16
	slots int
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
		index: make(map[string]uint16),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte { return b.bytes }

// Names returns the name table referenced by the bytecode.
func (b *BytecodeBuilder) Names() []string { return b.names }

// NumCaches returns the number of feedback slots allocated so far.
func (b *BytecodeBuilder) NumCaches() int { return b.slots }

// Len returns the current length.
func (b *BytecodeBuilder) Len() int { return len(b.bytes) }

// Name interns a name and returns its index.
func (b *BytecodeBuilder) Name(s string) uint16 {
	if idx, ok := b.index[s]; ok {
		return idx
	}
	idx := uint16(len(b.names))
	b.names = append(b.names, s)
	b.index[s] = idx
	return idx
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitReg appends an opcode with one register operand.
func (b *BytecodeBuilder) EmitReg(op Opcode, reg uint8) {
	b.bytes = append(b.bytes, byte(op), reg)
}

// EmitLdai appends LDAI.
func (b *BytecodeBuilder) EmitLdai(v int32) {
	b.bytes = append(b.bytes, byte(OpLdai))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(v))
}

// EmitName appends an opcode whose only operand is a name index.
func (b *BytecodeBuilder) EmitName(op Opcode, name string) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint16(b.bytes, b.Name(name))
}

// EmitLdObjByName appends a named load from the accumulator, allocating a
// fresh feedback slot.
func (b *BytecodeBuilder) EmitLdObjByName(name string) {
	b.bytes = append(b.bytes, byte(OpLdObjByName), byte(b.slots))
	b.bytes = binary.LittleEndian.AppendUint16(b.bytes, b.Name(name))
	b.slots++
}

// EmitStObjByName appends a named store of the accumulator into obj.
func (b *BytecodeBuilder) EmitStObjByName(obj uint8, name string) {
	b.bytes = append(b.bytes, byte(OpStObjByName), byte(b.slots))
	b.bytes = binary.LittleEndian.AppendUint16(b.bytes, b.Name(name))
	b.bytes = append(b.bytes, obj)
	b.slots++
}

// EmitCallArgs appends a call of the accumulator with argc arguments held in
// consecutive registers starting at first.
func (b *BytecodeBuilder) EmitCallArgs(argc, first uint8) {
	b.bytes = append(b.bytes, byte(OpCallArgs), argc, first)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a jump target.
type Label struct {
	resolved bool
	position int   // target (if resolved)
	refs     []int // operand positions waiting for the target
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)
	for _, ref := range label.refs {
		offset := label.position - (ref + 2)
		binary.LittleEndian.PutUint16(b.bytes[ref:], uint16(int16(offset)))
	}
	label.refs = nil
}

// EmitJump emits a jump instruction with a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = binary.LittleEndian.AppendUint16(b.bytes, uint16(int16(offset)))
		return
	}
	label.refs = append(label.refs, len(b.bytes))
	b.bytes = append(b.bytes, 0, 0)
}

// Method builds a method from the emitted code.
func (b *BytecodeBuilder) Method(name string, numVRegs, numArgs int) *Method {
	m := NewMethod(name, b.bytes, numVRegs, numArgs, b.slots)
	m.Names = b.names
	return m
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders the instruction at pc and returns the
// offset of the next one.
func DisassembleInstruction(code []byte, names []string, pc int) (string, int) {
	op := Opcode(code[pc])
	info := op.Info()
	if pc+op.Size() > len(code) {
		return fmt.Sprintf("%04d  %s <truncated>", pc, info.Name), len(code)
	}
	operands := code[pc+1 : pc+op.Size()]
	name := func(idx uint16) string {
		if int(idx) < len(names) {
			return fmt.Sprintf("%q", names[idx])
		}
		return fmt.Sprintf("#%d", idx)
	}

	var text string
	switch op {
	case OpLdai:
		text = fmt.Sprintf("%s %d", info.Name, int32(binary.LittleEndian.Uint32(operands)))
	case OpLda, OpSta, OpAdd2, OpSub2, OpLess:
		text = fmt.Sprintf("%s v%d", info.Name, operands[0])
	case OpLdaStr, OpTryLdGlobal:
		text = fmt.Sprintf("%s %s", info.Name, name(binary.LittleEndian.Uint16(operands)))
	case OpJmp, OpJeqz, OpJnez:
		off := int16(binary.LittleEndian.Uint16(operands))
		text = fmt.Sprintf("%s %d (-> %04d)", info.Name, off, pc+op.Size()+int(off))
	case OpLdObjByName:
		text = fmt.Sprintf("%s %s ic=%d", info.Name, name(binary.LittleEndian.Uint16(operands[1:])), operands[0])
	case OpStObjByName:
		text = fmt.Sprintf("%s v%d.%s ic=%d", info.Name, operands[3], name(binary.LittleEndian.Uint16(operands[1:])), operands[0])
	case OpCallArgs:
		text = fmt.Sprintf("%s argc=%d v%d", info.Name, operands[0], operands[1])
	default:
		text = info.Name
	}
	return fmt.Sprintf("%04d  %s", pc, text), pc + op.Size()
}

// Disassemble returns a full disassembly of a method.
func Disassemble(m *Method) string {
	var sb strings.Builder
	for pc := 0; pc < len(m.Bytecode); {
		var line string
		line, pc = DisassembleInstruction(m.Bytecode, m.Names, pc)
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(line)
	}
	return sb.String()
}
