package vm

// Slot is a word address in a thread's control stack. Slot 0 is reserved
// and doubles as the null frame pointer that terminates every frame chain.
type Slot uintptr

// Stack is the control stack shared by interpreted and compiled frames. It
// grows downward: pushing lowers Top.
type Stack struct {
	words []uint64
	top   Slot
}

// NewStack creates a stack of n words.
func NewStack(n int) *Stack {
	if n < 64 {
		n = 64
	}
	return &Stack{words: make([]uint64, n), top: Slot(n)}
}

// Size returns the capacity in words.
func (s *Stack) Size() int { return len(s.words) }

// Top returns the lowest in-use slot.
func (s *Stack) Top() Slot { return s.top }

// SetTop pops everything below sp.
func (s *Stack) SetTop(sp Slot) {
	if sp == 0 || int(sp) > len(s.words) {
		Fatalf("stack: top %d out of range", sp)
	}
	s.top = sp
}

// HasRoom reports whether n more words fit.
func (s *Stack) HasRoom(n int) bool {
	return int(s.top)-n > 1
}

// Load reads a word.
func (s *Stack) Load(slot Slot) uint64 {
	if slot == 0 || int(slot) >= len(s.words) {
		Fatalf("stack: load from invalid slot %d", slot)
	}
	return s.words[slot]
}

// Store writes a word.
func (s *Stack) Store(slot Slot, w uint64) {
	if slot == 0 || int(slot) >= len(s.words) {
		Fatalf("stack: store to invalid slot %d", slot)
	}
	s.words[slot] = w
}

// LoadValue reads a tagged value.
func (s *Stack) LoadValue(slot Slot) Value { return Value(s.Load(slot)) }

// StoreValue writes a tagged value.
func (s *Stack) StoreValue(slot Slot, v Value) { s.Store(slot, uint64(v)) }

// FrameTypeAt reads the type tag of the frame at sp.
func (s *Stack) FrameTypeAt(sp Slot) FrameType {
	return FrameType(s.Load(sp - offsetType))
}

// PrevFrameAt reads the saved caller sp of the frame at sp.
func (s *Stack) PrevFrameAt(sp Slot) Slot {
	return Slot(s.Load(sp - offsetPrev))
}

// PCAt reads the saved pc or native return address of the frame at sp.
func (s *Stack) PCAt(sp Slot) uint64 {
	return s.Load(sp - offsetPC)
}

// PushFrame lays out a frame: body words at the new sp and above, then the
// header below sp. fields fill the kind-specific header words starting at
// sp-4. Returns the frame's sp.
func (s *Stack) PushFrame(typ FrameType, body int, prev Slot, pc uint64, fields ...uint64) Slot {
	hdr := FrameHeaderSize(typ)
	if commonHeaderSize+len(fields) != hdr {
		Fatalf("stack: frame %v expects %d header fields, got %d", typ, hdr-commonHeaderSize, len(fields))
	}
	if !s.HasRoom(body + hdr) {
		Fatalf("stack: overflow pushing %v frame", typ)
	}
	s.top -= Slot(body)
	sp := s.top
	for i := 0; i < body; i++ {
		s.words[sp+Slot(i)] = uint64(Undefined)
	}
	s.top -= Slot(hdr)
	s.words[sp-offsetType] = uint64(typ)
	s.words[sp-offsetPrev] = uint64(prev)
	s.words[sp-offsetPC] = pc
	for i, f := range fields {
		s.words[sp-Slot(commonHeaderSize+1+i)] = f
	}
	return sp
}

// reserve lowers top by n zeroed words (spill areas of compiled frames).
func (s *Stack) reserve(n int) {
	if !s.HasRoom(n) {
		Fatalf("stack: overflow reserving %d words", n)
	}
	s.top -= Slot(n)
	for i := 0; i < n; i++ {
		s.words[s.top+Slot(i)] = 0
	}
}

// ---------------------------------------------------------------------------
// Typed frame constructors
// ---------------------------------------------------------------------------
//
// These mirror the prologues the interpreter, the runtime stubs and the
// native code generator emit. Compiled-code frames are built by tests and by
// the code loader exactly as the native prologue would lay them out.

// PushEntryFrame pushes a header-only frame (entries, bridges, trampolines
// and the stack-map-only optimized frame).
func (s *Stack) PushEntryFrame(typ FrameType, prev Slot, returnAddr uint64) Slot {
	return s.PushFrame(typ, 0, prev, returnAddr)
}

// PushInterpretedFrame pushes an interpreter frame with nvregs registers
// followed by the arguments.
func (s *Stack) PushInterpretedFrame(typ FrameType, prev Slot, fn, this Value, nvregs int, args []Value) Slot {
	if !IsInterpretedFrameType(typ) {
		Fatalf("stack: %v is not an interpreted frame type", typ)
	}
	sp := s.PushFrame(typ, nvregs+len(args), prev, 0,
		uint64(fn), uint64(this), uint64(Undefined), uint64(Undefined), uint64(len(args)))
	for i, a := range args {
		s.words[sp+Slot(nvregs+i)] = uint64(a)
	}
	return sp
}

// PushInterpretedBuiltinFrame pushes the frame a plain-interpreter call to a
// native builtin runs in.
func (s *Stack) PushInterpretedBuiltinFrame(prev Slot, fn Value, args []Value) Slot {
	sp := s.PushFrame(FrameInterpretedBuiltin, len(args), prev, 0, uint64(fn), uint64(len(args)))
	for i, a := range args {
		s.words[sp+Slot(i)] = uint64(a)
	}
	return sp
}

// PushBuiltinFrame pushes a native builtin frame.
func (s *Stack) PushBuiltinFrame(prev Slot, returnAddr uint64, fn, newTarget, this Value, args []Value) Slot {
	sp := s.PushFrame(FrameBuiltin, builtinFixedArgs+len(args), prev, returnAddr, uint64(len(args)))
	s.words[sp] = uint64(fn)
	s.words[sp+1] = uint64(newTarget)
	s.words[sp+2] = uint64(this)
	for i, a := range args {
		s.words[sp+Slot(builtinFixedArgs+i)] = uint64(a)
	}
	return sp
}

// PushOptimizedFrame pushes a compiled stub frame with spills spill words.
func (s *Stack) PushOptimizedFrame(prev Slot, returnAddr uint64, spills int) Slot {
	sp := s.PushFrame(FrameOptimized, 0, prev, returnAddr)
	s.reserve(spills)
	return sp
}

// PushOptimizedJSFunctionFrame pushes a compiled JS function frame whose
// arguments were pushed by the caller.
func (s *Stack) PushOptimizedJSFunctionFrame(prev Slot, returnAddr uint64, fn Value, args []Value, spills int) Slot {
	sp := s.PushFrame(FrameOptimizedJSFunction, len(args), prev, returnAddr, uint64(fn), uint64(len(args)))
	for i, a := range args {
		s.words[sp+Slot(i)] = uint64(a)
	}
	s.reserve(spills)
	return sp
}

// PushOptimizedJSFastCallFrame pushes a compiled fast-call frame; its
// arguments travel in registers and are not on the stack.
func (s *Stack) PushOptimizedJSFastCallFrame(prev Slot, returnAddr uint64, fn Value, spills int) Slot {
	sp := s.PushFrame(FrameOptimizedJSFastCall, 0, prev, returnAddr, uint64(fn))
	s.reserve(spills)
	return sp
}

// PushOptimizedEntryFrame pushes the runtime-to-compiled-code entry frame.
func (s *Stack) PushOptimizedEntryFrame(prev, prevLeave Slot) Slot {
	return s.PushFrame(FrameOptimizedEntry, 0, prev, 0, uint64(prevLeave))
}

// PushLeaveFrame pushes a leave frame with inline arguments.
func (s *Stack) PushLeaveFrame(prev Slot, returnAddr uint64, args []Value) Slot {
	sp := s.PushFrame(FrameLeave, len(args), prev, returnAddr, uint64(len(args)))
	for i, a := range args {
		s.words[sp+Slot(i)] = uint64(a)
	}
	return sp
}

// PushLeaveWithArgvFrame pushes a leave frame whose arguments live at argv.
func (s *Stack) PushLeaveWithArgvFrame(typ FrameType, prev Slot, returnAddr uint64, argv Slot, argc int) Slot {
	if typ != FrameLeaveWithArgv && typ != FrameBuiltinCallLeave {
		Fatalf("stack: %v is not an argv leave frame", typ)
	}
	return s.PushFrame(typ, 0, prev, returnAddr, uint64(argc), uint64(argv))
}

// SpillSlot returns the address of spill word k (1-based) of the compiled
// frame at sp.
func SpillSlot(typ FrameType, sp Slot, k int) Slot {
	return sp - Slot(FrameHeaderSize(typ)+k)
}

// SpillOffset returns the byte offset from the frame pointer of spill word
// k, as the stack map encodes it.
func SpillOffset(typ FrameType, k int) int32 {
	return -int32(8 * (FrameHeaderSize(typ) + k))
}
