package vm

// FrameHandler is a typed view of one activation on a thread's control
// stack and the cursor used to walk the chain of activations. It is only
// used by the mutator itself or by a collector that has stopped the mutator
// at a safepoint.
type FrameHandler struct {
	thread *Thread
	stack  *Stack
	sp     Slot

	// baselineNativePc is the return address recorded from the last
	// baseline-builtin frame skipped; it locates the current asm interpreted
	// frame's position inside its baseline code.
	baselineNativePc uintptr
}

// NewFrameHandler starts at the thread's current frame and advances to the
// nearest JS or JS-entry frame.
func NewFrameHandler(t *Thread) *FrameHandler {
	h := &FrameHandler{thread: t, stack: t.stack, sp: t.CurrentFrame()}
	h.AdvanceToJSFrame()
	return h
}

// HasFrame reports whether the cursor still points at a frame.
func (h *FrameHandler) HasFrame() bool { return h.sp != 0 }

// GetSp returns the frame's stack pointer.
func (h *FrameHandler) GetSp() Slot { return h.sp }

// GetFrameType reads the frame's type tag.
func (h *FrameHandler) GetFrameType() FrameType {
	return h.stack.FrameTypeAt(h.sp)
}

func (h *FrameHandler) IsJSFrame() bool          { return IsJSFrameType(h.GetFrameType()) }
func (h *FrameHandler) IsEntryFrame() bool       { return IsEntryFrameType(h.GetFrameType()) }
func (h *FrameHandler) IsInterpretedFrame() bool { return IsInterpretedFrameType(h.GetFrameType()) }

// IsBuiltinFrame reports frames running a native builtin.
func (h *FrameHandler) IsBuiltinFrame() bool {
	t := h.GetFrameType()
	return t == FrameBuiltin || t == FrameInterpretedBuiltin
}

// GetPrevFrameSp returns the caller's sp. A frame whose type tag is not
// valid has no trustworthy link and is fatal.
func (h *FrameHandler) GetPrevFrameSp() Slot {
	if t := h.GetFrameType(); !t.Valid() {
		Fatalf("frame: cannot link past unknown frame type %v at %d", t, h.sp)
	}
	return h.stack.PrevFrameAt(h.sp)
}

// PrevFrame steps to the raw previous frame.
func (h *FrameHandler) PrevFrame() {
	h.sp = h.GetPrevFrameSp()
}

// AdvanceToJSFrame moves forward to the nearest JS or JS-entry frame. Only
// the asm interpreter interleaves other frames with JS frames; in plain
// mode every frame already qualifies.
func (h *FrameHandler) AdvanceToJSFrame() {
	if !h.thread.IsAsmInterpreter() {
		return
	}
	for h.sp != 0 {
		t := h.GetFrameType()
		if t == FrameBaselineBuiltin {
			h.baselineNativePc = uintptr(h.stack.PCAt(h.sp))
		}
		if IsJSFrameType(t) || IsJSEntryFrameType(t) {
			return
		}
		h.sp = h.stack.PrevFrameAt(h.sp)
	}
}

// PrevJSFrame moves to the previous JS or JS-entry frame.
func (h *FrameHandler) PrevJSFrame() {
	if !h.thread.IsAsmInterpreter() {
		h.PrevFrame()
		return
	}
	h.AdvanceToJSFrame()
	if h.sp == 0 {
		return
	}
	h.sp = h.GetPrevFrameSp()
	h.baselineNativePc = 0
	h.AdvanceToJSFrame()
}

// ---------------------------------------------------------------------------
// Frame contents
// ---------------------------------------------------------------------------

// GetFunction returns the function running in the frame. Frame kinds that
// never carry a function are a contract violation.
func (h *FrameHandler) GetFunction() Value {
	switch t := h.GetFrameType(); t {
	case FrameInterpreted, FrameInterpretedFastNew, FrameAsmInterpreted:
		return h.stack.LoadValue(h.sp - offsetFunction)
	case FrameInterpretedBuiltin, FrameOptimizedJSFunction, FrameOptimizedJSFastCall:
		return h.stack.LoadValue(h.sp - offsetFunction)
	case FrameBuiltin:
		return h.stack.LoadValue(h.sp)
	case FrameInterpretedEntry, FrameAsmInterpretedEntry, FrameAsmInterpretedBridge, FrameAsmBridge,
		FrameOptimized, FrameOptimizedEntry, FrameBaselineBuiltin, FrameLeave, FrameLeaveWithArgv,
		FrameBuiltinCallLeave, FrameBuiltinEntry:
		Fatalf("frame: %v frame at %d has no function", t, h.sp)
	default:
		Fatalf("frame: unknown frame type %v at %d", t, h.sp)
	}
	return Undefined
}

// GetJSFunction resolves GetFunction through the heap.
func (h *FrameHandler) GetJSFunction() *JSFunction {
	fn := h.thread.heap.Function(h.GetFunction())
	if fn == nil {
		Fatalf("frame: function slot of %v frame at %d is not a function", h.GetFrameType(), h.sp)
	}
	return fn
}

// GetMethod returns the bytecode method of the frame's function, or nil for
// builtins.
func (h *FrameHandler) GetMethod() *Method {
	return h.GetJSFunction().Method
}

func (h *FrameHandler) mustBeInterpreted(op string) {
	if t := h.GetFrameType(); !IsInterpretedFrameType(t) {
		Fatalf("frame: %s on %v frame at %d", op, t, h.sp)
	}
}

// GetAcc returns the saved accumulator. Interpreted frames only.
func (h *FrameHandler) GetAcc() Value {
	h.mustBeInterpreted("GetAcc")
	return h.stack.LoadValue(h.sp - offsetAcc)
}

// SetAcc overwrites the saved accumulator. Interpreted frames only.
func (h *FrameHandler) SetAcc(v Value) {
	h.mustBeInterpreted("SetAcc")
	h.stack.StoreValue(h.sp-offsetAcc, v)
}

// GetEnv returns the lexical environment slot. Interpreted frames only.
func (h *FrameHandler) GetEnv() Value {
	h.mustBeInterpreted("GetEnv")
	return h.stack.LoadValue(h.sp - offsetEnv)
}

func (h *FrameHandler) vregSlot(idx int) Slot {
	h.mustBeInterpreted("vreg access")
	n := h.GetMethod().NumVRegs + h.GetNumberArgs()
	if idx < 0 || idx >= n {
		Fatalf("frame: vreg %d out of range (%d) at %d", idx, n, h.sp)
	}
	return h.sp + Slot(idx)
}

// GetVRegValue reads virtual register idx. Arguments follow the method's
// own registers. Interpreted frames only.
func (h *FrameHandler) GetVRegValue(idx int) Value {
	return h.stack.LoadValue(h.vregSlot(idx))
}

// SetVRegValue writes virtual register idx. Interpreted frames only.
func (h *FrameHandler) SetVRegValue(idx int, v Value) {
	h.stack.StoreValue(h.vregSlot(idx), v)
}

// GetThis returns the receiver.
func (h *FrameHandler) GetThis() Value {
	switch t := h.GetFrameType(); t {
	case FrameInterpreted, FrameInterpretedFastNew, FrameAsmInterpreted:
		return h.stack.LoadValue(h.sp - offsetThis)
	case FrameBuiltin:
		return h.stack.LoadValue(h.sp + 2)
	default:
		Fatalf("frame: %v frame at %d has no receiver slot", t, h.sp)
		return Undefined
	}
}

// GetNumberArgs returns the argument count of the call.
func (h *FrameHandler) GetNumberArgs() int {
	switch t := h.GetFrameType(); t {
	case FrameInterpreted, FrameInterpretedFastNew, FrameAsmInterpreted:
		return int(h.stack.Load(h.sp - offsetArgc))
	case FrameInterpretedBuiltin, FrameOptimizedJSFunction:
		return int(h.stack.Load(h.sp - offsetCallArgc))
	case FrameBuiltin, FrameLeave, FrameLeaveWithArgv, FrameBuiltinCallLeave:
		return int(h.stack.Load(h.sp - offsetLeaveArgc))
	default:
		Fatalf("frame: %v frame at %d has no argument count", t, h.sp)
		return 0
	}
}

// GetPC returns the raw saved pc word.
func (h *FrameHandler) GetPC() uint64 {
	return h.stack.PCAt(h.sp)
}

// GetBytecodeOffset returns the bytecode offset the frame is suspended at.
// A MaxPC sentinel means the frame is running baseline code; the offset is
// then recovered from the method's baseline offset table using the return
// address of the baseline-builtin frame skipped on the way here.
func (h *FrameHandler) GetBytecodeOffset() uint32 {
	h.mustBeInterpreted("GetBytecodeOffset")
	pc := h.GetPC()
	if pc != MaxPC {
		return uint32(pc)
	}
	m := h.GetMethod()
	if m == nil || m.Baseline == nil {
		Fatalf("frame: baseline pc in %v frame at %d without baseline code", h.GetFrameType(), h.sp)
	}
	if h.baselineNativePc == 0 {
		Fatalf("frame: baseline pc in frame at %d but no baseline-builtin frame was crossed", h.sp)
	}
	off, ok := m.Baseline.BytecodeOffset(h.baselineNativePc)
	if !ok {
		Fatalf("frame: native pc %#x outside baseline code of %s", h.baselineNativePc, m.Name)
	}
	return off
}

// ---------------------------------------------------------------------------
// Stack traces
// ---------------------------------------------------------------------------

// StackFrame is one entry of a JS-level stack trace.
type StackFrame struct {
	Function       string
	Type           FrameType
	BytecodeOffset uint32
	Optimized      bool
}

// StackTrace lists the thread's JS frames, innermost first.
func (t *Thread) StackTrace() []StackFrame {
	var frames []StackFrame
	for h := NewFrameHandler(t); h.HasFrame(); h.PrevJSFrame() {
		if !h.IsJSFrame() {
			continue
		}
		typ := h.GetFrameType()
		sf := StackFrame{
			Function:  h.GetJSFunction().String(),
			Type:      typ,
			Optimized: IsOptimizedJSFrameType(typ),
		}
		if IsInterpretedFrameType(typ) {
			sf.BytecodeOffset = h.GetBytecodeOffset()
		}
		frames = append(frames, sf)
	}
	return frames
}
