package vm

import (
	"github.com/chazu/ecmavm/vm/stackmap"
)

// RootVisitor is called for a single stack slot that may hold a heap
// reference. The visitor may rewrite the slot.
type RootVisitor func(slot Slot)

// RangeVisitor is called for the slots in [start, end).
type RangeVisitor func(start, end Slot)

// DerivedVisitor is called for an interior pointer at derived computed from
// the base object at base. baseOld is the base value before the root
// visitor ran, so the visitor can rebase derived by the base's motion.
type DerivedVisitor func(base, derived Slot, baseOld Value)

// Iterate reports every heap-reference slot of every frame on the thread's
// stack exactly once. In asm mode the walk starts at the last leave frame,
// which anchors the runtime boundary; otherwise at the current frame.
func (h *FrameHandler) Iterate(visitor RootVisitor, rangeVisitor RangeVisitor, derivedVisitor DerivedVisitor) {
	t := h.thread
	start := t.CurrentFrame()
	if t.IsAsmInterpreter() {
		if leave := t.LastLeaveFrame(); leave != 0 {
			start = leave
		}
	}

	var calleeRet uintptr
	for sp := start; sp != 0; {
		typ := h.stack.FrameTypeAt(sp)
		h.iterateFrame(sp, typ, calleeRet, visitor, rangeVisitor, derivedVisitor)
		if IsNativeFrameType(typ) {
			calleeRet = uintptr(h.stack.PCAt(sp))
		} else {
			calleeRet = 0
		}
		sp = h.stack.PrevFrameAt(sp)
	}
}

// IterateRoots scans the thread's stack and handle scope.
func (t *Thread) IterateRoots(visitor RootVisitor, rangeVisitor RangeVisitor, derivedVisitor DerivedVisitor, handleVisitor func(*Value)) {
	h := &FrameHandler{thread: t, stack: t.stack, sp: t.CurrentFrame()}
	h.Iterate(visitor, rangeVisitor, derivedVisitor)
	if handleVisitor != nil {
		for i := range t.handles {
			handleVisitor(&t.handles[i])
		}
	}
}

func (h *FrameHandler) iterateFrame(sp Slot, typ FrameType, calleeRet uintptr,
	visitor RootVisitor, rangeVisitor RangeVisitor, derivedVisitor DerivedVisitor) {
	s := h.stack
	switch typ {
	case FrameInterpreted, FrameInterpretedFastNew, FrameAsmInterpreted:
		visitor(sp - offsetFunction)
		visitor(sp - offsetThis)
		visitor(sp - offsetAcc)
		visitor(sp - offsetEnv)
		prev := s.PrevFrameAt(sp)
		if prev == 0 {
			Fatalf("frame: %v frame at %d has no caller", typ, sp)
		}
		prevType := s.FrameTypeAt(prev)
		switch prevType {
		case FrameOptimized, FrameOptimizedJSFunction, FrameOptimizedJSFastCall:
			// Compiled callers reach the interpreter through a bridge frame;
			// their spills must not fall inside this frame's body.
			Fatalf("frame: %v frame at %d called directly from %v frame at %d", typ, sp, prevType, prev)
		}
		end := prev - Slot(FrameHeaderSize(prevType))
		if end > sp {
			rangeVisitor(sp, end)
		}

	case FrameInterpretedBuiltin:
		visitor(sp - offsetFunction)
		if argc := Slot(s.Load(sp - offsetCallArgc)); argc > 0 {
			rangeVisitor(sp, sp+argc)
		}

	case FrameBuiltin:
		argc := Slot(s.Load(sp - offsetLeaveArgc))
		rangeVisitor(sp, sp+builtinFixedArgs+argc)

	case FrameLeave:
		if argc := Slot(s.Load(sp - offsetLeaveArgc)); argc > 0 {
			rangeVisitor(sp, sp+argc)
		}

	case FrameLeaveWithArgv, FrameBuiltinCallLeave:
		argc := Slot(s.Load(sp - offsetLeaveArgc))
		argv := Slot(s.Load(sp - offsetLeaveArgv))
		if argc > 0 {
			rangeVisitor(argv, argv+argc)
		}

	case FrameOptimized:
		h.iterateStackMap(sp, typ, calleeRet, visitor, derivedVisitor)

	case FrameOptimizedJSFunction:
		visitor(sp - offsetFunction)
		if argc := Slot(s.Load(sp - offsetCallArgc)); argc > 0 {
			rangeVisitor(sp, sp+argc)
		}
		h.iterateStackMap(sp, typ, calleeRet, visitor, derivedVisitor)

	case FrameOptimizedJSFastCall:
		visitor(sp - offsetFunction)
		h.iterateStackMap(sp, typ, calleeRet, visitor, derivedVisitor)

	case FrameInterpretedEntry, FrameAsmInterpretedEntry, FrameAsmInterpretedBridge, FrameAsmBridge,
		FrameOptimizedEntry, FrameBaselineBuiltin, FrameBuiltinEntry:
		// Header-only frames hold no references.

	default:
		Fatalf("frame: cannot iterate unknown frame type %v at %d", typ, sp)
	}
}

// iterateStackMap reports the spill slots the stack map of the call site at
// calleeRet marks as live. Plain roots go to visitor once each; derived
// pairs go to derivedVisitor after every root of the frame was visited.
func (h *FrameHandler) iterateStackMap(sp Slot, typ FrameType, calleeRet uintptr,
	visitor RootVisitor, derivedVisitor DerivedVisitor) {
	if calleeRet == 0 {
		Fatalf("frame: %v frame at %d is not suspended at a call", typ, sp)
	}
	site, _, ok := h.thread.code.LookupCallSite(calleeRet)
	if !ok {
		Fatalf("frame: no stack map for return address %#x of %v frame at %d", calleeRet, typ, sp)
	}

	type derived struct {
		base, derived Slot
		baseOld       Value
	}
	var pending []derived
	roots := make([]Slot, 0, len(site.Pairs))
	for _, pair := range site.Pairs {
		base := h.resolveLocation(sp, site.StackSize, pair.Base)
		roots = append(roots, base)
		if !pair.IsRoot() {
			d := h.resolveLocation(sp, site.StackSize, pair.Derived)
			pending = append(pending, derived{base: base, derived: d, baseOld: h.stack.LoadValue(base)})
		}
	}
	visited := make(map[Slot]bool, len(roots))
	for _, base := range roots {
		if !visited[base] {
			visited[base] = true
			visitor(base)
		}
	}
	for _, d := range pending {
		derivedVisitor(d.base, d.derived, d.baseOld)
	}
}

// resolveLocation turns an Indirect stack-map location into a stack slot.
// The frame pointer of a compiled frame is its sp; the machine stack pointer
// sits stackSize bytes below it.
func (h *FrameHandler) resolveLocation(sp Slot, stackSize uint64, loc stackmap.Location) Slot {
	ind, ok := loc.(stackmap.Indirect)
	if !ok {
		Fatalf("frame: stack map location %v at frame %d is not a spill slot", loc, sp)
	}
	if ind.Offset%8 != 0 {
		Fatalf("frame: misaligned spill offset %d at frame %d", ind.Offset, sp)
	}
	var base int64
	switch ind.Reg {
	case stackmap.DwarfRegFP:
		base = int64(sp)
	case stackmap.DwarfRegSP:
		base = int64(sp) - int64(stackSize/8)
	default:
		Fatalf("frame: unsupported base register %d at frame %d", ind.Reg, sp)
	}
	slot := base + int64(ind.Offset/8)
	if slot <= 0 || slot >= int64(h.stack.Size()) {
		Fatalf("frame: spill slot %d out of stack at frame %d", slot, sp)
	}
	return Slot(slot)
}
