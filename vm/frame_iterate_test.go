package vm

import (
	"testing"

	"github.com/chazu/ecmavm/vm/stackmap"
)

// gcHarness relocates every heap reference reported through the visitors
// and records how often each slot was visited.
type gcHarness struct {
	t       *Thread
	visits  map[Slot]int
	ranges  [][2]Slot
	derived int
}

func newGCHarness(t *Thread) *gcHarness {
	return &gcHarness{t: t, visits: make(map[Slot]int)}
}

func (g *gcHarness) relocate(slot Slot) {
	g.visits[slot]++
	if v := g.t.Stack().LoadValue(slot); v.IsHeapObject() {
		g.t.Stack().StoreValue(slot, g.t.Heap().Relocate(v))
	}
}

func (g *gcHarness) run() {
	g.t.IterateRoots(
		g.relocate,
		func(start, end Slot) {
			g.ranges = append(g.ranges, [2]Slot{start, end})
			for s := start; s < end; s++ {
				g.relocate(s)
			}
		},
		func(base, derived Slot, baseOld Value) {
			g.derived++
			st := g.t.Stack()
			delta := st.Load(derived) - uint64(baseOld)
			st.Store(derived, st.Load(base)+delta)
		},
		func(v *Value) {
			if v.IsHeapObject() {
				*v = g.t.Heap().Relocate(*v)
			}
		},
	)
}

func TestIterateInterpretedFrameRoots(t *testing.T) {
	th := newTestThread(false)
	s := th.Stack()
	fn := th.NewFunction(testMethod("f", 1, 1))
	this := th.NewObject(th.Env().ObjectPrototype())
	arg := th.NewObject(th.Env().ObjectPrototype())

	entry := s.PushEntryFrame(FrameInterpretedEntry, 0, 0)
	sp := s.PushInterpretedFrame(FrameInterpreted, entry, fn, this, 1, []Value{arg})
	s.StoreValue(sp-offsetAcc, arg)
	th.SetCurrentFrame(sp)

	g := newGCHarness(th)
	g.run()

	if len(g.ranges) != 1 || g.ranges[0] != [2]Slot{sp, sp + 2} {
		t.Errorf("Expected body range [%d, %d), got %v", sp, sp+2, g.ranges)
	}
	for _, slot := range []Slot{sp - offsetFunction, sp - offsetThis, sp - offsetAcc, sp - offsetEnv, sp, sp + 1} {
		if g.visits[slot] != 1 {
			t.Errorf("Expected slot %d visited once, got %d", slot, g.visits[slot])
		}
	}
	newArg := s.LoadValue(sp + 1)
	if newArg == arg {
		t.Error("Expected argument slot rewritten after relocation")
	}
	if s.LoadValue(sp-offsetAcc) == arg {
		t.Error("Expected accumulator rewritten after relocation")
	}
	if th.Heap().HClassOf(newArg) != th.Heap().HClassOf(arg) {
		t.Error("Expected relocated argument to keep its hidden class")
	}
}

func TestIterateOptimizedFrameStackMap(t *testing.T) {
	th := newTestThread(false)
	s := th.Stack()
	fn := th.NewFunction(testMethod("opt", 0, 1))
	obj := th.NewObject(th.Env().ObjectPrototype())
	other := th.NewObject(th.Env().ObjectPrototype())

	typ := FrameOptimizedJSFunction
	spills := 4
	stackSize := uint64(8 * (FrameHeaderSize(typ) + spills))
	// Spill 4 is addressed off SP to exercise both base registers.
	sp4 := stackmap.Indirect{Reg: stackmap.DwarfRegSP, Size: 8, Offset: 0}
	ret := compiledCode(th, stackSize, []stackmap.DerivedPair{
		{Base: fpSpill(typ, 1), Derived: fpSpill(typ, 1)},
		{Base: fpSpill(typ, 1), Derived: fpSpill(typ, 2)},
		{Base: fpSpill(typ, 1), Derived: fpSpill(typ, 3)},
		{Base: sp4, Derived: sp4},
	})

	entry := s.PushEntryFrame(FrameInterpretedEntry, 0, 0)
	oe := s.PushOptimizedEntryFrame(entry, 0)
	sp := s.PushOptimizedJSFunctionFrame(oe, 0, fn, []Value{other}, spills)
	s.StoreValue(SpillSlot(typ, sp, 1), obj)
	s.Store(SpillSlot(typ, sp, 2), uint64(obj)+16)
	s.Store(SpillSlot(typ, sp, 3), uint64(obj)+24)
	s.StoreValue(SpillSlot(typ, sp, 4), other)
	leave := s.PushLeaveFrame(sp, uint64(ret), nil)
	th.SetCurrentFrame(leave)

	g := newGCHarness(th)
	g.run()

	base := SpillSlot(typ, sp, 1)
	if g.visits[base] != 1 {
		t.Errorf("Expected shared base visited once, got %d", g.visits[base])
	}
	if g.visits[SpillSlot(typ, sp, 2)] != 0 || g.visits[SpillSlot(typ, sp, 3)] != 0 {
		t.Error("Expected derived slots not reported as roots")
	}
	if g.visits[SpillSlot(typ, sp, 4)] != 1 {
		t.Errorf("Expected SP-relative spill visited once, got %d", g.visits[SpillSlot(typ, sp, 4)])
	}
	if g.derived != 2 {
		t.Errorf("Expected 2 derived pointers, got %d", g.derived)
	}
	newBase := s.LoadValue(base)
	if newBase == obj {
		t.Fatal("Expected base relocated")
	}
	if got := s.Load(SpillSlot(typ, sp, 2)); got != uint64(newBase)+16 {
		t.Errorf("Expected derived rebased to %#x, got %#x", uint64(newBase)+16, got)
	}
	if got := s.Load(SpillSlot(typ, sp, 3)); got != uint64(newBase)+24 {
		t.Errorf("Expected derived rebased to %#x, got %#x", uint64(newBase)+24, got)
	}
	if g.visits[sp-offsetFunction] != 1 || g.visits[sp] != 1 {
		t.Error("Expected function slot and argument visited once")
	}
}

func TestIterateOptimizedFrameWithoutStackMapIsFatal(t *testing.T) {
	th := newTestThread(false)
	s := th.Stack()
	entry := s.PushEntryFrame(FrameInterpretedEntry, 0, 0)
	sp := s.PushOptimizedFrame(entry, 0, 1)
	th.SetCurrentFrame(s.PushLeaveFrame(sp, 0xdead, nil))
	expectFatal(t, func() { newGCHarness(th).run() })
}

func TestIterateStartsAtLastLeaveFrameInAsmMode(t *testing.T) {
	th := newTestThread(true)
	s := th.Stack()
	obj := th.NewObject(th.Env().ObjectPrototype())
	entry := s.PushEntryFrame(FrameAsmInterpretedEntry, 0, 0)
	f := s.PushInterpretedFrame(FrameAsmInterpreted, entry, th.NewFunction(testMethod("f", 1, 0)), obj, 1, nil)
	leave := s.PushLeaveFrame(f, 0, []Value{obj})
	// A frame above the leave frame is not yet anchored and must be skipped.
	above := s.PushLeaveFrame(leave, 0, []Value{obj})
	th.SetLastLeaveFrame(leave)
	th.SetCurrentFrame(above)

	g := newGCHarness(th)
	g.run()
	if g.visits[above] != 0 {
		t.Error("Expected frame above last leave frame skipped")
	}
	if g.visits[leave] != 1 || g.visits[f-offsetThis] != 1 {
		t.Error("Expected leave frame argument and receiver visited")
	}
}

func TestIterateHandles(t *testing.T) {
	th := newTestThread(false)
	obj := th.NewObject(th.Env().ObjectPrototype())
	mark := th.OpenHandleScope()
	h := th.NewHandle(obj)

	newGCHarness(th).run()
	moved := th.Get(h)
	if moved == obj {
		t.Error("Expected handle to observe relocation")
	}
	if fw, ok := th.Heap().Forwarded(obj); !ok || fw != moved {
		t.Errorf("Expected forwarding %v, got %v (%v)", moved, fw, ok)
	}
	th.CloseHandleScope(mark)
	expectFatal(t, func() { th.Get(h) })
}

func TestStackTraceListsJSFrames(t *testing.T) {
	th := newTestThread(true)
	s := th.Stack()
	e := s.PushEntryFrame(FrameAsmInterpretedEntry, 0, 0)
	outer := s.PushInterpretedFrame(FrameAsmInterpreted, e, th.NewFunction(testMethod("outer", 0, 0)), Undefined, 0, nil)
	s.Store(outer-offsetPC, 4)
	inner := s.PushInterpretedFrame(FrameAsmInterpreted, outer, th.NewFunction(testMethod("inner", 0, 0)), Undefined, 0, nil)
	s.Store(inner-offsetPC, 2)
	th.SetCurrentFrame(s.PushLeaveFrame(inner, 0, nil))

	trace := th.StackTrace()
	if len(trace) != 2 {
		t.Fatalf("Expected 2 frames, got %v", trace)
	}
	if trace[0].Function != "inner" || trace[0].BytecodeOffset != 2 {
		t.Errorf("Expected inner@2, got %+v", trace[0])
	}
	if trace[1].Function != "outer" || trace[1].BytecodeOffset != 4 {
		t.Errorf("Expected outer@4, got %+v", trace[1])
	}
}

func TestInterpretedFrameOnOptimizedCallerIsFatal(t *testing.T) {
	th := newTestThread(false)
	s := th.Stack()
	fn := th.NewFunction(testMethod("f", 1, 0))
	entry := s.PushEntryFrame(FrameInterpretedEntry, 0, 0)
	oe := s.PushOptimizedEntryFrame(entry, 0)
	opt := s.PushOptimizedJSFunctionFrame(oe, 0, fn, nil, 1)

	th.SetCurrentFrame(s.PushInterpretedFrame(FrameInterpreted, opt, fn, Undefined, 1, nil))
	expectFatal(t, func() {
		th.IterateRoots(func(Slot) {}, func(Slot, Slot) {}, func(Slot, Slot, Value) {}, nil)
	})
}
