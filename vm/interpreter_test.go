package vm

import (
	"errors"
	"strings"
	"testing"
)

// sumLoop builds: sum = 0; for (i = 0; i < n; i++) sum += i; return sum
// with n passed as the only argument (v2).
func sumLoop() *Method {
	b := NewBytecodeBuilder()
	b.EmitLdai(0)
	b.EmitReg(OpSta, 0)
	b.EmitReg(OpSta, 1)
	loop := b.NewLabel()
	end := b.NewLabel()
	b.Mark(loop)
	b.EmitReg(OpLda, 2)
	b.EmitReg(OpLess, 0)
	b.EmitJump(OpJeqz, end)
	b.EmitReg(OpLda, 1)
	b.EmitReg(OpAdd2, 0)
	b.EmitReg(OpSta, 1)
	b.EmitReg(OpLda, 0)
	b.Emit(OpInc)
	b.EmitReg(OpSta, 0)
	b.EmitJump(OpJmp, loop)
	b.Mark(end)
	b.EmitReg(OpLda, 1)
	b.Emit(OpReturn)
	return b.Method("sumLoop", 2, 1)
}

func runMethod(t *testing.T, th *Thread, m *Method, args ...Value) (Value, error) {
	t.Helper()
	return NewInterpreter(th).Execute(th.NewFunction(m), Undefined, args)
}

func TestInterpreterLoop(t *testing.T) {
	for _, asm := range []bool{false, true} {
		th := newTestThread(asm)
		got, err := runMethod(t, th, sumLoop(), FromInt(10))
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if got != FromInt(45) {
			t.Errorf("Expected 45 (asm=%v), got %v", asm, got)
		}
		if th.Stack().Top() != Slot(th.Stack().Size()) {
			t.Errorf("Expected stack unwound, top at %d", th.Stack().Top())
		}
		if th.CurrentFrame() != 0 {
			t.Errorf("Expected no current frame, got %d", th.CurrentFrame())
		}
	}
}

func TestInterpreterLoopFalseCondition(t *testing.T) {
	th := newTestThread(false)
	got, err := runMethod(t, th, sumLoop(), Undefined)
	if err != nil || got != FromInt(0) {
		t.Errorf("Expected 0 when the bound is not a number, got %v (%v)", got, err)
	}
}

func TestInterpreterCallsBytecodeFunction(t *testing.T) {
	th := newTestThread(true)

	add := NewBytecodeBuilder()
	add.EmitReg(OpLda, 1)
	add.EmitReg(OpAdd2, 0)
	add.Emit(OpReturn)
	th.Env().SetGlobal("add", th.NewFunction(add.Method("add", 0, 2)))

	main := NewBytecodeBuilder()
	main.EmitLdai(2)
	main.EmitReg(OpSta, 0)
	main.EmitLdai(3)
	main.EmitReg(OpSta, 1)
	main.EmitName(OpTryLdGlobal, "add")
	main.EmitCallArgs(2, 0)
	main.EmitReg(OpSub2, 0)
	main.Emit(OpReturn)

	got, err := runMethod(t, th, main.Method("main", 2, 0))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	// v0 - (2 + 3)
	if got != FromInt(-3) {
		t.Errorf("Expected -3, got %v", got)
	}
}

func TestInterpreterMissingArgumentsAreUndefined(t *testing.T) {
	th := newTestThread(false)
	b := NewBytecodeBuilder()
	b.EmitReg(OpLda, 1)
	b.Emit(OpReturn)
	got, err := runMethod(t, th, b.Method("second", 0, 2), FromInt(1))
	if err != nil || got != Undefined {
		t.Errorf("Expected undefined, got %v (%v)", got, err)
	}
}

func TestInterpreterNativeCallSeesFrames(t *testing.T) {
	for _, asm := range []bool{false, true} {
		th := newTestThread(asm)
		var trace []StackFrame
		var builtinType FrameType
		th.Env().SetGlobal("double", th.NewNativeFunction("double", func(t *Thread, this Value, args []Value) (Value, error) {
			trace = t.StackTrace()
			builtinType = t.Stack().FrameTypeAt(t.CurrentFrame())
			return FromInt(args[0].Int() * 2), nil
		}))

		b := NewBytecodeBuilder()
		b.EmitLdai(21)
		b.EmitReg(OpSta, 0)
		b.EmitName(OpTryLdGlobal, "double")
		callAt := b.Len()
		b.EmitCallArgs(1, 0)
		b.Emit(OpReturn)

		got, err := runMethod(t, th, b.Method("caller", 1, 0))
		if err != nil || got != FromInt(42) {
			t.Fatalf("Expected 42, got %v (%v)", got, err)
		}
		wantType := FrameInterpretedBuiltin
		if asm {
			wantType = FrameBuiltin
		}
		if builtinType != wantType {
			t.Errorf("Expected builtin to run in %v frame, got %v", wantType, builtinType)
		}
		var callers []StackFrame
		for _, f := range trace {
			if f.Function == "caller" {
				callers = append(callers, f)
			}
		}
		if len(callers) != 1 || callers[0].BytecodeOffset != uint32(callAt) {
			t.Errorf("Expected caller suspended at %d, got %+v", callAt, trace)
		}
	}
}

func TestInterpreterNativeCallThroughBaseline(t *testing.T) {
	th := newTestThread(true)
	var offset uint32
	th.Env().SetGlobal("probe", th.NewNativeFunction("probe", func(t *Thread, this Value, args []Value) (Value, error) {
		offset = t.StackTrace()[0].BytecodeOffset
		return True, nil
	}))

	b := NewBytecodeBuilder()
	b.EmitName(OpTryLdGlobal, "probe")
	callAt := b.Len()
	b.EmitCallArgs(0, 0)
	b.Emit(OpReturn)
	m := b.Method("baseline", 0, 0)
	m.Baseline = NewBaselineCode(0x7000, []BaselineEntry{
		{NativeOffset: 0, BytecodeOffset: 0},
		{NativeOffset: 0x20, BytecodeOffset: uint32(callAt)},
		{NativeOffset: 0x40, BytecodeOffset: uint32(b.Len() - 1)},
	})

	if got, err := runMethod(t, th, m); err != nil || got != True {
		t.Fatalf("Expected true, got %v (%v)", got, err)
	}
	if offset != uint32(callAt) {
		t.Errorf("Expected baseline frame at offset %d, got %d", callAt, offset)
	}
}

func TestInterpreterThrows(t *testing.T) {
	th := newTestThread(false)

	notFn := NewBytecodeBuilder()
	notFn.EmitLdai(1)
	notFn.EmitCallArgs(0, 0)
	notFn.Emit(OpReturn)

	missing := NewBytecodeBuilder()
	missing.EmitName(OpTryLdGlobal, "nope")
	missing.Emit(OpReturn)

	undefProp := NewBytecodeBuilder()
	undefProp.Emit(OpLdaUndefined)
	undefProp.EmitLdObjByName("x")
	undefProp.Emit(OpReturn)

	tests := []struct {
		m    *Method
		want string
	}{
		{notFn.Method("notFn", 0, 0), "TypeError"},
		{missing.Method("missing", 0, 0), "ReferenceError: nope"},
		{undefProp.Method("undefProp", 0, 0), "TypeError: cannot read property"},
	}
	for _, tt := range tests {
		_, err := runMethod(t, th, tt.m)
		var thrown *ThrowError
		if !errors.As(err, &thrown) {
			t.Errorf("%s: expected *ThrowError, got %v", tt.m.Name, err)
			continue
		}
		if !strings.Contains(thrown.Message, tt.want) {
			t.Errorf("%s: expected message containing %q, got %q", tt.m.Name, tt.want, thrown.Message)
		}
		if s, ok := th.StringValue(thrown.Value); !ok || s != thrown.Message {
			t.Errorf("%s: expected thrown value to carry the message", tt.m.Name)
		}
	}

	if _, err := NewInterpreter(th).Execute(FromInt(3), Undefined, nil); err == nil {
		t.Error("Expected calling a number to throw")
	}
}

func TestInterpreterStackOverflow(t *testing.T) {
	opts := DefaultOptions()
	opts.StackWords = 256
	th := NewThread(opts)

	b := NewBytecodeBuilder()
	b.EmitName(OpTryLdGlobal, "recurse")
	b.EmitCallArgs(0, 0)
	b.Emit(OpReturn)
	fn := th.NewFunction(b.Method("recurse", 0, 0))
	th.Env().SetGlobal("recurse", fn)

	_, err := NewInterpreter(th).Execute(fn, Undefined, nil)
	var thrown *ThrowError
	if !errors.As(err, &thrown) || !strings.Contains(thrown.Message, "RangeError") {
		t.Fatalf("Expected RangeError, got %v", err)
	}
	if th.Stack().Top() != Slot(th.Stack().Size()) {
		t.Errorf("Expected stack unwound after overflow, top at %d", th.Stack().Top())
	}
}

func TestInterpreterInvalidOpcodeIsFatal(t *testing.T) {
	th := newTestThread(false)
	m := NewMethod("bad", []byte{0xEE}, 0, 0, 0)
	expectFatal(t, func() { runMethod(t, th, m) })
}

func TestInterpreterPropertyFeedback(t *testing.T) {
	th := newTestThread(false)
	proto := th.NewObject(th.Env().ObjectPrototype())
	th.SetProperty(proto, "x", FromInt(5))
	a := th.NewObject(proto)
	bObj := th.NewObject(th.Env().ObjectPrototype())
	th.SetProperty(bObj, "x", FromInt(6))

	b := NewBytecodeBuilder()
	b.EmitReg(OpLda, 0)
	b.EmitLdObjByName("x")
	b.Emit(OpReturn)
	m := b.Method("getX", 0, 1)
	fn := th.NewFunction(m)
	in := NewInterpreter(th)

	if got, _ := in.Execute(fn, Undefined, []Value{a}); got != FromInt(5) {
		t.Errorf("Expected inherited 5, got %v", got)
	}
	entry, ok := m.Cache(0).Monomorphic()
	if !ok {
		t.Fatalf("Expected monomorphic feedback, got %v", m.Cache(0).State)
	}
	if entry.Receiver != th.Heap().HClassOf(a) || entry.Holder != th.Heap().HClassOf(proto) {
		t.Error("Expected receiver and holder recorded")
	}
	if got, _ := in.Execute(fn, Undefined, []Value{bObj}); got != FromInt(6) {
		t.Errorf("Expected own 6, got %v", got)
	}
	if m.Cache(0).State != CachePolymorphic {
		t.Errorf("Expected polymorphic feedback, got %v", m.Cache(0).State)
	}
}

func TestInterpreterStoreTransitions(t *testing.T) {
	th := newTestThread(false)
	obj := th.NewObject(th.Env().ObjectPrototype())
	before := th.Heap().HClassOf(obj)

	b := NewBytecodeBuilder()
	b.EmitLdai(9)
	b.EmitStObjByName(0, "y")
	b.EmitReg(OpLda, 0)
	b.EmitLdObjByName("y")
	b.Emit(OpReturn)
	m := b.Method("setY", 0, 1)

	got, err := runMethod(t, th, m, obj)
	if err != nil || got != FromInt(9) {
		t.Fatalf("Expected 9, got %v (%v)", got, err)
	}
	if before.IsStable() {
		t.Error("Expected the old layout to be unstable after the store")
	}
	if e, ok := m.Cache(0).Monomorphic(); !ok || e.Receiver != th.Heap().HClassOf(obj) {
		t.Error("Expected store site feedback on the new layout")
	}
}

func TestInterpreterStringConcat(t *testing.T) {
	th := newTestThread(false)
	b := NewBytecodeBuilder()
	b.EmitName(OpLdaStr, "n=")
	b.EmitReg(OpSta, 0)
	b.EmitLdai(4)
	b.EmitReg(OpAdd2, 0)
	b.Emit(OpReturn)
	got, err := runMethod(t, th, b.Method("concat", 1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := th.StringValue(got); s != "n=4" {
		t.Errorf("Expected \"n=4\", got %q", s)
	}
}

func TestInterpreterGetIterator(t *testing.T) {
	th := newTestThread(false)
	obj := th.NewObject(th.Env().ObjectPrototype())
	th.SetProperty(obj, "iterator", th.NewNativeFunction("iterator", func(t *Thread, this Value, args []Value) (Value, error) {
		return FromInt(42), nil
	}))

	b := NewBytecodeBuilder()
	b.EmitReg(OpLda, 0)
	b.Emit(OpGetIterator)
	b.Emit(OpReturn)
	m := b.Method("iter", 0, 1)

	if got, _ := runMethod(t, th, m, obj); got != obj {
		t.Errorf("Expected fast path to return the receiver, got %v", got)
	}
	th.InvalidateDetector(ArrayIteratorDetector)
	if got, _ := runMethod(t, th, m, obj); got != FromInt(42) {
		t.Errorf("Expected iterator method result, got %v", got)
	}
	if _, err := runMethod(t, th, m, FromInt(1)); err == nil {
		t.Error("Expected non-iterable to throw")
	}
}

func TestInterpreterHotnessTriggersOnHot(t *testing.T) {
	opts := DefaultOptions()
	opts.HotnessThreshold = 5
	th := NewThread(opts)
	var hot []string
	th.Profiler().OnHot = func(t *Thread, fn *JSFunction) { hot = append(hot, fn.Name) }

	if _, err := runMethod(t, th, sumLoop(), FromInt(20)); err != nil {
		t.Fatal(err)
	}
	if len(hot) != 1 || hot[0] != "sumLoop" {
		t.Errorf("Expected sumLoop reported hot once, got %v", hot)
	}
}

func TestInterpreterLazyDeoptOnEntry(t *testing.T) {
	th := newTestThread(false)
	m := sumLoop()
	fnVal := th.NewFunction(m)
	fn := th.Heap().Function(fnVal)
	fn.InstallCode(&MachineCode{Function: fn})
	fn.MarkForDeopt()

	if _, err := NewInterpreter(th).Execute(fnVal, Undefined, []Value{FromInt(3)}); err != nil {
		t.Fatal(err)
	}
	if fn.HasCode() || fn.DeoptCount() != 1 {
		t.Errorf("Expected code dropped on entry, has=%v count=%d", fn.HasCode(), fn.DeoptCount())
	}
}

func TestInterpreterSafepointAnchorsLeaveFrame(t *testing.T) {
	th := newTestThread(true)
	obj := th.NewObject(th.Env().ObjectPrototype())
	th.SetProperty(obj, "v", FromInt(11))
	h := th.NewHandle(obj)

	var leaveType, prevType FrameType
	relocations := 0
	th.SetSafepointHandler(func(t *Thread) {
		leave := t.LastLeaveFrame()
		leaveType = t.Stack().FrameTypeAt(leave)
		prevType = t.Stack().FrameTypeAt(t.Stack().PrevFrameAt(leave))
		g := newGCHarness(t)
		g.run()
		relocations = len(g.visits)
	})

	b := NewBytecodeBuilder()
	b.EmitLdai(0)
	b.EmitReg(OpSta, 0)
	loop := b.NewLabel()
	b.Mark(loop)
	b.EmitReg(OpLda, 0)
	b.Emit(OpInc)
	b.EmitReg(OpSta, 0)
	b.EmitLdai(3)
	b.EmitReg(OpLess, 0)
	b.EmitJump(OpJnez, loop)
	b.EmitReg(OpLda, 1)
	b.EmitLdObjByName("v")
	b.Emit(OpReturn)

	th.RequestSafepoint()
	got, err := runMethod(t, th, b.Method("gc", 1, 1), th.Get(h))
	if err != nil || got != FromInt(11) {
		t.Fatalf("Expected 11, got %v (%v)", got, err)
	}
	if leaveType != FrameLeave || prevType != FrameAsmInterpreted {
		t.Errorf("Expected leave frame above the asm frame, got %v above %v", leaveType, prevType)
	}
	if relocations == 0 {
		t.Error("Expected the collector to visit stack roots")
	}
	if th.Get(h) == obj {
		t.Error("Expected the handle to follow the relocated object")
	}
	if th.LastLeaveFrame() != 0 {
		t.Errorf("Expected leave frame popped, got %d", th.LastLeaveFrame())
	}
}

func TestPostTaskRunsAtSafepoint(t *testing.T) {
	th := newTestThread(false)
	ran := 0
	th.PostTask(func(*Thread) { ran++ })
	if !th.SafepointRequested() {
		t.Fatal("Expected PostTask to request a safepoint")
	}
	if _, err := runMethod(t, th, sumLoop(), FromInt(2)); err != nil {
		t.Fatal(err)
	}
	if ran != 1 {
		t.Errorf("Expected task to run once, ran %d", ran)
	}
}
