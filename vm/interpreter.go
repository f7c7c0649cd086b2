package vm

import (
	"encoding/binary"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// ThrowError: JS-level exceptions
// ---------------------------------------------------------------------------

// ThrowError carries a JS exception out of Execute. Contract violations are
// never reported this way; they go through Fatalf.
type ThrowError struct {
	Value   Value
	Message string
}

func (e *ThrowError) Error() string {
	return "uncaught " + e.Message
}

func (t *Thread) throwf(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return &ThrowError{Value: t.NewString(msg), Message: msg}
}

// ---------------------------------------------------------------------------
// Interpreter: Bytecode execution engine
// ---------------------------------------------------------------------------

// Interpreter executes bytecode on a thread's control stack. Every
// activation is a real frame on that stack, so the frame walker and the
// collector see exactly what the dispatch loop sees.
type Interpreter struct {
	thread *Thread
}

// NewInterpreter creates an interpreter for t.
func NewInterpreter(t *Thread) *Interpreter {
	return &Interpreter{thread: t}
}

// Thread returns the thread the interpreter runs on.
func (in *Interpreter) Thread() *Thread { return in.thread }

// activation caches the frame being executed.
type activation struct {
	sp   Slot
	fn   *JSFunction
	m    *Method
	argc int
}

func (in *Interpreter) entryFrameType() FrameType {
	if in.thread.IsAsmInterpreter() {
		return FrameAsmInterpretedEntry
	}
	return FrameInterpretedEntry
}

func (in *Interpreter) interpretedFrameType() FrameType {
	if in.thread.IsAsmInterpreter() {
		return FrameAsmInterpreted
	}
	return FrameInterpreted
}

// Execute calls callee with the given receiver and arguments. It may be
// re-entered from a builtin; each call starts a new frame chain segment
// rooted at an entry frame.
func (in *Interpreter) Execute(callee, this Value, args []Value) (Value, error) {
	t := in.thread
	fn := t.heap.Function(callee)
	if fn == nil {
		return Undefined, t.throwf("TypeError: %v is not a function", callee)
	}

	top := t.stack.Top()
	prevCurrent := t.currentFrame
	defer func() {
		t.stack.SetTop(top)
		t.currentFrame = prevCurrent
	}()

	if !t.stack.HasRoom(commonHeaderSize) {
		return Undefined, t.throwf("RangeError: Maximum call stack size exceeded")
	}
	entry := t.stack.PushEntryFrame(in.entryFrameType(), prevCurrent, 0)
	t.currentFrame = entry

	if fn.IsNative() {
		return in.callNative(entry, callee, fn, this, args)
	}
	return in.run(entry, callee, fn, this, args)
}

// pushFrame lays out an interpreted frame for fn above prev. Missing
// arguments are padded with undefined.
func (in *Interpreter) pushFrame(prev Slot, callee Value, fn *JSFunction, this Value, args []Value) (activation, error) {
	t := in.thread
	m := fn.Method
	argc := max(len(args), m.NumArgs)
	if !t.stack.HasRoom(m.NumVRegs + argc + interpretedHeaderSize) {
		return activation{}, t.throwf("RangeError: Maximum call stack size exceeded")
	}
	if argc > len(args) {
		padded := make([]Value, argc)
		copy(padded, args)
		for i := len(args); i < argc; i++ {
			padded[i] = Undefined
		}
		args = padded
	}
	sp := t.stack.PushInterpretedFrame(in.interpretedFrameType(), prev, callee, this, m.NumVRegs, args)
	t.currentFrame = sp
	in.enter(fn)
	return activation{sp: sp, fn: fn, m: m, argc: argc}, nil
}

// resume rebuilds the cached state of the interpreted frame at sp.
func (in *Interpreter) resume(sp Slot) activation {
	t := in.thread
	fn := t.heap.Function(t.stack.LoadValue(sp - offsetFunction))
	if fn == nil || fn.Method == nil {
		Fatalf("interpreter: frame at %d does not hold a bytecode function", sp)
	}
	return activation{sp: sp, fn: fn, m: fn.Method, argc: int(t.stack.Load(sp - offsetArgc))}
}

// enter runs the function-entry bookkeeping: a pending lazy deoptimization
// drops the installed code, and the call is charged to the hotness budget.
func (in *Interpreter) enter(fn *JSFunction) {
	t := in.thread
	if fn.IsMarkedForDeopt() {
		if old := fn.DropCode(); old != nil {
			t.code.Unregister(old)
		}
		t.profiler.Cool(fn.Method)
		t.tracer.FunctionDeoptimized(DeoptEvent{
			Function: fn.String(),
			Reason:   "lazy deoptimization on entry",
			Time:     time.Now(),
		})
	}
	t.profiler.Tick(t, fn, 1)
}

func (in *Interpreter) reg(a *activation, idx byte) Slot {
	if int(idx) >= a.m.NumVRegs+a.argc {
		Fatalf("interpreter: %s: register v%d out of range", a.m.Name, idx)
	}
	return a.sp + Slot(idx)
}

// saveState spills pc and acc into the frame so that walkers see them.
func (in *Interpreter) saveState(a *activation, pc int, acc Value) {
	in.thread.stack.Store(a.sp-offsetPC, uint64(pc))
	in.thread.stack.StoreValue(a.sp-offsetAcc, acc)
}

// safepoint polls for a pending safepoint. The accumulator is reloaded
// afterwards since the collector may have moved what it refers to.
func (in *Interpreter) safepoint(a *activation, pc int, acc Value) Value {
	t := in.thread
	if !t.SafepointRequested() {
		return acc
	}
	in.saveState(a, pc, acc)
	t.Safepoint()
	return t.stack.LoadValue(a.sp - offsetAcc)
}

func (in *Interpreter) run(entry Slot, callee Value, fn *JSFunction, this Value, args []Value) (Value, error) {
	t := in.thread
	st := t.stack

	cur, err := in.pushFrame(entry, callee, fn, this, args)
	if err != nil {
		return Undefined, err
	}
	pc := 0
	acc := Undefined

	for {
		code := cur.m.Bytecode
		if pc < 0 || pc >= len(code) {
			Fatalf("interpreter: %s: pc %d outside bytecode", cur.m.Name, pc)
		}
		op := Opcode(code[pc])
		if pc+op.Size() > len(code) {
			Fatalf("interpreter: %s: truncated %v at %d", cur.m.Name, op, pc)
		}
		next := pc + op.Size()

		switch op {
		case OpNop:

		case OpLdai:
			acc = FromInt(int64(int32(binary.LittleEndian.Uint32(code[pc+1:]))))

		case OpLdaUndefined:
			acc = Undefined

		case OpLda:
			acc = st.LoadValue(in.reg(&cur, code[pc+1]))

		case OpSta:
			st.StoreValue(in.reg(&cur, code[pc+1]), acc)

		case OpLdaStr:
			acc = t.NewString(in.name(&cur, binary.LittleEndian.Uint16(code[pc+1:])))

		case OpAdd2:
			acc = in.add(st.LoadValue(in.reg(&cur, code[pc+1])), acc)

		case OpSub2:
			acc = arith(st.LoadValue(in.reg(&cur, code[pc+1])), acc,
				func(a, b int64) int64 { return a - b },
				func(a, b float64) float64 { return a - b })

		case OpLess:
			lhs := st.LoadValue(in.reg(&cur, code[pc+1]))
			acc = FromBool(lhs.IsNumber() && acc.IsNumber() && lhs.Float64() < acc.Float64())

		case OpInc:
			acc = arith(acc, FromInt(1),
				func(a, b int64) int64 { return a + b },
				func(a, b float64) float64 { return a + b })

		case OpJmp, OpJeqz, OpJnez:
			off := int(int16(binary.LittleEndian.Uint16(code[pc+1:])))
			taken := op == OpJmp ||
				(op == OpJeqz && !acc.ToBoolean()) ||
				(op == OpJnez && acc.ToBoolean())
			if taken {
				next += off
				if off < 0 {
					t.profiler.Tick(t, cur.fn, 1)
					acc = in.safepoint(&cur, pc, acc)
				}
			}

		case OpLdObjByName:
			if acc.IsNullOrUndefined() {
				return Undefined, t.throwf("TypeError: cannot read property of %v", acc)
			}
			cache := cur.m.Cache(int(code[pc+1]))
			name := in.name(&cur, binary.LittleEndian.Uint16(code[pc+2:]))
			res := t.GetProperty(acc, name)
			if res.Receiver != nil {
				if _, hit := cache.Lookup(res.Receiver); !hit && res.Found {
					cache.Update(PropertyCacheEntry{Receiver: res.Receiver, Holder: res.Holder, Index: res.Index})
				}
			}
			acc = res.Value

		case OpStObjByName:
			cache := cur.m.Cache(int(code[pc+1]))
			name := in.name(&cur, binary.LittleEndian.Uint16(code[pc+2:]))
			obj := st.LoadValue(in.reg(&cur, code[pc+4]))
			hc, ok := t.SetProperty(obj, name, acc)
			if !ok {
				return Undefined, t.throwf("TypeError: cannot set property %q of %v", name, obj)
			}
			idx, _ := hc.Lookup(name)
			if _, hit := cache.Lookup(hc); !hit {
				cache.Update(PropertyCacheEntry{Receiver: hc, Holder: hc, Index: idx})
			}

		case OpTryLdGlobal:
			name := in.name(&cur, binary.LittleEndian.Uint16(code[pc+1:]))
			v, ok := t.env.Global(name)
			if !ok {
				return Undefined, t.throwf("ReferenceError: %s is not defined", name)
			}
			acc = v

		case OpGetIterator:
			if t.env.IsDetectorValid(ArrayIteratorDetector) {
				break
			}
			in.saveState(&cur, pc, acc)
			method := t.GetProperty(acc, "iterator").Value
			if t.heap.Function(method) == nil {
				return Undefined, t.throwf("TypeError: %v is not iterable", acc)
			}
			res, err := in.Execute(method, acc, nil)
			if err != nil {
				return Undefined, err
			}
			acc = res

		case OpCallArgs:
			acc = in.safepoint(&cur, pc, acc)
			argc, first := int(code[pc+1]), code[pc+2]
			calleeVal := acc
			calleeFn := t.heap.Function(calleeVal)
			if calleeFn == nil {
				return Undefined, t.throwf("TypeError: %v is not a function", calleeVal)
			}
			callArgs := make([]Value, argc)
			for i := range callArgs {
				callArgs[i] = st.LoadValue(in.reg(&cur, first+byte(i)))
			}
			in.saveState(&cur, pc, acc)

			if calleeFn.IsNative() {
				res, err := in.callNativeFrom(&cur, pc, calleeVal, calleeFn, callArgs)
				if err != nil {
					return Undefined, err
				}
				acc = res
				break
			}

			callee, err := in.pushFrame(cur.sp, calleeVal, calleeFn, Undefined, callArgs)
			if err != nil {
				return Undefined, err
			}
			cur = callee
			pc = 0
			acc = Undefined
			continue

		case OpReturn, OpReturnUndefined:
			if op == OpReturnUndefined {
				acc = Undefined
			}
			prev := st.PrevFrameAt(cur.sp)
			if prev == entry {
				return acc, nil
			}
			st.SetTop(prev - Slot(FrameHeaderSize(st.FrameTypeAt(prev))))
			t.currentFrame = prev
			cur = in.resume(prev)
			pc = int(st.PCAt(prev)) + OpCallArgs.Size()
			continue

		default:
			Fatalf("interpreter: %s: invalid opcode %#02x at %d", cur.m.Name, byte(op), pc)
		}
		pc = next
	}
}

func (in *Interpreter) name(a *activation, idx uint16) string {
	if int(idx) >= len(a.m.Names) {
		Fatalf("interpreter: %s: name index %d out of range", a.m.Name, idx)
	}
	return a.m.Names[idx]
}

// callNativeFrom calls a builtin from the interpreted frame a. When the
// method runs baseline code under the asm interpreter, the call goes
// through a baseline-builtin trampoline and the frame's pc becomes MaxPC
// for the duration of the call.
func (in *Interpreter) callNativeFrom(a *activation, pc int, callee Value, fn *JSFunction, args []Value) (Value, error) {
	t := in.thread
	st := t.stack
	caller := a.sp
	if t.IsAsmInterpreter() && a.m.Baseline != nil {
		ret, ok := a.m.Baseline.ReturnAddressFor(uint32(pc))
		if ok {
			top := st.Top()
			if !st.HasRoom(commonHeaderSize) {
				return Undefined, t.throwf("RangeError: Maximum call stack size exceeded")
			}
			caller = st.PushEntryFrame(FrameBaselineBuiltin, a.sp, uint64(ret))
			st.Store(a.sp-offsetPC, MaxPC)
			defer func() {
				st.SetTop(top)
				st.Store(a.sp-offsetPC, uint64(pc))
				t.currentFrame = a.sp
			}()
		}
	}
	return in.callNative(caller, callee, fn, Undefined, args)
}

// callNative runs a builtin inside a frame pushed above caller: a builtin
// frame under the asm interpreter, an interpreted-builtin frame otherwise.
func (in *Interpreter) callNative(caller Slot, callee Value, fn *JSFunction, this Value, args []Value) (Value, error) {
	t := in.thread
	st := t.stack
	top := st.Top()

	var sp Slot
	if t.IsAsmInterpreter() {
		if !st.HasRoom(FrameHeaderSize(FrameBuiltin) + builtinFixedArgs + len(args)) {
			return Undefined, t.throwf("RangeError: Maximum call stack size exceeded")
		}
		sp = st.PushBuiltinFrame(caller, 0, callee, Undefined, this, args)
	} else {
		if !st.HasRoom(FrameHeaderSize(FrameInterpretedBuiltin) + len(args)) {
			return Undefined, t.throwf("RangeError: Maximum call stack size exceeded")
		}
		sp = st.PushInterpretedBuiltinFrame(caller, callee, args)
	}
	t.currentFrame = sp
	defer func() {
		st.SetTop(top)
		t.currentFrame = caller
	}()
	return fn.Native(t, this, args)
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func (in *Interpreter) add(lhs, rhs Value) Value {
	t := in.thread
	ls, lok := t.StringValue(lhs)
	rs, rok := t.StringValue(rhs)
	if lok || rok {
		if !lok {
			ls = lhs.String()
		}
		if !rok {
			rs = rhs.String()
		}
		return t.NewString(ls + rs)
	}
	return arith(lhs, rhs,
		func(a, b int64) int64 { return a + b },
		func(a, b float64) float64 { return a + b })
}

func arith(lhs, rhs Value, ints func(a, b int64) int64, floats func(a, b float64) float64) Value {
	if lhs.IsInt() && rhs.IsInt() {
		return FromInt(ints(lhs.Int(), rhs.Int()))
	}
	if lhs.IsNumber() && rhs.IsNumber() {
		return FromFloat64(floats(lhs.Float64(), rhs.Float64()))
	}
	return NaN
}
