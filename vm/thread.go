package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// Options configures a Thread.
type Options struct {
	// AsmInterpreter selects the threaded-dispatch frame shapes (asm
	// interpreted frames, leave frames at runtime boundaries) instead of
	// plain interpreted frames.
	AsmInterpreter bool

	// EnableLazyDeopt gates dependency registration. When false, commits
	// succeed without registering anything.
	EnableLazyDeopt bool

	// StackWords is the size of the control stack in 64-bit words.
	StackWords int

	// HotnessThreshold is the per-method budget of calls and back edges
	// before a tier-up request is raised.
	HotnessThreshold int32
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() Options {
	return Options{
		AsmInterpreter:   true,
		EnableLazyDeopt:  true,
		StackWords:       1 << 16,
		HotnessThreshold: 100,
	}
}

// HotReloadStage tracks the progress of a live patch.
type HotReloadStage uint32

const (
	HotReloadNone HotReloadStage = iota
	HotReloadBeginExecutePatchMain
	HotReloadLoadEndExecutePatchMain
)

// Thread is one JS thread context: its control stack, heap, realm, code
// space and the bookkeeping the frame walker and dependency tracker read.
type Thread struct {
	options Options

	heap     *Heap
	env      *GlobalEnv
	stack    *Stack
	code     *CodeSpace
	profiler *Profiler

	currentFrame   Slot
	lastLeaveFrame Slot

	dependentInfo *DependentInfo
	handles       []Value

	hotReloadStage atomic.Uint32
	patchEpoch     atomic.Uint64

	safepointRequested atomic.Bool
	safepointHandler   func(*Thread)

	tasksMu sync.Mutex
	tasks   []func(*Thread)

	tracer Tracer
}

// NewThread creates a thread with a fresh heap and realm.
func NewThread(opts Options) *Thread {
	def := DefaultOptions()
	if opts.StackWords <= 0 {
		opts.StackWords = def.StackWords
	}
	if opts.HotnessThreshold <= 0 {
		opts.HotnessThreshold = def.HotnessThreshold
	}
	heap := NewHeap()
	t := &Thread{
		options: opts,
		heap:    heap,
		env:     newGlobalEnv(heap),
		stack:   NewStack(opts.StackWords),
		code:    NewCodeSpace(),
		tracer:  logTracer{},
	}
	t.profiler = NewProfiler(opts.HotnessThreshold)
	return t
}

func (t *Thread) Options() Options       { return t.options }
func (t *Thread) Heap() *Heap            { return t.heap }
func (t *Thread) Env() *GlobalEnv        { return t.env }
func (t *Thread) Stack() *Stack          { return t.stack }
func (t *Thread) CodeSpace() *CodeSpace  { return t.code }
func (t *Thread) Profiler() *Profiler    { return t.profiler }
func (t *Thread) IsAsmInterpreter() bool { return t.options.AsmInterpreter }

// CurrentFrame returns the sp of the innermost frame, or 0 when idle.
func (t *Thread) CurrentFrame() Slot { return t.currentFrame }

// SetCurrentFrame records the innermost frame.
func (t *Thread) SetCurrentFrame(sp Slot) { t.currentFrame = sp }

// LastLeaveFrame returns the sp of the most recent leave frame, or 0.
func (t *Thread) LastLeaveFrame() Slot { return t.lastLeaveFrame }

// SetLastLeaveFrame records the most recent leave frame.
func (t *Thread) SetLastLeaveFrame(sp Slot) { t.lastLeaveFrame = sp }

// SetTracer replaces the telemetry sink. A nil tracer restores the default.
func (t *Thread) SetTracer(tr Tracer) {
	if tr == nil {
		tr = logTracer{}
	}
	t.tracer = tr
}

// Tracer returns the telemetry sink.
func (t *Thread) Tracer() Tracer { return t.tracer }

// ---------------------------------------------------------------------------
// Thread-wide dependencies and hot reload
// ---------------------------------------------------------------------------

// DependentInfo returns the thread-wide dependent list, or nil.
func (t *Thread) DependentInfo() *DependentInfo { return t.dependentInfo }

// GetOrCreateDependentInfo returns the thread-wide dependent list.
func (t *Thread) GetOrCreateDependentInfo() *DependentInfo {
	if t.dependentInfo == nil {
		t.dependentInfo = NewDependentInfo()
	}
	return t.dependentInfo
}

// HotReloadStage returns the current live-patch stage.
func (t *Thread) HotReloadStage() HotReloadStage {
	return HotReloadStage(t.hotReloadStage.Load())
}

// PatchEpoch counts live patches applied to this thread.
func (t *Thread) PatchEpoch() uint64 { return t.patchEpoch.Load() }

// BeginHotReload enters the patch-main stage.
func (t *Thread) BeginHotReload() {
	t.hotReloadStage.Store(uint32(HotReloadBeginExecutePatchMain))
}

// ApplyHotReloadPatch records that a patch main has executed and
// deoptimizes every function that assumed no patch would be applied.
func (t *Thread) ApplyHotReloadPatch() []*JSFunction {
	t.hotReloadStage.Store(uint32(HotReloadLoadEndExecutePatchMain))
	t.patchEpoch.Add(1)
	marked := t.dependentInfo.DeoptimizeGroups(StateHotReloadPatchMain)
	for _, fn := range marked {
		t.traceDeopt(fn, StateHotReloadPatchMain, "hot reload patch applied")
	}
	return marked
}

// FinishHotReload returns to the normal stage.
func (t *Thread) FinishHotReload() {
	t.hotReloadStage.Store(uint32(HotReloadNone))
}

// InvalidateDetector breaks a detector and traces the functions it
// deoptimized.
func (t *Thread) InvalidateDetector(id DetectorID) []*JSFunction {
	marked := t.env.InvalidateDetector(id)
	for _, fn := range marked {
		t.traceDeopt(fn, StateDetectorCheck, "detector "+id.String()+" invalidated")
	}
	return marked
}

func (t *Thread) traceDeopt(fn *JSFunction, states DependentState, reason string) {
	t.tracer.FunctionDeoptimized(DeoptEvent{
		Function: fn.String(),
		States:   states,
		Reason:   reason,
		Time:     time.Now(),
	})
}

// ---------------------------------------------------------------------------
// Safepoints
// ---------------------------------------------------------------------------

// SetSafepointHandler installs the callback run when the mutator reaches a
// requested safepoint, typically a GC root scan.
func (t *Thread) SetSafepointHandler(h func(*Thread)) { t.safepointHandler = h }

// RequestSafepoint asks the mutator to stop at its next safepoint check.
// Safe to call from any goroutine.
func (t *Thread) RequestSafepoint() { t.safepointRequested.Store(true) }

// SafepointRequested reports whether a safepoint is pending.
func (t *Thread) SafepointRequested() bool { return t.safepointRequested.Load() }

// PostTask queues fn to run on the mutator at its next safepoint. Used by
// background compilation to install code under the mutator's exclusion.
func (t *Thread) PostTask(fn func(*Thread)) {
	t.tasksMu.Lock()
	t.tasks = append(t.tasks, fn)
	t.tasksMu.Unlock()
	t.RequestSafepoint()
}

// RunPendingTasks drains the task queue on the calling (mutator) goroutine.
func (t *Thread) RunPendingTasks() int {
	t.tasksMu.Lock()
	tasks := t.tasks
	t.tasks = nil
	t.tasksMu.Unlock()
	for _, fn := range tasks {
		fn(t)
	}
	return len(tasks)
}

// Safepoint runs the pending safepoint work if any was requested. In asm
// mode a leave frame is pushed first so the root scan is anchored at the
// runtime boundary, as it would be for a call out of compiled code.
func (t *Thread) Safepoint() {
	if !t.safepointRequested.Swap(false) {
		return
	}
	if t.options.AsmInterpreter && t.currentFrame != 0 {
		prevLeave := t.lastLeaveFrame
		prevCurrent := t.currentFrame
		top := t.stack.Top()
		sp := t.stack.PushFrame(FrameLeave, 0, prevCurrent, 0, 0)
		t.lastLeaveFrame = sp
		t.currentFrame = sp
		defer func() {
			t.stack.SetTop(top)
			t.currentFrame = prevCurrent
			t.lastLeaveFrame = prevLeave
		}()
	}
	t.RunPendingTasks()
	if t.safepointHandler != nil {
		t.safepointHandler(t)
	}
}
