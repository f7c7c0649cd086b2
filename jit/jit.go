// Package jit compiles hot functions speculatively in the background,
// guarding each speculation with lazy deoptimization dependencies.
package jit

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/ecmavm/vm"
	"github.com/chazu/ecmavm/vm/deopt"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("ecmavm.jit")

// ---------------------------------------------------------------------------
// Compiler: background speculative compilation
// ---------------------------------------------------------------------------
//
// Hot functions reported by the profiler are snapshotted on the mutator and
// queued. A single worker goroutine plans speculations from the snapshot,
// collects the dependencies they rely on and emits code. Installation is
// posted back to the mutator, where the dependencies are committed under
// installMu and the code becomes visible to the frame walker.

// Options configures a Compiler.
type Options struct {
	// Enabled turns compilation on. When false hot functions are ignored.
	Enabled bool

	// QueueSize bounds the number of pending jobs. Hot functions reported
	// while the queue is full are dropped and may become hot again later.
	QueueSize int

	// LogCompilation logs every compiled function at info level.
	LogCompilation bool
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() Options {
	return Options{Enabled: true, QueueSize: 64}
}

// Compiler manages speculative compilation for one thread.
type Compiler struct {
	thread  *vm.Thread
	options Options

	pending  chan *job
	done     chan struct{}
	stopOnce sync.Once
	worker   sync.WaitGroup

	// installMu serializes dependency commit with code installation.
	installMu sync.Mutex

	mu        sync.Mutex
	compiling map[*vm.Method]bool

	queued          atomic.Int64
	dropped         atomic.Int64
	compiled        atomic.Int64
	aborted         atomic.Int64
	compilationTime atomic.Int64 // nanoseconds
}

// job is the mutator-side snapshot of everything the worker may read
// about one hot function.
type job struct {
	fn       *vm.JSFunction
	method   *vm.Method
	feedback []vm.PropertyCache
	// globals maps the names read by TryLdGlobal to the detector of the
	// builtin each one currently resolves to.
	globals map[string]vm.DetectorID
}

// NewCompiler creates a compiler for thread, hooks it to the thread's
// profiler and starts the worker.
func NewCompiler(thread *vm.Thread, options Options) *Compiler {
	if options.QueueSize <= 0 {
		options.QueueSize = DefaultOptions().QueueSize
	}
	c := &Compiler{
		thread:    thread,
		options:   options,
		pending:   make(chan *job, options.QueueSize),
		done:      make(chan struct{}),
		compiling: make(map[*vm.Method]bool),
	}
	thread.Profiler().OnHot = c.onHot
	c.worker.Add(1)
	go c.compilationWorker()
	return c
}

// Options returns the compiler's options.
func (c *Compiler) Options() Options { return c.options }

// onHot runs on the mutator when a function runs out of hotness budget.
func (c *Compiler) onHot(t *vm.Thread, fn *vm.JSFunction) {
	if !c.options.Enabled || fn.IsNative() || fn.HasCode() {
		return
	}
	c.queue(c.snapshot(t, fn))
}

func (c *Compiler) queue(j *job) {
	c.mu.Lock()
	if c.compiling[j.method] {
		c.mu.Unlock()
		return
	}
	c.compiling[j.method] = true
	c.mu.Unlock()

	select {
	case c.pending <- j:
		c.queued.Add(1)
	default:
		// Queue full; the function may become hot again after cooling.
		c.dropped.Add(1)
		c.finish(j)
		c.thread.Profiler().Cool(j.method)
		log.Debugf("queue full, dropped %s", j.fn)
	}
}

// finish releases j's in-flight claim.
func (c *Compiler) finish(j *job) {
	c.mu.Lock()
	delete(c.compiling, j.method)
	c.mu.Unlock()
}

// snapshot copies the feedback and global bindings j needs. It must run on
// the mutator since neither is safe to read concurrently.
func (c *Compiler) snapshot(t *vm.Thread, fn *vm.JSFunction) *job {
	m := fn.Method
	j := &job{
		fn:       fn,
		method:   m,
		feedback: m.Feedback(),
		globals:  make(map[string]vm.DetectorID),
	}
	code := m.Bytecode
	for pc := 0; pc < len(code); pc += vm.Opcode(code[pc]).Size() {
		if vm.Opcode(code[pc]) != vm.OpTryLdGlobal || pc+3 > len(code) {
			continue
		}
		idx := int(binary.LittleEndian.Uint16(code[pc+1:]))
		if idx >= len(m.Names) {
			continue
		}
		name := m.Names[idx]
		v, ok := t.Env().Global(name)
		if !ok {
			continue
		}
		if g := t.Heap().Function(v); g != nil && g.Detector.Valid() {
			j.globals[name] = g.Detector
		}
	}
	return j
}

// compilationWorker processes queued jobs until Stop.
func (c *Compiler) compilationWorker() {
	defer c.worker.Done()
	for {
		select {
		case j := <-c.pending:
			c.compileInBackground(j)
		case <-c.done:
			return
		}
	}
}

func (c *Compiler) compileInBackground(j *job) {
	start := time.Now()
	result, ok := c.compile(j)
	c.compilationTime.Add(int64(time.Since(start)))
	if !ok {
		c.thread.PostTask(func(t *vm.Thread) {
			defer c.finish(j)
			t.Profiler().Cool(j.method)
		})
		return
	}
	c.thread.PostTask(func(t *vm.Thread) {
		defer c.finish(j)
		c.install(t, result)
	})
}

// Result is a compiled function waiting to be installed.
type Result struct {
	Function *vm.JSFunction
	Plan     *Plan
	Code     *vm.MachineCode
	Baseline *vm.BaselineCode
}

// compile plans speculations and emits code for j. It may run off the
// mutator. A false result means the function cannot be compiled now.
func (c *Compiler) compile(j *job) (*Result, bool) {
	plan, ok := planFor(c.thread, j)
	if !ok {
		c.aborted.Add(1)
		log.Debugf("abandoned %s: hot reload in progress", j.fn)
		return nil, false
	}
	code, baseline := emit(c.thread, j, plan)
	return &Result{Function: j.fn, Plan: plan, Code: code, Baseline: baseline}, true
}

// install commits r's dependencies and publishes its code. Runs on the
// mutator. Returns false and discards the dependencies when one of them
// was broken after planning.
func (c *Compiler) install(t *vm.Thread, r *Result) bool {
	c.installMu.Lock()
	defer c.installMu.Unlock()

	fn := r.Function
	// DropCode clears the lazy-deopt registration, so it must run before Commit.
	if old := fn.DropCode(); old != nil {
		t.CodeSpace().Unregister(old)
	}
	if !deopt.Commit(r.Plan.Deps, t, fn) {
		r.Plan.Deps.Discard()
		c.aborted.Add(1)
		t.Profiler().Cool(fn.Method)
		log.Infof("speculation on %s invalidated before install, discarded", fn)
		return false
	}
	t.CodeSpace().Register(r.Code)
	fn.InstallCode(r.Code)
	fn.Method.Baseline = r.Baseline
	c.compiled.Add(1)
	if c.options.LogCompilation {
		log.Infof("compiled %s at %#x: %d bytes, %d/%d sites speculated, %d dependencies",
			fn, r.Code.Entry, len(r.Code.Code), r.Plan.NumSpeculated(), len(r.Plan.Sites), r.Plan.Deps.Len())
	}
	return true
}

// CompileSync snapshots, compiles and installs fn on the calling goroutine,
// which must be the mutator. Returns whether code was installed.
func (c *Compiler) CompileSync(fn *vm.JSFunction) bool {
	if fn.IsNative() {
		return false
	}
	r, ok := c.compile(c.snapshot(c.thread, fn))
	if !ok {
		c.thread.Profiler().Cool(fn.Method)
		return false
	}
	return c.install(c.thread, r)
}

// Flush waits for the worker to finish every queued job and runs the
// resulting install tasks on the calling goroutine, which must be the
// mutator. It must not be called after Stop.
func (c *Compiler) Flush() {
	for {
		c.mu.Lock()
		n := len(c.compiling)
		c.mu.Unlock()
		if n == 0 {
			return
		}
		if c.thread.RunPendingTasks() == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

// Stop shuts down the worker. Jobs still queued are abandoned.
func (c *Compiler) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.worker.Wait()
	})
}

// Stats holds compilation statistics.
type Stats struct {
	Queued          int64
	Dropped         int64
	Compiled        int64
	Aborted         int64
	CompilationTime time.Duration
	QueueLength     int
}

// Stats returns compilation statistics.
func (c *Compiler) Stats() Stats {
	return Stats{
		Queued:          c.queued.Load(),
		Dropped:         c.dropped.Load(),
		Compiled:        c.compiled.Load(),
		Aborted:         c.aborted.Load(),
		CompilationTime: time.Duration(c.compilationTime.Load()),
		QueueLength:     len(c.pending),
	}
}
