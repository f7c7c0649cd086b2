package deopt

import (
	"testing"

	"github.com/chazu/ecmavm/vm"
)

type recordingTracer struct {
	commits []vm.CommitEvent
	deopts  []vm.DeoptEvent
}

func (r *recordingTracer) DeoptCommitted(e vm.CommitEvent)    { r.commits = append(r.commits, e) }
func (r *recordingTracer) FunctionDeoptimized(e vm.DeoptEvent) { r.deopts = append(r.deopts, e) }

func expectFatal(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); !vm.IsFatal(r) {
			t.Fatalf("Expected fatal panic, got %v", r)
		}
	}()
	fn()
}

func newTestThread(lazy bool) (*vm.Thread, *recordingTracer) {
	opts := vm.DefaultOptions()
	opts.EnableLazyDeopt = lazy
	th := vm.NewThread(opts)
	tr := &recordingTracer{}
	th.SetTracer(tr)
	return th, tr
}

func newTestFunction(th *vm.Thread, name string) *vm.JSFunction {
	return th.Heap().Function(th.NewFunction(vm.NewMethod(name, nil, 0, 0, 0)))
}

// chain builds r -> a -> b -> c -> Object.prototype and returns the objects.
func chain(th *vm.Thread) (r, a, b, c vm.Value) {
	c = th.NewObject(th.Env().ObjectPrototype())
	b = th.NewObject(c)
	a = th.NewObject(b)
	r = th.NewObject(a)
	return r, a, b, c
}

func hclassOf(th *vm.Thread, v vm.Value) *vm.HClass {
	return th.Heap().HClassOf(v)
}

func TestHelpersAppendOnlyValidDependencies(t *testing.T) {
	th, _ := newTestThread(true)
	deps := NewAllDependencies(th.Env())

	if !deps.DependOnArrayDetector(nil) {
		t.Error("Expected array detector dependency to be accepted")
	}
	th.InvalidateDetector(vm.RegExpFlagsDetector)
	if deps.DependOnDetector(vm.RegExpFlagsDetector, th.Env()) {
		t.Error("Expected invalidated detector to be rejected")
	}

	proto := th.NewObject(th.Env().ObjectPrototype())
	th.NewObject(proto)
	if deps.DependOnNotPrototype(hclassOf(th, proto)) {
		t.Error("Expected prototype hclass to be rejected")
	}
	plain := vm.NewHClass("Plain", vm.TypeObject, vm.Null)
	if !deps.DependOnNotPrototype(plain) {
		t.Error("Expected non-prototype hclass to be accepted")
	}
	if !deps.DependOnStableHClass(plain) {
		t.Error("Expected stable hclass to be accepted")
	}
	if !deps.DependOnHotReloadPatchMain(th) {
		t.Error("Expected hot reload dependency to be accepted")
	}
	if deps.Len() != 4 {
		t.Errorf("Expected 4 dependencies, got %d", deps.Len())
	}
}

func TestDetectorDependencyWithoutEnvIsInvalid(t *testing.T) {
	deps := NewAllDependencies(nil)
	if deps.DependOnDetector(vm.ArrayIteratorDetector, nil) {
		t.Error("Expected detector dependency without env to be rejected")
	}
	if deps.Len() != 0 {
		t.Errorf("Expected no dependencies, got %d", deps.Len())
	}
}

func TestStableProtoChainStopsAtHolder(t *testing.T) {
	th, _ := newTestThread(true)
	r, a, b, _ := chain(th)

	deps := NewAllDependencies(th.Env())
	if !deps.DependOnStableProtoChain(th, hclassOf(th, r), hclassOf(th, b), nil) {
		t.Fatal("Expected stable chain")
	}
	got := deps.Dependencies()
	if len(got) != 2 {
		t.Fatalf("Expected 2 dependencies (a, b), got %d: %v", len(got), got)
	}
	want := []*vm.HClass{hclassOf(th, a), hclassOf(th, b)}
	for i, dep := range got {
		sd, ok := dep.(StableHClassDependency)
		if !ok {
			t.Fatalf("Expected StableHClassDependency, got %T", dep)
		}
		if sd.HClass != want[i] {
			t.Errorf("Expected dependency %d on %p, got %p", i, want[i], sd.HClass)
		}
		if sd.State != vm.StatePrototypeCheck {
			t.Errorf("Expected prototype-check state, got %v", sd.State)
		}
	}
}

func TestStableProtoChainReportsUnstableLink(t *testing.T) {
	th, _ := newTestThread(true)
	r, _, b, _ := chain(th)

	// A sibling sharing a's hidden class takes a transition, leaving a's
	// class unstable while a still uses it.
	sibling := th.NewObject(b)
	th.SetProperty(sibling, "x", vm.FromInt(1))

	if CheckStableProtoChain(th, hclassOf(th, r), hclassOf(th, b), nil) {
		t.Error("Expected check to report the unstable link")
	}
	deps := NewAllDependencies(th.Env())
	if deps.DependOnStableProtoChain(th, hclassOf(th, r), hclassOf(th, b), nil) {
		t.Error("Expected DependOnStableProtoChain to return false")
	}
	if deps.Len() != 1 {
		t.Errorf("Expected only the stable link recorded, got %d", deps.Len())
	}
}

func TestStableProtoChainWholeChainWhenReceiverIsHolder(t *testing.T) {
	th, _ := newTestThread(true)
	r, _, _, _ := chain(th)

	deps := NewAllDependencies(th.Env())
	hc := hclassOf(th, r)
	if !deps.DependOnStableProtoChain(th, hc, hc, nil) {
		t.Fatal("Expected stable chain")
	}
	// a, b, c and Object.prototype.
	if deps.Len() != 4 {
		t.Errorf("Expected 4 dependencies, got %d", deps.Len())
	}
}

func TestStableProtoChainCompositeReceiver(t *testing.T) {
	th, _ := newTestThread(true)
	str := th.Env().StringHClass()
	protoHC := hclassOf(th, th.Env().StringPrototype())

	deps := NewAllDependencies(th.Env())
	if !deps.DependOnStableProtoChain(th, str, protoHC, nil) {
		t.Fatal("Expected stable chain for string receiver")
	}
	got := deps.Dependencies()
	if len(got) != 1 || got[0].(StableHClassDependency).HClass != protoHC {
		t.Errorf("Expected single dependency on String.prototype, got %v", got)
	}
}

func TestCommitDisabledIsNoop(t *testing.T) {
	th, tr := newTestThread(false)
	fn := newTestFunction(th, "f")
	hc := hclassOf(th, th.NewObject(th.Env().ObjectPrototype()))

	deps := NewAllDependencies(th.Env())
	deps.DependOnStableHClass(hc)
	if !Commit(deps, th, fn) {
		t.Fatal("Expected commit to succeed with lazy deopt disabled")
	}
	if hc.DependentInfo().Len() != 0 {
		t.Errorf("Expected no dependent entries, got %d", hc.DependentInfo().Len())
	}
	if fn.IsLazyDeoptimizable() {
		t.Error("Expected function not to be lazy-deoptimizable")
	}
	if len(tr.commits) != 0 {
		t.Errorf("Expected no commit events, got %d", len(tr.commits))
	}
}

func TestCommitFailsAtomically(t *testing.T) {
	th, tr := newTestThread(true)
	fn := newTestFunction(th, "f")
	stable := hclassOf(th, th.NewObject(th.Env().ObjectPrototype()))
	breaking := vm.NewHClass("Point", vm.TypeObject, vm.Null)

	deps := NewAllDependencies(th.Env())
	deps.DependOnStableHClass(stable)
	deps.DependOnArrayDetector(nil)
	deps.DependOnStableHClass(breaking)
	deps.DependOnHotReloadPatchMain(th)

	breaking.Transition("x")

	if Commit(deps, th, fn) {
		t.Fatal("Expected commit to fail")
	}
	if n := stable.DependentInfo().Len(); n != 0 {
		t.Errorf("Expected no entry on stable hclass, got %d", n)
	}
	if n := th.Env().DetectorDependentInfo(vm.ArrayIteratorDetector).Len(); n != 0 {
		t.Errorf("Expected no detector entries, got %d", n)
	}
	if n := th.DependentInfo().Len(); n != 0 {
		t.Errorf("Expected no thread entries, got %d", n)
	}
	if fn.IsLazyDeoptimizable() {
		t.Error("Expected function not to be lazy-deoptimizable")
	}
	if len(tr.commits) != 0 {
		t.Errorf("Expected no commit event, got %d", len(tr.commits))
	}

	deps.Discard()
	if !deps.IsDiscarded() || deps.Len() != 0 {
		t.Error("Expected discarded empty collection")
	}
}

func TestCommitOneEntryPerSubject(t *testing.T) {
	th, tr := newTestThread(true)
	fn := newTestFunction(th, "f")
	r, _, b, _ := chain(th)
	rhc := hclassOf(th, r)

	deps := NewAllDependencies(th.Env())
	deps.DependOnStableHClass(rhc)
	deps.DependOnNotPrototype(rhc)
	deps.DependOnStableProtoChain(th, rhc, hclassOf(th, b), nil)
	deps.DependOnArrayDetector(nil)
	deps.DependOnArrayDetector(th.Env())
	deps.DependOnHotReloadPatchMain(th)
	deps.DependOnHotReloadPatchMain(th)

	if !Commit(deps, th, fn) {
		t.Fatal("Expected commit to succeed")
	}
	if !deps.IsCommitted() {
		t.Error("Expected collection to be committed")
	}

	info := rhc.DependentInfo()
	if info.Len() != 1 {
		t.Fatalf("Expected one entry on receiver hclass, got %d", info.Len())
	}
	states, _ := info.Lookup(fn)
	if states != vm.StateStableHClass|vm.StateIsPrototypeCheck {
		t.Errorf("Expected combined receiver states, got %v", states)
	}
	if n := hclassOf(th, b).DependentInfo().Len(); n != 1 {
		t.Errorf("Expected one entry on holder hclass, got %d", n)
	}
	if n := th.Env().DetectorDependentInfo(vm.ArrayIteratorDetector).Len(); n != 1 {
		t.Errorf("Expected one detector entry, got %d", n)
	}
	if n := th.DependentInfo().Len(); n != 1 {
		t.Errorf("Expected one thread entry, got %d", n)
	}
	if !fn.IsLazyDeoptimizable() {
		t.Error("Expected function to be lazy-deoptimizable")
	}

	if len(tr.commits) != 1 {
		t.Fatalf("Expected one commit event, got %d", len(tr.commits))
	}
	ev := tr.commits[0]
	if ev.CompileID != deps.CompileID().String() || ev.Function != "f" {
		t.Errorf("Expected event for compile %s of f, got %+v", deps.CompileID(), ev)
	}
	if ev.HClasses != 3 || ev.Detectors != 1 || ev.ThreadStates != vm.StateHotReloadPatchMain {
		t.Errorf("Expected 3 hclasses, 1 detector, hot reload state, got %+v", ev)
	}
}

func TestCommitWithoutThreadStatesLeavesThreadInfoAlone(t *testing.T) {
	th, _ := newTestThread(true)
	fn := newTestFunction(th, "f")
	deps := NewAllDependencies(th.Env())
	deps.DependOnArrayDetector(nil)
	Commit(deps, th, fn)
	if th.DependentInfo() != nil {
		t.Error("Expected no thread dependent info to be created")
	}
}

func TestInvalidationMarksCommittedFunctions(t *testing.T) {
	th, tr := newTestThread(true)
	fn := newTestFunction(th, "f")
	other := newTestFunction(th, "g")
	obj := th.NewObject(th.Env().ObjectPrototype())
	hc := hclassOf(th, obj)

	deps := NewAllDependencies(th.Env())
	deps.DependOnStableHClass(hc)
	Commit(deps, th, fn)

	deps2 := NewAllDependencies(th.Env())
	deps2.DependOnArrayDetector(nil)
	Commit(deps2, th, other)

	th.SetProperty(obj, "x", vm.FromInt(1))
	if !fn.IsMarkedForDeopt() {
		t.Error("Expected f marked after transition")
	}
	if other.IsMarkedForDeopt() {
		t.Error("Expected g untouched by transition")
	}

	th.InvalidateDetector(vm.ArrayIteratorDetector)
	if !other.IsMarkedForDeopt() {
		t.Error("Expected g marked after detector invalidation")
	}
	if len(tr.deopts) != 2 {
		t.Errorf("Expected 2 deopt events, got %d", len(tr.deopts))
	}
}

func TestHotReloadDependency(t *testing.T) {
	th, _ := newTestThread(true)
	fn := newTestFunction(th, "f")

	deps := NewAllDependencies(th.Env())
	deps.DependOnHotReloadPatchMain(th)
	Commit(deps, th, fn)

	th.BeginHotReload()
	marked := th.ApplyHotReloadPatch()
	if len(marked) != 1 || marked[0] != fn {
		t.Errorf("Expected f marked by patch, got %v", marked)
	}

	if NewAllDependencies(th.Env()).DependOnHotReloadPatchMain(th) {
		t.Error("Expected dependency rejected while patch main is loaded")
	}
	th.FinishHotReload()
	if !NewAllDependencies(th.Env()).DependOnHotReloadPatchMain(th) {
		t.Error("Expected dependency accepted after reload finished")
	}
}

func TestHotReloadDependencyBreaksOnEpoch(t *testing.T) {
	th, _ := newTestThread(true)
	fn := newTestFunction(th, "f")
	deps := NewAllDependencies(th.Env())
	deps.DependOnHotReloadPatchMain(th)

	th.BeginHotReload()
	th.ApplyHotReloadPatch()
	th.FinishHotReload()

	if Commit(deps, th, fn) {
		t.Error("Expected commit to fail after a patch was applied during compilation")
	}
}

func TestCommitTwiceIsFatal(t *testing.T) {
	th, _ := newTestThread(true)
	fn := newTestFunction(th, "f")
	deps := NewAllDependencies(th.Env())
	Commit(deps, th, fn)
	expectFatal(t, func() { Commit(deps, th, fn) })
	expectFatal(t, func() { deps.Discard() })
}

func TestAddAfterDiscardIsFatal(t *testing.T) {
	deps := NewAllDependencies(nil)
	deps.Discard()
	expectFatal(t, func() { deps.DependOnArrayDetector(nil) })
}

func TestCombinedDependenciesMergesStates(t *testing.T) {
	c := NewCombinedDependencies()
	hc := vm.NewHClass("A", vm.TypeObject, vm.Null)
	c.RegisterHClass(hc, vm.StateStableHClass)
	c.RegisterHClass(hc, vm.StatePrototypeCheck)
	env := vm.NewThread(vm.DefaultOptions()).Env()
	c.RegisterDetector(env, vm.ArrayIteratorDetector, vm.StateDetectorCheck)
	c.RegisterDetector(env, vm.ArrayIteratorDetector, vm.StateDetectorCheck)

	if c.NumHClasses() != 1 || c.NumDetectors() != 1 {
		t.Errorf("Expected 1 hclass and 1 detector, got %d and %d", c.NumHClasses(), c.NumDetectors())
	}
	if got := c.HClassStates(hc); got != vm.StateStableHClass|vm.StatePrototypeCheck {
		t.Errorf("Expected merged states, got %v", got)
	}
	if got := c.DetectorStates(env, vm.ArrayIteratorDetector); got != vm.StateDetectorCheck {
		t.Errorf("Expected detector states, got %v", got)
	}
	if c.ThreadStates() != vm.StateNone {
		t.Errorf("Expected no thread states, got %v", c.ThreadStates())
	}
	expectFatal(t, func() { c.RegisterDetector(nil, vm.ArrayIteratorDetector, vm.StateDetectorCheck) })
}

func TestCommitRegistersDetectorOnValidatedEnv(t *testing.T) {
	th, _ := newTestThread(true)
	other, _ := newTestThread(true)
	fn := newTestFunction(th, "f")

	deps := NewAllDependencies(other.Env())
	if !deps.DependOnDetector(vm.ArrayIteratorDetector, other.Env()) {
		t.Fatal("Expected detector dependency to be accepted")
	}
	if !Commit(deps, th, fn) {
		t.Fatal("Expected commit to succeed")
	}
	if n := other.Env().DetectorDependentInfo(vm.ArrayIteratorDetector).Len(); n != 1 {
		t.Errorf("Expected one entry on the validated env, got %d", n)
	}
	if n := th.Env().DetectorDependentInfo(vm.ArrayIteratorDetector).Len(); n != 0 {
		t.Errorf("Expected no entry on the committing thread's env, got %d", n)
	}

	th.InvalidateDetector(vm.ArrayIteratorDetector)
	if fn.IsMarkedForDeopt() {
		t.Error("Expected the other env's detector to leave f alone")
	}
	other.InvalidateDetector(vm.ArrayIteratorDetector)
	if !fn.IsMarkedForDeopt() {
		t.Error("Expected f marked when the validated detector breaks")
	}
}
