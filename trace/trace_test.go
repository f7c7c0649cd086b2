package trace

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/ecmavm/vm"
	"github.com/chazu/ecmavm/vm/deopt"
)

type recordingTracer struct {
	commits []vm.CommitEvent
	deopts  []vm.DeoptEvent
}

func (r *recordingTracer) DeoptCommitted(e vm.CommitEvent)    { r.commits = append(r.commits, e) }
func (r *recordingTracer) FunctionDeoptimized(e vm.DeoptEvent) { r.deopts = append(r.deopts, e) }

func openTestSink(t *testing.T) *SQLiteSink {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteSinkStoresEvents(t *testing.T) {
	s := openTestSink(t)
	now := time.Now()
	s.DeoptCommitted(vm.CommitEvent{
		CompileID:    "c1",
		Function:     "f",
		Dependencies: 3,
		HClasses:     2,
		Detectors:    1,
		ThreadStates: vm.StateHotReloadPatchMain,
		Time:         now,
	})
	s.FunctionDeoptimized(vm.DeoptEvent{
		Function: "f",
		States:   vm.StateStableHClass,
		Reason:   "hclass transition",
		Time:     now.Add(time.Millisecond),
	})
	s.FunctionDeoptimized(vm.DeoptEvent{Function: "g", Reason: "other", Time: now})

	events, err := s.Events(context.Background(), "f")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events for f, got %d", len(events))
	}
	c := events[0]
	if c.Kind != KindCommit || c.CompileID != "c1" || c.Dependencies != 3 || c.HClasses != 2 || c.Detectors != 1 {
		t.Errorf("Unexpected commit row %+v", c)
	}
	if c.States != vm.StateHotReloadPatchMain.String() {
		t.Errorf("States: got %q, want %q", c.States, vm.StateHotReloadPatchMain.String())
	}
	if !c.Time.Equal(time.Unix(0, now.UnixNano())) {
		t.Errorf("Time: got %v, want %v", c.Time, now)
	}
	if d := events[1]; d.Kind != KindDeopt || d.Reason != "hclass transition" {
		t.Errorf("Unexpected deopt row %+v", d)
	}
	if events[0].ID == events[1].ID {
		t.Error("Expected distinct row ids")
	}

	all, _ := s.Events(context.Background(), "")
	if len(all) != 3 {
		t.Errorf("Expected 3 events, got %d", len(all))
	}
	counts, err := s.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[KindCommit] != 1 || counts[KindDeopt] != 2 {
		t.Errorf("Expected 1 commit and 2 deopts, got %v", counts)
	}
	if s.Errors() != 0 {
		t.Errorf("Expected no write errors, got %d", s.Errors())
	}
}

func TestSQLiteSinkInMemory(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()
	s.FunctionDeoptimized(vm.DeoptEvent{Function: "f", Time: time.Now()})
	events, err := s.Events(context.Background(), "")
	if err != nil || len(events) != 1 {
		t.Errorf("Expected 1 event, got %d (%v)", len(events), err)
	}
}

func TestSQLiteSinkCountsWriteErrors(t *testing.T) {
	s := openTestSink(t)
	s.Close()
	s.FunctionDeoptimized(vm.DeoptEvent{Function: "f", Time: time.Now()})
	if s.Errors() != 1 {
		t.Errorf("Expected 1 write error, got %d", s.Errors())
	}
}

func TestMultiForwardsThreadTelemetry(t *testing.T) {
	opts := vm.DefaultOptions()
	opts.StackWords = 1024
	th := vm.NewThread(opts)
	s := openTestSink(t)
	rec := &recordingTracer{}
	th.SetTracer(Multi(NewLogSink(), nil, s, rec))

	obj := th.NewObject(th.Env().ObjectPrototype())
	th.SetProperty(obj, "x", vm.FromInt(1))
	hc := th.Heap().HClassOf(obj)
	fn := th.Heap().Function(th.NewFunction(vm.NewMethod("f", nil, 0, 0, 0)))

	deps := deopt.NewAllDependencies(th.Env())
	deps.DependOnStableHClass(hc)
	if !deopt.Commit(deps, th, fn) {
		t.Fatal("Expected commit to succeed")
	}
	th.SetProperty(obj, "y", vm.FromInt(2))

	if len(rec.commits) != 1 || len(rec.deopts) != 1 {
		t.Fatalf("Expected 1 commit and 1 deopt, got %d and %d", len(rec.commits), len(rec.deopts))
	}
	if rec.commits[0].CompileID != deps.CompileID().String() {
		t.Errorf("CompileID: got %q, want %q", rec.commits[0].CompileID, deps.CompileID())
	}
	events, err := s.Events(context.Background(), "f")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 || events[0].Kind != KindCommit || events[1].Kind != KindDeopt {
		t.Errorf("Expected commit then deopt rows, got %+v", events)
	}
}
