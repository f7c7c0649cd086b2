package vm

import (
	"time"
)

// CommitEvent is emitted after a compiled function's dependencies have been
// committed into the dependent-info lists.
type CommitEvent struct {
	CompileID    string
	Function     string
	Dependencies int
	HClasses     int
	Detectors    int
	ThreadStates DependentState
	Time         time.Time
}

// DeoptEvent is emitted when a function is marked for, or goes through,
// lazy deoptimization.
type DeoptEvent struct {
	Function string
	States   DependentState
	Reason   string
	Time     time.Time
}

// Tracer receives deoptimization telemetry. External tooling relies on a
// DeoptCommitted call for every successful commit.
type Tracer interface {
	DeoptCommitted(CommitEvent)
	FunctionDeoptimized(DeoptEvent)
}

// logTracer is the default tracer; it writes debug-level log lines.
type logTracer struct{}

func (logTracer) DeoptCommitted(e CommitEvent) {
	log.Debugf("deopt: committed %s (compile %s, %d dependencies)", e.Function, e.CompileID, e.Dependencies)
}

func (logTracer) FunctionDeoptimized(e DeoptEvent) {
	log.Debugf("deopt: %s marked (%s): %s", e.Function, e.States, e.Reason)
}
