// Package trace provides sinks for the VM's deoptimization telemetry.
package trace

import (
	"github.com/chazu/ecmavm/vm"
	"github.com/tliron/commonlog"
)

// LogSink writes commit and deoptimization events to a commonlog logger.
type LogSink struct {
	Log commonlog.Logger
}

// NewLogSink returns a sink logging to the "ecmavm.trace" logger.
func NewLogSink() *LogSink {
	return &LogSink{Log: commonlog.GetLogger("ecmavm.trace")}
}

func (s *LogSink) DeoptCommitted(e vm.CommitEvent) {
	s.Log.Infof("commit %s: compile %s, %d dependencies (%d hclasses, %d detectors, thread %s)",
		e.Function, e.CompileID, e.Dependencies, e.HClasses, e.Detectors, e.ThreadStates)
}

func (s *LogSink) FunctionDeoptimized(e vm.DeoptEvent) {
	s.Log.Noticef("deopt %s (%s): %s", e.Function, e.States, e.Reason)
}

// multi fans events out to several tracers in order.
type multi []vm.Tracer

// Multi returns a tracer that forwards every event to each of tracers.
// Nil tracers are skipped.
func Multi(tracers ...vm.Tracer) vm.Tracer {
	var m multi
	for _, t := range tracers {
		if t != nil {
			m = append(m, t)
		}
	}
	return m
}

func (m multi) DeoptCommitted(e vm.CommitEvent) {
	for _, t := range m {
		t.DeoptCommitted(e)
	}
}

func (m multi) FunctionDeoptimized(e vm.DeoptEvent) {
	for _, t := range m {
		t.FunctionDeoptimized(e)
	}
}
