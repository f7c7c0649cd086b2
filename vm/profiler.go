package vm

import (
	"sync"
	"sync/atomic"
)

// Profiler finds hot functions for the JIT. Every method carries a hotness
// budget that the interpreter decrements on entry and on each taken back
// edge; when it runs out the function is reported once through OnHot.
type Profiler struct {
	// Threshold is the budget a method starts with.
	Threshold int32

	// OnHot is called on the mutator when fn becomes hot.
	OnHot func(t *Thread, fn *JSFunction)

	hot      sync.Map // *Method -> struct{}
	hotCount atomic.Uint64
	ticks    atomic.Uint64
}

// NewProfiler creates a profiler with the given budget.
func NewProfiler(threshold int32) *Profiler {
	if threshold <= 0 {
		threshold = DefaultOptions().HotnessThreshold
	}
	return &Profiler{Threshold: threshold}
}

// Tick charges cost against fn's budget. Returns true if this tick made the
// function hot.
func (p *Profiler) Tick(t *Thread, fn *JSFunction, cost int32) bool {
	m := fn.Method
	if m == nil {
		return false
	}
	p.ticks.Add(uint64(cost))
	if m.hotness == 0 {
		if _, seen := p.hot.Load(m); seen {
			return false
		}
		m.hotness = p.Threshold
	}
	m.hotness -= cost
	if m.hotness > 0 {
		return false
	}
	m.hotness = 0
	if _, loaded := p.hot.LoadOrStore(m, struct{}{}); loaded {
		return false
	}
	p.hotCount.Add(1)
	if p.OnHot != nil {
		p.OnHot(t, fn)
	}
	return true
}

// IsHot reports whether m has used up its budget.
func (p *Profiler) IsHot(m *Method) bool {
	_, ok := p.hot.Load(m)
	return ok
}

// Cool resets m so it can become hot again, e.g. after its optimized code
// was dropped by a deoptimization.
func (p *Profiler) Cool(m *Method) {
	if _, ok := p.hot.LoadAndDelete(m); ok {
		p.hotCount.Add(^uint64(0))
	}
	m.hotness = p.Threshold
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	HotMethods int    // Number of methods currently hot
	Ticks      uint64 // Total budget consumed
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	return ProfilerStats{
		HotMethods: int(p.hotCount.Load()),
		Ticks:      p.ticks.Load(),
	}
}

// HotMethods returns every method that is currently hot.
func (p *Profiler) HotMethods() []*Method {
	var hot []*Method
	p.hot.Range(func(key, _ any) bool {
		hot = append(hot, key.(*Method))
		return true
	})
	return hot
}
