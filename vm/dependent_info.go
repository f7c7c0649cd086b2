package vm

import (
	"strings"
)

// DependentState is one category of speculative assumption. States for the
// same subject are OR-combined into a single word.
type DependentState uint32

const (
	StateNone DependentState = 0

	// StateStableHClass: the receiver layout takes no further transitions.
	StateStableHClass DependentState = 1 << (iota - 1)
	// StatePrototypeCheck: an hclass on a walked prototype chain stays stable.
	StatePrototypeCheck
	// StateIsPrototypeCheck: the hclass is not used as a prototype.
	StateIsPrototypeCheck
	// StateDetectorCheck: a global detector is still intact.
	StateDetectorCheck
	// StateHotReloadPatchMain: no hot-reload patch main has been executed.
	StateHotReloadPatchMain
)

var dependentStateNames = []struct {
	state DependentState
	name  string
}{
	{StateStableHClass, "stable-hclass"},
	{StatePrototypeCheck, "prototype-check"},
	{StateIsPrototypeCheck, "is-prototype-check"},
	{StateDetectorCheck, "detector-check"},
	{StateHotReloadPatchMain, "hot-reload-patch-main"},
}

// Has reports whether every bit of o is set in s.
func (s DependentState) Has(o DependentState) bool {
	return s&o == o
}

func (s DependentState) String() string {
	if s == StateNone {
		return "none"
	}
	var parts []string
	for _, n := range dependentStateNames {
		if s&n.state != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// DependentEntry pairs a compiled function with the assumptions it made
// about one subject.
type DependentEntry struct {
	Function *JSFunction
	States   DependentState
}

// DependentInfo is the long-lived list of compiled functions that depend on
// one subject (a hidden class, a detector, or the whole thread).
//
// Append and DeoptimizeGroups mutate the list without locking. Callers must
// hold the commit-serialization guarantee: appends happen only while
// committing dependencies on the mutator (or with the mutator stopped at a
// safepoint), never interleaved with a scan.
type DependentInfo struct {
	entries []DependentEntry
}

// NewDependentInfo creates an empty list.
func NewDependentInfo() *DependentInfo {
	return &DependentInfo{}
}

// Append records that fn depends on states of this subject.
func (d *DependentInfo) Append(fn *JSFunction, states DependentState) {
	d.entries = append(d.entries, DependentEntry{Function: fn, States: states})
}

// Len returns the number of entries.
func (d *DependentInfo) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

// Entries returns a copy of the list.
func (d *DependentInfo) Entries() []DependentEntry {
	if d == nil {
		return nil
	}
	out := make([]DependentEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Lookup returns the combined states recorded for fn.
func (d *DependentInfo) Lookup(fn *JSFunction) (DependentState, bool) {
	if d == nil {
		return StateNone, false
	}
	var states DependentState
	found := false
	for _, e := range d.entries {
		if e.Function == fn {
			states |= e.States
			found = true
		}
	}
	return states, found
}

// DeoptimizeGroups marks every function whose recorded states intersect
// states for lazy deoptimization and drops those entries. The newly marked
// functions are returned. Safe on a nil list.
func (d *DependentInfo) DeoptimizeGroups(states DependentState) []*JSFunction {
	if d == nil || len(d.entries) == 0 {
		return nil
	}
	var marked []*JSFunction
	kept := d.entries[:0]
	for _, e := range d.entries {
		if e.States&states == 0 {
			kept = append(kept, e)
			continue
		}
		if e.Function.MarkForDeopt() {
			marked = append(marked, e.Function)
		}
	}
	for i := len(kept); i < len(d.entries); i++ {
		d.entries[i] = DependentEntry{}
	}
	d.entries = kept
	return marked
}
