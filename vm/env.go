package vm

import (
	"fmt"
	"sync/atomic"
)

// DetectorID identifies a global detector (protector): a single bit that
// stays set while some language-level invariant holds process-wide.
type DetectorID uint8

const (
	DetectorNone DetectorID = iota
	ArrayIteratorDetector
	MapIteratorDetector
	SetIteratorDetector
	StringIteratorDetector
	TypedArrayIteratorDetector
	ArraySpeciesDetector
	RegExpReplaceDetector
	RegExpSplitDetector
	RegExpFlagsDetector
	NumberStringNotRegexpLikeDetector

	numDetectors
)

var detectorNames = [numDetectors]string{
	DetectorNone:                      "none",
	ArrayIteratorDetector:             "array-iterator",
	MapIteratorDetector:               "map-iterator",
	SetIteratorDetector:               "set-iterator",
	StringIteratorDetector:            "string-iterator",
	TypedArrayIteratorDetector:        "typed-array-iterator",
	ArraySpeciesDetector:              "array-species",
	RegExpReplaceDetector:             "regexp-replace",
	RegExpSplitDetector:               "regexp-split",
	RegExpFlagsDetector:               "regexp-flags",
	NumberStringNotRegexpLikeDetector: "number-string-not-regexp-like",
}

func (id DetectorID) String() string {
	if id < numDetectors {
		return detectorNames[id]
	}
	return fmt.Sprintf("detector(%d)", uint8(id))
}

// Valid reports whether id names a real detector.
func (id DetectorID) Valid() bool {
	return id > DetectorNone && id < numDetectors
}

// GlobalEnv holds the realm-level state consulted by speculation: detector
// bits, the library prototypes, and the global object's bindings.
type GlobalEnv struct {
	heap *Heap

	// invalidated[id] is set once the detector's invariant has been broken.
	invalidated  [numDetectors]atomic.Bool
	detectorDeps [numDetectors]*DependentInfo

	objectPrototype   Value
	functionPrototype Value
	stringPrototype   Value

	functionHClass *HClass
	stringHClass   *HClass
	rootHClasses   map[Value]*HClass

	globals map[string]Value
}

func newGlobalEnv(heap *Heap) *GlobalEnv {
	e := &GlobalEnv{
		heap:         heap,
		rootHClasses: make(map[Value]*HClass),
		globals:      make(map[string]Value),
	}
	e.objectPrototype = e.allocPrototype("Object.prototype", Null)
	e.functionPrototype = e.allocPrototype("Function.prototype", e.objectPrototype)
	e.stringPrototype = e.allocPrototype("String.prototype", e.objectPrototype)
	e.functionHClass = NewHClass("Function", TypeFunction, e.functionPrototype)
	e.stringHClass = NewCompositeHClass("String", TypeString, e.stringPrototype)
	return e
}

func (e *GlobalEnv) allocPrototype(name string, proto Value) Value {
	hc := NewHClass(name, TypeObject, proto)
	hc.isPrototype.Store(true)
	if p := e.heap.HClassOf(proto); p != nil {
		p.isPrototype.Store(true)
	}
	return e.heap.Alloc(newJSObject(hc, nil))
}

// rootHClassFor returns the shared empty hidden class for objects created
// with the given prototype.
func (e *GlobalEnv) rootHClassFor(proto Value) *HClass {
	if hc, ok := e.rootHClasses[proto]; ok {
		return hc
	}
	hc := NewHClass("Object", TypeObject, proto)
	e.rootHClasses[proto] = hc
	return hc
}

func (e *GlobalEnv) ObjectPrototype() Value   { return e.objectPrototype }
func (e *GlobalEnv) FunctionPrototype() Value { return e.functionPrototype }

// StringPrototype returns the library prototype used for composite String
// receivers.
func (e *GlobalEnv) StringPrototype() Value { return e.stringPrototype }

// StringHClass returns the composite hidden class shared by strings.
func (e *GlobalEnv) StringHClass() *HClass { return e.stringHClass }

// IsDetectorValid reports whether the detector's invariant still holds.
func (e *GlobalEnv) IsDetectorValid(id DetectorID) bool {
	if !id.Valid() {
		Fatalf("env: invalid detector id %d", uint8(id))
	}
	return !e.invalidated[id].Load()
}

// InvalidateDetector clears the detector and deoptimizes every function
// that committed a dependency on it. Returns the newly marked functions.
func (e *GlobalEnv) InvalidateDetector(id DetectorID) []*JSFunction {
	if !id.Valid() {
		Fatalf("env: invalid detector id %d", uint8(id))
	}
	if e.invalidated[id].Swap(true) {
		return nil
	}
	return e.detectorDeps[id].DeoptimizeGroups(StateDetectorCheck)
}

// DetectorDependentInfo returns the dependent list for a detector, or nil.
func (e *GlobalEnv) DetectorDependentInfo(id DetectorID) *DependentInfo {
	if !id.Valid() {
		return nil
	}
	return e.detectorDeps[id]
}

// GetOrCreateDetectorDependentInfo returns the dependent list for a
// detector, creating it on first use.
func (e *GlobalEnv) GetOrCreateDetectorDependentInfo(id DetectorID) *DependentInfo {
	if !id.Valid() {
		Fatalf("env: invalid detector id %d", uint8(id))
	}
	if e.detectorDeps[id] == nil {
		e.detectorDeps[id] = NewDependentInfo()
	}
	return e.detectorDeps[id]
}

// Global returns a global binding.
func (e *GlobalEnv) Global(name string) (Value, bool) {
	v, ok := e.globals[name]
	return v, ok
}

// SetGlobal creates or overwrites a global binding.
func (e *GlobalEnv) SetGlobal(name string, v Value) {
	e.globals[name] = v
}

// GlobalNames returns the names of all global bindings.
func (e *GlobalEnv) GlobalNames() []string {
	names := make([]string, 0, len(e.globals))
	for k := range e.globals {
		names = append(names, k)
	}
	return names
}
