package vm

import (
	"sync/atomic"
)

// ObjectType classifies the instances described by a hidden class.
type ObjectType uint8

const (
	TypeObject ObjectType = iota + 1
	TypeFunction
	TypeString
	TypeArray
)

// HClass is a hidden class: the shared layout descriptor for objects with
// identical shape. Stability and prototype-ness are read by the background
// compiler while the mutator may flip them, so both are atomic.
//
// An HClass is "stable" until a transition is taken from it. Compiled code
// that assumes a stable layout registers itself in the hclass's dependent
// info and is deoptimized when the assumption breaks.
type HClass struct {
	Name       string
	objectType ObjectType
	proto      Value
	composite  bool

	keys        []string
	layout      map[string]int
	transitions map[string]*HClass
	parent      *HClass

	stable      atomic.Bool
	isPrototype atomic.Bool

	dependents *DependentInfo
}

// NewHClass creates a stable root hidden class with the given prototype.
func NewHClass(name string, objectType ObjectType, proto Value) *HClass {
	h := &HClass{
		Name:        name,
		objectType:  objectType,
		proto:       proto,
		layout:      make(map[string]int),
		transitions: make(map[string]*HClass),
	}
	h.stable.Store(true)
	return h
}

// NewCompositeHClass creates a hidden class for a primitive wrapper whose
// instances are backed by several representations (String). Property
// lookups on such receivers go through the library prototype object instead
// of the structural prototype link.
func NewCompositeHClass(name string, objectType ObjectType, proto Value) *HClass {
	h := NewHClass(name, objectType, proto)
	h.composite = true
	return h
}

func (h *HClass) Kind() ObjectKind { return KindHClass }

func (h *HClass) ObjectType() ObjectType { return h.objectType }

// Prototype returns the prototype shared by instances of this class.
func (h *HClass) Prototype() Value { return h.proto }

// IsStable reports whether no transition has been taken from h.
func (h *HClass) IsStable() bool { return h.stable.Load() }

// IsPrototype reports whether instances of h serve as some object's prototype.
func (h *HClass) IsPrototype() bool { return h.isPrototype.Load() }

// IsComposite reports whether h describes a multi-representation primitive.
func (h *HClass) IsComposite() bool { return h.composite }

// NumProperties returns the number of in-object properties.
func (h *HClass) NumProperties() int { return len(h.keys) }

// Keys returns the property names in slot order.
func (h *HClass) Keys() []string {
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

// Lookup returns the slot index of name.
func (h *HClass) Lookup(name string) (int, bool) {
	idx, ok := h.layout[name]
	return idx, ok
}

// Transition returns the hidden class reached by adding name. Taking a new
// transition makes h unstable and deoptimizes code that depended on its
// layout staying put; the functions marked for deoptimization are returned.
func (h *HClass) Transition(name string) (*HClass, []*JSFunction) {
	if child, ok := h.transitions[name]; ok {
		return child, nil
	}
	child := &HClass{
		Name:        h.Name,
		objectType:  h.objectType,
		proto:       h.proto,
		composite:   h.composite,
		keys:        append(append([]string(nil), h.keys...), name),
		layout:      make(map[string]int, len(h.layout)+1),
		transitions: make(map[string]*HClass),
		parent:      h,
	}
	for k, v := range h.layout {
		child.layout[k] = v
	}
	child.layout[name] = len(h.keys)
	child.stable.Store(true)
	child.isPrototype.Store(h.IsPrototype())
	h.transitions[name] = child
	return child, h.MarkUnstable()
}

// MarkUnstable clears the stable bit and notifies layout dependents.
func (h *HClass) MarkUnstable() []*JSFunction {
	if !h.stable.Swap(false) {
		return nil
	}
	return h.dependents.DeoptimizeGroups(StateStableHClass | StatePrototypeCheck)
}

// MarkAsPrototype records that instances of h are used as a prototype and
// notifies code that assumed otherwise.
func (h *HClass) MarkAsPrototype() []*JSFunction {
	if h.isPrototype.Swap(true) {
		return nil
	}
	return h.dependents.DeoptimizeGroups(StateIsPrototypeCheck)
}

// DependentInfo returns the dependent list attached to h, or nil.
func (h *HClass) DependentInfo() *DependentInfo {
	return h.dependents
}

// GetOrCreateDependentInfo returns the dependent list attached to h,
// creating it on first use.
func (h *HClass) GetOrCreateDependentInfo() *DependentInfo {
	if h.dependents == nil {
		h.dependents = NewDependentInfo()
	}
	return h.dependents
}
