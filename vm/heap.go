package vm

import (
	"sync"
)

// ---------------------------------------------------------------------------
// Heap arena
// ---------------------------------------------------------------------------
//
// Heap objects are addressed by arena id rather than by Go pointer so that a
// reference can be stored in a stack word, scanned by the frame walker and
// rewritten when the collector moves the object.

// ObjectKind distinguishes the heap object variants the core knows about.
type ObjectKind uint8

const (
	KindHClass ObjectKind = iota + 1
	KindObject
	KindFunction
	KindString
)

func (k ObjectKind) String() string {
	switch k {
	case KindHClass:
		return "HClass"
	case KindObject:
		return "Object"
	case KindFunction:
		return "Function"
	case KindString:
		return "String"
	default:
		return "Unknown"
	}
}

// HeapObject is implemented by every object that lives in the arena.
type HeapObject interface {
	Kind() ObjectKind
}

// forwarded marks an arena slot whose object has been relocated.
type forwarded struct {
	to Value
}

func (forwarded) Kind() ObjectKind { return 0 }

// Heap is a per-thread object arena. Id 0 is never handed out. The
// background compiler reads it while the mutator allocates, so the arena
// slice is guarded.
type Heap struct {
	mu      sync.RWMutex
	objects []HeapObject
}

// NewHeap creates an empty heap.
func NewHeap() *Heap {
	return &Heap{objects: make([]HeapObject, 1, 256)}
}

// Alloc stores obj in the arena and returns a tagged reference to it.
func (h *Heap) Alloc(obj HeapObject) Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocLocked(obj)
}

func (h *Heap) allocLocked(obj HeapObject) Value {
	h.objects = append(h.objects, obj)
	return FromHeapID(uint32(len(h.objects) - 1))
}

// Len returns the number of arena slots, including dead and forwarded ones.
func (h *Heap) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.objects)
}

// Object returns the object referenced by v, following forwarding slots.
// Dereferencing a non-heap value or a dead slot is a contract violation.
func (h *Heap) Object(v Value) HeapObject {
	if !v.IsHeapObject() {
		Fatalf("heap: %v is not a heap reference", v)
	}
	h.mu.RLock()
	obj := h.lookupLocked(v.HeapID())
	h.mu.RUnlock()
	if obj == nil {
		Fatalf("heap: dangling reference #%d", v.HeapID())
	}
	return obj
}

func (h *Heap) lookupLocked(id uint32) HeapObject {
	for {
		if int(id) >= len(h.objects) || h.objects[id] == nil {
			return nil
		}
		fw, ok := h.objects[id].(forwarded)
		if !ok {
			return h.objects[id]
		}
		id = fw.to.HeapID()
	}
}

// Relocate moves the object referenced by v to a fresh arena id and leaves a
// forwarding slot behind. It returns the new reference. The collector uses
// it to simulate object motion; every root that still holds the old value
// must be updated through the frame walker.
func (h *Heap) Relocate(v Value) Value {
	if !v.IsHeapObject() {
		Fatalf("heap: %v is not a heap reference", v)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	obj := h.lookupLocked(v.HeapID())
	if obj == nil {
		Fatalf("heap: relocating dangling reference #%d", v.HeapID())
	}
	nv := h.allocLocked(obj)
	h.objects[v.HeapID()] = forwarded{to: nv}
	return nv
}

// Forwarded returns the new location of a relocated object.
func (h *Heap) Forwarded(v Value) (Value, bool) {
	if !v.IsHeapObject() {
		return v, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	id := v.HeapID()
	if int(id) >= len(h.objects) {
		return v, false
	}
	if fw, ok := h.objects[id].(forwarded); ok {
		return fw.to, true
	}
	return v, false
}

// Function returns the function referenced by v, or nil.
func (h *Heap) Function(v Value) *JSFunction {
	if !v.IsHeapObject() {
		return nil
	}
	fn, _ := h.Object(v).(*JSFunction)
	return fn
}

// JSObject returns the ordinary object referenced by v, or nil.
func (h *Heap) JSObject(v Value) *JSObject {
	if !v.IsHeapObject() {
		return nil
	}
	obj, _ := h.Object(v).(*JSObject)
	return obj
}

// HClassOf returns the hidden class of any heap value, or nil for
// primitives that are not heap allocated.
func (h *Heap) HClassOf(v Value) *HClass {
	if !v.IsHeapObject() {
		return nil
	}
	switch o := h.Object(v).(type) {
	case *JSObject:
		return o.HClass()
	case *JSFunction:
		return o.hclass
	case *JSString:
		return o.hclass
	default:
		return nil
	}
}
