package vm

import (
	"sync/atomic"
)

// JSObject is an ordinary object: a hidden class plus in-object slots. The
// hidden class pointer is read by the background compiler while the
// mutator may transition it.
type JSObject struct {
	hclass atomic.Pointer[HClass]
	slots  []Value
}

func newJSObject(hc *HClass, slots []Value) *JSObject {
	o := &JSObject{slots: slots}
	o.hclass.Store(hc)
	return o
}

func (o *JSObject) Kind() ObjectKind { return KindObject }

// HClass returns the object's current hidden class.
func (o *JSObject) HClass() *HClass { return o.hclass.Load() }

// Slot returns the value at a layout index.
func (o *JSObject) Slot(i int) Value { return o.slots[i] }

// JSString is a heap string. Its hidden class is composite.
type JSString struct {
	hclass *HClass
	Data   string
}

func (s *JSString) Kind() ObjectKind { return KindString }

// ---------------------------------------------------------------------------
// Allocation helpers
// ---------------------------------------------------------------------------

// NewObject allocates an empty object whose prototype is proto. A heap
// prototype gets its hidden class marked as a prototype.
func (t *Thread) NewObject(proto Value) Value {
	t.markPrototype(proto)
	hc := t.env.rootHClassFor(proto)
	return t.heap.Alloc(newJSObject(hc, nil))
}

// NewObjectWithHClass allocates an object with an explicit hidden class.
func (t *Thread) NewObjectWithHClass(hc *HClass) Value {
	t.markPrototype(hc.proto)
	return t.heap.Alloc(newJSObject(hc, make([]Value, hc.NumProperties())))
}

// NewString allocates a string with the shared composite string class.
func (t *Thread) NewString(s string) Value {
	return t.heap.Alloc(&JSString{hclass: t.env.stringHClass, Data: s})
}

// StringValue returns the contents of a heap string.
func (t *Thread) StringValue(v Value) (string, bool) {
	if !v.IsHeapObject() {
		return "", false
	}
	s, ok := t.heap.Object(v).(*JSString)
	if !ok {
		return "", false
	}
	return s.Data, true
}

func (t *Thread) markPrototype(proto Value) {
	if hc := t.heap.HClassOf(proto); hc != nil {
		for _, fn := range hc.MarkAsPrototype() {
			t.traceDeopt(fn, StateIsPrototypeCheck, "hclass became prototype")
		}
	}
}

// ---------------------------------------------------------------------------
// Property access
// ---------------------------------------------------------------------------

// LookupResult describes where a named property was found.
type LookupResult struct {
	Found    bool
	Value    Value
	Receiver *HClass
	Holder   *HClass
	Index    int
}

// GetProperty looks name up on receiver and its prototype chain. Strings
// start the search at the library String prototype.
func (t *Thread) GetProperty(receiver Value, name string) LookupResult {
	res := LookupResult{Receiver: t.heap.HClassOf(receiver)}
	cur := receiver
	if res.Receiver != nil && res.Receiver.IsComposite() {
		cur = t.env.StringPrototype()
	}
	for cur.IsHeapObject() {
		obj, ok := t.heap.Object(cur).(*JSObject)
		if !ok {
			break
		}
		hc := obj.HClass()
		if idx, ok := hc.Lookup(name); ok {
			res.Found = true
			res.Value = obj.slots[idx]
			res.Holder = hc
			res.Index = idx
			return res
		}
		cur = hc.proto
	}
	res.Value = Undefined
	return res
}

// SetProperty stores value as an own property of receiver, taking a hidden
// class transition when the property is new.
func (t *Thread) SetProperty(receiver Value, name string, value Value) (*HClass, bool) {
	obj := t.heap.JSObject(receiver)
	if obj == nil {
		return nil, false
	}
	hc := obj.HClass()
	if idx, ok := hc.Lookup(name); ok {
		obj.slots[idx] = value
		return hc, true
	}
	next, deopted := hc.Transition(name)
	obj.hclass.Store(next)
	obj.slots = append(obj.slots, value)
	for _, fn := range deopted {
		t.traceDeopt(fn, StateStableHClass|StatePrototypeCheck, "hclass transition")
	}
	return next, true
}
