package vm

// Handle is a GC-safe indirect reference: an index into the thread's handle
// scope. The slot it names is a root, so the referenced object survives
// collection and the handle observes relocation.
type Handle int

// NewHandle roots v in the current handle scope.
func (t *Thread) NewHandle(v Value) Handle {
	t.handles = append(t.handles, v)
	return Handle(len(t.handles) - 1)
}

// Get reads the value behind the handle.
func (t *Thread) Get(h Handle) Value {
	if int(h) < 0 || int(h) >= len(t.handles) {
		Fatalf("handle %d outside the current scope (%d live)", h, len(t.handles))
	}
	return t.handles[h]
}

// OpenHandleScope returns a mark that CloseHandleScope releases back to.
func (t *Thread) OpenHandleScope() int { return len(t.handles) }

// CloseHandleScope drops every handle created since mark.
func (t *Thread) CloseHandleScope(mark int) {
	if mark < 0 || mark > len(t.handles) {
		Fatalf("handle scope mark %d invalid (%d live)", mark, len(t.handles))
	}
	clear(t.handles[mark:])
	t.handles = t.handles[:mark]
}
