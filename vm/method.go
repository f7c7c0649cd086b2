package vm

// Method is the bytecode body shared by every closure of one function.
type Method struct {
	Name      string
	Bytecode  []byte
	NumVRegs  int
	NumArgs   int
	Constants []Value
	Names     []string

	// Baseline is the native-to-bytecode offset table of the method's
	// baseline-compiled code, or nil when the method only runs interpreted.
	Baseline *BaselineCode

	caches  []PropertyCache
	hotness int32
}

// NewMethod creates a method with numCaches property feedback slots.
func NewMethod(name string, code []byte, numVRegs, numArgs, numCaches int) *Method {
	return &Method{
		Name:     name,
		Bytecode: code,
		NumVRegs: numVRegs,
		NumArgs:  numArgs,
		caches:   make([]PropertyCache, numCaches),
	}
}

// Cache returns the property feedback slot at idx.
func (m *Method) Cache(idx int) *PropertyCache {
	if idx < 0 || idx >= len(m.caches) {
		Fatalf("method %s: cache slot %d out of range (%d slots)", m.Name, idx, len(m.caches))
	}
	return &m.caches[idx]
}

// NumCaches returns the number of feedback slots.
func (m *Method) NumCaches() int { return len(m.caches) }

// Hotness returns the remaining hotness budget before tier-up.
func (m *Method) Hotness() int32 { return m.hotness }
