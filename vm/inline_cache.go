package vm

// Property feedback
//
// Each LdObjByName / StObjByName site owns a PropertyCache indexed by its
// operand. The interpreter fills it on every lookup; the JIT reads a
// snapshot of it to decide which loads and stores to speculate on.
//
// Most property sites see a single receiver layout. The cache follows the
// usual progression Empty -> Monomorphic -> Polymorphic -> Megamorphic.

// CacheState represents the current state of a property cache.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // No lookup recorded yet
	CacheMonomorphic                   // One receiver layout
	CachePolymorphic                   // 2-4 receiver layouts
	CacheMegamorphic                   // Too many layouts, not worth speculating
)

func (s CacheState) String() string {
	switch s {
	case CacheEmpty:
		return "empty"
	case CacheMonomorphic:
		return "monomorphic"
	case CachePolymorphic:
		return "polymorphic"
	case CacheMegamorphic:
		return "megamorphic"
	default:
		return "unknown"
	}
}

// MaxPICEntries is the maximum number of layouts a polymorphic cache keeps.
const MaxPICEntries = 4

// PropertyCacheEntry records where a named property was found for one
// receiver layout.
type PropertyCacheEntry struct {
	Receiver *HClass
	// Holder is the hidden class of the object that owns the property;
	// equal to Receiver for own properties.
	Holder *HClass
	Index  int
}

// PropertyCache is the feedback of one property access site. It is only
// touched by the mutator.
type PropertyCache struct {
	State   CacheState
	Entries [MaxPICEntries]PropertyCacheEntry
	Count   int

	Hits   uint64
	Misses uint64
}

// Lookup returns the cached entry for a receiver layout.
func (pc *PropertyCache) Lookup(receiver *HClass) (PropertyCacheEntry, bool) {
	switch pc.State {
	case CacheMonomorphic, CachePolymorphic:
		for i := 0; i < pc.Count; i++ {
			if pc.Entries[i].Receiver == receiver {
				pc.Hits++
				return pc.Entries[i], true
			}
		}
	case CacheEmpty, CacheMegamorphic:
	}
	pc.Misses++
	return PropertyCacheEntry{}, false
}

// Update records a lookup result, upgrading the cache state as needed.
func (pc *PropertyCache) Update(e PropertyCacheEntry) {
	if e.Receiver == nil {
		return
	}
	switch pc.State {
	case CacheEmpty:
		pc.State = CacheMonomorphic
		pc.Entries[0] = e
		pc.Count = 1

	case CacheMonomorphic, CachePolymorphic:
		for i := 0; i < pc.Count; i++ {
			if pc.Entries[i].Receiver == e.Receiver {
				pc.Entries[i] = e
				return
			}
		}
		if pc.Count < MaxPICEntries {
			pc.Entries[pc.Count] = e
			pc.Count++
			pc.State = CachePolymorphic
			return
		}
		pc.State = CacheMegamorphic
		pc.Entries = [MaxPICEntries]PropertyCacheEntry{}
		pc.Count = 0

	case CacheMegamorphic:
	}
}

// Monomorphic returns the single cached entry of a monomorphic site.
func (pc *PropertyCache) Monomorphic() (PropertyCacheEntry, bool) {
	if pc.State != CacheMonomorphic {
		return PropertyCacheEntry{}, false
	}
	return pc.Entries[0], true
}

// HitRate returns the cache hit rate as a percentage (0-100).
func (pc *PropertyCache) HitRate() float64 {
	total := pc.Hits + pc.Misses
	if total == 0 {
		return 0
	}
	return float64(pc.Hits) * 100 / float64(total)
}

// Reset clears the cache back to empty.
func (pc *PropertyCache) Reset() {
	*pc = PropertyCache{}
}

// Feedback snapshots every property cache of m. Taken on the mutator so the
// background compiler never reads live caches.
func (m *Method) Feedback() []PropertyCache {
	out := make([]PropertyCache, len(m.caches))
	copy(out, m.caches)
	return out
}
