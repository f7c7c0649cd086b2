package vm

import (
	"testing"
)

func TestPropertyCacheEmpty(t *testing.T) {
	pc := &PropertyCache{}
	if _, ok := pc.Lookup(NewHClass("A", TypeObject, Null)); ok {
		t.Error("Expected miss on empty cache")
	}
	if pc.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", pc.Misses)
	}
	if _, ok := pc.Monomorphic(); ok {
		t.Error("Expected empty cache not to be monomorphic")
	}
}

func TestPropertyCacheProgression(t *testing.T) {
	pc := &PropertyCache{}
	classes := make([]*HClass, MaxPICEntries+1)
	for i := range classes {
		classes[i] = NewHClass("C", TypeObject, Null)
	}

	pc.Update(PropertyCacheEntry{Receiver: classes[0], Holder: classes[0], Index: 1})
	if pc.State != CacheMonomorphic {
		t.Fatalf("Expected monomorphic, got %v", pc.State)
	}
	if e, ok := pc.Lookup(classes[0]); !ok || e.Index != 1 {
		t.Errorf("Expected hit with index 1, got %+v (%v)", e, ok)
	}

	// Refreshing an existing receiver keeps the state.
	pc.Update(PropertyCacheEntry{Receiver: classes[0], Holder: classes[0], Index: 2})
	if pc.State != CacheMonomorphic || pc.Entries[0].Index != 2 {
		t.Errorf("Expected refreshed monomorphic entry, got %v %+v", pc.State, pc.Entries[0])
	}

	for _, hc := range classes[1:MaxPICEntries] {
		pc.Update(PropertyCacheEntry{Receiver: hc, Holder: hc})
	}
	if pc.State != CachePolymorphic || pc.Count != MaxPICEntries {
		t.Errorf("Expected full polymorphic cache, got %v with %d", pc.State, pc.Count)
	}

	pc.Update(PropertyCacheEntry{Receiver: classes[MaxPICEntries]})
	if pc.State != CacheMegamorphic || pc.Count != 0 {
		t.Errorf("Expected megamorphic cache, got %v with %d", pc.State, pc.Count)
	}
	if _, ok := pc.Lookup(classes[0]); ok {
		t.Error("Expected megamorphic cache to miss")
	}
}

func TestPropertyCacheIgnoresNilReceiver(t *testing.T) {
	pc := &PropertyCache{}
	pc.Update(PropertyCacheEntry{})
	if pc.State != CacheEmpty {
		t.Errorf("Expected empty, got %v", pc.State)
	}
}

func TestPropertyCacheHitRateAndReset(t *testing.T) {
	pc := &PropertyCache{}
	hc := NewHClass("A", TypeObject, Null)
	pc.Lookup(hc)
	pc.Update(PropertyCacheEntry{Receiver: hc, Holder: hc})
	pc.Lookup(hc)
	pc.Lookup(hc)
	pc.Lookup(hc)
	if got := pc.HitRate(); got != 75 {
		t.Errorf("Expected 75%% hit rate, got %v", got)
	}
	pc.Reset()
	if pc.State != CacheEmpty || pc.HitRate() != 0 {
		t.Error("Expected reset cache")
	}
}

func TestFeedbackIsASnapshot(t *testing.T) {
	m := NewMethod("m", nil, 0, 0, 2)
	hc := NewHClass("A", TypeObject, Null)
	snap := m.Feedback()
	m.Cache(1).Update(PropertyCacheEntry{Receiver: hc, Holder: hc})
	if snap[1].State != CacheEmpty {
		t.Error("Expected snapshot unaffected by later updates")
	}
	if m.Feedback()[1].State != CacheMonomorphic {
		t.Error("Expected fresh snapshot to see the update")
	}
	expectFatal(t, func() { m.Cache(2) })
}

func TestCacheStateString(t *testing.T) {
	if CachePolymorphic.String() != "polymorphic" || CacheState(9).String() != "unknown" {
		t.Error("Unexpected cache state names")
	}
}
