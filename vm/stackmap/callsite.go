package stackmap

import (
	"fmt"
	"io"
)

// CallSiteInfo is the list of (base, derived) pairs recorded at one call site.
type CallSiteInfo []DerivedPair

// CalcCallSite derives per-call-site information for every (function,
// record) pair of the decoded table. The absolute return address of a record
// is its function's address plus the record's instruction offset.
func (p *Parser) CalcCallSite() {
	if p.callSites == nil {
		p.callSites = make(map[uintptr]*CallSite)
	}
	recordIdx := 0
	for _, fn := range p.stackMap.Functions {
		for j := uint64(0); j < fn.RecordCount; j++ {
			rec := &p.stackMap.Records[recordIdx]
			recordIdx++
			addr := uintptr(fn.Address + uint64(rec.InstructionOffset))
			deopt, pairs := p.partition(rec)
			p.callSites[addr] = &CallSite{
				Address:      addr,
				PatchPointID: rec.PatchPointID,
				StackSize:    fn.StackSize,
				Pairs:        FilterCallSiteInfo(pairs),
				Deopt:        deopt,
			}
		}
	}
}

// partition splits a record's locations at the deopt-bundle boundary
// carried by location 0.
func (p *Parser) partition(rec *Record) ([]DeoptValue, CallSiteInfo) {
	if len(rec.Locations) == 0 {
		fatalf("record %d: no locations", rec.PatchPointID)
	}
	head, ok := rec.Locations[0].(Constant)
	if !ok || head.Value < 0 {
		fatalf("record %d: location 0 is %v, want deopt bundle count", rec.PatchPointID, rec.Locations[0])
	}
	n := int(head.Value)
	if 1+n > len(rec.Locations) {
		fatalf("record %d: deopt bundle of %d exceeds %d locations", rec.PatchPointID, n, len(rec.Locations))
	}

	deopt := make([]DeoptValue, 0, n)
	for _, loc := range rec.Locations[1 : 1+n] {
		switch l := loc.(type) {
		case Indirect:
			deopt = append(deopt, l)
		case Constant:
			deopt = append(deopt, l)
		case ConstantIndex:
			if int(l.Index) >= len(p.stackMap.Constants) {
				fatalf("record %d: constant index %d out of range", rec.PatchPointID, l.Index)
			}
			deopt = append(deopt, LargeConstant{Value: p.stackMap.Constants[l.Index]})
		default:
			fatalf("record %d: %v location in deopt bundle", rec.PatchPointID, loc.Kind())
		}
	}

	rest := rec.Locations[1+n:]
	if len(rest)%2 != 0 {
		fatalf("record %d: odd number (%d) of base/derived locations", rec.PatchPointID, len(rest))
	}
	pairs := make(CallSiteInfo, 0, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		checkPairSide(rec, rest[i])
		checkPairSide(rec, rest[i+1])
		pairs = append(pairs, DerivedPair{Base: rest[i], Derived: rest[i+1]})
	}
	return deopt, pairs
}

func checkPairSide(rec *Record, loc Location) {
	switch loc.(type) {
	case Indirect, Constant:
	default:
		fatalf("record %d: %v location in base/derived pair", rec.PatchPointID, loc.Kind())
	}
}

// FilterCallSiteInfo normalizes pairs in place. A pair whose sides are both
// constants is dropped; a pair with exactly one constant side takes the other
// side's location for both.
func FilterCallSiteInfo(info CallSiteInfo) CallSiteInfo {
	out := info[:0]
	for _, pair := range info {
		_, baseConst := pair.Base.(Constant)
		_, derivedConst := pair.Derived.(Constant)
		switch {
		case baseConst && derivedConst:
			continue
		case baseConst:
			pair.Base = pair.Derived
		case derivedConst:
			pair.Derived = pair.Base
		}
		out = append(out, pair)
	}
	return out
}

// Dump writes a human-readable listing of the table and its call sites.
func (p *Parser) Dump(w io.Writer) {
	sm := &p.stackMap
	fmt.Fprintf(w, "stack map v%d: %d functions, %d constants, %d records\n",
		sm.Header.Version, sm.Header.NumFunctions, sm.Header.NumConstants, sm.Header.NumRecords)
	for i, fn := range sm.Functions {
		fmt.Fprintf(w, "  function %d: addr=%#x stack=%d records=%d\n", i, fn.Address, fn.StackSize, fn.RecordCount)
	}
	for i, c := range sm.Constants {
		fmt.Fprintf(w, "  constant %d: %#x\n", i, c)
	}
	for _, cs := range p.CallSites() {
		fmt.Fprintf(w, "  callsite %#x id=%d stack=%d\n", cs.Address, cs.PatchPointID, cs.StackSize)
		for i, v := range cs.Deopt {
			fmt.Fprintf(w, "    deopt[%d] %v\n", i, v)
		}
		for _, pair := range cs.Pairs {
			fmt.Fprintf(w, "    pair %v\n", pair)
		}
	}
}
