package jit

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/ecmavm/vm"
	"github.com/chazu/ecmavm/vm/deopt"
)

// SiteKind classifies the instructions the compiler treats specially.
type SiteKind uint8

const (
	SiteLoad     SiteKind = iota // LdObjByName
	SiteStore                    // StObjByName
	SiteIterator                 // GetIterator
	SiteGlobal                   // TryLdGlobal of a builtin guarded by a detector
	SiteCall                     // CallArgs
)

func (k SiteKind) String() string {
	switch k {
	case SiteLoad:
		return "load"
	case SiteStore:
		return "store"
	case SiteIterator:
		return "iterator"
	case SiteGlobal:
		return "global"
	case SiteCall:
		return "call"
	default:
		return fmt.Sprintf("site(%d)", uint8(k))
	}
}

// Site is one instruction of the compiled method and how it is compiled.
// A speculated site runs an inline fast path guarded by dependencies; any
// other site calls into the runtime and so carries a stack map record.
type Site struct {
	PC         int
	Kind       SiteKind
	Speculated bool

	// Receiver and Holder are the layouts a speculated property site was
	// specialized for.
	Receiver *vm.HClass
	Holder   *vm.HClass

	// Detector guards a speculated global or iterator site.
	Detector vm.DetectorID
}

// Plan is the speculation plan of one compilation together with the
// dependencies it relies on.
type Plan struct {
	Sites []Site
	Deps  *deopt.AllDependencies
}

// NumSpeculated returns the number of speculated sites.
func (p *Plan) NumSpeculated() int {
	n := 0
	for _, s := range p.Sites {
		if s.Speculated {
			n++
		}
	}
	return n
}

// Site returns the site at bytecode offset pc.
func (p *Plan) Site(pc int) (Site, bool) {
	for _, s := range p.Sites {
		if s.PC == pc {
			return s, true
		}
	}
	return Site{}, false
}

// planFor walks j's bytecode and decides, site by site, whether its
// feedback allows a speculative fast path. Each speculation records its
// dependencies; a site whose dependency cannot be taken is compiled
// generically. Returns false, with the dependencies discarded, when the
// function cannot be compiled at all.
func planFor(thread *vm.Thread, j *job) (*Plan, bool) {
	m := j.method
	code := m.Bytecode
	deps := deopt.NewAllDependencies(thread.Env())
	plan := &Plan{Deps: deps}

	for pc := 0; pc < len(code); pc += vm.Opcode(code[pc]).Size() {
		op := vm.Opcode(code[pc])
		if pc+op.Size() > len(code) {
			vm.Fatalf("jit: %s: truncated %v at %d", m.Name, op, pc)
		}
		switch op {
		case vm.OpLdObjByName:
			plan.Sites = append(plan.Sites, planLoad(thread, deps, j.feedback[code[pc+1]], pc))

		case vm.OpStObjByName:
			plan.Sites = append(plan.Sites, planStore(deps, j.feedback[code[pc+1]], pc))

		case vm.OpGetIterator:
			s := Site{PC: pc, Kind: SiteIterator, Detector: vm.ArrayIteratorDetector}
			s.Speculated = deps.DependOnArrayDetector(nil)
			plan.Sites = append(plan.Sites, s)

		case vm.OpTryLdGlobal:
			name := m.Names[binary.LittleEndian.Uint16(code[pc+1:])]
			if id, ok := j.globals[name]; ok {
				s := Site{PC: pc, Kind: SiteGlobal, Detector: id}
				s.Speculated = deps.DependOnDetector(id, nil)
				plan.Sites = append(plan.Sites, s)
			}

		case vm.OpCallArgs:
			plan.Sites = append(plan.Sites, Site{PC: pc, Kind: SiteCall})

		default:
		}
	}

	if !deps.DependOnHotReloadPatchMain(thread) {
		deps.Discard()
		return nil, false
	}
	return plan, true
}

// planLoad specializes a named load for its single observed layout. Own
// properties need the receiver layout to stay fixed; inherited ones also
// need every prototype up to the holder to stay fixed.
func planLoad(thread *vm.Thread, deps *deopt.AllDependencies, feedback vm.PropertyCache, pc int) Site {
	s := Site{PC: pc, Kind: SiteLoad}
	e, ok := feedback.Monomorphic()
	if !ok {
		return s
	}
	s.Receiver, s.Holder = e.Receiver, e.Holder
	if e.Receiver == e.Holder {
		s.Speculated = deps.DependOnStableHClass(e.Receiver)
		return s
	}
	if !deopt.CheckStableProtoChain(thread, e.Receiver, e.Holder, nil) {
		return s
	}
	s.Speculated = deps.DependOnStableProtoChain(thread, e.Receiver, e.Holder, nil)
	if s.Speculated && !e.Receiver.IsComposite() {
		s.Speculated = deps.DependOnStableHClass(e.Receiver)
	}
	return s
}

// planStore specializes a named store. Writing into a prototype would
// change what loads elsewhere observe, so the receiver layout must not be
// used as a prototype.
func planStore(deps *deopt.AllDependencies, feedback vm.PropertyCache, pc int) Site {
	s := Site{PC: pc, Kind: SiteStore}
	e, ok := feedback.Monomorphic()
	if !ok {
		return s
	}
	s.Receiver, s.Holder = e.Receiver, e.Holder
	s.Speculated = deps.DependOnNotPrototype(e.Receiver) && deps.DependOnStableHClass(e.Receiver)
	return s
}
