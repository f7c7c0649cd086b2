package stackmap

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("ecmavm.stackmap")

// Version is the only stack-map format version the decoder accepts.
const Version uint8 = 3

// Wire sizes in bytes.
const (
	headerSize         = 16
	functionRecordSize = 24
)

// ContractViolation is the panic payload for malformed input. The producer
// is the native code generator of the same build, so malformed input is a
// toolchain defect rather than a recoverable condition.
type ContractViolation struct {
	Message string
}

func (e *ContractViolation) Error() string {
	return "stackmap: " + e.Message
}

func fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Critical(msg)
	panic(&ContractViolation{Message: msg})
}

// ---------------------------------------------------------------------------
// Decoded table
// ---------------------------------------------------------------------------

// Header is the fixed prefix of a stack map.
type Header struct {
	Version      uint8
	Reserved0    uint8
	Reserved1    uint16
	NumFunctions uint32
	NumConstants uint32
	NumRecords   uint32
}

// FunctionRecord describes one compiled function in the blob.
type FunctionRecord struct {
	Address     uint64
	StackSize   uint64
	RecordCount uint64
}

// LiveOut is a register live across the call site.
type LiveOut struct {
	DwarfReg uint16
	Size     uint8
}

// Record is the stack-map entry of one call site.
type Record struct {
	PatchPointID      uint64
	InstructionOffset uint32
	Flags             uint16
	Locations         []Location
	LiveOuts          []LiveOut
}

// StackMap is the fully decoded table.
type StackMap struct {
	Header    Header
	Functions []FunctionRecord
	Constants []uint64
	Records   []Record
}

// CallSite is the derived information for one return address.
type CallSite struct {
	Address      uintptr
	PatchPointID uint64
	StackSize    uint64
	Pairs        CallSiteInfo
	Deopt        []DeoptValue
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

// Parser decodes one stack map and answers call-site queries. It is built
// once per code blob before that code runs; queries afterwards are
// read-only and safe for concurrent use.
type Parser struct {
	stackMap  StackMap
	callSites map[uintptr]*CallSite
}

// NewParser creates an empty parser.
func NewParser() *Parser {
	return &Parser{callSites: make(map[uintptr]*CallSite)}
}

// CalculateStackMap decodes buf and derives call-site information using the
// function addresses recorded in the table. Returns false if buf is nil.
func (p *Parser) CalculateStackMap(buf []byte) bool {
	if buf == nil {
		log.Error("stack map buffer is nil")
		return false
	}
	p.stackMap = decode(buf)
	p.callSites = make(map[uintptr]*CallSite)
	p.CalcCallSite()
	return true
}

// CalculateStackMapRebased decodes buf for a code blob that has been copied
// from hostCodeSectionAddr to hostCodeSectionOffset. Every function address
// is rewritten to addr - hostCodeSectionAddr + hostCodeSectionOffset and the
// call-site information is recomputed from scratch; nothing derived from an
// earlier parse survives.
func (p *Parser) CalculateStackMapRebased(buf []byte, hostCodeSectionAddr, hostCodeSectionOffset uintptr) bool {
	if buf == nil {
		log.Error("stack map buffer is nil")
		return false
	}
	p.stackMap = decode(buf)
	for i := range p.stackMap.Functions {
		fn := &p.stackMap.Functions[i]
		fn.Address = fn.Address - uint64(hostCodeSectionAddr) + uint64(hostCodeSectionOffset)
	}
	p.callSites = make(map[uintptr]*CallSite)
	p.CalcCallSite()
	return true
}

// Header returns the decoded header.
func (p *Parser) Header() Header { return p.stackMap.Header }

// Functions returns the function size records, rebased if applicable.
func (p *Parser) Functions() []FunctionRecord { return p.stackMap.Functions }

// Constants returns the large-constant pool.
func (p *Parser) Constants() []uint64 { return p.stackMap.Constants }

// Records returns the raw call-site records in table order.
func (p *Parser) Records() []Record { return p.stackMap.Records }

// CallSite returns the derived information for a return address.
func (p *Parser) CallSite(addr uintptr) (*CallSite, bool) {
	cs, ok := p.callSites[addr]
	return cs, ok
}

// GetCallSiteInfo returns the filtered (base, derived) pairs for addr.
func (p *Parser) GetCallSiteInfo(addr uintptr) (CallSiteInfo, bool) {
	cs, ok := p.callSites[addr]
	if !ok {
		return nil, false
	}
	return cs.Pairs, true
}

// GetDeoptBundle returns the ordered deoptimization bundle for addr.
func (p *Parser) GetDeoptBundle(addr uintptr) ([]DeoptValue, bool) {
	cs, ok := p.callSites[addr]
	if !ok {
		return nil, false
	}
	return cs.Deopt, true
}

// CallSites returns every derived call site ordered by address.
func (p *Parser) CallSites() []*CallSite {
	out := make([]*CallSite, 0, len(p.callSites))
	for _, cs := range p.callSites {
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

type reader struct {
	data []byte
	off  int
}

func (r *reader) need(n int) {
	if r.off+n > len(r.data) {
		fatalf("truncated stack map: need %d bytes at offset %d, have %d", n, r.off, len(r.data))
	}
}

func (r *reader) u8() uint8 {
	r.need(1)
	v := r.data[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	r.need(2)
	v := binary.NativeEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	r.need(4)
	v := binary.NativeEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	r.need(8)
	v := binary.NativeEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

// align8 skips padding up to the next 8-byte boundary.
func (r *reader) align8() {
	if pad := (8 - r.off%8) % 8; pad != 0 {
		r.need(pad)
		r.off += pad
	}
}

func decode(buf []byte) StackMap {
	r := &reader{data: buf}
	var sm StackMap

	sm.Header.Version = r.u8()
	sm.Header.Reserved0 = r.u8()
	sm.Header.Reserved1 = r.u16()
	if sm.Header.Version != Version {
		fatalf("unsupported stack map version %d", sm.Header.Version)
	}
	sm.Header.NumFunctions = r.u32()
	sm.Header.NumConstants = r.u32()
	sm.Header.NumRecords = r.u32()

	sm.Functions = make([]FunctionRecord, sm.Header.NumFunctions)
	var total uint64
	for i := range sm.Functions {
		sm.Functions[i] = FunctionRecord{
			Address:     r.u64(),
			StackSize:   r.u64(),
			RecordCount: r.u64(),
		}
		total += sm.Functions[i].RecordCount
	}
	if total != uint64(sm.Header.NumRecords) {
		fatalf("function records cover %d call sites, header declares %d", total, sm.Header.NumRecords)
	}

	sm.Constants = make([]uint64, sm.Header.NumConstants)
	for i := range sm.Constants {
		sm.Constants[i] = r.u64()
	}

	sm.Records = make([]Record, sm.Header.NumRecords)
	for i := range sm.Records {
		sm.Records[i] = decodeRecord(r)
	}
	return sm
}

func decodeRecord(r *reader) Record {
	var rec Record
	rec.PatchPointID = r.u64()
	rec.InstructionOffset = r.u32()
	rec.Flags = r.u16()
	numLocations := r.u16()

	rec.Locations = make([]Location, numLocations)
	for i := range rec.Locations {
		kind := Kind(r.u8())
		_ = r.u8()
		size := r.u16()
		reg := r.u16()
		_ = r.u16()
		off := int32(r.u32())
		switch kind {
		case KindRegister:
			rec.Locations[i] = Register{Reg: reg, Size: size}
		case KindDirect:
			rec.Locations[i] = Direct{Reg: reg, Size: size, Offset: off}
		case KindIndirect:
			rec.Locations[i] = Indirect{Reg: reg, Size: size, Offset: off}
		case KindConstant:
			rec.Locations[i] = Constant{Value: off}
		case KindConstantIndex:
			rec.Locations[i] = ConstantIndex{Index: uint32(off)}
		default:
			fatalf("record %d: unknown location kind %d", rec.PatchPointID, uint8(kind))
		}
	}
	r.align8()

	_ = r.u16()
	numLiveOuts := r.u16()
	rec.LiveOuts = make([]LiveOut, numLiveOuts)
	for i := range rec.LiveOuts {
		reg := r.u16()
		_ = r.u8()
		size := r.u8()
		rec.LiveOuts[i] = LiveOut{DwarfReg: reg, Size: size}
	}
	r.align8()
	return rec
}
