package stackmap

import (
	"encoding/binary"
)

// Writer builds a stack map in the binary format the Parser reads. The code
// emitter uses it to attach stack maps to generated code.
type Writer struct {
	functions []writerFunction
	constants []uint64
}

type writerFunction struct {
	record  FunctionRecord
	records []Record
}

// NewWriter creates an empty writer.
func NewWriter() *Writer {
	return &Writer{}
}

// AddConstant appends a large constant to the pool and returns its index.
func (w *Writer) AddConstant(v uint64) uint32 {
	w.constants = append(w.constants, v)
	return uint32(len(w.constants) - 1)
}

// AddFunction appends a function starting at addr with the given frame size
// in bytes and its call-site records.
func (w *Writer) AddFunction(addr, stackSize uint64, records ...Record) {
	w.functions = append(w.functions, writerFunction{
		record: FunctionRecord{
			Address:     addr,
			StackSize:   stackSize,
			RecordCount: uint64(len(records)),
		},
		records: records,
	})
}

// NewCallSiteRecord lays out a record the way the native code generator
// does: the deopt-bundle count, the bundle, then flattened base/derived
// pairs.
func NewCallSiteRecord(patchPointID uint64, instructionOffset uint32, deopt []Location, pairs []DerivedPair) Record {
	locs := make([]Location, 0, 1+len(deopt)+2*len(pairs))
	locs = append(locs, Constant{Value: int32(len(deopt))})
	locs = append(locs, deopt...)
	for _, p := range pairs {
		locs = append(locs, p.Base, p.Derived)
	}
	return Record{
		PatchPointID:      patchPointID,
		InstructionOffset: instructionOffset,
		Locations:         locs,
	}
}

// Bytes encodes the table.
func (w *Writer) Bytes() []byte {
	numRecords := 0
	for _, fn := range w.functions {
		numRecords += len(fn.records)
	}

	buf := make([]byte, 0, headerSize+len(w.functions)*functionRecordSize+8*len(w.constants)+numRecords*64)
	buf = append(buf, Version, 0)
	buf = binary.NativeEndian.AppendUint16(buf, 0)
	buf = binary.NativeEndian.AppendUint32(buf, uint32(len(w.functions)))
	buf = binary.NativeEndian.AppendUint32(buf, uint32(len(w.constants)))
	buf = binary.NativeEndian.AppendUint32(buf, uint32(numRecords))

	for _, fn := range w.functions {
		buf = binary.NativeEndian.AppendUint64(buf, fn.record.Address)
		buf = binary.NativeEndian.AppendUint64(buf, fn.record.StackSize)
		buf = binary.NativeEndian.AppendUint64(buf, fn.record.RecordCount)
	}
	for _, c := range w.constants {
		buf = binary.NativeEndian.AppendUint64(buf, c)
	}
	for _, fn := range w.functions {
		for _, rec := range fn.records {
			buf = appendRecord(buf, rec)
		}
	}
	return buf
}

func appendRecord(buf []byte, rec Record) []byte {
	buf = binary.NativeEndian.AppendUint64(buf, rec.PatchPointID)
	buf = binary.NativeEndian.AppendUint32(buf, rec.InstructionOffset)
	buf = binary.NativeEndian.AppendUint16(buf, rec.Flags)
	buf = binary.NativeEndian.AppendUint16(buf, uint16(len(rec.Locations)))
	for _, loc := range rec.Locations {
		buf = appendLocation(buf, loc)
	}
	buf = pad8(buf)

	buf = binary.NativeEndian.AppendUint16(buf, 0)
	buf = binary.NativeEndian.AppendUint16(buf, uint16(len(rec.LiveOuts)))
	for _, lo := range rec.LiveOuts {
		buf = binary.NativeEndian.AppendUint16(buf, lo.DwarfReg)
		buf = append(buf, 0, lo.Size)
	}
	return pad8(buf)
}

func appendLocation(buf []byte, loc Location) []byte {
	var (
		size   uint16 = 8
		reg    uint16
		offset int32
	)
	switch l := loc.(type) {
	case Register:
		reg = l.Reg
		if l.Size != 0 {
			size = l.Size
		}
	case Direct:
		reg, offset = l.Reg, l.Offset
		if l.Size != 0 {
			size = l.Size
		}
	case Indirect:
		reg, offset = l.Reg, l.Offset
		if l.Size != 0 {
			size = l.Size
		}
	case Constant:
		offset = l.Value
	case ConstantIndex:
		offset = int32(l.Index)
	default:
		fatalf("cannot encode location %T", loc)
	}
	buf = append(buf, byte(loc.Kind()), 0)
	buf = binary.NativeEndian.AppendUint16(buf, size)
	buf = binary.NativeEndian.AppendUint16(buf, reg)
	buf = binary.NativeEndian.AppendUint16(buf, 0)
	return binary.NativeEndian.AppendUint32(buf, uint32(offset))
}

func pad8(buf []byte) []byte {
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	return buf
}
