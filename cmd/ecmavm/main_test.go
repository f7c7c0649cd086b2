package main

import (
	"testing"

	"github.com/chazu/ecmavm/vm"
	"github.com/chazu/ecmavm/vm/stackmap"
)

func sampleRaw() []byte {
	w := stackmap.NewWriter()
	w.AddFunction(0x1000, 16, stackmap.NewCallSiteRecord(1, 0x8, []stackmap.Location{stackmap.Constant{Value: 1}}, nil))
	return w.Bytes()
}

func TestParseStackMapRebase(t *testing.T) {
	p, err := parseStackMap(sampleRaw(), "0x1000, 0x9000")
	if err != nil {
		t.Fatalf("parseStackMap: %v", err)
	}
	if _, ok := p.CallSite(0x9008); !ok {
		t.Error("Expected call site at rebased address 0x9008")
	}

	p, err = parseStackMap(sampleRaw(), "")
	if err != nil {
		t.Fatalf("parseStackMap: %v", err)
	}
	if _, ok := p.CallSite(0x1008); !ok {
		t.Error("Expected call site at 0x1008")
	}
}

func TestParseStackMapErrors(t *testing.T) {
	if _, err := parseStackMap(sampleRaw(), "0x1000"); err == nil {
		t.Error("Expected error for rebase without new address")
	}
	if _, err := parseStackMap(sampleRaw(), "zz,0x10"); err == nil {
		t.Error("Expected error for bad host address")
	}
	raw := sampleRaw()
	if _, err := parseStackMap(raw[:len(raw)-9], ""); err == nil {
		t.Error("Expected error for truncated stack map")
	}
}

func TestSumXProgram(t *testing.T) {
	th := vm.NewThread(vm.DefaultOptions())
	var reported vm.Value
	th.Env().SetGlobal("report", th.NewNativeFunction("report", func(_ *vm.Thread, _ vm.Value, args []vm.Value) (vm.Value, error) {
		reported = args[0]
		return vm.Undefined, nil
	}))
	point := th.NewObject(th.Env().ObjectPrototype())
	th.SetProperty(point, "x", vm.FromInt(3))

	res, err := vm.NewInterpreter(th).Execute(th.NewFunction(sumX()), vm.Undefined, []vm.Value{point, vm.FromInt(5)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res != vm.FromInt(15) || reported != vm.FromInt(15) {
		t.Errorf("Expected 15 returned and reported, got %v and %v", res, reported)
	}
}
