package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chazu/ecmavm/aot"
	"github.com/chazu/ecmavm/config"
	"github.com/chazu/ecmavm/jit"
	"github.com/chazu/ecmavm/vm"
)

// handleRunCommand processes `ecmavm run`. It sums a property over a loop
// until the JIT installs speculative code, prints the stack at that point,
// then breaks the speculation and runs again to show the lazy deopt.
// Usage:
//
//	ecmavm run
//	ecmavm run -n 5000 -image demo.img -stackmap demo.smap
func handleRunCommand(cfg *config.Config, args []string, verbose bool) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	count := fs.Int("n", 1000, "Loop iterations per call")
	imagePath := fs.String("image", "", "Write the compiled code to this AOT image")
	stackMapPath := fs.String("stackmap", "", "Write the compiled function's raw stack map here")
	fs.Parse(args)

	th := vm.NewThread(cfg.VMOptions())
	tracer, closer, err := cfg.Tracer()
	if err != nil {
		return err
	}
	defer closer.Close()
	th.SetTracer(tracer)

	compiler := jit.NewCompiler(th, cfg.JITOptions())
	defer compiler.Stop()

	th.Env().SetGlobal("report", th.NewNativeFunction("report", func(t *vm.Thread, _ vm.Value, args []vm.Value) (vm.Value, error) {
		fmt.Printf("report(%v)\n", args)
		for _, f := range t.StackTrace() {
			fmt.Printf("  at %s [%v] pc=%d optimized=%v\n", f.Function, f.Type, f.BytecodeOffset, f.Optimized)
		}
		return vm.Undefined, nil
	}))

	point := th.NewObject(th.Env().ObjectPrototype())
	th.SetProperty(point, "x", vm.FromInt(3))
	fnVal := th.NewFunction(sumX())
	fn := th.Heap().Function(fnVal)
	if verbose {
		fmt.Println(vm.Disassemble(fn.Method))
	}

	in := vm.NewInterpreter(th)
	n := vm.FromInt(int64(*count))
	for round := 1; round <= 2; round++ {
		res, err := in.Execute(fnVal, vm.Undefined, []vm.Value{point, n})
		if err != nil {
			return err
		}
		compiler.Flush()
		fmt.Printf("round %d: %v (optimized=%v, deopts=%d)\n", round, res, fn.HasCode(), fn.DeoptCount())
	}

	if code := fn.Code(); code != nil {
		if *stackMapPath != "" {
			if err := os.WriteFile(*stackMapPath, code.RawStackMap, 0644); err != nil {
				return err
			}
		}
		if *imagePath != "" {
			if err := aot.WriteFile(*imagePath, aot.FromCodeSpace(th.CodeSpace())); err != nil {
				return err
			}
		}
	}

	// Adding a property changes the layout the load was specialized for.
	th.SetProperty(point, "y", vm.FromInt(0))
	res, err := in.Execute(fnVal, vm.Undefined, []vm.Value{point, n})
	if err != nil {
		return err
	}
	fmt.Printf("after transition: %v (optimized=%v, deopts=%d)\n", res, fn.HasCode(), fn.DeoptCount())

	stats := compiler.Stats()
	fmt.Printf("jit: %d queued, %d compiled, %d aborted, %d dropped, %v compiling\n",
		stats.Queued, stats.Compiled, stats.Aborted, stats.Dropped, stats.CompilationTime)
	return nil
}

// sumX returns a method computing o.x * n by repeated addition, then
// passing the result to the global report.
//
//	v0 = i, v1 = sum, v2 = o, v3 = n
func sumX() *vm.Method {
	b := vm.NewBytecodeBuilder()
	b.EmitLdai(0)
	b.EmitReg(vm.OpSta, 0)
	b.EmitReg(vm.OpSta, 1)
	loop := b.NewLabel()
	end := b.NewLabel()
	b.Mark(loop)
	b.EmitReg(vm.OpLda, 3)
	b.EmitReg(vm.OpLess, 0)
	b.EmitJump(vm.OpJeqz, end)
	b.EmitReg(vm.OpLda, 2)
	b.EmitLdObjByName("x")
	b.EmitReg(vm.OpAdd2, 1)
	b.EmitReg(vm.OpSta, 1)
	b.EmitReg(vm.OpLda, 0)
	b.Emit(vm.OpInc)
	b.EmitReg(vm.OpSta, 0)
	b.EmitJump(vm.OpJmp, loop)
	b.Mark(end)
	b.EmitName(vm.OpTryLdGlobal, "report")
	b.EmitCallArgs(1, 1)
	b.EmitReg(vm.OpLda, 1)
	b.Emit(vm.OpReturn)
	return b.Method("sumX", 2, 2)
}
