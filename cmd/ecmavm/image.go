package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/chazu/ecmavm/aot"
	"github.com/chazu/ecmavm/vm"
)

// handleImageCommand processes `ecmavm image`.
// Usage:
//
//	ecmavm image code.img
//	ecmavm image -load 0x900000 code.img
func handleImageCommand(args []string) error {
	fs := flag.NewFlagSet("image", flag.ExitOnError)
	load := fs.String("load", "", "Load the image at this address and list its call sites")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("image requires exactly one file")
	}

	img, err := aot.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := img.Verify(); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "image v%d, %d sections, %d bytes\n", img.Version, len(img.Sections), img.Size())
	fmt.Fprintln(w, "SECTION\tHOST\tCODE\tSTACKMAP\tCHECKSUM\tFUNCTIONS")
	for _, s := range img.Sections {
		fmt.Fprintf(w, "%s\t%#x\t%d\t%d\t%08x\t%d\n", s.Name, s.HostAddr, len(s.Code), len(s.StackMap), s.Checksum, len(s.Functions))
	}
	w.Flush()

	if *load == "" {
		return nil
	}
	base, err := strconv.ParseUint(*load, 0, 64)
	if err != nil {
		return fmt.Errorf("-load address: %w", err)
	}
	th := vm.NewThread(vm.DefaultOptions())
	codes, err := img.Load(th, uintptr(base))
	if err != nil {
		return err
	}
	for i, code := range codes {
		fmt.Printf("%s at %#x\n", img.Sections[i].Name, code.Entry)
		if code.StackMap == nil {
			continue
		}
		for _, cs := range code.StackMap.CallSites() {
			fmt.Printf("  callsite %#x id=%d roots=%d deopt=%d\n", cs.Address, cs.PatchPointID, len(cs.Pairs), len(cs.Deopt))
		}
	}
	return nil
}
