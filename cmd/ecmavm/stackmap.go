package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/chazu/ecmavm/vm/stackmap"
)

// handleStackMapCommand processes `ecmavm stackmap`.
// Usage:
//
//	ecmavm stackmap code.smap
//	ecmavm stackmap -rebase 0x10000,0x900000 code.smap
func handleStackMapCommand(args []string) error {
	fs := flag.NewFlagSet("stackmap", flag.ExitOnError)
	rebase := fs.String("rebase", "", "Rebase function addresses: host,new")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("stackmap requires exactly one file")
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	p, err := parseStackMap(raw, *rebase)
	if err != nil {
		return err
	}
	p.Dump(os.Stdout)
	return nil
}

// parseStackMap decodes raw, rebased when rebase is "host,new". Malformed
// input is reported as an error.
func parseStackMap(raw []byte, rebase string) (p *stackmap.Parser, err error) {
	var host, target uint64
	if rebase != "" {
		h, n, ok := strings.Cut(rebase, ",")
		if !ok {
			return nil, fmt.Errorf("-rebase wants host,new, got %q", rebase)
		}
		if host, err = strconv.ParseUint(strings.TrimSpace(h), 0, 64); err != nil {
			return nil, fmt.Errorf("-rebase host address: %w", err)
		}
		if target, err = strconv.ParseUint(strings.TrimSpace(n), 0, 64); err != nil {
			return nil, fmt.Errorf("-rebase new address: %w", err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			cv, ok := r.(*stackmap.ContractViolation)
			if !ok {
				panic(r)
			}
			p, err = nil, cv
		}
	}()
	p = stackmap.NewParser()
	if rebase != "" {
		p.CalculateStackMapRebased(raw, uintptr(host), uintptr(target))
	} else {
		p.CalculateStackMap(raw)
	}
	return p, nil
}
