// ecmavm CLI - inspects stack maps and AOT images and runs a small
// speculation demo on the VM core.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chazu/ecmavm/config"
)

func main() {
	configPath := flag.String("config", "", "Path to ecmavm.toml (default: search upward from the working directory)")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ecmavm [options] <command> [arguments]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  stackmap FILE [-rebase host,new]   Decode and dump a raw stack map\n")
		fmt.Fprintf(os.Stderr, "  image FILE [-load addr]            Inspect an AOT image\n")
		fmt.Fprintf(os.Stderr, "  run [-n count] [-image out]        Run the speculation demo\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *verbose && cfg.Log.Verbosity < 2 {
		cfg.Log.Verbosity = 2
	}
	cfg.ConfigureLogging()

	args := flag.Args()[1:]
	switch cmd := flag.Arg(0); cmd {
	case "stackmap":
		err = handleStackMapCommand(args)
	case "image":
		err = handleImageCommand(args)
	case "run":
		err = handleRunCommand(cfg, args, *verbose)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the file at path, or searches upward from the working
// directory when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FindAndLoad(".")
	}
	if filepath.Base(path) == config.FileName {
		path = filepath.Dir(path)
	}
	return config.Load(path)
}
