// Package config handles ecmavm.toml configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/chazu/ecmavm/jit"
	"github.com/chazu/ecmavm/trace"
	"github.com/chazu/ecmavm/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("ecmavm.config")

// FileName is the name of the configuration file.
const FileName = "ecmavm.toml"

// ErrInvalid is wrapped by validation failures.
var ErrInvalid = errors.New("invalid configuration")

// Config represents an ecmavm.toml file.
type Config struct {
	VM    VMConfig    `toml:"vm"`
	JIT   JITConfig   `toml:"jit"`
	Log   LogConfig   `toml:"log"`
	Trace TraceConfig `toml:"trace"`

	// Dir is the directory containing the ecmavm.toml file (set at load
	// time). Relative paths in the file are resolved against it.
	Dir string `toml:"-"`
}

// VMConfig configures threads.
type VMConfig struct {
	AsmInterpreter bool `toml:"asm-interpreter"`
	StackWords     int  `toml:"stack-words"`
}

// JITConfig configures speculative compilation.
type JITConfig struct {
	Enable           bool  `toml:"enable"`
	EnableLazyDeopt  bool  `toml:"enable-lazy-deopt"`
	HotnessThreshold int32 `toml:"hotness-threshold"`
	QueueSize        int   `toml:"queue-size"`
	LogCompilation   bool  `toml:"log-compilation"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// TraceConfig configures deoptimization telemetry.
type TraceConfig struct {
	// Database is the SQLite file events are stored in; empty disables it.
	Database   string `toml:"database"`
	LogCommits bool   `toml:"log-commits"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	vmDefaults := vm.DefaultOptions()
	jitDefaults := jit.DefaultOptions()
	return &Config{
		VM: VMConfig{
			AsmInterpreter: vmDefaults.AsmInterpreter,
			StackWords:     vmDefaults.StackWords,
		},
		JIT: JITConfig{
			Enable:           jitDefaults.Enabled,
			EnableLazyDeopt:  vmDefaults.EnableLazyDeopt,
			HotnessThreshold: vmDefaults.HotnessThreshold,
			QueueSize:        jitDefaults.QueueSize,
		},
		Log:   LogConfig{Verbosity: 1},
		Trace: TraceConfig{LogCommits: true},
	}
}

// Load parses the ecmavm.toml file in dir over the defaults.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		log.Warningf("%s: unknown key %s", path, key)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find an ecmavm.toml file, then
// loads it. Returns the defaults if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			c := Default()
			c.Dir, _ = filepath.Abs(startDir)
			return c, nil
		}
		dir = parent
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.VM.StackWords < 0 {
		return fmt.Errorf("vm.stack-words = %d: %w", c.VM.StackWords, ErrInvalid)
	}
	if c.JIT.HotnessThreshold < 0 {
		return fmt.Errorf("jit.hotness-threshold = %d: %w", c.JIT.HotnessThreshold, ErrInvalid)
	}
	if c.JIT.QueueSize < 0 {
		return fmt.Errorf("jit.queue-size = %d: %w", c.JIT.QueueSize, ErrInvalid)
	}
	if c.Log.Verbosity < -4 || c.Log.Verbosity > 4 {
		return fmt.Errorf("log.verbosity = %d: %w", c.Log.Verbosity, ErrInvalid)
	}
	return nil
}

// VMOptions returns the thread options the file describes.
func (c *Config) VMOptions() vm.Options {
	return vm.Options{
		AsmInterpreter:   c.VM.AsmInterpreter,
		EnableLazyDeopt:  c.JIT.EnableLazyDeopt,
		StackWords:       c.VM.StackWords,
		HotnessThreshold: c.JIT.HotnessThreshold,
	}
}

// JITOptions returns the compiler options the file describes.
func (c *Config) JITOptions() jit.Options {
	return jit.Options{
		Enabled:        c.JIT.Enable,
		QueueSize:      c.JIT.QueueSize,
		LogCompilation: c.JIT.LogCompilation,
	}
}

// resolve makes path absolute relative to the configuration directory.
func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || path == ":memory:" {
		return path
	}
	return filepath.Join(c.Dir, path)
}

// LogPath returns the resolved log file path, or "" for stderr.
func (c *Config) LogPath() string { return c.resolve(c.Log.Path) }

// DatabasePath returns the resolved trace database path, or "".
func (c *Config) DatabasePath() string { return c.resolve(c.Trace.Database) }

// ConfigureLogging applies the [log] section to commonlog.
func (c *Config) ConfigureLogging() {
	var path *string
	if p := c.LogPath(); p != "" {
		path = &p
	}
	commonlog.Configure(c.Log.Verbosity, path)
}

type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Tracer builds the telemetry sinks the [trace] section enables. The
// returned closer releases them; the tracer is nil when nothing is enabled.
func (c *Config) Tracer() (vm.Tracer, io.Closer, error) {
	var sinks []vm.Tracer
	var cs closers
	if c.Trace.LogCommits {
		sinks = append(sinks, trace.NewLogSink())
	}
	if db := c.DatabasePath(); db != "" {
		s, err := trace.OpenSQLite(db)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
		cs = append(cs, s)
	}
	if len(sinks) == 0 {
		return nil, cs, nil
	}
	return trace.Multi(sinks...), cs, nil
}
