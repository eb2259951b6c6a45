package config

import "flag"

// Overrides binds one command-line flag per configuration key. Only flags set
// on the command line override the loaded configuration.
type Overrides struct {
	fs     *flag.FlagSet
	shadow *Config
	apply  map[string]func(dst *Config)
}

func BindFlags(fs *flag.FlagSet) *Overrides {
	o := &Overrides{fs: fs, shadow: Default(), apply: make(map[string]func(*Config))}
	s := o.shadow

	o.stringVar((*string)(&s.Mode), "mode", "Resolution mode: plain or precise", func(d *Config) { d.Mode = s.Mode })
	o.stringVar(&s.Rootfs, "rootfs", "Rootfs snapshot the crash log paths live under", func(d *Config) { d.Rootfs = s.Rootfs })
	o.stringVar(&s.DebugRoot, "debug-root", "Logical build-id debug directory inside the rootfs", func(d *Config) { d.DebugRoot = s.DebugRoot })
	o.stringVar(&s.CrossPrefix, "cross-prefix", "Cross toolchain prefix, e.g. aarch64-linux-gnu-", func(d *Config) { d.CrossPrefix = s.CrossPrefix })
	o.stringVar(&s.Addr2line, "addr2line", "Resolver tool binary (default derived from mode)", func(d *Config) { d.Addr2line = s.Addr2line })
	o.stringVar(&s.Readelf, "readelf", "readelf binary used for debug links", func(d *Config) { d.Readelf = s.Readelf })
	o.stringVar((*string)(&s.DebugLink), "debuglink", "Debug-link reader: elf or readelf", func(d *Config) { d.DebugLink = s.DebugLink })
	o.stringVar(&s.CacheDB, "cache-db", "Durable symbol cache file", func(d *Config) { d.CacheDB = s.CacheDB })
	o.stringVar((*string)(&s.DemangleStyle), "demangle-style", "NONE, SIMPLIFIED, TEMPLATES or FULL", func(d *Config) { d.DemangleStyle = s.DemangleStyle })
	o.stringVar((*string)(&s.Fallback), "fallback", "Unresolved frames: drop or label", func(d *Config) { d.Fallback = s.Fallback })

	fs.Var(&s.SymbolWorkers, "symbol-workers", "Symbolization pool size: auto or N")
	o.apply["symbol-workers"] = func(d *Config) { d.SymbolWorkers = s.SymbolWorkers }
	fs.Var(&s.RewriteWorkers, "rewrite-workers", "Rewrite pool size: auto or N")
	o.apply["rewrite-workers"] = func(d *Config) { d.RewriteWorkers = s.RewriteWorkers }
	fs.Uint64Var(&s.WorkerMemory, "worker-memory", s.WorkerMemory, "Memory budget per resolver process, in bytes")
	o.apply["worker-memory"] = func(d *Config) { d.WorkerMemory = s.WorkerMemory }
	fs.BoolVar(&s.Demangle, "demangle", s.Demangle, "Ask the resolver tool to demangle names")
	o.apply["demangle"] = func(d *Config) { d.Demangle = s.Demangle }
	fs.DurationVar(&s.Timeout, "timeout", s.Timeout, "Per-process resolver timeout")
	o.apply["timeout"] = func(d *Config) { d.Timeout = s.Timeout }
	return o
}

func (o *Overrides) stringVar(p *string, name, usage string, apply func(*Config)) {
	o.fs.StringVar(p, name, *p, usage)
	o.apply[name] = apply
}

// Apply copies every flag set on the command line into cfg.
func (o *Overrides) Apply(cfg *Config) {
	o.fs.Visit(func(f *flag.Flag) {
		if fn, ok := o.apply[f.Name]; ok {
			fn(cfg)
		}
	})
}
