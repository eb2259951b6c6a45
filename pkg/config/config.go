// Package config loads the run configuration from YAML and command-line
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/vietanhduong/crashsym/pkg/addr2line"
	"github.com/vietanhduong/crashsym/pkg/resolver"
	"github.com/vietanhduong/crashsym/pkg/sched"
	"github.com/vietanhduong/crashsym/pkg/syms"
	"gopkg.in/yaml.v3"
)

// DebugLinkSource selects how debug-link names are read in precise mode.
type DebugLinkSource string

const (
	DebugLinkElf     DebugLinkSource = "elf"
	DebugLinkReadelf DebugLinkSource = "readelf"
)

const DefaultTimeout = 10 * time.Minute

type Config struct {
	Mode        syms.Mode `yaml:"mode"`
	Rootfs      string    `yaml:"rootfs"`
	DebugRoot   string    `yaml:"debug_root"`
	CrossPrefix string    `yaml:"cross_prefix"`
	// Addr2line overrides the resolver tool derived from mode and prefix.
	Addr2line string          `yaml:"addr2line"`
	Readelf   string          `yaml:"readelf"`
	DebugLink DebugLinkSource `yaml:"debuglink"`

	SymbolWorkers  sched.PoolSize `yaml:"symbol_workers"`
	RewriteWorkers sched.PoolSize `yaml:"rewrite_workers"`
	// WorkerMemory is the per-process budget, in bytes, used to size the
	// symbolization pool automatically.
	WorkerMemory uint64 `yaml:"worker_memory"`

	// CacheDB is the durable symbol cache. Empty disables persistence.
	CacheDB       string              `yaml:"cache_db"`
	Demangle      bool                `yaml:"demangle"`
	DemangleStyle syms.DemangleType   `yaml:"demangle_style"`
	Timeout       time.Duration       `yaml:"timeout"`
	Fallback      syms.FallbackPolicy `yaml:"fallback"`
}

func Default() *Config {
	return &Config{
		Mode:           syms.ModePlain,
		Rootfs:         "/",
		DebugRoot:      resolver.DefaultDebugRoot,
		DebugLink:      DebugLinkElf,
		SymbolWorkers:  sched.Auto,
		RewriteWorkers: sched.Auto,
		WorkerMemory:   sched.DefaultWorkerMemory,
		DemangleStyle:  syms.DemangleFull,
		Timeout:        DefaultTimeout,
		Fallback:       syms.FallbackLabel,
	}
}

// LoadFile reads filename on top of the defaults.
func LoadFile(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no config file specified")
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadData(data)
}

func LoadData(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem of the configuration at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if !c.Mode.Valid() {
		errs = multierror.Append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if !c.Fallback.Valid() {
		errs = multierror.Append(errs, fmt.Errorf("unknown fallback %q", c.Fallback))
	}
	if !c.DemangleStyle.Valid() {
		errs = multierror.Append(errs, fmt.Errorf("unknown demangle_style %q", c.DemangleStyle))
	}
	switch c.DebugLink {
	case DebugLinkElf:
	case DebugLinkReadelf:
		if c.Mode == syms.ModePlain {
			errs = multierror.Append(errs, errors.New("debuglink readelf is only used in precise mode"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown debuglink %q", c.DebugLink))
	}
	if c.Mode == syms.ModePlain && c.CrossPrefix != "" && c.Addr2line == "" {
		errs = multierror.Append(errs, errors.New("cross_prefix needs precise mode or an explicit addr2line"))
	}
	if c.Rootfs == "" {
		errs = multierror.Append(errs, errors.New("rootfs must not be empty"))
	}
	if c.Timeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("timeout must be positive, got %v", c.Timeout))
	}
	if c.WorkerMemory == 0 {
		errs = multierror.Append(errs, errors.New("worker_memory must be positive"))
	}
	return errs.ErrorOrNil()
}

func (c *Config) Addr2lineBin() string {
	return addr2line.DefaultTool(c.Mode, c.CrossPrefix, c.Addr2line)
}

func (c *Config) ReadelfBin() string {
	if c.Readelf != "" {
		return c.Readelf
	}
	return c.CrossPrefix + "readelf"
}

// Tools returns the external binaries the configuration needs.
func (c *Config) Tools() []string {
	tools := []string{c.Addr2lineBin()}
	if c.Mode == syms.ModePrecise && c.DebugLink == DebugLinkReadelf {
		tools = append(tools, c.ReadelfBin())
	}
	return tools
}

// CheckTools fails when a required tool is not on PATH.
func (c *Config) CheckTools() error {
	var errs *multierror.Error
	for _, t := range c.Tools() {
		if _, err := exec.LookPath(t); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("find tool %s: %w", t, err))
		}
	}
	return errs.ErrorOrNil()
}
