package sched

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"gopkg.in/yaml.v3"
)

const (
	// MinRewriteWorkers is the floor of the automatic rewrite pool size.
	MinRewriteWorkers = 4
	// DefaultWorkerMemory is the memory budget of one resolver-tool process.
	DefaultWorkerMemory uint64 = 512 << 20
)

// PoolSize is either "auto" or a fixed positive worker count. The zero value
// is auto.
type PoolSize struct {
	N int
}

var Auto = PoolSize{}

func Fixed(n int) PoolSize { return PoolSize{N: n} }

func (p PoolSize) IsAuto() bool { return p.N <= 0 }

func ParsePoolSize(s string) (PoolSize, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "auto") {
		return Auto, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return Auto, fmt.Errorf("parse pool size %q: want \"auto\" or a positive integer", s)
	}
	if n <= 0 {
		return Auto, fmt.Errorf("parse pool size %q: must be positive", s)
	}
	return Fixed(n), nil
}

func (p PoolSize) String() string {
	if p.IsAuto() {
		return "auto"
	}
	return strconv.Itoa(p.N)
}

// Set implements flag.Value.
func (p *PoolSize) Set(s string) error {
	v, err := ParsePoolSize(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p *PoolSize) UnmarshalYAML(value *yaml.Node) error {
	return p.Set(value.Value)
}

func (p PoolSize) MarshalYAML() (interface{}, error) {
	if p.IsAuto() {
		return "auto", nil
	}
	return p.N, nil
}

// SymbolWorkers sizes the symbolization pool. Auto is
// min(cpus, available memory / perWorker), never below one.
func SymbolWorkers(size PoolSize, perWorker uint64) int {
	if !size.IsAuto() {
		return size.N
	}
	avail, err := availableMemory()
	if err != nil {
		glog.Warningf("Failed to read available memory, sizing by cpu only: %v", err)
		avail = 0
	}
	return symbolWorkers(runtime.NumCPU(), avail, perWorker)
}

func symbolWorkers(cpus int, avail, perWorker uint64) int {
	n := cpus
	if avail > 0 && perWorker > 0 {
		if byMem := avail / perWorker; byMem < uint64(n) {
			n = int(byMem)
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

// RewriteWorkers sizes the rewrite pool. Auto is max(4, cpus).
func RewriteWorkers(size PoolSize) int {
	if !size.IsAuto() {
		return size.N
	}
	return rewriteWorkers(runtime.NumCPU())
}

func rewriteWorkers(cpus int) int {
	if cpus < MinRewriteWorkers {
		return MinRewriteWorkers
	}
	return cpus
}
