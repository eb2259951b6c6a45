//go:build !linux && !darwin && !freebsd && !windows

package sched

import (
	"fmt"
	"runtime"
)

func availableMemory() (uint64, error) {
	return 0, fmt.Errorf("memory stats not supported on %s", runtime.GOOS)
}
