//go:build darwin || freebsd || windows

package sched

import "github.com/mackerelio/go-osstat/memory"

func availableMemory() (uint64, error) {
	m, err := memory.Get()
	if err != nil {
		return 0, err
	}
	return m.Free, nil
}
