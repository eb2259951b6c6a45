//go:build !linux

package addr2line

import "os/exec"

func setPdeathsig(cmd *exec.Cmd) {}
