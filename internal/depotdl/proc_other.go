//go:build !windows

package depotdl

import "os/exec"

func configureCmd(cmd *exec.Cmd) {}
