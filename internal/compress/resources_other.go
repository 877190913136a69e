//go:build !linux

package compress

import "runtime"

// ProbeResources reports cores only; memory stays unknown off Linux.
func ProbeResources() Resources {
	return Resources{Cores: runtime.NumCPU()}
}
