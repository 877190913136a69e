//go:build linux

package compress

import (
	"runtime"

	"golang.org/x/sys/unix"
)

func ProbeResources() Resources {
	res := Resources{Cores: runtime.NumCPU()}
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return res
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	res.TotalBytes = uint64(info.Totalram) * unit
	res.AvailableBytes = (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	return res
}
