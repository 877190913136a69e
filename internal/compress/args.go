package compress

import (
	"fmt"
	"runtime"
	"strings"
)

const (
	mb = uint64(1024 * 1024)
	gb = 1024 * mb
)

// Resources is what the planner knows about the host. Zero memory means unknown.
type Resources struct {
	Cores          int
	TotalBytes     uint64
	AvailableBytes uint64
}

type Plan struct {
	Threads int
	Dict    string
}

var dictSizes = []struct {
	bytes uint64
	label string
}{
	{8 * mb, "8m"},
	{16 * mb, "16m"},
	{32 * mb, "32m"},
	{64 * mb, "64m"},
	{128 * mb, "128m"},
	{256 * mb, "256m"},
}

const unknownMemoryDict = "64m"

func threadsForCores(cores int) int {
	switch {
	case cores <= 2:
		return 1
	case cores <= 4:
		return 2
	case cores <= 8:
		return 4
	case cores <= 16:
		return 8
	default:
		return 12
	}
}

// PlanFor keeps headroom for the rest of the machine: threads follow the core
// count and memory pressure, the dictionary is the largest that fits a third of
// each thread's share of usable memory.
func PlanFor(res Resources) Plan {
	if res.Cores <= 0 {
		res.Cores = runtime.NumCPU()
	}
	threads := threadsForCores(res.Cores)
	if res.TotalBytes == 0 {
		return Plan{Threads: threads, Dict: unknownMemoryDict}
	}

	total, avail := res.TotalBytes, res.AvailableBytes
	if avail > total {
		avail = total
	}
	usedRatio := float64(total-avail) / float64(total)
	high := usedRatio >= 0.80 || avail < 3*gb
	medium := !high && (usedRatio >= 0.60 || avail < 6*gb)

	reserved := max(512*mb, total/5)
	perThreadMin := 512 * mb
	switch {
	case high:
		reserved = max(reserved, avail/2)
		threads = min(threads, 2)
		perThreadMin = gb
	case medium:
		reserved = max(reserved, avail/3)
		threads = min(threads, 4)
		perThreadMin = 768 * mb
	default:
		reserved = max(reserved, avail/4)
	}
	var usable uint64
	if avail > reserved {
		usable = avail - reserved
	}
	capByMemory := 1
	if usable >= perThreadMin {
		capByMemory = int(usable / perThreadMin)
	}
	threads = max(1, min(threads, capByMemory))

	for {
		budget := uint64(0)
		if usable > 0 {
			budget = usable / uint64(threads) / 3
		}
		for i := len(dictSizes) - 1; i >= 0; i-- {
			if dictSizes[i].bytes <= budget {
				return Plan{Threads: threads, Dict: dictSizes[i].label}
			}
		}
		if threads <= 1 {
			return Plan{Threads: 1, Dict: dictSizes[0].label}
		}
		threads--
	}
}

// Args builds the 7-Zip command line: ultra 7z compression with progress on stdout.
func Args(source, archive, password string, plan Plan) []string {
	args := []string{
		"a",
		"-t7z",
		"-mx9",
		fmt.Sprintf("-mmt%d", max(1, plan.Threads)),
		"-md=" + plan.Dict,
		"-bsp1",
	}
	if password != "" {
		args = append(args, "-p"+password)
	}
	return append(args, archive, source)
}

// RedactArgs masks an inline -p<password> for logs.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "-p") && len(a) > 2 {
			a = "-p********"
		}
		out[i] = a
	}
	return out
}
