package worker

import (
	"github.com/shirou/gopsutil/v3/cpu"
)

// DefaultPoolSize returns a worker pool size of twice the host's logical
// CPU count, capped at 32 so a single worker process does not
// oversubscribe a shared node. Falls back to 4 if CPU detection fails,
// which happens in some sandboxed/containerized environments. Dispatch
// starts one goroutine per region, so a job's effective concurrency is
// min(regions, pool size).
func DefaultPoolSize() int {
	counts, err := cpu.Counts(true)
	if err != nil || counts <= 0 {
		return 4
	}
	if counts*2 > 32 {
		return 32
	}
	return counts * 2
}
