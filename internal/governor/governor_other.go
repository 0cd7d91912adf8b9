//go:build !linux

package governor

import "runtime"

// Without procfs only the Go runtime's own view is available: memory comes
// from ReadMemStats, CPU reads as zero, and the idle checks pass on memory
// alone. Scheduling hints are Linux-only.

func readCPUSeconds(pids []int) (float64, error) {
	return 0, nil
}

func readRSSBytes(pids []int) (uint64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys, nil
}

func setLowPower() error    { return nil }
func setNormalPower() error { return nil }
