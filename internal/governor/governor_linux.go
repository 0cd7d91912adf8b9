//go:build linux

package governor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// userHz is the kernel's jiffy rate for the utime/stime fields in
// /proc/<pid>/stat. Fixed at 100 on every supported architecture.
const userHz = 100

// startupCPUSet is the affinity mask the process started with, captured
// before any low-power pinning so setNormalPower can restore it exactly.
var startupCPUSet = func() unix.CPUSet {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		for i := 0; i < runtime.NumCPU(); i++ {
			set.Set(i)
		}
	}
	return set
}()

// readCPUSeconds sums user+system CPU time across pids. A pid that vanished
// between registration and the read is skipped.
func readCPUSeconds(pids []int) (float64, error) {
	var total float64
	for _, pid := range pids {
		raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, err
		}
		// comm can contain spaces, so split after the closing paren.
		i := strings.LastIndexByte(string(raw), ')')
		if i < 0 {
			return 0, fmt.Errorf("malformed stat for pid %d", pid)
		}
		fields := strings.Fields(string(raw[i+1:]))
		// Post-paren fields: state is 0, utime is 11, stime is 12.
		if len(fields) < 13 {
			return 0, fmt.Errorf("short stat for pid %d", pid)
		}
		utime, err := strconv.ParseUint(fields[11], 10, 64)
		if err != nil {
			return 0, err
		}
		stime, err := strconv.ParseUint(fields[12], 10, 64)
		if err != nil {
			return 0, err
		}
		total += float64(utime+stime) / userHz
	}
	return total, nil
}

// readRSSBytes sums resident set sizes across pids.
func readRSSBytes(pids []int) (uint64, error) {
	pageSize := uint64(os.Getpagesize())
	var total uint64
	for _, pid := range pids {
		raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, err
		}
		fields := strings.Fields(string(raw))
		if len(fields) < 2 {
			return 0, fmt.Errorf("short statm for pid %d", pid)
		}
		pages, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		total += pages * pageSize
	}
	return total, nil
}

// setLowPower drops to the lowest scheduling priority and pins the process
// to CPU 0 so background work never competes for more than one core.
func setLowPower() error {
	var errs []error
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, 19); err != nil {
		errs = append(errs, fmt.Errorf("setpriority: %w", err))
	}
	var set unix.CPUSet
	set.Set(0)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		errs = append(errs, fmt.Errorf("sched_setaffinity: %w", err))
	}
	return errors.Join(errs...)
}

// setNormalPower restores default priority and the startup CPU mask.
func setNormalPower() error {
	var errs []error
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, 0); err != nil {
		errs = append(errs, fmt.Errorf("setpriority: %w", err))
	}
	set := startupCPUSet
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		errs = append(errs, fmt.Errorf("sched_setaffinity: %w", err))
	}
	return errors.Join(errs...)
}
