//go:build linux

package engine

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const maxTrackedProcs = 256

var pageSizeKB = int64(os.Getpagesize()) / 1024

// groupRSSKB returns the resident memory of everything the run started. The
// cgroup counter is preferred; otherwise the process tree under pid is summed.
func groupRSSKB(pid int, cgroupPath string) int64 {
	if cgroupPath != "" {
		if v, err := readCgroupInt(cgroupPath, "memory.current"); err == nil {
			return v / 1024
		}
	}
	return treeRSSKB(pid)
}

func treeRSSKB(root int) int64 {
	var total int64
	seen := make(map[int]struct{})
	stack := []int{root}
	for len(stack) > 0 && len(seen) < maxTrackedProcs {
		pid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		total += processRSSKB(pid)
		stack = append(stack, childPIDs(pid)...)
	}
	return total
}

func processRSSKB(pid int) int64 {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * pageSizeKB
}

func childPIDs(pid int) []int {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/children", pid, pid))
	if err != nil {
		return nil
	}
	fields := strings.Fields(string(data))
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		if child, err := strconv.Atoi(f); err == nil {
			out = append(out, child)
		}
	}
	return out
}
