// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build linux

package sampler

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	cgroupV2MemoryMax = "/sys/fs/cgroup/memory.max"
	cgroupV1Limit     = "/sys/fs/cgroup/memory/memory.limit_in_bytes"

	// cgroup v1 reports "no limit" as a page-aligned value near MaxInt64.
	cgroupUnlimitedFloor = uint64(1) << 60
)

// readFile allows tests to stub cgroup files.
var readFile = os.ReadFile

// sysinfo allows tests to stub the sysinfo syscall.
var sysinfo = unix.Sysinfo

func cgroupLimit() (uint64, bool) {
	for _, path := range []string{cgroupV2MemoryMax, cgroupV1Limit} {
		data, err := readFile(path)
		if err != nil {
			continue
		}
		if limit, ok := parseCgroupLimit(string(data)); ok {
			return limit, true
		}
	}
	return 0, false
}

// parseCgroupLimit parses the content of a cgroup memory limit file.
// "max" and near-MaxInt64 sentinel values mean unlimited.
func parseCgroupLimit(raw string) (uint64, bool) {
	value := strings.TrimSpace(raw)
	if value == "" || value == "max" {
		return 0, false
	}
	limit, err := strconv.ParseUint(value, 10, 64)
	if err != nil || limit == 0 || limit >= cgroupUnlimitedFloor {
		return 0, false
	}
	return limit, true
}

func totalMemory() (uint64, bool) {
	var info unix.Sysinfo_t
	if err := sysinfo(&info); err != nil {
		return 0, false
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	return total, total > 0
}
