// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sampler

import (
	"math"
	"runtime/debug"
)

// ResolveLimit determines the effective memory ceiling for this process.
//
// # Description
//
// Checks, in order:
//  1. The runtime soft memory limit (GOMEMLIMIT or debug.SetMemoryLimit).
//  2. The cgroup memory limit (v2 memory.max, then v1 memory.limit_in_bytes).
//  3. Total physical memory.
//
// # Outputs
//
//   - uint64: The ceiling in bytes. 0 when nothing could be determined.
//   - string: The source: "gomemlimit", "cgroup", "system" or "unknown".
func ResolveLimit() (uint64, string) {
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		return uint64(limit), "gomemlimit"
	}
	if limit, ok := cgroupLimit(); ok {
		return limit, "cgroup"
	}
	if total, ok := totalMemory(); ok {
		return total, "system"
	}
	return 0, "unknown"
}
