// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trigger

import (
	"fmt"
	"strings"
)

// Kind identifies an external pressure signal.
type Kind int

const (
	KindUnknown Kind = iota
	BootCompleted
	PackageUpgraded
	SelfPackageReplaced
	StorageLow
	MemoryLow
)

var kindNames = map[Kind]string{
	BootCompleted:       "boot_completed",
	PackageUpgraded:     "package_upgraded",
	SelfPackageReplaced: "self_package_replaced",
	StorageLow:          "storage_low",
	MemoryLow:           "memory_low",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind parses a snake_case kind name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == want {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown signal kind %q", s)
}

// Signal is an external event that may require mitigation.
type Signal struct {
	Kind Kind

	// PackageID names the package a SelfPackageReplaced signal refers to.
	PackageID string
}
