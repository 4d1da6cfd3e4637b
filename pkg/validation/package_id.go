// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for identifiers that reach
// logs, metric labels and InfluxDB tags.
package validation

import (
	"fmt"
	"regexp"
)

const maxPackageIDLen = 255

// packageIDPattern matches dotted package identifiers such as
// com.example.app. Segments start with a letter.
var packageIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)*$`)

// ValidatePackageID validates a package identifier.
//
// Valid identifiers:
//   - 1-255 characters
//   - Dot-separated segments of letters, digits and underscores
//   - Each segment starts with a letter
//
// Example:
//
//	if err := validation.ValidatePackageID(id); err != nil {
//	    return fmt.Errorf("invalid package id: %w", err)
//	}
func ValidatePackageID(id string) error {
	if id == "" {
		return fmt.Errorf("package id cannot be empty")
	}
	if len(id) > maxPackageIDLen {
		return fmt.Errorf("package id too long: %d characters (max %d)", len(id), maxPackageIDLen)
	}
	if !packageIDPattern.MatchString(id) {
		return fmt.Errorf("invalid package id %q: must be dot-separated segments starting with a letter", id)
	}
	return nil
}
