// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks caller-supplied identifiers before they reach
// the cache or the audit log.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// siteLabel is one DNS label: alphanumeric at both ends, hyphens inside.
const siteLabel = `[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?`

var sitePattern = regexp.MustCompile(`^` + siteLabel + `(?:\.` + siteLabel + `)*$`)

// maxSiteLength is the DNS name limit.
const maxSiteLength = 253

// ValidateSite checks that site is a normalized site identity: a lower-case
// hostname without scheme, port, path or "www." prefix.
func ValidateSite(site string) error {
	if site == "" {
		return fmt.Errorf("site cannot be empty")
	}
	if len(site) > maxSiteLength {
		return fmt.Errorf("site too long: %d bytes (max %d)", len(site), maxSiteLength)
	}
	if !sitePattern.MatchString(site) {
		return fmt.Errorf("invalid site format: %q (must be a lower-case hostname)", site)
	}
	if strings.HasPrefix(site, "www.") {
		return fmt.Errorf("invalid site %q: www. prefix is not part of the site identity", site)
	}
	return nil
}

// SanitizeSite trims and lower-cases site, strips a leading "www.", and
// validates the result.
func SanitizeSite(site string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(site))
	normalized = strings.TrimPrefix(normalized, "www.")
	if err := ValidateSite(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
