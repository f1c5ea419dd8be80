// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package plumbing

import (
	"fmt"
	"strconv"
	"strings"
)

const etagAbbrevLen = 12

// NewETag formats the weak validator for a resource version:
//
//	W/"<first-12-of-commit>-<version>"
//
// An ETag identifies one (resource, version); two chains with identical
// content hashes still carry distinct ETags.
func NewETag(commit Hash, version int64) string {
	return fmt.Sprintf("W/\"%s-%d\"", commit.Abbrev(etagAbbrevLen), version)
}

// ParseETag splits an ETag produced by NewETag into its commit prefix and
// version number. Malformed input yields ok == false.
func ParseETag(etag string) (prefix string, version int64, ok bool) {
	s := strings.TrimPrefix(etag, "W/")
	s = strings.Trim(s, "\"")
	i := strings.LastIndexByte(s, '-')
	if i <= 0 {
		return "", 0, false
	}
	prefix = s[:i]
	if len(prefix) != etagAbbrevLen {
		return "", 0, false
	}
	v, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return prefix, v, true
}

// ETagEqual compares two validators. Weak comparison: the W/ marker is not
// significant.
func ETagEqual(a, b string) bool {
	return strings.TrimPrefix(a, "W/") == strings.TrimPrefix(b, "W/")
}
