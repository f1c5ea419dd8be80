// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package plumbing

import (
	"bytes"
)

var (
	// branchNameDisposition table
	//
	// Here golang's logic is different from C's, golang's strings are not NULL-terminated, so byte(0) is a forbidden character.
	branchNameDisposition = [128]byte{
		4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4,
		4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4,
		4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 2, 1,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 0, 4,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4, 4, 0, 4, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 4, 4,
	}
)

/*
 * How to handle various characters in branch names:
 * 0: An acceptable character
 * 1: End-of-component
 * 2: ., look for a preceding . to reject .. in names
 * 4: A bad character: ASCII control characters, and
 *    ":", "?", "[", "\", "^", "~", "*", SP, or TAB
 */
func checkBranchNameComponent(name []byte) int {
	last := byte(0)
	var i int
	for ; i < len(name); i++ {
		ch := name[i]
		if ch >= 128 {
			return -1
		}
		disp := branchNameDisposition[ch]
		switch disp {
		case 1:
			goto OUT // Do not use range, which causes extra processing for goto statements.
		case 2:
			if last == '.' {
				return -1
			}
		case 4:
			return -1
		}
		last = ch
	}
OUT:
	if i == 0 {
		return 0
	}
	if name[0] == '.' {
		return -1
	}
	if bytes.HasSuffix(name, []byte(".lock")) {
		return -1
	}
	return i
}

// ValidateBranchName reports whether branch is something reasonable to have as
// a branch pointer name. We do not like it if:
//
//   - it begins with "." or "-", or
//   - it has double dots "..", or
//   - it has ASCII control characters, or
//   - it has ":", "?", "[", "\", "^", "~", "*", SP, or TAB anywhere, or
//   - it ends with a "/", or
//   - it ends with ".lock"
func ValidateBranchName(branch []byte) bool {
	if len(branch) == 0 || branch[0] == '-' {
		return false
	}
	name := branch
	var componentLen int
	for {
		/* We are at the start of a path component. */
		if componentLen = checkBranchNameComponent(name); componentLen <= 0 {
			return false
		}
		if len(name) == componentLen {
			break
		}
		name = name[componentLen+1:]
	}
	return name[componentLen-1] != '.'
}
