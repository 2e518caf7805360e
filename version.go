// Copyright The TracePatch Authors
// SPDX-License-Identifier: Apache-2.0

package tracepatch

// Version is the current release version of the TracePatch engine in use.
func Version() string {
	return "v0.1.0"
}
