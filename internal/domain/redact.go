// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

const RedactedStr = "<redacted>"

// RedactString hides secrets in API responses and logs.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return RedactedStr
}
