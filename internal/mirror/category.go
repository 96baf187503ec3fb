// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mirror

import (
	"strings"
)

// NormalizeCategory trims whitespace and surrounding separators.
// A path that is empty afterwards means "uncategorized".
func NormalizeCategory(path string) string {
	return strings.Trim(strings.TrimSpace(path), "/")
}

// ExpandCategory returns the category bucket keys a torrent in path belongs to:
// the full path first, then every ancestor prefix when subcategories are enabled.
//
//	ExpandCategory("Movies/HD/1080p", true)  // ["Movies/HD/1080p", "Movies/HD", "Movies"]
//	ExpandCategory("Movies/HD/1080p", false) // ["Movies/HD/1080p"]
//	ExpandCategory("", true)                 // []
func ExpandCategory(path string, subcategories bool) []string {
	path = NormalizeCategory(path)
	if path == "" {
		return []string{}
	}

	if !subcategories || !strings.Contains(path, "/") {
		return []string{path}
	}

	segments := make([]string, 0, strings.Count(path, "/")+1)
	for segment := range strings.SplitSeq(path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}

	keys := make([]string, 0, len(segments))
	keys = append(keys, path)
	for i := len(segments) - 1; i >= 1; i-- {
		parent := strings.Join(segments[:i], "/")
		if parent != keys[len(keys)-1] {
			keys = append(keys, parent)
		}
	}

	return keys
}
