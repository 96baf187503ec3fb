// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import (
	"fmt"
	"runtime"
)

// Set via ldflags: -X github.com/autobrr/qbsync/internal/buildinfo.Version=...
var (
	Version = "dev"
	Commit  = ""
	Date    = ""

	UserAgent = "qbsync/" + Version
)

// String returns a single line describing the build.
func String() string {
	s := Version
	if Commit != "" {
		s += " (" + Commit
		if Date != "" {
			s += ", " + Date
		}
		s += ")"
	}
	return fmt.Sprintf("%s %s/%s", s, runtime.GOOS, runtime.GOARCH)
}
