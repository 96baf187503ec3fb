// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	version, commit, date := Version, Commit, Date
	t.Cleanup(func() { Version, Commit, Date = version, commit, date })

	platform := runtime.GOOS + "/" + runtime.GOARCH

	Version, Commit, Date = "1.0.0", "", ""
	assert.Equal(t, "1.0.0 "+platform, String())

	Commit = "abc123"
	assert.Equal(t, "1.0.0 (abc123) "+platform, String())

	Date = "2025-01-01"
	assert.Equal(t, "1.0.0 (abc123, 2025-01-01) "+platform, String())
}
