// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package view

import (
	"cmp"
	"slices"
	"strings"

	"github.com/autobrr/qbsync/internal/mirror"
)

type sortKey func(a, b *mirror.Torrent) int

var sortKeys = map[string]sortKey{
	"hash":     func(a, b *mirror.Torrent) int { return 0 },
	"name":     func(a, b *mirror.Torrent) int { return cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)) },
	"size":     func(a, b *mirror.Torrent) int { return cmp.Compare(a.Size, b.Size) },
	"progress": func(a, b *mirror.Torrent) int { return cmp.Compare(a.Progress, b.Progress) },
	"dlspeed":  func(a, b *mirror.Torrent) int { return cmp.Compare(a.DlSpeed, b.DlSpeed) },
	"upspeed":  func(a, b *mirror.Torrent) int { return cmp.Compare(a.UpSpeed, b.UpSpeed) },
	"ratio":    func(a, b *mirror.Torrent) int { return cmp.Compare(a.Ratio, b.Ratio) },
	"added_on": func(a, b *mirror.Torrent) int { return cmp.Compare(a.AddedOn, b.AddedOn) },
	"eta":      func(a, b *mirror.Torrent) int { return cmp.Compare(a.ETA, b.ETA) },
	"priority": func(a, b *mirror.Torrent) int { return cmp.Compare(a.Priority, b.Priority) },
	"state":    func(a, b *mirror.Torrent) int { return cmp.Compare(a.Status(), b.Status()) },
	"category": func(a, b *mirror.Torrent) int { return cmp.Compare(a.Category, b.Category) },
	"tracker":  func(a, b *mirror.Torrent) int { return cmp.Compare(a.Tracker, b.Tracker) },
}

// IsSortField reports whether field is a supported sort column.
func IsSortField(field string) bool {
	_, ok := sortKeys[field]
	return ok
}

// sortTorrents orders torrents by field, falling back to hash so the order
// is stable across calls. Unknown fields sort by hash.
func sortTorrents(torrents []*mirror.Torrent, field, order string) {
	compare, ok := sortKeys[field]
	if !ok {
		compare = sortKeys["hash"]
	}
	desc := strings.EqualFold(order, "desc")

	slices.SortFunc(torrents, func(a, b *mirror.Torrent) int {
		c := compare(a, b)
		if c == 0 {
			c = cmp.Compare(a.Hash, b.Hash)
		}
		if desc {
			return -c
		}
		return c
	})
}
