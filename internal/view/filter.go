// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package view

import (
	"fmt"
	"strings"

	"github.com/autobrr/qbsync/internal/mirror"
)

// FilterOptions selects torrents from a store. Values OR within one family
// and AND across families; exclusions subtract.
//
// An empty string selects the synthetic bucket of its family (untagged,
// uncategorized, trackerless). Synthetic buckets can also be named with an
// "@" prefix, e.g. "@error" in Trackers. Tracker values match a URL exactly
// or, failing that, every URL on that domain.
type FilterOptions struct {
	Status     []string `json:"status"`
	Categories []string `json:"categories"`
	Tags       []string `json:"tags"`
	Trackers   []string `json:"trackers"`

	ExcludeStatus     []string `json:"excludeStatus"`
	ExcludeCategories []string `json:"excludeCategories"`
	ExcludeTags       []string `json:"excludeTags"`
	ExcludeTrackers   []string `json:"excludeTrackers"`

	Search string `json:"search"`
	Expr   string `json:"expr"`

	Sort  string `json:"sort"`
	Order string `json:"order"`
}

// needsData reports whether the result depends on torrent fields beyond
// bucket membership.
func (o FilterOptions) needsData() bool {
	return o.Search != "" || o.Expr != "" || (o.Sort != "" && o.Sort != "hash")
}

func (o FilterOptions) cacheKey() string {
	var b strings.Builder
	for _, part := range [][]string{
		o.Status, o.Categories, o.Tags, o.Trackers,
		o.ExcludeStatus, o.ExcludeCategories, o.ExcludeTags, o.ExcludeTrackers,
	} {
		b.WriteString(strings.Join(part, "\x1f"))
		b.WriteByte('\x1e')
	}
	fmt.Fprintf(&b, "%s\x1e%s\x1e%s\x1e%s", o.Search, o.Expr, o.Sort, o.Order)
	return b.String()
}

var syntheticByFamily = map[mirror.Family]mirror.Key{
	mirror.FamilyTag:      mirror.KeyUntagged,
	mirror.FamilyCategory: mirror.KeyUncategorized,
	mirror.FamilyTracker:  mirror.KeyTrackerless,
}

// resolve maps filter values of one family to bucket keys present in s.
func (v *View) resolve(s *mirror.Store, family mirror.Family, values []string) []mirror.Key {
	keys := make([]mirror.Key, 0, len(values))
	for _, value := range values {
		if value == "" {
			if key, ok := syntheticByFamily[family]; ok {
				keys = append(keys, key)
			}
			continue
		}

		if name, ok := strings.CutPrefix(value, "@"); ok {
			for _, key := range mirror.SyntheticKeys {
				if key.Family == family && key.Name == name {
					keys = append(keys, key)
				}
			}
			continue
		}

		switch family {
		case mirror.FamilyCategory:
			keys = append(keys, mirror.CategoryKey(mirror.NormalizeCategory(value)))
		case mirror.FamilyStatus:
			keys = append(keys, mirror.StatusKey(mirror.Status(value)))
		case mirror.FamilyTracker:
			if key := mirror.TrackerKey(value); s.HasBucket(key) {
				keys = append(keys, key)
				continue
			}
			domain := strings.ToLower(value)
			for _, key := range s.Keys(mirror.FamilyTracker) {
				if !key.Synthetic && v.Domain(key.Name) == domain {
					keys = append(keys, key)
				}
			}
		default:
			keys = append(keys, mirror.Key{Family: family, Name: value})
		}
	}
	return keys
}

// union collects the members of every key.
func union(s *mirror.Store, keys []mirror.Key) map[string]struct{} {
	out := make(map[string]struct{})
	for _, key := range keys {
		for hash := range s.Bucket(key) {
			out[hash] = struct{}{}
		}
	}
	return out
}

// selectBuckets applies the bucket filters and returns the surviving hashes.
func (v *View) selectBuckets(s *mirror.Store, opts FilterOptions) map[string]struct{} {
	var selected map[string]struct{}

	include := []struct {
		family mirror.Family
		values []string
	}{
		{mirror.FamilyStatus, opts.Status},
		{mirror.FamilyCategory, opts.Categories},
		{mirror.FamilyTag, opts.Tags},
		{mirror.FamilyTracker, opts.Trackers},
	}

	for _, f := range include {
		if len(f.values) == 0 {
			continue
		}
		members := union(s, v.resolve(s, f.family, f.values))
		if selected == nil {
			selected = members
			continue
		}
		for hash := range selected {
			if _, ok := members[hash]; !ok {
				delete(selected, hash)
			}
		}
	}

	if selected == nil {
		selected = make(map[string]struct{}, s.Len())
		for _, t := range s.Torrents() {
			selected[t.Hash] = struct{}{}
		}
	}

	exclude := []struct {
		family mirror.Family
		values []string
	}{
		{mirror.FamilyStatus, opts.ExcludeStatus},
		{mirror.FamilyCategory, opts.ExcludeCategories},
		{mirror.FamilyTag, opts.ExcludeTags},
		{mirror.FamilyTracker, opts.ExcludeTrackers},
	}

	for _, f := range exclude {
		if len(f.values) == 0 {
			continue
		}
		for hash := range union(s, v.resolve(s, f.family, f.values)) {
			delete(selected, hash)
		}
	}

	return selected
}
