// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package view

import (
	"github.com/autobrr/qbsync/internal/mirror"
)

// Counts is the sidebar summary of one store: members per bucket. Synthetic
// buckets are keyed with an "@" prefix, matching FilterOptions.
type Counts struct {
	Total          int            `json:"total"`
	Status         map[string]int `json:"status"`
	Categories     map[string]int `json:"categories"`
	Tags           map[string]int `json:"tags"`
	Trackers       map[string]int `json:"trackers"`
	TrackerDomains map[string]int `json:"trackerDomains"`
}

func countName(key mirror.Key) string {
	if key.Synthetic {
		return "@" + key.Name
	}
	return key.Name
}

// Counts reads every bucket of s. Registered tags and categories appear with
// zero when nothing references them. A torrent announcing to several URLs on
// one domain counts once for that domain.
func (v *View) Counts(s *mirror.Store) *Counts {
	counts := &Counts{
		Total:          s.Len(),
		Status:         make(map[string]int),
		Categories:     make(map[string]int),
		Tags:           make(map[string]int),
		Trackers:       make(map[string]int),
		TrackerDomains: make(map[string]int),
	}

	families := map[mirror.Family]map[string]int{
		mirror.FamilyStatus:   counts.Status,
		mirror.FamilyCategory: counts.Categories,
		mirror.FamilyTag:      counts.Tags,
		mirror.FamilyTracker:  counts.Trackers,
	}
	for family, target := range families {
		for _, key := range s.Keys(family) {
			target[countName(key)] = s.BucketSize(key)
		}
	}

	domains := make(map[string]map[string]struct{})
	for _, key := range s.Keys(mirror.FamilyTracker) {
		if key.Synthetic {
			continue
		}
		domain := v.Domain(key.Name)
		members, ok := domains[domain]
		if !ok {
			members = make(map[string]struct{})
			domains[domain] = members
		}
		for hash := range s.Bucket(key) {
			members[hash] = struct{}{}
		}
	}
	for domain, members := range domains {
		counts.TrackerDomains[domain] = len(members)
	}

	return counts
}
