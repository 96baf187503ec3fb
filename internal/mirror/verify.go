// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mirror

import (
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Verify recomputes every torrent's membership from its attributes and checks
// it against the index in both directions: no missing entries, no orphans.
func (s *Store) Verify() error {
	var problems []string

	expected := make(map[string]map[Key]struct{}, len(s.torrents))
	for hash, t := range s.torrents {
		keys := make(map[Key]struct{})
		for _, key := range s.membership(t) {
			keys[key] = struct{}{}
			if !s.index.buckets[key].Has(hash) {
				problems = append(problems, fmt.Sprintf("%s missing from %s", hash, key))
			}
		}
		expected[hash] = keys
	}

	for key, bucket := range s.index.buckets {
		for hash := range bucket {
			keys, live := expected[hash]
			if !live {
				problems = append(problems, fmt.Sprintf("removed torrent %s still in %s", hash, key))
				continue
			}
			if _, ok := keys[key]; !ok {
				problems = append(problems, fmt.Sprintf("%s orphaned in %s", hash, key))
			}
		}
	}

	for _, key := range SyntheticKeys {
		if _, ok := s.index.buckets[key]; !ok {
			problems = append(problems, fmt.Sprintf("synthetic bucket %s missing", key))
		}
	}
	for tag := range s.tags {
		if _, ok := s.index.buckets[TagKey(tag)]; !ok {
			problems = append(problems, fmt.Sprintf("registered tag %q has no bucket", tag))
		}
	}

	if len(problems) == 0 {
		return nil
	}

	slices.Sort(problems)
	return errors.Errorf("index inconsistent (%d problems): %s", len(problems), problems[0])
}

// Digest is an order-independent signature of every bucket membership. Two
// stores with the same memberships produce the same digest regardless of
// the order deltas arrived in.
func (s *Store) Digest() uint64 {
	var sig uint64
	for key, bucket := range s.index.buckets {
		prefix := key.String() + "\x00"
		// Empty buckets still contribute so registrations show up.
		sig ^= xxhash.Sum64String(prefix)
		for hash := range bucket {
			sig ^= xxhash.Sum64String(prefix + hash)
		}
	}
	return sig
}
