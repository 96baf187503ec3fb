// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mirror

import (
	"slices"
	"strings"
)

// Family groups bucket keys by the attribute they index.
type Family uint8

const (
	FamilyTag Family = iota + 1
	FamilyCategory
	FamilyStatus
	FamilyTracker
)

func (f Family) String() string {
	switch f {
	case FamilyTag:
		return "tag"
	case FamilyCategory:
		return "category"
	case FamilyStatus:
		return "status"
	case FamilyTracker:
		return "tracker"
	default:
		return "invalid"
	}
}

// Key identifies one bucket. Synthetic keys describe derived conditions and
// never collide with a real tag, category or tracker of the same name.
type Key struct {
	Family    Family
	Name      string
	Synthetic bool
}

func (k Key) String() string {
	if k.Synthetic {
		return k.Family.String() + ":@" + k.Name
	}
	return k.Family.String() + ":" + k.Name
}

var (
	KeyUntagged          = Key{Family: FamilyTag, Name: "untagged", Synthetic: true}
	KeyUncategorized     = Key{Family: FamilyCategory, Name: "uncategorized", Synthetic: true}
	KeyTrackerless       = Key{Family: FamilyTracker, Name: "trackerless", Synthetic: true}
	KeyTrackerError      = Key{Family: FamilyTracker, Name: "error", Synthetic: true}
	KeyTrackerWarning    = Key{Family: FamilyTracker, Name: "warning", Synthetic: true}
	KeyTrackerOtherError = Key{Family: FamilyTracker, Name: "other_error", Synthetic: true}
)

// SyntheticKeys lists every synthetic bucket. They always exist, even when empty.
var SyntheticKeys = []Key{
	KeyUntagged,
	KeyUncategorized,
	KeyTrackerless,
	KeyTrackerError,
	KeyTrackerWarning,
	KeyTrackerOtherError,
}

func TagKey(tag string) Key {
	return Key{Family: FamilyTag, Name: tag}
}

func CategoryKey(path string) Key {
	return Key{Family: FamilyCategory, Name: path}
}

func StatusKey(status Status) Key {
	return Key{Family: FamilyStatus, Name: string(status)}
}

func TrackerKey(url string) Key {
	return Key{Family: FamilyTracker, Name: url}
}

// Bucket is a set of torrent hashes.
type Bucket map[string]struct{}

// Has reports whether hash is a member.
func (b Bucket) Has(hash string) bool {
	_, ok := b[hash]
	return ok
}

// Sorted returns the members in lexical order.
func (b Bucket) Sorted() []string {
	out := make([]string, 0, len(b))
	for hash := range b {
		out = append(out, hash)
	}
	slices.Sort(out)
	return out
}

// index holds every bucket. Pinned buckets survive when empty: status and
// synthetic keys, and every registered tag, category and tracker. Others are
// created on first insert and pruned when their last member leaves.
type index struct {
	buckets map[Key]Bucket
	pinned  map[Key]struct{}
}

func newIndex() *index {
	idx := &index{
		buckets: make(map[Key]Bucket),
		pinned:  make(map[Key]struct{}),
	}

	for _, key := range SyntheticKeys {
		idx.pin(key)
	}
	for _, status := range Statuses {
		idx.pin(StatusKey(status))
	}

	return idx
}

func (idx *index) pin(key Key) {
	idx.pinned[key] = struct{}{}
	if _, ok := idx.buckets[key]; !ok {
		idx.buckets[key] = make(Bucket)
	}
}

// unpin releases a registration and prunes the bucket if nothing references it.
func (idx *index) unpin(key Key) {
	delete(idx.pinned, key)
	if b, ok := idx.buckets[key]; ok && len(b) == 0 {
		delete(idx.buckets, key)
	}
}

// drop deletes a bucket and its registration outright.
func (idx *index) drop(key Key) {
	delete(idx.pinned, key)
	delete(idx.buckets, key)
}

func (idx *index) add(key Key, hash string) bool {
	b, ok := idx.buckets[key]
	if !ok {
		b = make(Bucket)
		idx.buckets[key] = b
	}
	if _, exists := b[hash]; exists {
		return false
	}
	b[hash] = struct{}{}
	return true
}

// removeIfPresent is the only retraction path. A missing bucket or member is
// a normal case: the bucket may have been pruned or never existed.
func (idx *index) removeIfPresent(key Key, hash string) bool {
	b, ok := idx.buckets[key]
	if !ok {
		return false
	}
	if _, exists := b[hash]; !exists {
		return false
	}
	delete(b, hash)

	if len(b) == 0 {
		if _, keep := idx.pinned[key]; !keep {
			delete(idx.buckets, key)
		}
	}
	return true
}

func (idx *index) insertAll(hash string, keys []Key) {
	for _, key := range keys {
		idx.add(key, hash)
	}
}

func (idx *index) retractAll(hash string, keys []Key) {
	for _, key := range keys {
		idx.removeIfPresent(key, hash)
	}
}

// sameKeys compares two membership lists as sets.
func sameKeys(a, b []Key) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[Key]struct{}, len(a))
	for _, k := range a {
		set[k] = struct{}{}
	}
	for _, k := range b {
		if _, ok := set[k]; !ok {
			return false
		}
	}
	return true
}

func sortKeys(keys []Key) {
	slices.SortFunc(keys, func(a, b Key) int {
		if a.Family != b.Family {
			return int(a.Family) - int(b.Family)
		}
		if a.Synthetic != b.Synthetic {
			if a.Synthetic {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
}
