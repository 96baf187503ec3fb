// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package mirror keeps an in-memory copy of a qBittorrent instance's
// sync/maindata state and the tag, category, status and tracker buckets
// derived from it.
//
// A Store has a single writer and no internal locking. Callers that read
// from other goroutines must synchronize externally, and must not retain
// buckets, torrents or peer lists across calls to Apply.
package mirror

import (
	"maps"
	"slices"
)

// Category is a registered category.
type Category struct {
	Name         string       `json:"name"`
	SavePath     string       `json:"savePath"`
	DownloadPath PathOverride `json:"download_path"`
}

// Store is the mirrored snapshot plus its secondary index.
type Store struct {
	rid        int64
	torrents   map[string]*Torrent
	peers      map[string]*PeerList
	categories map[string]*Category
	tags       map[string]struct{}
	// trackers holds each URL's owning hashes exactly as the server sent them,
	// announce is the reverse view used to derive membership.
	trackers map[string][]string
	announce map[string]map[string]struct{}
	server   ServerState
	index    *index
}

// NewStore returns an empty store. The first delta applied to it should be
// a full update.
func NewStore() *Store {
	s := &Store{}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.rid = 0
	s.torrents = make(map[string]*Torrent)
	s.peers = make(map[string]*PeerList)
	s.categories = make(map[string]*Category)
	s.tags = make(map[string]struct{})
	s.trackers = make(map[string][]string)
	s.announce = make(map[string]map[string]struct{})
	s.server = ServerState{}
	s.index = newIndex()
}

// membership derives every bucket key a torrent belongs to from its current
// attributes, the subcategories flag and the tracker owner lists.
func (s *Store) membership(t *Torrent) []Key {
	keys := make([]Key, 0, len(t.Tags)+8)

	if len(t.Tags) == 0 {
		keys = append(keys, KeyUntagged)
	}
	for _, tag := range t.Tags {
		keys = append(keys, TagKey(tag))
	}

	paths := ExpandCategory(t.Category, s.server.UseSubcategories)
	if len(paths) == 0 {
		keys = append(keys, KeyUncategorized)
	}
	for _, path := range paths {
		keys = append(keys, CategoryKey(path))
	}

	keys = append(keys, StatusKey(t.Status()), StatusKey(t.Activity()))

	urls := make(map[string]struct{}, len(s.announce[t.Hash])+1)
	if t.Tracker != "" {
		urls[t.Tracker] = struct{}{}
	}
	for url := range s.announce[t.Hash] {
		urls[url] = struct{}{}
	}
	if len(urls) == 0 {
		keys = append(keys, KeyTrackerless)
	}
	for url := range urls {
		keys = append(keys, TrackerKey(url))
	}

	if t.HasTrackerError {
		keys = append(keys, KeyTrackerError)
	}
	if t.HasTrackerWarning {
		keys = append(keys, KeyTrackerWarning)
	}
	if t.HasOtherAnnounceError {
		keys = append(keys, KeyTrackerOtherError)
	}

	sortKeys(keys)
	return keys
}

// reindex snapshots the membership of every live hash in hashes, runs mutate,
// then retracts the old membership and inserts the new one. It reports
// whether any hash ended up in a different set of buckets.
func (s *Store) reindex(hashes []string, mutate func()) bool {
	prev := make(map[string][]Key, len(hashes))
	for _, hash := range hashes {
		if t, ok := s.torrents[hash]; ok {
			prev[hash] = s.membership(t)
		}
	}

	mutate()

	moved := false
	for hash, old := range prev {
		t, ok := s.torrents[hash]
		if !ok {
			s.index.retractAll(hash, old)
			moved = true
			continue
		}
		next := s.membership(t)
		if sameKeys(old, next) {
			continue
		}
		s.index.retractAll(hash, old)
		s.index.insertAll(hash, next)
		moved = true
	}
	return moved
}

func (s *Store) allHashes() []string {
	return slices.Collect(maps.Keys(s.torrents))
}

// Rid returns the response id of the last applied delta.
func (s *Store) Rid() int64 {
	return s.rid
}

// Len returns the number of torrents.
func (s *Store) Len() int {
	return len(s.torrents)
}

// Torrent returns the live torrent for hash. The pointer is only valid until
// the next Apply.
func (s *Store) Torrent(hash string) (*Torrent, bool) {
	t, ok := s.torrents[hash]
	return t, ok
}

// Torrents returns every live torrent ordered by hash.
func (s *Store) Torrents() []*Torrent {
	out := make([]*Torrent, 0, len(s.torrents))
	for _, hash := range slices.Sorted(maps.Keys(s.torrents)) {
		out = append(out, s.torrents[hash])
	}
	return out
}

// Bucket returns the members of key, or nil if the bucket does not exist.
// The returned set must be treated as read-only.
func (s *Store) Bucket(key Key) Bucket {
	return s.index.buckets[key]
}

// HasBucket reports whether a bucket exists for key, including empty pinned ones.
func (s *Store) HasBucket(key Key) bool {
	_, ok := s.index.buckets[key]
	return ok
}

// BucketSize returns the number of members in key.
func (s *Store) BucketSize(key Key) int {
	return len(s.index.buckets[key])
}

// Keys returns every existing bucket key of family in display order.
func (s *Store) Keys(family Family) []Key {
	var keys []Key
	for key := range s.index.buckets {
		if key.Family == family {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys
}

// Membership returns the buckets hash currently occupies according to the index.
func (s *Store) Membership(hash string) []Key {
	var keys []Key
	for key, bucket := range s.index.buckets {
		if bucket.Has(hash) {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys
}

// Categories returns a copy of the registered categories.
func (s *Store) Categories() map[string]Category {
	out := make(map[string]Category, len(s.categories))
	for name, c := range s.categories {
		out[name] = *c
	}
	return out
}

// Tags returns the registered tags in lexical order.
func (s *Store) Tags() []string {
	return slices.Sorted(maps.Keys(s.tags))
}

// Trackers returns a copy of the tracker owner lists as last sent by the server.
func (s *Store) Trackers() map[string][]string {
	out := make(map[string][]string, len(s.trackers))
	for url, hashes := range s.trackers {
		out[url] = slices.Clone(hashes)
	}
	return out
}

// ServerState returns the current server state.
func (s *Store) ServerState() ServerState {
	return s.server
}

// UseSubcategories reports whether category buckets include ancestor paths.
func (s *Store) UseSubcategories() bool {
	return s.server.UseSubcategories
}

// Peers returns the peer list of a torrent, if one has been applied.
func (s *Store) Peers(hash string) (*PeerList, bool) {
	l, ok := s.peers[hash]
	return l, ok
}

// ApplyPeers merges a sync/torrentPeers delta into the peer list of hash.
// Deltas for torrents the store does not know are ignored.
func (s *Store) ApplyPeers(hash string, d *PeerDelta) bool {
	if _, ok := s.torrents[hash]; !ok {
		return false
	}
	l, ok := s.peers[hash]
	if !ok {
		l = NewPeerList()
		s.peers[hash] = l
	}
	return l.Apply(d)
}
