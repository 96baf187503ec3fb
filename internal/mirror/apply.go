// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mirror

import (
	"maps"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qbsync/pkg/optional"
)

// Result summarizes one Apply call.
type Result struct {
	Rid        int64
	FullUpdate bool
	// DataChanged is set when any entity, collection or server state field changed.
	DataChanged bool
	// FilterChanged is set when any bucket gained or lost a member, or a bucket
	// was created or dropped. Memoized filtered views must be invalidated.
	FilterChanged bool

	Added   int
	Updated int
	Removed int
}

// Apply merges one delta into the store.
//
// A full update discards the snapshot and rebuilds it from the payload. A
// partial update runs in a fixed order: removals, collection additions,
// torrent additions, torrent updates, server state. A hash that is removed
// and re-added in the same delta ends up freshly constructed.
func (s *Store) Apply(d *Delta) Result {
	if d.FullUpdate {
		return s.rebuild(d)
	}

	res := Result{Rid: d.Rid}
	s.rid = d.Rid

	s.applyRemovals(d, &res)
	s.applyCollections(d, &res)
	s.applyTorrents(d, &res)
	s.applyServerState(d, &res)

	if res.FilterChanged || res.Added > 0 || res.Removed > 0 {
		log.Trace().
			Int64("rid", res.Rid).
			Int("added", res.Added).
			Int("updated", res.Updated).
			Int("removed", res.Removed).
			Bool("filterChanged", res.FilterChanged).
			Msg("Applied partial maindata delta")
	}

	return res
}

func (s *Store) rebuild(d *Delta) Result {
	peers := s.peers
	s.reset()
	s.rid = d.Rid

	if d.ServerState != nil {
		s.server.Merge(d.ServerState)
	}

	for name, c := range d.Categories {
		s.registerCategory(name, &c)
	}
	for _, tag := range NewTagList(d.Tags) {
		s.registerTag(tag)
	}
	for url, hashes := range d.Trackers {
		s.setTrackerOwners(url, hashes)
	}

	for hash, td := range d.Torrents {
		t := newTorrent(hash, &td)
		s.torrents[hash] = t
		s.index.insertAll(hash, s.membership(t))
		if l, ok := peers[hash]; ok {
			s.peers[hash] = l
		}
	}

	log.Debug().
		Int64("rid", d.Rid).
		Int("torrents", len(s.torrents)).
		Int("categories", len(s.categories)).
		Int("tags", len(s.tags)).
		Int("trackers", len(s.trackers)).
		Msg("Rebuilt snapshot from full maindata update")

	return Result{
		Rid:           d.Rid,
		FullUpdate:    true,
		DataChanged:   true,
		FilterChanged: true,
		Added:         len(s.torrents),
	}
}

func (s *Store) applyRemovals(d *Delta, res *Result) {
	for _, hash := range d.TorrentsRemoved {
		t, ok := s.torrents[hash]
		if !ok {
			continue
		}
		s.index.retractAll(hash, s.membership(t))
		delete(s.torrents, hash)
		delete(s.peers, hash)
		res.Removed++
		res.DataChanged = true
		res.FilterChanged = true
	}

	for _, tag := range NewTagList(d.TagsRemoved) {
		if s.unregisterTag(tag) {
			res.DataChanged = true
			res.FilterChanged = true
		}
	}

	for _, name := range d.CategoriesRemoved {
		if _, ok := s.categories[name]; !ok {
			continue
		}
		delete(s.categories, name)
		if key := CategoryKey(NormalizeCategory(name)); !s.categoryRegistered(key) {
			s.index.unpin(key)
		}
		res.DataChanged = true
		res.FilterChanged = true
	}

	for _, url := range d.TrackersRemoved {
		if s.removeTracker(url) {
			res.DataChanged = true
			res.FilterChanged = true
		}
	}
}

func (s *Store) applyCollections(d *Delta, res *Result) {
	for _, name := range slices.Sorted(maps.Keys(d.Categories)) {
		c := d.Categories[name]
		changed, created := s.registerCategory(name, &c)
		if changed {
			res.DataChanged = true
		}
		if created {
			res.FilterChanged = true
		}
	}

	for _, tag := range NewTagList(d.Tags) {
		if s.registerTag(tag) {
			res.DataChanged = true
			res.FilterChanged = true
		}
	}

	for _, url := range slices.Sorted(maps.Keys(d.Trackers)) {
		changed, moved := s.updateTracker(url, d.Trackers[url])
		if changed {
			res.DataChanged = true
		}
		if moved {
			res.FilterChanged = true
		}
	}
}

func (s *Store) applyTorrents(d *Delta, res *Result) {
	for _, hash := range slices.Sorted(maps.Keys(d.Torrents)) {
		td := d.Torrents[hash]

		t, ok := s.torrents[hash]
		if !ok {
			t = newTorrent(hash, &td)
			s.torrents[hash] = t
			s.index.insertAll(hash, s.membership(t))
			res.Added++
			res.DataChanged = true
			res.FilterChanged = true
			continue
		}

		prev := s.membership(t)
		dataChanged, filterRelevant := t.Merge(&td)
		if dataChanged {
			res.Updated++
			res.DataChanged = true
		}
		if !filterRelevant {
			continue
		}

		next := s.membership(t)
		s.index.retractAll(hash, prev)
		s.index.insertAll(hash, next)
		if !sameKeys(prev, next) {
			res.FilterChanged = true
		}
	}
}

func (s *Store) applyServerState(d *Delta, res *Result) {
	if d.ServerState == nil {
		return
	}

	flip, ok := d.ServerState.UseSubcategories.Get()
	if !ok || flip == s.server.UseSubcategories {
		if s.server.Merge(d.ServerState) {
			res.DataChanged = true
		}
		return
	}

	// The subcategories flag changes how every category path expands.
	moved := s.reindex(s.allHashes(), func() {
		s.server.Merge(d.ServerState)
	})
	res.DataChanged = true
	if moved {
		res.FilterChanged = true
	}

	log.Debug().
		Bool("useSubcategories", s.server.UseSubcategories).
		Msg("Subcategories toggled, category buckets recomputed")
}

// registerCategory merges a category record and pins its bucket. It reports
// whether the registration changed and whether it is new.
func (s *Store) registerCategory(name string, d *CategoryDelta) (changed, created bool) {
	c, ok := s.categories[name]
	if !ok {
		c = &Category{Name: name}
		s.categories[name] = c
		created = true
		changed = true
	}

	if optional.Apply(&c.Name, d.Name) {
		changed = true
	}
	if optional.Apply(&c.SavePath, d.SavePath) {
		changed = true
	}
	if optional.Apply(&c.DownloadPath, d.DownloadPath) {
		changed = true
	}

	if key := CategoryKey(NormalizeCategory(name)); key.Name != "" {
		s.index.pin(key)
	}
	return changed, created
}

// categoryRegistered reports whether any remaining registration maps to key.
func (s *Store) categoryRegistered(key Key) bool {
	for name := range s.categories {
		if NormalizeCategory(name) == key.Name {
			return true
		}
	}
	return false
}

func (s *Store) registerTag(tag string) bool {
	if _, ok := s.tags[tag]; ok {
		return false
	}
	s.tags[tag] = struct{}{}
	s.index.pin(TagKey(tag))
	return true
}

// unregisterTag drops a tag registration, strips it from every torrent that
// carries it and drops its bucket.
func (s *Store) unregisterTag(tag string) bool {
	key := TagKey(tag)
	_, registered := s.tags[tag]

	holders := s.index.buckets[key].Sorted()
	if !registered && len(holders) == 0 {
		return false
	}

	s.reindex(holders, func() {
		for _, hash := range holders {
			if t, ok := s.torrents[hash]; ok {
				t.stripTag(tag)
			}
		}
	})

	delete(s.tags, tag)
	s.index.drop(key)
	return true
}

// setTrackerOwners records the raw owner list of url and its reverse view
// and pins the URL's bucket. Memberships are left to the caller.
func (s *Store) setTrackerOwners(url string, hashes []string) {
	for hash := range s.ownersOf(url) {
		s.unannounce(hash, url)
	}

	s.trackers[url] = slices.Clone(hashes)
	for _, hash := range hashes {
		urls, ok := s.announce[hash]
		if !ok {
			urls = make(map[string]struct{})
			s.announce[hash] = urls
		}
		urls[url] = struct{}{}
	}
	s.index.pin(TrackerKey(url))
}

func (s *Store) ownersOf(url string) map[string]struct{} {
	owners := make(map[string]struct{}, len(s.trackers[url]))
	for _, hash := range s.trackers[url] {
		owners[hash] = struct{}{}
	}
	return owners
}

func (s *Store) unannounce(hash, url string) {
	urls, ok := s.announce[hash]
	if !ok {
		return
	}
	delete(urls, url)
	if len(urls) == 0 {
		delete(s.announce, hash)
	}
}

// updateTracker replaces the owner list of url. The bucket ends up holding
// exactly the live torrents named by the new list plus those whose own
// tracker is url. It reports whether the list changed and whether any
// membership moved.
func (s *Store) updateTracker(url string, hashes []string) (changed, moved bool) {
	old, registered := s.trackers[url]
	if registered && slices.Equal(old, hashes) {
		return false, false
	}

	affected := s.ownersOf(url)
	for _, hash := range hashes {
		affected[hash] = struct{}{}
	}

	moved = s.reindex(slices.Collect(maps.Keys(affected)), func() {
		s.setTrackerOwners(url, hashes)
	})
	return true, moved || !registered
}

// removeTracker drops the registration of url and re-indexes its former owners.
func (s *Store) removeTracker(url string) bool {
	if _, ok := s.trackers[url]; !ok {
		return false
	}

	owners := s.ownersOf(url)
	s.reindex(slices.Collect(maps.Keys(owners)), func() {
		for hash := range owners {
			s.unannounce(hash, url)
		}
		delete(s.trackers, url)
	})

	s.index.unpin(TrackerKey(url))
	return true
}
