// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package view answers filtered, searched and sorted queries over a
// mirror.Store and memoizes the answers until the store reports a change
// that can affect them.
package view

import (
	"maps"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/expr-lang/expr/vm"

	"github.com/autobrr/qbsync/internal/mirror"
)

const (
	selectionTTL = 30 * time.Second
	programTTL   = 5 * time.Minute
	domainTTL    = 5 * time.Minute
)

// View is safe for concurrent use. The store passed to its methods must be
// held stable by the caller for the duration of the call.
type View struct {
	filterGen atomic.Uint64
	dataGen   atomic.Uint64

	selections *ttlcache.Cache[string, []string]
	programs   *ttlcache.Cache[string, *vm.Program]
	domains    *ttlcache.Cache[string, string]
}

func New() *View {
	return &View{
		selections: ttlcache.New(ttlcache.Options[string, []string]{}.SetDefaultTTL(selectionTTL)),
		programs:   ttlcache.New(ttlcache.Options[string, *vm.Program]{}.SetDefaultTTL(programTTL)),
		domains:    ttlcache.New(ttlcache.Options[string, string]{}.SetDefaultTTL(domainTTL)),
	}
}

// Close stops the cache janitors.
func (v *View) Close() {
	v.selections.Close()
	v.programs.Close()
	v.domains.Close()
}

// Invalidate advances the generations a store change affects. Bucket-only
// selections survive a change that leaves every bucket untouched.
func (v *View) Invalidate(res mirror.Result) {
	if res.FilterChanged {
		v.filterGen.Add(1)
	}
	if res.DataChanged {
		v.dataGen.Add(1)
	}
}

// Generations returns the current filter and data generations.
func (v *View) Generations() (filter, data uint64) {
	return v.filterGen.Load(), v.dataGen.Load()
}

func (v *View) memoKey(opts FilterOptions) string {
	key := strconv.FormatUint(v.filterGen.Load(), 10)
	if opts.needsData() {
		key += "/" + strconv.FormatUint(v.dataGen.Load(), 10)
	}
	return key + "|" + opts.cacheKey()
}

// Select returns the hashes matching opts, ordered by search rank when a
// search is given and by opts.Sort otherwise. The returned slice is shared
// with the memo and must not be modified.
func (v *View) Select(s *mirror.Store, opts FilterOptions) ([]string, error) {
	key := v.memoKey(opts)
	if hashes, ok := v.selections.Get(key); ok {
		return hashes, nil
	}

	var program *vm.Program
	if opts.Expr != "" {
		p, err := v.compile(opts.Expr)
		if err != nil {
			return nil, err
		}
		program = p
	}

	selected := v.selectBuckets(s, opts)
	torrents := make([]*mirror.Torrent, 0, len(selected))
	for _, hash := range slices.Sorted(maps.Keys(selected)) {
		t, ok := s.Torrent(hash)
		if !ok {
			continue
		}
		if program != nil && !matchExpr(program, t) {
			continue
		}
		torrents = append(torrents, t)
	}

	var hashes []string
	if opts.Search != "" {
		matches := search(torrents, opts.Search)
		hashes = make([]string, len(matches))
		for i, m := range matches {
			hashes[i] = m.hash
		}
	} else {
		sortTorrents(torrents, opts.Sort, opts.Order)
		hashes = make([]string, len(torrents))
		for i, t := range torrents {
			hashes[i] = t.Hash
		}
	}

	v.selections.Set(key, hashes, ttlcache.DefaultTTL)
	return hashes, nil
}

// Page resolves a window of a selection to detached torrent copies.
func (v *View) Page(s *mirror.Store, opts FilterOptions, limit, offset int) ([]mirror.Torrent, int, error) {
	hashes, err := v.Select(s, opts)
	if err != nil {
		return nil, 0, err
	}

	total := len(hashes)
	offset = min(max(offset, 0), total)
	end := total
	if limit > 0 {
		end = min(offset+limit, total)
	}

	page := make([]mirror.Torrent, 0, end-offset)
	for _, hash := range hashes[offset:end] {
		if t, ok := s.Torrent(hash); ok {
			page = append(page, *t.Clone())
		}
	}
	return page, total, nil
}
