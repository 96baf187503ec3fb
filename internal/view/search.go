// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package view

import (
	"cmp"
	"path/filepath"
	"slices"
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/autobrr/qbsync/internal/mirror"
)

var searchSeparators = strings.NewReplacer(
	".", " ", "_", " ", "-", " ",
	"[", " ", "]", " ", "(", " ", ")", " ", "{", " ", "}", " ",
)

// foldDiacritics strips combining marks so "Amélie" matches "amelie".
func foldDiacritics(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		return text
	}
	return folded
}

// normalizeForSearch lowercases, folds diacritics, turns release separators
// into spaces and collapses whitespace.
func normalizeForSearch(text string) string {
	normalized := searchSeparators.Replace(strings.ToLower(foldDiacritics(text)))
	return strings.Join(strings.Fields(normalized), " ")
}

type searchMatch struct {
	hash   string
	score  int
	method string
}

// search ranks torrents against query: exact substring first, then
// normalized substring, then all words present, then a close fuzzy match
// on the name. Queries containing glob metacharacters use glob matching.
func search(torrents []*mirror.Torrent, query string) []searchMatch {
	if strings.ContainsAny(query, "*?[") {
		return searchGlob(torrents, query)
	}

	queryLower := strings.ToLower(query)
	queryNormalized := normalizeForSearch(query)
	queryWords := strings.Fields(queryNormalized)

	var matches []searchMatch
	for _, t := range torrents {
		tags := t.Tags.String()

		if containsAny(queryLower,
			strings.ToLower(t.Name),
			strings.ToLower(t.Category),
			strings.ToLower(tags),
			strings.ToLower(t.Hash),
			strings.ToLower(t.InfohashV1),
			strings.ToLower(t.InfohashV2),
		) {
			matches = append(matches, searchMatch{hash: t.Hash, score: 0, method: "exact"})
			continue
		}

		nameNormalized := normalizeForSearch(t.Name)
		categoryNormalized := normalizeForSearch(t.Category)
		tagsNormalized := normalizeForSearch(tags)

		if containsAny(queryNormalized, nameNormalized, categoryNormalized, tagsNormalized) {
			matches = append(matches, searchMatch{hash: t.Hash, score: 1, method: "normalized"})
			continue
		}

		if len(queryWords) > 1 {
			all := nameNormalized + " " + categoryNormalized + " " + tagsNormalized
			found := true
			for _, word := range queryWords {
				if !strings.Contains(all, word) {
					found = false
					break
				}
			}
			if found {
				matches = append(matches, searchMatch{hash: t.Hash, score: 2, method: "all-words"})
				continue
			}
		}

		if fuzzy.MatchNormalizedFold(queryNormalized, nameNormalized) {
			// Ranks of 10 and above are distant enough to be noise.
			if rank := fuzzy.RankMatchNormalizedFold(queryNormalized, nameNormalized); rank < 10 {
				matches = append(matches, searchMatch{hash: t.Hash, score: 3 + rank, method: "fuzzy"})
			}
		}
	}

	slices.SortStableFunc(matches, func(a, b searchMatch) int {
		return cmp.Compare(a.score, b.score)
	})

	log.Debug().
		Str("search", query).
		Int("totalTorrents", len(torrents)).
		Int("matchedTorrents", len(matches)).
		Msg("Search completed")

	return matches
}

func containsAny(needle string, haystacks ...string) bool {
	for _, h := range haystacks {
		if strings.Contains(h, needle) {
			return true
		}
	}
	return false
}

func searchGlob(torrents []*mirror.Torrent, pattern string) []searchMatch {
	patternLower := strings.ToLower(pattern)

	var matches []searchMatch
	for _, t := range torrents {
		matched, err := filepath.Match(patternLower, strings.ToLower(t.Name))
		if err != nil {
			log.Debug().Str("pattern", pattern).Err(err).Msg("Invalid glob pattern")
			return nil
		}
		if !matched && t.Category != "" {
			matched, _ = filepath.Match(patternLower, strings.ToLower(t.Category))
		}
		if !matched {
			for _, tag := range t.Tags {
				if ok, _ := filepath.Match(patternLower, strings.ToLower(tag)); ok {
					matched = true
					break
				}
			}
		}
		if matched {
			matches = append(matches, searchMatch{hash: t.Hash, method: "glob"})
		}
	}

	return matches
}
