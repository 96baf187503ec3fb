// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qbsync/internal/mirror"
	"github.com/autobrr/qbsync/internal/qbittorrent"
	"github.com/autobrr/qbsync/internal/view"
)

const (
	defaultPageSize = 300
	maxPageSize     = 2000
)

type TorrentsHandler struct {
	registry InstanceRegistry
}

func NewTorrentsHandler(registry InstanceRegistry) *TorrentsHandler {
	return &TorrentsHandler{registry: registry}
}

// truncateExpr truncates long filter expressions for cleaner logging
func truncateExpr(expr string, maxLen int) string {
	if len(expr) <= maxLen {
		return expr
	}
	return expr[:maxLen-3] + "..."
}

// SortedPeer represents a peer with its key for sorting
type SortedPeer struct {
	Key string `json:"key"`
	mirror.Peer
}

// SortedPeersResponse wraps the peers response with sorted peers
type SortedPeersResponse struct {
	Rid         int64                   `json:"rid"`
	ShowFlags   bool                    `json:"show_flags"`
	Peers       map[string]*mirror.Peer `json:"peers"`
	SortedPeers []SortedPeer            `json:"sorted_peers,omitempty"`
}

type TorrentListResponse struct {
	Torrents []mirror.Torrent `json:"torrents"`
	Total    int              `json:"total"`
	Rid      int64            `json:"rid"`
	Page     int              `json:"page"`
	Limit    int              `json:"limit"`
	HasMore  bool             `json:"hasMore"`
}

func etag(rid int64, digest uint64) string {
	return fmt.Sprintf(`"%d-%016x"`, rid, digest)
}

func notModified(r *http.Request, tag string) bool {
	for _, candidate := range strings.Split(r.Header.Get("If-None-Match"), ",") {
		if strings.TrimSpace(candidate) == tag {
			return true
		}
	}
	return false
}

// ListTorrents returns one page of the filtered, searched and sorted torrent list.
func (h *TorrentsHandler) ListTorrents(w http.ResponseWriter, r *http.Request) {
	sm, instanceID, ok := syncManagerFor(w, r, h.registry, "torrents:list")
	if !ok {
		return
	}

	// Parse query parameters
	limit := defaultPageSize
	page := 0
	sortField := "added_on"
	order := "desc"
	query := r.URL.Query()

	if l := query.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxPageSize {
			limit = parsed
		}
	}

	if p := query.Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed >= 0 {
			page = parsed
		}
	}

	if s := query.Get("sort"); s != "" {
		if !view.IsSortField(s) {
			RespondError(w, http.StatusBadRequest, "Invalid sort field")
			return
		}
		sortField = s
	}

	if o := query.Get("order"); o == "asc" || o == "desc" {
		order = o
	}

	// Parse filters
	var filters view.FilterOptions

	if f := query.Get("filters"); f != "" {
		if err := json.Unmarshal([]byte(f), &filters); err != nil {
			RespondError(w, http.StatusBadRequest, "Invalid filters")
			return
		}
	}

	filters.Search = query.Get("search")
	filters.Sort = sortField
	filters.Order = order

	logEvent := log.Debug().
		Int("instanceID", instanceID).
		Str("sort", sortField).
		Str("order", order).
		Int("page", page).
		Int("limit", limit).
		Str("search", filters.Search)

	// Log filters but truncate long expressions
	if filters.Expr != "" {
		logEvent = logEvent.Str("expr", truncateExpr(filters.Expr, 150))
	}
	if len(filters.Status) > 0 {
		logEvent = logEvent.Strs("status", filters.Status)
	}
	if len(filters.Categories) > 0 {
		logEvent = logEvent.Strs("categories", filters.Categories)
	}
	if len(filters.Tags) > 0 {
		logEvent = logEvent.Strs("tags", filters.Tags)
	}
	if len(filters.Trackers) > 0 {
		logEvent = logEvent.Strs("trackers", filters.Trackers)
	}

	logEvent.Msg("Torrent list request parameters")

	result, err := sm.Page(filters, limit, page*limit)
	if err != nil {
		log.Debug().Err(err).Int("instanceID", instanceID).Msg("Rejected torrent filter")
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	tag := etag(result.Rid, result.Digest)
	w.Header().Set("ETag", tag)
	if notModified(r, tag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	RespondJSON(w, http.StatusOK, TorrentListResponse{
		Torrents: result.Torrents,
		Total:    result.Total,
		Rid:      result.Rid,
		Page:     page,
		Limit:    limit,
		HasMore:  (page+1)*limit < result.Total,
	})
}

func (h *TorrentsHandler) GetTorrent(w http.ResponseWriter, r *http.Request) {
	sm, _, ok := syncManagerFor(w, r, h.registry, "torrents:get")
	if !ok {
		return
	}

	t, found := sm.Torrent(chi.URLParam(r, "hash"))
	if !found {
		RespondError(w, http.StatusNotFound, "Torrent not found")
		return
	}
	RespondJSON(w, http.StatusOK, t)
}

// GetCounts returns per-bucket torrent counts for the sidebar.
func (h *TorrentsHandler) GetCounts(w http.ResponseWriter, r *http.Request) {
	sm, _, ok := syncManagerFor(w, r, h.registry, "torrents:counts")
	if !ok {
		return
	}
	RespondJSON(w, http.StatusOK, sm.Counts())
}

// GetMainData returns the mirror as a qBittorrent full update.
func (h *TorrentsHandler) GetMainData(w http.ResponseWriter, r *http.Request) {
	sm, _, ok := syncManagerFor(w, r, h.registry, "torrents:maindata")
	if !ok {
		return
	}
	RespondJSON(w, http.StatusOK, sm.MainData())
}

func (h *TorrentsHandler) GetCategories(w http.ResponseWriter, r *http.Request) {
	sm, _, ok := syncManagerFor(w, r, h.registry, "torrents:categories")
	if !ok {
		return
	}
	RespondJSON(w, http.StatusOK, sm.Categories())
}

func (h *TorrentsHandler) GetTags(w http.ResponseWriter, r *http.Request) {
	sm, _, ok := syncManagerFor(w, r, h.registry, "torrents:tags")
	if !ok {
		return
	}
	RespondJSON(w, http.StatusOK, sm.Tags())
}

// GetActiveTrackers returns tracker URLs and the hashes announcing to them.
func (h *TorrentsHandler) GetActiveTrackers(w http.ResponseWriter, r *http.Request) {
	sm, _, ok := syncManagerFor(w, r, h.registry, "torrents:trackers")
	if !ok {
		return
	}
	RespondJSON(w, http.StatusOK, sm.Trackers())
}

// GetTorrentPeers syncs and returns the peers of one torrent.
func (h *TorrentsHandler) GetTorrentPeers(w http.ResponseWriter, r *http.Request) {
	sm, instanceID, ok := syncManagerFor(w, r, h.registry, "torrents:getPeers")
	if !ok {
		return
	}

	hash := chi.URLParam(r, "hash")
	if hash == "" {
		RespondError(w, http.StatusBadRequest, "Torrent hash is required")
		return
	}

	peers, err := sm.SyncPeers(r.Context(), hash)
	if err != nil {
		if errors.Is(err, qbittorrent.ErrTorrentNotFound) {
			RespondError(w, http.StatusNotFound, "Torrent not found")
			return
		}

		// Serve the last known peer set when the instance cannot be reached.
		cached, found := sm.Peers(hash)
		if !found {
			log.Error().Err(err).Int("instanceID", instanceID).Str("hash", hash).Msg("Failed to get torrent peers")
			RespondError(w, http.StatusBadGateway, "Failed to get torrent peers")
			return
		}
		log.Warn().Err(err).Int("instanceID", instanceID).Str("hash", hash).Msg("Serving cached torrent peers")
		peers = cached
	}

	RespondJSON(w, http.StatusOK, newSortedPeersResponse(peers))
}

func newSortedPeersResponse(peers *mirror.PeerList) *SortedPeersResponse {
	sortedPeers := make([]SortedPeer, 0, len(peers.Peers))
	for key, peer := range peers.Peers {
		sortedPeers = append(sortedPeers, SortedPeer{
			Key:  key,
			Peer: *peer,
		})
	}

	// Sort peers: seeders first (progress = 1.0), then by download speed, then upload speed
	sort.Slice(sortedPeers, func(i, j int) bool {
		iIsSeeder := sortedPeers[i].Progress == 1.0
		jIsSeeder := sortedPeers[j].Progress == 1.0

		if iIsSeeder != jIsSeeder {
			return iIsSeeder
		}

		if sortedPeers[i].Progress != sortedPeers[j].Progress {
			return sortedPeers[i].Progress > sortedPeers[j].Progress
		}

		if sortedPeers[i].DlSpeed != sortedPeers[j].DlSpeed {
			return sortedPeers[i].DlSpeed > sortedPeers[j].DlSpeed
		}

		if sortedPeers[i].UpSpeed != sortedPeers[j].UpSpeed {
			return sortedPeers[i].UpSpeed > sortedPeers[j].UpSpeed
		}

		// Finally by key for stable sorting
		return sortedPeers[i].Key < sortedPeers[j].Key
	})

	return &SortedPeersResponse{
		Rid:         peers.Rid,
		ShowFlags:   peers.ShowFlags,
		Peers:       peers.Peers,
		SortedPeers: slices.Clip(sortedPeers),
	}
}
