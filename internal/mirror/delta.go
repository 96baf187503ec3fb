// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mirror

import (
	"bytes"
	"encoding/json"
	"strings"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"

	"github.com/autobrr/qbsync/pkg/optional"
)

// Delta is one sync/maindata response. Every sub-section is optional; inside
// each record every field is optional too.
type Delta struct {
	Rid               int64                    `json:"rid"`
	FullUpdate        bool                     `json:"full_update"`
	Torrents          map[string]TorrentDelta  `json:"torrents,omitempty"`
	TorrentsRemoved   []string                 `json:"torrents_removed,omitempty"`
	Categories        map[string]CategoryDelta `json:"categories,omitempty"`
	CategoriesRemoved []string                 `json:"categories_removed,omitempty"`
	Tags              []string                 `json:"tags,omitempty"`
	TagsRemoved       []string                 `json:"tags_removed,omitempty"`
	Trackers          map[string][]string      `json:"trackers,omitempty"`
	TrackersRemoved   []string                 `json:"trackers_removed,omitempty"`
	ServerState       *ServerStateDelta        `json:"server_state,omitempty"`
}

// TorrentDelta patches one torrent. Unset fields keep their current value.
type TorrentDelta struct {
	Name                  optional.Value[string]           `json:"name"`
	Category              optional.Value[string]           `json:"category"`
	Tags                  optional.Value[TagList]          `json:"tags"`
	Tracker               optional.Value[string]           `json:"tracker"`
	HasTrackerError       optional.Value[bool]             `json:"has_tracker_error"`
	HasTrackerWarning     optional.Value[bool]             `json:"has_tracker_warning"`
	HasOtherAnnounceError optional.Value[bool]             `json:"has_other_announce_error"`
	State                 optional.Value[qbt.TorrentState] `json:"state"`

	Progress         optional.Value[float64] `json:"progress"`
	DlSpeed          optional.Value[int64]   `json:"dlspeed"`
	UpSpeed          optional.Value[int64]   `json:"upspeed"`
	Size             optional.Value[int64]   `json:"size"`
	TotalSize        optional.Value[int64]   `json:"total_size"`
	Downloaded       optional.Value[int64]   `json:"downloaded"`
	Uploaded         optional.Value[int64]   `json:"uploaded"`
	AmountLeft       optional.Value[int64]   `json:"amount_left"`
	Completed        optional.Value[int64]   `json:"completed"`
	AddedOn          optional.Value[int64]   `json:"added_on"`
	CompletionOn     optional.Value[int64]   `json:"completion_on"`
	LastActivity     optional.Value[int64]   `json:"last_activity"`
	SeenComplete     optional.Value[int64]   `json:"seen_complete"`
	ETA              optional.Value[int64]   `json:"eta"`
	Ratio            optional.Value[float64] `json:"ratio"`
	RatioLimit       optional.Value[float64] `json:"ratio_limit"`
	SeedingTimeLimit optional.Value[int64]   `json:"seeding_time_limit"`
	DlLimit          optional.Value[int64]   `json:"dl_limit"`
	UpLimit          optional.Value[int64]   `json:"up_limit"`
	NumSeeds         optional.Value[int64]   `json:"num_seeds"`
	NumLeechs        optional.Value[int64]   `json:"num_leechs"`
	NumComplete      optional.Value[int64]   `json:"num_complete"`
	NumIncomplete    optional.Value[int64]   `json:"num_incomplete"`
	Priority         optional.Value[int64]   `json:"priority"`
	Availability     optional.Value[float64] `json:"availability"`
	TimeActive       optional.Value[int64]   `json:"time_active"`
	SeedingTime      optional.Value[int64]   `json:"seeding_time"`
	TrackersCount    optional.Value[int64]   `json:"trackers_count"`

	SavePath     optional.Value[string] `json:"save_path"`
	DownloadPath optional.Value[string] `json:"download_path"`
	ContentPath  optional.Value[string] `json:"content_path"`
	MagnetURI    optional.Value[string] `json:"magnet_uri"`
	InfohashV1   optional.Value[string] `json:"infohash_v1"`
	InfohashV2   optional.Value[string] `json:"infohash_v2"`

	AutoManaged        optional.Value[bool] `json:"auto_tmm"`
	SequentialDownload optional.Value[bool] `json:"seq_dl"`
	FirstLastPiecePrio optional.Value[bool] `json:"f_l_piece_prio"`
	ForceStart         optional.Value[bool] `json:"force_start"`
	SuperSeeding       optional.Value[bool] `json:"super_seeding"`
	Private            optional.Value[bool] `json:"private"`
}

// CategoryDelta patches one category registration.
type CategoryDelta struct {
	Name         optional.Value[string]       `json:"name"`
	SavePath     optional.Value[string]       `json:"savePath"`
	DownloadPath optional.Value[PathOverride] `json:"download_path"`
}

// ServerStateDelta patches the global server state block.
type ServerStateDelta struct {
	AlltimeDl             optional.Value[int64]  `json:"alltime_dl"`
	AlltimeUl             optional.Value[int64]  `json:"alltime_ul"`
	AverageTimeQueue      optional.Value[int64]  `json:"average_time_queue"`
	ConnectionStatus      optional.Value[string] `json:"connection_status"`
	DhtNodes              optional.Value[int64]  `json:"dht_nodes"`
	DlInfoData            optional.Value[int64]  `json:"dl_info_data"`
	DlInfoSpeed           optional.Value[int64]  `json:"dl_info_speed"`
	DlRateLimit           optional.Value[int64]  `json:"dl_rate_limit"`
	FreeSpaceOnDisk       optional.Value[int64]  `json:"free_space_on_disk"`
	GlobalRatio           optional.Value[string] `json:"global_ratio"`
	QueuedIoJobs          optional.Value[int64]  `json:"queued_io_jobs"`
	Queueing              optional.Value[bool]   `json:"queueing"`
	ReadCacheHits         optional.Value[string] `json:"read_cache_hits"`
	ReadCacheOverload     optional.Value[string] `json:"read_cache_overload"`
	RefreshInterval       optional.Value[int64]  `json:"refresh_interval"`
	TotalBuffersSize      optional.Value[int64]  `json:"total_buffers_size"`
	TotalPeerConnections  optional.Value[int64]  `json:"total_peer_connections"`
	TotalQueuedSize       optional.Value[int64]  `json:"total_queued_size"`
	TotalWastedSession    optional.Value[int64]  `json:"total_wasted_session"`
	UpInfoData            optional.Value[int64]  `json:"up_info_data"`
	UpInfoSpeed           optional.Value[int64]  `json:"up_info_speed"`
	UpRateLimit           optional.Value[int64]  `json:"up_rate_limit"`
	UseAltSpeedLimits     optional.Value[bool]   `json:"use_alt_speed_limits"`
	UseSubcategories      optional.Value[bool]   `json:"use_subcategories"`
	WriteCacheOverload    optional.Value[string] `json:"write_cache_overload"`
	LastExternalAddressV4 optional.Value[string] `json:"last_external_address_v4"`
	LastExternalAddressV6 optional.Value[string] `json:"last_external_address_v6"`
}

// PeerDelta is one sync/torrentPeers response, scoped to a single torrent.
type PeerDelta struct {
	Rid          int64                `json:"rid"`
	FullUpdate   bool                 `json:"full_update"`
	ShowFlags    optional.Value[bool] `json:"show_flags"`
	Peers        map[string]PeerPatch `json:"peers,omitempty"`
	PeersRemoved []string             `json:"peers_removed,omitempty"`
}

// PeerPatch patches one peer. Unset fields keep their current value.
type PeerPatch struct {
	Client       optional.Value[string]  `json:"client"`
	PeerIDClient optional.Value[string]  `json:"peer_id_client"`
	Connection   optional.Value[string]  `json:"connection"`
	Country      optional.Value[string]  `json:"country"`
	CountryCode  optional.Value[string]  `json:"country_code"`
	Flags        optional.Value[string]  `json:"flags"`
	FlagsDesc    optional.Value[string]  `json:"flags_desc"`
	IP           optional.Value[string]  `json:"ip"`
	Port         optional.Value[int64]   `json:"port"`
	Files        optional.Value[string]  `json:"files"`
	Downloaded   optional.Value[int64]   `json:"downloaded"`
	Uploaded     optional.Value[int64]   `json:"uploaded"`
	DlSpeed      optional.Value[int64]   `json:"dl_speed"`
	UpSpeed      optional.Value[int64]   `json:"up_speed"`
	Progress     optional.Value[float64] `json:"progress"`
	Relevance    optional.Value[float64] `json:"relevance"`
}

// TagList is a torrent's tag set. qBittorrent sends tags as one comma
// separated string; a JSON array is accepted as well. Tags are trimmed,
// empty entries dropped and duplicates collapsed, keeping first-seen order.
type TagList []string

// ParseTags builds a TagList from qBittorrent's comma separated form.
func ParseTags(raw string) TagList {
	return NewTagList(strings.Split(raw, ","))
}

// NewTagList normalizes a slice of tags.
func NewTagList(tags []string) TagList {
	out := make(TagList, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// String renders the list the way qBittorrent does.
func (t TagList) String() string {
	return strings.Join(t, ", ")
}

// Equal compares two tag lists as sets.
func (t TagList) Equal(other TagList) bool {
	if len(t) != len(other) {
		return false
	}
	set := make(map[string]struct{}, len(t))
	for _, tag := range t {
		set[tag] = struct{}{}
	}
	for _, tag := range other {
		if _, ok := set[tag]; !ok {
			return false
		}
	}
	return true
}

// Contains reports whether tag is in the list.
func (t TagList) Contains(tag string) bool {
	for _, existing := range t {
		if existing == tag {
			return true
		}
	}
	return false
}

func (t *TagList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var tags []string
		if err := json.Unmarshal(data, &tags); err != nil {
			return err
		}
		*t = NewTagList(tags)
		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = ParseTags(raw)
	return nil
}

func (t TagList) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// PathOverride is a category's download path override. qBittorrent encodes
// "no override" as false and an override as the path string.
type PathOverride struct {
	Path    string
	Enabled bool
}

func (p *PathOverride) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("false")):
		*p = PathOverride{}
		return nil
	case bytes.Equal(data, []byte("true")):
		*p = PathOverride{Enabled: true}
		return nil
	}

	var path string
	if err := json.Unmarshal(data, &path); err != nil {
		return err
	}
	*p = PathOverride{Path: path, Enabled: true}
	return nil
}

func (p PathOverride) MarshalJSON() ([]byte, error) {
	if !p.Enabled {
		return []byte("false"), nil
	}
	return json.Marshal(p.Path)
}

// DecodeDelta parses a sync/maindata payload. Structurally invalid payloads
// are rejected here so the store never sees them.
func DecodeDelta(data []byte) (*Delta, error) {
	var delta Delta
	if err := json.Unmarshal(data, &delta); err != nil {
		return nil, errors.Wrap(err, "could not decode maindata delta")
	}
	return &delta, nil
}

// DecodePeerDelta parses a sync/torrentPeers payload.
func DecodePeerDelta(data []byte) (*PeerDelta, error) {
	var delta PeerDelta
	if err := json.Unmarshal(data, &delta); err != nil {
		return nil, errors.Wrap(err, "could not decode peers delta")
	}
	return &delta, nil
}
