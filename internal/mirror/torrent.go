// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mirror

import (
	qbt "github.com/autobrr/go-qbittorrent"

	"github.com/autobrr/qbsync/pkg/optional"
)

// Torrent is the mirrored state of one torrent. Hash never changes after creation.
type Torrent struct {
	Hash                  string           `json:"hash"`
	Name                  string           `json:"name"`
	Category              string           `json:"category"`
	Tags                  TagList          `json:"tags"`
	Tracker               string           `json:"tracker"`
	HasTrackerError       bool             `json:"has_tracker_error"`
	HasTrackerWarning     bool             `json:"has_tracker_warning"`
	HasOtherAnnounceError bool             `json:"has_other_announce_error"`
	State                 qbt.TorrentState `json:"state"`

	Progress         float64 `json:"progress"`
	DlSpeed          int64   `json:"dlspeed"`
	UpSpeed          int64   `json:"upspeed"`
	Size             int64   `json:"size"`
	TotalSize        int64   `json:"total_size"`
	Downloaded       int64   `json:"downloaded"`
	Uploaded         int64   `json:"uploaded"`
	AmountLeft       int64   `json:"amount_left"`
	Completed        int64   `json:"completed"`
	AddedOn          int64   `json:"added_on"`
	CompletionOn     int64   `json:"completion_on"`
	LastActivity     int64   `json:"last_activity"`
	SeenComplete     int64   `json:"seen_complete"`
	ETA              int64   `json:"eta"`
	Ratio            float64 `json:"ratio"`
	RatioLimit       float64 `json:"ratio_limit"`
	SeedingTimeLimit int64   `json:"seeding_time_limit"`
	DlLimit          int64   `json:"dl_limit"`
	UpLimit          int64   `json:"up_limit"`
	NumSeeds         int64   `json:"num_seeds"`
	NumLeechs        int64   `json:"num_leechs"`
	NumComplete      int64   `json:"num_complete"`
	NumIncomplete    int64   `json:"num_incomplete"`
	Priority         int64   `json:"priority"`
	Availability     float64 `json:"availability"`
	TimeActive       int64   `json:"time_active"`
	SeedingTime      int64   `json:"seeding_time"`
	TrackersCount    int64   `json:"trackers_count"`

	SavePath     string `json:"save_path"`
	DownloadPath string `json:"download_path"`
	ContentPath  string `json:"content_path"`
	MagnetURI    string `json:"magnet_uri"`
	InfohashV1   string `json:"infohash_v1"`
	InfohashV2   string `json:"infohash_v2"`

	AutoManaged        bool `json:"auto_tmm"`
	SequentialDownload bool `json:"seq_dl"`
	FirstLastPiecePrio bool `json:"f_l_piece_prio"`
	ForceStart         bool `json:"force_start"`
	SuperSeeding       bool `json:"super_seeding"`
	Private            bool `json:"private"`
}

// newTorrent constructs a torrent from a full record. Fields the record does
// not carry start at their zero value.
func newTorrent(hash string, d *TorrentDelta) *Torrent {
	t := &Torrent{Hash: hash, Tags: TagList{}}
	if d != nil {
		t.Merge(d)
	}
	return t
}

// Status returns the classified state bucket.
func (t *Torrent) Status() Status {
	return Classify(t.State)
}

// Activity returns the speed-derived activity bucket.
func (t *Torrent) Activity() Status {
	return Activity(t.DlSpeed, t.UpSpeed)
}

// Clone returns a copy that shares no mutable state with t.
func (t *Torrent) Clone() *Torrent {
	c := *t
	c.Tags = append(TagList{}, t.Tags...)
	return &c
}

// Merge applies every field present in d and reports whether any value
// changed and whether a change touched bucket membership: category, tags,
// state, tracker, the tracker health flags, or an activity flip.
func (t *Torrent) Merge(d *TorrentDelta) (dataChanged, filterRelevant bool) {
	wasActive := t.Activity()

	mark := func(changed bool) {
		if changed {
			dataChanged = true
		}
	}
	markFilter := func(changed bool) {
		if changed {
			dataChanged = true
			filterRelevant = true
		}
	}

	if raw, ok := d.Tags.Get(); ok {
		if tags := NewTagList(raw); !tags.Equal(t.Tags) {
			t.Tags = tags
			markFilter(true)
		}
	}
	markFilter(optional.Apply(&t.Category, d.Category))
	markFilter(optional.Apply(&t.State, d.State))
	markFilter(optional.Apply(&t.Tracker, d.Tracker))
	markFilter(optional.Apply(&t.HasTrackerError, d.HasTrackerError))
	markFilter(optional.Apply(&t.HasTrackerWarning, d.HasTrackerWarning))
	markFilter(optional.Apply(&t.HasOtherAnnounceError, d.HasOtherAnnounceError))

	mark(optional.Apply(&t.Name, d.Name))
	mark(optional.Apply(&t.Progress, d.Progress))
	mark(optional.Apply(&t.DlSpeed, d.DlSpeed))
	mark(optional.Apply(&t.UpSpeed, d.UpSpeed))
	mark(optional.Apply(&t.Size, d.Size))
	mark(optional.Apply(&t.TotalSize, d.TotalSize))
	mark(optional.Apply(&t.Downloaded, d.Downloaded))
	mark(optional.Apply(&t.Uploaded, d.Uploaded))
	mark(optional.Apply(&t.AmountLeft, d.AmountLeft))
	mark(optional.Apply(&t.Completed, d.Completed))
	mark(optional.Apply(&t.AddedOn, d.AddedOn))
	mark(optional.Apply(&t.CompletionOn, d.CompletionOn))
	mark(optional.Apply(&t.LastActivity, d.LastActivity))
	mark(optional.Apply(&t.SeenComplete, d.SeenComplete))
	mark(optional.Apply(&t.ETA, d.ETA))
	mark(optional.Apply(&t.Ratio, d.Ratio))
	mark(optional.Apply(&t.RatioLimit, d.RatioLimit))
	mark(optional.Apply(&t.SeedingTimeLimit, d.SeedingTimeLimit))
	mark(optional.Apply(&t.DlLimit, d.DlLimit))
	mark(optional.Apply(&t.UpLimit, d.UpLimit))
	mark(optional.Apply(&t.NumSeeds, d.NumSeeds))
	mark(optional.Apply(&t.NumLeechs, d.NumLeechs))
	mark(optional.Apply(&t.NumComplete, d.NumComplete))
	mark(optional.Apply(&t.NumIncomplete, d.NumIncomplete))
	mark(optional.Apply(&t.Priority, d.Priority))
	mark(optional.Apply(&t.Availability, d.Availability))
	mark(optional.Apply(&t.TimeActive, d.TimeActive))
	mark(optional.Apply(&t.SeedingTime, d.SeedingTime))
	mark(optional.Apply(&t.TrackersCount, d.TrackersCount))

	mark(optional.Apply(&t.SavePath, d.SavePath))
	mark(optional.Apply(&t.DownloadPath, d.DownloadPath))
	mark(optional.Apply(&t.ContentPath, d.ContentPath))
	mark(optional.Apply(&t.MagnetURI, d.MagnetURI))
	mark(optional.Apply(&t.InfohashV1, d.InfohashV1))
	mark(optional.Apply(&t.InfohashV2, d.InfohashV2))

	mark(optional.Apply(&t.AutoManaged, d.AutoManaged))
	mark(optional.Apply(&t.SequentialDownload, d.SequentialDownload))
	mark(optional.Apply(&t.FirstLastPiecePrio, d.FirstLastPiecePrio))
	mark(optional.Apply(&t.ForceStart, d.ForceStart))
	mark(optional.Apply(&t.SuperSeeding, d.SuperSeeding))
	mark(optional.Apply(&t.Private, d.Private))

	if t.Activity() != wasActive {
		filterRelevant = true
	}

	return dataChanged, filterRelevant
}

// stripTag removes tag from the torrent's tag set and reports whether it was present.
func (t *Torrent) stripTag(tag string) bool {
	for i, existing := range t.Tags {
		if existing == tag {
			t.Tags = append(t.Tags[:i:i], t.Tags[i+1:]...)
			return true
		}
	}
	return false
}
