// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mirror

import (
	"sync"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"
)

// Status is the classified state of a torrent as used by the status buckets.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusSeeding     Status = "seeding"
	StatusStopped     Status = "stopped"
	StatusQueued      Status = "queued"
	StatusStalled     Status = "stalled"
	StatusChecking    Status = "checking"
	StatusMoving      Status = "moving"
	StatusErrored     Status = "errored"
	StatusUnknown     Status = "unknown"

	// Activity members are derived from transfer speeds, independently of the state token.
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Statuses lists every status bucket the index keeps, in display order.
var Statuses = []Status{
	StatusDownloading,
	StatusSeeding,
	StatusStopped,
	StatusQueued,
	StatusStalled,
	StatusChecking,
	StatusMoving,
	StatusErrored,
	StatusUnknown,
	StatusActive,
	StatusInactive,
}

var stateStatuses = map[qbt.TorrentState]Status{
	qbt.TorrentStateDownloading:        StatusDownloading,
	qbt.TorrentStateForcedDl:           StatusDownloading,
	qbt.TorrentStateMetaDl:             StatusDownloading,
	qbt.TorrentState("forcedMetaDL"):   StatusDownloading,
	qbt.TorrentStateAllocating:         StatusDownloading,
	qbt.TorrentStateUploading:          StatusSeeding,
	qbt.TorrentStateForcedUp:           StatusSeeding,
	qbt.TorrentStatePausedDl:           StatusStopped,
	qbt.TorrentStatePausedUp:           StatusStopped,
	qbt.TorrentStateStoppedDl:          StatusStopped,
	qbt.TorrentStateStoppedUp:          StatusStopped,
	qbt.TorrentStateQueuedDl:           StatusQueued,
	qbt.TorrentStateQueuedUp:           StatusQueued,
	qbt.TorrentStateStalledDl:          StatusStalled,
	qbt.TorrentStateStalledUp:          StatusStalled,
	qbt.TorrentStateCheckingDl:         StatusChecking,
	qbt.TorrentStateCheckingUp:         StatusChecking,
	qbt.TorrentStateCheckingResumeData: StatusChecking,
	qbt.TorrentStateMoving:             StatusMoving,
	qbt.TorrentStateError:              StatusErrored,
	qbt.TorrentStateMissingFiles:       StatusErrored,
	qbt.TorrentStateUnknown:            StatusUnknown,
}

// unknownStates remembers tokens already reported so a misbehaving server
// does not flood the log on every poll.
var unknownStates sync.Map

// Classify maps a raw state token to its status bucket. It is total: tokens
// outside the known set classify to StatusUnknown.
func Classify(state qbt.TorrentState) Status {
	if status, ok := stateStatuses[state]; ok {
		return status
	}

	if _, seen := unknownStates.LoadOrStore(state, struct{}{}); !seen {
		log.Warn().
			Str("state", string(state)).
			Msg("Unrecognized torrent state, classifying as unknown")
	}

	return StatusUnknown
}

// Activity returns StatusActive when the torrent is transferring in either direction.
func Activity(dlSpeed, upSpeed int64) Status {
	if dlSpeed > 0 || upSpeed > 0 {
		return StatusActive
	}
	return StatusInactive
}
