// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mirror

import (
	"maps"
	"slices"

	qbt "github.com/autobrr/go-qbittorrent"
)

// QBT converts the torrent into go-qbittorrent's representation.
func (t *Torrent) QBT() qbt.Torrent {
	return qbt.Torrent{
		AddedOn:            t.AddedOn,
		AmountLeft:         t.AmountLeft,
		AutoManaged:        t.AutoManaged,
		Availability:       t.Availability,
		Category:           t.Category,
		Completed:          t.Completed,
		CompletionOn:       t.CompletionOn,
		ContentPath:        t.ContentPath,
		DlLimit:            t.DlLimit,
		DlSpeed:            t.DlSpeed,
		DownloadPath:       t.DownloadPath,
		Downloaded:         t.Downloaded,
		ETA:                t.ETA,
		FirstLastPiecePrio: t.FirstLastPiecePrio,
		ForceStart:         t.ForceStart,
		Hash:               t.Hash,
		InfohashV1:         t.InfohashV1,
		InfohashV2:         t.InfohashV2,
		LastActivity:       t.LastActivity,
		MagnetURI:          t.MagnetURI,
		Name:               t.Name,
		NumComplete:        t.NumComplete,
		NumIncomplete:      t.NumIncomplete,
		NumLeechs:          t.NumLeechs,
		NumSeeds:           t.NumSeeds,
		Priority:           t.Priority,
		Progress:           t.Progress,
		Ratio:              t.Ratio,
		RatioLimit:         t.RatioLimit,
		SavePath:           t.SavePath,
		SeedingTime:        t.SeedingTime,
		SeedingTimeLimit:   t.SeedingTimeLimit,
		SeenComplete:       t.SeenComplete,
		SequentialDownload: t.SequentialDownload,
		Size:               t.Size,
		State:              t.State,
		SuperSeeding:       t.SuperSeeding,
		Tags:               t.Tags.String(),
		TimeActive:         t.TimeActive,
		TotalSize:          t.TotalSize,
		Tracker:            t.Tracker,
		TrackersCount:      t.TrackersCount,
		UpLimit:            t.UpLimit,
		Uploaded:           t.Uploaded,
		UpSpeed:            t.UpSpeed,
	}
}

// QBT converts the server state into go-qbittorrent's representation.
func (s ServerState) QBT() qbt.ServerState {
	return qbt.ServerState{
		AlltimeDl:            s.AlltimeDl,
		AlltimeUl:            s.AlltimeUl,
		AverageTimeQueue:     s.AverageTimeQueue,
		ConnectionStatus:     s.ConnectionStatus,
		DhtNodes:             s.DhtNodes,
		DlInfoData:           s.DlInfoData,
		DlInfoSpeed:          s.DlInfoSpeed,
		DlRateLimit:          s.DlRateLimit,
		FreeSpaceOnDisk:      s.FreeSpaceOnDisk,
		GlobalRatio:          s.GlobalRatio,
		QueuedIoJobs:         s.QueuedIoJobs,
		Queueing:             s.Queueing,
		ReadCacheHits:        s.ReadCacheHits,
		ReadCacheOverload:    s.ReadCacheOverload,
		RefreshInterval:      s.RefreshInterval,
		TotalBuffersSize:     s.TotalBuffersSize,
		TotalPeerConnections: s.TotalPeerConnections,
		TotalQueuedSize:      s.TotalQueuedSize,
		TotalWastedSession:   s.TotalWastedSession,
		UpInfoData:           s.UpInfoData,
		UpInfoSpeed:          s.UpInfoSpeed,
		UpRateLimit:          s.UpRateLimit,
		UseAltSpeedLimits:    s.UseAltSpeedLimits,
		UseSubcategories:     s.UseSubcategories,
		WriteCacheOverload:   s.WriteCacheOverload,
	}
}

// MainData exports the snapshot as a full go-qbittorrent MainData, for
// consumers written against that library.
func (s *Store) MainData() *qbt.MainData {
	md := &qbt.MainData{
		Rid:         s.rid,
		FullUpdate:  true,
		Torrents:    make(map[string]qbt.Torrent, len(s.torrents)),
		Categories:  make(map[string]qbt.Category, len(s.categories)),
		Tags:        slices.Sorted(maps.Keys(s.tags)),
		Trackers:    s.Trackers(),
		ServerState: s.server.QBT(),
	}

	for hash, t := range s.torrents {
		md.Torrents[hash] = t.QBT()
	}
	for name, c := range s.categories {
		md.Categories[name] = qbt.Category{Name: c.Name, SavePath: c.SavePath}
	}

	return md
}
