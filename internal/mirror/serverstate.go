// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mirror

import (
	"github.com/autobrr/qbsync/pkg/optional"
)

// ServerState is the global server_state block. It is never indexed.
type ServerState struct {
	AlltimeDl             int64  `json:"alltime_dl"`
	AlltimeUl             int64  `json:"alltime_ul"`
	AverageTimeQueue      int64  `json:"average_time_queue"`
	ConnectionStatus      string `json:"connection_status"`
	DhtNodes              int64  `json:"dht_nodes"`
	DlInfoData            int64  `json:"dl_info_data"`
	DlInfoSpeed           int64  `json:"dl_info_speed"`
	DlRateLimit           int64  `json:"dl_rate_limit"`
	FreeSpaceOnDisk       int64  `json:"free_space_on_disk"`
	GlobalRatio           string `json:"global_ratio"`
	QueuedIoJobs          int64  `json:"queued_io_jobs"`
	Queueing              bool   `json:"queueing"`
	ReadCacheHits         string `json:"read_cache_hits"`
	ReadCacheOverload     string `json:"read_cache_overload"`
	RefreshInterval       int64  `json:"refresh_interval"`
	TotalBuffersSize      int64  `json:"total_buffers_size"`
	TotalPeerConnections  int64  `json:"total_peer_connections"`
	TotalQueuedSize       int64  `json:"total_queued_size"`
	TotalWastedSession    int64  `json:"total_wasted_session"`
	UpInfoData            int64  `json:"up_info_data"`
	UpInfoSpeed           int64  `json:"up_info_speed"`
	UpRateLimit           int64  `json:"up_rate_limit"`
	UseAltSpeedLimits     bool   `json:"use_alt_speed_limits"`
	UseSubcategories      bool   `json:"use_subcategories"`
	WriteCacheOverload    string `json:"write_cache_overload"`
	LastExternalAddressV4 string `json:"last_external_address_v4"`
	LastExternalAddressV6 string `json:"last_external_address_v6"`
}

// Merge overwrites every field present in d and reports whether anything changed.
func (s *ServerState) Merge(d *ServerStateDelta) bool {
	changed := false
	for _, c := range []bool{
		optional.Apply(&s.AlltimeDl, d.AlltimeDl),
		optional.Apply(&s.AlltimeUl, d.AlltimeUl),
		optional.Apply(&s.AverageTimeQueue, d.AverageTimeQueue),
		optional.Apply(&s.ConnectionStatus, d.ConnectionStatus),
		optional.Apply(&s.DhtNodes, d.DhtNodes),
		optional.Apply(&s.DlInfoData, d.DlInfoData),
		optional.Apply(&s.DlInfoSpeed, d.DlInfoSpeed),
		optional.Apply(&s.DlRateLimit, d.DlRateLimit),
		optional.Apply(&s.FreeSpaceOnDisk, d.FreeSpaceOnDisk),
		optional.Apply(&s.GlobalRatio, d.GlobalRatio),
		optional.Apply(&s.QueuedIoJobs, d.QueuedIoJobs),
		optional.Apply(&s.Queueing, d.Queueing),
		optional.Apply(&s.ReadCacheHits, d.ReadCacheHits),
		optional.Apply(&s.ReadCacheOverload, d.ReadCacheOverload),
		optional.Apply(&s.RefreshInterval, d.RefreshInterval),
		optional.Apply(&s.TotalBuffersSize, d.TotalBuffersSize),
		optional.Apply(&s.TotalPeerConnections, d.TotalPeerConnections),
		optional.Apply(&s.TotalQueuedSize, d.TotalQueuedSize),
		optional.Apply(&s.TotalWastedSession, d.TotalWastedSession),
		optional.Apply(&s.UpInfoData, d.UpInfoData),
		optional.Apply(&s.UpInfoSpeed, d.UpInfoSpeed),
		optional.Apply(&s.UpRateLimit, d.UpRateLimit),
		optional.Apply(&s.UseAltSpeedLimits, d.UseAltSpeedLimits),
		optional.Apply(&s.UseSubcategories, d.UseSubcategories),
		optional.Apply(&s.WriteCacheOverload, d.WriteCacheOverload),
		optional.Apply(&s.LastExternalAddressV4, d.LastExternalAddressV4),
		optional.Apply(&s.LastExternalAddressV6, d.LastExternalAddressV6),
	} {
		changed = changed || c
	}
	return changed
}
