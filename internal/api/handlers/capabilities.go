// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	internalqbittorrent "github.com/autobrr/qbsync/internal/qbittorrent"
)

// InstanceCapabilitiesResponse describes supported features for an instance.
type InstanceCapabilitiesResponse struct {
	SupportsSubcategories bool   `json:"supportsSubcategories"`
	UsesSubcategories     bool   `json:"usesSubcategories"`
	WebAPIVersion         string `json:"webAPIVersion,omitempty"`
}

// NewInstanceCapabilitiesResponse creates a response payload from a sync manager.
func NewInstanceCapabilitiesResponse(sm *internalqbittorrent.SyncManager) InstanceCapabilitiesResponse {
	status := sm.Status()

	capabilities := InstanceCapabilitiesResponse{
		SupportsSubcategories: status.Subcategories,
		UsesSubcategories:     sm.UseSubcategories(),
	}

	if status.WebAPIVersion != "" {
		capabilities.WebAPIVersion = status.WebAPIVersion
	}

	return capabilities
}
