// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	internalqbittorrent "github.com/autobrr/qbsync/internal/qbittorrent"
)

type InstancesHandler struct {
	registry InstanceRegistry
}

func NewInstancesHandler(registry InstanceRegistry) *InstancesHandler {
	return &InstancesHandler{registry: registry}
}

// ListInstances returns the sync status of every configured instance.
func (h *InstancesHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	managers := h.registry.Managers()

	response := make([]internalqbittorrent.InstanceStatus, 0, len(managers))
	for _, sm := range managers {
		response = append(response, sm.Status())
	}

	RespondJSON(w, http.StatusOK, response)
}

func (h *InstancesHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	sm, _, ok := syncManagerFor(w, r, h.registry, "instances:get")
	if !ok {
		return
	}
	RespondJSON(w, http.StatusOK, sm.Status())
}

// GetInstanceCapabilities returns lightweight capability metadata for an instance.
func (h *InstancesHandler) GetInstanceCapabilities(w http.ResponseWriter, r *http.Request) {
	sm, _, ok := syncManagerFor(w, r, h.registry, "instances:getCapabilities")
	if !ok {
		return
	}
	RespondJSON(w, http.StatusOK, NewInstanceCapabilitiesResponse(sm))
}

// VerifyIndex checks the secondary index of an instance against its torrents.
func (h *InstancesHandler) VerifyIndex(w http.ResponseWriter, r *http.Request) {
	sm, _, ok := syncManagerFor(w, r, h.registry, "instances:verify")
	if !ok {
		return
	}

	if err := sm.Verify(); err != nil {
		RespondJSON(w, http.StatusOK, map[string]any{"consistent": false, "error": err.Error()})
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"consistent": true})
}
