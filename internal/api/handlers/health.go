// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
)

type HealthHandler struct {
	registry InstanceRegistry
	version  string
}

func NewHealthHandler(registry InstanceRegistry, version string) *HealthHandler {
	return &HealthHandler{registry: registry, version: version}
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version,omitempty"`
	Instances int    `json:"instances"`
	Synced    int    `json:"synced"`
}

func (h *HealthHandler) summary() healthResponse {
	managers := h.registry.Managers()
	resp := healthResponse{Status: "ok", Version: h.version, Instances: len(managers)}
	for _, sm := range managers {
		if !sm.Status().LastSync.IsZero() {
			resp.Synced++
		}
	}
	return resp
}

// HandleHealth reports the process and per-instance sync progress.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.summary())
}

// HandleReady succeeds once every instance has applied at least one snapshot.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	resp := h.summary()
	if resp.Synced < resp.Instances {
		resp.Status = "syncing"
		RespondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	RespondJSON(w, http.StatusOK, resp)
}

func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
