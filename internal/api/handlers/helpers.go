// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qbsync/internal/qbittorrent"
)

// InstanceRegistry resolves instance ids to their sync managers.
// *qbittorrent.ClientPool implements it.
type InstanceRegistry interface {
	Get(instanceID int) (*qbittorrent.SyncManager, error)
	Managers() []*qbittorrent.SyncManager
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondJSON writes data as JSON with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// RespondError writes an error message as JSON.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

// respondIfInstanceDisabled writes a 409 when err reports a disabled instance.
func respondIfInstanceDisabled(w http.ResponseWriter, err error, instanceID int, operation string) bool {
	if !errors.Is(err, qbittorrent.ErrInstanceDisabled) {
		return false
	}

	log.Debug().Int("instanceID", instanceID).Str("operation", operation).Msg("Request for disabled instance")
	RespondError(w, http.StatusConflict, "Instance is disabled")
	return true
}

// syncManagerFor resolves the {instanceID} URL parameter. On failure it has
// already written the response.
func syncManagerFor(w http.ResponseWriter, r *http.Request, registry InstanceRegistry, operation string) (*qbittorrent.SyncManager, int, bool) {
	instanceID, err := strconv.Atoi(chi.URLParam(r, "instanceID"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid instance ID")
		return nil, 0, false
	}

	sm, err := registry.Get(instanceID)
	if err != nil {
		if respondIfInstanceDisabled(w, err, instanceID, operation) {
			return nil, instanceID, false
		}
		if errors.Is(err, qbittorrent.ErrClientNotFound) {
			RespondError(w, http.StatusNotFound, "Instance not found")
			return nil, instanceID, false
		}
		log.Error().Err(err).Int("instanceID", instanceID).Str("operation", operation).Msg("Failed to resolve instance")
		RespondError(w, http.StatusServiceUnavailable, "Instance unavailable")
		return nil, instanceID, false
	}

	return sm, instanceID, true
}
