// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qbsync/internal/domain"
	"github.com/autobrr/qbsync/internal/qbittorrent"
)

type stubSource struct {
	peers string
	err   error
}

func (s *stubSource) FetchMainData(context.Context, int64) ([]byte, error) {
	return nil, errors.New("not scripted")
}

func (s *stubSource) FetchPeers(context.Context, string, int64) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.peers), nil
}

type fakeRegistry struct {
	managers []*qbittorrent.SyncManager
	disabled map[int]bool
}

func (f *fakeRegistry) Get(instanceID int) (*qbittorrent.SyncManager, error) {
	if f.disabled[instanceID] {
		return nil, qbittorrent.ErrInstanceDisabled
	}
	for _, sm := range f.managers {
		if sm.InstanceID() == instanceID {
			return sm, nil
		}
	}
	return nil, qbittorrent.ErrClientNotFound
}

func (f *fakeRegistry) Managers() []*qbittorrent.SyncManager {
	return f.managers
}

const snapshot = `{"rid":4,"full_update":true,
	"categories":{"movies":{"name":"movies","savePath":"/data/movies"}},
	"tags":["hd","old"],
	"trackers":{"https://tracker.example.org/announce":["aa","bb"]},
	"torrents":{
		"aa":{"name":"Ubuntu ISO","category":"movies","tags":"hd","state":"uploading","added_on":300,"tracker":"https://tracker.example.org/announce"},
		"bb":{"name":"Debian ISO","state":"pausedDL","added_on":200,"tracker":"https://tracker.example.org/announce"},
		"cc":{"name":"Arch ISO","state":"downloading","added_on":100}
	}
}`

func newFixture(t *testing.T, source *stubSource) (*fakeRegistry, *qbittorrent.SyncManager) {
	t.Helper()
	if source == nil {
		source = &stubSource{}
	}
	sm := qbittorrent.NewSyncManager(domain.Instance{ID: 1, Name: "home", Host: "http://qbt:8080"}, nil, source, qbittorrent.SyncOptions{})
	t.Cleanup(sm.Close)

	_, err := sm.ApplyRaw([]byte(snapshot))
	require.NoError(t, err)

	return &fakeRegistry{managers: []*qbittorrent.SyncManager{sm}}, sm
}

func serve(t *testing.T, pattern string, h http.HandlerFunc, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Get(pattern, h)

	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestListTorrents(t *testing.T) {
	registry, _ := newFixture(t, nil)
	h := NewTorrentsHandler(registry)
	pattern := "/instances/{instanceID}/torrents"

	t.Run("default sort is newest first", func(t *testing.T) {
		rec := serve(t, pattern, h.ListTorrents, "/instances/1/torrents", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp TorrentListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.Total)
		assert.Equal(t, int64(4), resp.Rid)
		assert.Equal(t, defaultPageSize, resp.Limit)
		assert.False(t, resp.HasMore)
		require.Len(t, resp.Torrents, 3)
		assert.Equal(t, []string{"aa", "bb", "cc"}, []string{resp.Torrents[0].Hash, resp.Torrents[1].Hash, resp.Torrents[2].Hash})
		assert.NotEmpty(t, rec.Header().Get("ETag"))
	})

	t.Run("paging", func(t *testing.T) {
		rec := serve(t, pattern, h.ListTorrents, "/instances/1/torrents?limit=2&page=1&order=asc", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp TorrentListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.Total)
		require.Len(t, resp.Torrents, 1)
		assert.Equal(t, "aa", resp.Torrents[0].Hash)
		assert.False(t, resp.HasMore)
	})

	t.Run("filters", func(t *testing.T) {
		filters := url.QueryEscape(`{"tags":["hd"]}`)
		rec := serve(t, pattern, h.ListTorrents, "/instances/1/torrents?filters="+filters, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp TorrentListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Torrents, 1)
		assert.Equal(t, "aa", resp.Torrents[0].Hash)
	})

	t.Run("search", func(t *testing.T) {
		rec := serve(t, pattern, h.ListTorrents, "/instances/1/torrents?search=debian", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp TorrentListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Torrents, 1)
		assert.Equal(t, "bb", resp.Torrents[0].Hash)
	})

	t.Run("not modified", func(t *testing.T) {
		first := serve(t, pattern, h.ListTorrents, "/instances/1/torrents", nil)
		tag := first.Header().Get("ETag")
		require.NotEmpty(t, tag)

		rec := serve(t, pattern, h.ListTorrents, "/instances/1/torrents", http.Header{"If-None-Match": {tag}})
		assert.Equal(t, http.StatusNotModified, rec.Code)
		assert.Empty(t, rec.Body.Bytes())
	})

	t.Run("bad requests", func(t *testing.T) {
		for _, target := range []string{
			"/instances/1/torrents?filters=%7Bnope",
			"/instances/1/torrents?sort=bogus",
			"/instances/1/torrents?filters=" + url.QueryEscape(`{"expr":"Name =="}`),
			"/instances/x/torrents",
		} {
			rec := serve(t, pattern, h.ListTorrents, target, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		}
	})

	t.Run("unknown instance", func(t *testing.T) {
		rec := serve(t, pattern, h.ListTorrents, "/instances/9/torrents", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("disabled instance", func(t *testing.T) {
		registry.disabled = map[int]bool{2: true}
		t.Cleanup(func() { registry.disabled = nil })
		rec := serve(t, pattern, h.ListTorrents, "/instances/2/torrents", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestGetTorrent(t *testing.T) {
	registry, _ := newFixture(t, nil)
	h := NewTorrentsHandler(registry)
	pattern := "/instances/{instanceID}/torrents/{hash}"

	rec := serve(t, pattern, h.GetTorrent, "/instances/1/torrents/AA", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"Ubuntu ISO"`)

	rec = serve(t, pattern, h.GetTorrent, "/instances/1/torrents/zz", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCountsAndMetadata(t *testing.T) {
	registry, _ := newFixture(t, nil)
	h := NewTorrentsHandler(registry)

	rec := serve(t, "/instances/{instanceID}/counts", h.GetCounts, "/instances/1/counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var counts struct {
		Total int            `json:"total"`
		Tags  map[string]int `json:"tags"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, 3, counts.Total)
	assert.Equal(t, 1, counts.Tags["hd"])
	assert.Equal(t, 0, counts.Tags["old"])

	rec = serve(t, "/instances/{instanceID}/tags", h.GetTags, "/instances/1/tags", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tags []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tags))
	assert.ElementsMatch(t, []string{"hd", "old"}, tags)

	rec = serve(t, "/instances/{instanceID}/categories", h.GetCategories, "/instances/1/categories", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"/data/movies"`)

	rec = serve(t, "/instances/{instanceID}/trackers", h.GetActiveTrackers, "/instances/1/trackers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://tracker.example.org/announce")

	rec = serve(t, "/instances/{instanceID}/maindata", h.GetMainData, "/instances/1/maindata", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var main struct {
		Rid        int64          `json:"rid"`
		FullUpdate bool           `json:"full_update"`
		Torrents   map[string]any `json:"torrents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &main))
	assert.Equal(t, int64(4), main.Rid)
	assert.Len(t, main.Torrents, 3)
}

func TestGetTorrentPeers(t *testing.T) {
	source := &stubSource{peers: `{"rid":1,"full_update":true,"show_flags":true,"peers":{
		"10.0.0.1:1":{"ip":"10.0.0.1","progress":0.5,"dl_speed":10},
		"10.0.0.2:2":{"ip":"10.0.0.2","progress":1},
		"10.0.0.3:3":{"ip":"10.0.0.3","progress":0.5,"dl_speed":90}
	}}`}
	registry, _ := newFixture(t, source)
	h := NewTorrentsHandler(registry)
	pattern := "/instances/{instanceID}/torrents/{hash}/peers"

	rec := serve(t, pattern, h.GetTorrentPeers, "/instances/1/torrents/aa/peers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SortedPeersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.ShowFlags)
	require.Len(t, resp.SortedPeers, 3)
	assert.Equal(t, []string{"10.0.0.2:2", "10.0.0.3:3", "10.0.0.1:1"},
		[]string{resp.SortedPeers[0].Key, resp.SortedPeers[1].Key, resp.SortedPeers[2].Key})

	// The instance went away: the cached peers are served.
	source.err = errors.New("connection refused")
	rec = serve(t, pattern, h.GetTorrentPeers, "/instances/1/torrents/aa/peers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Peers, 3)

	rec = serve(t, pattern, h.GetTorrentPeers, "/instances/1/torrents/bb/peers", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = serve(t, pattern, h.GetTorrentPeers, "/instances/1/torrents/zz/peers", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInstancesHandler(t *testing.T) {
	registry, _ := newFixture(t, nil)
	h := NewInstancesHandler(registry)

	rec := serve(t, "/instances", h.ListInstances, "/instances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []qbittorrent.InstanceStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "home", list[0].Name)
	assert.Equal(t, 3, list[0].Torrents)

	rec = serve(t, "/instances/{instanceID}/verify", h.VerifyIndex, "/instances/1/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"consistent":true}`, rec.Body.String())

	rec = serve(t, "/instances/{instanceID}/capabilities", h.GetInstanceCapabilities, "/instances/1/capabilities", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"supportsSubcategories":false`)
}

func TestHealthHandler(t *testing.T) {
	sm := qbittorrent.NewSyncManager(domain.Instance{ID: 1, Name: "home"}, nil, &stubSource{}, qbittorrent.SyncOptions{})
	t.Cleanup(sm.Close)
	h := NewHealthHandler(&fakeRegistry{managers: []*qbittorrent.SyncManager{sm}}, "1.2.3")

	rec := serve(t, "/healthz/readiness", h.HandleReady, "/healthz/readiness", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"syncing"`)

	_, err := sm.ApplyRaw([]byte(snapshot))
	require.NoError(t, err)

	rec = serve(t, "/healthz/readiness", h.HandleReady, "/healthz/readiness", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, "/health", h.HandleHealth, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"1.2.3","instances":1,"synced":1}`, rec.Body.String())

	rec = serve(t, "/healthz/liveness", h.HandleLiveness, "/healthz/liveness", nil)
	assert.Equal(t, "OK", rec.Body.String())
}
