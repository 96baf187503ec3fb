// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qbsync/internal/capture"
	"github.com/autobrr/qbsync/internal/domain"
	"github.com/autobrr/qbsync/internal/metrics"
	"github.com/autobrr/qbsync/internal/view"
)

// scriptedSource replays canned payloads and records the rids it was asked for.
type scriptedSource struct {
	maindata []string
	peers    []string
	err      error
	rids     []int64
	peerRids []int64
}

func (s *scriptedSource) FetchMainData(_ context.Context, rid int64) ([]byte, error) {
	s.rids = append(s.rids, rid)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.maindata) == 0 {
		return nil, io.EOF
	}
	next := s.maindata[0]
	s.maindata = s.maindata[1:]
	return []byte(next), nil
}

func (s *scriptedSource) FetchPeers(_ context.Context, _ string, rid int64) ([]byte, error) {
	s.peerRids = append(s.peerRids, rid)
	if len(s.peers) == 0 {
		return nil, io.EOF
	}
	next := s.peers[0]
	s.peers = s.peers[1:]
	return []byte(next), nil
}

const fullSnapshot = `{"rid":1,"full_update":true,
	"server_state":{"refresh_interval":1500},
	"tags":["keep"],
	"torrents":{
		"aa":{"name":"one","tags":"keep","state":"uploading","size":10},
		"bb":{"name":"two","state":"pausedDL","size":20}
	}
}`

func newTestSyncManager(t *testing.T, source *scriptedSource, opts SyncOptions) *SyncManager {
	t.Helper()
	sm := NewSyncManager(domain.Instance{ID: 7, Name: "home"}, nil, source, opts)
	t.Cleanup(sm.Close)
	return sm
}

func TestSyncManagerSync(t *testing.T) {
	source := &scriptedSource{maindata: []string{
		fullSnapshot,
		`{"rid":2,"torrents":{"bb":{"tags":"keep"}}}`,
	}}
	reg := prometheus.NewRegistry()
	sm := newTestSyncManager(t, source, SyncOptions{Metrics: metrics.New(reg)})
	ctx := context.Background()

	require.NoError(t, sm.Sync(ctx))
	_, digestBefore := sm.Digest()

	require.NoError(t, sm.Sync(ctx))
	rid, digestAfter := sm.Digest()

	assert.Equal(t, []int64{0, 1}, source.rids)
	assert.Equal(t, int64(2), rid)
	assert.NotEqual(t, digestBefore, digestAfter)
	require.NoError(t, sm.Verify())

	page, err := sm.Page(view.FilterOptions{Tags: []string{"keep"}, Sort: "size"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, int64(2), page.Rid)
	assert.Equal(t, digestAfter, page.Digest)
	require.Len(t, page.Torrents, 2)
	assert.Equal(t, "aa", page.Torrents[0].Hash)

	counts := sm.Counts()
	assert.Equal(t, 2, counts.Tags["keep"])

	md := sm.MainData()
	assert.Len(t, md.Torrents, 2)

	status := sm.Status()
	assert.Equal(t, 7, status.ID)
	assert.True(t, status.Healthy)
	assert.Equal(t, 2, status.Torrents)
	assert.Empty(t, status.LastError)
}

func TestSyncManagerDecodeFailureRequestsFullUpdate(t *testing.T) {
	source := &scriptedSource{maindata: []string{
		fullSnapshot,
		`{"rid":"broken"`,
		`{"rid":5,"full_update":true,"torrents":{"cc":{"name":"three"}}}`,
	}}
	sm := newTestSyncManager(t, source, SyncOptions{})
	ctx := context.Background()

	require.NoError(t, sm.Sync(ctx))
	require.Error(t, sm.Sync(ctx))

	status := sm.Status()
	assert.False(t, status.Healthy)
	assert.NotEmpty(t, status.LastError)
	assert.True(t, sm.inBackoff())

	// The old mirror stays readable until the full update replaces it.
	_, ok := sm.Torrent("aa")
	assert.True(t, ok)

	require.NoError(t, sm.Sync(ctx))
	assert.Equal(t, []int64{0, 1, 0}, source.rids)

	_, ok = sm.Torrent("aa")
	assert.False(t, ok)
	_, ok = sm.Torrent("CC")
	assert.True(t, ok)
	assert.False(t, sm.inBackoff())
}

func TestSyncManagerFetchFailureBacksOff(t *testing.T) {
	source := &scriptedSource{err: errors.New("connection refused")}
	sm := newTestSyncManager(t, source, SyncOptions{})

	require.Error(t, sm.Sync(context.Background()))
	wait := sm.nextPoll()
	assert.Greater(t, wait, 9*time.Second)
	assert.LessOrEqual(t, wait, initialBackoff)

	source.err = ErrIPBanned
	require.Error(t, sm.Sync(context.Background()))
	assert.Greater(t, sm.nextPoll(), time.Minute)
}

func TestSyncManagerNextPoll(t *testing.T) {
	source := &scriptedSource{maindata: []string{fullSnapshot}}
	sm := newTestSyncManager(t, source, SyncOptions{})
	assert.Equal(t, defaultPollInterval, sm.nextPoll())

	require.NoError(t, sm.Sync(context.Background()))
	assert.Equal(t, 1500*time.Millisecond, sm.nextPoll())

	configured := newTestSyncManager(t, &scriptedSource{}, SyncOptions{Interval: 100 * time.Millisecond})
	assert.Equal(t, minPollInterval, configured.nextPoll())
}

func TestSyncManagerPeers(t *testing.T) {
	source := &scriptedSource{
		maindata: []string{fullSnapshot},
		peers: []string{
			`{"rid":3,"full_update":true,"peers":{"1.2.3.4:5000":{"client":"qB","dl_speed":10}}}`,
			`{"rid":4,"peers":{"1.2.3.4:5000":{"dl_speed":20}}}`,
		},
	}
	sm := newTestSyncManager(t, source, SyncOptions{})
	ctx := context.Background()

	_, err := sm.SyncPeers(ctx, "aa")
	require.ErrorIs(t, err, ErrTorrentNotFound)

	require.NoError(t, sm.Sync(ctx))

	peers, err := sm.SyncPeers(ctx, "aa")
	require.NoError(t, err)
	require.Equal(t, 1, peers.Len())

	peers, err = sm.SyncPeers(ctx, "AA")
	require.NoError(t, err)
	assert.Equal(t, int64(20), peers.Peers["1.2.3.4:5000"].DlSpeed)
	assert.Equal(t, "qB", peers.Peers["1.2.3.4:5000"].Client)
	assert.Equal(t, []int64{0, 3}, source.peerRids)

	// Callers get a copy.
	peers.Peers["1.2.3.4:5000"].DlSpeed = 0
	stored, ok := sm.Peers("aa")
	require.True(t, ok)
	assert.Equal(t, int64(20), stored.Peers["1.2.3.4:5000"].DlSpeed)
}

// peerSequenceSource answers every peers request with the delta that follows
// the requested rid, so overlapping requests would show up as repeated rids.
type peerSequenceSource struct {
	mu       sync.Mutex
	peerRids []int64
}

func (s *peerSequenceSource) FetchMainData(context.Context, int64) ([]byte, error) {
	return []byte(fullSnapshot), nil
}

func (s *peerSequenceSource) FetchPeers(_ context.Context, _ string, rid int64) ([]byte, error) {
	s.mu.Lock()
	s.peerRids = append(s.peerRids, rid)
	s.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	switch rid {
	case 0:
		return []byte(`{"rid":1,"full_update":true,"peers":{"x:1":{"client":"qB"},"y:2":{"client":"Tr"}}}`), nil
	case 1:
		return []byte(`{"rid":2,"peers_removed":["x:1"]}`), nil
	default:
		return []byte(fmt.Sprintf(`{"rid":%d,"peers":{"y:2":{"up_speed":%d}}}`, rid+1, rid+1)), nil
	}
}

func TestSyncManagerPeersConcurrentRequests(t *testing.T) {
	source := &peerSequenceSource{}
	sm := NewSyncManager(domain.Instance{ID: 7, Name: "home"}, nil, source, SyncOptions{})
	t.Cleanup(sm.Close)

	ctx := context.Background()
	require.NoError(t, sm.Sync(ctx))

	var wg sync.WaitGroup
	for range 4 {
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				peers, err := sm.SyncPeers(ctx, "aa")
				assert.NoError(t, err)
				assert.NotNil(t, peers)
			}()
		}
		wg.Wait()
	}

	source.mu.Lock()
	rids := append([]int64(nil), source.peerRids...)
	source.mu.Unlock()

	require.NotEmpty(t, rids)
	for i := 1; i < len(rids); i++ {
		assert.Greater(t, rids[i], rids[i-1], "peer requests overlapped: %v", rids)
	}

	stored, ok := sm.Peers("aa")
	require.True(t, ok)
	assert.NotContains(t, stored.Peers, "x:1")
	assert.Contains(t, stored.Peers, "y:2")
	assert.Equal(t, rids[len(rids)-1]+1, stored.Rid)
}

func TestSyncManagerDropsStalePeerDelta(t *testing.T) {
	source := &scriptedSource{maindata: []string{fullSnapshot}}
	sm := newTestSyncManager(t, source, SyncOptions{})
	require.NoError(t, sm.Sync(context.Background()))

	_, err := sm.ApplyPeersRaw("aa", []byte(`{"rid":5,"full_update":true,"peers":{"x:1":{"up_speed":1}}}`))
	require.NoError(t, err)
	_, err = sm.ApplyPeersRaw("aa", []byte(`{"rid":7,"peers_removed":["x:1"]}`))
	require.NoError(t, err)

	// The response to an older request arrives last.
	peers, err := sm.ApplyPeersRaw("aa", []byte(`{"rid":6,"peers":{"x:1":{"up_speed":2}}}`))
	require.NoError(t, err)
	assert.Zero(t, peers.Len())
	assert.Equal(t, int64(7), peers.Rid)
}

func TestSyncManagerCapturesPayloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "home.ndjson")
	rec, err := capture.Create(path)
	require.NoError(t, err)

	source := &scriptedSource{maindata: []string{fullSnapshot}}
	sm := newTestSyncManager(t, source, SyncOptions{Recorder: rec})
	require.NoError(t, sm.Sync(context.Background()))
	require.NoError(t, rec.Close())

	r, err := capture.Open(path)
	require.NoError(t, err)
	defer r.Close()

	record, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, capture.KindMainData, record.Kind)
	assert.Equal(t, "home", record.Instance)
	assert.JSONEq(t, fullSnapshot, string(record.Payload))
}

func TestSyncManagerRun(t *testing.T) {
	source := &scriptedSource{maindata: []string{fullSnapshot}}
	sm := newTestSyncManager(t, source, SyncOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sm.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := sm.Torrent("aa")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
