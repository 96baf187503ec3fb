// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"strings"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/qbsync/internal/capture"
	"github.com/autobrr/qbsync/internal/domain"
	"github.com/autobrr/qbsync/internal/metrics"
	"github.com/autobrr/qbsync/internal/mirror"
	"github.com/autobrr/qbsync/internal/view"
)

const (
	defaultPollInterval = 2 * time.Second
	minPollInterval     = 500 * time.Millisecond
)

// MainDataSource fetches raw sync payloads. *Client implements it.
type MainDataSource interface {
	FetchMainData(ctx context.Context, rid int64) ([]byte, error)
	FetchPeers(ctx context.Context, hash string, rid int64) ([]byte, error)
}

// SyncOptions configures a SyncManager.
type SyncOptions struct {
	// Interval between polls. Zero follows the server's refresh_interval.
	Interval time.Duration
	Metrics  *metrics.Metrics
	Recorder *capture.Recorder
}

// TorrentPage is one window of a filtered torrent list.
type TorrentPage struct {
	Torrents []mirror.Torrent `json:"torrents"`
	Total    int              `json:"total"`
	Rid      int64            `json:"rid"`
	Digest   uint64           `json:"-"`
}

// InstanceStatus summarizes one mirrored instance.
type InstanceStatus struct {
	ID            int       `json:"id"`
	Name          string    `json:"name"`
	Host          string    `json:"host"`
	Healthy       bool      `json:"healthy"`
	WebAPIVersion string    `json:"webApiVersion,omitempty"`
	Subcategories bool      `json:"subcategories"`
	Rid           int64     `json:"rid"`
	Torrents      int       `json:"torrents"`
	LastSync      time.Time `json:"lastSync"`
	LastError     string    `json:"lastError,omitempty"`
	NextRetry     time.Time `json:"nextRetry,omitzero"`
}

// SyncManager mirrors one qBittorrent instance. Sync is the only writer;
// every reader takes the read lock so the store is stable for its call.
type SyncManager struct {
	instance domain.Instance
	client   *Client
	source   MainDataSource
	opts     SyncOptions
	log      zerolog.Logger

	mu        sync.RWMutex
	store     *mirror.Store
	view      *view.View
	digest    uint64
	forceFull bool
	lastSync  time.Time
	lastErr   error
	failures  failureInfo

	// peerSync runs one fetch and apply per hash at a time.
	peerSync singleflight.Group
}

// NewSyncManager mirrors instance through client. A nil client is allowed
// when source is supplied, which replay and tests rely on.
func NewSyncManager(instance domain.Instance, client *Client, source MainDataSource, opts SyncOptions) *SyncManager {
	if source == nil && client != nil {
		source = client
	}

	return &SyncManager{
		instance: instance,
		client:   client,
		source:   source,
		opts:     opts,
		log:      log.With().Str("module", "sync").Int("instanceID", instance.ID).Str("instance", instance.Name).Logger(),
		store:    mirror.NewStore(),
		view:     view.New(),
	}
}

func (sm *SyncManager) InstanceID() int {
	return sm.instance.ID
}

func (sm *SyncManager) Name() string {
	return sm.instance.Name
}

func (sm *SyncManager) metricsLabel() string {
	if sm.instance.Name != "" {
		return sm.instance.Name
	}
	return sm.instance.Host
}

// Close releases the view caches.
func (sm *SyncManager) Close() {
	sm.view.Close()
	sm.opts.Metrics.Forget(sm.metricsLabel())
}

func (sm *SyncManager) requestRid() int64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.forceFull {
		return 0
	}
	return sm.store.Rid()
}

// Sync fetches and applies one maindata delta.
func (sm *SyncManager) Sync(ctx context.Context) error {
	if sm.source == nil {
		return errors.New("sync manager has no data source")
	}

	rid := sm.requestRid()
	raw, err := sm.source.FetchMainData(ctx, rid)
	if err != nil {
		sm.fail(err)
		return errors.Wrap(err, "could not fetch maindata")
	}

	sm.capture(capture.KindMainData, "", raw)

	if _, err := sm.ApplyRaw(raw); err != nil {
		sm.fail(err)
		return err
	}

	if sm.client != nil {
		sm.client.updateHealthStatus(true)
	}
	return nil
}

// ApplyRaw decodes and applies one maindata payload. A payload that cannot
// be decoded makes the next poll request a full update.
func (sm *SyncManager) ApplyRaw(raw []byte) (mirror.Result, error) {
	d, err := mirror.DecodeDelta(raw)
	if err != nil {
		sm.mu.Lock()
		sm.forceFull = true
		sm.mu.Unlock()
		sm.log.Warn().Err(err).Msg("Discarding undecodable maindata, requesting full update")
		return mirror.Result{}, err
	}

	start := time.Now()

	sm.mu.Lock()
	res := sm.store.Apply(d)
	sm.view.Invalidate(res)
	if res.FilterChanged || res.FullUpdate {
		sm.digest = sm.store.Digest()
	}
	sm.forceFull = false
	sm.lastSync = time.Now()
	sm.lastErr = nil
	sm.failures = failureInfo{}
	sm.mu.Unlock()

	elapsed := time.Since(start)
	label := sm.metricsLabel()
	sm.opts.Metrics.ObserveApply(label, res, elapsed)

	sm.mu.RLock()
	sm.opts.Metrics.ObserveStore(label, sm.store)
	sm.mu.RUnlock()

	sm.log.Trace().
		Int64("rid", res.Rid).
		Bool("fullUpdate", res.FullUpdate).
		Bool("filterChanged", res.FilterChanged).
		Int("added", res.Added).
		Int("updated", res.Updated).
		Int("removed", res.Removed).
		Dur("elapsed", elapsed).
		Msg("Applied maindata")

	return res, nil
}

// SyncPeers fetches and applies one peers delta for hash. Concurrent calls
// for the same hash share a single request, so deltas are applied in rid order.
func (sm *SyncManager) SyncPeers(ctx context.Context, hash string) (*mirror.PeerList, error) {
	if sm.source == nil {
		return nil, errors.New("sync manager has no data source")
	}

	hash = strings.ToLower(strings.TrimSpace(hash))

	v, err, shared := sm.peerSync.Do(hash, func() (any, error) {
		return sm.syncPeers(ctx, hash)
	})
	if err != nil {
		return nil, err
	}

	peers := v.(*mirror.PeerList)
	if shared {
		peers = peers.Clone()
	}
	return peers, nil
}

func (sm *SyncManager) syncPeers(ctx context.Context, hash string) (*mirror.PeerList, error) {
	sm.mu.RLock()
	_, known := sm.store.Torrent(hash)
	var rid int64
	if l, ok := sm.store.Peers(hash); ok {
		rid = l.Rid
	}
	sm.mu.RUnlock()

	if !known {
		return nil, ErrTorrentNotFound
	}

	raw, err := sm.source.FetchPeers(ctx, hash, rid)
	if err != nil {
		return nil, errors.Wrapf(err, "could not fetch peers for %s", hash)
	}

	sm.capture(capture.KindPeers, hash, raw)

	return sm.ApplyPeersRaw(hash, raw)
}

// ApplyPeersRaw decodes and applies one peers payload for hash.
func (sm *SyncManager) ApplyPeersRaw(hash string, raw []byte) (*mirror.PeerList, error) {
	d, err := mirror.DecodePeerDelta(raw)
	if err != nil {
		return nil, err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.store.ApplyPeers(hash, d)
	sm.opts.Metrics.ObservePeers(sm.metricsLabel())

	l, ok := sm.store.Peers(hash)
	if !ok {
		return nil, ErrTorrentNotFound
	}
	return l.Clone(), nil
}

func (sm *SyncManager) capture(kind capture.Kind, hash string, raw []byte) {
	if sm.opts.Recorder == nil {
		return
	}
	if err := sm.opts.Recorder.Record(sm.instance.Name, kind, hash, raw); err != nil {
		sm.log.Error().Err(err).Msg("Failed to capture payload")
	}
}

// fail records err and schedules the next attempt with exponential backoff.
func (sm *SyncManager) fail(err error) {
	sm.opts.Metrics.PollFailed(sm.metricsLabel())
	if sm.client != nil {
		sm.client.updateHealthStatus(false)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.lastErr = err
	sm.failures.attempts++

	var backoffDuration time.Duration
	if isBanError(err) {
		backoffDuration = calculateBackoff(sm.failures.attempts, banInitialBackoff, banMaxBackoff)
		sm.log.Warn().Int("attempts", sm.failures.attempts).Dur("backoffDuration", backoffDuration).Msg("IP ban detected, applying extended backoff")
	} else {
		backoffDuration = calculateBackoff(sm.failures.attempts, initialBackoff, maxBackoff)
		sm.log.Debug().Int("attempts", sm.failures.attempts).Dur("backoffDuration", backoffDuration).Msg("Sync failure, applying backoff")
	}
	sm.failures.nextRetry = time.Now().Add(backoffDuration)
}

// nextPoll returns how long to wait before the next poll.
func (sm *SyncManager) nextPoll() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if sm.failures.attempts > 0 {
		return max(time.Until(sm.failures.nextRetry), 0)
	}

	if sm.opts.Interval > 0 {
		return max(sm.opts.Interval, minPollInterval)
	}
	if ms := sm.store.ServerState().RefreshInterval; ms > 0 {
		return max(time.Duration(ms)*time.Millisecond, minPollInterval)
	}
	return defaultPollInterval
}

// connect logs in and refreshes capabilities before the first poll.
func (sm *SyncManager) connect(ctx context.Context) error {
	if sm.client == nil {
		return nil
	}

	if err := sm.client.Login(ctx); err != nil {
		sm.fail(err)
		return errors.Wrap(err, "failed to connect to qBittorrent instance")
	}

	if err := sm.client.RefreshCapabilities(ctx); err != nil {
		sm.log.Warn().Err(err).Msg("Failed to refresh qBittorrent capabilities")
	}

	sm.log.Debug().
		Str("host", sm.instance.Host).
		Str("webAPIVersion", sm.client.GetWebAPIVersion()).
		Bool("supportsSubcategories", sm.client.SupportsSubcategories()).
		Bool("tlsSkipVerify", sm.instance.TLSSkipVerify).
		Msg("qBittorrent client connected")

	return nil
}

// Run polls until ctx is cancelled.
func (sm *SyncManager) Run(ctx context.Context) error {
	connected := false

	for {
		if !connected {
			if err := sm.connect(ctx); err != nil {
				sm.log.Warn().Err(err).Msg("Connection failed")
			} else {
				connected = true
			}
		}

		if connected {
			if err := sm.Sync(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				sm.log.Warn().Err(err).Msg("Sync failed")
				if errors.Is(err, ErrLoginFailed) || errors.Is(err, ErrIPBanned) {
					connected = false
				}
			}
		}

		timer := time.NewTimer(sm.nextPoll())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Page returns one window of the torrents matching opts.
func (sm *SyncManager) Page(opts view.FilterOptions, limit, offset int) (*TorrentPage, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	torrents, total, err := sm.view.Page(sm.store, opts, limit, offset)
	if err != nil {
		return nil, err
	}

	return &TorrentPage{
		Torrents: torrents,
		Total:    total,
		Rid:      sm.store.Rid(),
		Digest:   sm.digest,
	}, nil
}

func (sm *SyncManager) Counts() *view.Counts {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.view.Counts(sm.store)
}

func (sm *SyncManager) MainData() *qbt.MainData {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.store.MainData()
}

func (sm *SyncManager) Torrent(hash string) (mirror.Torrent, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	t, ok := sm.store.Torrent(strings.ToLower(hash))
	if !ok {
		return mirror.Torrent{}, false
	}
	return *t.Clone(), true
}

// Peers returns the last applied peer list of hash.
func (sm *SyncManager) Peers(hash string) (*mirror.PeerList, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	l, ok := sm.store.Peers(strings.ToLower(hash))
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

// Digest returns the index digest as of the last membership change.
func (sm *SyncManager) Digest() (rid int64, digest uint64) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.store.Rid(), sm.digest
}

func (sm *SyncManager) Verify() error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.store.Verify()
}

func (sm *SyncManager) Status() InstanceStatus {
	sm.mu.RLock()
	status := InstanceStatus{
		ID:       sm.instance.ID,
		Name:     sm.instance.Name,
		Host:     sm.instance.Host,
		Healthy:  sm.lastErr == nil && !sm.lastSync.IsZero(),
		Rid:      sm.store.Rid(),
		Torrents: sm.store.Len(),
		LastSync: sm.lastSync,
	}
	if sm.lastErr != nil {
		status.LastError = sm.lastErr.Error()
		status.NextRetry = sm.failures.nextRetry
	}
	sm.mu.RUnlock()

	if sm.client != nil {
		status.Healthy = status.Healthy && sm.client.IsHealthy()
		status.WebAPIVersion = sm.client.GetWebAPIVersion()
		status.Subcategories = sm.client.SupportsSubcategories()
	}
	return status
}

func (sm *SyncManager) UseSubcategories() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.store.UseSubcategories()
}

func (sm *SyncManager) Categories() map[string]mirror.Category {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.store.Categories()
}

func (sm *SyncManager) Tags() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.store.Tags()
}

// Trackers returns every tracker URL with the hashes announcing to it.
func (sm *SyncManager) Trackers() map[string][]string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.store.Trackers()
}

func (sm *SyncManager) ServerState() mirror.ServerState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.store.ServerState()
}
