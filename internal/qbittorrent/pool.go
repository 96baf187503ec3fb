// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/qbsync/internal/capture"
	"github.com/autobrr/qbsync/internal/domain"
	"github.com/autobrr/qbsync/internal/metrics"
)

var (
	ErrClientNotFound   = errors.New("qBittorrent client not found")
	ErrPoolClosed       = errors.New("client pool is closed")
	ErrInstanceDisabled = errors.New("qBittorrent instance is disabled")
	ErrTorrentNotFound  = errors.New("torrent not found")
)

// Backoff constants
const (
	healthCheckInterval    = 30 * time.Second
	healthCheckTimeout     = 10 * time.Second
	minHealthCheckInterval = 20 * time.Second

	// Normal failure backoff durations
	initialBackoff = 10 * time.Second
	maxBackoff     = 1 * time.Minute

	// Ban-related backoff durations
	banInitialBackoff = 5 * time.Minute
	banMaxBackoff     = 1 * time.Hour
)

// failureInfo tracks failure state and backoff for an instance
type failureInfo struct {
	nextRetry time.Time
	attempts  int
}

// PoolOptions configures every SyncManager the pool creates.
type PoolOptions struct {
	PollInterval time.Duration
	Metrics      *metrics.Metrics
	// CaptureDir, when set, records every payload to a per-instance file.
	CaptureDir string
}

// ClientPool owns one SyncManager per configured instance.
type ClientPool struct {
	managers  map[int]*SyncManager
	disabled  map[int]struct{}
	order     []int
	recorders []*capture.Recorder
	mu        sync.RWMutex
	closed    bool

	healthTicker *time.Ticker
	stopHealth   chan struct{}
	stopOnce     sync.Once
}

// NewClientPool creates a SyncManager for every instance. No network
// traffic happens until Run.
func NewClientPool(instances []domain.Instance, opts PoolOptions) (*ClientPool, error) {
	cp := &ClientPool{
		managers:   make(map[int]*SyncManager),
		disabled:   make(map[int]struct{}),
		stopHealth: make(chan struct{}),
	}

	for _, instance := range instances {
		if _, exists := cp.managers[instance.ID]; exists {
			cp.Close()
			return nil, errors.Errorf("duplicate instance id %d", instance.ID)
		}
		if _, exists := cp.disabled[instance.ID]; exists {
			cp.Close()
			return nil, errors.Errorf("duplicate instance id %d", instance.ID)
		}

		if instance.Disabled {
			cp.disabled[instance.ID] = struct{}{}
			log.Debug().Int("instanceID", instance.ID).Msg("Skipping disabled instance")
			continue
		}

		if err := cp.addInstance(instance, opts); err != nil {
			cp.Close()
			return nil, err
		}
	}

	return cp, nil
}

func (cp *ClientPool) addInstance(instance domain.Instance, opts PoolOptions) error {
	client, err := NewClient(instance)
	if err != nil {
		return errors.Wrapf(err, "could not create client for instance %d", instance.ID)
	}

	syncOpts := SyncOptions{
		Interval: opts.PollInterval,
		Metrics:  opts.Metrics,
	}

	if opts.CaptureDir != "" {
		name := instance.Name
		if name == "" {
			name = "instance-" + strconv.Itoa(instance.ID)
		}
		rec, err := capture.Create(filepath.Join(opts.CaptureDir, capture.FileName(name, time.Now())))
		if err != nil {
			return err
		}
		cp.recorders = append(cp.recorders, rec)
		syncOpts.Recorder = rec
	}

	cp.managers[instance.ID] = NewSyncManager(instance, client, nil, syncOpts)
	cp.order = append(cp.order, instance.ID)

	log.Debug().Int("instanceID", instance.ID).Str("host", instance.Host).Msg("Added instance to pool")
	return nil
}

// Get returns the SyncManager of instanceID.
func (cp *ClientPool) Get(instanceID int) (*SyncManager, error) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	if cp.closed {
		return nil, ErrPoolClosed
	}
	if _, ok := cp.disabled[instanceID]; ok {
		return nil, ErrInstanceDisabled
	}

	sm, ok := cp.managers[instanceID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return sm, nil
}

// Managers returns every active SyncManager in configuration order.
func (cp *ClientPool) Managers() []*SyncManager {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	out := make([]*SyncManager, 0, len(cp.order))
	for _, id := range cp.order {
		out = append(out, cp.managers[id])
	}
	return out
}

// Run polls every instance until ctx is cancelled or the pool is closed.
func (cp *ClientPool) Run(ctx context.Context) error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return ErrPoolClosed
	}
	if cp.healthTicker == nil {
		cp.healthTicker = time.NewTicker(healthCheckInterval)
	}
	cp.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	for _, sm := range cp.Managers() {
		g.Go(func() error {
			return sm.Run(gctx)
		})
	}

	g.Go(func() error {
		cp.healthCheckLoop(gctx)
		return nil
	})

	go func() {
		select {
		case <-cp.stopHealth:
			cancel()
		case <-gctx.Done():
		}
	}()

	log.Info().Int("instances", len(cp.order)).Msg("Client pool started")
	return g.Wait()
}

// healthCheckLoop periodically checks the health of all clients
func (cp *ClientPool) healthCheckLoop(ctx context.Context) {
	for {
		select {
		case <-cp.healthTicker.C:
			cp.performHealthChecks(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// performHealthChecks checks the health of all clients
func (cp *ClientPool) performHealthChecks(ctx context.Context) {
	for _, sm := range cp.Managers() {
		client := sm.client
		if client == nil {
			continue
		}

		// Skip if recently checked
		if time.Since(client.GetLastHealthCheck()) < minHealthCheckInterval {
			continue
		}

		// Skip if instance is in backoff period
		if sm.inBackoff() {
			continue
		}

		go func(sm *SyncManager) {
			ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()

			if err := sm.client.HealthCheck(ctx); err != nil {
				log.Warn().Err(err).Int("instanceID", sm.InstanceID()).Msg("Health check failed")
			}
		}(sm)
	}
}

// Close stops polling and releases resources
func (cp *ClientPool) Close() error {
	cp.mu.Lock()

	if cp.closed {
		cp.mu.Unlock()
		return nil
	}

	cp.closed = true
	cp.stopOnce.Do(func() { close(cp.stopHealth) })
	if cp.healthTicker != nil {
		cp.healthTicker.Stop()
	}

	managers := make([]*SyncManager, 0, len(cp.managers))
	for _, id := range cp.order {
		managers = append(managers, cp.managers[id])
	}
	recorders := slices.Clone(cp.recorders)
	cp.mu.Unlock()

	for _, sm := range managers {
		sm.Close()
	}

	var firstErr error
	for _, rec := range recorders {
		if err := rec.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	log.Info().Msg("Client pool closed")
	return firstErr
}

func (sm *SyncManager) inBackoff() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.failures.attempts > 0 && time.Now().Before(sm.failures.nextRetry)
}

// calculateBackoff returns exponential backoff duration with limits
func calculateBackoff(attempts int, initialDuration, maxDuration time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 16 {
		return maxDuration
	}
	return min(time.Duration(1<<(attempts-1))*initialDuration, maxDuration)
}

// isBanError checks if the error indicates an IP ban
func isBanError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrIPBanned) {
		return true
	}

	errorStr := strings.ToLower(err.Error())

	return strings.Contains(errorStr, "ip is banned") ||
		strings.Contains(errorStr, "too many failed login attempts") ||
		strings.Contains(errorStr, "banned") ||
		strings.Contains(errorStr, "rate limit")
}
