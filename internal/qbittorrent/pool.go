// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/magnetcc/internal/domain"
	"github.com/autobrr/magnetcc/internal/models"
)

var (
	ErrClientNotFound     = errors.New("qBittorrent client not found")
	ErrPoolClosed         = errors.New("client pool is closed")
	ErrClientDisabled     = errors.New("qBittorrent client is disabled")
	ErrMissingCredentials = errors.New("qBittorrent client host or credentials missing")
	ErrInBackoff          = errors.New("qBittorrent client is in backoff period")
)

// Backoff constants
const (
	healthCheckInterval    = 30 * time.Second
	healthCheckTimeout     = 10 * time.Second
	minHealthCheckInterval = 20 * time.Second
	defaultClientTimeout   = 60 * time.Second

	// Normal failure backoff durations
	initialBackoff = 10 * time.Second
	maxBackoff     = 1 * time.Minute

	// Ban-related backoff durations
	banInitialBackoff = 5 * time.Minute
	banMaxBackoff     = 1 * time.Hour
)

// HealthRecorder persists per-client health; *models.HealthStore implements it.
type HealthRecorder interface {
	RecordError(ctx context.Context, scope models.HealthScope, key string, kind models.ErrorKind, cause error) error
	RecordSuccess(ctx context.Context, scope models.HealthScope, key string) error
}

// failureInfo tracks failure state and backoff for a client
type failureInfo struct {
	nextRetry time.Time
	attempts  int
}

// ClientPool manages one authenticated qBittorrent session per configured client name.
type ClientPool struct {
	configs        map[string]domain.ClientConfig
	order          []string
	clients        map[string]*Client
	health         HealthRecorder
	mu             sync.RWMutex
	creationMu     sync.Mutex             // Serialize creation lock bookkeeping
	creationLocks  map[string]*sync.Mutex // Per-client creation locks
	opLocks        map[string]*sync.Mutex // Per-client operation locks
	closed         bool
	healthTicker   *time.Ticker
	stopHealth     chan struct{}
	failureTracker map[string]*failureInfo
}

// NewClientPool creates a pool for cfgs. Sessions are created lazily on first use.
func NewClientPool(cfgs []domain.ClientConfig, health HealthRecorder) *ClientPool {
	cp := &ClientPool{
		clients:        make(map[string]*Client),
		health:         health,
		creationLocks:  make(map[string]*sync.Mutex),
		opLocks:        make(map[string]*sync.Mutex),
		healthTicker:   time.NewTicker(healthCheckInterval),
		stopHealth:     make(chan struct{}),
		failureTracker: make(map[string]*failureInfo),
	}
	cp.setConfigsLocked(cfgs)

	go cp.healthCheckLoop()

	return cp
}

func (cp *ClientPool) setConfigsLocked(cfgs []domain.ClientConfig) {
	cp.configs = make(map[string]domain.ClientConfig, len(cfgs))
	cp.order = cp.order[:0]
	for _, cfg := range cfgs {
		if _, dup := cp.configs[cfg.Name]; dup {
			continue
		}
		cp.configs[cfg.Name] = cfg
		cp.order = append(cp.order, cfg.Name)
	}
}

// UpdateConfigs swaps in a reloaded client list. Cached sessions whose
// connection settings changed, or that were removed, are dropped so they are
// recreated with the new credentials on next use.
func (cp *ClientPool) UpdateConfigs(cfgs []domain.ClientConfig) {
	cp.mu.Lock()
	previous := cp.configs
	cp.setConfigsLocked(cfgs)

	var stale []string
	for name, old := range previous {
		cur, ok := cp.configs[name]
		if !ok || cur.Fingerprint() != old.Fingerprint() || cur.Disabled {
			stale = append(stale, name)
		}
	}
	cp.mu.Unlock()

	for _, name := range stale {
		cp.RemoveClient(name)
		cp.ResetFailureTracking(name)
	}
}

// Names returns configured client names in configuration order, disabled ones included.
func (cp *ClientPool) Names() []string {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return slices.Clone(cp.order)
}

func (cp *ClientPool) Config(name string) (domain.ClientConfig, bool) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	cfg, ok := cp.configs[name]
	return cfg, ok
}

// ConfigError reports why a client cannot be used without contacting it.
func (cp *ClientPool) ConfigError(name string) error {
	cfg, ok := cp.Config(name)
	if !ok {
		return ErrClientNotFound
	}
	if cfg.Disabled {
		return ErrClientDisabled
	}
	if strings.TrimSpace(cfg.Host) == "" || (cfg.Username != "" && cfg.Password == "") {
		return ErrMissingCredentials
	}
	return nil
}

// getClientLock gets or creates a per-client lock from locks
func (cp *ClientPool) getClientLock(locks map[string]*sync.Mutex, name string) *sync.Mutex {
	cp.creationMu.Lock()
	defer cp.creationMu.Unlock()

	if lock, exists := locks[name]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	locks[name] = lock
	return lock
}

// GetClient returns the session for name with the default timeout
func (cp *ClientPool) GetClient(ctx context.Context, name string) (*Client, error) {
	return cp.GetClientWithTimeout(ctx, name, defaultClientTimeout)
}

// GetClientWithTimeout returns the session for name, logging in when none is cached
func (cp *ClientPool) GetClientWithTimeout(ctx context.Context, name string, timeout time.Duration) (*Client, error) {
	cp.mu.RLock()
	if cp.closed {
		cp.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	client, exists := cp.clients[name]
	cp.mu.RUnlock()

	if err := cp.ConfigError(name); err != nil {
		return nil, err
	}

	if exists {
		if client.IsHealthy() {
			return client, nil
		}

		if err := client.HealthCheck(ctx); err != nil {
			cp.trackFailure(name, err)
			return nil, errors.Wrap(err, "client healthcheck failed")
		}
		cp.ResetFailureTracking(name)
		return client, nil
	}

	return cp.createClientWithTimeout(ctx, name, timeout)
}

// createClientWithTimeout creates a new client connection with custom timeout
func (cp *ClientPool) createClientWithTimeout(ctx context.Context, name string, timeout time.Duration) (*Client, error) {
	clientLock := cp.getClientLock(cp.creationLocks, name)
	clientLock.Lock()
	defer clientLock.Unlock()

	if cp.isInBackoff(name) {
		return nil, errors.Wrapf(ErrInBackoff, "client %s", name)
	}

	// Double-check if client was created while we were waiting for the lock
	cp.mu.RLock()
	if client, exists := cp.clients[name]; exists && client.IsHealthy() {
		cp.mu.RUnlock()
		return client, nil
	}
	cfg := cp.configs[name]
	cp.mu.RUnlock()

	client, err := NewClientWithTimeout(ctx, cfg, timeout)
	if err != nil {
		cp.trackFailure(name, err)
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		client.close()
		return nil, ErrPoolClosed
	}
	if old, ok := cp.clients[name]; ok {
		old.close()
	}
	cp.clients[name] = client
	cp.mu.Unlock()

	cp.ResetFailureTracking(name)

	return client, nil
}

// Do runs fn against the named session. Calls for the same session are
// serialized; different sessions run concurrently.
func (cp *ClientPool) Do(ctx context.Context, name string, fn func(*Client) error) error {
	opLock := cp.getClientLock(cp.opLocks, name)
	opLock.Lock()
	defer opLock.Unlock()

	client, err := cp.GetClient(ctx, name)
	if err != nil {
		return err
	}

	if err := fn(client); err != nil {
		if ctx.Err() == nil {
			client.updateHealthStatus(false)
			cp.recordHealth(name, err)
		}
		return err
	}

	return nil
}

// RemoveClient removes a client from the pool
func (cp *ClientPool) RemoveClient(name string) {
	clientLock := cp.getClientLock(cp.creationLocks, name)
	clientLock.Lock()

	cp.mu.Lock()
	client, ok := cp.clients[name]
	delete(cp.clients, name)
	cp.mu.Unlock()

	if ok {
		client.close()
	}

	clientLock.Unlock()

	if ok {
		log.Info().Str("client", name).Msg("Removed client from pool")
	}
}

// healthCheckLoop periodically checks the health of all clients
func (cp *ClientPool) healthCheckLoop() {
	for {
		select {
		case <-cp.healthTicker.C:
			cp.performHealthChecks()
		case <-cp.stopHealth:
			return
		}
	}
}

// performHealthChecks checks the health of all cached clients
func (cp *ClientPool) performHealthChecks() {
	cp.mu.RLock()
	clients := make([]*Client, 0, len(cp.clients))
	for _, client := range cp.clients {
		clients = append(clients, client)
	}
	cp.mu.RUnlock()

	for _, client := range clients {
		name := client.Name()

		if time.Since(client.GetLastHealthCheck()) < minHealthCheckInterval {
			continue
		}

		if cp.isInBackoff(name) {
			continue
		}

		go func(client *Client, name string) {
			ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
			defer cancel()

			if err := client.HealthCheck(ctx); err != nil {
				log.Warn().Err(err).Str("client", name).Msg("Health check failed")
				cp.trackFailure(name, err)
			} else {
				cp.ResetFailureTracking(name)
			}
		}(client, name)
	}
}

// Close closes all clients and releases resources
func (cp *ClientPool) Close() error {
	cp.mu.Lock()

	if cp.closed {
		cp.mu.Unlock()
		return nil
	}

	cp.closed = true
	close(cp.stopHealth)
	cp.healthTicker.Stop()

	clients := make([]*Client, 0, len(cp.clients))
	for name, client := range cp.clients {
		clients = append(clients, client)
		delete(cp.clients, name)
	}
	cp.failureTracker = make(map[string]*failureInfo)

	cp.mu.Unlock()

	for _, client := range clients {
		client.close()
	}

	log.Info().Msg("Client pool closed")
	return nil
}

// isInBackoff checks if a client is in backoff period
func (cp *ClientPool) isInBackoff(name string) bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.isInBackoffLocked(name)
}

// isInBackoffLocked checks if a client is in backoff period (caller must hold lock)
func (cp *ClientPool) isInBackoffLocked(name string) bool {
	info, exists := cp.failureTracker[name]
	if !exists {
		return false
	}
	return time.Now().Before(info.nextRetry)
}

// trackFailure records a failure and applies exponential backoff
func (cp *ClientPool) trackFailure(name string, err error) {
	cp.mu.Lock()
	info, exists := cp.failureTracker[name]
	if !exists {
		info = &failureInfo{}
		cp.failureTracker[name] = info
	}

	info.attempts++

	var backoffDuration time.Duration
	if isBanError(err) {
		backoffDuration = calculateBackoff(info.attempts, banInitialBackoff, banMaxBackoff)
		log.Warn().Str("client", name).Int("attempts", info.attempts).Dur("backoffDuration", backoffDuration).Msg("IP ban detected, applying extended backoff")
	} else {
		backoffDuration = calculateBackoff(info.attempts, initialBackoff, maxBackoff)
		log.Debug().Str("client", name).Int("attempts", info.attempts).Dur("backoffDuration", backoffDuration).Msg("Connection failure, applying backoff")
	}

	info.nextRetry = time.Now().Add(backoffDuration)
	cp.mu.Unlock()

	cp.recordHealth(name, err)
}

func (cp *ClientPool) recordHealth(name string, err error) {
	if cp.health == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if recordErr := cp.health.RecordError(ctx, models.HealthScopeClient, name, models.ErrorKindTransient, err); recordErr != nil {
		log.Error().Err(recordErr).Str("client", name).Msg("Failed to record client error to database")
	}
}

// calculateBackoff returns exponential backoff duration with limits
func calculateBackoff(attempts int, initialDuration, maxDuration time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 30 {
		return maxDuration
	}
	return min(time.Duration(1<<(attempts-1))*initialDuration, maxDuration)
}

// ResetFailureTracking clears failure tracking after a successful connection
func (cp *ClientPool) ResetFailureTracking(name string) {
	cp.mu.Lock()
	_, hadFailures := cp.failureTracker[name]
	delete(cp.failureTracker, name)
	cp.mu.Unlock()

	if hadFailures {
		log.Debug().Str("client", name).Msg("Reset failure tracking after successful connection")
	}

	if cp.health == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cp.health.RecordSuccess(ctx, models.HealthScopeClient, name); err != nil {
		log.Error().Err(err).Str("client", name).Msg("Failed to record client success to database")
	}
}

// isBanError checks if the error indicates an IP ban
func isBanError(err error) bool {
	if err == nil {
		return false
	}

	errorStr := strings.ToLower(err.Error())

	return strings.Contains(errorStr, "ip is banned") ||
		strings.Contains(errorStr, "too many failed login attempts") ||
		strings.Contains(errorStr, "banned") ||
		strings.Contains(errorStr, "rate limit") ||
		strings.Contains(errorStr, "403") ||
		strings.Contains(errorStr, "forbidden")
}
