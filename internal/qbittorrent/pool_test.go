// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/magnetcc/internal/domain"
	"github.com/autobrr/magnetcc/internal/models"
)

type healthCall struct {
	scope   models.HealthScope
	key     string
	success bool
}

type recordingHealth struct {
	mu    sync.Mutex
	calls []healthCall
}

func (r *recordingHealth) RecordError(_ context.Context, scope models.HealthScope, key string, _ models.ErrorKind, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, healthCall{scope: scope, key: key})
	return nil
}

func (r *recordingHealth) RecordSuccess(_ context.Context, scope models.HealthScope, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, healthCall{scope: scope, key: key, success: true})
	return nil
}

func newTestPool(t *testing.T, cfgs ...domain.ClientConfig) (*ClientPool, *recordingHealth) {
	t.Helper()
	health := &recordingHealth{}
	cp := NewClientPool(cfgs, health)
	t.Cleanup(func() { _ = cp.Close() })
	return cp, health
}

// injectClient places a session in the pool without logging in.
func injectClient(cp *ClientPool, name string) *Client {
	cfg, _ := cp.Config(name)
	c := newClient(name, cfg.Host, qbt.NewClient(qbt.Config{Host: cfg.Host}))
	cp.mu.Lock()
	cp.clients[name] = c
	cp.mu.Unlock()
	return c
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 1, want: 10 * time.Second},
		{attempts: 2, want: 20 * time.Second},
		{attempts: 3, want: 40 * time.Second},
		{attempts: 4, want: time.Minute},
		{attempts: 64, want: time.Minute},
		{attempts: 0, want: 10 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoff(tt.attempts, initialBackoff, maxBackoff), "attempts=%d", tt.attempts)
	}
}

func TestIsBanError(t *testing.T) {
	assert.False(t, isBanError(nil))
	assert.True(t, isBanError(errors.New("Your IP is banned")))
	assert.True(t, isBanError(errors.New("unexpected status 403")))
	assert.True(t, isBanError(errors.New("Forbidden")))
	assert.False(t, isBanError(errors.New("connection refused")))
}

func TestConfigError(t *testing.T) {
	cp, _ := newTestPool(t,
		domain.ClientConfig{Name: "ok", Host: "http://localhost:8080", Username: "admin", Password: "secret"},
		domain.ClientConfig{Name: "nopass", Host: "http://localhost:8081", Username: "admin"},
		domain.ClientConfig{Name: "nohost", Username: "admin", Password: "secret"},
		domain.ClientConfig{Name: "off", Host: "http://localhost:8082", Disabled: true},
		domain.ClientConfig{Name: "bypass", Host: "http://localhost:8083"},
	)

	assert.NoError(t, cp.ConfigError("ok"))
	assert.NoError(t, cp.ConfigError("bypass"))
	assert.ErrorIs(t, cp.ConfigError("nopass"), ErrMissingCredentials)
	assert.ErrorIs(t, cp.ConfigError("nohost"), ErrMissingCredentials)
	assert.ErrorIs(t, cp.ConfigError("off"), ErrClientDisabled)
	assert.ErrorIs(t, cp.ConfigError("missing"), ErrClientNotFound)

	assert.Equal(t, []string{"ok", "nopass", "nohost", "off", "bypass"}, cp.Names())

	_, err := cp.GetClient(context.Background(), "off")
	assert.ErrorIs(t, err, ErrClientDisabled)
}

func TestGetClientReturnsCachedSession(t *testing.T) {
	cp, _ := newTestPool(t, domain.ClientConfig{Name: "seedbox", Host: "http://localhost:8080"})
	injected := injectClient(cp, "seedbox")

	got, err := cp.GetClient(context.Background(), "seedbox")
	require.NoError(t, err)
	assert.Same(t, injected, got)
}

func TestBackoffBlocksCreation(t *testing.T) {
	cp, health := newTestPool(t, domain.ClientConfig{Name: "seedbox", Host: "http://localhost:8080"})

	cp.trackFailure("seedbox", errors.New("connection refused"))
	assert.True(t, cp.isInBackoff("seedbox"))

	_, err := cp.GetClient(context.Background(), "seedbox")
	assert.ErrorIs(t, err, ErrInBackoff)

	cp.ResetFailureTracking("seedbox")
	assert.False(t, cp.isInBackoff("seedbox"))

	health.mu.Lock()
	defer health.mu.Unlock()
	require.Len(t, health.calls, 2)
	assert.Equal(t, healthCall{scope: models.HealthScopeClient, key: "seedbox"}, health.calls[0])
	assert.True(t, health.calls[1].success)
}

func TestUpdateConfigsDropsChangedSessions(t *testing.T) {
	cp, _ := newTestPool(t,
		domain.ClientConfig{Name: "a", Host: "http://a:8080", Username: "u", Password: "p"},
		domain.ClientConfig{Name: "b", Host: "http://b:8080"},
		domain.ClientConfig{Name: "c", Host: "http://c:8080"},
	)
	injectClient(cp, "a")
	injectClient(cp, "b")
	injectClient(cp, "c")

	cp.UpdateConfigs([]domain.ClientConfig{
		{Name: "a", Host: "http://a:8080", Username: "u", Password: "rotated"},
		{Name: "b", Host: "http://b:8080", Affinity: `size > 0`},
	})

	cp.mu.RLock()
	_, hasA := cp.clients["a"]
	_, hasB := cp.clients["b"]
	_, hasC := cp.clients["c"]
	cp.mu.RUnlock()

	assert.False(t, hasA, "credential change drops the session")
	assert.True(t, hasB, "non-connection fields keep the session")
	assert.False(t, hasC, "removed client is dropped")
	assert.Equal(t, []string{"a", "b"}, cp.Names())
}

func TestDoSerializesPerClient(t *testing.T) {
	cp, _ := newTestPool(t,
		domain.ClientConfig{Name: "a", Host: "http://a:8080"},
	)
	injectClient(cp, "a")

	var (
		mu      sync.Mutex
		running int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cp.Do(context.Background(), "a", func(c *Client) error {
				mu.Lock()
				running++
				maxSeen = max(maxSeen, running)
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
}

func TestDoMarksSessionUnhealthyOnError(t *testing.T) {
	cp, health := newTestPool(t, domain.ClientConfig{Name: "a", Host: "http://a:8080"})
	c := injectClient(cp, "a")

	err := cp.Do(context.Background(), "a", func(*Client) error { return errors.New("boom") })
	require.Error(t, err)
	assert.False(t, c.IsHealthy())

	health.mu.Lock()
	defer health.mu.Unlock()
	require.NotEmpty(t, health.calls)
	assert.False(t, health.calls[len(health.calls)-1].success)
}

func TestPoolClosed(t *testing.T) {
	cp := NewClientPool([]domain.ClientConfig{{Name: "a", Host: "http://a"}}, nil)
	require.NoError(t, cp.Close())
	require.NoError(t, cp.Close())

	_, err := cp.GetClient(context.Background(), "a")
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestTorrentActive(t *testing.T) {
	active := []qbt.TorrentState{qbt.TorrentStateUploading, qbt.TorrentStateStalledUp, qbt.TorrentStateQueuedUp, qbt.TorrentStateForcedUp, qbt.TorrentStateCheckingUp}
	for _, s := range active {
		assert.True(t, Torrent{State: string(s)}.Active(), s)
	}

	inactive := []qbt.TorrentState{qbt.TorrentStatePausedUp, qbt.TorrentStateDownloading, qbt.TorrentStateError, qbt.TorrentStateMissingFiles, ""}
	for _, s := range inactive {
		assert.False(t, Torrent{State: string(s)}.Active(), s)
	}
}

func TestAddOptionsForm(t *testing.T) {
	opts := AddOptions{
		Category:         "movies",
		Tags:             []string{"DecypharrSeed", "extra"},
		RatioLimit:       2,
		SeedingTimeLimit: 20160,
		AutoTMM:          true,
	}

	assert.Equal(t, map[string]string{
		"category":                 "movies",
		"tags":                     "DecypharrSeed,extra",
		"autoTMM":                  "true",
		"ratioLimit":               "2",
		"seedingTimeLimit":         "20160",
		"inactiveSeedingTimeLimit": "-1",
	}, opts.form(true))

	legacy := opts.form(false)
	assert.NotContains(t, legacy, "ratioLimit")
	assert.NotContains(t, legacy, "seedingTimeLimit")
	assert.NotContains(t, legacy, "inactiveSeedingTimeLimit")
	assert.Equal(t, "movies", legacy["category"])
}

func TestApplyCapabilities(t *testing.T) {
	c := newClient("a", "http://a", qbt.NewClient(qbt.Config{Host: "http://a"}))
	t.Cleanup(c.close)

	c.applyCapabilitiesLocked("2.8.3")
	assert.True(t, c.SupportsShareLimits())
	assert.True(t, c.SupportsTagsOnAdd())

	c.applyCapabilitiesLocked("2.2.0")
	assert.False(t, c.SupportsShareLimits())
	assert.False(t, c.SupportsTagsOnAdd())
	assert.Equal(t, "2.2.0", c.GetWebAPIVersion())
}
