// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/autobrr/autobrr/pkg/ttlcache"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/magnetcc/internal/domain"
)

var (
	tagsOnAddMinVersion   = semver.MustParse("2.3.0")
	shareLimitsMinVersion = semver.MustParse("2.8.1")
)

const (
	freeSpaceKey = "free"
	freeSpaceTTL = 30 * time.Second
	loginRetries = 3
)

type Client struct {
	*qbt.Client
	name                string
	host                string
	webAPIVersion       string
	supportsTagsOnAdd   bool
	supportsShareLimits bool
	lastHealthCheck     time.Time
	isHealthy           bool
	freeSpace           *ttlcache.Cache[string, int64]
	mu                  sync.RWMutex
	healthMu            sync.RWMutex
}

// NewClientWithTimeout logs in to the instance described by cfg, retrying transient failures.
func NewClientWithTimeout(ctx context.Context, cfg domain.ClientConfig, timeout time.Duration) (*Client, error) {
	qbtCfg := qbt.Config{
		Host:          cfg.Host,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Timeout:       int(timeout.Seconds()),
		TLSSkipVerify: cfg.TLSSkipVerify,
	}
	if cfg.BasicUsername != "" {
		qbtCfg.BasicUser = cfg.BasicUsername
		qbtCfg.BasicPass = cfg.BasicPassword
	}

	qbtClient := qbt.NewClient(qbtCfg)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := retry.Do(
		func() error { return qbtClient.LoginCtx(ctx) },
		retry.Context(ctx),
		retry.Attempts(loginRetries),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !isBanError(err) }),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qBittorrent instance: %w", err)
	}

	client := newClient(cfg.Name, cfg.Host, qbtClient)

	if err := client.RefreshCapabilities(ctx); err != nil {
		log.Warn().
			Err(err).
			Str("client", cfg.Name).
			Str("host", cfg.Host).
			Msg("Failed to refresh qBittorrent capabilities during client creation")
		client.updateHealthStatus(false)
	} else {
		client.updateHealthStatus(true)
	}

	log.Debug().
		Str("client", cfg.Name).
		Str("host", cfg.Host).
		Str("webAPIVersion", client.GetWebAPIVersion()).
		Bool("supportsTagsOnAdd", client.SupportsTagsOnAdd()).
		Bool("supportsShareLimits", client.SupportsShareLimits()).
		Bool("tlsSkipVerify", cfg.TLSSkipVerify).
		Msg("qBittorrent client created successfully")

	return client, nil
}

func newClient(name, host string, qbtClient *qbt.Client) *Client {
	return &Client{
		Client:          qbtClient,
		name:            name,
		host:            host,
		lastHealthCheck: time.Now(),
		isHealthy:       true,
		freeSpace: ttlcache.New(ttlcache.Options[string, int64]{}.
			SetDefaultTTL(freeSpaceTTL)),
	}
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Host() string {
	return c.host
}

func (c *Client) GetLastHealthCheck() time.Time {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.lastHealthCheck
}

func (c *Client) updateHealthStatus(healthy bool) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.isHealthy = healthy
	c.lastHealthCheck = time.Now()
}

func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.isHealthy
}

func (c *Client) GetWebAPIVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webAPIVersion
}

func (c *Client) SupportsTagsOnAdd() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsTagsOnAdd
}

func (c *Client) SupportsShareLimits() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsShareLimits
}

// RefreshCapabilities fetches the WebAPI version and recalculates feature support flags.
func (c *Client) RefreshCapabilities(ctx context.Context) error {
	version, err := c.Client.GetWebAPIVersionCtx(ctx)
	if err != nil {
		return err
	}

	version = strings.TrimSpace(version)
	if version == "" {
		return fmt.Errorf("web API version is empty")
	}

	c.mu.Lock()
	previousVersion := c.webAPIVersion
	c.applyCapabilitiesLocked(version)
	c.mu.Unlock()

	if previousVersion != version {
		log.Trace().
			Str("client", c.name).
			Str("previousWebAPIVersion", previousVersion).
			Str("webAPIVersion", version).
			Msg("Refreshed qBittorrent capabilities")
	}

	return nil
}

func (c *Client) applyCapabilitiesLocked(version string) {
	c.webAPIVersion = version

	v, err := semver.NewVersion(version)
	if err != nil {
		log.Warn().
			Str("client", c.name).
			Str("webAPIVersion", version).
			Err(err).
			Msg("Failed to parse qBittorrent WebAPI version; leaving capability flags unchanged")
		return
	}

	c.supportsTagsOnAdd = !v.LessThan(tagsOnAddMinVersion)
	c.supportsShareLimits = !v.LessThan(shareLimitsMinVersion)
}

func (c *Client) HealthCheck(ctx context.Context) error {
	if c.IsHealthy() && time.Now().Add(-minHealthCheckInterval).Before(c.GetLastHealthCheck()) {
		return nil
	}

	if err := c.RefreshCapabilities(ctx); err != nil {
		c.updateHealthStatus(false)
		return errors.Wrap(err, "health check failed")
	}

	c.updateHealthStatus(true)
	return nil
}

// ListTorrents returns torrents carrying tag plus any torrents in hashes.
// An empty tag lists only the given hashes.
func (c *Client) ListTorrents(ctx context.Context, tag string, hashes []string) ([]Torrent, error) {
	seen := make(map[string]struct{})
	var out []Torrent

	if tag != "" {
		tagged, err := c.Client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Tag: tag})
		if err != nil {
			c.updateHealthStatus(false)
			return nil, errors.Wrap(err, "list tagged torrents")
		}
		for _, t := range tagged {
			tt := fromQbt(t)
			seen[tt.Hash] = struct{}{}
			out = append(out, tt)
		}
	}

	var missing []string
	for _, h := range hashes {
		if _, ok := seen[normalizeHash(h)]; !ok {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		extra, err := c.Client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: missing})
		if err != nil {
			c.updateHealthStatus(false)
			return nil, errors.Wrap(err, "list referenced torrents")
		}
		for _, t := range extra {
			out = append(out, fromQbt(t))
		}
	}

	c.updateHealthStatus(true)
	return out, nil
}

// AddMagnet submits a magnet link. Share limits are applied afterwards on
// instances whose WebAPI ignores them on add.
func (c *Client) AddMagnet(ctx context.Context, magnet string, opts AddOptions) error {
	shareLimits := c.SupportsShareLimits()
	form := opts.form(shareLimits)
	if !c.SupportsTagsOnAdd() {
		delete(form, "tags")
	}

	if err := c.Client.AddTorrentFromUrlCtx(ctx, magnet, form); err != nil {
		return errors.Wrap(err, "add magnet")
	}

	// Free space changes once the torrent starts allocating.
	c.freeSpace.Delete(freeSpaceKey)

	if !shareLimits && opts.Hash != "" {
		return c.SetShareLimits(ctx, []string{opts.Hash}, opts.RatioLimit, opts.SeedingTimeLimit)
	}

	return nil
}

// FreeSpace returns free_space_on_disk from the server state, cached briefly.
func (c *Client) FreeSpace(ctx context.Context) (int64, error) {
	if v, ok := c.freeSpace.Get(freeSpaceKey); ok {
		return v, nil
	}

	data, err := c.Client.SyncMainDataCtx(ctx, 0)
	if err != nil {
		c.updateHealthStatus(false)
		return 0, errors.Wrap(err, "sync main data")
	}
	if data == nil {
		return 0, errors.New("empty main data")
	}

	free := data.ServerState.FreeSpaceOnDisk
	c.freeSpace.Set(freeSpaceKey, free, ttlcache.DefaultTTL)
	c.updateHealthStatus(true)
	return free, nil
}

func (c *Client) SetShareLimits(ctx context.Context, hashes []string, ratioLimit float64, seedingTimeLimit int64) error {
	if err := c.Client.SetTorrentShareLimitCtx(ctx, hashes, ratioLimit, seedingTimeLimit, noInactiveSeedingLimit); err != nil {
		return errors.Wrap(err, "set share limits")
	}
	return nil
}

// SetCategory creates the category when needed and assigns it.
func (c *Client) SetCategory(ctx context.Context, hashes []string, category string) error {
	if category != "" {
		if err := c.Client.CreateCategoryCtx(ctx, category, ""); err != nil {
			log.Trace().Err(err).Str("client", c.name).Str("category", category).Msg("Create category failed, assuming it exists")
		}
	}
	if err := c.Client.SetCategoryCtx(ctx, hashes, category); err != nil {
		return errors.Wrap(err, "set category")
	}
	return nil
}

func (c *Client) close() {
	c.freeSpace.Close()
}

func normalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatInt(i int64) string {
	return strconv.FormatInt(i, 10)
}
