// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"context"

	"github.com/autobrr/magnetcc/internal/domain"
	"github.com/autobrr/magnetcc/internal/qbittorrent"
)

// Session is one authenticated client connection.
type Session interface {
	Name() string
	ListTorrents(ctx context.Context, tag string, hashes []string) ([]qbittorrent.Torrent, error)
	AddMagnet(ctx context.Context, magnet string, opts qbittorrent.AddOptions) error
	FreeSpace(ctx context.Context) (int64, error)
	SetShareLimits(ctx context.Context, hashes []string, ratioLimit float64, seedingTimeLimit int64) error
	SetCategory(ctx context.Context, hashes []string, category string) error
}

// Sessions hands out sessions by client name. Calls to Do for one name are serialized.
type Sessions interface {
	Names() []string
	Config(name string) (domain.ClientConfig, bool)
	ConfigError(name string) error
	Do(ctx context.Context, name string, fn func(Session) error) error
}

type poolSessions struct {
	*qbittorrent.ClientPool
}

// NewPoolSessions exposes a client pool as Sessions.
func NewPoolSessions(pool *qbittorrent.ClientPool) Sessions {
	return poolSessions{ClientPool: pool}
}

func (p poolSessions) Do(ctx context.Context, name string, fn func(Session) error) error {
	return p.ClientPool.Do(ctx, name, func(c *qbittorrent.Client) error {
		return fn(c)
	})
}
