// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package tracker derives canonical tracker identities from announce URLs and filename hints.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/moistari/rls"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/magnetcc/internal/domain"
	"github.com/autobrr/magnetcc/internal/models"
	"github.com/autobrr/magnetcc/internal/scanner"
)

var (
	ErrEmptyHost     = errors.New("empty tracker host")
	ErrIPHost        = errors.New("tracker host is an IP literal")
	ErrUnsupportedTr = errors.New("unsupported announce scheme")
)

type Method string

const (
	MethodAnnounce   Method = "announce"
	MethodHeuristic  Method = "heuristic"
	MethodUnresolved Method = "unresolved"
)

type Resolution struct {
	Identity string `json:"identity,omitempty"`
	Host     string `json:"host,omitempty"`
	Method   Method `json:"method"`
}

func (r Resolution) Resolved() bool {
	return r.Method != MethodUnresolved && r.Identity != ""
}

// AliasStore is the persistence the resolver needs; *models.TrackerAliasStore implements it.
type AliasStore interface {
	Resolve(ctx context.Context, host string) (*models.TrackerAlias, error)
	Assert(ctx context.Context, host, identity string) (*models.TrackerAlias, error)
}

type heuristic struct {
	pattern *regexp.Regexp
	group   string
	tracker string
}

type Resolver struct {
	aliases    AliasStore
	heuristics []heuristic

	mu    sync.RWMutex
	cache map[string]string // raw host -> identity
	sf    singleflight.Group

	log zerolog.Logger
}

// NewResolver compiles the configured heuristics; an invalid pattern is an error.
func NewResolver(aliases AliasStore, heuristics []domain.HeuristicConfig) (*Resolver, error) {
	r := &Resolver{
		aliases: aliases,
		cache:   make(map[string]string),
		log:     log.With().Str("module", "tracker").Logger(),
	}

	for i, h := range heuristics {
		tracker := strings.ToLower(strings.TrimSpace(h.Tracker))
		if tracker == "" {
			return nil, fmt.Errorf("heuristics[%d]: tracker is required", i)
		}
		entry := heuristic{group: strings.TrimSpace(h.Group), tracker: tracker}
		if h.Pattern != "" {
			re, err := regexp.Compile(h.Pattern)
			if err != nil {
				return nil, fmt.Errorf("heuristics[%d]: invalid pattern: %w", i, err)
			}
			entry.pattern = re
		}
		if entry.pattern == nil && entry.group == "" {
			return nil, fmt.Errorf("heuristics[%d]: pattern or group is required", i)
		}
		r.heuristics = append(r.heuristics, entry)
	}

	return r, nil
}

// SeedAliases asserts the configured aliases at startup.
func (r *Resolver) SeedAliases(ctx context.Context, aliases []domain.AliasConfig) error {
	for _, a := range aliases {
		identity := strings.ToLower(strings.TrimSpace(a.Tracker))
		if identity == "" {
			continue
		}
		// The identity always maps to itself.
		hosts := append([]string{identity}, a.Hosts...)
		for _, h := range hosts {
			if err := r.AddAlias(ctx, h, identity); err != nil {
				return fmt.Errorf("alias %s -> %s: %w", h, identity, err)
			}
		}
	}
	return nil
}

// Resolve returns the tracker identity for c. The error is non-nil only when
// the alias store fails.
func (r *Resolver) Resolve(ctx context.Context, c *scanner.Candidate) (Resolution, error) {
	for _, raw := range c.Announce {
		if err := checkScheme(raw); err != nil {
			continue
		}
		identity, host, err := r.ResolveHost(ctx, raw)
		if err != nil {
			if errors.Is(err, ErrEmptyHost) || errors.Is(err, ErrIPHost) {
				continue
			}
			return Resolution{Method: MethodUnresolved}, err
		}
		return Resolution{Identity: identity, Host: host, Method: MethodAnnounce}, nil
	}

	for _, h := range r.heuristics {
		if h.matches(c) {
			return Resolution{Identity: h.tracker, Method: MethodHeuristic}, nil
		}
	}

	return Resolution{Method: MethodUnresolved}, nil
}

// ResolveHost maps a raw announce URL or host to its identity and normalized host.
// Concurrent calls for the same raw value share one lookup.
func (r *Resolver) ResolveHost(ctx context.Context, raw string) (string, string, error) {
	host, err := NormalizeHost(raw)
	if err != nil {
		return "", "", err
	}

	r.mu.RLock()
	identity, ok := r.cache[raw]
	r.mu.RUnlock()
	if ok {
		return identity, host, nil
	}

	v, err, _ := r.sf.Do(raw, func() (any, error) {
		alias, err := r.aliases.Resolve(ctx, host)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[raw] = alias.Identity
		r.mu.Unlock()
		return alias.Identity, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("resolve %s: %w", host, err)
	}

	return v.(string), host, nil
}

// AddAlias asserts host -> identity and drops cached resolutions for that host.
func (r *Resolver) AddAlias(ctx context.Context, host, identity string) error {
	normalized, err := NormalizeHost(host)
	if err != nil {
		return err
	}
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" {
		return errors.New("alias identity is required")
	}

	if _, err := r.aliases.Assert(ctx, normalized, identity); err != nil {
		return err
	}

	r.mu.Lock()
	for raw := range r.cache {
		if h, err := NormalizeHost(raw); err == nil && h == normalized {
			delete(r.cache, raw)
		}
	}
	r.mu.Unlock()

	r.log.Debug().Str("host", normalized).Str("identity", identity).Msg("Tracker alias asserted")
	return nil
}

// Forget drops every cached resolution so the alias table is consulted again.
func (r *Resolver) Forget() {
	r.mu.Lock()
	r.cache = make(map[string]string)
	r.mu.Unlock()
}

func (h heuristic) matches(c *scanner.Candidate) bool {
	if h.pattern != nil && (h.pattern.MatchString(c.Name) || h.pattern.MatchString(c.SourcePath)) {
		return true
	}
	if h.group != "" && c.Name != "" {
		if group := rls.ParseString(c.Name).Group; group != "" && strings.EqualFold(group, h.group) {
			return true
		}
	}
	return false
}

// NormalizeHost lowercases a host and strips scheme, credentials, path, port,
// a trailing dot and a leading "www.". IP literals are rejected.
func NormalizeHost(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyHost
	}

	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEmptyHost, err)
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return "", ErrEmptyHost
	}
	if net.ParseIP(host) != nil {
		return "", ErrIPHost
	}

	return host, nil
}

// checkScheme accepts http and https announce URLs and bare hosts.
func checkScheme(raw string) error {
	idx := strings.Index(raw, "://")
	if idx < 0 {
		return nil
	}
	switch strings.ToLower(raw[:idx]) {
	case "http", "https":
		return nil
	}
	return ErrUnsupportedTr
}
