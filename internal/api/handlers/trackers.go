// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/magnetcc/internal/domain"
	"github.com/autobrr/magnetcc/internal/models"
)

type TrackerCounter interface {
	TrackerCounts(ctx context.Context) ([]models.TrackerCount, error)
}

type HealthLister interface {
	List(ctx context.Context, scope models.HealthScope) ([]*models.Health, error)
}

type ClientLister interface {
	Names() []string
	Config(name string) (domain.ClientConfig, bool)
	ConfigError(name string) error
}

type TrackerHandler struct {
	counts  TrackerCounter
	health  HealthLister
	clients ClientLister
}

func NewTrackerHandler(counts TrackerCounter, health HealthLister, clients ClientLister) *TrackerHandler {
	return &TrackerHandler{counts: counts, health: health, clients: clients}
}

type TrackerView struct {
	models.TrackerCount
	Health *models.Health `json:"health,omitempty"`
}

// ClientView describes a configured session. Secrets are redacted.
type ClientView struct {
	Name          string         `json:"name"`
	Host          string         `json:"host"`
	Username      string         `json:"username,omitempty"`
	Password      string         `json:"password,omitempty"`
	BasicPassword string         `json:"basicPassword,omitempty"`
	Affinity      string         `json:"affinity,omitempty"`
	Disabled      bool           `json:"disabled"`
	Usable        bool           `json:"usable"`
	ConfigError   string         `json:"configError,omitempty"`
	Health        *models.Health `json:"health,omitempty"`
}

// Trackers lists every tracker identity with its seed counts and last error.
func (h *TrackerHandler) Trackers(w http.ResponseWriter, r *http.Request) {
	counts, err := h.counts.TrackerCounts(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to count records per tracker")
		RespondError(w, http.StatusInternalServerError, "Failed to load tracker counts")
		return
	}
	health := h.healthByKey(r.Context(), models.HealthScopeTracker)

	views := make([]TrackerView, 0, len(counts))
	for _, c := range counts {
		views = append(views, TrackerView{TrackerCount: c, Health: health[c.TrackerID]})
	}

	RespondJSON(w, http.StatusOK, views)
}

func (h *TrackerHandler) Clients(w http.ResponseWriter, r *http.Request) {
	health := h.healthByKey(r.Context(), models.HealthScopeClient)

	names := h.clients.Names()
	views := make([]ClientView, 0, len(names))
	for _, name := range names {
		v := ClientView{Name: name, Usable: true, Health: health[name]}
		if cfg, ok := h.clients.Config(name); ok {
			v.Host = cfg.Host
			v.Username = cfg.Username
			v.Password = domain.RedactString(cfg.Password)
			v.BasicPassword = domain.RedactString(cfg.BasicPassword)
			v.Affinity = cfg.Affinity
			v.Disabled = cfg.Disabled
		}
		if err := h.clients.ConfigError(name); err != nil {
			v.Usable = false
			v.ConfigError = err.Error()
		}
		views = append(views, v)
	}

	RespondJSON(w, http.StatusOK, views)
}

func (h *TrackerHandler) healthByKey(ctx context.Context, scope models.HealthScope) map[string]*models.Health {
	out := make(map[string]*models.Health)
	if h.health == nil {
		return out
	}
	list, err := h.health.List(ctx, scope)
	if err != nil {
		log.Warn().Err(err).Str("scope", string(scope)).Msg("failed to load health entries")
		return out
	}
	for _, e := range list {
		out[e.Key] = e
	}
	return out
}
