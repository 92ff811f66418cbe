// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/magnetcc/internal/models"
	"github.com/autobrr/magnetcc/internal/tracker"
)

type AliasStore interface {
	List(ctx context.Context) ([]*models.TrackerAlias, error)
	Get(ctx context.Context, host string) (*models.TrackerAlias, error)
	Delete(ctx context.Context, host string) error
}

type AliasResolver interface {
	AddAlias(ctx context.Context, host, identity string) error
	Forget()
}

type AliasHandler struct {
	store    AliasStore
	resolver AliasResolver
}

func NewAliasHandler(store AliasStore, resolver AliasResolver) *AliasHandler {
	return &AliasHandler{store: store, resolver: resolver}
}

type AliasPayload struct {
	Host     string `json:"host"`
	Identity string `json:"identity"`
}

func (h *AliasHandler) List(w http.ResponseWriter, r *http.Request) {
	aliases, err := h.store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list tracker aliases")
		RespondError(w, http.StatusInternalServerError, "Failed to load tracker aliases")
		return
	}
	if aliases == nil {
		aliases = []*models.TrackerAlias{}
	}

	RespondJSON(w, http.StatusOK, aliases)
}

func (h *AliasHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload AliasPayload
	if err := decodeJSON(r, &payload); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if strings.TrimSpace(payload.Identity) == "" {
		RespondError(w, http.StatusBadRequest, "Identity is required")
		return
	}

	host, err := tracker.NormalizeHost(payload.Host)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.resolver.AddAlias(r.Context(), host, payload.Identity); err != nil {
		log.Error().Err(err).Str("host", host).Msg("failed to assert tracker alias")
		RespondError(w, http.StatusInternalServerError, "Failed to save tracker alias")
		return
	}

	alias, err := h.store.Get(r.Context(), host)
	if err != nil {
		log.Error().Err(err).Str("host", host).Msg("failed to reload tracker alias")
		RespondError(w, http.StatusInternalServerError, "Failed to load tracker alias")
		return
	}

	RespondJSON(w, http.StatusCreated, alias)
}

func (h *AliasHandler) Delete(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "host"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid host")
		return
	}
	host, err := tracker.NormalizeHost(raw)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.Delete(r.Context(), host); err != nil {
		if errors.Is(err, models.ErrAliasNotFound) {
			RespondError(w, http.StatusNotFound, "Tracker alias not found")
			return
		}
		log.Error().Err(err).Str("host", host).Msg("failed to delete tracker alias")
		RespondError(w, http.StatusInternalServerError, "Failed to delete tracker alias")
		return
	}
	h.resolver.Forget()

	w.WriteHeader(http.StatusNoContent)
}
