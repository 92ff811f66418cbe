// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/magnetcc/internal/models"
	"github.com/autobrr/magnetcc/internal/qbittorrent"
	"github.com/autobrr/magnetcc/internal/rules"
)

type RuleStore interface {
	List(ctx context.Context) ([]*models.TrackerRule, error)
	Create(ctx context.Context, r *models.TrackerRule) (*models.TrackerRule, error)
	Update(ctx context.Context, r *models.TrackerRule) (*models.TrackerRule, error)
	Delete(ctx context.Context, id int) error
	Replace(ctx context.Context, rules []*models.TrackerRule) error
}

// RuleReloader refreshes the in-memory rule snapshot after the store changes.
type RuleReloader interface {
	Load(ctx context.Context) error
	Validate() []*rules.ConflictError
}

type ClientChecker interface {
	ConfigError(name string) error
}

type RuleHandler struct {
	store   RuleStore
	engine  RuleReloader
	clients ClientChecker
}

func NewRuleHandler(store RuleStore, engine RuleReloader, clients ClientChecker) *RuleHandler {
	return &RuleHandler{store: store, engine: engine, clients: clients}
}

type RulePayload struct {
	Tracker              string   `json:"trackerId"`
	Category             string   `json:"category"`
	RatioLimit           *float64 `json:"ratioLimit"`
	SeedTimeLimitMinutes *int64   `json:"seedTimeLimitMinutes"`
	Priority             int      `json:"priority"`
	AutoSend             *bool    `json:"autoSend"`
	Client               string   `json:"client"`
}

func (p *RulePayload) toModel(id int) *models.TrackerRule {
	return &models.TrackerRule{
		ID:                   id,
		TrackerID:            strings.ToLower(strings.TrimSpace(p.Tracker)),
		Category:             strings.TrimSpace(p.Category),
		RatioLimit:           p.RatioLimit,
		SeedTimeLimitMinutes: p.SeedTimeLimitMinutes,
		Priority:             p.Priority,
		AutoSend:             p.AutoSend,
		Client:               strings.TrimSpace(p.Client),
	}
}

type ValidationResponse struct {
	Valid     bool              `json:"valid"`
	Conflicts []ConflictView    `json:"conflicts"`
	Clients   map[string]string `json:"clients,omitempty"`
}

type ConflictView struct {
	TrackerID string `json:"trackerId"`
	RuleIDs   []int  `json:"ruleIds"`
	Message   string `json:"message"`
}

func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list tracker rules")
		RespondError(w, http.StatusInternalServerError, "Failed to load tracker rules")
		return
	}
	if list == nil {
		list = []*models.TrackerRule{}
	}

	RespondJSON(w, http.StatusOK, list)
}

func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload RulePayload
	if err := decodeJSON(r, &payload); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	rule := payload.toModel(0)
	if msg := h.checkClient(rule.Client); msg != "" {
		RespondError(w, http.StatusBadRequest, msg)
		return
	}

	created, err := h.store.Create(r.Context(), rule)
	if err != nil {
		h.respondStoreError(w, err, "Failed to create tracker rule")
		return
	}
	h.reload(r.Context())

	RespondJSON(w, http.StatusCreated, created)
}

func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	var payload RulePayload
	if err := decodeJSON(r, &payload); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	rule := payload.toModel(id)
	if msg := h.checkClient(rule.Client); msg != "" {
		RespondError(w, http.StatusBadRequest, msg)
		return
	}

	updated, err := h.store.Update(r.Context(), rule)
	if err != nil {
		h.respondStoreError(w, err, "Failed to update tracker rule")
		return
	}
	h.reload(r.Context())

	RespondJSON(w, http.StatusOK, updated)
}

func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		h.respondStoreError(w, err, "Failed to delete tracker rule")
		return
	}
	h.reload(r.Context())

	w.WriteHeader(http.StatusNoContent)
}

// Import replaces the whole rule set with a YAML document.
func (h *RuleHandler) Import(w http.ResponseWriter, r *http.Request) {
	list, err := rules.ParseYAML(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, rule := range list {
		if msg := h.checkClient(strings.TrimSpace(rule.Client)); msg != "" {
			RespondError(w, http.StatusBadRequest, msg)
			return
		}
	}

	if err := h.store.Replace(r.Context(), list); err != nil {
		h.respondStoreError(w, err, "Failed to import tracker rules")
		return
	}
	h.reload(r.Context())

	h.Validate(w, r)
}

// Validate reports rule ties and rules naming unusable clients.
func (h *RuleHandler) Validate(w http.ResponseWriter, r *http.Request) {
	resp := ValidationResponse{Conflicts: []ConflictView{}}
	for _, c := range h.engine.Validate() {
		resp.Conflicts = append(resp.Conflicts, ConflictView{TrackerID: c.TrackerID, RuleIDs: c.RuleIDs, Message: c.Error()})
	}

	list, err := h.store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list tracker rules")
		RespondError(w, http.StatusInternalServerError, "Failed to load tracker rules")
		return
	}
	for _, rule := range list {
		if rule.Client == "" || h.clients == nil {
			continue
		}
		if err := h.clients.ConfigError(rule.Client); err != nil {
			if resp.Clients == nil {
				resp.Clients = make(map[string]string)
			}
			resp.Clients[rule.Client] = err.Error()
		}
	}
	resp.Valid = len(resp.Conflicts) == 0 && len(resp.Clients) == 0

	RespondJSON(w, http.StatusOK, resp)
}

func (h *RuleHandler) checkClient(name string) string {
	if name == "" || h.clients == nil {
		return ""
	}
	if err := h.clients.ConfigError(name); errors.Is(err, qbittorrent.ErrClientNotFound) {
		return "Unknown client " + strconv.Quote(name)
	}
	return ""
}

func (h *RuleHandler) reload(ctx context.Context) {
	if err := h.engine.Load(ctx); err != nil {
		log.Error().Err(err).Msg("failed to reload tracker rules")
	}
}

func (h *RuleHandler) respondStoreError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, models.ErrRuleNotFound):
		RespondError(w, http.StatusNotFound, "Tracker rule not found")
	case errors.Is(err, models.ErrInvalidRule):
		RespondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg(message)
		RespondError(w, http.StatusInternalServerError, message)
	}
}

func ruleID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		RespondError(w, http.StatusBadRequest, "Invalid rule ID")
		return 0, false
	}
	return id, true
}
