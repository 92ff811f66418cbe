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
	"github.com/autobrr/magnetcc/internal/services/reconcile"
	"github.com/autobrr/magnetcc/internal/services/scheduler"
)

type RecordReader interface {
	Get(ctx context.Context, infohash string) (*models.TorrentRecord, error)
	List(ctx context.Context, f models.RecordFilter) ([]*models.TorrentRecord, error)
}

type Dispatcher interface {
	Send(ctx context.Context, hashes []string, client string) ([]reconcile.SendOutcome, error)
	ResetSent(ctx context.Context, trackerID string) (int64, error)
}

type RecordHandler struct {
	records    RecordReader
	dispatcher Dispatcher
	cycles     Cycles
}

func NewRecordHandler(records RecordReader, dispatcher Dispatcher, cycles Cycles) *RecordHandler {
	return &RecordHandler{records: records, dispatcher: dispatcher, cycles: cycles}
}

func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.RecordFilter{
		TrackerID: strings.ToLower(strings.TrimSpace(q.Get("tracker"))),
		Client:    strings.TrimSpace(q.Get("client")),
	}

	if status := strings.TrimSpace(q.Get("status")); status != "" {
		f.Status = models.RecordStatus(status)
		if !f.Status.Valid() {
			RespondError(w, http.StatusBadRequest, "Invalid status filter")
			return
		}
	}
	if q.Has("state") {
		state := models.DispatchState(strings.TrimSpace(q.Get("state")))
		f.DispatchState = &state
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			RespondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		f.Limit = n
	}

	records, err := h.records.List(r.Context(), f)
	if err != nil {
		log.Error().Err(err).Msg("failed to list records")
		RespondError(w, http.StatusInternalServerError, "Failed to load records")
		return
	}
	if records == nil {
		records = []*models.TorrentRecord{}
	}

	RespondJSON(w, http.StatusOK, records)
}

func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	hash := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "hash")))
	rec, err := h.records.Get(r.Context(), hash)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			RespondError(w, http.StatusNotFound, "Record not found")
			return
		}
		log.Error().Err(err).Str("hash", hash).Msg("failed to load record")
		RespondError(w, http.StatusInternalServerError, "Failed to load record")
		return
	}

	RespondJSON(w, http.StatusOK, rec)
}

type SendRequest struct {
	Hashes []string `json:"hashes"`
	Client string   `json:"client"`
}

// Send dispatches the named records now, holding the cycle lease while it runs.
func (h *RecordHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if len(req.Hashes) == 0 {
		RespondError(w, http.StatusBadRequest, "At least one infohash is required")
		return
	}

	var outcomes []reconcile.SendOutcome
	err := h.cycles.Exclusive(context.WithoutCancel(r.Context()), "send", func(ctx context.Context) error {
		var err error
		outcomes, err = h.dispatcher.Send(ctx, req.Hashes, strings.TrimSpace(req.Client))
		return err
	})
	if err != nil {
		h.respondDispatchError(w, err, "Failed to send records")
		return
	}

	RespondJSON(w, http.StatusOK, outcomes)
}

type ResetRequest struct {
	Tracker string `json:"tracker"`
}

type ResetResponse struct {
	Tracker string `json:"tracker,omitempty"`
	Reset   int64  `json:"reset"`
}

// Reset clears sent state for one tracker, or for every record when no tracker is given.
func (h *RecordHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	trackerID := strings.ToLower(strings.TrimSpace(req.Tracker))

	var n int64
	err := h.cycles.Exclusive(context.WithoutCancel(r.Context()), "reset", func(ctx context.Context) error {
		var err error
		n, err = h.dispatcher.ResetSent(ctx, trackerID)
		return err
	})
	if err != nil {
		h.respondDispatchError(w, err, "Failed to reset sent records")
		return
	}

	RespondJSON(w, http.StatusOK, ResetResponse{Tracker: trackerID, Reset: n})
}

func (h *RecordHandler) respondDispatchError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, scheduler.ErrCycleInProgress):
		RespondError(w, http.StatusConflict, "A reconcile cycle is running, try again shortly")
	case errors.Is(err, qbittorrent.ErrClientNotFound):
		RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, qbittorrent.ErrClientDisabled), errors.Is(err, qbittorrent.ErrMissingCredentials):
		RespondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, reconcile.ErrStoreUnavailable):
		RespondError(w, http.StatusServiceUnavailable, "Record store unavailable")
	default:
		log.Error().Err(err).Msg(message)
		RespondError(w, http.StatusInternalServerError, message)
	}
}
