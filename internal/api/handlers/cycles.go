// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/magnetcc/internal/services/reconcile"
	"github.com/autobrr/magnetcc/internal/services/scheduler"
)

// Cycles is the scheduler surface used by the HTTP layer.
type Cycles interface {
	Trigger(ctx context.Context, reason string) (scheduler.TriggerResult, error)
	Exclusive(ctx context.Context, reason string, fn func(ctx context.Context) error) error
	Status() scheduler.Status
}

type CycleHandler struct {
	cycles Cycles
}

func NewCycleHandler(cycles Cycles) *CycleHandler {
	return &CycleHandler{cycles: cycles}
}

// Trigger runs a cycle synchronously and returns its report. Once the cycle
// holds the lease it runs to completion even if the caller goes away.
func (h *CycleHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	res, err := h.cycles.Trigger(context.WithoutCancel(r.Context()), "api")
	switch {
	case errors.Is(err, scheduler.ErrCycleInProgress):
		RespondError(w, http.StatusConflict, "A reconcile cycle is already running")
		return
	case errors.Is(err, reconcile.ErrStoreUnavailable):
		RespondError(w, http.StatusServiceUnavailable, "Record store unavailable")
		return
	case err != nil:
		log.Error().Err(err).Str("lease", res.LeaseID.String()).Msg("API triggered cycle failed")
		RespondJSON(w, http.StatusInternalServerError, struct {
			ErrorResponse
			scheduler.TriggerResult
		}{ErrorResponse{Error: err.Error()}, res})
		return
	}

	RespondJSON(w, http.StatusOK, res)
}

func (h *CycleHandler) Status(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.cycles.Status())
}
