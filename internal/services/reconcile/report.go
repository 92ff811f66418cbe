// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"time"

	"github.com/autobrr/magnetcc/internal/models"
)

// CycleReport summarises one reconciliation cycle.
type CycleReport struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	Files      int   `json:"files"`
	Candidates int   `json:"candidates"`
	Warnings   int   `json:"warnings"`
	TotalBytes int64 `json:"totalBytes"`
	New        int   `json:"new"`

	Unresolved   int `json:"unresolved"`
	NoPolicy     int `json:"noPolicy"`
	Conflicts    int `json:"conflicts"`
	ConfigErrors int `json:"configErrors"`
	Held         int `json:"held"`

	Added       int `json:"added"`
	Adopted     int `json:"adopted"`
	Deferred    int `json:"deferred"`
	Failed      int `json:"failed"`
	Drifted     int `json:"drifted"`
	Transitions int `json:"transitions"`

	Sessions []*SessionReport `json:"sessions"`
}

func (r *CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *CycleReport) aggregate() {
	for _, s := range r.Sessions {
		r.Added += s.Added
		r.Adopted += s.Adopted
		r.Deferred += s.Deferred
		r.Failed += s.Failed
		r.Drifted += s.Drifted
		r.Transitions += s.Transitions
	}
}

// SessionReport is the per-client outcome of a cycle or send.
type SessionReport struct {
	Client    string `json:"client"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
	Load      int    `json:"load"`

	Refreshed   int `json:"refreshed"`
	Transitions int `json:"transitions"`
	Drifted     int `json:"drifted"`
	Added       int `json:"added"`
	Adopted     int `json:"adopted"`
	Deferred    int `json:"deferred"`
	Failed      int `json:"failed"`
}

// SendOutcome is the result for one infohash of a manual send.
type SendOutcome struct {
	InfoHash string               `json:"infohash"`
	Client   string               `json:"client,omitempty"`
	State    models.DispatchState `json:"state"`
	Reason   string               `json:"reason,omitempty"`
}
