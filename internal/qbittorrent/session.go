// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	qbt "github.com/autobrr/go-qbittorrent"
)

// Torrent is the slice of client state the reconciler cares about.
type Torrent struct {
	Hash             string  `json:"hash"`
	Name             string  `json:"name"`
	State            string  `json:"state"`
	Category         string  `json:"category"`
	Tags             string  `json:"tags"`
	Size             int64   `json:"size"`
	RatioLimit       float64 `json:"ratioLimit"`
	SeedingTimeLimit int64   `json:"seedingTimeLimit"`
}

// activeStates are the upload states that count as seeding. Paused and
// stopped uploads, downloads and errors do not.
var activeStates = map[qbt.TorrentState]struct{}{
	qbt.TorrentStateUploading:  {},
	qbt.TorrentStateStalledUp:  {},
	qbt.TorrentStateQueuedUp:   {},
	qbt.TorrentStateForcedUp:   {},
	qbt.TorrentStateCheckingUp: {},
}

// Active reports whether the torrent is currently seeding.
func (t Torrent) Active() bool {
	_, ok := activeStates[qbt.TorrentState(t.State)]
	return ok
}

// AddOptions are the parameters sent with a magnet add.
type AddOptions struct {
	// Hash identifies the torrent when share limits must be applied after the add.
	Hash             string
	Category         string
	Tags             []string
	RatioLimit       float64
	SeedingTimeLimit int64
	AutoTMM          bool
}

// noInactiveSeedingLimit disables the inactive seeding limit on every torrent we add.
const noInactiveSeedingLimit int64 = -1

func (o AddOptions) form(shareLimits bool) map[string]string {
	form := map[string]string{}
	if o.Category != "" {
		form["category"] = o.Category
	}
	if len(o.Tags) > 0 {
		form["tags"] = joinTags(o.Tags)
	}
	if o.AutoTMM {
		form["autoTMM"] = "true"
	}
	if shareLimits {
		form["ratioLimit"] = formatFloat(o.RatioLimit)
		form["seedingTimeLimit"] = formatInt(o.SeedingTimeLimit)
		form["inactiveSeedingTimeLimit"] = formatInt(noInactiveSeedingLimit)
	}
	return form
}

func fromQbt(t qbt.Torrent) Torrent {
	return Torrent{
		Hash:             normalizeHash(t.Hash),
		Name:             t.Name,
		State:            string(t.State),
		Category:         t.Category,
		Tags:             t.Tags,
		Size:             t.Size,
		RatioLimit:       t.RatioLimit,
		SeedingTimeLimit: t.SeedingTimeLimit,
	}
}
