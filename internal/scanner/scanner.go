// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scanner reads debrid export JSON files and turns them into torrent candidates.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// Candidate is one torrent parsed from an export file.
type Candidate struct {
	InfoHash  string
	Name      string
	SizeBytes int64
	AddedAt   time.Time
	Magnet    string
	// Announce holds tracker URLs in the order they were found: magnet tr= first, then explicit lists.
	Announce    []string
	SourceDir   string
	SourcePath  string
	Fingerprint string
}

// Warning describes an export file that produced no candidate.
type Warning struct {
	Path      string `json:"path"`
	Reason    string `json:"reason"`
	Transient bool   `json:"transient"`
}

func (w *Warning) Error() string {
	return fmt.Sprintf("%s: %s", w.Path, w.Reason)
}

type Result struct {
	Candidates []*Candidate `json:"candidates"`
	Warnings   []Warning    `json:"warnings"`
	Files      int          `json:"files"`
	TotalBytes int64        `json:"totalBytes"`
}

type Config struct {
	Dirs      []string
	Recursive bool
}

type Scanner struct {
	fs  afero.Fs
	mu  sync.RWMutex
	cfg Config
	log zerolog.Logger
}

func New(fsys afero.Fs, cfg Config) *Scanner {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Scanner{
		fs:  fsys,
		cfg: cfg,
		log: log.With().Str("module", "scanner").Logger(),
	}
}

// SetConfig replaces the directories for subsequent scans.
func (s *Scanner) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Scanner) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Config{Dirs: slices.Clone(s.cfg.Dirs), Recursive: s.cfg.Recursive}
}

// Candidates walks every configured directory lazily. Per-file problems are yielded
// as *Warning errors with a nil candidate; a context error is yielded last.
func (s *Scanner) Candidates(ctx context.Context) iter.Seq2[*Candidate, error] {
	cfg := s.Config()
	return func(yield func(*Candidate, error) bool) {
		for _, dir := range cfg.Dirs {
			files, warn := s.listJSON(dir, cfg.Recursive)
			if warn != nil {
				if !yield(nil, warn) {
					return
				}
				continue
			}

			for _, path := range files {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}

				c, warn := s.parseFile(dir, path)
				if warn != nil {
					if !yield(nil, warn) {
						return
					}
					continue
				}
				if !yield(c, nil) {
					return
				}
			}
		}
	}
}

// Scan drains Candidates, merging duplicate infohashes so the last file in walk order wins.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	byHash := make(map[string]*Candidate)
	res := &Result{}
	cfg := s.Config()
	dirs := make(map[string]struct{}, len(cfg.Dirs))
	for _, d := range cfg.Dirs {
		dirs[d] = struct{}{}
	}

	for c, err := range s.Candidates(ctx) {
		if err != nil {
			if w, ok := err.(*Warning); ok {
				res.Warnings = append(res.Warnings, *w)
				if _, isDir := dirs[w.Path]; !isDir {
					res.Files++
				}
				s.log.Warn().Str("path", w.Path).Bool("transient", w.Transient).Msg(w.Reason)
				continue
			}
			return nil, err
		}
		res.Files++
		if prev, dup := byHash[c.InfoHash]; dup {
			s.log.Debug().Str("hash", c.InfoHash).Str("previous", prev.SourcePath).Str("path", c.SourcePath).Msg("Duplicate infohash, keeping later file")
		}
		byHash[c.InfoHash] = c
	}

	res.Candidates = make([]*Candidate, 0, len(byHash))
	for _, c := range byHash {
		res.Candidates = append(res.Candidates, c)
		res.TotalBytes += c.SizeBytes
	}
	sort.Slice(res.Candidates, func(i, j int) bool {
		return res.Candidates[i].InfoHash < res.Candidates[j].InfoHash
	})

	return res, nil
}

// listJSON returns the export files below dir in lexical order.
func (s *Scanner) listJSON(dir string, recursive bool) ([]string, *Warning) {
	info, err := s.fs.Stat(dir)
	if err != nil {
		return nil, &Warning{Path: dir, Reason: fmt.Sprintf("scan directory unavailable: %v", err), Transient: true}
	}
	if !info.IsDir() {
		return nil, &Warning{Path: dir, Reason: "scan path is not a directory"}
	}

	var files []string
	if !recursive {
		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil {
			return nil, &Warning{Path: dir, Reason: fmt.Sprintf("read scan directory: %v", err), Transient: true}
		}
		for _, e := range entries {
			if !e.IsDir() && isJSON(e.Name()) {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
		return files, nil
	}

	err = afero.Walk(s.fs, dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable path")
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() && isJSON(info.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, &Warning{Path: dir, Reason: fmt.Sprintf("walk scan directory: %v", err), Transient: true}
	}
	sort.Strings(files)
	return files, nil
}

func (s *Scanner) parseFile(dir, path string) (*Candidate, *Warning) {
	raw, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, &Warning{Path: path, Reason: fmt.Sprintf("read: %v", err), Transient: !os.IsNotExist(err)}
	}

	c, reason := parseExport(raw)
	if reason != "" {
		return nil, &Warning{Path: path, Reason: reason}
	}

	if c.AddedAt.IsZero() {
		if info, err := s.fs.Stat(path); err == nil {
			c.AddedAt = info.ModTime().UTC()
		}
	}
	c.SourceDir = dir
	c.SourcePath = path
	c.Fingerprint = fmt.Sprintf("%016x", xxhash.Sum64(raw))

	return c, nil
}

func isJSON(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".json")
}
