// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scanner

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/goccy/go-json"
)

var (
	magnetPattern = regexp.MustCompile(`magnet:\?[^\s"'<>\\]+`)
	btihPattern   = regexp.MustCompile(`(?i)xt=urn:btih:([a-z0-9]{32,40})`)
)

// parseExport extracts a candidate from one export file. A non-empty reason means the file is skipped.
func parseExport(raw []byte) (*Candidate, string) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, "malformed JSON: " + err.Error()
	}

	magnet := extractMagnet(data, raw)
	if magnet == "" {
		return nil, "no magnet link"
	}

	parsed, parseErr := metainfo.ParseMagnetUri(magnet)

	infohash := extractInfoHash(data)
	if infohash == "" && parseErr == nil {
		infohash = parsed.InfoHash.HexString()
	}
	if infohash == "" {
		infohash = infoHashFromMagnet(magnet)
	}
	if infohash == "" {
		return nil, "no infohash"
	}

	c := &Candidate{
		InfoHash:  infohash,
		Magnet:    magnet,
		SizeBytes: extractSize(data),
		AddedAt:   extractTime(data, "added", "created_at", "added_at"),
	}

	c.Name = firstString(data, "name", "filename", "original_filename")
	if c.Name == "" {
		if m, ok := data["magnet"].(map[string]any); ok {
			c.Name = stringValue(m["name"])
		}
	}
	if c.Name == "" && parseErr == nil {
		c.Name = parsed.DisplayName
	}

	if parseErr == nil {
		c.Announce = append(c.Announce, parsed.Trackers...)
	} else {
		c.Announce = append(c.Announce, trackersFromQuery(magnet)...)
	}
	c.Announce = append(c.Announce, stringList(data["trackers"])...)
	c.Announce = append(c.Announce, stringList(data["announce"])...)

	return c, ""
}

func extractMagnet(data map[string]any, raw []byte) string {
	if link := stringValue(data["link"]); strings.HasPrefix(link, "magnet:") {
		return link
	}
	switch m := data["magnet"].(type) {
	case map[string]any:
		if link := stringValue(m["link"]); strings.HasPrefix(link, "magnet:") {
			return link
		}
	case string:
		if strings.HasPrefix(m, "magnet:") {
			return m
		}
	}
	if found := magnetPattern.Find(raw); found != nil {
		return string(found)
	}
	return ""
}

func extractInfoHash(data map[string]any) string {
	for _, key := range []string{"info_hash", "infoHash", "hash"} {
		if h := normalizeInfoHash(stringValue(data[key])); h != "" {
			return h
		}
	}
	return ""
}

func infoHashFromMagnet(magnet string) string {
	m := btihPattern.FindStringSubmatch(magnet)
	if m == nil {
		return ""
	}
	return normalizeInfoHash(m[1])
}

// normalizeInfoHash accepts 40-char hex or 32-char base32 and returns lowercase hex.
func normalizeInfoHash(s string) string {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 40:
		if _, err := hex.DecodeString(s); err == nil {
			return strings.ToLower(s)
		}
	case 32:
		if b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s)); err == nil && len(b) == 20 {
			return hex.EncodeToString(b)
		}
	}
	return ""
}

// extractSize prefers bytes, then the sum of file sizes, then size.
func extractSize(data map[string]any) int64 {
	if b := intValue(data["bytes"]); b > 0 {
		return b
	}

	var sum int64
	switch files := data["files"].(type) {
	case []any:
		for _, f := range files {
			if m, ok := f.(map[string]any); ok {
				if sz := intValue(m["size"]); sz > 0 {
					sum += sz
				}
			}
		}
	case map[string]any:
		for _, f := range files {
			if m, ok := f.(map[string]any); ok {
				if sz := intValue(m["size"]); sz > 0 {
					sum += sz
				}
			}
		}
	}
	if sum > 0 {
		return sum
	}

	if b := intValue(data["size"]); b > 0 {
		return b
	}
	return 0
}

func extractTime(data map[string]any, keys ...string) time.Time {
	for _, key := range keys {
		switch v := data[key].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t.UTC()
			}
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				return time.Unix(n, 0).UTC()
			}
		case json.Number:
			if n, err := v.Int64(); err == nil && n > 0 {
				return time.Unix(n, 0).UTC()
			}
		}
	}
	return time.Time{}
}

func trackersFromQuery(magnet string) []string {
	u, err := url.Parse(magnet)
	if err != nil {
		return nil
	}
	return u.Query()["tr"]
}

func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringValue(data[key]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func stringList(v any) []string {
	switch list := v.(type) {
	case string:
		if s := strings.TrimSpace(list); s != "" {
			return []string{s}
		}
	case []any:
		var out []string
		for _, item := range list {
			if s := stringValue(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func intValue(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i
		}
	case float64:
		return int64(n)
	}
	return 0
}
