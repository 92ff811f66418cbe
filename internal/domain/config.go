// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "strings"

type Config struct {
	Version       string
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	BaseURL       string `toml:"baseUrl" mapstructure:"baseUrl"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`
	APIEnabled    bool   `toml:"apiEnabled" mapstructure:"apiEnabled"`

	MetricsEnabled bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost    string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort    int    `toml:"metricsPort" mapstructure:"metricsPort"`

	Scan       ScanConfig        `toml:"scan" mapstructure:"scan"`
	Dispatch   DispatchConfig    `toml:"dispatch" mapstructure:"dispatch"`
	Clients    []ClientConfig    `toml:"clients" mapstructure:"clients"`
	Rules      []RuleConfig      `toml:"rules" mapstructure:"rules"`
	Aliases    []AliasConfig     `toml:"aliases" mapstructure:"aliases"`
	Heuristics []HeuristicConfig `toml:"heuristics" mapstructure:"heuristics"`
}

// ScanConfig describes where debrid exports are read from and how often.
type ScanConfig struct {
	Dirs []string `toml:"dirs" mapstructure:"dirs"`
	// Recursive descends into subdirectories of every scan directory.
	Recursive bool `toml:"recursive" mapstructure:"recursive"`
	// IntervalMinutes of 0 disables automatic scans.
	IntervalMinutes int  `toml:"interval" mapstructure:"interval"`
	Watch           bool `toml:"watch" mapstructure:"watch"`
}

type DispatchConfig struct {
	AutoSend          bool    `toml:"autoSend" mapstructure:"autoSend"`
	Tag               string  `toml:"tag" mapstructure:"tag"`
	DefaultRatioLimit float64 `toml:"defaultRatioLimit" mapstructure:"defaultRatioLimit"`
	DefaultSeedDays   int     `toml:"defaultSeedDays" mapstructure:"defaultSeedDays"`
	// DiskSpaceThreshold is the default free-space floor in bytes for clients that do not set one.
	DiskSpaceThreshold int64 `toml:"diskSpaceThreshold" mapstructure:"diskSpaceThreshold"`
}

// ClientConfig is one qBittorrent endpoint.
type ClientConfig struct {
	Name               string `toml:"name" mapstructure:"name"`
	Host               string `toml:"host" mapstructure:"host"`
	Username           string `toml:"username" mapstructure:"username"`
	Password           string `toml:"password" mapstructure:"password"`
	BasicUsername      string `toml:"basicUsername" mapstructure:"basicUsername"`
	BasicPassword      string `toml:"basicPassword" mapstructure:"basicPassword"`
	TLSSkipVerify      bool   `toml:"tlsSkipVerify" mapstructure:"tlsSkipVerify"`
	DiskSpaceThreshold int64  `toml:"diskSpaceThreshold" mapstructure:"diskSpaceThreshold"`
	Precheck           *bool  `toml:"precheck" mapstructure:"precheck"`
	Affinity           string `toml:"affinity" mapstructure:"affinity"`
	Disabled           bool   `toml:"disabled" mapstructure:"disabled"`
}

// PrecheckEnabled reports whether free space is checked before adding. Defaults to true.
func (c ClientConfig) PrecheckEnabled() bool {
	return c.Precheck == nil || *c.Precheck
}

// Fingerprint changes whenever connection-relevant fields change.
func (c ClientConfig) Fingerprint() string {
	return strings.Join([]string{
		c.Host,
		c.Username,
		c.Password,
		c.BasicUsername,
		c.BasicPassword,
		boolString(c.TLSSkipVerify),
	}, "\x00")
}

type RuleConfig struct {
	Tracker       string   `toml:"tracker" mapstructure:"tracker"`
	Category      string   `toml:"category" mapstructure:"category"`
	RatioLimit    *float64 `toml:"ratioLimit" mapstructure:"ratioLimit"`
	SeedTimeLimit *int64   `toml:"seedTimeLimit" mapstructure:"seedTimeLimit"`
	Priority      int      `toml:"priority" mapstructure:"priority"`
	AutoSend      *bool    `toml:"autoSend" mapstructure:"autoSend"`
	Client        string   `toml:"client" mapstructure:"client"`
}

type AliasConfig struct {
	Tracker string   `toml:"tracker" mapstructure:"tracker"`
	Hosts   []string `toml:"hosts" mapstructure:"hosts"`
}

// HeuristicConfig maps a filename pattern or release group to a tracker when no announce URL is present.
type HeuristicConfig struct {
	Pattern string `toml:"pattern" mapstructure:"pattern"`
	Group   string `toml:"group" mapstructure:"group"`
	Tracker string `toml:"tracker" mapstructure:"tracker"`
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
