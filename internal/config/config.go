// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/magnetcc/internal/domain"
)

var envPrefix = "MAGNETCC__"

const (
	databaseFileName = "magnetcc.db"
	lockFileName     = "magnetcc.lock"

	DefaultTag             = "DecypharrSeed"
	DefaultRatioLimit      = 2.0
	DefaultSeedDays        = 14
	DefaultScanDir         = "/data/alldebrid"
	DefaultIntervalMinutes = 10
)

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	c.loadFromEnv()

	if err := c.unmarshal(); err != nil {
		return nil, err
	}

	c.resolveDataDir()

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	host := "localhost"
	if detectContainer() {
		host = "0.0.0.0"
	}

	c.viper.SetDefault("host", host)
	c.viper.SetDefault("port", 8069)
	c.viper.SetDefault("baseUrl", "/")
	c.viper.SetDefault("apiEnabled", true)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "")
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9075)

	c.viper.SetDefault("scan.dirs", []string{DefaultScanDir})
	c.viper.SetDefault("scan.recursive", false)
	c.viper.SetDefault("scan.interval", DefaultIntervalMinutes)
	c.viper.SetDefault("scan.watch", false)

	c.viper.SetDefault("dispatch.autoSend", false)
	c.viper.SetDefault("dispatch.tag", DefaultTag)
	c.viper.SetDefault("dispatch.defaultRatioLimit", DefaultRatioLimit)
	c.viper.SetDefault("dispatch.defaultSeedDays", DefaultSeedDays)
	c.viper.SetDefault("dispatch.diskSpaceThreshold", 0)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		return nil
	}

	c.viper.SetConfigName("config")
	c.viper.AddConfigPath(".")
	c.viper.AddConfigPath(GetDefaultConfigDir())

	if err := c.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
			if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
				return err
			}
			c.viper.SetConfigFile(defaultConfigPath)
			if err := c.viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read newly created config: %w", err)
			}
			c.dataDir = filepath.Dir(defaultConfigPath)
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	return nil
}

func (c *AppConfig) loadFromEnv() {
	// Explicit binds only; AutomaticEnv would pick up unrelated variables.
	c.viper.BindEnv("host", envPrefix+"HOST")
	c.viper.BindEnv("port", envPrefix+"PORT")
	c.viper.BindEnv("baseUrl", envPrefix+"BASE_URL")
	c.viper.BindEnv("apiEnabled", envPrefix+"API_ENABLED")
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("dataDir", envPrefix+"DATA_DIR")
	c.viper.BindEnv("metricsEnabled", envPrefix+"METRICS_ENABLED")
	c.viper.BindEnv("metricsHost", envPrefix+"METRICS_HOST")
	c.viper.BindEnv("metricsPort", envPrefix+"METRICS_PORT")

	c.viper.BindEnv("scan.recursive", envPrefix+"SCAN_RECURSIVE")
	c.viper.BindEnv("scan.interval", envPrefix+"SCAN_INTERVAL")
	c.viper.BindEnv("scan.watch", envPrefix+"SCAN_WATCH")

	c.viper.BindEnv("dispatch.autoSend", envPrefix+"AUTO_SEND")
	c.viper.BindEnv("dispatch.tag", envPrefix+"TAG")
	c.viper.BindEnv("dispatch.diskSpaceThreshold", envPrefix+"DISK_SPACE_THRESHOLD")

	// Colon separated, like PATH.
	if dirs := os.Getenv(envPrefix + "SCAN_DIRS"); dirs != "" {
		c.viper.Set("scan.dirs", splitDirs(dirs))
	}
}

func (c *AppConfig) unmarshal() error {
	if err := c.viper.Unmarshal(c.Config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Config.Version = c.version
	normalize(c.Config)
	return nil
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		next := &domain.Config{}
		if err := c.viper.Unmarshal(next); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}
		next.Version = c.version
		normalize(next)
		*c.Config = *next

		c.applyDynamicChanges()
	})
}

func (c *AppConfig) applyDynamicChanges() {
	c.ApplyLogConfig()
	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

// normalize trims operator input and fills dispatch defaults the template leaves commented out.
func normalize(cfg *domain.Config) {
	dirs := cfg.Scan.Dirs[:0]
	for _, d := range cfg.Scan.Dirs {
		if d = strings.TrimSpace(d); d != "" {
			dirs = append(dirs, d)
		}
	}
	cfg.Scan.Dirs = dirs
	if cfg.Scan.IntervalMinutes < 0 {
		cfg.Scan.IntervalMinutes = 0
	}

	if strings.TrimSpace(cfg.Dispatch.Tag) == "" {
		cfg.Dispatch.Tag = DefaultTag
	}
	if cfg.Dispatch.DefaultRatioLimit <= 0 {
		cfg.Dispatch.DefaultRatioLimit = DefaultRatioLimit
	}
	if cfg.Dispatch.DefaultSeedDays <= 0 {
		cfg.Dispatch.DefaultSeedDays = DefaultSeedDays
	}

	for i := range cfg.Clients {
		cfg.Clients[i].Name = strings.TrimSpace(cfg.Clients[i].Name)
		if host, err := domain.NormalizeClientHost(cfg.Clients[i].Host); err == nil {
			cfg.Clients[i].Host = host
		}
		if cfg.Clients[i].DiskSpaceThreshold <= 0 {
			cfg.Clients[i].DiskSpaceThreshold = cfg.Dispatch.DiskSpaceThreshold
		}
	}
	for i := range cfg.Rules {
		cfg.Rules[i].Tracker = strings.ToLower(strings.TrimSpace(cfg.Rules[i].Tracker))
		cfg.Rules[i].Category = strings.TrimSpace(cfg.Rules[i].Category)
	}
}

// Validate reports configuration problems that make a client session unusable.
// The returned map is keyed by client name; an empty map means every client is usable.
func Validate(cfg *domain.Config) map[string]error {
	problems := make(map[string]error)
	seen := make(map[string]struct{}, len(cfg.Clients))
	for i, cl := range cfg.Clients {
		name := cl.Name
		if name == "" {
			name = fmt.Sprintf("clients[%d]", i)
			problems[name] = fmt.Errorf("client name is required")
			continue
		}
		if _, dup := seen[name]; dup {
			problems[name] = fmt.Errorf("duplicate client name %q", name)
			continue
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(cl.Host) == "" {
			problems[name] = fmt.Errorf("client %q has no host", name)
		} else if _, err := domain.NormalizeClientHost(cl.Host); err != nil {
			problems[name] = fmt.Errorf("client %q: %w", name, err)
		}
	}
	return problems
}

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	configTemplate := `# config.toml - Auto-generated on first run

# Hostname / IP for the trigger/status API
# Default: "localhost" (or "0.0.0.0" in containers)
host = "{{ .host }}"

# Port
# Default: 8069
port = {{ .port }}

# Serve the trigger/status API
# Default: true
#apiEnabled = true

# Log file path
# If not defined, logs to stdout
#logPath = "log/magnetcc.log"

# Maximum log file size in megabytes before rotation
# Default: {{ .logMaxSize }}
#logMaxSize = {{ .logMaxSize }}

# Number of rotated log files to retain (0 keeps all)
# Default: {{ .logMaxBackups }}
#logMaxBackups = {{ .logMaxBackups }}

# Data directory (default: next to config file)
# Database file (magnetcc.db) will be created inside this directory
#dataDir = "/var/db/magnetcc"

# Log level
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Prometheus metrics on a separate port
#metricsEnabled = false
#metricsHost = "127.0.0.1"
#metricsPort = 9075

[scan]
# Debrid export directories. MAGNETCC__SCAN_DIRS accepts a colon separated list.
dirs = [{{ range $i, $d := .scanDirs }}{{ if $i }}, {{ end }}"{{ $d }}"{{ end }}]
# Descend into subdirectories
#recursive = false
# Automatic scan interval in minutes (0 disables)
interval = {{ .scanInterval }}
# Trigger a scan when files appear in a scan directory
#watch = false

[dispatch]
# Send new releases to a client without operator action
#autoSend = false
# Tag applied to every torrent this tool adds
#tag = "{{ .tag }}"
#defaultRatioLimit = {{ .ratio }}
#defaultSeedDays = {{ .seedDays }}
# Free-space floor in bytes applied to clients without their own threshold
#diskSpaceThreshold = 0

# qBittorrent instances
#[[clients]]
#name = "seedbox"
#host = "http://localhost:8080"
#username = "admin"
#password = "adminadmin"
#diskSpaceThreshold = 53687091200
#precheck = true
# Optional expression deciding which releases this client accepts
#affinity = 'tracker in ["tracker.example.org"] || size < 10 * 1024 * 1024 * 1024'

# Tracker rules. tracker = "*" is the default rule.
#[[rules]]
#tracker = "tracker.example.org"
#category = "movies"
#ratioLimit = 2.0
#seedTimeLimit = 20160
#priority = 5

# Hosts that belong to the same tracker
#[[aliases]]
#tracker = "example.org"
#hosts = ["tracker.example.org", "announce.example.org"]

# Filename fallbacks for exports without announce URLs
#[[heuristics]]
#pattern = "(?i)-EXAMPLE$"
#tracker = "example.org"
`

	data := map[string]any{
		"host":          c.viper.GetString("host"),
		"port":          c.viper.GetInt("port"),
		"logLevel":      c.viper.GetString("logLevel"),
		"logMaxSize":    c.viper.GetInt("logMaxSize"),
		"logMaxBackups": c.viper.GetInt("logMaxBackups"),
		"scanDirs":      c.viper.GetStringSlice("scan.dirs"),
		"scanInterval":  c.viper.GetInt("scan.interval"),
		"tag":           c.viper.GetString("dispatch.tag"),
		"ratio":         c.viper.GetFloat64("dispatch.defaultRatioLimit"),
		"seedDays":      c.viper.GetInt("dispatch.defaultSeedDays"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		// Docker images set XDG_CONFIG_HOME=/config
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "magnetcc")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "magnetcc")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "magnetcc")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "magnetcc")
	}
}

func detectContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/dev/.lxc-boot-id"); err == nil {
		return true
	}
	return os.Getpid() == 1
}

func splitDirs(value string) []string {
	var dirs []string
	for _, d := range strings.Split(value, ":") {
		if d = strings.TrimSpace(d); d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := c.baseLogWriter()

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// InitDefaultLogger configures zerolog before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(baseLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.dataDir != "":
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	default:
		c.dataDir = "."
	}
}

// GetDatabasePath returns the path to the record store
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, databaseFileName)
}

// GetLockPath returns the path of the single-process lock file.
func (c *AppConfig) GetLockPath() string {
	return filepath.Join(c.dataDir, lockFileName)
}

func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

// GetConfigDir returns the directory containing the config file
func (c *AppConfig) GetConfigDir() string {
	if c.viper.ConfigFileUsed() != "" {
		return filepath.Dir(c.viper.ConfigFileUsed())
	}
	return GetDefaultConfigDir()
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}
