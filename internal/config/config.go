package config

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RoutesConfig drives request classification.
type RoutesConfig struct {
	StaticExtensions []string `yaml:"static_extensions"`
	StaticPrefixes   []string `yaml:"static_prefixes"`
	APIPrefixes      []string `yaml:"api_prefixes"`
	// DeferredPrefixes name write routes whose offline failures are queued
	// for replay even without an X-Sync-Tag header. The prefix doubles as the tag.
	DeferredPrefixes []string `yaml:"deferred_prefixes"`
}

type SchedulesConfig struct {
	UpdateCheck string `yaml:"update_check"`
	Sync        string `yaml:"sync"`
	Probe       string `yaml:"probe"`
}

type NotificationsConfig struct {
	DefaultTitle string `yaml:"default_title"`
	DefaultIcon  string `yaml:"default_icon"`
	ViewRoute    string `yaml:"view_route"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	ChatID     int64   `yaml:"chat_id"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// RateLimitConfig bounds control-path traffic (push, sync triggers) per
// caller. Intercepted application traffic is never rate limited.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelemetryConfig mirrors otel.Config so config stays free of otel imports.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// Origin is the single upstream the agent forwards intercepted traffic to.
	Origin string `yaml:"origin"`

	// Version identifies the agent build whose manifest is installed. A
	// change here is an update.
	Version      string   `yaml:"version"`
	ReleaseNotes string   `yaml:"release_notes"`
	Manifest     []string `yaml:"manifest"`
	StorePrefix  string   `yaml:"store_prefix"`

	Routes RoutesConfig `yaml:"routes"`

	NetworkTimeoutSeconds int `yaml:"network_timeout_seconds"`
	DrainTimeoutSeconds   int `yaml:"drain_timeout_seconds"`

	// AllowOrigins controls which Origin headers are accepted on the message
	// channel. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`
	// AuthToken, when set, is required as a Bearer credential on control paths.
	AuthToken string `yaml:"auth_token"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	RetentionNotificationsDays int `yaml:"retention_notifications_days"`

	Schedules     SchedulesConfig     `yaml:"schedules"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Channels      ChannelsConfig      `yaml:"channels"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// NetworkTimeout is the per-fetch deadline applied by the strategy executors.
func (c Config) NetworkTimeout() time.Duration {
	return time.Duration(c.NetworkTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the sqlite database path within the given home directory.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "offlined.db")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetVersion bumps the deployed version (and optionally the release notes)
// in config.yaml, preserving other settings. A running agent picks the
// change up through its watcher.
func SetVersion(homeDir, version, notes string) error {
	if strings.TrimSpace(version) == "" {
		return fmt.Errorf("version must not be empty")
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["version"] = version
	if notes != "" {
		raw["release_notes"] = notes
	}
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the settings that affect request
// handling.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "origin=%s|version=%s|prefix=%s|manifest=%v|static=%v,%v|api=%v|timeout=%d",
		c.Origin, c.Version, c.StorePrefix, c.Manifest,
		c.Routes.StaticExtensions, c.Routes.StaticPrefixes, c.Routes.APIPrefixes, c.NetworkTimeoutSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultManifest() []string {
	return []string{
		"/",
		"/index.html",
		"/manifest.json",
		"/icons/icon-192x192.png",
		"/icons/icon-512x512.png",
		"/static/css/main.css",
		"/static/js/main.js",
	}
}

func defaultRoutes() RoutesConfig {
	return RoutesConfig{
		StaticExtensions: []string{".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico", ".woff", ".woff2", ".ttf", ".json"},
		StaticPrefixes:   []string{"/static/", "/assets/", "/icons/"},
		APIPrefixes:      []string{"/api/dashboard", "/api/courses", "/api/assignments", "/api/metrics"},
	}
}

func defaultConfig() Config {
	return Config{
		BindAddr:                   "127.0.0.1:8790",
		LogLevel:                   "info",
		Origin:                     "http://127.0.0.1:3000",
		Version:                    "v1",
		Manifest:                   defaultManifest(),
		StorePrefix:                "app",
		Routes:                     defaultRoutes(),
		NetworkTimeoutSeconds:      5,
		DrainTimeoutSeconds:        5,
		RetentionNotificationsDays: 30,
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
		Schedules: SchedulesConfig{
			UpdateCheck: "@every 30m",
			Sync:        "@every 5m",
			Probe:       "@every 30s",
		},
		Notifications: NotificationsConfig{
			DefaultTitle: "New notification",
			DefaultIcon:  "/icons/icon-192x192.png",
			ViewRoute:    "/dashboard",
		},
		Telemetry: TelemetryConfig{
			Exporter: "none",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("OFFLINED_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".offlined")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir, applies env overrides and
// defaults, and validates the result.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create offlined home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes the default config.yaml into homeDir if none exists.
func WriteDefault(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create offlined home: %w", err)
	}
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.Origin = strings.TrimRight(strings.TrimSpace(cfg.Origin), "/")
	cfg.Version = strings.TrimSpace(cfg.Version)
	if cfg.StorePrefix == "" {
		cfg.StorePrefix = def.StorePrefix
	}
	if cfg.NetworkTimeoutSeconds <= 0 {
		cfg.NetworkTimeoutSeconds = def.NetworkTimeoutSeconds
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = def.RateLimit.RequestsPerMinute
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = def.RateLimit.BurstSize
	}
	if cfg.Schedules.UpdateCheck == "" {
		cfg.Schedules.UpdateCheck = def.Schedules.UpdateCheck
	}
	if cfg.Schedules.Sync == "" {
		cfg.Schedules.Sync = def.Schedules.Sync
	}
	if cfg.Schedules.Probe == "" {
		cfg.Schedules.Probe = def.Schedules.Probe
	}
	if cfg.Notifications.DefaultTitle == "" {
		cfg.Notifications.DefaultTitle = def.Notifications.DefaultTitle
	}
	if cfg.Notifications.DefaultIcon == "" {
		cfg.Notifications.DefaultIcon = def.Notifications.DefaultIcon
	}
	if cfg.Notifications.ViewRoute == "" {
		cfg.Notifications.ViewRoute = def.Notifications.ViewRoute
	}
	for i, ext := range cfg.Routes.StaticExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.Routes.StaticExtensions[i] = ext
	}
	if cfg.Channels.Telegram.Token != "" && cfg.Channels.Telegram.ChatID != 0 {
		cfg.Channels.Telegram.Enabled = true
	}
}

func validate(cfg Config) error {
	u, err := url.Parse(cfg.Origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("origin %q must be an absolute http(s) URL", cfg.Origin)
	}
	if cfg.Version == "" {
		return fmt.Errorf("version must not be empty")
	}
	if strings.ContainsAny(cfg.StorePrefix, " /") {
		return fmt.Errorf("store_prefix %q must not contain spaces or slashes", cfg.StorePrefix)
	}
	for _, p := range cfg.Manifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("manifest entry %q must be an absolute path", p)
		}
	}
	for _, p := range append(append([]string{}, cfg.Routes.APIPrefixes...), cfg.Routes.DeferredPrefixes...) {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("route prefix %q must start with /", p)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("OFFLINED_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("OFFLINED_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("OFFLINED_ORIGIN"); raw != "" {
		cfg.Origin = raw
	}
	if raw := os.Getenv("OFFLINED_VERSION"); raw != "" {
		cfg.Version = raw
	}
	if raw := os.Getenv("OFFLINED_NETWORK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.NetworkTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("OFFLINED_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("OFFLINED_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("OFFLINED_TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("OFFLINED_TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Channels.Telegram.ChatID = v
		}
	}
	if raw := os.Getenv("OFFLINED_OTEL_EXPORTER"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Exporter = raw
	}
}
