package offgate

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Cache struct {
		// Version tags every partition name (static-v1, dynamic-v1, data-v1).
		// Bumping it makes activation evict the previous version's partitions.
		Version string `yaml:"version"`
		RAM     struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max  string `yaml:"max"`
			Path string `yaml:"path"`
		} `yaml:"disk"`

		// StaticFiles is the fixed asset manifest pre-cached at install.
		// A failure on any of these aborts installation.
		StaticFiles []string `yaml:"staticFiles"`

		// OfflinePage is served for HTML navigations when both the network
		// and the dynamic partition come up empty. It must be reachable via
		// the static partition, so include it in staticFiles.
		OfflinePage string `yaml:"offlinePage"`

		// CriticalRoutes are API routes prefetched into the data partition
		// at install. Individual failures are logged, never fatal.
		CriticalRoutes []string `yaml:"criticalRoutes"`

		// AssetManifest optionally points at a build manifest published by
		// the origin (e.g. /asset-manifest.json); its entries extend the
		// static warm list. Best-effort.
		AssetManifest string `yaml:"assetManifest"`
	} `yaml:"cache"`

	Routes struct {
		APIPrefix        string   `yaml:"apiPrefix"`
		OrderPath        string   `yaml:"orderPath"`
		StaticExtensions []string `yaml:"staticExtensions"`
		StaticMarkers    []string `yaml:"staticMarkers"`

		// compiled
		staticExts map[string]struct{}
	} `yaml:"routes"`

	Sync struct {
		ProbePath     string   `yaml:"probePath"`
		ProbeEvery    string   `yaml:"probeEvery"`
		RefreshEvery  string   `yaml:"refreshEvery"`
		RefreshRoutes []string `yaml:"refreshRoutes"`

		// MaxAttempts bounds replay retries per queued record; 0 retries
		// forever.
		MaxAttempts int `yaml:"maxAttempts"`

		// compiled
		probeDur   time.Duration
		refreshDur time.Duration
	} `yaml:"sync"`

	Push struct {
		Title string `yaml:"title"`
		Body  string `yaml:"body"`
		Icon  string `yaml:"icon"`
		Badge string `yaml:"badge"`
	} `yaml:"push"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		// compiled
		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

var defaultStaticExtensions = []string{
	".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp",
	".ico", ".woff", ".woff2", ".ttf", ".map",
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// compile applies defaults and derives the parsed forms of string fields.
// Kept separate from LoadConfig so tests can build a Config directly.
func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v1"
	}
	if cfg.Cache.RAM.Max == "" {
		cfg.Cache.RAM.Max = "64mb"
	}
	if cfg.Cache.Disk.Max == "" {
		cfg.Cache.Disk.Max = "512mb"
	}
	if cfg.Cache.Disk.Path == "" {
		cfg.Cache.Disk.Path = "./data/offgate"
	}
	if cfg.Cache.OfflinePage == "" {
		cfg.Cache.OfflinePage = "/offline.html"
	}

	if cfg.Routes.APIPrefix == "" {
		cfg.Routes.APIPrefix = "/api/"
	}
	if cfg.Routes.OrderPath == "" {
		cfg.Routes.OrderPath = "/api/orders"
	}
	if len(cfg.Routes.StaticExtensions) == 0 {
		cfg.Routes.StaticExtensions = defaultStaticExtensions
	}
	if len(cfg.Routes.StaticMarkers) == 0 {
		cfg.Routes.StaticMarkers = []string{"/assets/", "/static/"}
	}
	cfg.Routes.staticExts = make(map[string]struct{}, len(cfg.Routes.StaticExtensions))
	for _, ext := range cfg.Routes.StaticExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.Routes.staticExts[ext] = struct{}{}
	}

	if cfg.Sync.ProbePath == "" {
		cfg.Sync.ProbePath = "/api/health"
	}
	var err error
	if cfg.Sync.probeDur, err = parseOptionalDuration(cfg.Sync.ProbeEvery, 15*time.Second); err != nil {
		return fmt.Errorf("sync.probeEvery: %w", err)
	}
	if cfg.Sync.refreshDur, err = parseOptionalDuration(cfg.Sync.RefreshEvery, 5*time.Minute); err != nil {
		return fmt.Errorf("sync.refreshEvery: %w", err)
	}
	if cfg.Logging.logStatsEveryDur, err = parseOptionalDuration(cfg.Logging.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}

	if cfg.Push.Title == "" {
		cfg.Push.Title = "EatFast"
	}
	if cfg.Push.Body == "" {
		cfg.Push.Body = "You have a new notification"
	}
	return nil
}

// parseOptionalDuration treats "" as the default and "0" / "off" as disabled.
func parseOptionalDuration(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	if s == "0" || strings.EqualFold(s, "off") {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// Partition roles. A partition name is role + "-" + cache version.
const (
	roleStatic  = "static"
	roleDynamic = "dynamic"
	roleData    = "data"
)

// legacyPartition is the old umbrella cache name from before partitions were
// split by role. Never written to; activation deletes it if still present.
const legacyPartition = "eatfast-cache-v1"

func partitionName(role, version string) string {
	return role + "-" + version
}

func (cfg *Config) staticPartition() string  { return partitionName(roleStatic, cfg.Cache.Version) }
func (cfg *Config) dynamicPartition() string { return partitionName(roleDynamic, cfg.Cache.Version) }
func (cfg *Config) dataPartition() string    { return partitionName(roleData, cfg.Cache.Version) }

// currentPartitions is the version set activation keeps; everything else,
// the legacy umbrella included, gets evicted.
func (cfg *Config) currentPartitions() map[string]struct{} {
	return map[string]struct{}{
		cfg.staticPartition():  {},
		cfg.dynamicPartition(): {},
		cfg.dataPartition():    {},
	}
}
