// Package config loads offline0.yaml.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"offline0/internal/routing"
)

type Config struct {
	Server struct {
		Port    int    `yaml:"port"`
		Origin  string `yaml:"origin"`
		Timeout string `yaml:"timeout"`

		TimeoutDur time.Duration `yaml:"-"`
	} `yaml:"server"`

	Cache struct {
		Version          int      `yaml:"version"`
		Manifest         []string `yaml:"manifest"`
		OfflinePage      string   `yaml:"offline_page"`
		PlaceholderImage string   `yaml:"placeholder_image"`
	} `yaml:"cache"`

	Lifecycle struct {
		SkipWaiting bool   `yaml:"skip_waiting"`
		GracePeriod string `yaml:"grace_period"`

		GracePeriodDur time.Duration `yaml:"-"`
	} `yaml:"lifecycle"`

	Storage struct {
		Layers []string `yaml:"layers"`
		RAM    struct {
			Max string `yaml:"max"`

			MaxBytes int64 `yaml:"-"`
		} `yaml:"ram"`
		Disk struct {
			Path string `yaml:"path"`
			Max  string `yaml:"max"`

			MaxBytes int64 `yaml:"-"`
		} `yaml:"disk"`
		BigCache struct {
			SizeMB int `yaml:"size_mb"`
		} `yaml:"bigcache"`
		Redis struct {
			URL    string `yaml:"url"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Routing struct {
		Rules []Rule `yaml:"rules"`
	} `yaml:"routing"`

	Refresh struct {
		Workers int    `yaml:"workers"`
		Timeout string `yaml:"timeout"`

		TimeoutDur time.Duration `yaml:"-"`
	} `yaml:"refresh"`

	Retry struct {
		DBPath            string `yaml:"db_path"`
		Workers           int    `yaml:"workers"`
		ProbeURL          string `yaml:"probe_url"`
		ProbeEvery        string `yaml:"probe_every"`
		DrainEvery        string `yaml:"drain_every"`
		QueueFailedWrites bool   `yaml:"queue_failed_writes"`

		ProbeEveryDur time.Duration `yaml:"-"`
		DrainEveryDur time.Duration `yaml:"-"`
	} `yaml:"retry"`

	Precache struct {
		Sitemaps     []string `yaml:"sitemaps"`
		InitialDelay string   `yaml:"initial_delay"`

		InitialDelayDur time.Duration `yaml:"-"`
	} `yaml:"precache"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		StatsEvery string `yaml:"stats_every"`

		StatsEveryDur time.Duration `yaml:"-"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	table  *routing.Table
	origin *url.URL
}

// Rule overrides the path patterns of one resource class.
type Rule struct {
	Class string `yaml:"class"`
	Match string `yaml:"match"`
}

const (
	LayerMemory   = "memory"
	LayerLevelDB  = "leveldb"
	LayerBigCache = "bigcache"
	LayerRedis    = "redis"
	LayerNone     = "none"
)

// Default returns a config with every optional key set. Load unmarshals on
// top of it, so booleans that default to true stay true unless the file says
// otherwise.
func Default() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Server.Timeout = "30s"
	cfg.Cache.Version = 1
	cfg.Cache.OfflinePage = "/offline.html"
	cfg.Cache.PlaceholderImage = "/assets/images/offline-placeholder.svg"
	cfg.Lifecycle.GracePeriod = "0s"
	cfg.Storage.RAM.Max = "64mb"
	cfg.Storage.Disk.Path = "./data/leveldb"
	cfg.Storage.Disk.Max = "1gb"
	cfg.Storage.BigCache.SizeMB = 64
	cfg.Storage.Redis.Prefix = "offline0"
	cfg.Refresh.Workers = 32
	cfg.Refresh.Timeout = "30s"
	cfg.Retry.DBPath = "./data/retry.db"
	cfg.Retry.Workers = 4
	cfg.Retry.QueueFailedWrites = true
	cfg.Precache.InitialDelay = "5s"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Metrics.Enabled = true
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil || !routing.Interceptable(u) || u.Host == "" {
		return fmt.Errorf("server.origin: %q is not an http(s) url", cfg.Server.Origin)
	}
	cfg.origin = u

	if cfg.Cache.Version < 1 {
		return fmt.Errorf("cache.version must be >= 1, got %d", cfg.Cache.Version)
	}
	for _, p := range []*string{&cfg.Cache.OfflinePage, &cfg.Cache.PlaceholderImage} {
		if *p != "" && !strings.HasPrefix(*p, "/") {
			*p = "/" + *p
		}
	}
	if cfg.Cache.Manifest == nil {
		for _, p := range []string{cfg.Cache.OfflinePage, cfg.Cache.PlaceholderImage} {
			if p != "" {
				cfg.Cache.Manifest = append(cfg.Cache.Manifest, p)
			}
		}
	}

	durations := []struct {
		key string
		in  string
		out *time.Duration
	}{
		{"server.timeout", cfg.Server.Timeout, &cfg.Server.TimeoutDur},
		{"lifecycle.grace_period", cfg.Lifecycle.GracePeriod, &cfg.Lifecycle.GracePeriodDur},
		{"refresh.timeout", cfg.Refresh.Timeout, &cfg.Refresh.TimeoutDur},
		{"retry.probe_every", cfg.Retry.ProbeEvery, &cfg.Retry.ProbeEveryDur},
		{"retry.drain_every", cfg.Retry.DrainEvery, &cfg.Retry.DrainEveryDur},
		{"precache.initial_delay", cfg.Precache.InitialDelay, &cfg.Precache.InitialDelayDur},
		{"logging.stats_every", cfg.Logging.StatsEvery, &cfg.Logging.StatsEveryDur},
	}
	for _, d := range durations {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.key)
		}
		*d.out = v
	}
	if cfg.Server.TimeoutDur == 0 {
		cfg.Server.TimeoutDur = 30 * time.Second
	}
	if cfg.Refresh.TimeoutDur == 0 {
		cfg.Refresh.TimeoutDur = 30 * time.Second
	}
	if cfg.Retry.ProbeURL != "" && cfg.Retry.ProbeEveryDur == 0 {
		cfg.Retry.ProbeEveryDur = 10 * time.Second
	}

	if cfg.Storage.RAM.MaxBytes, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.Storage.Disk.MaxBytes, err = parseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}
	if len(cfg.Storage.Layers) == 0 {
		cfg.Storage.Layers = []string{LayerMemory, LayerLevelDB}
	}
	for i, l := range cfg.Storage.Layers {
		l = strings.ToLower(strings.TrimSpace(l))
		switch l {
		case LayerMemory, LayerLevelDB, LayerBigCache, LayerNone:
		case LayerRedis:
			if cfg.Storage.Redis.URL == "" {
				return fmt.Errorf("storage.redis.url is required for the redis layer")
			}
		default:
			return fmt.Errorf("storage.layers[%d]: unknown layer %q", i, l)
		}
		cfg.Storage.Layers[i] = l
	}

	if cfg.Refresh.Workers <= 0 {
		cfg.Refresh.Workers = 32
	}
	if cfg.Retry.Workers <= 0 {
		cfg.Retry.Workers = 4
	}

	switch cfg.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format)
	}

	return cfg.compileRules()
}

func (cfg *Config) compileRules() error {
	rules := routing.DefaultRules()
	seen := map[routing.Class]bool{}
	for i := range cfg.Routing.Rules {
		r := &cfg.Routing.Rules[i]
		c, err := routing.ParseClass(r.Class)
		if err != nil {
			return fmt.Errorf("routing.rules[%d].class: %w", i, err)
		}
		if seen[c] {
			return fmt.Errorf("routing.rules[%d].class: duplicate class %q", i, c)
		}
		seen[c] = true
		ms, err := routing.ParseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("routing.rules[%d].match: %w", i, err)
		}
		rules[c] = ms
	}
	cfg.table = routing.NewTable(rules)
	return nil
}

// RoutingTable is the compiled classifier. Classes without a configured rule
// keep the built-in patterns.
func (cfg Config) RoutingTable() *routing.Table {
	if cfg.table == nil {
		return routing.DefaultTable()
	}
	return cfg.table
}

// OriginURL resolves a manifest or relative URL against the origin, keyed the
// same way the interceptor keys requests. Unparseable references come back
// unchanged.
func (cfg Config) OriginURL(ref string) string {
	origin := cfg.origin
	if origin == nil {
		var err error
		if origin, err = url.Parse(cfg.Server.Origin); err != nil {
			return ref
		}
	}
	u, err := routing.ResolveRef(origin, ref)
	if err != nil {
		return ref
	}
	return u.String()
}
