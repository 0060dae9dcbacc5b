// Package config loads the dispatch monitor configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/dispatch-monitor/model"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Feed backends.
const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
	BackendNATS   = "nats"
	BackendReplay = "replay"
)

type Config struct {
	HTTPAddr    string            `yaml:"http_addr"`
	MetricsAddr string            `yaml:"metrics_addr,omitempty"`
	Feed        FeedConfig        `yaml:"feed"`
	Collections CollectionsConfig `yaml:"collections"`
	Cancel      CancelConfig      `yaml:"cancel"`
	Audit       AuditConfig       `yaml:"audit"`
	Log         LogConfig         `yaml:"log"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Map         MapConfig         `yaml:"map"`
}

type FeedConfig struct {
	Backend string       `yaml:"backend"`
	Mongo   MongoConfig  `yaml:"mongo"`
	NATS    NATSConfig   `yaml:"nats"`
	Replay  ReplayConfig `yaml:"replay"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ReplayConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

type CollectionsConfig struct {
	Riders    CollectionConfig `yaml:"riders"`
	Customers CollectionConfig `yaml:"customers"`
	Orders    CollectionConfig `yaml:"orders"`
}

// CollectionConfig tunes one live collection. Include is an optional CEL
// expression over `doc`; empty keeps the built-in predicate.
type CollectionConfig struct {
	Name       string `yaml:"name"`
	Include    string `yaml:"include,omitempty"`
	FullRedraw bool   `yaml:"full_redraw"`
	SoundURL   string `yaml:"sound_url,omitempty"`
}

type CancelConfig struct {
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	DeleteTimeout  time.Duration `yaml:"delete_timeout"`
}

type AuditConfig struct {
	// Path of the SQLite audit database; empty keeps it in memory.
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig selects the OpenTelemetry exporter. Spans are only recorded
// when Enabled is set.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // stdout or otlp
	Endpoint    string  `yaml:"endpoint,omitempty"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type MapConfig struct {
	CenterLat float64 `yaml:"center_lat" json:"centerLat"`
	CenterLng float64 `yaml:"center_lng" json:"centerLng"`
	Zoom      int     `yaml:"zoom" json:"zoom"`
	TileURL   string  `yaml:"tile_url" json:"tileUrl"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		Feed: FeedConfig{
			Backend: BackendMemory,
			Mongo:   MongoConfig{Database: "dispatch"},
			NATS:    NATSConfig{URL: "nats://127.0.0.1:4222", Stream: "DISPATCH", SubjectPrefix: "dispatch"},
			Replay:  ReplayConfig{Interval: time.Second},
		},
		Collections: CollectionsConfig{
			Riders:    CollectionConfig{Name: model.CollectionRiders},
			Customers: CollectionConfig{Name: model.CollectionCustomers},
			Orders:    CollectionConfig{Name: model.CollectionOrders},
		},
		Cancel: CancelConfig{ConfirmTimeout: 2 * time.Minute, DeleteTimeout: 10 * time.Second},
		Log:    LogConfig{Level: "info", Format: "text"},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: "dispatch-monitor",
			SampleRatio: 1,
		},
		Map: MapConfig{
			CenterLat: 16.8661,
			CenterLng: 96.1951,
			Zoom:      12,
			TileURL:   "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png",
		},
	}
}

// Load reads path (optional), applies environment overrides, normalizes and
// validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays DISPATCH_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("DISPATCH_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := getenv("DISPATCH_FEED"); v != "" {
		c.Feed.Backend = v
	}
	if v := getenv("DISPATCH_MONGO_URI"); v != "" {
		c.Feed.Mongo.URI = v
	}
	if v := getenv("DISPATCH_NATS_URL"); v != "" {
		c.Feed.NATS.URL = v
	}
	if v := getenv("DISPATCH_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := getenv("DISPATCH_TRACING_EXPORTER"); v != "" {
		c.Tracing.Exporter = v
	}
	if v := getenv("DISPATCH_TRACING_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
	}
	if v := getenv("DISPATCH_TRACING_SERVICE_NAME"); v != "" {
		c.Tracing.ServiceName = v
	}
	if v := getenv("DISPATCH_TRACING_SAMPLE_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil {
			c.Tracing.SampleRatio = ratio
		}
	}
}

// Normalize trims and lower-cases enumerated values and fills blanks left by
// a partial YAML file.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	def := Default()
	c.Feed.Backend = strings.ToLower(strings.TrimSpace(c.Feed.Backend))
	if c.Feed.Backend == "" {
		c.Feed.Backend = def.Feed.Backend
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}

	for _, cc := range []struct {
		cfg *CollectionConfig
		def string
	}{
		{&c.Collections.Riders, model.CollectionRiders},
		{&c.Collections.Customers, model.CollectionCustomers},
		{&c.Collections.Orders, model.CollectionOrders},
	} {
		cc.cfg.Name = strings.TrimSpace(cc.cfg.Name)
		if cc.cfg.Name == "" {
			cc.cfg.Name = cc.def
		}
		cc.cfg.Include = strings.TrimSpace(cc.cfg.Include)
	}
	if strings.TrimSpace(c.Map.TileURL) == "" {
		c.Map.TileURL = def.Map.TileURL
	}
	c.Tracing.Exporter = strings.ToLower(strings.TrimSpace(c.Tracing.Exporter))
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = def.Tracing.Exporter
	}
	if strings.TrimSpace(c.Tracing.ServiceName) == "" {
		c.Tracing.ServiceName = def.Tracing.ServiceName
	}
}

// Validate reports every problem at once, wrapped in ErrInvalid.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(c.HTTPAddr) == "" {
		add("http_addr is required")
	}
	switch c.Feed.Backend {
	case BackendMemory:
	case BackendMongo:
		if c.Feed.Mongo.URI == "" {
			add("feed.mongo.uri is required for the mongo backend")
		}
		if c.Feed.Mongo.Database == "" {
			add("feed.mongo.database is required for the mongo backend")
		}
	case BackendNATS:
		if c.Feed.NATS.URL == "" {
			add("feed.nats.url is required for the nats backend")
		}
		if c.Feed.NATS.Stream == "" {
			add("feed.nats.stream is required for the nats backend")
		}
		if c.Feed.NATS.SubjectPrefix == "" || strings.ContainsAny(c.Feed.NATS.SubjectPrefix, "*> ") {
			add("feed.nats.subject_prefix must be a literal subject token")
		}
	case BackendReplay:
		if c.Feed.Replay.Path == "" {
			add("feed.replay.path is required for the replay backend")
		}
		if c.Feed.Replay.Interval < 0 {
			add("feed.replay.interval must not be negative")
		}
	default:
		add("feed.backend %q is not one of memory, mongo, nats, replay", c.Feed.Backend)
	}

	names := map[string]string{}
	for field, cc := range map[string]CollectionConfig{
		"riders":    c.Collections.Riders,
		"customers": c.Collections.Customers,
		"orders":    c.Collections.Orders,
	} {
		if other, dup := names[cc.Name]; dup {
			add("collections.%s and collections.%s share the name %q", other, field, cc.Name)
		}
		names[cc.Name] = field
	}

	if c.Cancel.ConfirmTimeout < 0 || c.Cancel.DeleteTimeout < 0 {
		add("cancel timeouts must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		add("log.format %q is not one of json, text", c.Log.Format)
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout", "otlp":
		default:
			add("tracing.exporter %q is not one of stdout, otlp", c.Tracing.Exporter)
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		add("tracing.sample_ratio %v is out of range 0-1", c.Tracing.SampleRatio)
	}
	if c.Map.CenterLat < -90 || c.Map.CenterLat > 90 || c.Map.CenterLng < -180 || c.Map.CenterLng > 180 {
		add("map center %.4f,%.4f is out of range", c.Map.CenterLat, c.Map.CenterLng)
	}
	if c.Map.Zoom < 0 || c.Map.Zoom > 22 {
		add("map.zoom %d is out of range 0-22", c.Map.Zoom)
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}
