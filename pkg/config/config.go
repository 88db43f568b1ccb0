// Package config loads geovector settings from defaults, an optional YAML
// file and GEOVECTOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// GEOVECTOR_SOURCE_DSN for source.dsn.
const EnvPrefix = "GEOVECTOR"

type Config struct {
	Source     SourceConfig     `mapstructure:"source"`
	Qdrant     QdrantConfig     `mapstructure:"qdrant"`
	Collection CollectionConfig `mapstructure:"collection"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Query      QueryConfig      `mapstructure:"query"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Log        LogConfig        `mapstructure:"log"`
}

type SourceConfig struct {
	Driver       string        `mapstructure:"driver"`
	DSN          string        `mapstructure:"dsn"`
	Table        string        `mapstructure:"table"`
	Projection   string        `mapstructure:"projection"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
}

type QdrantConfig struct {
	Addr     string         `mapstructure:"addr"`
	Timeouts QdrantTimeouts `mapstructure:"timeouts"`
}

type QdrantTimeouts struct {
	List   time.Duration `mapstructure:"list"`
	Create time.Duration `mapstructure:"create"`
	Upsert time.Duration `mapstructure:"upsert"`
	Search time.Duration `mapstructure:"search"`
}

type CollectionConfig struct {
	Name      string `mapstructure:"name"`
	Metric    string `mapstructure:"metric"`
	Dimension uint64 `mapstructure:"dimension"`
	// GeoIndex creates a geo payload index on the coordinate field when the
	// collection is first provisioned.
	GeoIndex bool `mapstructure:"geo_index"`
}

type IngestConfig struct {
	Limit      int    `mapstructure:"limit"`
	ForceLoad  bool   `mapstructure:"force_load"`
	ChunkSize  int    `mapstructure:"chunk_size"`
	Workers    int    `mapstructure:"workers"`
	Wait       bool   `mapstructure:"wait"`
	IDStrategy string `mapstructure:"id_strategy"`
	// RateLimit caps upsert calls per second. Zero means unthrottled.
	RateLimit float64 `mapstructure:"rate_limit"`
	// RemoteTimeout bounds how long `ingest --remote` waits for the worker's
	// reply. It has to cover a full load.
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
}

type Point struct {
	Lat float64 `mapstructure:"lat"`
	Lon float64 `mapstructure:"lon"`
}

type QueryConfig struct {
	Center Point `mapstructure:"center"`
	// Radius is in meters.
	Radius   float64       `mapstructure:"radius"`
	TopK     int           `mapstructure:"top_k"`
	Exact    bool          `mapstructure:"exact"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	StaticDir       string        `mapstructure:"static_dir"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.driver", "postgres")
	v.SetDefault("source.dsn", "postgres://postgres@localhost:5432/telemetry?sslmode=disable")
	v.SetDefault("source.table", "locations")
	v.SetDefault("source.projection", "extended")
	v.SetDefault("source.query_timeout", 30*time.Second)
	v.SetDefault("source.max_open_conns", 4)

	v.SetDefault("qdrant.addr", "localhost:6334")
	v.SetDefault("qdrant.timeouts.list", 5*time.Second)
	v.SetDefault("qdrant.timeouts.create", 10*time.Second)
	v.SetDefault("qdrant.timeouts.upsert", 30*time.Second)
	v.SetDefault("qdrant.timeouts.search", 5*time.Second)

	v.SetDefault("collection.name", "locations")
	v.SetDefault("collection.metric", "euclid")
	v.SetDefault("collection.dimension", 2)
	v.SetDefault("collection.geo_index", true)

	v.SetDefault("ingest.limit", 1000)
	v.SetDefault("ingest.force_load", false)
	v.SetDefault("ingest.chunk_size", 500)
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.wait", true)
	v.SetDefault("ingest.id_strategy", "deterministic")
	v.SetDefault("ingest.rate_limit", 0)
	v.SetDefault("ingest.remote_timeout", 30*time.Minute)

	v.SetDefault("query.center.lat", 19.4326)
	v.SetDefault("query.center.lon", -99.1332)
	v.SetDefault("query.radius", 10000)
	v.SetDefault("query.top_k", 1000)
	v.SetDefault("query.exact", true)
	v.SetDefault("query.cache_ttl", 30*time.Second)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.static_dir", "")
	v.SetDefault("http.cors_origin", "*")
	v.SetDefault("http.rate_limit", 0)
	v.SetDefault("http.rate_burst", 20)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)

	v.SetDefault("log.level", "info")
}

// Load builds a Config. An empty path skips the file and uses defaults plus
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every unusable value at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Source.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("source.driver %q must be postgres, mysql or sqlite", c.Source.Driver))
	}
	if c.Source.DSN == "" {
		errs = append(errs, errors.New("source.dsn is required"))
	}
	if c.Source.Table == "" {
		errs = append(errs, errors.New("source.table is required"))
	}
	if c.Qdrant.Addr == "" {
		errs = append(errs, errors.New("qdrant.addr is required"))
	}
	if c.Collection.Name == "" {
		errs = append(errs, errors.New("collection.name is required"))
	}
	if c.Collection.Dimension != 2 {
		errs = append(errs, fmt.Errorf("collection.dimension must be 2, got %d", c.Collection.Dimension))
	}
	if c.Ingest.Limit <= 0 {
		errs = append(errs, fmt.Errorf("ingest.limit must be positive, got %d", c.Ingest.Limit))
	}
	if c.Ingest.RemoteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ingest.remote_timeout must be positive, got %v", c.Ingest.RemoteTimeout))
	}
	if c.Ingest.RateLimit < 0 || c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.Query.Center.Lat < -90 || c.Query.Center.Lat > 90 {
		errs = append(errs, fmt.Errorf("query.center.lat %v out of range", c.Query.Center.Lat))
	}
	if c.Query.Center.Lon < -180 || c.Query.Center.Lon > 180 {
		errs = append(errs, fmt.Errorf("query.center.lon %v out of range", c.Query.Center.Lon))
	}
	if c.Query.Radius <= 0 {
		errs = append(errs, fmt.Errorf("query.radius must be positive, got %v", c.Query.Radius))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel maps log.level onto a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q must be debug, info, warn or error", l.Level)
	}
}
