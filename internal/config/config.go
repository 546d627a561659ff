package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rpattn/snaptrack/internal/db"
	"github.com/rpattn/snaptrack/internal/domain"
)

// EnvPrefix prefixes environment overrides, e.g. SNAPTRACK_STORAGE_BACKEND.
const EnvPrefix = "SNAPTRACK"

// Config aggregates runtime configuration.
type Config struct {
	Storage StorageConfig  `mapstructure:"storage" validate:"required"`
	Redis   RedisConfig    `mapstructure:"redis"`
	Log     LogConfig      `mapstructure:"log"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	API     APIConfig      `mapstructure:"api"`
	Geocode GeocodeConfig  `mapstructure:"geocode"`
	Domains []DomainConfig `mapstructure:"domains" validate:"dive"`
}

// StorageConfig selects and configures the snapshot store backend.
type StorageConfig struct {
	Backend  string       `mapstructure:"backend" validate:"required,oneof=memory sqlite postgres blob"`
	SQLite   SQLiteConfig `mapstructure:"sqlite"`
	Postgres db.Config    `mapstructure:"postgres"`
	Blob     BlobConfig   `mapstructure:"blob"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type BlobConfig struct {
	Provider string `mapstructure:"provider" validate:"omitempty,oneof=fs gcs"`
	Bucket   string `mapstructure:"bucket" validate:"required_if=Provider gcs"`
	Root     string `mapstructure:"root" validate:"required_if=Provider fs"`
	Prefix   string `mapstructure:"prefix"`
}

// RedisConfig configures the advisory lock and geocode cache. An empty URL
// disables both.
type RedisConfig struct {
	URL           string        `mapstructure:"url"`
	LockTTL       time.Duration `mapstructure:"lock_ttl" validate:"min=0"`
	LockPrefix    string        `mapstructure:"lock_prefix"`
	GeocodePrefix string        `mapstructure:"geocode_prefix"`
	GeocodeTTL    time.Duration `mapstructure:"geocode_ttl" validate:"min=0"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level       string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format      string `mapstructure:"format" validate:"omitempty,oneof=json console"`
	Development bool   `mapstructure:"development"`
}

type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url" validate:"omitempty,url"`
	Job            string `mapstructure:"job"`
}

type APIConfig struct {
	Addr           string        `mapstructure:"addr" validate:"required"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes" validate:"min=0"`
}

type GeocodeConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	UserAgent string `mapstructure:"user_agent" validate:"required_if=Enabled true"`
	Endpoint  string `mapstructure:"endpoint" validate:"omitempty,url"`
}

// DomainConfig declares one tracked domain.
type DomainConfig struct {
	Name                string         `mapstructure:"name" validate:"required"`
	Fields              []FieldConfig  `mapstructure:"fields" validate:"required,min=1,dive"`
	KeyFields           []string       `mapstructure:"key_fields" validate:"required,min=1"`
	TrackedFields       []string       `mapstructure:"tracked_fields"`
	ObservedAtField     string         `mapstructure:"observed_at_field"`
	RecencyWindow       time.Duration  `mapstructure:"recency_window" validate:"min=0"`
	AllowSchemaMismatch bool           `mapstructure:"allow_schema_mismatch"`
	Geocode             bool           `mapstructure:"geocode"`
	Summary             *SummaryConfig `mapstructure:"summary"`
}

type FieldConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Type        string `mapstructure:"type"`
	Description string `mapstructure:"description"`
}

type SummaryConfig struct {
	GroupBy []string `mapstructure:"group_by" validate:"required,min=1"`
	Metric  string   `mapstructure:"metric" validate:"required"`
}

// flagBindings maps command-line flags onto configuration keys.
var flagBindings = map[string]string{
	"storage":       "storage.backend",
	"sqlite-path":   "storage.sqlite.path",
	"blob-root":     "storage.blob.root",
	"redis-url":     "redis.url",
	"log-level":     "log.level",
	"addr":          "api.addr",
	"pushgateway":   "metrics.pushgateway_url",
	"geocode":       "geocode.enabled",
	"blob-prefix":   "storage.blob.prefix",
	"blob-bucket":   "storage.blob.bucket",
	"blob-provider": "storage.blob.provider",
}

// RegisterFlags adds the configuration override flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", ".", "directory containing config.yaml")
	fs.String("storage", "", "storage backend (memory, sqlite, postgres, blob)")
	fs.String("sqlite-path", "", "sqlite database file")
	fs.String("blob-provider", "", "blob provider (fs, gcs)")
	fs.String("blob-root", "", "filesystem bucket root")
	fs.String("blob-bucket", "", "gcs bucket name")
	fs.String("blob-prefix", "", "object name prefix")
	fs.String("redis-url", "", "redis url for the run lock and geocode cache")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("addr", "", "read API listen address")
	fs.String("pushgateway", "", "pushgateway url")
	fs.Bool("geocode", false, "geocode records with missing coordinates")
}

func setDefaults(v *viper.Viper) {
	pg := db.DefaultConfig()
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite.path", "snaptrack.db")
	v.SetDefault("storage.postgres.host", pg.Host)
	v.SetDefault("storage.postgres.port", pg.Port)
	v.SetDefault("storage.postgres.user", pg.User)
	v.SetDefault("storage.postgres.password", pg.Password)
	v.SetDefault("storage.postgres.dbname", pg.DBName)
	v.SetDefault("storage.postgres.sslmode", pg.SSLMode)
	v.SetDefault("storage.blob.provider", "fs")
	v.SetDefault("storage.blob.root", "data")
	v.SetDefault("storage.blob.bucket", "")
	v.SetDefault("storage.blob.prefix", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.lock_ttl", 10*time.Minute)
	v.SetDefault("redis.lock_prefix", "snaptrack:lock")
	v.SetDefault("redis.geocode_prefix", "snaptrack:geocode")
	v.SetDefault("redis.geocode_ttl", time.Duration(0))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.development", false)
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "snaptrack")
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("api.read_timeout", 15*time.Second)
	v.SetDefault("api.write_timeout", 60*time.Second)
	v.SetDefault("api.max_upload_bytes", int64(32<<20))
	v.SetDefault("geocode.enabled", false)
	v.SetDefault("geocode.user_agent", "snaptrack")
	v.SetDefault("geocode.endpoint", "")
}

// Load reads config.yaml from dir, applying .env, SNAPTRACK_ environment
// variables and any flags registered with RegisterFlags, in increasing order
// of precedence. A missing config file is not an error.
func Load(dir string, flags *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load(filepath.Join(dir, ".env"))

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		for name, key := range flagBindings {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags, backend specific settings and every domain
// schema.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	switch c.Storage.Backend {
	case "sqlite":
		if strings.TrimSpace(c.Storage.SQLite.Path) == "" {
			return errors.New("config validation failed: storage.sqlite.path is required")
		}
	case "postgres":
		if c.Storage.Postgres.Host == "" || c.Storage.Postgres.DBName == "" {
			return errors.New("config validation failed: storage.postgres host and dbname are required")
		}
	case "blob":
		if c.Storage.Blob.Provider == "" {
			return errors.New("config validation failed: storage.blob.provider is required")
		}
	}
	if _, err := c.Schemas(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// Schemas converts the domain blocks into validated schemas.
func (c *Config) Schemas() ([]domain.Schema, error) {
	schemas := make([]domain.Schema, 0, len(c.Domains))
	seen := make(map[string]struct{}, len(c.Domains))
	for _, block := range c.Domains {
		if _, dup := seen[block.Name]; dup {
			return nil, fmt.Errorf("domain %s declared twice", block.Name)
		}
		seen[block.Name] = struct{}{}

		schema, err := block.Schema()
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, schema)
	}
	return schemas, nil
}

// GeocodedDomains lists domains that opted into coordinate enrichment.
func (c *Config) GeocodedDomains() map[string]bool {
	out := make(map[string]bool)
	for _, block := range c.Domains {
		if block.Geocode {
			out[block.Name] = true
		}
	}
	return out
}

// Schema converts one domain block.
func (d DomainConfig) Schema() (domain.Schema, error) {
	fields := make([]domain.FieldDefinition, 0, len(d.Fields))
	for _, field := range d.Fields {
		fieldType, err := domain.ParseFieldType(field.Type)
		if err != nil {
			return domain.Schema{}, fmt.Errorf("domain %s field %s: %w", d.Name, field.Name, err)
		}
		fields = append(fields, domain.FieldDefinition{
			Name:        strings.TrimSpace(field.Name),
			Type:        fieldType,
			Description: field.Description,
		})
	}
	schema := domain.Schema{
		Name:                d.Name,
		Fields:              fields,
		KeyFields:           d.KeyFields,
		TrackedFields:       d.TrackedFields,
		ObservedAtField:     d.ObservedAtField,
		RecencyWindow:       d.RecencyWindow,
		AllowSchemaMismatch: d.AllowSchemaMismatch,
	}
	if d.Summary != nil {
		schema.Summary = &domain.SummarySpec{GroupBy: d.Summary.GroupBy, Metric: d.Summary.Metric}
	}
	if err := schema.Validate(); err != nil {
		return domain.Schema{}, err
	}
	return schema, nil
}
