// Package config loads process configuration from defaults, an optional
// YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yourorg/assetgw/internal/db"
	"github.com/yourorg/assetgw/internal/registry"
	"github.com/yourorg/assetgw/internal/storage"
	"github.com/yourorg/assetgw/internal/upload"
)

// EnvPrefix is prepended to every derived variable: db.host -> ASSETGW_DB_HOST.
const EnvPrefix = "ASSETGW"

type Config struct {
	// Dev swaps PostgreSQL for the in-memory repositories.
	Dev      bool            `mapstructure:"dev"`
	Log      LogConfig       `mapstructure:"log"`
	DB       db.Config       `mapstructure:"db"`
	Storage  storage.Config  `mapstructure:"storage"`
	Upload   upload.Config   `mapstructure:"upload"`
	Registry registry.Config `mapstructure:"registry"`
	Policy   PolicyConfig    `mapstructure:"policy"`
	Redis    RedisConfig     `mapstructure:"redis"`
	NATS     NATSConfig      `mapstructure:"nats"`
	Temporal TemporalConfig  `mapstructure:"temporal"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	API      APIConfig       `mapstructure:"api"`
	Reaper   ReaperConfig    `mapstructure:"reaper"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type PolicyConfig struct {
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// RedisConfig enables the distributed dedup lock when URL is set.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// NATSConfig enables audit fan-out when URL is set.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
	// ReaperCron is the Temporal cron schedule for ReaperWorkflow; empty
	// leaves scheduling to an operator.
	ReaperCron string `mapstructure:"reaper_cron"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type APIConfig struct {
	Addr        string   `mapstructure:"addr"`
	FilesPrefix string   `mapstructure:"files_prefix"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type ReaperConfig struct {
	Schedule       string `mapstructure:"schedule"` // robfig/cron spec for assetctl reaper
	SessionLimit   int    `mapstructure:"session_limit"`
	PurgeLimit     int    `mapstructure:"purge_limit"`
	ReconcileLimit int    `mapstructure:"reconcile_limit"`
}

var defaults = map[string]any{
	"dev":                          false,
	"log.level":                    "info",
	"log.format":                   "json",
	"db.host":                      "localhost",
	"db.port":                      5432,
	"db.user":                      "postgres",
	"db.password":                  "",
	"db.name":                      "assetgw",
	"db.sslmode":                   "disable",
	"db.dsn":                       "",
	"db.max_conns":                 10,
	"storage.provider":             storage.ProviderLocal,
	"storage.local.root":           "./data/assets",
	"storage.local.base_url":       "http://localhost:8080/files",
	"storage.local.signing_secret": "",
	"storage.local.meta_dir":       "",
	"storage.s3.bucket":            "",
	"storage.s3.region":            "us-east-1",
	"storage.s3.endpoint":          "",
	"storage.s3.force_path_style":  false,
	"storage.s3.prefix":            "",
	"storage.s3.access_key_id":     "",
	"storage.s3.secret_access_key": "",
	"upload.default_ttl":           upload.DefaultTTL,
	"upload.max_size_bytes":        upload.DefaultMaxSizeBytes,
	"registry.retention":           registry.DefaultRetention,
	"registry.purge_concurrency":   4,
	"registry.max_version_bytes":   upload.DefaultMaxSizeBytes,
	"policy.cache_size":            1024,
	"policy.cache_ttl":             5 * time.Second,
	"redis.url":                    "",
	"nats.url":                     "",
	"temporal.host_port":           "localhost:7233",
	"temporal.namespace":           "default",
	"temporal.task_queue":          "assetgw-reaper",
	"temporal.reaper_cron":         "*/5 * * * *",
	"metrics.addr":                 ":9090",
	"api.addr":                     ":8080",
	"api.files_prefix":             "/files",
	"api.cors_origins":             []string{"*"},
	"reaper.schedule":              "@every 5m",
	"reaper.session_limit":         500,
	"reaper.purge_limit":           200,
	"reaper.reconcile_limit":       200,
}

// legacyEnv keeps the variable names earlier deployments already set.
var legacyEnv = map[string][]string{
	"log.level":                    {"LOG_LEVEL"},
	"db.host":                      {"DB_HOST"},
	"db.port":                      {"DB_PORT"},
	"db.user":                      {"DB_USER"},
	"db.password":                  {"DB_PASSWORD"},
	"db.name":                      {"DB_NAME"},
	"db.sslmode":                   {"DB_SSLMODE"},
	"db.dsn":                       {"DB_DSN"},
	"storage.s3.bucket":            {"S3_BUCKET"},
	"storage.s3.region":            {"AWS_REGION"},
	"storage.s3.endpoint":          {"AWS_ENDPOINT_URL_S3"},
	"storage.s3.access_key_id":     {"AWS_ACCESS_KEY_ID"},
	"storage.s3.secret_access_key": {"AWS_SECRET_ACCESS_KEY"},
	"temporal.host_port":           {"TEMPORAL_TARGET_HOST", "TEMPORAL_ADDRESS"},
	"temporal.namespace":           {"TEMPORAL_NAMESPACE"},
	"temporal.task_queue":          {"TEMPORAL_TASK_QUEUE"},
	"metrics.addr":                 {"METRICS_ADDR"},
}

// Load reads configuration. An empty path searches for assetgw.yaml in the
// working directory and /etc/assetgw; a missing file is not an error there.
func Load(path string) (Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		// The prefixed name stays first so it beats the legacy one.
		all := append([]string{envName(key)}, names...)
		if err := v.BindEnv(append([]string{key}, all...)...); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("assetgw")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/assetgw")
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Validate rejects combinations the services cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Provider {
	case storage.ProviderLocal, storage.ProviderS3:
	default:
		return fmt.Errorf("storage.provider must be %q or %q, got %q", storage.ProviderLocal, storage.ProviderS3, c.Storage.Provider)
	}
	if c.Upload.MaxSizeBytes <= 0 {
		return errors.New("upload.max_size_bytes must be positive")
	}
	if c.Registry.Retention <= 0 {
		return errors.New("registry.retention must be positive")
	}
	return nil
}
