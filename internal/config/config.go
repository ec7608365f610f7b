package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Port               string        `mapstructure:"port" validate:"required"`
	Mode               string        `mapstructure:"mode" validate:"oneof=debug release test"`
	Host               string        `mapstructure:"host"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute" validate:"gte=0"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst" validate:"gte=0"`
	EnableRateLimit    bool          `mapstructure:"enable_rate_limit"`
}

// VaultConfig describes the source API. Username and password are only needed when the
// server is expected to open sessions on its own.
type VaultConfig struct {
	BaseURL           string        `mapstructure:"base_url" validate:"required,url"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	SessionTTL        time.Duration `mapstructure:"session_ttl" validate:"gt=0"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gt=0"`
	Burst             int           `mapstructure:"burst" validate:"gte=1"`
}

type FetchConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"gte=1"`
	Backoff      time.Duration `mapstructure:"backoff" validate:"gte=0"`
	MinBodyBytes int           `mapstructure:"min_body_bytes" validate:"gte=0"`
}

type StorageConfig struct {
	Backend        string `mapstructure:"backend" validate:"oneof=s3 minio azure memory"`
	Bucket         string `mapstructure:"bucket" validate:"required_unless=Backend memory"`
	Region         string `mapstructure:"region"`
	RootPrefix     string `mapstructure:"root_prefix"`
	Endpoint       string `mapstructure:"endpoint" validate:"required_if=Backend minio"`
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	UseSSL         bool   `mapstructure:"use_ssl"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	MaxRetries     int    `mapstructure:"max_retries"`

	// Azure Blob Storage; Bucket names the container.
	AccountName string `mapstructure:"account_name" validate:"required_if=Backend azure"`
	AccountKey  string `mapstructure:"account_key"`
	SASToken    string `mapstructure:"sas_token"`
}

type CatalogConfig struct {
	Database            string        `mapstructure:"database" validate:"required"`
	Workgroup           string        `mapstructure:"workgroup"`
	OutputLocation      string        `mapstructure:"output_location"`
	Region              string        `mapstructure:"region"`
	TablePrefix         string        `mapstructure:"table_prefix"`
	PollInterval        time.Duration `mapstructure:"poll_interval" validate:"min=3s,max=5s"`
	QueryTimeout        time.Duration `mapstructure:"query_timeout" validate:"gt=0"`
	PartitionProjection bool          `mapstructure:"partition_projection"`
	ProjectionRange     string        `mapstructure:"projection_range"`
	Enabled             bool          `mapstructure:"enabled"`
}

type PipelineConfig struct {
	WorkDir        string        `mapstructure:"work_dir" validate:"required"`
	MergeEnabled   bool          `mapstructure:"merge_enabled"`
	CatalogTimeout time.Duration `mapstructure:"catalog_timeout" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// Load reads config.yaml from ./configs or the working directory, layers environment
// variables prefixed with VAULT_INGEST_ on top and validates the result.
func Load() (*Config, error) {
	return LoadFrom(viper.New(), "")
}

// LoadFrom loads configuration into v. When path is non-empty it names the config file
// explicitly instead of searching the default locations.
func LoadFrom(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.SetEnvPrefix("VAULT_INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks struct-level constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	// Athena reads table locations from S3 only.
	if c.Catalog.Enabled && c.Storage.Backend == "azure" {
		return fmt.Errorf("invalid configuration: catalog requires an S3-compatible storage backend, got %s", c.Storage.Backend)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.rate_limit_per_minute", 30)
	v.SetDefault("server.rate_limit_burst", 5)
	v.SetDefault("server.enable_rate_limit", true)

	// Source API defaults
	v.SetDefault("vault.base_url", "https://localhost/api/v25.1")
	v.SetDefault("vault.session_ttl", "10m")
	v.SetDefault("vault.request_timeout", "5m")
	v.SetDefault("vault.requests_per_second", 5)
	v.SetDefault("vault.burst", 5)

	// Fetch defaults
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff", "1s")
	v.SetDefault("fetch.min_body_bytes", 1024)

	// Storage defaults
	v.SetDefault("storage.backend", "s3")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.root_prefix", "objects")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.max_retries", 3)

	// Catalog defaults
	v.SetDefault("catalog.enabled", true)
	v.SetDefault("catalog.database", "vault_db")
	v.SetDefault("catalog.workgroup", "primary")
	v.SetDefault("catalog.poll_interval", "3s")
	v.SetDefault("catalog.query_timeout", "5m")
	v.SetDefault("catalog.partition_projection", false)
	v.SetDefault("catalog.projection_range", "NOW-3YEARS,NOW")

	// Pipeline defaults
	v.SetDefault("pipeline.catalog_timeout", "30m")
	v.SetDefault("pipeline.work_dir", "./data")
	v.SetDefault("pipeline.merge_enabled", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
