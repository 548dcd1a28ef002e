package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/platinummonkey/extforge/pkg/dist"
	"github.com/platinummonkey/extforge/pkg/history"
	"github.com/platinummonkey/extforge/pkg/observability"
	"github.com/platinummonkey/extforge/pkg/publish"
	"github.com/platinummonkey/extforge/pkg/registry"
)

// FileName is the project-local configuration file
const FileName = ".extforge.yaml"

// EnvPrefix prefixes every environment override, e.g. EXTFORGE_REGISTRY_TOKEN
const EnvPrefix = "EXTFORGE"

// Backend kinds for python extensions
const (
	BackendExec   = "exec"
	BackendDocker = "docker"
	BackendNone   = "none"
)

// Config holds all extforge configuration
type Config struct {
	Project       ProjectConfig       `mapstructure:"project"`
	Staging       StagingConfig       `mapstructure:"staging"`
	Dist          DistConfig          `mapstructure:"dist"`
	Credentials   CredentialsConfig   `mapstructure:"credentials"`
	Registry      RegistryConfig      `mapstructure:"registry"`
	Upload        UploadConfig        `mapstructure:"upload"`
	Lock          LockConfig          `mapstructure:"lock"`
	History       HistoryConfig       `mapstructure:"history"`
	Backend       BackendConfig       `mapstructure:"backend"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Watch         WatchConfig         `mapstructure:"watch"`
}

// ProjectConfig locates the extension sources
type ProjectConfig struct {
	Dir          string `mapstructure:"dir"`
	ExtensionDir string `mapstructure:"extension_dir"`
	Manifest     string `mapstructure:"manifest"`
}

type StagingConfig struct {
	Dir string `mapstructure:"dir"`
}

// DistConfig is the output directory plus an optional S3 mirror
type DistConfig struct {
	Dir string   `mapstructure:"dir"`
	S3  S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// CredentialsConfig points at the developer key material
type CredentialsConfig struct {
	Key      string        `mapstructure:"key"`
	Cert     string        `mapstructure:"cert"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// RegistryConfig configures the remote registry. An empty URL means
// local-only builds.
type RegistryConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
	OAuth   OAuthConfig   `mapstructure:"oauth"`
}

type OAuthConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	TokenURL     string   `mapstructure:"token_url"`
	Issuer       string   `mapstructure:"issuer"`
	Scopes       []string `mapstructure:"scopes"`
}

// UploadConfig tunes the quota handling of uploads
type UploadConfig struct {
	QuotaCeiling int           `mapstructure:"quota_ceiling"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	MaxAttempts  uint          `mapstructure:"max_attempts"`
	MaxElapsed   time.Duration `mapstructure:"max_elapsed"`
}

// LockConfig enables the redis lock on top of the local file lock
type LockConfig struct {
	RedisURL string        `mapstructure:"redis_url"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"`
	// DSN defaults to a sqlite file next to the staging directory
	DSN string `mapstructure:"dsn"`
}

// BackendConfig selects how manifests with a python section are packaged
type BackendConfig struct {
	Kind    string        `mapstructure:"kind"`
	Tool    string        `mapstructure:"tool"`
	Python  string        `mapstructure:"python"`
	Image   string        `mapstructure:"image"`
	Pull    bool          `mapstructure:"pull"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ObservabilityConfig struct {
	LogLevel  string     `mapstructure:"log_level"`
	LogFormat string     `mapstructure:"log_format"`
	OTel      OTelConfig `mapstructure:"otel"`
}

type OTelConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Exporter    string `mapstructure:"exporter"`
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

// WatchConfig drives the watch command
type WatchConfig struct {
	Debounce    time.Duration `mapstructure:"debounce"`
	Schedule    string        `mapstructure:"schedule"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
	// ShutdownTimeout bounds how long a stop waits for the running build
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Defaults returns the built-in configuration
func Defaults() Config {
	policy := publish.DefaultPolicy()
	return Config{
		Project:     ProjectConfig{Dir: "."},
		Credentials: CredentialsConfig{CacheTTL: 10 * time.Minute},
		Registry:    RegistryConfig{Timeout: 60 * time.Second},
		Upload: UploadConfig{
			QuotaCeiling: policy.QuotaCeiling,
			RetryDelay:   policy.RetryDelay,
			MaxAttempts:  policy.MaxAttempts,
			MaxElapsed:   policy.MaxElapsed,
		},
		Lock:    LockConfig{Prefix: "extforge:lock:", TTL: 5 * time.Minute},
		History: HistoryConfig{Enabled: true, Driver: history.DriverSQLite},
		Backend: BackendConfig{Kind: BackendExec, Timeout: 10 * time.Minute},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: observability.FormatText,
			OTel: OTelConfig{
				Exporter:    observability.ExporterOTLP,
				Endpoint:    "localhost:4317",
				Insecure:    true,
				ServiceName: "extforge",
			},
		},
		Watch: WatchConfig{
			Debounce:        500 * time.Millisecond,
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// SetDefaults registers every key with v so environment overrides reach
// keys that appear in no config file.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	defaults := map[string]interface{}{
		"project.dir":                     d.Project.Dir,
		"project.extension_dir":           "",
		"project.manifest":                "",
		"staging.dir":                     "",
		"dist.dir":                        "",
		"dist.s3.bucket":                  "",
		"dist.s3.prefix":                  "",
		"dist.s3.region":                  "",
		"dist.s3.endpoint":                "",
		"dist.s3.access_key":              "",
		"dist.s3.secret_key":              "",
		"dist.s3.use_path_style":          false,
		"credentials.key":                 "",
		"credentials.cert":                "",
		"credentials.cache_ttl":           d.Credentials.CacheTTL,
		"registry.url":                    "",
		"registry.token":                  "",
		"registry.timeout":                d.Registry.Timeout,
		"registry.oauth.client_id":        "",
		"registry.oauth.client_secret":    "",
		"registry.oauth.token_url":        "",
		"registry.oauth.issuer":           "",
		"registry.oauth.scopes":           []string{},
		"upload.quota_ceiling":            d.Upload.QuotaCeiling,
		"upload.retry_delay":              d.Upload.RetryDelay,
		"upload.max_attempts":             d.Upload.MaxAttempts,
		"upload.max_elapsed":              d.Upload.MaxElapsed,
		"lock.redis_url":                  "",
		"lock.prefix":                     d.Lock.Prefix,
		"lock.ttl":                        d.Lock.TTL,
		"history.enabled":                 d.History.Enabled,
		"history.driver":                  d.History.Driver,
		"history.dsn":                     "",
		"backend.kind":                    d.Backend.Kind,
		"backend.tool":                    "",
		"backend.python":                  "",
		"backend.image":                   "",
		"backend.pull":                    false,
		"backend.timeout":                 d.Backend.Timeout,
		"observability.log_level":         d.Observability.LogLevel,
		"observability.log_format":        d.Observability.LogFormat,
		"observability.otel.enabled":      false,
		"observability.otel.exporter":     d.Observability.OTel.Exporter,
		"observability.otel.endpoint":     d.Observability.OTel.Endpoint,
		"observability.otel.insecure":     d.Observability.OTel.Insecure,
		"observability.otel.service_name": d.Observability.OTel.ServiceName,
		"watch.debounce":                  d.Watch.Debounce,
		"watch.schedule":                  "",
		"watch.metrics_addr":              "",
		"watch.shutdown_timeout":          d.Watch.ShutdownTimeout,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// NewViper returns a viper instance with defaults and EXTFORGE_* env
// overrides wired up. Nested keys map to underscores:
// registry.oauth.client_id is EXTFORGE_REGISTRY_OAUTH_CLIENT_ID.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. An explicit file must exist; otherwise
// .extforge.yaml in projectDir is read when present.
func Load(v *viper.Viper, file, projectDir string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if file == "" {
		if projectDir == "" {
			projectDir = "."
		}
		candidate := filepath.Join(projectDir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			file = candidate
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Project.Dir == "" || cfg.Project.Dir == "." {
		if projectDir != "" {
			cfg.Project.Dir = projectDir
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Project.Dir == "" {
		errs = append(errs, errors.New("project directory is required"))
	}

	if c.Registry.URL != "" {
		if err := c.RegistryClientConfig().Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Upload.QuotaCeiling < 1 {
		errs = append(errs, fmt.Errorf("upload quota ceiling must be positive, got %d", c.Upload.QuotaCeiling))
	}
	if c.Upload.RetryDelay < 0 || c.Upload.MaxElapsed < 0 {
		errs = append(errs, errors.New("upload retry durations must not be negative"))
	}

	switch c.History.Driver {
	case history.DriverSQLite, history.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("invalid history driver: %s (must be %s or %s)", c.History.Driver, history.DriverSQLite, history.DriverPostgres))
	}
	if c.History.Enabled && c.History.Driver == history.DriverPostgres && c.History.DSN == "" {
		errs = append(errs, errors.New("history dsn is required for postgres"))
	}

	switch c.Backend.Kind {
	case BackendExec, BackendNone:
	case BackendDocker:
		if c.Backend.Image == "" {
			errs = append(errs, errors.New("backend image is required for the docker backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid backend kind: %s (must be %s, %s or %s)", c.Backend.Kind, BackendExec, BackendDocker, BackendNone))
	}

	switch strings.ToLower(c.Observability.LogFormat) {
	case observability.FormatText, observability.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("invalid log format: %s", c.Observability.LogFormat))
	}

	if c.Observability.OTel.Enabled {
		switch c.Observability.OTel.Exporter {
		case observability.ExporterOTLP:
			if c.Observability.OTel.Endpoint == "" {
				errs = append(errs, errors.New("OpenTelemetry endpoint is required for the otlp exporter"))
			}
		case observability.ExporterStdout:
		default:
			errs = append(errs, fmt.Errorf("invalid OpenTelemetry exporter: %s", c.Observability.OTel.Exporter))
		}
		if c.Observability.OTel.ServiceName == "" {
			errs = append(errs, errors.New("OpenTelemetry service name is required when OTel is enabled"))
		}
	}

	if c.Dist.S3.Bucket == "" && (c.Dist.S3.Endpoint != "" || c.Dist.S3.Prefix != "") {
		errs = append(errs, errors.New("dist s3 bucket is required when s3 options are set"))
	}

	return errors.Join(errs...)
}

// RegistryClientConfig converts the registry section for registry.New
func (c *Config) RegistryClientConfig() registry.Config {
	rc := registry.Config{
		URL:     c.Registry.URL,
		Token:   c.Registry.Token,
		Timeout: c.Registry.Timeout,
	}
	if o := c.Registry.OAuth; o.ClientID != "" || o.ClientSecret != "" {
		rc.OAuth = &registry.OAuthConfig{
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			TokenURL:     o.TokenURL,
			Issuer:       o.Issuer,
			Scopes:       o.Scopes,
		}
	}
	return rc
}

// S3MirrorConfig converts the dist.s3 section; ok is false when no mirror
// is configured.
func (c *Config) S3MirrorConfig() (cfg dist.S3Config, ok bool) {
	s := c.Dist.S3
	if s.Bucket == "" {
		return dist.S3Config{}, false
	}
	return dist.S3Config{
		Bucket:       s.Bucket,
		Prefix:       s.Prefix,
		Region:       s.Region,
		Endpoint:     s.Endpoint,
		AccessKey:    s.AccessKey,
		SecretKey:    s.SecretKey,
		UsePathStyle: s.UsePathStyle,
	}, true
}

// UploadPolicy converts the upload section
func (c *Config) UploadPolicy() publish.Policy {
	return publish.Policy{
		QuotaCeiling: c.Upload.QuotaCeiling,
		RetryDelay:   c.Upload.RetryDelay,
		MaxAttempts:  c.Upload.MaxAttempts,
		MaxElapsed:   c.Upload.MaxElapsed,
	}
}

// OTelConfig converts the observability.otel section
func (c *Config) OTelConfig(version string) observability.OTelConfig {
	o := c.Observability.OTel
	return observability.OTelConfig{
		Enabled:        o.Enabled,
		Exporter:       o.Exporter,
		Endpoint:       o.Endpoint,
		Insecure:       o.Insecure,
		ServiceName:    o.ServiceName,
		ServiceVersion: version,
	}
}

// HistoryDSN returns the history DSN, defaulting to a sqlite file beside
// stagingDir.
func (c *Config) HistoryDSN(stagingDir string) string {
	if c.History.DSN != "" {
		return c.History.DSN
	}
	return filepath.Join(filepath.Dir(stagingDir), "history.db")
}
