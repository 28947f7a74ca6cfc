package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ethpandaops/artifactoor/pkg/macro"
	"github.com/ethpandaops/artifactoor/pkg/pattern"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix of environment variables overriding config
	// keys, e.g. ARTIFACTOOR_GLOBAL_LOG_LEVEL.
	EnvPrefix = "ARTIFACTOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultWorkspace is the default workspace directory.
	DefaultWorkspace = "."

	// DefaultConcurrency uploads files one at a time.
	DefaultConcurrency = 1

	// DefaultRegion is used when neither the rule nor the profile set one.
	DefaultRegion = "us-east-1"

	// StorageClassStandard is the default S3 storage class.
	StorageClassStandard = "STANDARD"

	// StorageClassReducedRedundancy is the reduced redundancy S3 storage class.
	StorageClassReducedRedundancy = "REDUCED_REDUNDANCY"
)

// envKeys are the scalar keys that can be set from the environment even
// when no config file mentions them.
var envKeys = []string{
	"global.log_level",
	"publish.workspace",
	"publish.profile",
	"publish.concurrency",
	"publish.max_uploads_per_second",
	"publish.default_excludes",
	"history.enabled",
	"history.database.driver",
	"history.database.sqlite.path",
	"history.database.postgres.host",
	"history.database.postgres.port",
	"history.database.postgres.user",
	"history.database.postgres.password",
	"history.database.postgres.database",
	"history.database.postgres.ssl_mode",
	"api.server.listen",
	"api.server.rate_limit.enabled",
	"api.server.rate_limit.requests_per_minute",
	"api.auth.basic.enabled",
	"api.downloads.enabled",
	"api.downloads.expiry",
}

// redactedValue replaces secrets in Redacted.
const redactedValue = "********"

// Config is the root configuration for artifactoor.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Profiles []Profile      `yaml:"profiles" mapstructure:"profiles"`
	Publish  PublishConfig  `yaml:"publish" mapstructure:"publish"`
	History  *HistoryConfig `yaml:"history,omitempty" mapstructure:"history"`
	API      *APIConfig     `yaml:"api,omitempty" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// Profile is a named set of object storage credentials.
type Profile struct {
	Name            string `yaml:"name" mapstructure:"name"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	// AWSProfile selects a shared config profile when no static keys are set.
	AWSProfile     string `yaml:"aws_profile,omitempty" mapstructure:"aws_profile"`
	Region         string `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL    string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	ForcePathStyle bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// HasStaticCredentials reports whether the profile carries its own keys.
func (p *Profile) HasStaticCredentials() bool {
	return p.AccessKeyID != "" && p.SecretAccessKey != ""
}

// PublishConfig describes what to upload and where.
type PublishConfig struct {
	Workspace           string          `yaml:"workspace" mapstructure:"workspace"`
	Profile             string          `yaml:"profile,omitempty" mapstructure:"profile"`
	Concurrency         int             `yaml:"concurrency" mapstructure:"concurrency"`
	MaxUploadsPerSecond float64         `yaml:"max_uploads_per_second,omitempty" mapstructure:"max_uploads_per_second"`
	DefaultExcludes     bool            `yaml:"default_excludes" mapstructure:"default_excludes"`
	Rules               []Rule          `yaml:"rules" mapstructure:"rules"`
	Metadata            []MetadataEntry `yaml:"metadata,omitempty" mapstructure:"metadata"`
}

// Rule maps a workspace file mask to a destination bucket.
type Rule struct {
	Source string `yaml:"source" mapstructure:"source"`
	// Exclude is an optional comma-separated list of masks to skip.
	Exclude string `yaml:"exclude,omitempty" mapstructure:"exclude"`
	// Bucket is a bucket name optionally followed by a key prefix,
	// e.g. "releases/nightly/${BUILD_ID}".
	Bucket       string `yaml:"bucket" mapstructure:"bucket"`
	StorageClass string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	Region       string `yaml:"region,omitempty" mapstructure:"region"`
}

// MetadataEntry is a user metadata pair attached to every uploaded object.
type MetadataEntry struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Value string `yaml:"value" mapstructure:"value"`
}

// HistoryConfig enables recording of published runs in a database.
type HistoryConfig struct {
	Enabled  bool           `yaml:"enabled" mapstructure:"enabled"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// Load reads the given configuration files, later files merging over
// earlier ones, applies ARTIFACTOOR_* environment overrides and defaults.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("reading config file: no path given")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("publish.workspace", DefaultWorkspace)
	v.SetDefault("publish.concurrency", DefaultConcurrency)
	v.SetDefault("publish.default_excludes", true)

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Publish.Workspace == "" {
		c.Publish.Workspace = DefaultWorkspace
	}

	if c.Publish.Concurrency == 0 {
		c.Publish.Concurrency = DefaultConcurrency
	}

	for i := range c.Publish.Rules {
		if c.Publish.Rules[i].StorageClass == "" {
			c.Publish.Rules[i].StorageClass = StorageClassStandard
		}
	}

	if c.History != nil && c.History.Database.Driver == "" {
		c.History.Database.Driver = "sqlite"
	}

	if c.API != nil && c.API.Server.Listen == "" {
		c.API.Server.Listen = DefaultAPIListen
	}
}

// Validate checks the configuration for errors. A configuration without
// profiles is valid: publishing then degrades the run instead of failing.
func (c *Config) Validate() error {
	if err := c.validateProfiles(); err != nil {
		return err
	}

	if c.Publish.Concurrency < 1 {
		return fmt.Errorf("publish.concurrency must be at least 1")
	}

	if c.Publish.MaxUploadsPerSecond < 0 {
		return fmt.Errorf("publish.max_uploads_per_second must not be negative")
	}

	if len(c.Publish.Rules) == 0 {
		return fmt.Errorf("at least one publish rule must be configured")
	}

	customEndpoint := c.hasCustomEndpoint()

	for i, rule := range c.Publish.Rules {
		if err := rule.validate(customEndpoint); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}

	for i, entry := range c.Publish.Metadata {
		if strings.TrimSpace(entry.Key) == "" {
			return fmt.Errorf("metadata %d: key is required", i)
		}
	}

	if c.History != nil && c.History.Enabled {
		if err := c.History.Database.Validate(); err != nil {
			return fmt.Errorf("history: %w", err)
		}
	}

	return nil
}

func (c *Config) validateProfiles() error {
	seen := make(map[string]struct{}, len(c.Profiles))

	for i, p := range c.Profiles {
		if p.Name == "" {
			return fmt.Errorf("profile %d: name is required", i)
		}

		if _, exists := seen[p.Name]; exists {
			return fmt.Errorf("profile %d: duplicate name %q", i, p.Name)
		}

		seen[p.Name] = struct{}{}

		if (p.AccessKeyID == "") != (p.SecretAccessKey == "") {
			return fmt.Errorf(
				"profile %q: access_key_id and secret_access_key must be set together",
				p.Name,
			)
		}

		if p.Region != "" && p.EndpointURL == "" {
			if _, ok := NormalizeRegion(p.Region); !ok {
				return fmt.Errorf("profile %q: unknown region %q", p.Name, p.Region)
			}
		}

		if p.EndpointURL != "" {
			u, err := url.Parse(p.EndpointURL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf(
					"profile %q: invalid endpoint_url %q", p.Name, p.EndpointURL,
				)
			}
		}
	}

	return nil
}

func (c *Config) hasCustomEndpoint() bool {
	for _, p := range c.Profiles {
		if p.EndpointURL != "" {
			return true
		}
	}

	return false
}

// validate checks a rule. Fields referencing macros are only checked after
// expansion, at publish time.
func (r *Rule) validate(customEndpoint bool) error {
	if strings.TrimSpace(r.Source) == "" {
		return fmt.Errorf("source is required")
	}

	if !macro.HasTokens(r.Source) {
		if err := pattern.Validate(r.Source); err != nil {
			return fmt.Errorf("source: %w", err)
		}
	}

	if r.Exclude != "" && !macro.HasTokens(r.Exclude) {
		if err := pattern.Validate(r.Exclude); err != nil {
			return fmt.Errorf("exclude: %w", err)
		}
	}

	if strings.TrimSpace(r.Bucket) == "" {
		return fmt.Errorf("bucket is required")
	}

	if !macro.HasTokens(r.StorageClass) && !IsValidStorageClass(r.StorageClass) {
		return fmt.Errorf(
			"unknown storage_class %q (expected one of %s)",
			r.StorageClass, strings.Join(StorageClasses(), ", "),
		)
	}

	if r.Region != "" && !customEndpoint && !macro.HasTokens(r.Region) {
		if _, ok := NormalizeRegion(r.Region); !ok {
			return fmt.Errorf("unknown region %q", r.Region)
		}
	}

	return nil
}

// Validate checks the database settings.
func (d *DatabaseConfig) Validate() error {
	switch d.Driver {
	case "sqlite":
		if d.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if d.Postgres.Host == "" || d.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.host and database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", d.Driver)
	}

	return nil
}

// StorageClasses returns the supported storage classes.
func StorageClasses() []string {
	return []string{StorageClassStandard, StorageClassReducedRedundancy}
}

// IsValidStorageClass reports whether class is a supported storage class.
// The empty string selects the default class and is valid.
func IsValidStorageClass(class string) bool {
	switch class {
	case "", StorageClassStandard, StorageClassReducedRedundancy:
		return true
	default:
		return false
	}
}

// ResolveProfile returns the profile publishing runs with: the one named by
// publish.profile, or the first configured profile when no name is set.
// It returns nil when no profile matches.
func (c *Config) ResolveProfile() *Profile {
	if len(c.Profiles) == 0 {
		return nil
	}

	if c.Publish.Profile == "" {
		p := c.Profiles[0]

		return &p
	}

	for _, p := range c.Profiles {
		if p.Name == c.Publish.Profile {
			return &p
		}
	}

	return nil
}

// Redacted returns a copy of the configuration with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c

	out.Profiles = make([]Profile, len(c.Profiles))
	for i, p := range c.Profiles {
		if p.SecretAccessKey != "" {
			p.SecretAccessKey = redactedValue
		}

		out.Profiles[i] = p
	}

	if c.History != nil {
		h := *c.History
		if h.Database.Postgres.Password != "" {
			h.Database.Postgres.Password = redactedValue
		}

		out.History = &h
	}

	if c.API != nil {
		a := *c.API

		a.Auth.Basic.Users = make([]BasicAuthUser, len(c.API.Auth.Basic.Users))
		for i, u := range c.API.Auth.Basic.Users {
			u.PasswordHash = redactedValue
			a.Auth.Basic.Users[i] = u
		}

		out.API = &a
	}

	return &out
}
