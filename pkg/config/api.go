package config

import (
	"fmt"
	"time"
)

const (
	// DefaultAPIListen is the default listen address of the history API.
	DefaultAPIListen = ":8080"

	// DefaultDownloadExpiry is the default lifetime of artifact download
	// links.
	DefaultDownloadExpiry = "15m"
)

// APIConfig contains the history API server configuration.
type APIConfig struct {
	Server    APIServerConfig `yaml:"server" mapstructure:"server"`
	Auth      APIAuthConfig   `yaml:"auth" mapstructure:"auth"`
	Downloads DownloadsConfig `yaml:"downloads,omitempty" mapstructure:"downloads"`
}

// DownloadsConfig enables presigned download links for recorded artifacts.
// Links are signed with the profile the artifact was uploaded with.
type DownloadsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Expiry  string `yaml:"expiry,omitempty" mapstructure:"expiry"`
}

// ExpiryDuration parses Expiry, falling back to DefaultDownloadExpiry.
func (d *DownloadsConfig) ExpiryDuration() (time.Duration, error) {
	raw := d.Expiry
	if raw == "" {
		raw = DefaultDownloadExpiry
	}

	expiry, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing downloads.expiry: %w", err)
	}

	if expiry <= 0 || expiry > 7*24*time.Hour {
		return 0, fmt.Errorf("downloads.expiry must be between 0 and 168h")
	}

	return expiry, nil
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig contains authentication settings.
type APIAuthConfig struct {
	Basic BasicAuthConfig `yaml:"basic,omitempty" mapstructure:"basic"`
}

// BasicAuthConfig configures HTTP basic authentication.
type BasicAuthConfig struct {
	Enabled bool            `yaml:"enabled" mapstructure:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty" mapstructure:"users"`
}

// BasicAuthUser is a user allowed to read the API. PasswordHash is a
// bcrypt hash.
type BasicAuthUser struct {
	Username     string `yaml:"username" mapstructure:"username"`
	PasswordHash string `yaml:"password_hash" mapstructure:"password_hash"`
}

// ValidateAPI checks the API and history sections needed by the api
// command.
func (c *Config) ValidateAPI() error {
	if c.API == nil {
		return fmt.Errorf("api section is required")
	}

	if c.History == nil || !c.History.Enabled {
		return fmt.Errorf("history must be enabled to serve the api")
	}

	if err := c.History.Database.Validate(); err != nil {
		return fmt.Errorf("history: %w", err)
	}

	if c.API.Server.Listen == "" {
		return fmt.Errorf("api.server.listen is required")
	}

	if c.API.Server.RateLimit.Enabled && c.API.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("api.server.rate_limit.requests_per_minute must be positive")
	}

	if c.API.Downloads.Enabled {
		if _, err := c.API.Downloads.ExpiryDuration(); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}

	if c.API.Auth.Basic.Enabled {
		if len(c.API.Auth.Basic.Users) == 0 {
			return fmt.Errorf("api.auth.basic requires at least one user")
		}

		for i, u := range c.API.Auth.Basic.Users {
			if u.Username == "" || u.PasswordHash == "" {
				return fmt.Errorf("api.auth.basic.users[%d]: username and password_hash are required", i)
			}
		}
	}

	return nil
}
