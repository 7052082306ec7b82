/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 WebMACS

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the process configuration from
// environment variables. All knobs carry defaults suitable for development;
// production mode tightens the secret-key requirements.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for all WebMACS environment variables.
	EnvPrefix = "WEBMACS"

	// MinProductionSecretLen is the minimum secret-key length in production.
	MinProductionSecretLen = 32
)

// Config is the validated process configuration.
type Config struct {
	// Environment is "development" or "production".
	Environment string `mapstructure:"environment" validate:"oneof=development production"`

	// ListenAddr is the HTTP bind address, e.g. ":8000".
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`

	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string `mapstructure:"database_url" validate:"required"`

	// SecretKey signs access tokens. At least 32 characters in production.
	SecretKey string `mapstructure:"secret_key"`

	// CORSOrigins is the comma-separated list of allowed browser origins.
	CORSOrigins []string `mapstructure:"cors_origins"`

	// AdminEmail and AdminPassword seed the initial admin account when the
	// user table is empty. Both empty disables seeding.
	AdminEmail    string `mapstructure:"admin_email"`
	AdminPassword string `mapstructure:"admin_password"`

	// AccessTokenTTL bounds the validity of issued JWTs and the blacklist
	// retention window.
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl" validate:"gt=0"`

	// RateLimitPerMinute caps authenticated requests per client per minute.
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute" validate:"gte=0"`

	// SensorWebhookInterval is the per-event sensor webhook throttle window.
	// Clamped to [1s, 60s].
	SensorWebhookInterval time.Duration `mapstructure:"sensor_webhook_interval"`

	// MaxConcurrentDeliveries is the webhook dispatcher semaphore size.
	MaxConcurrentDeliveries int `mapstructure:"max_concurrent_deliveries" validate:"gt=0,lte=50"`

	// MaxDeliveryRetries bounds attempts per webhook delivery.
	MaxDeliveryRetries int `mapstructure:"max_delivery_retries" validate:"gt=0"`

	// UpdateDir is where firmware bundles are stored on disk.
	UpdateDir string `mapstructure:"update_dir" validate:"required"`

	// PluginDir is where uploaded plugin packages land. Plugin uploads are
	// handled by an external collaborator, so the path is optional here.
	PluginDir string `mapstructure:"plugin_dir"`

	// FirmwareRepo is the "{owner}/{repo}" slug of the release index used for
	// OTA update discovery.
	FirmwareRepo string `mapstructure:"firmware_repo"`

	// RunningVersion is the firmware version the deployment currently runs.
	RunningVersion string `mapstructure:"running_version"`

	// Timezone names the IANA zone used when formatting operator-facing
	// timestamps. Storage is always UTC.
	Timezone string `mapstructure:"timezone"`

	// OIDC holds the optional single-sign-on provider settings.
	OIDC OIDCConfig `mapstructure:"oidc"`
}

// OIDCConfig configures the optional OIDC identity provider.
type OIDCConfig struct {
	Issuer       string `mapstructure:"issuer"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`
	Scope        string `mapstructure:"scope"`
	ProviderName string `mapstructure:"provider_name"`
	AutoCreate   bool   `mapstructure:"auto_create"`
	DefaultRole  string `mapstructure:"default_role"`
	FrontendURL  string `mapstructure:"frontend_url"`
}

// Enabled reports whether an OIDC issuer is configured.
func (o OIDCConfig) Enabled() bool { return o.Issuer != "" }

// Production reports whether the process runs in production mode.
func (c *Config) Production() bool { return c.Environment == "production" }

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// AutomaticEnv alone does not surface nested keys through Unmarshal;
	// BindEnv pins every key we read.
	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.SensorWebhookInterval = ClampSensorWebhookInterval(cfg.SensorWebhookInterval)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// configKeys lists every environment-backed configuration key.
var configKeys = []string{
	"environment", "listen_addr", "database_url", "secret_key", "cors_origins",
	"admin_email", "admin_password", "access_token_ttl", "rate_limit_per_minute",
	"sensor_webhook_interval", "max_concurrent_deliveries", "max_delivery_retries",
	"update_dir", "plugin_dir", "firmware_repo", "running_version", "timezone",
	"oidc.issuer", "oidc.client_id", "oidc.client_secret", "oidc.redirect_uri",
	"oidc.scope", "oidc.provider_name", "oidc.auto_create", "oidc.default_role",
	"oidc.frontend_url",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("access_token_ttl", 24*time.Hour)
	v.SetDefault("rate_limit_per_minute", 120)
	v.SetDefault("sensor_webhook_interval", 5*time.Second)
	v.SetDefault("max_concurrent_deliveries", 10)
	v.SetDefault("max_delivery_retries", 5)
	v.SetDefault("update_dir", "/var/lib/webmacs/updates")
	v.SetDefault("plugin_dir", "/var/lib/webmacs/plugins")
	v.SetDefault("running_version", "0.0.0")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("oidc.scope", "openid email profile")
	v.SetDefault("oidc.default_role", "user")
}

// ClampSensorWebhookInterval bounds the sensor webhook throttle window
// to [1s, 60s]. Zero falls back to the 5s default.
func ClampSensorWebhookInterval(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return 5 * time.Second
	case d < time.Second:
		return time.Second
	case d > 60*time.Second:
		return 60 * time.Second
	default:
		return d
	}
}

// Validate checks structural constraints and the production secret policy.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Production() {
		if c.SecretKey == "" {
			return fmt.Errorf("secret key must be set in production")
		}
		if len(c.SecretKey) < MinProductionSecretLen {
			return fmt.Errorf("secret key must be at least %d characters in production", MinProductionSecretLen)
		}
	}

	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		return fmt.Errorf("admin email and admin password must be set together")
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	return nil
}
