/*
 * Warden
 * Copyright (C) 2024  Corvo Systems, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package config assembles the warden runtime configuration from the
// environment, an optional dotenv file and an optional YAML file with
// scheduler overrides.
package config

import (
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/corvohq/warden/lib/defaults"
	"github.com/corvohq/warden/lib/encryptor"
)

// Environment variable names. The AWS SDK reads its own credential
// variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_REGION) on top
// of these.
const (
	EnvMongoURI           = "MONGODB_URI"
	EnvLicenseDBURI       = "LICENSE_DB_URI"
	EnvLicenseServerURL   = "LICENSE_SERVER_URL"
	EnvLicenseServerKey   = "LICENSE_SERVER_API_KEY"
	EnvCompanyID          = "COMPANY_ID"
	EnvEncryptionKey      = "BACKUP_ENCRYPTION_KEY"
	EnvCloudProvider      = "BACKUP_CLOUD_PROVIDER"
	EnvCloudEnabled       = "BACKUP_CLOUD_ENABLED"
	EnvBackupsEnabled     = "BACKUPS_ENABLED"
	EnvIntegritySecret    = "INTEGRITY_SECRET"
	EnvSyncInterval       = "LICENSE_SYNC_INTERVAL"
	EnvValidationInterval = "LICENSE_VALIDATION_INTERVAL"
	EnvS3Bucket           = "BACKUP_S3_BUCKET"
	EnvS3Region           = "BACKUP_S3_REGION"
	EnvS3Endpoint         = "BACKUP_S3_ENDPOINT"
	EnvBaseDir            = "WARDEN_BASE_DIR"
	EnvConfigFile         = "WARDEN_CONFIG_FILE"
	EnvLogLevel           = "WARDEN_LOG_LEVEL"
)

// Config is the process configuration for all warden subsystems.
type Config struct {
	// BackupsEnabled turns the backup pipeline and its jobs on.
	BackupsEnabled bool `yaml:"-"`
	// BaseDir is the root of the backup directory layout.
	BaseDir string `yaml:"-"`
	// UploadsDir is the user uploads directory captured into each backup.
	// Empty skips the files component.
	UploadsDir string `yaml:"-"`
	// SourceDir is the application source tree captured into each backup.
	// Empty skips the source component.
	SourceDir string `yaml:"-"`
	// ConfigPaths are configuration files and directories captured into
	// each backup.
	ConfigPaths []string `yaml:"-"`
	// LogLevel is the minimum log severity.
	LogLevel string `yaml:"-"`

	// MongoURI points at the primary application database.
	MongoURI string `yaml:"-"`
	// LicenseDBURI points at the license database. Empty disables the
	// license subsystem.
	LicenseDBURI string `yaml:"-"`

	// EncryptionKeyHex seeds the backup encryption key on first start.
	EncryptionKeyHex string `yaml:"-"`
	// IntegritySecret is the process secret mixed into license integrity
	// hashes.
	IntegritySecret string `yaml:"-"`

	// CloudEnabled turns cloud replication on.
	CloudEnabled bool `yaml:"-"`
	// CloudProvider selects the object store implementation.
	CloudProvider string `yaml:"-"`
	// S3 configures the s3 provider.
	S3 S3Config `yaml:"-"`

	// License configures the license server client.
	License LicenseConfig `yaml:"-"`

	// Jobs carries per job overrides keyed by job name.
	Jobs map[string]JobOverride `yaml:"jobs"`
}

// S3Config carries the object store settings not covered by the AWS SDK
// environment.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
}

// LicenseConfig carries license server client settings.
type LicenseConfig struct {
	ServerURL          string
	APIKey             string
	CompanyID          string
	SyncInterval       time.Duration
	ValidationInterval time.Duration
}

// JobOverride adjusts one scheduler job.
type JobOverride struct {
	// Schedule replaces the default cron expression.
	Schedule string `yaml:"schedule"`
	// Enabled turns the job on or off. Nil keeps the default.
	Enabled *bool `yaml:"enabled"`
}

// fileConfig is the YAML file shape.
type fileConfig struct {
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Backup struct {
		BaseDir     string   `yaml:"base_dir"`
		UploadsDir  string   `yaml:"uploads_dir"`
		SourceDir   string   `yaml:"source_dir"`
		ConfigPaths []string `yaml:"config_paths"`
	} `yaml:"backup"`
	Jobs map[string]JobOverride `yaml:"jobs"`
}

// Load builds the Config: dotenv file if present, then the YAML file named
// by WARDEN_CONFIG_FILE, then environment variables on top.
func Load(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !os.IsNotExist(err) {
			return nil, trace.ConvertSystemError(err)
		}
	}

	cfg := &Config{
		BackupsEnabled: true,
		BaseDir:        "backups",
		LogLevel:       "info",
		Jobs:           make(map[string]JobOverride),
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	if v := os.Getenv(EnvBackupsEnabled); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, trace.BadParameter("%v must be a boolean, got %q", EnvBackupsEnabled, v)
		}
		cfg.BackupsEnabled = enabled
	}
	if v := os.Getenv(EnvBaseDir); v != "" {
		cfg.BaseDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	cfg.MongoURI = os.Getenv(EnvMongoURI)
	cfg.LicenseDBURI = os.Getenv(EnvLicenseDBURI)
	cfg.EncryptionKeyHex = os.Getenv(EnvEncryptionKey)
	cfg.IntegritySecret = os.Getenv(EnvIntegritySecret)

	if v := os.Getenv(EnvCloudEnabled); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, trace.BadParameter("%v must be a boolean, got %q", EnvCloudEnabled, v)
		}
		cfg.CloudEnabled = enabled
	}
	cfg.CloudProvider = os.Getenv(EnvCloudProvider)
	cfg.S3 = S3Config{
		Bucket:   os.Getenv(EnvS3Bucket),
		Region:   os.Getenv(EnvS3Region),
		Endpoint: os.Getenv(EnvS3Endpoint),
	}

	cfg.License = LicenseConfig{
		ServerURL:          os.Getenv(EnvLicenseServerURL),
		APIKey:             os.Getenv(EnvLicenseServerKey),
		CompanyID:          os.Getenv(EnvCompanyID),
		SyncInterval:       defaults.LicenseSyncInterval,
		ValidationInterval: 15 * time.Minute,
	}
	if v := os.Getenv(EnvSyncInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, trace.BadParameter("%v must be a duration like 6h, got %q", EnvSyncInterval, v)
		}
		cfg.License.SyncInterval = d
	}
	if v := os.Getenv(EnvValidationInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, trace.BadParameter("%v must be a duration like 15m, got %q", EnvValidationInterval, v)
		}
		cfg.License.ValidationInterval = d
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return trace.BadParameter("failed parsing %v: %v", path, err)
	}
	if fc.Log.Level != "" {
		c.LogLevel = fc.Log.Level
	}
	if fc.Backup.BaseDir != "" {
		c.BaseDir = fc.Backup.BaseDir
	}
	if fc.Backup.UploadsDir != "" {
		c.UploadsDir = fc.Backup.UploadsDir
	}
	if fc.Backup.SourceDir != "" {
		c.SourceDir = fc.Backup.SourceDir
	}
	if len(fc.Backup.ConfigPaths) > 0 {
		c.ConfigPaths = fc.Backup.ConfigPaths
	}
	for name, override := range fc.Jobs {
		c.Jobs[name] = override
	}
	return nil
}

// CheckAndSetDefaults validates the assembled configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.BaseDir == "" {
		return trace.BadParameter("backup base directory is empty")
	}
	if c.Jobs == nil {
		c.Jobs = make(map[string]JobOverride)
	}
	if c.BackupsEnabled && c.MongoURI == "" {
		return trace.BadParameter("%v is required when backups are enabled", EnvMongoURI)
	}
	if c.EncryptionKeyHex != "" {
		if _, err := encryptor.KeyFromHex(c.EncryptionKeyHex); err != nil {
			return trace.BadParameter("%v: %v", EnvEncryptionKey, err)
		}
	}
	if c.CloudEnabled {
		if c.CloudProvider == "" {
			c.CloudProvider = "s3"
		}
		switch c.CloudProvider {
		case "s3":
			if c.S3.Bucket == "" {
				return trace.BadParameter("%v is required when cloud backups are enabled", EnvS3Bucket)
			}
		case "memory":
			// Replicas stay in process memory. Local development only.
		default:
			return trace.BadParameter("unsupported cloud provider %q, use s3 or memory", c.CloudProvider)
		}
	}
	if c.License.ServerURL != "" {
		u, err := url.Parse(c.License.ServerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return trace.BadParameter("%v must be an absolute URL, got %q", EnvLicenseServerURL, c.License.ServerURL)
		}
		if c.License.APIKey == "" {
			return trace.BadParameter("%v is required when the license server is configured", EnvLicenseServerKey)
		}
		if c.License.CompanyID == "" {
			return trace.BadParameter("%v is required when the license server is configured", EnvCompanyID)
		}
	}
	if c.LicenseDBURI != "" && c.IntegritySecret == "" {
		return trace.BadParameter("%v is required when the license cache is enabled", EnvIntegritySecret)
	}
	return nil
}

// LicenseEnabled reports whether the license subsystem is configured.
func (c *Config) LicenseEnabled() bool {
	return c.LicenseDBURI != ""
}

// LicenseServerConfigured reports whether online sync is possible.
func (c *Config) LicenseServerConfigured() bool {
	return c.License.ServerURL != ""
}
