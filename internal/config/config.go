// Package config loads GridCompute's layered configuration: the pointer
// file naming the shared folder root, the plain-text settings file under
// that root, and environment/flag overrides layered on top the way the
// teacher CLI layers viper over its own settings — flag > env var > file >
// default.
package config

import (
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/gridcompute/gridcompute/internal/gridfault"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix GRIDCOMPUTE_ environment variables use to override
// any setting loaded from the shared settings file.
const EnvPrefix = "GRIDCOMPUTE"

// Config is the fully resolved, validated configuration a GridCompute
// process runs with.
type Config struct {
	SharedRoot string
	Settings   *Settings
	LogLevel   string
	LogFormat  string
}

// Load reads the pointer file, loads and validates settings.txt underneath
// it, then overlays any GRIDCOMPUTE_* environment variables recognized by
// v. v is expected to have had viper.AutomaticEnv and SetEnvPrefix(EnvPrefix)
// called already by the CLI entrypoint.
func Load(pointerFilePath string, v *viper.Viper) (*Config, error) {
	root, err := ReadPointerFile(pointerFilePath)
	if err != nil {
		return nil, err
	}

	settings, err := LoadSettings(root)
	if err != nil {
		return nil, err
	}

	applyOverrides(settings, v)
	defaultIdentity(settings)

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	cfg := &Config{
		SharedRoot: root,
		Settings:   settings,
		LogLevel:   v.GetString("log_level"),
		LogFormat:  v.GetString("log_format"),
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	return cfg, nil
}

// applyOverrides lets flag/env values bound into v take precedence over
// whatever settings.txt declared, matching the teacher CLI's precedence
// order without requiring settings.txt itself to be viper-readable.
func applyOverrides(s *Settings, v *viper.Viper) {
	if v == nil {
		return
	}
	if val := v.GetString("database_server"); val != "" {
		s.DatabaseServer = val
	}
	if val := v.GetString("user_group"); val != "" {
		s.UserGroup = val
	}
	if val := v.GetString("password"); val != "" {
		s.Password = val
	}
	if val := v.GetString("instance"); val != "" {
		s.Instance = val
	}
	if v.IsSet("reclaim_grace_seconds") {
		s.ReclaimGraceSeconds = v.GetInt("reclaim_grace_seconds")
	}
	if v.IsSet("heartbeat_interval_seconds") {
		s.HeartbeatIntervalSeconds = v.GetInt("heartbeat_interval_seconds")
	}
	if v.IsSet("worker_capacity") {
		s.WorkerCapacity = v.GetInt("worker_capacity")
	}
	if val := v.GetString("s3_mirror_bucket"); val != "" {
		s.S3MirrorBucket = val
	}
	if val := v.GetString("status_http_addr"); val != "" {
		s.StatusHTTPAddr = val
	}
	if val := v.GetString("machine"); val != "" {
		s.Machine = val
	}
	if val := v.GetString("user"); val != "" {
		s.User = val
	}
	if val := v.GetString("redis_url"); val != "" {
		s.RedisURL = val
	}
	if val := v.GetString("amqp_url"); val != "" {
		s.AMQPURL = val
	}
}

// defaultIdentity falls back to the OS hostname and current user when
// settings.txt and its overrides leave machine/user unset, so a freshly
// unpacked deployment works without hand-editing an identity into place.
func defaultIdentity(s *Settings) {
	if s.Machine == "" {
		if host, err := os.Hostname(); err == nil {
			s.Machine = host
		}
	}
	if s.User == "" {
		if u, err := user.Current(); err == nil {
			s.User = u.Username
		}
	}
}

// ReclaimGrace returns the reclamation grace period G as a time.Duration.
func (c *Config) ReclaimGrace() time.Duration {
	return time.Duration(c.Settings.ReclaimGraceSeconds) * time.Second
}

// HeartbeatInterval returns the heartbeat interval H as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Settings.HeartbeatIntervalSeconds) * time.Second
}

// SoftwarePerMachinePath returns the canonical path of the capability matrix
// CSV under the shared folder root.
func (c *Config) SoftwarePerMachinePath() string {
	return c.SharedRoot + "/Settings/Software_Per_Machine.csv"
}

// ApplicationsDir returns the canonical path of the adapter bundle directory
// under the shared folder root.
func (c *Config) ApplicationsDir() string {
	return c.SharedRoot + "/Settings/Applications"
}

// CasesDir and ResultsDir return the canonical roots for input and result
// archives respectively.
func (c *Config) CasesDir() string   { return c.SharedRoot + "/Cases" }
func (c *Config) ResultsDir() string { return c.SharedRoot + "/Results" }

// Validate re-checks invariants that depend on more than settings.txt alone,
// such as B1 (H < G/2), surfacing a single aggregated error the way the
// teacher's Validator does.
func (c *Config) Validate() error {
	if c.Settings == nil {
		return gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("no settings loaded"))
	}
	return c.Settings.Validate()
}
