// Copyright 2024 Tigris Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tigrisdata/fluxcoach/lib"
	"github.com/tigrisdata/fluxcoach/log"
	"github.com/tigrisdata/fluxcoach/pkg/batch"
	"github.com/tigrisdata/fluxcoach/pkg/cache"
)

const (
	defaultVersion             = 1
	defaultCacheDirName        = ".fluxgym_cache"
	defaultMaxAgeDays          = 30
	defaultRemoteTimeoutSec    = 300
	defaultRetryAttempts       = 4
	defaultRetryBaseDelayMs    = 1000
	defaultRetryMaxDelaySec    = 60
	defaultCleanIntervalMin    = 30
	defaultDiskMinFreePercent  = 10
	defaultFallbackConcurrency = 1

	configDirEnv   = "FLUXCOACH_CONFIG_DIR"
	configFileName = "config.yaml"
)

var ErrConfigMissing = errors.New("config missing")

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", v.Issues)
}

// Config is the on-disk configuration of the enhancement tool.
type Config struct {
	Version  int            `yaml:"version"`
	Cache    CacheConfig    `yaml:"cache"`
	Remote   RemoteConfig   `yaml:"remote"`
	Enhance  batch.Params   `yaml:"enhance"`
	Batch    BatchConfig    `yaml:"batch"`
	Retry    RetryConfig    `yaml:"retry"`
	Cleaner  CleanerConfig  `yaml:"cleaner"`
	FailSafe FailSafeConfig `yaml:"fail_safe"`
	Log      log.LogConfig  `yaml:"log"`
}

// CacheConfig locates and bounds the content cache.
type CacheConfig struct {
	Dir          string `yaml:"dir"`
	IndexBackend string `yaml:"index_backend"`
	Disabled     bool   `yaml:"disabled"`
	// MaxCacheMB caps artifact usage. Zero means unbounded.
	MaxCacheMB int `yaml:"max_cache_mb"`
	// MaxAgeDays expires old entries during maintenance. Zero disables.
	MaxAgeDays      int `yaml:"max_age_days"`
	IndexTimeoutSec int `yaml:"index_timeout_sec"`
}

// RemoteConfig addresses the enhancement service.
type RemoteConfig struct {
	URL               string  `yaml:"url"`
	TimeoutSec        int     `yaml:"timeout_sec"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// BatchConfig tunes request grouping.
type BatchConfig struct {
	Size                int    `yaml:"size"`
	FallbackConcurrency int    `yaml:"fallback_concurrency"`
	OutputDir           string `yaml:"output_dir"`
}

// RetryConfig bounds per-item retries.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelaySec int `yaml:"max_delay_sec"`
}

// CleanerConfig schedules background maintenance.
type CleanerConfig struct {
	IntervalMin int `yaml:"interval_min"`
}

// FailSafeConfig configures ENOSPC protection.
type FailSafeConfig struct {
	Enable             bool `yaml:"enable"`
	DiskMinFreePercent int  `yaml:"disk_min_free_percent"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		Enhance:  batch.DefaultParams(),
		FailSafe: FailSafeConfig{Enable: true},
		Cache:    CacheConfig{MaxAgeDays: defaultMaxAgeDays},
	}
	cfg.applyDefaults()
	return cfg
}

// DefaultConfigPath is $FLUXCOACH_CONFIG_DIR/config.yaml, falling back to
// ~/.config/fluxcoach/config.yaml.
func DefaultConfigPath() string {
	if dir := os.Getenv(configDirEnv); dir != "" {
		return filepath.Join(dir, configFileName)
	}
	return filepath.Join(lib.HomeDir(), ".config", "fluxcoach", configFileName)
}

// LoadConfig reads config from the provided path. When the file does not exist
// it writes a template and returns ErrConfigMissing to prompt the user to edit
// the newly created file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := writeTemplate(path); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if vErr := cfg.Validate(); len(vErr.Issues) > 0 {
		return nil, vErr
	}

	return cfg, nil
}

// LoadOrDefault reads path when it exists and falls back to Default
// otherwise. Unlike LoadConfig it never writes a template.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return LoadConfig(path)
}

// CacheDir returns the expanded cache directory.
func (c Config) CacheDir() (string, error) {
	return lib.ExpandPath(c.Cache.Dir)
}

// OutputDir returns the expanded output directory, defaulting to the
// cache's artifacts directory.
func (c Config) OutputDir() (string, error) {
	if c.Batch.OutputDir != "" {
		return lib.ExpandPath(c.Batch.OutputDir)
	}
	dir, err := c.CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "artifacts"), nil
}

// RetryPolicy converts the retry section.
func (c Config) RetryPolicy() batch.RetryPolicy {
	return batch.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(c.Retry.MaxDelaySec) * time.Second,
	}
}

// Params returns the enhancement parameters bound to the remote URL.
func (c Config) Params() batch.Params {
	p := c.Enhance
	p.APIURL = c.Remote.URL
	return p.Normalize()
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = defaultVersion
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(lib.HomeDir(), defaultCacheDirName)
	}
	if c.Cache.IndexBackend == "" {
		c.Cache.IndexBackend = string(cache.BackendBbolt)
	}
	if c.Remote.URL == "" {
		c.Remote.URL = batch.DefaultAPIURL
	}
	if c.Remote.TimeoutSec == 0 {
		c.Remote.TimeoutSec = defaultRemoteTimeoutSec
	}
	if c.Batch.FallbackConcurrency == 0 {
		c.Batch.FallbackConcurrency = defaultFallbackConcurrency
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = defaultRetryAttempts
	}
	if c.Retry.BaseDelayMs == 0 {
		c.Retry.BaseDelayMs = defaultRetryBaseDelayMs
	}
	if c.Retry.MaxDelaySec == 0 {
		c.Retry.MaxDelaySec = defaultRetryMaxDelaySec
	}
	if c.Cleaner.IntervalMin == 0 {
		c.Cleaner.IntervalMin = defaultCleanIntervalMin
	}
	if c.FailSafe.DiskMinFreePercent == 0 {
		c.FailSafe.DiskMinFreePercent = defaultDiskMinFreePercent
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() ValidationError {
	issues := make([]string, 0)

	if c.Version != defaultVersion {
		issues = append(issues, "version must be 1")
	}
	switch cache.Backend(c.Cache.IndexBackend) {
	case cache.BackendBbolt, cache.BackendJSON:
	default:
		issues = append(issues, fmt.Sprintf("cache.index_backend must be %q or %q", cache.BackendBbolt, cache.BackendJSON))
	}
	if c.Cache.MaxCacheMB < 0 {
		issues = append(issues, "cache.max_cache_mb must be >= 0")
	}
	if c.Cache.MaxAgeDays < 0 {
		issues = append(issues, "cache.max_age_days must be >= 0")
	}
	if c.Cache.IndexTimeoutSec < 0 {
		issues = append(issues, "cache.index_timeout_sec must be >= 0")
	}
	if c.Remote.TimeoutSec <= 0 {
		issues = append(issues, "remote.timeout_sec must be > 0")
	}
	if c.Remote.RequestsPerSecond < 0 {
		issues = append(issues, "remote.requests_per_second must be >= 0")
	}
	if c.Remote.Burst < 0 {
		issues = append(issues, "remote.burst must be >= 0")
	}
	if c.Batch.Size < 0 {
		issues = append(issues, "batch.size must be >= 0")
	}
	if c.Batch.FallbackConcurrency <= 0 {
		issues = append(issues, "batch.fallback_concurrency must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		issues = append(issues, "retry.max_attempts must be > 0")
	}
	if c.Retry.BaseDelayMs <= 0 {
		issues = append(issues, "retry.base_delay_ms must be > 0")
	}
	if c.Retry.MaxDelaySec <= 0 {
		issues = append(issues, "retry.max_delay_sec must be > 0")
	}
	if c.Cleaner.IntervalMin <= 0 {
		issues = append(issues, "cleaner.interval_min must be > 0")
	}
	if c.FailSafe.DiskMinFreePercent <= 0 || c.FailSafe.DiskMinFreePercent > 100 {
		issues = append(issues, "fail_safe.disk_min_free_percent must be in (0,100]")
	}

	if err := c.Params().Validate(); err != nil {
		var invalid *batch.InvalidParamsError
		if errors.As(err, &invalid) {
			for _, issue := range invalid.Issues {
				issues = append(issues, "enhance."+issue)
			}
		} else {
			issues = append(issues, err.Error())
		}
	}

	return ValidationError{Issues: issues}
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tpl := bytes.NewBufferString("# fluxcoach configuration\n")
	tpl.WriteString("version: 1\n")
	tpl.WriteString("cache:\n")
	tpl.WriteString("  # dir: ~/.fluxgym_cache\n")
	tpl.WriteString("  index_backend: bbolt\n")
	tpl.WriteString("  disabled: false\n")
	tpl.WriteString("  max_cache_mb: 0\n")
	tpl.WriteString("  max_age_days: 30\n")
	tpl.WriteString("remote:\n")
	tpl.WriteString("  url: http://127.0.0.1:7860\n")
	tpl.WriteString("  timeout_sec: 300\n")
	tpl.WriteString("  requests_per_second: 0\n")
	tpl.WriteString("enhance:\n")
	tpl.WriteString("  upscaler: R-ESRGAN 4x+ Anime6B\n")
	tpl.WriteString("  scale: 2\n")
	tpl.WriteString("  denoising_strength: 0.5\n")
	tpl.WriteString("  steps: 20\n")
	tpl.WriteString("  cfg_scale: 7\n")
	tpl.WriteString("  sampler: DPM++ 2M\n")
	tpl.WriteString("  output_format: PNG\n")
	tpl.WriteString("  auto_colorize: true\n")
	tpl.WriteString("batch:\n")
	tpl.WriteString("  size: 0\n")
	tpl.WriteString("  fallback_concurrency: 1\n")
	tpl.WriteString("  # output_dir: \n")
	tpl.WriteString("retry:\n")
	tpl.WriteString("  max_attempts: 4\n")
	tpl.WriteString("  base_delay_ms: 1000\n")
	tpl.WriteString("  max_delay_sec: 60\n")
	tpl.WriteString("cleaner:\n")
	tpl.WriteString("  interval_min: 30\n")
	tpl.WriteString("fail_safe:\n")
	tpl.WriteString("  enable: true\n")
	tpl.WriteString("  disk_min_free_percent: 10\n")

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
