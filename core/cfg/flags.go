// Copyright 2015 - 2017 Ka-Hing Cheung
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
	"fmt"
	"os"

	"github.com/urfave/cli"
)

var Version = "dev"

const (
	flagConfig              = "config"
	flagCacheDir            = "cache-dir"
	flagIndexBackend        = "index-backend"
	flagNoCache             = "no-cache"
	flagForceReprocess      = "force-reprocess"
	flagCleanCache          = "clean-cache"
	flagBatchSize           = "batch-size"
	flagFallbackConcurrency = "fallback-concurrency"
	flagOutputDir           = "output-dir"
	flagAPIURL              = "api-url"
	flagUpscaler            = "upscaler"
	flagScale               = "scale"
	flagDenoising           = "denoising"
	flagOutputFormat        = "output-format"
	flagNoColorize          = "no-colorize"
	flagMaxCacheMB          = "max-cache-mb"
	flagLogLevel            = "log-level"
	flagLogFormat           = "log-format"
	flagLogFile             = "log-file"
	flagNoLogColor          = "no-log-color"
)

// FlagStorage holds the parsed command line. Only flags the user actually
// set override the config file.
type FlagStorage struct {
	ConfigPath string

	CacheDir            string
	IndexBackend        string
	NoCache             bool
	ForceReprocess      bool
	CleanCache          bool
	BatchSize           int
	FallbackConcurrency int
	OutputDir           string
	MaxCacheMB          int

	APIURL       string
	Upscaler     string
	Scale        float64
	Denoising    float64
	OutputFormat string
	NoColorize   bool

	LogLevel   string
	LogFormat  string
	LogFile    string
	NoLogColor bool

	set map[string]bool
}

// NewApp builds the command line application with its global flags.
// Commands and actions are attached by the caller.
func NewApp() (app *cli.App) {
	app = cli.NewApp()
	app.Name = "fluxcoach"
	app.Version = Version
	app.Usage = "Batch image enhancement with a content-addressed result cache"
	app.UsageText = "fluxcoach [global options] <image or directory>...\n   fluxcoach [global options] cache <command>"
	app.HideHelp = false
	app.Writer = os.Stderr

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   flagConfig,
			Usage:  "Configuration file (default: $FLUXCOACH_CONFIG_DIR/config.yaml or ~/.config/fluxcoach/config.yaml)",
			EnvVar: "FLUXCOACH_CONFIG",
		},

		/////////////////////////
		// Cache
		/////////////////////////

		cli.StringFlag{
			Name:   flagCacheDir,
			Usage:  "Cache directory holding the index and artifacts (default: ~/.fluxgym_cache)",
			EnvVar: "FLUXCOACH_CACHE_DIR",
		},
		cli.StringFlag{
			Name:  flagIndexBackend,
			Usage: "Cache index backend: bbolt or json",
		},
		cli.BoolFlag{
			Name:  flagNoCache,
			Usage: "Neither read nor write the cache",
		},
		cli.BoolFlag{
			Name:  flagForceReprocess,
			Usage: "Ignore cached results but record the new ones",
		},
		cli.BoolFlag{
			Name:  flagCleanCache,
			Usage: "Clear the cache before processing",
		},
		cli.IntFlag{
			Name:  flagMaxCacheMB,
			Usage: "Evict oldest artifacts beyond this many megabytes (0: unbounded)",
		},

		/////////////////////////
		// Batching
		/////////////////////////

		cli.IntFlag{
			Name:  flagBatchSize,
			Usage: "Maximum images per batch request (0: all pending images in one request)",
		},
		cli.IntFlag{
			Name:  flagFallbackConcurrency,
			Usage: "Parallel single-image requests after a failed batch",
			Value: defaultFallbackConcurrency,
		},
		cli.StringFlag{
			Name:  flagOutputDir,
			Usage: "Directory for enhanced images (default: <cache-dir>/artifacts)",
		},

		/////////////////////////
		// Enhancement
		/////////////////////////

		cli.StringFlag{
			Name:   flagAPIURL,
			Usage:  "Enhancement service base URL",
			EnvVar: "FLUXCOACH_API_URL",
		},
		cli.StringFlag{
			Name:  flagUpscaler,
			Usage: "Upscaler model name",
		},
		cli.Float64Flag{
			Name:  flagScale,
			Usage: "Upscale factor (1-4)",
		},
		cli.Float64Flag{
			Name:  flagDenoising,
			Usage: "Denoising strength (0-1)",
		},
		cli.StringFlag{
			Name:  flagOutputFormat,
			Usage: "Output format: PNG, JPEG or WEBP",
		},
		cli.BoolFlag{
			Name:  flagNoColorize,
			Usage: "Do not colorize grayscale sources",
		},

		/////////////////////////
		// Debugging
		/////////////////////////

		cli.StringFlag{
			Name:  flagLogLevel,
			Usage: "Log level: trace, debug, info, warn, error",
		},
		cli.StringFlag{
			Name:  flagLogFormat,
			Usage: "Log format: console or json",
		},
		cli.StringFlag{
			Name:  flagLogFile,
			Usage: "Redirect logs to a file, stderr or syslog",
		},
		cli.BoolFlag{
			Name:  flagNoLogColor,
			Usage: "Disable colors in console logs",
		},
	}

	return
}

// PopulateFlags reads the global flags, wherever in the command tree c is.
func PopulateFlags(c *cli.Context) (ret *FlagStorage) {
	root := c
	for root.Parent() != nil {
		root = root.Parent()
	}

	ret = &FlagStorage{
		ConfigPath: root.String(flagConfig),

		CacheDir:            root.String(flagCacheDir),
		IndexBackend:        root.String(flagIndexBackend),
		NoCache:             root.Bool(flagNoCache),
		ForceReprocess:      root.Bool(flagForceReprocess),
		CleanCache:          root.Bool(flagCleanCache),
		BatchSize:           root.Int(flagBatchSize),
		FallbackConcurrency: root.Int(flagFallbackConcurrency),
		OutputDir:           root.String(flagOutputDir),
		MaxCacheMB:          root.Int(flagMaxCacheMB),

		APIURL:       root.String(flagAPIURL),
		Upscaler:     root.String(flagUpscaler),
		Scale:        root.Float64(flagScale),
		Denoising:    root.Float64(flagDenoising),
		OutputFormat: root.String(flagOutputFormat),
		NoColorize:   root.Bool(flagNoColorize),

		LogLevel:   root.String(flagLogLevel),
		LogFormat:  root.String(flagLogFormat),
		LogFile:    root.String(flagLogFile),
		NoLogColor: root.Bool(flagNoLogColor),

		set: make(map[string]bool),
	}
	for _, name := range root.GlobalFlagNames() {
		if root.IsSet(name) {
			ret.set[name] = true
		}
	}

	if ret.BatchSize < 0 {
		fmt.Fprintf(os.Stderr, "--%s must not be negative\n", flagBatchSize)
		return nil
	}
	if ret.FallbackConcurrency < 1 {
		fmt.Fprintf(os.Stderr, "--%s must be at least 1\n", flagFallbackConcurrency)
		return nil
	}
	return
}

// IsSet reports whether the named flag was given explicitly.
func (f *FlagStorage) IsSet(name string) bool {
	return f.set[name]
}

// Load reads the configuration file and applies explicit flags on top.
// Without --config a missing default file is not an error.
func (f *FlagStorage) Load() (*Config, error) {
	var (
		conf *Config
		err  error
	)
	if f.ConfigPath != "" {
		conf, err = LoadConfig(f.ConfigPath)
	} else {
		conf, err = LoadOrDefault(DefaultConfigPath())
	}
	if err != nil {
		return nil, err
	}

	f.Apply(conf)
	if vErr := conf.Validate(); len(vErr.Issues) > 0 {
		return nil, vErr
	}
	return conf, nil
}

// Apply overrides conf with every explicitly set flag.
func (f *FlagStorage) Apply(conf *Config) {
	if f.IsSet(flagCacheDir) {
		conf.Cache.Dir = f.CacheDir
	}
	if f.IsSet(flagIndexBackend) {
		conf.Cache.IndexBackend = f.IndexBackend
	}
	if f.NoCache {
		conf.Cache.Disabled = true
	}
	if f.IsSet(flagMaxCacheMB) {
		conf.Cache.MaxCacheMB = f.MaxCacheMB
	}
	if f.IsSet(flagBatchSize) {
		conf.Batch.Size = f.BatchSize
	}
	if f.IsSet(flagFallbackConcurrency) {
		conf.Batch.FallbackConcurrency = f.FallbackConcurrency
	}
	if f.IsSet(flagOutputDir) {
		conf.Batch.OutputDir = f.OutputDir
	}
	if f.IsSet(flagAPIURL) {
		conf.Remote.URL = f.APIURL
	}
	if f.IsSet(flagUpscaler) {
		conf.Enhance.Upscaler = f.Upscaler
	}
	if f.IsSet(flagScale) {
		conf.Enhance.Scale = f.Scale
	}
	if f.IsSet(flagDenoising) {
		conf.Enhance.Denoising = f.Denoising
	}
	if f.IsSet(flagOutputFormat) {
		conf.Enhance.OutputFormat = f.OutputFormat
	}
	if f.NoColorize {
		conf.Enhance.AutoColorize = false
	}
	if f.IsSet(flagLogLevel) {
		conf.Log.Level = f.LogLevel
	}
	if f.IsSet(flagLogFormat) {
		conf.Log.Format = f.LogFormat
	}
}
