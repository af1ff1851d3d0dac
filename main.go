// Copyright 2015 - 2017 Ka-Hing Cheung
// Copyright 2015 - 2017 Google Inc. All Rights Reserved.
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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sort"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/tigrisdata/fluxcoach/core/cfg"
	"github.com/tigrisdata/fluxcoach/log"
	"github.com/tigrisdata/fluxcoach/pkg/batch"
	"github.com/tigrisdata/fluxcoach/pkg/cache"
	"github.com/tigrisdata/fluxcoach/pkg/cache/cleaner"
	"github.com/tigrisdata/fluxcoach/pkg/cache/failsafe"
	"github.com/tigrisdata/fluxcoach/pkg/cache/files"
	"github.com/tigrisdata/fluxcoach/pkg/forge"
	"github.com/tigrisdata/fluxcoach/pkg/imaging"
)

var mainLog = log.GetLogger("main")

var errItemsFailed = errors.New("some images could not be enhanced")

const probeTimeout = 10 * time.Second

// registerSIGINTHandler cancels ctx on the first SIGINT or SIGTERM. A second
// signal terminates immediately.
func registerSIGINTHandler(cancel context.CancelFunc) {
	signalChan := make(chan os.Signal, 2)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		s := <-signalChan
		mainLog.Info().Str("signal", fmt.Sprintf("%v", s)).Msg("Received signal, stopping after in-flight requests...")
		cancel()

		s = <-signalChan
		mainLog.Warn().Str("signal", fmt.Sprintf("%v", s)).Msg("Received second signal, exiting")
		os.Exit(130)
	}()
}

// setup parses flags, loads the configuration and initialises logging.
func setup(c *cli.Context) (*cfg.FlagStorage, *cfg.Config, error) {
	flags := cfg.PopulateFlags(c)
	if flags == nil {
		mainLog.E(cli.ShowAppHelp(c))
		return nil, nil, fmt.Errorf("invalid arguments")
	}

	conf, err := flags.Load()
	if errors.Is(err, cfg.ErrConfigMissing) {
		return nil, nil, fmt.Errorf("wrote a configuration template to %s, review it and run again", flags.ConfigPath)
	}
	if err != nil {
		return nil, nil, err
	}

	if err := cfg.InitLoggers(flags, conf); err != nil {
		return nil, nil, err
	}
	return flags, conf, nil
}

func openCache(conf *cfg.Config) (*cache.ContentCache, error) {
	dir, err := conf.CacheDir()
	if err != nil {
		return nil, err
	}
	return cache.Open(dir, cache.Options{
		Backend: cache.Backend(conf.Cache.IndexBackend),
		Timeout: time.Duration(conf.Cache.IndexTimeoutSec) * time.Second,
	})
}

func newCleaner(conf *cfg.Config, cc *cache.ContentCache) (*cleaner.Cleaner, error) {
	return cleaner.New(cleaner.Config{
		CacheDir:       cc.Dir(),
		MaxCacheBytes:  int64(conf.Cache.MaxCacheMB) << 20,
		MaxAge:         time.Duration(conf.Cache.MaxAgeDays) * 24 * time.Hour,
		MinFreePercent: conf.FailSafe.DiskMinFreePercent,
		CleanInterval:  time.Duration(conf.Cleaner.IntervalMin) * time.Minute,
	}, cc)
}

// collectInputs expands directories into their supported image files,
// sorted by name. Files are kept as given even when the extension is
// unknown so that they get reported instead of silently skipped.
func collectInputs(args []string) ([]string, error) {
	var inputs []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil || !info.IsDir() {
			inputs = append(inputs, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("read directory %s: %w", arg, err)
		}
		var found []string
		for _, entry := range entries {
			if entry.Type().IsRegular() && imaging.SupportedExtension(entry.Name()) {
				found = append(found, filepath.Join(arg, entry.Name()))
			}
		}
		sort.Strings(found)
		if len(found) == 0 {
			mainLog.Warn().Str("dir", arg).Msg("No supported images in directory")
		}
		inputs = append(inputs, found...)
	}
	return inputs, nil
}

// probe checks the service and the configured upscaler. Failures are only
// reported: the run itself surfaces real errors per image.
func probe(ctx context.Context, client *forge.Client, upscaler string) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	names, err := client.Upscalers(ctx)
	if err != nil {
		mainLog.Warn().Str("url", client.BaseURL()).Err(err).Msg("Enhancement service is not answering")
		return
	}
	if !slices.Contains(names, upscaler) {
		mainLog.Warn().Str("upscaler", upscaler).Strs("available", names).Msg("Upscaler not offered by the service")
	}
}

func enhance(c *cli.Context) error {
	if len(c.Args()) == 0 {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s needs at least one image or directory.\n\n", c.App.Name)
		mainLog.E(cli.ShowAppHelp(c))
		return fmt.Errorf("invalid arguments")
	}

	flags, conf, err := setup(c)
	if err != nil {
		return err
	}

	inputs, err := collectInputs(c.Args())
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		mainLog.Info().Msg("Nothing to do")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registerSIGINTHandler(cancel)

	params := conf.Params()
	client, err := forge.NewClient(params.APIURL,
		forge.WithTimeout(time.Duration(conf.Remote.TimeoutSec)*time.Second),
		forge.WithRateLimit(conf.Remote.RequestsPerSecond, conf.Remote.Burst),
	)
	if err != nil {
		return err
	}
	probe(ctx, client, params.Upscaler)

	outputDir, err := conf.OutputDir()
	if err != nil {
		return err
	}

	gate := &batch.Gate{}
	store := files.NewStore()
	var contentCache batch.Cache

	if !conf.Cache.Disabled {
		cc, err := openCache(conf)
		if err != nil {
			mainLog.Warn().Err(err).Msg("Cache unavailable, continuing without it")
		} else {
			defer func() { mainLog.E(cc.Close()) }()
			contentCache = cc

			if flags.CleanCache {
				if err := cc.Clear(ctx); err != nil {
					return err
				}
				mainLog.Info().Str("dir", cc.Dir()).Msg("Cache cleared")
			}

			cl, err := newCleaner(conf, cc)
			if err != nil {
				return err
			}
			if conf.FailSafe.Enable {
				monitor, err := failsafe.NewMonitor(cl, gate)
				if err != nil {
					return err
				}
				store = files.NewStore(files.WithRecoverer(monitor))
			}
			if conf.Cache.MaxCacheMB > 0 || conf.Cache.MaxAgeDays > 0 {
				bgCtx, stop := context.WithCancel(ctx)
				defer stop()
				go func() {
					if err := cl.RunBackground(bgCtx, nil); err != nil && !errors.Is(err, context.Canceled) {
						mainLog.Warn().Err(err).Msg("Cache maintenance stopped")
					}
				}()
			}
		}
	}

	coordinator, err := batch.New(client, contentCache, batch.Config{
		BatchSize:           conf.Batch.Size,
		FallbackConcurrency: conf.Batch.FallbackConcurrency,
		OutputDir:           outputDir,
		NoCache:             conf.Cache.Disabled,
		ForceReprocess:      flags.ForceReprocess,
		Retry:               conf.RetryPolicy(),
	}, batch.WithStore(store), batch.WithGate(gate))
	if err != nil {
		return err
	}

	mainLog.Info().Int("images", len(inputs)).Str("url", params.APIURL).Str("output", outputDir).Msg("Enhancing")
	report, err := coordinator.Process(ctx, inputs, params)
	printReport(report)
	if err != nil {
		return err
	}

	mainLog.Info().
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("cached", report.CacheHits).
		Int("remoteCalls", report.RemoteCalls()).
		Msg("Done")
	if report.Failed > 0 {
		return errItemsFailed
	}
	return nil
}

func printReport(report batch.Report) {
	for _, res := range report.Results {
		switch {
		case res.OK():
			note := ""
			if res.Colorized {
				note = " (colorized)"
			}
			fmt.Printf("%-9s %s -> %s%s\n", res.Status, res.Source, res.Output, note)
		default:
			fmt.Printf("%-9s %s: %v\n", res.Status, res.Source, res.Err)
		}
	}
}

func main() {
	app := cfg.NewApp()
	app.Action = enhance
	app.Commands = []cli.Command{cacheCommand()}

	err := app.Run(os.Args)
	if err != nil {
		if !errors.Is(err, errItemsFailed) {
			mainLog.Error().Err(err).Msg("fluxcoach failed")
		}
		os.Exit(1)
	}
}
