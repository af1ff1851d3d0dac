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
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"github.com/tigrisdata/fluxcoach/core/cfg"
	"github.com/tigrisdata/fluxcoach/pkg/cache"
	"github.com/tigrisdata/fluxcoach/pkg/cache/cleaner"
	"github.com/tigrisdata/fluxcoach/pkg/cache/index"
)

const defaultCleanupAge = 30 * 24 * time.Hour

func cacheCommand() cli.Command {
	return cli.Command{
		Name:  "cache",
		Usage: "Inspect and maintain the result cache",
		Subcommands: []cli.Command{
			{
				Name:   "list",
				Usage:  "Print every cached result, oldest first",
				Action: withCache(listCache),
			},
			{
				Name:   "purge",
				Usage:  "Drop entries whose source changed or whose output is gone",
				Action: withCache(purgeCache),
			},
			{
				Name:   "clear",
				Usage:  "Drop every entry and the artifacts the cache owns",
				Action: withCache(clearCache),
			},
			{
				Name:  "cleanup",
				Usage: "Evict entries older than --max-age",
				Flags: []cli.Flag{
					cli.DurationFlag{
						Name:  "max-age",
						Usage: "Age beyond which entries are evicted",
						Value: defaultCleanupAge,
					},
				},
				Action: withCache(cleanupCache),
			},
			{
				Name:      "remove",
				Usage:     "Drop the cached results of the given source files",
				ArgsUsage: "<file>...",
				Action:    withCache(removeFromCache),
			},
		},
	}
}

type cacheAction func(ctx context.Context, c *cli.Context, conf *cfg.Config, cc *cache.ContentCache) error

// withCache loads configuration and opens the cache around a subcommand.
func withCache(action cacheAction) func(*cli.Context) error {
	return func(c *cli.Context) error {
		_, conf, err := setup(c)
		if err != nil {
			return err
		}
		cc, err := openCache(conf)
		if err != nil {
			return err
		}
		defer func() { mainLog.E(cc.Close()) }()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		registerSIGINTHandler(cancel)

		return action(ctx, c, conf, cc)
	}
}

func listCache(ctx context.Context, _ *cli.Context, _ *cfg.Config, cc *cache.ContentCache) error {
	entries, err := cc.Entries(ctx)
	if err != nil {
		return err
	}
	return writeEntries(os.Stdout, entries, time.Now())
}

func writeEntries(out io.Writer, entries []index.Entry, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tSIZE\tAGE\tSOURCE\tOUTPUT")
	var total uint64
	for _, entry := range entries {
		size := "missing"
		if info, err := os.Stat(entry.OutputPath); err == nil {
			total += uint64(info.Size())
			size = humanize.Bytes(uint64(info.Size()))
		}
		key := entry.Key
		if len(key) > 12 {
			key = key[:12]
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			key, size, humanize.RelTime(entry.InsertedAt, now, "ago", "from now"), entry.SourcePath, entry.OutputPath)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%s entries, %s\n", humanize.Comma(int64(len(entries))), humanize.Bytes(total))
	return err
}

func purgeCache(ctx context.Context, _ *cli.Context, _ *cfg.Config, cc *cache.ContentCache) error {
	n, err := cc.PurgeInvalid(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d invalid entries\n", n)
	return nil
}

func clearCache(ctx context.Context, _ *cli.Context, _ *cfg.Config, cc *cache.ContentCache) error {
	if err := cc.Clear(ctx); err != nil {
		return err
	}
	fmt.Printf("cleared %s\n", cc.Dir())
	return nil
}

func cleanupCache(ctx context.Context, c *cli.Context, conf *cfg.Config, cc *cache.ContentCache) error {
	maxAge := c.Duration("max-age")
	if maxAge <= 0 {
		return fmt.Errorf("--max-age must be positive, got %s", maxAge)
	}

	cl, err := newCleaner(conf, cc)
	if err != nil {
		return err
	}
	report, err := cl.RunOnce(ctx, cleaner.Trigger{Reason: cleaner.TriggerReasonManual, MaxAge: maxAge})
	if err != nil && !errors.Is(err, cleaner.ErrCapacityNotReduced) {
		return err
	}
	fmt.Printf("evicted %d entries (%d expired), freed %s\n",
		len(report.Evicted), report.Expired, humanize.Bytes(uint64(report.BytesFreed)))
	return err
}

func removeFromCache(ctx context.Context, c *cli.Context, _ *cfg.Config, cc *cache.ContentCache) error {
	if len(c.Args()) == 0 {
		mainLog.E(cli.ShowCommandHelp(c, c.Command.Name))
		return fmt.Errorf("no files given")
	}
	for _, path := range c.Args() {
		n, err := cc.RemoveSource(ctx, path)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d entries for %s\n", n, path)
	}
	return nil
}
