// Copyright (c) 2026 John Earle
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

// buoysync — telemetry email sync service
//
// Entry point for the sync pipeline. It:
//  1. Loads the source and output configuration from config.yaml
//  2. Connects to PostgreSQL (state + destination tables) and Redis
//  3. Loads the sender lookup table
//  4. Builds one feed adapter per configured source
//  5. Runs every source once, or on an interval with --watch
//  6. Mirrors touched export files to the configured S3 bucket
//
// Usage:
//
//	buoysync --config config.yaml [--from "2025-09-01 00:00:00"] [--to ...] [--reset] [--watch]
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/orawny/buoysync/internal/config"
	"github.com/orawny/buoysync/internal/dedup"
	"github.com/orawny/buoysync/internal/lookup"
	"github.com/orawny/buoysync/internal/mirror"
	"github.com/orawny/buoysync/internal/output"
	"github.com/orawny/buoysync/internal/source"
	"github.com/orawny/buoysync/internal/state"
	"github.com/orawny/buoysync/internal/sync"
	"github.com/orawny/buoysync/internal/timeshift"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	configPath := pflag.String("config", "", "Path to config.yaml (default: CONFIG_PATH or ./config.yaml)")
	fromFlag := pflag.String("from", "", `Manual lower bound, "2006-01-02 15:04:05" (overrides every source)`)
	toFlag := pflag.String("to", "", `Manual upper bound; freezes checkpoints for the run`)
	resetFlag := pflag.Bool("reset", false, "Clear checkpoints and export history before running")
	watchFlag := pflag.Bool("watch", false, "Keep running on RUN_INTERVAL (or --interval)")
	intervalFlag := pflag.Duration("interval", 0, "Polling interval for --watch")
	pflag.Parse()

	slog.Info("starting buoysync")

	// --- Load Configuration ---
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"sources", len(cfg.Sources),
		"mode", cfg.Output.Mode,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// --- State Store (Postgres) ---
	store, err := state.Connect(ctx, cfg.StateDSN)
	if err != nil {
		slog.Error("failed to connect state store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("connected to PostgreSQL state store")

	// --- Dedup Filter (Redis, optional) ---
	var filter *dedup.Filter
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		filter = dedup.NewFilter(rdb)
		if err := filter.Ping(ctx); err != nil {
			// The filter is an accelerator. The durable dedupe lives
			// in Postgres, so a dead Redis only costs speed.
			slog.Warn("redis unreachable, continuing without dedup filter", "error", err)
			filter = nil
		} else {
			slog.Info("connected to Redis dedup filter")
		}
	}

	// --- Sender Lookup ---
	lookups, err := lookup.NewLoader(cfg.LookupPath)
	if err != nil {
		slog.Error("failed to initialise lookup loader", "error", err)
		os.Exit(1)
	}

	// --- Destination ---
	var tables sync.TableSink
	var files *output.FileWriter
	switch cfg.Output.Mode {
	case sync.ModeDB:
		pool, err := pgxpool.New(ctx, cfg.OutputDSN)
		if err != nil {
			slog.Error("failed to create output pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		tw, err := output.NewTableWriter(ctx, pool)
		if err != nil {
			slog.Error("failed to initialise table writer", "error", err)
			os.Exit(1)
		}
		tables = tw
	case sync.ModeCSV, sync.ModeTXT:
		files, err = output.NewFileWriter(cfg.Output.Dir)
		if err != nil {
			slog.Error("failed to create output directory", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("unknown output mode", "mode", cfg.Output.Mode)
		os.Exit(1)
	}

	// --- Mirror (optional) ---
	var uploader sync.Uploader
	if cfg.Mirror.Endpoint != "" {
		session, err := mirror.Connect(mirror.Config{
			Endpoint:     cfg.Mirror.Endpoint,
			AccessKey:    cfg.Mirror.AccessKey,
			SecretKey:    cfg.Mirror.SecretKey,
			UseSSL:       cfg.Mirror.UseSSL,
			Bucket:       cfg.Mirror.Bucket,
			Prefix:       cfg.Mirror.Prefix,
			CheckOnStart: cfg.Mirror.CheckOnStart,
		})
		if err != nil {
			slog.Error("failed to configure mirror", "error", err)
			os.Exit(1)
		}
		if cfg.Mirror.CheckOnStart {
			if err := session.Test(ctx); err != nil {
				slog.Error("mirror connectivity check failed", "error", err)
				os.Exit(1)
			}
			slog.Info("mirror reachable", "bucket", cfg.Mirror.Bucket)
		}
		uploader = session
	}

	// --- Feed Adapters + Source Windows ---
	adapters := make(map[string]source.Adapter)
	var sources []sync.SourceConfig
	for _, s := range cfg.Sources {
		feed, err := source.NewFeed(ctx, source.FeedConfig{
			URL:               s.FeedURL,
			AuthHeader:        s.AuthHeader,
			SinceParam:        s.SinceParam,
			LimitParam:        s.LimitParam,
			Limit:             s.Limit,
			OAuthClientID:     s.OAuth.ClientID,
			OAuthClientSecret: s.OAuth.ClientSecret,
			OAuthTokenURL:     s.OAuth.TokenURL,
			OAuthScopes:       s.OAuth.Scopes,
		})
		if err != nil {
			slog.Error("failed to build feed adapter", "source", s.FolderTag, "error", err)
			os.Exit(1)
		}
		adapters[s.FolderTag] = feed

		sc := sync.SourceConfig{
			FolderTag:         s.FolderTag,
			LookbackHours:     s.LookbackHours,
			ManualFrom:        s.From,
			ManualTo:          s.To,
			RespectCheckpoint: s.RespectCheckpoint,
			UpdateCheckpoint:  s.UpdateCheckpoint,
			ResetBeforeRun:    s.ResetBeforeRun || *resetFlag,
		}
		if *fromFlag != "" {
			sc.ManualFrom = *fromFlag
		}
		if *toFlag != "" {
			sc.ManualTo = *toFlag
		}
		sources = append(sources, sc)
	}

	// --- Runner ---
	runner, err := sync.NewRunner(store, lookups, sync.OutputConfig{
		Mode:          cfg.Output.Mode,
		Granularity:   cfg.Output.Granularity,
		Pattern:       cfg.Output.Pattern,
		Ext:           cfg.Output.Ext,
		MissingValue:  cfg.Output.MissingValue,
		PayloadShift:  toShift(cfg.Output.PayloadShift),
		FilenameShift: toShift(cfg.Output.NameShift),
		MakeVRF:       cfg.Output.MakeVRF,
	}, tables, files, uploader, filter)
	if err != nil {
		slog.Error("failed to build runner", "error", err)
		os.Exit(1)
	}

	interval := cfg.RunInterval
	if *intervalFlag > 0 {
		interval = *intervalFlag
	}
	if *watchFlag && interval <= 0 {
		interval = 10 * time.Minute
	}

	exitCode := runOnce(ctx, runner, adapters, sources)
	if *watchFlag {
		// Reset flags apply to the first pass only.
		for i := range sources {
			sources[i].ResetBeforeRun = false
			sources[i].ManualFrom = ""
			sources[i].ManualTo = ""
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("buoysync stopped")
				return
			case <-ticker.C:
				exitCode = runOnce(ctx, runner, adapters, sources)
			}
		}
	}

	os.Exit(exitCode)
}

// runOnce executes every source and reports the aggregate outcome.
// Returns 1 when any source failed entirely.
func runOnce(ctx context.Context, runner *sync.Runner, adapters map[string]source.Adapter, sources []sync.SourceConfig) int {
	results := runner.RunAll(ctx, adapters, sources)

	code := 0
	for _, res := range results {
		if res.Failure != "" {
			slog.Error("source failed", "source", res.FolderTag, "failure", res.Failure)
			code = 1
			continue
		}
		slog.Info("source finished",
			"source", res.FolderTag,
			"inserted", res.Inserted,
			"skipped", res.Skipped,
		)
		for reason, n := range res.SkipReasons {
			slog.Info("skip detail",
				"source", res.FolderTag,
				"reason", reason,
				"count", n,
				"sample", res.SkipSamples[reason],
			)
		}
	}
	return code
}

func toShift(s config.ShiftConfig) timeshift.Shift {
	return timeshift.Shift{
		Enabled:  s.Enabled,
		Spec:     s.Value,
		Timezone: s.Timezone,
	}
}
