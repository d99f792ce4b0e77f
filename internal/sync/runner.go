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

// Package sync drives one run per configured source: it computes the time
// window from the checkpoint, walks the newest-first message stream,
// decodes and builds records, dedups, routes output, and commits the
// checkpoint. Runs are strictly sequential per source; a crash mid-run
// leaves the checkpoint untouched so the next run re-scans the same
// window and dedup suppresses the repeats.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/orawny/buoysync/internal/dedup"
	"github.com/orawny/buoysync/internal/lookup"
	"github.com/orawny/buoysync/internal/models"
	"github.com/orawny/buoysync/internal/output"
	"github.com/orawny/buoysync/internal/source"
	"github.com/orawny/buoysync/internal/timeshift"
)

// StateStore is the slice of the checkpoint store the runner needs.
// Implemented by state.Store.
type StateStore interface {
	Checkpoint(ctx context.Context, folderTag string) (string, error)
	SetCheckpoint(ctx context.Context, folderTag, lastReceived string) error
	ExportKeys(ctx context.Context, folderTag string) (map[string]bool, error)
	MarkExport(ctx context.Context, folderTag, key string) error
	ProcessedIDs(ctx context.Context, folderTag string) (map[string]bool, error)
	MarkProcessed(ctx context.Context, folderTag, entryID string) error
	Reset(ctx context.Context, folderTag string) error
}

// TableSink is the relational destination. Implemented by
// output.TableWriter.
type TableSink interface {
	Has(ctx context.Context, folderTag, key string) (bool, error)
	Mark(ctx context.Context, folderTag, key string) error
	Insert(ctx context.Context, table string, rec *models.Record) error
}

// Uploader mirrors touched files to a remote destination. Implemented by
// mirror.Session.
type Uploader interface {
	Upload(ctx context.Context, localPath, remoteName string) error
}

// Output modes.
const (
	ModeDB  = "db"
	ModeCSV = "csv"
	ModeTXT = "txt"
)

// SourceConfig is the per-source run configuration. Immutable during a run.
type SourceConfig struct {
	FolderTag     string
	LookbackHours int
	// ManualFrom / ManualTo bound the window explicitly; empty means
	// unset. Layout "2006-01-02 15:04:05".
	ManualFrom        string
	ManualTo          string
	RespectCheckpoint bool
	UpdateCheckpoint  bool
	ResetBeforeRun    bool
}

// OutputConfig selects and parameterises the destination.
type OutputConfig struct {
	Mode         string
	Granularity  string
	Pattern      string
	Ext          string
	MissingValue string
	// PayloadShift applies to every emitted payload timestamp.
	PayloadShift timeshift.Shift
	// FilenameShift applies to date tokens in composed filenames.
	FilenameShift timeshift.Shift
	// MakeVRF creates empty .vrf companions next to .txt exports.
	MakeVRF bool
}

// Runner composes the pipeline for a set of sources sharing one state
// store and one destination.
type Runner struct {
	store   StateStore
	lookups *lookup.Loader
	out     OutputConfig

	tables TableSink          // db mode
	files  *output.FileWriter // csv/txt modes
	mirror Uploader           // optional
	filter *dedup.Filter      // optional fast pre-check
}

// NewRunner wires a runner. tables is required in db mode, files in the
// file modes; mirror and filter may be nil.
func NewRunner(store StateStore, lookups *lookup.Loader, out OutputConfig,
	tables TableSink, files *output.FileWriter, mir Uploader, filter *dedup.Filter) (*Runner, error) {
	switch out.Mode {
	case ModeDB:
		if tables == nil {
			return nil, errors.New("db mode requires a table writer")
		}
	case ModeCSV, ModeTXT:
		if files == nil {
			return nil, fmt.Errorf("%s mode requires a file writer", out.Mode)
		}
	default:
		return nil, fmt.Errorf("unknown output mode %q", out.Mode)
	}
	if out.Ext == "" {
		if out.Mode == ModeCSV {
			out.Ext = ".csv"
		} else if out.Mode == ModeTXT {
			out.Ext = ".txt"
		}
	}
	if out.MissingValue == "" {
		out.MissingValue = "NaN"
	}
	return &Runner{store: store, lookups: lookups, out: out,
		tables: tables, files: files, mirror: mir, filter: filter}, nil
}

// RunAll executes every source sequentially. A failed source is reported
// in its result and does not abort the others.
func (r *Runner) RunAll(ctx context.Context, adapters map[string]source.Adapter, sources []SourceConfig) []models.RunResult {
	results := make([]models.RunResult, 0, len(sources))
	for _, src := range sources {
		adapter := adapters[src.FolderTag]
		results = append(results, r.RunSource(ctx, adapter, src))
	}
	return results
}

// RunSource executes one source's run end to end.
func (r *Runner) RunSource(ctx context.Context, adapter source.Adapter, src SourceConfig) models.RunResult {
	runID := uuid.NewString()
	log := slog.With("run_id", runID, "folder", src.FolderTag)
	res := models.RunResult{FolderTag: src.FolderTag}

	if adapter == nil {
		res.Failure = "no adapter configured"
		log.Error("source has no adapter")
		return res
	}

	if src.ResetBeforeRun {
		if err := r.store.Reset(ctx, src.FolderTag); err != nil {
			res.Failure = fmt.Sprintf("state reset: %v", err)
			log.Error("state reset failed", "error", err)
			return res
		}
		log.Info("state reset before run")
	}

	cutoff, upper, err := r.window(ctx, src)
	if err != nil {
		res.Failure = fmt.Sprintf("compute window: %v", err)
		log.Error("window computation failed", "error", err)
		return res
	}

	msgs, err := adapter.Enumerate(ctx, cutoff)
	if err != nil {
		res.Failure = fmt.Sprintf("enumerate: %v", err)
		if errors.Is(err, source.ErrNotFound) {
			log.Error("source not found", "error", err)
		} else {
			log.Error("source enumeration failed", "error", err)
		}
		return res
	}
	log.Info("scanning source", "messages", len(msgs),
		"cutoff", formatMaybe(cutoff), "upper", formatMaybe(upper))

	processedIDs, err := r.store.ProcessedIDs(ctx, src.FolderTag)
	if err != nil {
		res.Failure = fmt.Sprintf("load processed ids: %v", err)
		return res
	}
	var exportKeys map[string]bool
	if r.out.Mode != ModeDB {
		exportKeys, err = r.store.ExportKeys(ctx, src.FolderTag)
		if err != nil {
			res.Failure = fmt.Sprintf("load export keys: %v", err)
			return res
		}
	}

	run := &sourceRun{
		Runner:       r,
		src:          src,
		log:          log,
		res:          &res,
		processedIDs: processedIDs,
		exportKeys:   exportKeys,
		table:        output.TableName(src.FolderTag),
	}

	var maxReceived time.Time
	for _, msg := range msgs {
		if !upper.IsZero() && msg.ReceivedTime.After(upper) {
			continue
		}
		// Newest-first ordering makes this an early exit, not a skip.
		if !cutoff.IsZero() && msg.ReceivedTime.Before(cutoff) {
			log.Debug("reached cutoff, stopping early", "cutoff", formatMaybe(cutoff))
			break
		}
		if msg.MessageID != "" && processedIDs[msg.MessageID] {
			continue
		}
		if msg.ReceivedTime.After(maxReceived) {
			maxReceived = msg.ReceivedTime
		}

		emitted, err := run.processMessage(ctx, &msg)
		if err != nil {
			res.CountSkip(models.SkipWriteError, err.Error())
			log.Warn("message failed", "subject", msg.Subject, "error", err)
		}
		if emitted && msg.MessageID != "" {
			if err := r.store.MarkProcessed(ctx, src.FolderTag, msg.MessageID); err != nil {
				log.Warn("mark processed failed", "error", err)
			} else {
				processedIDs[msg.MessageID] = true
			}
		}
	}

	if !maxReceived.IsZero() && src.UpdateCheckpoint && upper.IsZero() {
		stamp := maxReceived.Format(timeshift.ReceivedLayout)
		if err := r.store.SetCheckpoint(ctx, src.FolderTag, stamp); err != nil {
			log.Warn("checkpoint update failed", "error", err)
		} else {
			log.Info("checkpoint advanced", "last_received", stamp)
		}
	}

	r.mirrorTouched(ctx, log)

	log.Info("run complete", "inserted", res.Inserted, "skipped", res.Skipped,
		"skip_reasons", res.SkipReasons)
	return res
}

// window derives the cutoff and upper bound for one run. Zero times mean
// unbounded.
func (r *Runner) window(ctx context.Context, src SourceConfig) (cutoff, upper time.Time, err error) {
	if src.ManualFrom != "" {
		cutoff, err = time.Parse(timeshift.ReceivedLayout, src.ManualFrom)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("manual from %q: %w", src.ManualFrom, err)
		}
	}
	if src.ManualTo != "" {
		upper, err = time.Parse(timeshift.ReceivedLayout, src.ManualTo)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("manual to %q: %w", src.ManualTo, err)
		}
	}
	if src.RespectCheckpoint {
		last, err := r.store.Checkpoint(ctx, src.FolderTag)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if last != "" {
			ckpt, perr := time.Parse(timeshift.ReceivedLayout, last)
			if perr == nil {
				fromCkpt := ckpt.Add(-time.Duration(src.LookbackHours) * time.Hour)
				if fromCkpt.After(cutoff) {
					cutoff = fromCkpt
				}
			}
		}
	}
	return cutoff, upper, nil
}

func (r *Runner) mirrorTouched(ctx context.Context, log *slog.Logger) {
	if r.mirror == nil || r.files == nil {
		return
	}
	for _, local := range r.files.Touched() {
		if err := r.mirror.Upload(ctx, local, filepath.Base(local)); err != nil {
			log.Warn("mirror upload failed", "file", local, "error", err)
			continue
		}
		log.Debug("mirrored", "file", local)
	}
	r.files.ResetTouched()
}

func formatMaybe(t time.Time) string {
	if t.IsZero() {
		return "unset"
	}
	return t.Format(timeshift.ReceivedLayout)
}
