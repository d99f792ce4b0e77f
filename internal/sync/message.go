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

package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/orawny/buoysync/internal/dedup"
	"github.com/orawny/buoysync/internal/lookup"
	"github.com/orawny/buoysync/internal/models"
	"github.com/orawny/buoysync/internal/output"
	"github.com/orawny/buoysync/internal/payload"
	"github.com/orawny/buoysync/internal/record"
	"github.com/orawny/buoysync/internal/timeshift"
)

// sourceRun carries the per-source loop state so the message pipeline does
// not thread a dozen parameters through every call.
type sourceRun struct {
	*Runner
	src          SourceConfig
	log          *slog.Logger
	res          *models.RunResult
	processedIDs map[string]bool
	exportKeys   map[string]bool
	table        string
}

// processMessage runs one message through decode, build, dedup, and route.
// It returns whether at least one record was emitted; the error covers
// write failures only; duplicates are counted, not failed.
func (s *sourceRun) processMessage(ctx context.Context, msg *models.RawMessage) (bool, error) {
	rule, err := s.lookups.ForSender(msg.Sender)
	if err != nil {
		s.log.Warn("lookup rule unreadable, using defaults", "sender", msg.Sender, "error", err)
		rule = lookup.Default()
	}

	received := msg.ReceivedTime.Format(timeshift.ReceivedLayout)
	txISO, txTS12 := timeshift.ExtractTransmitTime(msg.Body)

	payloads := payload.Extract(msg.Body)
	if len(payloads) == 0 {
		return s.processEmpty(ctx, msg, rule, received, txISO, txTS12)
	}

	// A message id only identifies the whole message; with several
	// payload lines each line needs its own content-hashed key.
	entryID := msg.MessageID
	if len(payloads) > 1 {
		entryID = ""
	}

	emitted := false
	var outPath string
	var fileHeaders []string
	var firstExtra map[string]string

	for i := range payloads {
		p := &payloads[i]
		rec := record.Build(msg, p, rule, s.out.MissingValue)

		if firstExtra == nil {
			firstExtra = make(map[string]string, len(rec.Fields)+8)
			for k, v := range rec.Fields {
				firstExtra[k] = v
			}
			prefix := rule.Summary.Prefix
			if p.Tag == models.TagDetailed {
				prefix = rule.Detailed.Prefix
			}
			setDefaultToken(firstExtra, "prefix", prefix)
			setDefaultToken(firstExtra, "s_prefix", rule.Summary.Prefix)
			setDefaultToken(firstExtra, "d_prefix", rule.Detailed.Prefix)
			for k, v := range output.TransmitTokens(txISO, txTS12) {
				firstExtra[k] = v
			}
		}

		key := dedup.Key(entryID, msg.Subject, msg.Sender, received, rec.Values())

		if s.out.Mode == ModeDB {
			ok, err := s.emitDB(ctx, rec, key)
			if err != nil {
				return emitted, err
			}
			emitted = emitted || ok
			continue
		}

		// File destinations share one dedup universe, separate from the
		// relational one.
		if s.exportKeys[key] {
			s.res.CountSkip(models.SkipAlreadyExported, sample(msg, received))
			continue
		}
		if seen, ferr := s.filterSeen(ctx, key); ferr == nil && seen {
			s.res.CountSkip(models.SkipAlreadyExported, sample(msg, received))
			continue
		}

		if outPath == "" {
			pdt := rec.PayloadTS12
			if s.out.Mode == ModeTXT && timeshift.UsesReceivedLast10(rule.TimestampSelector()) {
				pdt = timeshift.ReceivedPrev10TS12(received)
			}
			name := output.ComposeFilename(s.nameSpec(), received,
				output.Slug(msg.Sender), output.Slug(s.src.FolderTag), pdt,
				output.ExtraTokens(received, firstExtra))
			outPath = s.files.Path(name)
			fileHeaders = rec.Headers
		}

		if s.out.Mode == ModeTXT {
			line := record.ComposeExportLine(p.Tag, p.Tokens, rule,
				s.out.MissingValue, received, txTS12, s.out.PayloadShift)
			if err := s.files.AppendLine(outPath, line); err != nil {
				return emitted, err
			}
		} else {
			if err := s.files.AppendCSV(outPath, fileHeaders, rec); err != nil {
				return emitted, err
			}
		}
		if err := s.markExported(ctx, key); err != nil {
			return emitted, err
		}
		s.res.Inserted++
		emitted = true
	}

	if s.out.Mode == ModeTXT && outPath != "" && s.out.MakeVRF {
		if _, err := s.files.EnsureVRF(outPath); err != nil {
			return emitted, err
		}
	}
	return emitted, nil
}

// processEmpty emits a placeholder row for a message whose body yielded no
// payload, so the message is still counted instead of silently dropped.
func (s *sourceRun) processEmpty(ctx context.Context, msg *models.RawMessage, rule *lookup.Rule, received, txISO, txTS12 string) (bool, error) {
	cols := rule.Summary.Columns
	if len(cols) == 0 {
		cols = rule.Detailed.Columns
	}
	if len(cols) == 0 {
		cols = []string{"col1"}
	}
	headers := record.Uniquify(cols)
	fields := make(map[string]string, len(headers))
	for _, h := range headers {
		fields[h] = s.out.MissingValue
	}
	rec := &models.Record{
		Subject:      msg.Subject,
		Sender:       msg.Sender,
		ReceivedTime: received,
		Headers:      headers,
		Fields:       fields,
	}

	key := dedup.Key(msg.MessageID, msg.Subject, msg.Sender, received, rec.Values())

	if s.out.Mode == ModeDB {
		return s.emitDB(ctx, rec, key)
	}

	if s.exportKeys[key] {
		s.res.CountSkip(models.SkipAlreadyExported, sample(msg, received))
		return false, nil
	}

	pdt := ""
	if s.out.Mode == ModeTXT && timeshift.UsesReceivedLast10(rule.TimestampSelector()) {
		pdt = timeshift.ReceivedPrev10TS12(received)
	}
	extra := output.ExtraTokens(received, output.TransmitTokens(txISO, txTS12))
	name := output.ComposeFilename(s.nameSpec(), received,
		output.Slug(msg.Sender), output.Slug(s.src.FolderTag), pdt, extra)
	outPath := s.files.Path(name)

	if s.out.Mode == ModeTXT {
		ts12 := s.emptyLineTS12(rule, received, txTS12)
		if err := s.files.AppendLine(outPath, fmt.Sprintf("#S,%s,EMPTY,**", ts12)); err != nil {
			return false, err
		}
		if s.out.MakeVRF {
			if _, err := s.files.EnsureVRF(outPath); err != nil {
				return false, err
			}
		}
	} else {
		if err := s.files.AppendCSV(outPath, headers, rec); err != nil {
			return false, err
		}
	}
	if err := s.markExported(ctx, key); err != nil {
		return false, err
	}
	s.res.Inserted++
	return true, nil
}

// emptyLineTS12 picks the stamp for a payload-less export line, honouring
// the sender's selector the same way payload-bearing lines do.
func (s *sourceRun) emptyLineTS12(rule *lookup.Rule, received, txTS12 string) string {
	selector := rule.TimestampSelector()
	switch {
	case timeshift.UsesTransmitTime(selector) && txTS12 != "":
		return s.out.PayloadShift.Apply(txTS12)
	case timeshift.UsesTransmitLast10(selector) && txTS12 != "":
		return timeshift.EffectiveTS12("tx_last10", received, txTS12,
			timeshift.ReceivedMinuteTS12(received), s.out.PayloadShift)
	case timeshift.UsesReceivedLast10(selector):
		return s.out.PayloadShift.Apply(timeshift.ReceivedPrev10TS12(received))
	default:
		return s.out.PayloadShift.Apply(timeshift.ReceivedMinuteTS12(received))
	}
}

// emitDB inserts one record unless its key is already indexed.
func (s *sourceRun) emitDB(ctx context.Context, rec *models.Record, key string) (bool, error) {
	if seen, err := s.filterSeen(ctx, key); err == nil && seen {
		s.res.CountSkip(models.SkipDuplicate, sampleRec(rec))
		return false, nil
	}
	has, err := s.tables.Has(ctx, s.src.FolderTag, key)
	if err != nil {
		return false, err
	}
	if has {
		s.res.CountSkip(models.SkipDuplicate, sampleRec(rec))
		return false, nil
	}
	if err := s.tables.Insert(ctx, s.table, rec); err != nil {
		return false, err
	}
	if err := s.tables.Mark(ctx, s.src.FolderTag, key); err != nil {
		return false, err
	}
	s.filterMark(ctx, key)
	s.res.Inserted++
	return true, nil
}

func (s *sourceRun) markExported(ctx context.Context, key string) error {
	if err := s.store.MarkExport(ctx, s.src.FolderTag, key); err != nil {
		return err
	}
	s.exportKeys[key] = true
	s.filterMark(ctx, key)
	return nil
}

// filterSeen consults the optional Redis pre-check. Filter errors are
// advisory only.
func (s *sourceRun) filterSeen(ctx context.Context, key string) (bool, error) {
	if s.filter == nil {
		return false, nil
	}
	seen, err := s.filter.Seen(ctx, s.src.FolderTag, key)
	if err != nil {
		s.log.Debug("dedup filter check failed", "error", err)
		return false, err
	}
	return seen, nil
}

func (s *sourceRun) filterMark(ctx context.Context, key string) {
	if s.filter == nil {
		return
	}
	if err := s.filter.MarkSeen(ctx, s.src.FolderTag, key); err != nil {
		s.log.Debug("dedup filter mark failed", "error", err)
	}
}

func (s *sourceRun) nameSpec() output.NameSpec {
	return output.NameSpec{
		Pattern:     s.out.Pattern,
		Granularity: s.out.Granularity,
		Ext:         s.out.Ext,
		Shift:       s.out.FilenameShift,
	}
}

func setDefaultToken(m map[string]string, k, v string) {
	if _, ok := m[k]; !ok && v != "" {
		m[k] = v
	}
}

func sample(msg *models.RawMessage, received string) string {
	return fmt.Sprintf("subj=%q from=%q when=%q", msg.Subject, msg.Sender, received)
}

func sampleRec(rec *models.Record) string {
	return fmt.Sprintf("subj=%q from=%q when=%q", rec.Subject, rec.Sender, rec.ReceivedTime)
}
