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

// Package models defines the data structures shared across the sync pipeline.
package models

import "time"

// RawMessage is one message as delivered by a source adapter. The core
// never mutates it.
type RawMessage struct {
	Subject      string
	Sender       string
	ReceivedTime time.Time
	Body         string
	// MessageID is a stable adapter-assigned identifier, empty when the
	// adapter cannot provide one.
	MessageID string
}

// Payload format tags. One message body may carry zero or more payload
// lines, each tagged summary (#S) or detailed (#D).
const (
	TagSummary  = "S"
	TagDetailed = "D"
)

// DecodedPayload is one delimited payload line extracted from a message
// body, with trailing sentinel markers already stripped.
type DecodedPayload struct {
	Tag    string
	Tokens []string
}

// Record is one fully built observation row. Headers preserves column
// order; Fields maps header name to value. A Record is immutable once it
// reaches the output router.
type Record struct {
	Subject      string
	Sender       string
	ReceivedTime string // "2006-01-02 15:04:05"
	Headers      []string
	Fields       map[string]string

	// Identity is the canonical device label (prefix + serial) derived
	// from the payload, used for logging only.
	Identity string
	// PayloadTS12 is the payload-embedded YYMMDDHHMMSS timestamp, empty
	// when the payload carried none.
	PayloadTS12 string
}

// Values returns the field values in header order. Missing headers yield
// empty strings so the slice always aligns with Headers.
func (r *Record) Values() []string {
	out := make([]string, len(r.Headers))
	for i, h := range r.Headers {
		out[i] = r.Fields[h]
	}
	return out
}

// Skip reasons aggregated per run. Per-message failures never abort a run;
// they are counted under one of these.
const (
	SkipDuplicate       = "duplicate"
	SkipAlreadyExported = "already_exported"
	SkipWriteError      = "write_error"
)

// RunResult summarises one source's run.
type RunResult struct {
	FolderTag   string
	Inserted    int
	Skipped     int
	SkipReasons map[string]int
	// SkipSamples holds one example message description per skip reason.
	SkipSamples map[string]string
	// Failure is set when the whole source failed (unreachable folder,
	// store connection lost); counts are zero in that case.
	Failure string
}

// CountSkip increments a skip reason and records the first sample for it.
func (r *RunResult) CountSkip(reason, sample string) {
	if r.SkipReasons == nil {
		r.SkipReasons = make(map[string]int)
	}
	if r.SkipSamples == nil {
		r.SkipSamples = make(map[string]string)
	}
	r.Skipped++
	r.SkipReasons[reason]++
	if _, ok := r.SkipSamples[reason]; !ok {
		r.SkipSamples[reason] = sample
	}
}
