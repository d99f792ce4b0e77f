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

// Package output routes built records to their destinations: a Postgres
// table with a data-driven column set, or granularity-bucketed files with
// templated names, optionally mirrored to a remote server.
package output

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/orawny/buoysync/internal/timeshift"
)

// File bucket granularities. "email" is the per-message bucket.
const (
	GranularityMessage = "email"
	GranularityDay     = "day"
	GranularityWeek    = "week"
	GranularityMonth   = "month"
)

// NormalizeGranularity folds aliases and unknown values to a valid bucket.
func NormalizeGranularity(g string) string {
	switch strings.ToLower(strings.TrimSpace(g)) {
	case GranularityMessage, "per-message", "per_message", "message":
		return GranularityMessage
	case GranularityWeek:
		return GranularityWeek
	case GranularityMonth:
		return GranularityMonth
	default:
		return GranularityDay
	}
}

// NameSpec carries the static part of a filename template.
type NameSpec struct {
	Pattern     string
	Granularity string
	Ext         string
	// Shift applies the source-global output shift to date tokens.
	Shift timeshift.Shift
}

var (
	// tokenRE matches "(key)" with an optional per-token offset, e.g.
	// (transmit_ts12+01:10) or (rx_last10-30).
	tokenRE = regexp.MustCompile(`\(\s*([^) +]+)\s*(?:([+-])\s*(\d{1,2}:\d{2}|\d+))?\s*\)`)

	// classicTimeishRE marks tokens that put an explicit time in the name,
	// suppressing the automatic _HHMMSS suffix for per-message buckets.
	classicTimeishRE = regexp.MustCompile(`(?i)^\s*(?:payload_?date_?time|time|datetime|` +
		`received_?last10min|received_?last10_?min|use_?nearest_?10_?min|use_?nearest_?10min|recieved_?last10min|` +
		`transmit_?time|transmit_?ts12|transmit_?iso|transit_?time|transit_?ts12|transit_?iso)\s*$`)

	slugRE     = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)
	aliasRE    = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
	nonDigitRE = regexp.MustCompile(`\D+`)
	collapseRE = regexp.MustCompile(`_+`)
)

// Slug sanitizes a sender or folder identity for use inside a filename.
func Slug(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		s = "unknown"
	}
	s = strings.ReplaceAll(s, "@", "_at_")
	s = slugRE.ReplaceAllString(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

// ExtraTokens builds the standard extra token set for one message:
// the received time snapped to the previous 10-minute mark under its
// canonical name and the aliases older templates use, merged over base.
func ExtraTokens(received string, base map[string]string) map[string]string {
	extra := make(map[string]string, len(base)+5)
	for k, v := range base {
		extra[k] = v
	}
	ts12 := timeshift.ReceivedPrev10TS12(received)
	for _, k := range []string{
		"received_last10min", "received_last10_min",
		"use_nearest_10_min", "use_nearest_10min",
		"recieved_last10min",
	} {
		if _, ok := extra[k]; !ok {
			extra[k] = ts12
		}
	}
	return extra
}

// TransmitTokens exposes a body transmit time under the names filename
// templates accept.
func TransmitTokens(iso, ts12 string) map[string]string {
	if iso == "" && ts12 == "" {
		return nil
	}
	return map[string]string{
		"transmit_time_iso": iso,
		"transmit_iso":      iso,
		"transmit_ts12":     ts12,
		"transmit_time":     ts12,
		"transit_time_iso":  iso,
		"transit_ts12":      ts12,
	}
}

// ComposeFilename expands the bracketed tokens of spec.Pattern. Tokens are
// matched case-insensitively; unknown tokens resolve to empty. For the
// per-message bucket a _HHMMSS suffix is appended when the pattern holds
// no explicit time-like token, so two messages in the same bucket never
// collide.
func ComposeFilename(spec NameSpec, received, senderSlug, folderSlug, payloadTS12 string, extra map[string]string) string {
	shiftMin := 0
	if spec.Shift.Enabled {
		shiftMin = timeshift.ParseShiftMinutes(spec.Shift.Spec, spec.Shift.Minutes)
	}

	baseDT := parseReceivedOrNow(received)
	if spec.Shift.Enabled && spec.Shift.Timezone != "" {
		if loc, err := time.LoadLocation(spec.Shift.Timezone); err == nil {
			baseDT = baseDT.In(loc)
		}
	}
	if shiftMin != 0 {
		baseDT = baseDT.Add(time.Duration(shiftMin) * time.Minute)
	}

	g := NormalizeGranularity(spec.Granularity)

	var dateKey string
	switch g {
	case GranularityWeek:
		y, w := baseDT.ISOWeek()
		dateKey = fmt.Sprintf("%d_W%02d", y, w)
	case GranularityMonth:
		dateKey = baseDT.Format("200601")
	default:
		dateKey = baseDT.Format("20060102")
	}
	timeKey := baseDT.Format("150405")
	datetimeKey := dateKey
	if g == GranularityMessage {
		datetimeKey = baseDT.Format("20060102150405")
	}

	pdt := nonDigitRE.ReplaceAllString(payloadTS12, "")
	if pdt == "" {
		pdt = baseDT.Format("0601021504") + "00"
	}

	baseTokens := map[string]string{
		"payload_datetime":  pdt,
		"payload_date_time": pdt,
		"date":              dateKey,
		"sender":            senderSlug,
		"folder":            folderSlug,
	}
	if g == GranularityMessage {
		baseTokens["time"] = timeKey
		baseTokens["datetime"] = datetimeKey
	} else {
		baseTokens["time"] = dateKey
		baseTokens["datetime"] = dateKey
	}

	extraTokens := make(map[string]string, 2*len(extra))
	for k, v := range extra {
		extraTokens[strings.ToLower(k)] = v
		extraTokens[strings.ToLower(aliasRE.ReplaceAllString(k, "_"))] = v
	}

	txBase := func() string {
		v := firstNonEmpty(extraTokens["transmit_ts12"], extraTokens["transit_ts12"], extraTokens["transmit_time"])
		v = timeshift.NormalizeTS12(v)
		if strings.Trim(v, "0") == "" {
			return timeshift.ReceivedTS12(received)
		}
		return v
	}

	hasTimeish := false

	replaced := tokenRE.ReplaceAllStringFunc(spec.Pattern, func(m string) string {
		sub := tokenRE.FindStringSubmatch(m)
		key := strings.ToLower(strings.TrimSpace(sub[1]))

		perTokenMin := 0
		if sub[3] != "" {
			perTokenMin = timeshift.ParseShiftMinutes(sub[2]+sub[3], 0)
		}
		totalMin := perTokenMin + shiftMin

		if src, mode, n, ok := timeshift.ParsePeriodToken(key); ok {
			base := timeshift.ReceivedTS12(received)
			if src == "tx" {
				base = txBase()
			}
			var out string
			if mode == "first" {
				out = timeshift.CeilToMinutes(base, n)
			} else {
				out = timeshift.FloorToMinutes(base, n)
			}
			if spec.Shift.Enabled && spec.Shift.Timezone != "" {
				out = timeshift.ConvertTS12FromUTC(out, spec.Shift.Timezone)
			}
			if totalMin != 0 {
				out = timeshift.ShiftTS12Minutes(out, totalMin)
			}
			hasTimeish = true
			return out
		}

		if classicTimeishRE.MatchString(key) {
			hasTimeish = true
		}

		if v, ok := baseTokens[key]; ok {
			return shiftTokenValue(spec, v, totalMin)
		}
		return shiftTokenValue(spec, extraTokens[key], totalMin)
	})

	if g == GranularityMessage && !hasTimeish {
		replaced += "_" + baseDT.Format("150405")
	}

	replaced = strings.ReplaceAll(replaced, " ", "_")
	replaced = slugRE.ReplaceAllString(replaced, "_")
	replaced = strings.Trim(collapseRE.ReplaceAllString(replaced, "_"), "._")
	if replaced == "" {
		replaced = dateKey
	}
	return replaced + spec.Ext
}

// shiftTokenValue applies the timezone conversion and minute offset to a
// token value that looks like a ts12 or an ISO timestamp; anything else
// passes through untouched.
func shiftTokenValue(spec NameSpec, val string, minutes int) string {
	if val == "" {
		return val
	}
	v := val
	if spec.Shift.Enabled && spec.Shift.Timezone != "" {
		digits := nonDigitRE.ReplaceAllString(v, "")
		if len(digits) == 12 && digits == v {
			v = timeshift.ConvertTS12FromUTC(v, spec.Shift.Timezone)
		} else if strings.Contains(v, "T") && strings.Contains(v, ":") {
			v = timeshift.ConvertISOFromUTC(v, spec.Shift.Timezone)
		}
	}
	if minutes != 0 {
		digits := nonDigitRE.ReplaceAllString(v, "")
		if len(digits) == 12 && digits == v {
			return timeshift.ShiftTS12Minutes(v, minutes)
		}
		if strings.Contains(v, "T") && strings.Contains(v, ":") {
			return timeshift.ShiftISOMinutes(v, minutes)
		}
	}
	return v
}

func parseReceivedOrNow(received string) time.Time {
	if t, err := time.Parse(timeshift.ReceivedLayout, received); err == nil {
		return t
	}
	return time.Now().UTC()
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
