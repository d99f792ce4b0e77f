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

// Package timeshift resolves and shifts the canonical observation timestamp
// for a record. Timestamps travel as 12-digit YYMMDDHHMMSS strings (ts12).
// A small expression grammar (tx, rx_lastN, tx_firstN, with an optional
// trailing ±HH:MM offset) selects per sender whether a record is stamped
// from the in-body transmit-time marker, the message received time, or
// the payload token, and how it snaps to N-minute boundaries.
package timeshift

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ReceivedLayout is the wire format for message received times.
const ReceivedLayout = "2006-01-02 15:04:05"

var (
	nonDigitRE  = regexp.MustCompile(`\D+`)
	inlineOffRE = regexp.MustCompile(`([+\-])\s*(\d{1,2}):(\d{2})\s*$`)
	shiftHHMMRE = regexp.MustCompile(`^\s*([+\-])?\s*(\d{1,2})\s*:\s*([0-5]?\d)\s*$`)
	shiftMinRE  = regexp.MustCompile(`^[+\-]?\d+$`)
	periodRE    = regexp.MustCompile(`^(tx|transmit|transit|rx|received)_(first|last)(\d+)$`)
	exprRE      = regexp.MustCompile(`^(rx|tx)_?(first|last)_?(\d+)(?:_?min)?$`)
	isoHeadRE   = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})T(\d{2}):(\d{2}):(\d{2})`)
	alnumRE     = regexp.MustCompile(`[^a-z0-9]+`)
)

// transmitTimeRE matches a "Transmit Time: <ISO8601>" marker line in a
// message body. "Transit" is accepted because real devices misspell it.
var transmitTimeRE = regexp.MustCompile(
	`(?im)^\s*(?:Transmit|Transit)\s+Time\s*:\s*` +
		`(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:Z|[+\-]\d{2}:\d{2})?)` +
		`(?:\s*UTC)?\s*$`)

// NormalizeTS12 strips non-digits and zero-pads or truncates to 12 digits.
func NormalizeTS12(ts string) string {
	s := nonDigitRE.ReplaceAllString(ts, "")
	if len(s) < 12 {
		s += strings.Repeat("0", 12-len(s))
	}
	return s[:12]
}

// ParseTS12 parses YYMMDDHHMMSS as a naive timestamp; years are assumed
// 2000-2099. Returns the zero time when the string is not 12 digits or
// denotes an impossible date.
func ParseTS12(ts12 string) time.Time {
	s := nonDigitRE.ReplaceAllString(ts12, "")
	if len(s) != 12 {
		return time.Time{}
	}
	t, err := time.Parse("060102150405", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FormatTS12 renders a time as YYMMDDHHMMSS.
func FormatTS12(t time.Time) string {
	return t.Format("060102150405")
}

// ParseShiftMinutes accepts "+HH:MM", "-H:MM", "HH:MM", "MM" or "-15" and
// returns signed minutes. Falls back to fallback on any other input.
func ParseShiftMinutes(s string, fallback int) int {
	txt := strings.TrimSpace(s)
	if txt == "" {
		return fallback
	}
	if shiftMinRE.MatchString(txt) {
		n, err := strconv.Atoi(txt)
		if err != nil {
			return fallback
		}
		return n
	}
	m := shiftHHMMRE.FindStringSubmatch(txt)
	if m == nil {
		return fallback
	}
	sign := 1
	if m[1] == "-" {
		sign = -1
	}
	hh, _ := strconv.Atoi(m[2])
	mm, _ := strconv.Atoi(m[3])
	return sign * (hh*60 + mm)
}

// ShiftTS12Minutes shifts a ts12 by signed minutes. Returns the input
// unchanged when it cannot be parsed or minutes is zero.
func ShiftTS12Minutes(ts12 string, minutes int) string {
	if minutes == 0 {
		return ts12
	}
	t := ParseTS12(ts12)
	if t.IsZero() {
		return ts12
	}
	return FormatTS12(t.Add(time.Duration(minutes) * time.Minute))
}

// ShiftISOMinutes shifts an ISO-8601 string by signed minutes, preserving a
// trailing "Z" when present. No timezone conversion is performed.
func ShiftISOMinutes(iso string, minutes int) string {
	if minutes == 0 || iso == "" {
		return iso
	}
	raw := strings.TrimSpace(iso)
	hadZ := strings.HasSuffix(raw, "Z")
	t, err := time.Parse(time.RFC3339, strings.Replace(raw, "Z", "+00:00", 1))
	if err != nil {
		return iso
	}
	out := t.Add(time.Duration(minutes) * time.Minute).Truncate(time.Second).Format("2006-01-02T15:04:05-07:00")
	if hadZ {
		out = strings.Replace(out, "+00:00", "Z", 1)
	}
	return out
}

// FloorToMinutes snaps a ts12 down to the previous n-minute boundary with
// seconds zeroed. A value already on the boundary is unchanged.
func FloorToMinutes(ts12 string, n int) string {
	t := resolveTS12(ts12)
	if n < 1 {
		n = 1
	}
	m := (t.Minute() / n) * n
	floored := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), m, 0, 0, time.UTC)
	return FormatTS12(floored)
}

// CeilToMinutes snaps a ts12 up to the next n-minute boundary with seconds
// zeroed. Minute overflow past 59 rolls into the next hour (and onward
// through day/month boundaries). A value exactly on the boundary is
// unchanged.
func CeilToMinutes(ts12 string, n int) string {
	t := resolveTS12(ts12)
	if n < 1 {
		n = 1
	}
	if t.Minute()%n == 0 && t.Second() == 0 {
		return FormatTS12(time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC))
	}
	m := (t.Minute()/n + 1) * n
	base := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	return FormatTS12(base.Add(time.Duration(m) * time.Minute))
}

// resolveTS12 parses a ts12 with normalization, falling back to the current
// minute so malformed payload stamps never break filename composition.
func resolveTS12(ts12 string) time.Time {
	t := ParseTS12(NormalizeTS12(ts12))
	if t.IsZero() {
		return time.Now().UTC().Truncate(time.Minute)
	}
	return t
}

// ParseExpr parses a timestamp selector expression as used in lookup rules.
// It returns the canonical base key ("tx", "tx_firstN", "tx_lastN",
// "rx_firstN", "rx_lastN") plus any inline ±HH:MM offset in minutes.
// Unrecognized input passes through normalized (it may be a column name).
func ParseExpr(spec string) (base string, offsetMinutes int) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return "", 0
	}

	if m := inlineOffRE.FindStringSubmatchIndex(s); m != nil {
		g := inlineOffRE.FindStringSubmatch(s)
		sign := 1
		if g[1] == "-" {
			sign = -1
		}
		hh, _ := strconv.Atoi(g[2])
		mm, _ := strconv.Atoi(g[3])
		offsetMinutes = sign * (hh*60 + mm)
		s = strings.TrimSpace(s[:m[0]])
	}

	norm := alnumRE.ReplaceAllString(strings.ToLower(s), "_")
	norm = strings.Trim(norm, "_")
	norm = strings.ReplaceAll(norm, "transmit", "tx")
	norm = strings.ReplaceAll(norm, "transit", "tx")
	norm = strings.ReplaceAll(norm, "received", "rx")

	switch norm {
	case "rx_last10", "rx_recieved_last10", "rx_use_nearest_10_min",
		"recieved_last10min", "use_nearest_10_min", "use_nearest_10min":
		return "rx_last10", offsetMinutes
	case "tx_last10", "tx_last10min":
		return "tx_last10", offsetMinutes
	case "tx", "tx_time", "tx_ts12":
		return "tx", offsetMinutes
	}

	if g := exprRE.FindStringSubmatch(norm); g != nil {
		return g[1] + "_" + g[2] + g[3], offsetMinutes
	}
	return norm, offsetMinutes
}

// ParsePeriodToken recognizes dynamic filename tokens like tx_first10,
// transmit_last5, received_first30min or rx_last15. It reports the source
// ("tx" or "rx"), the snapping mode ("first" or "last") and the block size
// in minutes.
func ParsePeriodToken(key string) (src, mode string, minutes int, ok bool) {
	k := strings.ToLower(strings.TrimSpace(key))
	k = strings.ReplaceAll(k, " ", "")
	k = strings.TrimSuffix(k, "min")
	m := periodRE.FindStringSubmatch(k)
	if m == nil {
		return "", "", 0, false
	}
	src = "rx"
	if m[1] == "tx" || m[1] == "transmit" || m[1] == "transit" {
		src = "tx"
	}
	minutes, _ = strconv.Atoi(m[3])
	if minutes < 1 {
		minutes = 1
	}
	return src, m[2], minutes, true
}

// ExtractTransmitTime scans a message body for a transmit-time marker line.
// It returns the raw ISO string and its ts12 rendering; both are empty when
// no marker is present. The ts12 is derived by reformatting only, with no
// timezone arithmetic.
func ExtractTransmitTime(body string) (iso, ts12 string) {
	if body == "" {
		return "", ""
	}
	m := transmitTimeRE.FindStringSubmatch(body)
	if m == nil {
		return "", ""
	}
	iso = strings.TrimSpace(m[1])
	return iso, isoToTS12(iso)
}

func isoToTS12(iso string) string {
	m := isoHeadRE.FindStringSubmatch(strings.TrimSpace(iso))
	if m == nil {
		return ""
	}
	return m[1][2:] + m[2] + m[3] + m[4] + m[5] + m[6]
}

// parseReceived parses a "2006-01-02 15:04:05" received time, falling back
// to now so a malformed adapter value degrades instead of failing the row.
func parseReceived(received string) time.Time {
	t, err := time.Parse(ReceivedLayout, received)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

// ReceivedTS12 renders a received time as ts12.
func ReceivedTS12(received string) string {
	return FormatTS12(parseReceived(received))
}

// ReceivedMinuteTS12 renders a received time as ts12 with seconds zeroed.
func ReceivedMinuteTS12(received string) string {
	return parseReceived(received).Format("0601021504") + "00"
}

// ReceivedPrev10TS12 floors a received time to the previous 10-minute mark.
func ReceivedPrev10TS12(received string) string {
	t := parseReceived(received)
	floored := t.Truncate(time.Minute).Add(-time.Duration(t.Minute()%10) * time.Minute)
	return FormatTS12(floored)
}

// RoundReceived snaps a received time to an n-minute boundary: mode "first"
// ceils, "last" floors. Seconds are zeroed before snapping, so a received
// time one second past a boundary still counts as on it.
func RoundReceived(received, mode string, minutes int) string {
	ts12 := FormatTS12(parseReceived(received).Truncate(time.Minute))
	if mode == "first" {
		return CeilToMinutes(ts12, minutes)
	}
	return FloorToMinutes(ts12, minutes)
}

// ConvertTS12FromUTC interprets a ts12 as UTC and converts it to the named
// zone's wall clock (DST aware). The input passes through unchanged when
// the zone cannot be loaded.
func ConvertTS12FromUTC(ts12, zone string) string {
	if ts12 == "" || zone == "" {
		return ts12
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return ts12
	}
	t := ParseTS12(ts12)
	if t.IsZero() {
		return ts12
	}
	return t.In(loc).Format("060102150405")
}

// ConvertISOFromUTC interprets an ISO string as UTC and converts it to the
// named zone, rendering the local offset.
func ConvertISOFromUTC(iso, zone string) string {
	if iso == "" || zone == "" {
		return iso
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return iso
	}
	t, err := time.Parse(time.RFC3339, strings.Replace(strings.TrimSpace(iso), "Z", "+00:00", 1))
	if err != nil {
		return iso
	}
	return t.In(loc).Truncate(time.Second).Format("2006-01-02T15:04:05-07:00")
}

// Shift is the per-source output shift applied after boundary snapping. It
// is global to a source, independent of the per-sender selector expression.
type Shift struct {
	Enabled bool
	// Spec is the human form, e.g. "+01:00" or "-30".
	Spec string
	// Minutes is the parsed form; recomputed from Spec when zero.
	Minutes int
	// Timezone enables a DST-aware UTC→zone conversion before the numeric
	// shift. Only honoured when Enabled is set.
	Timezone string
}

// minutesTotal resolves the effective signed minutes for the shift.
func (s Shift) minutesTotal() int {
	if !s.Enabled {
		return 0
	}
	if s.Minutes != 0 {
		return s.Minutes
	}
	return ParseShiftMinutes(s.Spec, 0)
}

// Apply shifts a ts12 by the configured timezone conversion and minutes.
func (s Shift) Apply(ts12 string) string {
	if !s.Enabled || ts12 == "" {
		return ts12
	}
	out := ts12
	if s.Timezone != "" {
		out = ConvertTS12FromUTC(out, s.Timezone)
	}
	return ShiftTS12Minutes(out, s.minutesTotal())
}

// EffectiveTS12 decides the final ts12 for one payload, uniformly for
// detailed lines and summary-to-detailed synthesis.
//
// Precedence: the selector expression (tx / tx_firstN / tx_lastN /
// rx_firstN / rx_lastN, plus an optional inline ±HH:MM) wins; otherwise the
// embedded currentTS12 is kept. The source-global output shift applies
// last.
func EffectiveTS12(selector, received, transmitTS12, currentTS12 string, shift Shift) string {
	base, inlineMin := ParseExpr(selector)

	out := ""
	if currentTS12 != "" {
		out = NormalizeTS12(currentTS12)
	}

	if base == "tx" && transmitTS12 != "" {
		out = NormalizeTS12(transmitTS12)
	} else if strings.HasPrefix(base, "tx_") && transmitTS12 != "" {
		if _, mode, n, ok := ParsePeriodToken(base); ok {
			if mode == "first" {
				out = CeilToMinutes(transmitTS12, n)
			} else {
				out = FloorToMinutes(transmitTS12, n)
			}
		}
	}
	if strings.HasPrefix(base, "rx_") {
		if _, mode, n, ok := ParsePeriodToken(base); ok {
			out = RoundReceived(received, mode, n)
		}
	}

	if inlineMin != 0 {
		seed := out
		if seed == "" {
			seed = transmitTS12
		}
		if seed == "" {
			seed = ReceivedMinuteTS12(received)
		}
		out = ShiftTS12Minutes(seed, inlineMin)
	}

	if out == "" {
		out = currentTS12
	}
	return shift.Apply(out)
}

// Selector classification. Some senders stamp records from the raw transmit
// time, some from a snapped transmit or received time; the record builder
// and filename composer both need to know which.

// UsesTransmitTime reports whether the selector asks for the raw transmit
// time from the message body.
func UsesTransmitTime(selector string) bool {
	base, _ := ParseExpr(selector)
	return base == "tx"
}

// UsesTransmitLast10 reports whether the selector asks for the transmit
// time floored to the previous 10-minute mark.
func UsesTransmitLast10(selector string) bool {
	base, _ := ParseExpr(selector)
	return base == "tx_last10"
}

// UsesReceivedLast10 reports whether the selector asks for the received
// time floored to the previous 10-minute mark.
func UsesReceivedLast10(selector string) bool {
	base, _ := ParseExpr(selector)
	return base == "rx_last10"
}
