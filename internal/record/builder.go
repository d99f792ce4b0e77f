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

// Package record maps decoded payload tokens into named field rows. The
// two wire formats share one token stream: summary lines are positional
// against the sender's column list, detailed lines anchor on a "##" marker
// with fixed-role slots followed by alternating label,value pairs.
package record

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/orawny/buoysync/internal/lookup"
	"github.com/orawny/buoysync/internal/models"
	"github.com/orawny/buoysync/internal/timeshift"
)

// Reserved column names always present in destination tables. Data columns
// colliding with these are renamed with a "_1" suffix.
var reservedColumns = map[string]bool{
	"id":            true,
	"subject":       true,
	"sender":        true,
	"received_time": true,
}

var (
	colCharRE  = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
	digitsRE   = regexp.MustCompile(`^\d{4,}$`)
	tsTokenRE  = regexp.MustCompile(`^\d{6,}$`)
	tsHintRE   = regexp.MustCompile(`^\d{6,}(?:_\d+)?$`)
	hashMarker = "##"
)

// SanitizeColumn normalises a raw token into a safe column name.
func SanitizeColumn(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "col"
	}
	name = colCharRE.ReplaceAllString(name, "_")
	if reservedColumns[strings.ToLower(name)] {
		name += "_1"
	}
	return name
}

// Uniquify sanitizes every name and disambiguates repeats with _2, _3...
// suffixes, preserving order.
func Uniquify(names []string) []string {
	seen := make(map[string]int, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		base := SanitizeColumn(n)
		seen[base]++
		if seen[base] > 1 {
			out = append(out, fmt.Sprintf("%s_%d", base, seen[base]))
		} else {
			out = append(out, base)
		}
	}
	return out
}

// Build maps one decoded payload into a Record using the sender's rule.
// missing substitutes for empty field values.
func Build(msg *models.RawMessage, p *models.DecodedPayload, rule *lookup.Rule, missing string) *models.Record {
	var headers []string
	var fields map[string]string
	var identity, payloadTS string

	switch p.Tag {
	case models.TagDetailed:
		headers, fields, identity, payloadTS = buildDetailed(p.Tokens, &rule.Detailed, missing)
	default:
		headers, fields, identity, payloadTS = buildSummary(p.Tokens, &rule.Summary, missing)
	}

	return &models.Record{
		Subject:      msg.Subject,
		Sender:       msg.Sender,
		ReceivedTime: msg.ReceivedTime.Format(timeshift.ReceivedLayout),
		Headers:      headers,
		Fields:       fields,
		Identity:     identity,
		PayloadTS12:  payloadTS,
	}
}

// buildSummary names tokens positionally from the rule's column list,
// padding with colN when the payload runs longer than the list.
func buildSummary(tokens []string, rule *lookup.FormatRule, missing string) ([]string, map[string]string, string, string) {
	prefix, serial := summaryLoggerInfo(tokens, rule)

	cols := append([]string(nil), rule.Columns...)
	for i := len(cols); i < len(tokens); i++ {
		cols = append(cols, fmt.Sprintf("col%d", i+1))
	}
	headers := Uniquify(cols)

	fields := make(map[string]string, len(headers))
	for i, h := range headers {
		if i < len(tokens) && tokens[i] != "" {
			fields[h] = tokens[i]
		} else {
			fields[h] = missing
		}
	}

	identity := prefix
	if serial != "" {
		identity = prefix + serial
	}
	return headers, fields, identity, payloadDatetimeHint(tokens)
}

// summaryLoggerInfo scans for the device serial: the first digit run in
// the few tokens after the "DataLogger" keyword, else the first digit run
// anywhere.
func summaryLoggerInfo(tokens []string, rule *lookup.FormatRule) (prefix, serial string) {
	prefix = rule.Prefix
	if prefix == "" {
		prefix = lookup.DefaultPrefix
	}
	if dl := indexOf(tokens, "DataLogger"); dl >= 0 {
		end := dl + 5
		if end > len(tokens) {
			end = len(tokens)
		}
		for j := dl + 1; j < end; j++ {
			if digitsRE.MatchString(tokens[j]) {
				return prefix, tokens[j]
			}
		}
		return prefix, ""
	}
	for _, t := range tokens {
		if digitsRE.MatchString(t) {
			return prefix, t
		}
	}
	return prefix, ""
}

// buildDetailed anchors on the ## marker. Slots after it are fixed roles:
// +1 area, +2 tag, +3/+4 k1, +5/+6 m2, +7 timestamp; everything from +8 on
// is label,value pairs remapped through the rule's label map.
func buildDetailed(tokens []string, rule *lookup.FormatRule, missing string) ([]string, map[string]string, string, string) {
	prefix := rule.Prefix
	if prefix == "" {
		prefix = lookup.DefaultPrefix
	}

	iHash := indexOf(tokens, hashMarker)

	var xyz, tag, k1, m2 string
	if iHash >= 0 {
		xyz = slot(tokens, iHash+1)
		tag = slot(tokens, iHash+2)
		k1 = slot(tokens, iHash+3)
		m2 = slot(tokens, iHash+5)
	}

	tsToken := ""
	if iHash >= 0 && iHash+7 < len(tokens) {
		if cand := strings.TrimSpace(tokens[iHash+7]); tsTokenRE.MatchString(cand) {
			tsToken = cand
		}
	}
	if tsToken == "" {
		start := 0
		if iHash >= 0 {
			start = iHash + 1
		}
		for _, t := range tokens[min(start, len(tokens)):] {
			if tt := strings.TrimSpace(t); tsTokenRE.MatchString(tt) {
				tsToken = tt
				break
			}
		}
	}
	payloadTS := ""
	if tsToken != "" {
		payloadTS = timeshift.NormalizeTS12(tsToken)
	}

	kvStart := len(tokens)
	if iHash >= 0 && iHash+7 < len(tokens) {
		kvStart = iHash + 8
	}

	present := make(map[string]string)
	order := make([]string, 0, (len(tokens)-kvStart)/2)
	for i := kvStart; i+1 < len(tokens); i += 2 {
		k := strings.TrimSpace(tokens[i])
		if k == "" || k == "**" || k == hashMarker {
			continue
		}
		if mapped, ok := rule.LabelMap[k]; ok {
			k = mapped
		}
		v := tokens[i+1]
		if v == "" {
			v = missing
		}
		if _, dup := present[k]; !dup {
			order = append(order, k)
		}
		present[k] = v
	}

	setDefault := func(name, val string) {
		if val == "" {
			return
		}
		if _, ok := present[name]; !ok {
			present[name] = val
			order = append(order, name)
		}
	}
	setDefault("XYZ", xyz)
	setDefault("TAG", tag)
	setDefault("K1", k1)
	setDefault("M2", m2)

	// Preferred columns come first, then everything else in payload order.
	headersRaw := append([]string(nil), rule.Columns...)
	for _, k := range order {
		if indexOf(headersRaw, k) < 0 {
			headersRaw = append(headersRaw, k)
		}
	}
	headers := Uniquify(headersRaw)

	fields := make(map[string]string, len(headers))
	for i, h := range headers {
		raw := headersRaw[i]
		if v, ok := present[raw]; ok {
			fields[h] = v
		} else {
			fields[h] = missing
		}
	}
	return headers, fields, prefix, payloadTS
}

// payloadDatetimeHint finds the first timestamp-like token (6+ digits,
// optional _counter suffix), preferring tokens after "DataLogger". Used
// for filename tokens only.
func payloadDatetimeHint(tokens []string) string {
	start := 0
	if dl := indexOf(tokens, "DataLogger"); dl >= 0 {
		start = dl + 1
	}
	for j := start; j < len(tokens); j++ {
		if t := strings.TrimSpace(tokens[j]); tsHintRE.MatchString(t) {
			return strings.SplitN(t, "_", 2)[0]
		}
	}
	for _, t := range tokens {
		if tt := strings.TrimSpace(t); tsHintRE.MatchString(tt) {
			return strings.SplitN(tt, "_", 2)[0]
		}
	}
	return ""
}

// TimestampTokenIndex returns the token index holding the YYMMDDHHMMSS
// value in a detailed line: the ##+7 slot when timestamp-like, else the
// first timestamp-like token after ##, else the first anywhere, else -1.
func TimestampTokenIndex(tokens []string) int {
	iHash := indexOf(tokens, hashMarker)
	if iHash >= 0 && iHash+7 < len(tokens) {
		if tsTokenRE.MatchString(strings.TrimSpace(tokens[iHash+7])) {
			return iHash + 7
		}
	}
	start := 0
	if iHash >= 0 {
		start = iHash + 1
	}
	for j := start; j < len(tokens); j++ {
		if tsTokenRE.MatchString(strings.TrimSpace(tokens[j])) {
			return j
		}
	}
	for j, t := range tokens {
		if tsTokenRE.MatchString(strings.TrimSpace(t)) {
			return j
		}
	}
	return -1
}

func indexOf(ss []string, want string) int {
	for i, s := range ss {
		if s == want {
			return i
		}
	}
	return -1
}

func slot(tokens []string, i int) string {
	if i < len(tokens) {
		return strings.TrimSpace(tokens[i])
	}
	return ""
}
