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

package record

import (
	"strings"

	"github.com/orawny/buoysync/internal/lookup"
	"github.com/orawny/buoysync/internal/timeshift"
)

// summaryMetaColumns are summary columns excluded from the synthesized
// parameter list by the default emit mapping.
var summaryMetaColumns = map[string]bool{
	"Email_No": true,
	"Log_no":   true,
	"C_S":      true,
	"C_L":      true,
	"Source":   true,
	"date":     true,
}

// defaultEmit builds the fallback emit mapping for senders whose rule has
// none: parameters are the named summary columns minus the meta columns.
func defaultEmit(rule *lookup.FormatRule) *lookup.Emit {
	params := make([]string, 0, len(rule.Columns))
	for _, c := range rule.Columns {
		if !summaryMetaColumns[c] {
			params = append(params, c)
		}
	}
	return &lookup.Emit{
		XYZFrom:        "C_S",
		TagFrom:        "Source",
		TimestampField: "date",
		K1:             "K1",
		M2:             "M2",
		BatteryLabel:   "BATTERY",
		BatteryValue:   "12",
		ParamOrder:     params,
		ParamLabels:    map[string]string{"Bat1": "bat1", "Bat2": "bat2", "Bat3": "bat3"},
	}
}

// ComposeDetailedFromSummary synthesizes a canonical detailed line from a
// summary token stream using the rule's emit mapping. The result has the
// timestamp in the fixed ##+7 slot (csv position 9).
func ComposeDetailedFromSummary(tokens []string, rule *lookup.Rule, missing string) string {
	_, fields, _, payloadTS := buildSummary(tokens, &rule.Summary, missing)

	emit := rule.Summary.Emit
	if emit == nil {
		emit = defaultEmit(&rule.Summary)
	}

	xyz := emit.Resolve(emit.XYZFrom, emit.XYZ, "", fields)
	tag := emit.Resolve(emit.TagFrom, emit.Tag, "", fields)

	tsRaw := ""
	if emit.TimestampField != "" {
		tsRaw = fields[emit.TimestampField]
	}
	if tsRaw == "" {
		tsRaw = payloadTS
	}
	ts12 := timeshift.NormalizeTS12(tsRaw)

	k1 := emit.Resolve(emit.K1From, emit.K1, "K1", fields)
	m2 := emit.Resolve(emit.M2From, emit.M2, "M2", fields)
	batLbl := emit.Resolve(emit.BatteryLabelFrom, emit.BatteryLabel, "BATTERY", fields)
	batVal := emit.Resolve(emit.BatteryValueFrom, emit.BatteryValue, "12", fields)

	parts := []string{
		"#D", "100", hashMarker,
		xyz, tag,
		k1, k1, m2, m2,
		ts12,
		batLbl, batVal,
	}
	for _, name := range emit.ParamOrder {
		lbl := name
		if mapped, ok := emit.ParamLabels[name]; ok {
			lbl = mapped
		}
		val, ok := fields[name]
		if !ok {
			val = missing
		}
		parts = append(parts, lbl, val)
	}
	return strings.Join(append(parts, "**"), ",")
}

// ComposeExportLine builds one line-oriented export line for a payload.
// Detailed payloads are copied as-is; summary payloads pass through emit
// synthesis first. In both cases the timestamp slot is rewritten with the
// effective timestamp for the sender's selector, when one resolves.
func ComposeExportLine(tag string, tokens []string, rule *lookup.Rule, missing, received, transmitTS12 string, shift timeshift.Shift) string {
	selector := rule.TimestampSelector()

	if tag == "D" {
		parts := append([]string{"#D"}, tokens...)
		parts = append(parts, "**")
		if tIdx := TimestampTokenIndex(tokens); tIdx >= 0 {
			csvIdx := tIdx + 1
			if newTS := timeshift.EffectiveTS12(selector, received, transmitTS12, parts[csvIdx], shift); newTS != "" {
				parts[csvIdx] = newTS
			}
		}
		return strings.Join(parts, ",")
	}

	line := ComposeDetailedFromSummary(tokens, rule, missing)
	parts := strings.Split(line, ",")
	if len(parts) >= 10 && parts[0] == "#D" {
		if newTS := timeshift.EffectiveTS12(selector, received, transmitTS12, parts[9], shift); newTS != "" {
			parts[9] = newTS
		}
		return strings.Join(parts, ",")
	}
	return line
}
