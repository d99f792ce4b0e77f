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
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/orawny/buoysync/internal/lookup"
	"github.com/orawny/buoysync/internal/models"
	"github.com/orawny/buoysync/internal/timeshift"
)

func split(line string) []string {
	return strings.Split(line, ",")
}

func testMsg() *models.RawMessage {
	return &models.RawMessage{
		Subject:      "Buoy S23 report",
		Sender:       "s23@buoys.example",
		ReceivedTime: time.Date(2025, 9, 4, 14, 45, 0, 0, time.UTC),
	}
}

func TestBuildSummaryNamedColumns(t *testing.T) {
	rule := lookup.Default()
	rule.Summary.Columns = []string{"Email_No", "C_S", "Source", "date", "Bat1"}

	tokens := split("12475,L73,DataLogger,2509041445,11.92,27.39")
	rec := Build(testMsg(), &models.DecodedPayload{Tag: models.TagSummary, Tokens: tokens}, rule, "NA")

	wantHeaders := []string{"Email_No", "C_S", "Source", "date", "Bat1", "col6"}
	if !reflect.DeepEqual(rec.Headers, wantHeaders) {
		t.Fatalf("headers = %v, want %v", rec.Headers, wantHeaders)
	}
	if rec.Fields["C_S"] != "L73" || rec.Fields["col6"] != "27.39" {
		t.Fatalf("fields = %v", rec.Fields)
	}
	if rec.PayloadTS12 != "2509041445" {
		t.Fatalf("payload ts = %q", rec.PayloadTS12)
	}
}

func TestBuildSummaryIdentityFromSerial(t *testing.T) {
	rule := lookup.Default()
	tokens := split("12475,L73,DataLogger,99881,11.92")
	rec := Build(testMsg(), &models.DecodedPayload{Tag: models.TagSummary, Tokens: tokens}, rule, "")
	if rec.Identity != "F599881" {
		t.Fatalf("identity = %q, want F599881", rec.Identity)
	}
}

func TestBuildSummaryMissingValueSentinel(t *testing.T) {
	rule := lookup.Default()
	rule.Summary.Columns = []string{"a", "b", "c"}
	rec := Build(testMsg(), &models.DecodedPayload{Tag: models.TagSummary, Tokens: []string{"1", ""}}, rule, "NA")
	if rec.Fields["b"] != "NA" || rec.Fields["c"] != "NA" {
		t.Fatalf("fields = %v", rec.Fields)
	}
}

func TestBuildDetailedFixedSlotsAndPairs(t *testing.T) {
	rule := lookup.Default()
	rule.Detailed.LabelMap = map[string]string{"Battery": "Volt"}

	tokens := split("12475,##,L73,DataLogger,K1,K1,F5,F5,2509041445,Battery,11.92,Tempat5m,27.39,DO,4.1")
	rec := Build(testMsg(), &models.DecodedPayload{Tag: models.TagDetailed, Tokens: tokens}, rule, "NA")

	if rec.Fields["Volt"] != "11.92" {
		t.Fatalf("label remap failed: %v", rec.Fields)
	}
	if rec.Fields["Tempat5m"] != "27.39" || rec.Fields["DO"] != "4.1" {
		t.Fatalf("pairs = %v", rec.Fields)
	}
	if rec.Fields["XYZ"] != "L73" || rec.Fields["TAG"] != "DataLogger" {
		t.Fatalf("marker slots = %v", rec.Fields)
	}
	if rec.Fields["K1"] != "K1" || rec.Fields["M2"] != "F5" {
		t.Fatalf("K1/M2 = %v", rec.Fields)
	}
	if rec.PayloadTS12 != "250904144500" {
		t.Fatalf("payload ts = %q", rec.PayloadTS12)
	}
}

func TestBuildDetailedMissingValue(t *testing.T) {
	rule := lookup.Default()
	tokens := split("12475,##,L73,DataLogger,K1,K1,F5,F5,2509041445,Battery,,DO,4.1")
	rec := Build(testMsg(), &models.DecodedPayload{Tag: models.TagDetailed, Tokens: tokens}, rule, "MISSING")
	if rec.Fields["Battery"] != "MISSING" {
		t.Fatalf("fields = %v", rec.Fields)
	}
}

func TestBuildDetailedPreferredColumnOrder(t *testing.T) {
	rule := lookup.Default()
	rule.Detailed.Columns = []string{"DO", "Battery"}
	tokens := split("12475,##,L73,DataLogger,K1,K1,F5,F5,2509041445,Battery,11.92,DO,4.1")
	rec := Build(testMsg(), &models.DecodedPayload{Tag: models.TagDetailed, Tokens: tokens}, rule, "NA")
	if rec.Headers[0] != "DO" || rec.Headers[1] != "Battery" {
		t.Fatalf("headers = %v", rec.Headers)
	}
}

func TestSanitizeColumn(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Temp at 5m", "Temp_at_5m"},
		{"", "col"},
		{"subject", "subject_1"},
		{"Received_Time", "Received_Time_1"},
		{"received_time", "received_time_1"},
		{"a/b", "a_b"},
	}
	for _, tc := range cases {
		if got := SanitizeColumn(tc.in); got != tc.want {
			t.Errorf("SanitizeColumn(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestUniquifyRepeats(t *testing.T) {
	got := Uniquify([]string{"DO", "DO", "DO"})
	want := []string{"DO", "DO_2", "DO_3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestComposeDetailedFromSummaryDefaultEmit(t *testing.T) {
	rule := lookup.Default()
	rule.Summary.Columns = []string{"Email_No", "C_S", "Source", "date", "Bat1", "Temp"}

	tokens := split("12475,L73,DataLogger,2509041445,11.92,27.39")
	line := ComposeDetailedFromSummary(tokens, rule, "NA")
	parts := split(line)

	if parts[0] != "#D" || parts[1] != "100" || parts[2] != "##" {
		t.Fatalf("prologue = %v", parts[:3])
	}
	if parts[3] != "L73" || parts[4] != "DataLogger" {
		t.Fatalf("xyz/tag = %v", parts[3:5])
	}
	if parts[9] != "250904144500" {
		t.Fatalf("ts12 = %q", parts[9])
	}
	if parts[10] != "BATTERY" || parts[11] != "12" {
		t.Fatalf("battery = %v", parts[10:12])
	}
	// Default emit renames Bat1 -> bat1 and keeps Temp as-is.
	joined := strings.Join(parts, ",")
	if !strings.Contains(joined, "bat1,11.92") || !strings.Contains(joined, "Temp,27.39") {
		t.Fatalf("params missing: %s", joined)
	}
	if parts[len(parts)-1] != "**" {
		t.Fatalf("no terminator: %s", line)
	}
}

func TestComposeExportLineDetailedTimestampOverride(t *testing.T) {
	rule := lookup.Default()
	rule.TimestampField = "rx_last10"
	tokens := split("12475,##,L73,DataLogger,K1,K1,F5,F5,250904144512,Battery,11.92")

	line := ComposeExportLine("D", tokens, rule, "NA", "2025-09-04 14:45:12", "", timeshift.Shift{})
	parts := split(line)
	if parts[9] != "250904144000" {
		t.Fatalf("ts slot = %q, want 250904144000", parts[9])
	}
	if parts[len(parts)-1] != "**" {
		t.Fatalf("no terminator: %s", line)
	}
}

func TestComposeExportLineSummaryKeepsPayloadTimestamp(t *testing.T) {
	rule := lookup.Default()
	rule.Summary.Columns = []string{"Email_No", "C_S", "Source", "date"}
	tokens := split("12475,L73,DataLogger,2509041445")

	line := ComposeExportLine("S", tokens, rule, "NA", "2025-09-04 14:45:12", "", timeshift.Shift{})
	parts := split(line)
	if parts[9] != "250904144500" {
		t.Fatalf("ts slot = %q", parts[9])
	}
}

func TestTimestampTokenIndex(t *testing.T) {
	tokens := split("12475,##,L73,DataLogger,K1,K1,F5,F5,2509041445,Battery,11.92")
	if got := TimestampTokenIndex(tokens); got != 8 {
		t.Fatalf("index = %d, want 8", got)
	}
	if got := TimestampTokenIndex(split("a,b,c")); got != -1 {
		t.Fatalf("index = %d, want -1", got)
	}
}
