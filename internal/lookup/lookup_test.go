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

package lookup

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoader_EmptyPathYieldsDefaults(t *testing.T) {
	l, err := NewLoader("")
	if err != nil {
		t.Fatal(err)
	}
	rule, err := l.ForSender("300234010753370@rockblock.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if rule.Summary.Prefix != DefaultPrefix || len(rule.Summary.Columns) != 0 {
		t.Errorf("default rule = %+v", rule.Summary)
	}
}

func TestLoader_DirectoryPerSender(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "buoy@example.com.json", `{
		"columns": ["Email_No", "C_S", "Source", "date"],
		"prefix": "L7",
		"formats": {
			"D": {"label_map": {"Battery": "Volt"}}
		}
	}`)

	l, err := NewLoader(dir)
	if err != nil {
		t.Fatal(err)
	}

	rule, err := l.ForSender("buoy@example.com")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Email_No", "C_S", "Source", "date"}
	if !reflect.DeepEqual(rule.Summary.Columns, want) {
		t.Errorf("columns = %v, want %v", rule.Summary.Columns, want)
	}
	if rule.Summary.Prefix != "L7" || rule.Detailed.Prefix != "L7" {
		t.Errorf("prefixes = %q / %q, want L7", rule.Summary.Prefix, rule.Detailed.Prefix)
	}
	if rule.Detailed.LabelMap["Battery"] != "Volt" {
		t.Errorf("label map = %v", rule.Detailed.LabelMap)
	}

	// Unknown sender falls back to defaults.
	other, err := l.ForSender("unknown@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if other.Summary.Prefix != DefaultPrefix {
		t.Errorf("unknown sender prefix = %q", other.Summary.Prefix)
	}
}

func TestLoader_ConsolidatedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "lookups.json", `{
		"senders": {
			"Buoy@Example.com": {
				"columns": ["a", "b"],
				"formats": {
					"S": {"emit_d": {"timestamp_field": "tx_last10", "param_order": ["b"]}}
				}
			}
		}
	}`)

	l, err := NewLoader(path)
	if err != nil {
		t.Fatal(err)
	}

	// Case-insensitive sender match.
	rule, err := l.ForSender("buoy@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if rule.Summary.Emit == nil {
		t.Fatal("emit mapping missing")
	}
	if rule.TimestampSelector() != "tx_last10" {
		t.Errorf("selector = %q, want tx_last10", rule.TimestampSelector())
	}
	if !reflect.DeepEqual(rule.Summary.Emit.ParamOrder, []string{"b"}) {
		t.Errorf("param order = %v", rule.Summary.Emit.ParamOrder)
	}
}

func TestLoader_InvalidEntryRejected(t *testing.T) {
	dir := t.TempDir()
	// columns must be an array of strings
	writeFile(t, dir, "bad@example.com.json", `{"columns": "not-a-list"}`)

	l, err := NewLoader(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.ForSender("bad@example.com"); err == nil {
		t.Fatal("expected schema validation error")
	}
}

func TestLoader_CachesPerSender(t *testing.T) {
	dir := t.TempDir()
	name := "buoy@example.com.json"
	writeFile(t, dir, name, `{"prefix": "L7"}`)

	l, err := NewLoader(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.ForSender("buoy@example.com"); err != nil {
		t.Fatal(err)
	}

	// Removing the file after the first load must not matter.
	if err := os.Remove(filepath.Join(dir, name)); err != nil {
		t.Fatal(err)
	}
	rule, err := l.ForSender("buoy@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if rule.Summary.Prefix != "L7" {
		t.Errorf("cached prefix = %q, want L7", rule.Summary.Prefix)
	}
}

func TestRule_TimestampSelectorRootFallback(t *testing.T) {
	r := Default()
	r.TimestampField = "rx_last10"
	if got := r.TimestampSelector(); got != "rx_last10" {
		t.Errorf("selector = %q", got)
	}
	r.Summary.Emit = &Emit{TimestampField: "tx"}
	if got := r.TimestampSelector(); got != "tx" {
		t.Errorf("selector = %q, want tx", got)
	}
}
