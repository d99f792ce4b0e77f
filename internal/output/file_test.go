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

package output

import (
	"os"
	"strings"
	"testing"

	"github.com/orawny/buoysync/internal/models"
)

func TestAppendCSVHeaderOnce(t *testing.T) {
	w, err := NewFileWriter(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rec := &models.Record{
		Subject:      "s",
		Sender:       "a@b",
		ReceivedTime: "2025-10-01 10:44:00",
		Headers:      []string{"Battery", "DO"},
		Fields:       map[string]string{"Battery": "11.9", "DO": "4.1"},
	}
	path := w.Path("out.csv")
	if err := w.AppendCSV(path, rec.Headers, rec); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendCSV(path, rec.Headers, rec); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), data)
	}
	if lines[0] != "subject,sender,received_time,Battery,DO" {
		t.Fatalf("header = %q", lines[0])
	}
	if lines[1] != "s,a@b,2025-10-01 10:44:00,11.9,4.1" {
		t.Fatalf("row = %q", lines[1])
	}
}

func TestAppendLineAndVRF(t *testing.T) {
	w, err := NewFileWriter(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	path := w.Path("S23.txt")
	if err := w.AppendLine(path, "#D,100,##,**"); err != nil {
		t.Fatal(err)
	}
	vrf, err := w.EnsureVRF(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(vrf, "S23.vrf") {
		t.Fatalf("vrf path = %q", vrf)
	}
	if _, err := os.Stat(vrf); err != nil {
		t.Fatalf("vrf not created: %v", err)
	}

	touched := w.Touched()
	if len(touched) != 2 {
		t.Fatalf("touched = %v", touched)
	}
	w.ResetTouched()
	if len(w.Touched()) != 0 {
		t.Fatal("touched not cleared")
	}
}
