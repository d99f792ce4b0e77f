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
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/orawny/buoysync/internal/models"
)

// FileWriter appends rows to bucketed files under one directory and
// tracks every file touched during the run for the mirror upload pass.
type FileWriter struct {
	dir     string
	touched map[string]bool
}

// NewFileWriter creates the destination directory if needed.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", dir, err)
	}
	return &FileWriter{dir: dir, touched: make(map[string]bool)}, nil
}

// Dir returns the destination directory.
func (w *FileWriter) Dir() string { return w.dir }

// Path resolves a composed filename inside the destination directory.
func (w *FileWriter) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// AppendCSV appends one record row, writing the header line when the file
// is new. Headers are fixed per file by the first record that lands in it.
func (w *FileWriter) AppendCSV(path string, headers []string, rec *models.Record) error {
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if isNew {
		if err := cw.Write(append([]string{"subject", "sender", "received_time"}, headers...)); err != nil {
			return fmt.Errorf("write header to %s: %w", path, err)
		}
	}
	row := []string{rec.Subject, rec.Sender, rec.ReceivedTime}
	for _, h := range headers {
		row = append(row, rec.Fields[h])
	}
	if err := cw.Write(row); err != nil {
		return fmt.Errorf("write row to %s: %w", path, err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	w.touched[path] = true
	return nil
}

// AppendLine appends one payload line to a line-oriented export file.
func (w *FileWriter) AppendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	w.touched[path] = true
	return nil
}

// EnsureVRF creates (or touches) the empty .vrf companion next to a .txt
// export and returns its path. Some receiving systems use the companion as
// a transfer-complete marker.
func (w *FileWriter) EnsureVRF(txtPath string) (string, error) {
	base := strings.TrimSuffix(txtPath, filepath.Ext(txtPath))
	vrf := base + ".vrf"
	f, err := os.OpenFile(vrf, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", vrf, err)
	}
	f.Close()
	w.touched[vrf] = true
	return vrf, nil
}

// Touched returns the sorted list of files written during the run.
func (w *FileWriter) Touched() []string {
	out := make([]string, 0, len(w.touched))
	for p := range w.touched {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ResetTouched clears the touched set after a mirror pass.
func (w *FileWriter) ResetTouched() {
	w.touched = make(map[string]bool)
}
