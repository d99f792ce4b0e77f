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

// Package lookup loads per-sender decoding rules: column names for the
// summary wire format, label remaps for the detailed format, the device
// naming prefix, and the optional emit mapping used to synthesize detailed
// lines from summary fields. Rule files are JSON, either one file per
// sender in a directory or a single consolidated file, and are validated
// against a schema when loaded.
package lookup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultPrefix is the device naming prefix used when a sender has no rule.
const DefaultPrefix = "F5"

// Emit maps summary fields onto the fixed roles of a synthesized detailed
// line. For each role, From names a summary column to copy the value from
// and Value supplies a literal; From wins when both are set.
type Emit struct {
	XYZFrom          string            `json:"xyz_from,omitempty"`
	XYZ              string            `json:"xyz,omitempty"`
	TagFrom          string            `json:"tag_from,omitempty"`
	Tag              string            `json:"tag,omitempty"`
	TimestampField   string            `json:"timestamp_field,omitempty"`
	K1From           string            `json:"k1_from,omitempty"`
	K1               string            `json:"k1,omitempty"`
	M2From           string            `json:"m2_from,omitempty"`
	M2               string            `json:"m2,omitempty"`
	BatteryLabelFrom string            `json:"battery_label_from,omitempty"`
	BatteryLabel     string            `json:"battery_label,omitempty"`
	BatteryValueFrom string            `json:"battery_value_from,omitempty"`
	BatteryValue     string            `json:"battery_value,omitempty"`
	ParamOrder       []string          `json:"param_order,omitempty"`
	ParamLabels      map[string]string `json:"param_labels,omitempty"`
}

// Resolve returns the value for one emit role given the summary field map.
func (e *Emit) Resolve(from, literal, def string, fields map[string]string) string {
	if from != "" {
		return fields[from]
	}
	if literal != "" {
		return literal
	}
	return def
}

// FormatRule holds the per-wire-format part of a sender rule.
type FormatRule struct {
	// Columns names the positional summary tokens; empty means "name
	// positionally and pad with colN".
	Columns []string
	// LabelMap remaps raw detailed-format labels to display names.
	LabelMap map[string]string
	// Prefix is the device naming prefix for this sender.
	Prefix string
	// Emit configures summary-to-detailed synthesis (summary format only).
	Emit *Emit
}

// Rule is the complete lookup rule for one sender.
type Rule struct {
	Summary  FormatRule
	Detailed FormatRule
	// TimestampField is the root-level timestamp selector, consulted when
	// the emit mapping has none.
	TimestampField string
}

// TimestampSelector returns the effective timestamp selector expression:
// the emit mapping's field when present, else the root-level one.
func (r *Rule) TimestampSelector() string {
	if r.Summary.Emit != nil && r.Summary.Emit.TimestampField != "" {
		return r.Summary.Emit.TimestampField
	}
	return r.TimestampField
}

// Default returns the rule applied to senders without a configured entry:
// positional summary naming and an empty detailed label map.
func Default() *Rule {
	return &Rule{
		Summary:  FormatRule{Prefix: DefaultPrefix},
		Detailed: FormatRule{Prefix: DefaultPrefix, LabelMap: map[string]string{}},
	}
}

// entrySchema validates one sender entry. Kept permissive on purpose:
// unknown keys pass (forward compatibility), known keys must carry the
// right shape.
const entrySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "columns": {"type": "array", "items": {"type": "string"}},
    "label_map": {"type": "object", "additionalProperties": {"type": "string"}},
    "prefix": {"type": "string"},
    "timestamp_field": {"type": "string"},
    "formats": {
      "type": "object",
      "properties": {
        "S": {"$ref": "#/$defs/format"},
        "D": {"$ref": "#/$defs/format"}
      }
    }
  },
  "$defs": {
    "format": {
      "type": "object",
      "properties": {
        "columns": {"type": "array", "items": {"type": "string"}},
        "label_map": {"type": "object", "additionalProperties": {"type": "string"}},
        "prefix": {"type": "string"},
        "emit_d": {
          "type": "object",
          "properties": {
            "param_order": {"type": "array", "items": {"type": "string"}},
            "param_labels": {"type": "object", "additionalProperties": {"type": "string"}}
          }
        }
      }
    }
  }
}`

// wireFormat mirrors one "formats" sub-object in a rule file.
type wireFormat struct {
	Columns  []string          `json:"columns"`
	LabelMap map[string]string `json:"label_map"`
	Prefix   *string           `json:"prefix"`
	EmitD    *Emit             `json:"emit_d"`
}

// wireEntry mirrors one sender entry in a rule file. Root-level fields
// apply to both formats; the "formats" object overrides per format.
type wireEntry struct {
	Columns        []string          `json:"columns"`
	LabelMap       map[string]string `json:"label_map"`
	Prefix         *string           `json:"prefix"`
	TimestampField string            `json:"timestamp_field"`
	Formats        *struct {
		S *wireFormat `json:"S"`
		D *wireFormat `json:"D"`
	} `json:"formats"`
}

// Loader resolves lookup rules for senders from a file or directory path.
// Resolved rules are cached for the lifetime of the loader (one run).
type Loader struct {
	path   string
	schema *jsonschema.Schema

	mu    sync.Mutex
	cache map[string]*Rule
}

// NewLoader creates a loader for the given lookup path. An empty path is
// valid and yields defaults for every sender.
func NewLoader(path string) (*Loader, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(entrySchema))
	if err != nil {
		return nil, fmt.Errorf("parse lookup entry schema: %w", err)
	}
	if err := c.AddResource("lookup-entry.json", doc); err != nil {
		return nil, fmt.Errorf("register lookup entry schema: %w", err)
	}
	schema, err := c.Compile("lookup-entry.json")
	if err != nil {
		return nil, fmt.Errorf("compile lookup entry schema: %w", err)
	}
	return &Loader{
		path:   path,
		schema: schema,
		cache:  make(map[string]*Rule),
	}, nil
}

// ForSender returns the rule for a sender address. Senders without an
// entry get Default(); malformed rule files are an error, not a silent
// fallback.
func (l *Loader) ForSender(sender string) (*Rule, error) {
	l.mu.Lock()
	if r, ok := l.cache[sender]; ok {
		l.mu.Unlock()
		return r, nil
	}
	l.mu.Unlock()

	rule, err := l.load(sender)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[sender] = rule
	l.mu.Unlock()
	return rule, nil
}

func (l *Loader) load(sender string) (*Rule, error) {
	if l.path == "" {
		return Default(), nil
	}

	info, err := os.Stat(l.path)
	if err != nil {
		return nil, fmt.Errorf("lookup path %s: %w", l.path, err)
	}

	// Directory mode: one <sender>.json per sender.
	if info.IsDir() {
		candidate := filepath.Join(l.path, sender+".json")
		data, err := os.ReadFile(candidate)
		if os.IsNotExist(err) {
			return Default(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("read lookup file %s: %w", candidate, err)
		}
		return l.parseEntry(data, candidate)
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read lookup file %s: %w", l.path, err)
	}

	// Consolidated file: {"senders": {"<addr>": {...}}}, matched exactly
	// then case-insensitively.
	var consolidated struct {
		Senders map[string]json.RawMessage `json:"senders"`
	}
	if err := json.Unmarshal(data, &consolidated); err != nil {
		return nil, fmt.Errorf("parse lookup file %s: %w", l.path, err)
	}
	if consolidated.Senders != nil {
		entry, ok := consolidated.Senders[sender]
		if !ok {
			lower := strings.ToLower(sender)
			for k, v := range consolidated.Senders {
				if strings.ToLower(k) == lower {
					entry = v
					ok = true
					break
				}
			}
		}
		if !ok {
			return Default(), nil
		}
		return l.parseEntry(entry, l.path)
	}

	// Plain {"columns": [...]}: a global override applied to every sender.
	return l.parseEntry(data, l.path)
}

// parseEntry validates one entry against the schema and folds it over the
// defaults.
func (l *Loader) parseEntry(data []byte, origin string) (*Rule, error) {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse lookup entry in %s: %w", origin, err)
	}
	if err := l.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid lookup entry in %s: %w", origin, err)
	}

	var entry wireEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode lookup entry in %s: %w", origin, err)
	}

	rule := Default()
	rule.TimestampField = entry.TimestampField

	if entry.Columns != nil {
		rule.Summary.Columns = append([]string(nil), entry.Columns...)
		rule.Detailed.Columns = append([]string(nil), entry.Columns...)
	}
	if entry.LabelMap != nil {
		rule.Detailed.LabelMap = cloneMap(entry.LabelMap)
	}
	if entry.Prefix != nil {
		rule.Summary.Prefix = *entry.Prefix
		rule.Detailed.Prefix = *entry.Prefix
	}

	if entry.Formats != nil {
		if s := entry.Formats.S; s != nil {
			if s.Columns != nil {
				rule.Summary.Columns = append([]string(nil), s.Columns...)
			}
			if s.Prefix != nil {
				rule.Summary.Prefix = *s.Prefix
			}
			rule.Summary.Emit = s.EmitD
		}
		if d := entry.Formats.D; d != nil {
			if d.Columns != nil {
				rule.Detailed.Columns = append([]string(nil), d.Columns...)
			}
			if d.LabelMap != nil {
				rule.Detailed.LabelMap = cloneMap(d.LabelMap)
			}
			if d.Prefix != nil {
				rule.Detailed.Prefix = *d.Prefix
			}
		}
	}

	return rule, nil
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
