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

package dedup

import (
	"strings"
	"testing"
)

func TestKeyMessageIDWins(t *testing.T) {
	k := Key("MOMSN:412", "subj", "sender@example.com", "2025-09-04 14:45:00", []string{"a", "b"})
	if k != "ID:MOMSN:412" {
		t.Fatalf("key = %q, want ID:MOMSN:412", k)
	}
}

func TestKeyStableForEqualRecords(t *testing.T) {
	vals := []string{"S23", "DataLogger", "11.92", "27.39"}
	k1 := Key("", "Buoy S23", "s23@buoys.example", "2025-09-04 14:45:00", vals)
	k2 := Key("", "Buoy S23", "s23@buoys.example", "2025-09-04 14:45:00", []string{"S23", "DataLogger", "11.92", "27.39"})
	if k1 != k2 {
		t.Fatalf("equal records produced different keys: %q vs %q", k1, k2)
	}
	if !strings.HasPrefix(k1, "H:") {
		t.Fatalf("hash key missing prefix: %q", k1)
	}
}

func TestKeyChangesWithAnyValue(t *testing.T) {
	base := Key("", "subj", "sender", "2025-09-04 14:45:00", []string{"a", "b", "c"})
	cases := []struct {
		name     string
		subject  string
		sender   string
		received string
		values   []string
	}{
		{"subject", "other", "sender", "2025-09-04 14:45:00", []string{"a", "b", "c"}},
		{"sender", "subj", "other", "2025-09-04 14:45:00", []string{"a", "b", "c"}},
		{"received", "subj", "sender", "2025-09-04 14:46:00", []string{"a", "b", "c"}},
		{"value", "subj", "sender", "2025-09-04 14:45:00", []string{"a", "b", "d"}},
		{"order", "subj", "sender", "2025-09-04 14:45:00", []string{"b", "a", "c"}},
		{"extra", "subj", "sender", "2025-09-04 14:45:00", []string{"a", "b", "c", ""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			k := Key("", tc.subject, tc.sender, tc.received, tc.values)
			if k == base {
				t.Fatalf("changed %s but key unchanged: %q", tc.name, k)
			}
		})
	}
}

func TestKeyNoConcatenationCollision(t *testing.T) {
	// "ab"+"c" must not collide with "a"+"bc".
	k1 := Key("", "s", "e", "t", []string{"ab", "c"})
	k2 := Key("", "s", "e", "t", []string{"a", "bc"})
	if k1 == k2 {
		t.Fatalf("length prefixing failed, keys collide: %q", k1)
	}
}
