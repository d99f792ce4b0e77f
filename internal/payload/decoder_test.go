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

package payload

import (
	"reflect"
	"testing"
)

// plainLine is the plaintext payload used by all encoded fixtures below.
const plainLine = "#D,12475,##,L73,DataLogger,K1,K1,F5,F5,2509041445,Battery,11.92,Tempat5m,27.39,DO,4.1,**"

// The same line zlib-compressed and wrapped in each supported encoding.
const (
	blobBase64 = "eJwVwjEKwCAMBdDDuMlHjCaIa5EuFbr0Ag7iJC2SpbcvfTxTQIGTwBjUFFGatnqP0RcO+u/yD+KzZ2IWbE21rxdELgdcfT5NZSIkFzPKCXYEaz/awxZR"

	blobHexOfBase64 = "654a7756776a454b7743414d42644444754d6c486a4361496135457546627230416737694a43325370626376665478545149475477426a5546464761746e71503052634f2b752f79442b4b7a5a32495762453231727864454c6764636654354e5a53496b467a504b43585945617a2f6177785a52"

	blobEscaped = `x\x9c\x15\xc21\x0a\xc0 \x0c\x05\xd0\xc3\xb8\xc9G\x8c&\x88k\x91.\x15\xba\xf4\x02\x0e\xe2$-\x92\xa5\xb7/}<S@\x81\x93\xc0\x18\xd4\x14Q\x9a\xb6z\x8f\xd1\x17\x0e\xfa\xef\xf2\x0f\xe2\xb3gb\x16lM\xb5\xaf\x17D.\x07\x5c}>Me"$\x173\xca\x09v\x04k?\xda\xc3\x16Q`

	blobHexOfEscaped = "785c7839635c7831355c786332315c7830615c786330205c7830635c7830355c7864305c7863335c7862385c786339475c783863265c7838386b5c7839312e5c7831355c7862615c7866345c7830325c7830655c786532242d5c7839325c7861355c7862372f7d3c53405c7838315c7839335c7863305c7831385c7864345c783134515c7839615c7862367a5c7838665c7864315c7831375c7830655c7866615c7865665c7866325c7830665c7865325c78623367625c7831366c4d5c7862355c7861665c783137442e5c7830375c7835637d3e4d6522245c783137335c7863615c783039765c7830346b3f5c7864615c7863335c78313651"
)

func TestExtract_PlaintextLines(t *testing.T) {
	body := "noise line\n[A1]#S,12475,L73,DataLogger,2509041445,11.92,27.39,**\nmore noise\n" +
		"#D,12475,##,L73,DataLogger,K1,K1,F5,F5,2509041445,Battery,11.92,**\n"

	got := Extract(body)
	if len(got) != 2 {
		t.Fatalf("Extract returned %d payloads, want 2", len(got))
	}
	if got[0].Tag != "S" || got[1].Tag != "D" {
		t.Errorf("tags = %s, %s", got[0].Tag, got[1].Tag)
	}
	wantS := []string{"12475", "L73", "DataLogger", "2509041445", "11.92", "27.39"}
	if !reflect.DeepEqual(got[0].Tokens, wantS) {
		t.Errorf("S tokens = %v, want %v", got[0].Tokens, wantS)
	}
	// trailing ** sentinel stripped from the D line too
	last := got[1].Tokens[len(got[1].Tokens)-1]
	if last != "11.92" {
		t.Errorf("last D token = %q, want 11.92", last)
	}
}

func TestExtract_QuotedLine(t *testing.T) {
	got := Extract(`"#S,100,L73,DataLogger,2509041445,**"`)
	if len(got) != 1 || got[0].Tag != "S" {
		t.Fatalf("quoted line not extracted: %v", got)
	}
}

func TestDecodeBlob_Strategies(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{"base64 then inflate", blobBase64},
		{"hex of base64 then inflate", blobHexOfBase64},
		{"escaped bytes then inflate", blobEscaped},
		{"hex of escaped bytes then inflate", blobHexOfEscaped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeBlob(tt.blob)
			if got != plainLine {
				t.Errorf("DecodeBlob = %q, want %q", got, plainLine)
			}
		})
	}
}

func TestDecodeBlob_Deterministic(t *testing.T) {
	first := DecodeBlob(blobBase64)
	for i := 0; i < 3; i++ {
		if got := DecodeBlob(blobBase64); got != first {
			t.Fatalf("run %d: DecodeBlob = %q, want %q", i, got, first)
		}
	}
}

func TestDecodeBlob_Garbage(t *testing.T) {
	for _, blob := range []string{"", "not a payload", "AAAA", "deadbeef", `\x00\x01`} {
		if got := DecodeBlob(blob); got != "" {
			t.Errorf("DecodeBlob(%q) = %q, want empty", blob, got)
		}
	}
}

func TestExtract_DataMarkerBody(t *testing.T) {
	body := "IMEI: 300234010753370\nMOMSN: 345\nData:\n" + blobBase64 + "\nTime: 14:25 UTC\n"
	got := Extract(body)
	if len(got) != 1 {
		t.Fatalf("Extract returned %d payloads, want 1", len(got))
	}
	if got[0].Tag != "D" {
		t.Errorf("tag = %s, want D", got[0].Tag)
	}
	if got[0].Tokens[0] != "12475" {
		t.Errorf("first token = %q", got[0].Tokens[0])
	}
}

func TestExtract_InlineDataMarker(t *testing.T) {
	body := "Some preamble\nData: " + blobBase64 + "\n"
	if got := Extract(body); len(got) != 1 {
		t.Fatalf("inline Data: blob not decoded (%d payloads)", len(got))
	}
}

func TestExtract_LastLineFallback(t *testing.T) {
	body := "just chatter\nmore chatter\n" + blobBase64 + "\n"
	if got := Extract(body); len(got) != 1 {
		t.Fatalf("last-line fallback not decoded (%d payloads)", len(got))
	}
}

func TestEncodedCandidates_Order(t *testing.T) {
	body := "Data: inlineblob\nfollowing1\nfollowing2\nIMEI: 12\ntail\n"
	got := EncodedCandidates(body)
	want := []string{"following1", "following2", "inlineblob"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("candidates = %v, want %v", got, want)
	}
}

func TestLooksBase64(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"eJzt", true},
		{"eJz", false},          // length not a multiple of 4
		{"deadbeef", false},     // pure hex is routed to hex strategies
		{"eJ z t", true},        // whitespace ignored
		{"not*base64==", false}, // illegal character
		{"", false},
	}
	for _, tt := range tests {
		if got := LooksBase64(tt.in); got != tt.want {
			t.Errorf("LooksBase64(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
