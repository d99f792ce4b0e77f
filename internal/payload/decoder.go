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

// Package payload extracts sensor payload lines from raw message bodies.
// Bodies usually carry the lines in plaintext:
//
//	[A1]#S,12475,L73,DataLogger,2509041445,11.92,27.39,**
//	[A1]#D,12475,##,L73,DataLogger,K1,K1,F5,F5,2509041445,Battery,11.92,**
//
// but satellite relays often deliver a compressed blob instead, announced
// by a "Data:" marker. Decoding tries an ordered cascade of strategies and
// accepts the first output that re-matches the payload-line pattern. Every
// function here is pure; the cascade holds no state between calls.
package payload

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/orawny/buoysync/internal/models"
)

// lineRE matches one payload line: an optional bracketed route prefix, a
// #S or #D format tag, then comma separated tokens.
var lineRE = regexp.MustCompile(`^(?:\[[^\]]+\])?#([SD]),(.*)$`)

// dataMarkerRE matches the "Data:" marker announcing an encoded blob.
var dataMarkerRE = regexp.MustCompile(`(?i)^\s*Data\s*:\s*(.*?)\s*$`)

// headerLikeRE matches lines such as "IMEI: ..." that terminate the block
// of encoded lines following a Data: marker.
var headerLikeRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 _-]*:\s`)

var (
	hexRE    = regexp.MustCompile(`^[0-9A-Fa-f]+$`)
	base64RE = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)
	wsRE     = regexp.MustCompile(`\s+`)
)

// Extract returns every payload line found in a message body. When no
// plaintext line matches, it falls back to the encoded-blob cascade. An
// empty result means the message genuinely carries no payload.
func Extract(body string) []models.DecodedPayload {
	payloads := extractLines(body)
	if len(payloads) > 0 {
		return payloads
	}
	for _, cand := range EncodedCandidates(body) {
		if decoded := DecodeBlob(cand); decoded != "" {
			return extractLines(decoded)
		}
	}
	return nil
}

// extractLines scans each body line against the payload pattern, stripping
// surrounding quotes and trailing sentinel markers.
func extractLines(body string) []models.DecodedPayload {
	var out []models.DecodedPayload
	for _, raw := range strings.Split(body, "\n") {
		line := stripQuotes(strings.TrimSpace(raw))
		m := lineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		toks := strings.Split(m[2], ",")
		for i := range toks {
			toks[i] = strings.TrimSpace(toks[i])
		}
		for len(toks) > 0 {
			last := toks[len(toks)-1]
			if last != "**" && last != "##" && last != "" {
				break
			}
			toks = toks[:len(toks)-1]
		}
		out = append(out, models.DecodedPayload{Tag: m[1], Tokens: toks})
	}
	return out
}

// EncodedCandidates collects candidate encoded strings from a body, in
// preference order: non-empty lines following the first "Data:" marker
// (until the next header-like line), then the marker's inline value, then
// the last non-empty line of the whole body.
func EncodedCandidates(body string) []string {
	if body == "" {
		return nil
	}
	lines := strings.Split(body, "\n")
	var candidates []string

	for idx, raw := range lines {
		m := dataMarkerRE.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		inline := stripQuotes(strings.TrimSpace(m[1]))
		for j := idx + 1; j < len(lines); j++ {
			next := stripQuotes(strings.TrimSpace(lines[j]))
			if next == "" {
				continue
			}
			if headerLikeRE.MatchString(next) {
				break
			}
			candidates = append(candidates, next)
		}
		if inline != "" {
			candidates = append(candidates, inline)
		}
		break // only the first Data: block
	}

	if len(candidates) == 0 {
		for i := len(lines) - 1; i >= 0; i-- {
			if s := stripQuotes(strings.TrimSpace(lines[i])); s != "" {
				candidates = append(candidates, s)
				break
			}
		}
	}

	// Dedup preserving order.
	seen := make(map[string]bool, len(candidates))
	uniq := candidates[:0]
	for _, c := range candidates {
		if !seen[c] {
			seen[c] = true
			uniq = append(uniq, c)
		}
	}
	return uniq
}

// decodeStrategy attempts one way of turning an encoded candidate into
// plaintext. A nil result means the strategy does not apply or failed;
// failure is never fatal, the cascade just moves on.
type decodeStrategy func(string) []byte

// strategies is the ordered decode cascade.
var strategies = []decodeStrategy{
	decodeHexBase64Inflate,
	decodeBase64Inflate,
	decodeEscapedInflate,
	decodeHexEscapedInflate,
}

// DecodeBlob runs the cascade over one candidate string and returns the
// first inflated plaintext that contains a payload line, or "".
func DecodeBlob(candidate string) string {
	cand := strings.TrimSpace(candidate)
	if cand == "" {
		return ""
	}
	for _, strat := range strategies {
		out := strat(cand)
		if out == nil {
			continue
		}
		text := strings.TrimSpace(string(out))
		if hasPayloadLine(text) {
			return text
		}
	}
	return ""
}

func hasPayloadLine(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if lineRE.MatchString(stripQuotes(strings.TrimSpace(line))) {
			return true
		}
	}
	return false
}

// decodeHexBase64Inflate: hex digits that decode to ASCII which itself
// looks like base64, then base64 → inflate. Covers relays that hex-arm a
// base64 blob.
func decodeHexBase64Inflate(cand string) []byte {
	if !hexRE.MatchString(cand) {
		return nil
	}
	raw, err := hex.DecodeString(cand)
	if err != nil {
		return nil
	}
	ascii := strings.TrimSpace(string(raw))
	if !LooksBase64(ascii) {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(ascii)
	if err != nil {
		return nil
	}
	return inflate(b)
}

// decodeBase64Inflate: base64 → inflate.
func decodeBase64Inflate(cand string) []byte {
	if !LooksBase64(cand) {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(wsRE.ReplaceAllString(cand, ""))
	if err != nil {
		return nil
	}
	return inflate(b)
}

// decodeEscapedInflate: a backslash-escaped byte string such as
// `x\x9c%\xc8;...` → raw bytes → inflate.
func decodeEscapedInflate(cand string) []byte {
	if !strings.Contains(cand, `\x`) {
		return nil
	}
	b := unescapeBytes(cand)
	if b == nil {
		return nil
	}
	return inflate(b)
}

// decodeHexEscapedInflate: hex whose decoded text is itself the escaped
// representation → unescape → inflate.
func decodeHexEscapedInflate(cand string) []byte {
	if !hexRE.MatchString(cand) {
		return nil
	}
	stage1, err := hex.DecodeString(cand)
	if err != nil {
		return nil
	}
	stage2 := unescapeBytes(string(stage1))
	if stage2 == nil {
		return nil
	}
	return inflate(stage2)
}

// LooksBase64 reports whether a string is plausibly base64: restricted to
// the base64 alphabet, length a multiple of 4, and not purely hexadecimal
// (pure hex goes down the hex paths instead).
func LooksBase64(s string) bool {
	s = wsRE.ReplaceAllString(s, "")
	if s == "" {
		return false
	}
	if hexRE.MatchString(s) {
		return false
	}
	return base64RE.MatchString(s) && len(s)%4 == 0
}

// unescapeBytes turns a textual byte representation with \xNN (and the
// usual single-character escapes) into raw bytes. Characters outside the
// Latin-1 range are dropped, matching how such blobs are produced.
func unescapeBytes(s string) []byte {
	var out bytes.Buffer
	for i := 0; i < len(s); {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			out.WriteByte(c)
			i++
			continue
		}
		switch s[i+1] {
		case 'x':
			if i+4 <= len(s) {
				if v, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
					out.WriteByte(byte(v))
					i += 4
					continue
				}
			}
			out.WriteByte(c)
			i++
		case 'n':
			out.WriteByte('\n')
			i += 2
		case 'r':
			out.WriteByte('\r')
			i += 2
		case 't':
			out.WriteByte('\t')
			i += 2
		case '\\':
			out.WriteByte('\\')
			i += 2
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.Bytes()
}

// inflate decompresses a zlib stream, returning nil on any error.
func inflate(b []byte) []byte {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil
	}
	return out
}

func stripQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}
