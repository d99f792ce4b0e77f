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

package source

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/orawny/buoysync/internal/models"
	"github.com/orawny/buoysync/internal/timeshift"
)

// FeedConfig configures one HTTP feed source.
type FeedConfig struct {
	URL string
	// AuthHeader is a raw header line ("Authorization: Bearer XYZ") or a
	// bare token, in which case Bearer is assumed. Ignored when OAuth is
	// configured.
	AuthHeader string
	// SinceParam names the query parameter carrying the lower time bound.
	// Defaults to "since".
	SinceParam string
	// LimitParam and Limit cap the page size when the endpoint supports it.
	LimitParam string
	Limit      int

	// OAuth switches the adapter to client-credentials token auth.
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthScopes       []string
}

// Feed polls a JSON endpoint for messages. The endpoint returns either a
// bare array or {"items": [...]}; items carry the received time, the
// modem identity, and the payload as text or hex.
type Feed struct {
	cfg    FeedConfig
	client *http.Client
}

// NewFeed builds a feed adapter. With OAuth configured the HTTP client
// handles token acquisition and refresh itself.
func NewFeed(ctx context.Context, cfg FeedConfig) (*Feed, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("feed url is empty: %w", ErrNotFound)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	if cfg.OAuthClientID != "" {
		creds := &clientcredentials.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			TokenURL:     cfg.OAuthTokenURL,
			Scopes:       cfg.OAuthScopes,
		}
		client = creds.Client(ctx)
		client.Timeout = 15 * time.Second
	}
	return &Feed{cfg: cfg, client: client}, nil
}

// feedItem is one message as the endpoint delivers it. Alternate key
// spellings are folded in during decode.
type feedItem struct {
	ReceivedUTC     string          `json:"received_utc"`
	ReceivedAt      string          `json:"received_at"`
	CreatedAt       string          `json:"created_at"`
	IMEI            string          `json:"imei"`
	Serial          string          `json:"serial"`
	Sender          string          `json:"sender"`
	MOMSN           json.RawMessage `json:"momsn"`
	TransmitTimeUTC string          `json:"transmit_time_utc"`
	DataText        string          `json:"data_text"`
	DataHex         string          `json:"data_hex"`
	EntryID         string          `json:"entry_id"`
}

type feedEnvelope struct {
	Items []feedItem `json:"items"`
}

// Enumerate fetches the feed and returns messages newest-first, dropping
// anything older than since.
func (f *Feed) Enumerate(ctx context.Context, since time.Time) ([]models.RawMessage, error) {
	u, err := url.Parse(f.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("feed url %q: %w", f.cfg.URL, ErrNotFound)
	}
	q := u.Query()
	if !since.IsZero() {
		param := f.cfg.SinceParam
		if param == "" {
			param = "since"
		}
		q.Set(param, since.UTC().Format("2006-01-02T15:04:05Z"))
	}
	if f.cfg.Limit > 0 && f.cfg.LimitParam != "" {
		q.Set(f.cfg.LimitParam, fmt.Sprintf("%d", f.cfg.Limit))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.cfg.OAuthClientID == "" {
		if k, v, ok := splitAuthHeader(f.cfg.AuthHeader); ok {
			req.Header.Set(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("feed returned HTTP 404: %w", ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feed response: %w", err)
	}

	items, err := decodeItems(body)
	if err != nil {
		return nil, err
	}

	msgs := make([]models.RawMessage, 0, len(items))
	for _, it := range items {
		msgs = append(msgs, itemToMessage(it))
	}

	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].ReceivedTime.After(msgs[j].ReceivedTime)
	})

	if !since.IsZero() {
		for i, m := range msgs {
			if m.ReceivedTime.Before(since) {
				msgs = msgs[:i]
				break
			}
		}
	}
	return msgs, nil
}

func decodeItems(body []byte) ([]feedItem, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var items []feedItem
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("decode feed array: %w", err)
		}
		return items, nil
	}
	var env feedEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode feed envelope: %w", err)
	}
	if env.Items == nil {
		slog.Warn("feed response shape not recognised, treating as empty")
	}
	return env.Items, nil
}

func itemToMessage(it feedItem) models.RawMessage {
	received := parseFeedTime(firstNonEmpty(it.ReceivedUTC, it.ReceivedAt, it.CreatedAt))

	sender := it.Sender
	if it.IMEI != "" {
		sender = it.IMEI + "@rockblock.rock7.com"
	} else if sender == "" {
		sender = firstNonEmpty(it.Serial, "RockBLOCK")
	}

	momsn := momsnString(it.MOMSN)
	subject := "RB message"
	if momsn != "" {
		subject = "RB momsn " + momsn
	}

	body := it.DataText
	if body == "" && it.DataHex != "" {
		hx := strings.ReplaceAll(it.DataHex, " ", "")
		if raw, err := hex.DecodeString(hx); err == nil {
			body = string(raw)
		} else {
			body = hx
		}
	}
	// Surface the feed's transmit time where the timestamp deriver finds
	// it, unless the payload already carries a marker.
	if it.TransmitTimeUTC != "" {
		if iso, _ := timeshift.ExtractTransmitTime(body); iso == "" {
			body += "\nTransmit Time: " + it.TransmitTimeUTC
		}
	}

	entryID := it.EntryID
	if entryID == "" {
		receivedStr := received.Format(timeshift.ReceivedLayout)
		switch {
		case momsn != "":
			entryID = "MOMSN:" + momsn
		case it.IMEI != "":
			entryID = "RB:" + it.IMEI + ":" + receivedStr
		default:
			entryID = "RB:" + sender + ":" + receivedStr
		}
	}

	return models.RawMessage{
		Subject:      subject,
		Sender:       sender,
		ReceivedTime: received,
		Body:         body,
		MessageID:    entryID,
	}
}

// parseFeedTime accepts RFC3339 with or without offset. Unparseable input
// falls back to now so the message still lands inside the current window.
func parseFeedTime(s string) time.Time {
	if s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// splitAuthHeader parses "Key: value" lines; a bare token is assumed to be
// a Bearer credential.
func splitAuthHeader(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", false
	}
	if k, v, found := strings.Cut(line, ":"); found {
		return strings.TrimSpace(k), strings.TrimSpace(v), true
	}
	return "Authorization", "Bearer " + line, true
}

func momsnString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "null" {
		return ""
	}
	return s
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
